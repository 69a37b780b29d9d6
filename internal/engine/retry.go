package engine

import (
	"context"
	"fmt"
	"time"

	"sustainplate/internal/config"
	"sustainplate/internal/domain"
	"sustainplate/internal/repo"
)

var defaultRetry = config.Retry{Attempts: 3, Delay: 500 * time.Millisecond, Backoff: 2, MaxDelay: time.Second}

// backoff tracks one bounded run of attempts against the registry.
type backoff struct {
	policy  config.Retry
	delay   time.Duration
	attempt int
}

func (e Engine) newBackoff() *backoff {
	p := e.Retry
	if p.Attempts < 1 {
		p.Attempts = defaultRetry.Attempts
	}
	if p.Delay <= 0 {
		p.Delay = defaultRetry.Delay
	}
	if p.Backoff < 1 {
		p.Backoff = defaultRetry.Backoff
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultRetry.MaxDelay
	}
	return &backoff{policy: p, delay: p.Delay}
}

// wait sleeps before the next attempt. Once attempts are spent it returns
// ErrTransientTransport wrapping cause.
func (e Engine) wait(ctx context.Context, b *backoff, op, id string, cause error) error {
	b.attempt++
	if b.attempt >= b.policy.Attempts {
		e.Log.Error().Err(cause).Str("op", op).Str("donation_id", id).Int("attempts", b.attempt).Msg("retries exhausted")
		return fmt.Errorf("%w: %w", ErrTransientTransport, cause)
	}
	e.Metrics.Retry(op)
	e.Log.Warn().Err(cause).Str("op", op).Str("donation_id", id).Int("attempt", b.attempt).Dur("delay", b.delay).Msg("transient registry failure, retrying")
	if err := e.sleep(ctx, b.delay); err != nil {
		return err
	}
	next := time.Duration(float64(b.delay) * b.policy.Backoff)
	if next > b.policy.MaxDelay {
		next = b.policy.MaxDelay
	}
	b.delay = next
	return nil
}

// retry runs fn until it succeeds, fails permanently, or attempts are spent.
// Only repo.ErrTransient failures are retried.
func (e Engine) retry(ctx context.Context, op, id string, fn func() error) error {
	b := e.newBackoff()
	for {
		err := fn()
		if err == nil || !repo.IsTransient(err) {
			return err
		}
		if err := e.wait(ctx, b, op, id, err); err != nil {
			return err
		}
	}
}

func (e Engine) read(ctx context.Context, op, id string) (d domain.Donation, err error) {
	err = e.retry(ctx, op, id, func() error {
		var rerr error
		d, rerr = e.Registry.GetDonation(ctx, id)
		return rerr
	})
	return d, err
}
