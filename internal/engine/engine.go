package engine

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"sustainplate/internal/cache"
	"sustainplate/internal/config"
	"sustainplate/internal/domain"
	"sustainplate/internal/events"
	"sustainplate/internal/metrics"
	"sustainplate/internal/repo"
)

// Registry is the donation store the lifecycle runs against. repo.Repo
// implements it.
type Registry interface {
	InsertDonation(ctx context.Context, d domain.Donation, evt events.Record) error
	GetDonation(ctx context.Context, id string) (domain.Donation, error)
	ListDonations(ctx context.Context, f repo.DonationFilter) ([]domain.Donation, error)
	CountDonationsByStatus(ctx context.Context, f repo.DonationFilter) (map[domain.Status]int, error)
	ConditionalUpdate(ctx context.Context, ch repo.Change) (int64, error)
	UpdateDonationDetails(ctx context.Context, id, donorID string, d repo.DonationDetails, evt events.Record) (int64, error)
	GetActor(ctx context.Context, id string) (domain.Actor, error)
}

// Notifier is told that new events are ready to be fanned out.
type Notifier interface {
	Poke()
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID   string
	Role domain.Role
}

type Engine struct {
	Registry Registry
	Cache    cache.Cache
	CacheTTL time.Duration
	Metrics  *metrics.Lifecycle
	Feed     Notifier
	Retry    config.Retry
	Log      zerolog.Logger
	Now      func() time.Time
	Sleep    func(ctx context.Context, d time.Duration) error

	flight   *singleflight.Group
	validate *validator.Validate
}

func New(reg Registry, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		Registry: reg,
		Cache:    cache.Nop{},
		CacheTTL: cfg.Cache.TTL,
		Retry:    cfg.Lifecycle.Retry,
		Log:      zerolog.Nop(),
		Now:      time.Now,
		Sleep:    sleepContext,
		flight:   &singleflight.Group{},
		validate: newValidator(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) sleep(ctx context.Context, d time.Duration) error {
	if e.Sleep != nil {
		return e.Sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e Engine) cache() cache.Cache {
	if e.Cache == nil {
		return cache.Nop{}
	}
	return e.Cache
}

// collapse runs fn once for concurrent callers sharing key. The shared call
// runs detached from the cancellation of whichever caller started it; each
// caller stops waiting when its own ctx is done.
func (e Engine) collapse(ctx context.Context, key string, fn func(context.Context) (result, error)) (result, error) {
	if e.flight == nil {
		return fn(ctx)
	}
	ch := e.flight.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return result{}, ctx.Err()
	case r := <-ch:
		if r.Shared {
			e.Log.Debug().Str("key", key).Msg("duplicate submission collapsed")
		}
		res, _ := r.Val.(result)
		return res, r.Err
	}
}

// afterWrite drops every cached view the donation can appear in and wakes the
// change feed.
func (e Engine) afterWrite(ctx context.Context, d domain.Donation) {
	keys := []string{
		cache.AvailableKey(),
		cache.AvailableTasksKey(),
		cache.DonationKey(d.ID),
		cache.DonorKey(d.DonorID),
	}
	if d.ReservedBy != nil {
		keys = append(keys, cache.ReservationsKey(*d.ReservedBy))
	}
	if d.VolunteerID != nil {
		keys = append(keys, cache.VolunteerTasksKey(*d.VolunteerID))
	}
	if err := e.cache().Delete(ctx, keys...); err != nil {
		e.Log.Warn().Err(err).Str("donation_id", d.ID).Msg("cache invalidation failed")
	}
	if e.Feed != nil {
		e.Feed.Poke()
	}
}

// cached serves key from the read-side cache, loading and storing it on a miss.
func cached[T any](ctx context.Context, e Engine, key string, load func() (T, error)) (T, error) {
	var v T
	if err := e.cache().Get(ctx, key, &v); err == nil {
		return v, nil
	}
	v, err := load()
	if err != nil {
		return v, err
	}
	if err := e.cache().Set(ctx, key, v, e.CacheTTL); err != nil {
		e.Log.Warn().Err(err).Str("key", key).Msg("cache store failed")
	}
	return v, nil
}
