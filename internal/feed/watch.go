package feed

import (
	"context"

	"github.com/rs/zerolog"

	"sustainplate/internal/cache"
)

// Watch keeps a live query. It subscribes first, then runs query and hands
// the result to onSnapshot, and re-runs query after every matching change.
// Changes never patch the snapshot. Watch returns when ctx ends or query fails.
func Watch[T any](ctx context.Context, hub *Hub, f Filter, query func(context.Context) (T, error), onSnapshot func(T)) error {
	wake, unsubscribe := hub.Notify(f)
	defer unsubscribe()
	for {
		v, err := query(ctx)
		if err != nil {
			return err
		}
		onSnapshot(v)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

// InvalidateOnChange drops cached lists and the changed donation on every
// change, which covers writes made by other processes.
func InvalidateOnChange(hub *Hub, c cache.Cache, log zerolog.Logger) (unsubscribe func()) {
	return hub.Subscribe(Filter{}, func(ch Change) {
		ctx := context.Background()
		if err := c.DeletePrefix(ctx, cache.PrefixLists); err != nil {
			log.Warn().Err(err).Msg("feed: cache invalidation failed")
		}
		if ch.DonationID != "" {
			if err := c.Delete(ctx, cache.DonationKey(ch.DonationID)); err != nil {
				log.Warn().Err(err).Msg("feed: cache invalidation failed")
			}
		}
	})
}
