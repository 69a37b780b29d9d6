package feed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sustainplate/internal/domain"
	"sustainplate/internal/metrics"
)

const (
	defaultInterval   = time.Second
	defaultBatch      = 100
	defaultLookback   = 1000
	defaultGapTimeout = 30 * time.Second
)

// Source is the append-only event log the hub tails.
type Source interface {
	EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

// Change notifies subscribers that a row moved. It is a hint to re-read,
// never a replacement for the row itself.
type Change struct {
	EventID     int64         `json:"event_id"`
	Type        string        `json:"type"`
	EntityKind  string        `json:"entity_kind"`
	DonationID  string        `json:"donation_id,omitempty"`
	DonorID     string        `json:"donor_id,omitempty"`
	ReservedBy  string        `json:"reserved_by,omitempty"`
	VolunteerID string        `json:"volunteer_id,omitempty"`
	From        domain.Status `json:"from,omitempty"`
	To          domain.Status `json:"to,omitempty"`
	ActorID     string        `json:"actor_id"`
	TS          string        `json:"ts"`
}

type snapshot struct {
	DonationID  string `json:"donation_id"`
	DonorID     string `json:"donor_id"`
	ReservedBy  string `json:"reserved_by"`
	VolunteerID string `json:"volunteer_id"`
	From        string `json:"from"`
	To          string `json:"to"`
}

// ChangeFromEvent decodes the donation snapshot carried by an event.
func ChangeFromEvent(evt domain.Event) Change {
	c := Change{
		EventID:    evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
	}
	if evt.EntityKind != "donation" {
		return c
	}
	c.DonationID = evt.EntityID
	var s snapshot
	if err := json.Unmarshal([]byte(evt.Payload), &s); err == nil {
		if s.DonationID != "" {
			c.DonationID = s.DonationID
		}
		c.DonorID = s.DonorID
		c.ReservedBy = s.ReservedBy
		c.VolunteerID = s.VolunteerID
		c.From = domain.Status(s.From)
		c.To = domain.Status(s.To)
	}
	return c
}

type Options struct {
	Interval time.Duration
	Batch    int
	// Lookback caps how many ids the cursor may trail the newest delivered
	// event while it waits for a missing id to commit.
	Lookback int
	// GapTimeout is how long the cursor waits on a missing id before it is
	// treated as rolled back.
	GapTimeout time.Duration
	Log        zerolog.Logger
	Metrics    *metrics.Lifecycle
}

type subscription struct {
	filter Filter
	fn     func(Change)
}

// Hub polls the event log from a cursor and fans each change out to the
// subscribers whose filter matches. Delivery is at-least-once: the cursor only
// moves past an event after it has been dispatched.
//
// Event ids can become visible out of order when concurrent transactions
// commit (a BIGSERIAL value is taken at insert, not at commit). The cursor is
// therefore a low watermark: every id at or below it has been handled, and ids
// delivered above a gap are kept in seen until the gap fills or is abandoned.
type Hub struct {
	src        Source
	interval   time.Duration
	batch      int
	lookback   int64
	gapTimeout time.Duration
	log        zerolog.Logger
	metrics    *metrics.Lifecycle
	poke       chan struct{}

	pollMu sync.Mutex

	mu      sync.Mutex
	subs    map[uint64]subscription
	nextID  uint64
	cursor  int64
	primed  bool
	seen    map[int64]struct{}
	stalled time.Time
}

func NewHub(src Source, opts Options) *Hub {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Batch <= 0 {
		opts.Batch = defaultBatch
	}
	if opts.Lookback <= 0 {
		opts.Lookback = defaultLookback
	}
	if opts.GapTimeout <= 0 {
		opts.GapTimeout = defaultGapTimeout
	}
	return &Hub{
		src:        src,
		interval:   opts.Interval,
		batch:      opts.Batch,
		lookback:   int64(opts.Lookback),
		gapTimeout: opts.GapTimeout,
		log:        opts.Log,
		metrics:    opts.Metrics,
		poke:       make(chan struct{}, 1),
		subs:       map[uint64]subscription{},
		seen:       map[int64]struct{}{},
	}
}

// Subscribe registers fn for changes matching f. fn runs on the hub's
// dispatch goroutine and must not block. The returned func tears the
// subscription down and is safe to call more than once.
func (h *Hub) Subscribe(f Filter, fn func(Change)) (unsubscribe func()) {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = subscription{filter: f, fn: fn}
	h.mu.Unlock()
	h.metrics.Subscribers(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			h.metrics.Subscribers(-1)
		})
	}
}

// Notify subscribes with a channel that holds at most one pending signal.
// Bursts of changes coalesce into a single wake-up.
func (h *Hub) Notify(f Filter) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	unsubscribe := h.Subscribe(f, func(Change) {
		select {
		case ch <- struct{}{}:
		default:
		}
	})
	return ch, unsubscribe
}

// Poke asks the hub to poll now instead of waiting for the next tick.
func (h *Hub) Poke() {
	select {
	case h.poke <- struct{}{}:
	default:
	}
}

// SetCursor makes the hub deliver events after id. Without it the hub starts
// from the newest event at its first poll.
func (h *Hub) SetCursor(id int64) {
	h.mu.Lock()
	h.cursor = id
	h.primed = true
	h.seen = map[int64]struct{}{}
	h.stalled = time.Time{}
	h.mu.Unlock()
}

func (h *Hub) Cursor() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cursor
}

// Run polls until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		if _, err := h.Poll(ctx); err != nil && ctx.Err() == nil {
			h.log.Warn().Err(err).Msg("feed: fetch events failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-h.poke:
		}
	}
}

// Poll dispatches every event after the cursor that has not been dispatched
// yet and returns how many were dispatched. Ids above a gap are rescanned on
// every poll until the gap closes, so a lower id that commits late is still
// delivered.
func (h *Hub) Poll(ctx context.Context) (int, error) {
	h.pollMu.Lock()
	defer h.pollMu.Unlock()
	if err := h.prime(ctx); err != nil {
		return 0, err
	}
	total := 0
	from := h.Cursor()
	for {
		evts, err := h.src.EventsAfter(ctx, h.batch, from)
		if err != nil {
			return total, err
		}
		for _, evt := range evts {
			from = evt.ID
			if h.delivered(evt.ID) {
				continue
			}
			h.dispatch(ChangeFromEvent(evt))
			h.mu.Lock()
			h.seen[evt.ID] = struct{}{}
			h.mu.Unlock()
			total++
		}
		h.advance(time.Now())
		if len(evts) < h.batch {
			return total, nil
		}
	}
}

func (h *Hub) delivered(id int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if id <= h.cursor {
		return true
	}
	_, ok := h.seen[id]
	return ok
}

// advance moves the cursor over the contiguous run of delivered ids. A missing
// id is skipped once the cursor has been stuck on it for gapTimeout or the
// newest delivered id is more than lookback ahead.
func (h *Hub) advance(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var top int64
	for id := range h.seen {
		top = max(top, id)
	}
	for len(h.seen) > 0 {
		next := h.cursor + 1
		if _, ok := h.seen[next]; ok {
			delete(h.seen, next)
			h.cursor = next
			h.stalled = now
			continue
		}
		if h.stalled.IsZero() {
			h.stalled = now
		}
		if top-h.cursor <= h.lookback && now.Sub(h.stalled) < h.gapTimeout {
			return
		}
		h.log.Warn().Int64("event_id", next).Msg("feed: skipping event id that never committed")
		h.cursor = next
		h.stalled = now
	}
	h.stalled = time.Time{}
}

func (h *Hub) prime(ctx context.Context) error {
	h.mu.Lock()
	primed := h.primed
	h.mu.Unlock()
	if primed {
		return nil
	}
	latest, err := h.src.LatestEventID(ctx)
	if err != nil {
		return err
	}
	h.SetCursor(latest)
	return nil
}

func (h *Hub) dispatch(c Change) {
	h.mu.Lock()
	targets := make([]func(Change), 0, len(h.subs))
	for _, s := range h.subs {
		if s.filter.Match(c) {
			targets = append(targets, s.fn)
		}
	}
	h.mu.Unlock()
	for _, fn := range targets {
		fn(c)
	}
	h.metrics.Delivered(len(targets))
	h.log.Debug().Int64("event_id", c.EventID).Str("type", c.Type).Int("subscribers", len(targets)).Msg("feed: dispatched")
}
