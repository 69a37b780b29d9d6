package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"sustainplate/internal/app"
	"sustainplate/internal/domain"
	"sustainplate/internal/feed"
)

const (
	streamBuffer    = 64
	streamHeartbeat = 15 * time.Second
	streamReplayMax = 500
)

func registerEvents(api huma.API, rt *app.Runtime) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"donation,actor"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, authErr := callerFromContext(ctx, rt); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := rt.Repo.LatestEvents(ctx, limit+1, cursorID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

// streamFilter reads the subscription scope from the query string:
// donation_id, status (repeatable) and mine=true for the caller's own
// donations.
func streamFilter(r *http.Request, actorID string) feed.Filter {
	q := r.URL.Query()
	f := feed.Filter{DonationID: strings.TrimSpace(q.Get("donation_id"))}
	if mine, _ := strconv.ParseBool(q.Get("mine")); mine {
		f.ActorID = actorID
	}
	for _, s := range q["status"] {
		if st := domain.Status(strings.TrimSpace(s)); st.Valid() {
			f.Statuses = append(f.Statuses, st)
		}
	}
	return f
}

// registerStream serves change notifications as server-sent events. A client
// that reconnects with Last-Event-ID first receives what it missed.
func registerStream(r chi.Router, basePath string, rt *app.Runtime) {
	r.Get(path.Join(basePath, "stream"), func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()
		actor, authErr := callerFromContext(ctx, rt)
		if authErr != nil {
			respondStatusError(w, authErr)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "streaming unsupported", nil))
			return
		}
		var lastID int64
		if raw := strings.TrimSpace(req.Header.Get("Last-Event-ID")); raw != "" {
			parsed, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "invalid Last-Event-ID", map[string]any{"last_event_id": raw}))
				return
			}
			lastID = parsed
		}
		filter := streamFilter(req, actor.ID)

		// Subscribe before replaying so nothing falls between the two.
		changes := make(chan feed.Change, streamBuffer)
		overflow := make(chan struct{}, 1)
		unsubscribe := rt.Hub.Subscribe(filter, func(c feed.Change) {
			select {
			case changes <- c:
			default:
				select {
				case overflow <- struct{}{}:
				default:
				}
			}
		})
		defer unsubscribe()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, ": connected\n\n")
		flusher.Flush()

		if lastID > 0 {
			evts, err := rt.Repo.EventsAfter(ctx, streamReplayMax, lastID)
			if err != nil {
				rt.Log.Warn().Err(err).Msg("stream: replay failed")
			}
			for _, evt := range evts {
				c := feed.ChangeFromEvent(evt)
				if !filter.Match(c) {
					lastID = evt.ID
					continue
				}
				if err := writeChange(w, c); err != nil {
					return
				}
				lastID = evt.ID
			}
			flusher.Flush()
		}

		heartbeat := time.NewTicker(streamHeartbeat)
		defer heartbeat.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-overflow:
				// The client fell behind. Closing lets it reconnect with
				// Last-Event-ID and catch up from the log.
				return
			case <-heartbeat.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case c := <-changes:
				if c.EventID <= lastID {
					continue
				}
				if err := writeChange(w, c); err != nil {
					return
				}
				lastID = c.EventID
				flusher.Flush()
			}
		}
	})
}

func writeChange(w http.ResponseWriter, c feed.Change) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", c.EventID, c.Type, data)
	return err
}
