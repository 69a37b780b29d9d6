package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"sustainplate/internal/db"
)

const (
	DonationCreated   = "donation.created"
	DonationUpdated   = "donation.updated"
	DonationReserved  = "donation.reserved"
	DonationPickedUp  = "donation.picked_up"
	DonationDelivered = "donation.delivered"
	ActorRegistered   = "actor.registered"
)

type Writer struct {
	Dialect string
	Now     func() time.Time
}

type EventPayload map[string]any

// Record is one change to append alongside the write that caused it.
type Record struct {
	Type       string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    EventPayload
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, rec Record) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	payload := rec.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, db.Rebind(w.Dialect, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`),
		ts, rec.Type, rec.EntityKind, nullable(rec.EntityID), rec.ActorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
