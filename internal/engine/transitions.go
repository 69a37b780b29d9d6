package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sustainplate/internal/domain"
	"sustainplate/internal/engine/auth"
	"sustainplate/internal/events"
	"sustainplate/internal/metrics"
	"sustainplate/internal/repo"
)

// edge is the single way into a lifecycle status.
type edge struct {
	op       string
	from     domain.Status
	to       domain.Status
	role     domain.Role
	conflict error
	event    string
}

var inbound = map[domain.Status]edge{
	domain.StatusReserved: {
		op: "reserve", from: domain.StatusListed, to: domain.StatusReserved,
		role: domain.RoleNGO, conflict: ErrReservationConflict, event: events.DonationReserved,
	},
	domain.StatusPickedUp: {
		op: "assign", from: domain.StatusReserved, to: domain.StatusPickedUp,
		role: domain.RoleVolunteer, conflict: ErrAssignmentConflict, event: events.DonationPickedUp,
	},
	domain.StatusDelivered: {
		op: "deliver", from: domain.StatusPickedUp, to: domain.StatusDelivered,
		role: domain.RoleVolunteer, conflict: ErrActorMismatch, event: events.DonationDelivered,
	},
}

// holder is the actor that took the donation through this edge, if any.
func (ed edge) holder(d domain.Donation) string {
	p := d.VolunteerID
	if ed.to == domain.StatusReserved {
		p = d.ReservedBy
	}
	if p == nil {
		return ""
	}
	return *p
}

// applied reports whether d already shows actorID through this edge.
func (ed edge) applied(d domain.Donation, actorID string) bool {
	return ed.holder(d) == actorID && d.Status.Rank() >= ed.to.Rank()
}

// classify explains why the guarded write matched no row.
func (ed edge) classify(d domain.Donation) error {
	if d.Status.Rank() < ed.from.Rank() {
		return ErrInvalidTransition
	}
	return ed.conflict
}

// change builds the guarded write for actorID. cur supplies the fields that
// cannot change once set (donor, reserving NGO) for the event and notifications.
func (ed edge) change(cur domain.Donation, actorID string, pickup time.Time) repo.Change {
	ch := repo.Change{ID: cur.ID}
	next := cur
	next.Status = ed.to
	switch ed.to {
	case domain.StatusReserved:
		ch.Set = []repo.Field{{Column: "status", Value: string(ed.to)}, {Column: "reserved_by", Value: actorID}}
		ch.Expect = []repo.Field{{Column: "status", Value: string(ed.from)}, {Column: "reserved_by", Value: nil}}
		next.ReservedBy = &actorID
	case domain.StatusPickedUp:
		ts := pickup.UTC().Format(time.RFC3339)
		ch.Set = []repo.Field{
			{Column: "status", Value: string(ed.to)},
			{Column: "volunteer_id", Value: actorID},
			{Column: "pickup_time", Value: ts},
		}
		ch.Expect = []repo.Field{{Column: "status", Value: string(ed.from)}, {Column: "volunteer_id", Value: nil}}
		next.VolunteerID = &actorID
		next.PickupTime = &ts
	case domain.StatusDelivered:
		ch.Set = []repo.Field{{Column: "status", Value: string(ed.to)}}
		ch.Expect = []repo.Field{{Column: "status", Value: string(ed.from)}, {Column: "volunteer_id", Value: actorID}}
	}
	ch.Event = events.Record{
		Type:       ed.event,
		EntityKind: "donation",
		EntityID:   cur.ID,
		ActorID:    actorID,
		Payload:    snapshot(next, ed.from),
	}
	ch.Notify = notifications(ed.to, next)
	return ch
}

// snapshot is the event payload the change feed filters on.
func snapshot(d domain.Donation, from domain.Status) events.EventPayload {
	p := events.EventPayload{
		"donation_id": d.ID,
		"donor_id":    d.DonorID,
		"title":       d.Title,
		"to":          string(d.Status),
	}
	if from != "" {
		p["from"] = string(from)
	}
	if d.ReservedBy != nil {
		p["reserved_by"] = *d.ReservedBy
	}
	if d.VolunteerID != nil {
		p["volunteer_id"] = *d.VolunteerID
	}
	return p
}

func notifications(to domain.Status, d domain.Donation) []domain.Notification {
	note := func(actorID, msg string) domain.Notification {
		return domain.Notification{ActorID: actorID, Message: msg, RelatedID: d.ID, RelatedType: "donation"}
	}
	var ngo string
	if d.ReservedBy != nil {
		ngo = *d.ReservedBy
	}
	switch to {
	case domain.StatusReserved:
		return []domain.Notification{note(d.DonorID, fmt.Sprintf("Your donation %q has been reserved", d.Title))}
	case domain.StatusPickedUp:
		return []domain.Notification{
			note(d.DonorID, fmt.Sprintf("Your donation %q has been picked up by a volunteer", d.Title)),
			note(ngo, fmt.Sprintf("Donation %q is on its way", d.Title)),
		}
	case domain.StatusDelivered:
		return []domain.Notification{
			note(d.DonorID, fmt.Sprintf("Your donation %q has been delivered", d.Title)),
			note(ngo, fmt.Sprintf("Donation %q has been delivered", d.Title)),
		}
	}
	return nil
}

type result struct {
	donation domain.Donation
	wrote    bool
}

// Reserve claims a listed donation for the calling NGO.
func (e Engine) Reserve(ctx context.Context, actor Actor, id string) (domain.Donation, error) {
	return e.transition(ctx, actor, id, domain.StatusReserved, nil)
}

// AssignVolunteer assigns the calling volunteer to a reserved, unassigned
// donation and marks it picked up in the same write. A nil pickupTime means now.
func (e Engine) AssignVolunteer(ctx context.Context, actor Actor, id string, pickupTime *time.Time) (domain.Donation, error) {
	return e.transition(ctx, actor, id, domain.StatusPickedUp, pickupTime)
}

// AdvanceStatus moves a donation to target through the one edge that enters
// it. Asking for the current status is a successful no-op.
func (e Engine) AdvanceStatus(ctx context.Context, actor Actor, id string, target domain.Status) (domain.Donation, error) {
	fail := func(from domain.Status, err error) (domain.Donation, error) {
		return domain.Donation{}, &TransitionError{Op: "advance", DonationID: id, From: from, To: target, Err: err}
	}
	if actor.ID == "" {
		return fail("", ErrAuthenticationRequired)
	}
	if !target.Valid() {
		return fail("", fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, target))
	}
	cur, err := e.read(ctx, "advance", id)
	if err != nil {
		return fail("", err)
	}
	if cur.Status == target {
		e.Metrics.ObserveTransition("advance", metrics.OutcomeNoop, 0)
		return cur, nil
	}
	if _, ok := inbound[target]; !ok || target.Rank() < cur.Status.Rank() {
		e.Metrics.ObserveTransition("advance", metrics.OutcomeInvalid, 0)
		return fail(cur.Status, ErrInvalidTransition)
	}
	return e.transition(ctx, actor, id, target, nil)
}

func (e Engine) transition(ctx context.Context, actor Actor, id string, target domain.Status, pickup *time.Time) (domain.Donation, error) {
	ed := inbound[target]
	if actor.ID == "" {
		return domain.Donation{}, &TransitionError{Op: ed.op, DonationID: id, To: target, Err: ErrAuthenticationRequired}
	}
	if err := auth.RequireRole(ed.op, ed.role, actor.Role); err != nil {
		return domain.Donation{}, &TransitionError{Op: ed.op, DonationID: id, To: target, Err: err}
	}
	started := e.now()
	res, err := e.collapse(ctx, ed.op+"|"+id+"|"+actor.ID, func(ctx context.Context) (result, error) {
		return e.run(ctx, ed, actor.ID, id, pickup)
	})
	e.Metrics.ObserveTransition(ed.op, outcome(res, err), e.now().Sub(started))
	if err != nil {
		return domain.Donation{}, err
	}
	return res.donation, nil
}

func outcome(res result, err error) string {
	switch {
	case err == nil && res.wrote:
		return metrics.OutcomeApplied
	case err == nil:
		return metrics.OutcomeNoop
	case IsConflict(err):
		return metrics.OutcomeConflict
	case errors.Is(err, ErrInvalidTransition):
		return metrics.OutcomeInvalid
	}
	return metrics.OutcomeError
}

// run performs one guarded transition. The conditional update is the only
// write; reads around it classify and verify the outcome.
func (e Engine) run(ctx context.Context, ed edge, actorID, id string, pickup *time.Time) (result, error) {
	fail := func(from domain.Status, err error) (result, error) {
		return result{}, &TransitionError{Op: ed.op, DonationID: id, From: from, To: ed.to, Err: err}
	}
	log := e.Log.With().Str("op", ed.op).Str("donation_id", id).Str("actor_id", actorID).Logger()

	cur, err := e.read(ctx, ed.op, id)
	if err != nil {
		return fail("", err)
	}
	if ed.applied(cur, actorID) {
		return result{donation: cur}, nil
	}
	at := e.now()
	if pickup != nil {
		at = *pickup
	}
	ch := ed.change(cur, actorID, at)

	n, settled, err := e.conditionalUpdate(ctx, ed, actorID, ch)
	if err != nil {
		return fail(cur.Status, err)
	}
	if settled != nil {
		log.Info().Msg("earlier attempt applied, acknowledgement was lost")
		e.afterWrite(ctx, *settled)
		return result{donation: *settled, wrote: true}, nil
	}
	if n == 0 {
		now, err := e.read(ctx, ed.op, id)
		if err != nil {
			return fail(cur.Status, err)
		}
		if ed.applied(now, actorID) {
			return result{donation: now}, nil
		}
		cause := ed.classify(now)
		log.Info().Err(cause).Str("status", string(now.Status)).Msg("guard failed")
		return fail(now.Status, cause)
	}

	after, err := e.read(ctx, ed.op, id)
	if err != nil {
		return fail(cur.Status, err)
	}
	if !ed.applied(after, actorID) {
		log.Error().Str("status", string(after.Status)).Str("holder", ed.holder(after)).Msg("read-back does not show the update")
		return fail(after.Status, ErrVerificationMismatch)
	}
	log.Info().Str("from", string(ed.from)).Str("to", string(ed.to)).Msg("donation transitioned")
	e.afterWrite(ctx, after)
	return result{donation: after, wrote: true}, nil
}

// conditionalUpdate issues ch, retrying transient failures. Before each
// re-issue it reads the row: when the lost attempt already applied, the read
// is returned as settled and the write is not repeated.
func (e Engine) conditionalUpdate(ctx context.Context, ed edge, actorID string, ch repo.Change) (int64, *domain.Donation, error) {
	b := e.newBackoff()
	for {
		n, err := e.Registry.ConditionalUpdate(ctx, ch)
		if err == nil {
			return n, nil, nil
		}
		if !repo.IsTransient(err) {
			return 0, nil, err
		}
		if err := e.wait(ctx, b, ed.op, ch.ID, err); err != nil {
			return 0, nil, err
		}
		d, rerr := e.Registry.GetDonation(ctx, ch.ID)
		switch {
		case rerr == nil && ed.applied(d, actorID):
			return 1, &d, nil
		case rerr != nil && !repo.IsTransient(rerr):
			return 0, nil, rerr
		}
	}
}
