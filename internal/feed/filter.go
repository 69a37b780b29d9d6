package feed

import "sustainplate/internal/domain"

// Filter scopes a subscription. Empty fields match everything.
type Filter struct {
	DonationID string
	// ActorID matches changes where the actor is the donor, the reserving NGO,
	// the volunteer, or the one who made the change.
	ActorID  string
	Statuses []domain.Status
	Types    []string
}

func (f Filter) Match(c Change) bool {
	if f.DonationID != "" && f.DonationID != c.DonationID {
		return false
	}
	if f.ActorID != "" {
		switch f.ActorID {
		case c.DonorID, c.ReservedBy, c.VolunteerID, c.ActorID:
		default:
			return false
		}
	}
	if len(f.Statuses) > 0 {
		hit := false
		for _, s := range f.Statuses {
			if s == c.From || s == c.To {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	if len(f.Types) > 0 {
		for _, t := range f.Types {
			if t == c.Type {
				return true
			}
		}
		return false
	}
	return true
}
