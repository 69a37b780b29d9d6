package engine

import (
	"errors"
	"fmt"

	"sustainplate/internal/domain"
	"sustainplate/internal/engine/auth"
	"sustainplate/internal/repo"
)

var (
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrForbiddenRole          = auth.ErrForbiddenRole
	ErrNotFound               = repo.ErrNotFound
	ErrValidation             = errors.New("invalid donation")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrReservationConflict    = errors.New("donation already reserved by someone else")
	ErrAssignmentConflict     = errors.New("donation already assigned to another volunteer")
	ErrActorMismatch          = errors.New("actor does not hold this donation")
	ErrTransientTransport     = errors.New("registry temporarily unavailable")
	ErrVerificationMismatch   = errors.New("update not visible on read-back")
)

// TransitionError carries the context of a failed lifecycle operation. Match
// the cause with errors.Is against the sentinels above.
type TransitionError struct {
	Op         string
	DonationID string
	From       domain.Status
	To         domain.Status
	Err        error
}

func (e *TransitionError) Error() string {
	switch {
	case e.From != "" && e.To != "":
		return fmt.Sprintf("%s %s (%s -> %s): %v", e.Op, e.DonationID, e.From, e.To, e.Err)
	case e.DonationID != "":
		return fmt.Sprintf("%s %s: %v", e.Op, e.DonationID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }

// IsConflict reports whether err is a guard failure caused by another actor.
func IsConflict(err error) bool {
	return errors.Is(err, ErrReservationConflict) || errors.Is(err, ErrAssignmentConflict) || errors.Is(err, ErrActorMismatch)
}
