package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"sustainplate/internal/domain"
	"sustainplate/internal/repo"
)

// ErrForbiddenRole matches every ForbiddenError.
var ErrForbiddenRole = errors.New("forbidden role")

// ErrUnknownActor reports an actor id with no registration.
var ErrUnknownActor = errors.New("actor not registered")

// ForbiddenError indicates the actor's role may not perform an operation.
type ForbiddenError struct {
	Op       string
	Required domain.Role
	Actual   domain.Role
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("%s requires role %s, actor has %q", e.Op, e.Required, e.Actual)
}

func (e ForbiddenError) Is(target error) bool { return target == ErrForbiddenRole }

// RequireRole returns a ForbiddenError unless actual equals required.
func RequireRole(op string, required, actual domain.Role) error {
	if actual != required {
		return ForbiddenError{Op: op, Required: required, Actual: actual}
	}
	return nil
}

// ActorStore is the registry of actor identities.
type ActorStore interface {
	GetActor(ctx context.Context, id string) (domain.Actor, error)
	UpsertActor(ctx context.Context, a domain.Actor) error
}

// Service registers actors and resolves their roles.
type Service struct {
	Actors ActorStore
}

// Register validates and stores an actor. Re-registering with a different
// role fails with repo.ErrRoleImmutable.
func (s Service) Register(ctx context.Context, a domain.Actor) (domain.Actor, error) {
	a.ID = strings.TrimSpace(a.ID)
	a.Email = strings.TrimSpace(a.Email)
	if a.ID == "" {
		return a, errors.New("actor id required")
	}
	if !a.Role.Valid() {
		return a, fmt.Errorf("role must be donor, ngo or volunteer, got %q", a.Role)
	}
	if _, err := mail.ParseAddress(a.Email); err != nil {
		return a, fmt.Errorf("invalid email %q", a.Email)
	}
	if a.Name == "" {
		a.Name = a.Email
	}
	if err := s.Actors.UpsertActor(ctx, a); err != nil {
		return a, err
	}
	return s.Actors.GetActor(ctx, a.ID)
}

// Resolve returns the registered actor for id.
func (s Service) Resolve(ctx context.Context, id string) (domain.Actor, error) {
	a, err := s.Actors.GetActor(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return a, fmt.Errorf("%w: %s", ErrUnknownActor, id)
	}
	return a, err
}
