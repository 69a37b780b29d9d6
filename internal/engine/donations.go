package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"sustainplate/internal/cache"
	"sustainplate/internal/domain"
	"sustainplate/internal/engine/auth"
	"sustainplate/internal/events"
	"sustainplate/internal/repo"
)

// DonationInput is what a donor submits when listing or editing a donation.
type DonationInput struct {
	Title               string `json:"title" validate:"required,min=5"`
	Description         string `json:"description" validate:"required,min=10"`
	FoodType            string `json:"food_type" validate:"required"`
	Quantity            string `json:"quantity" validate:"required"`
	ExpiryDate          string `json:"expiry_date" validate:"required,expiry"`
	StorageRequirements string `json:"storage_requirements" validate:"required"`
	PickupAddress       string `json:"pickup_address" validate:"required,min=5"`
	PickupInstructions  string `json:"pickup_instructions,omitempty"`
}

func (in DonationInput) trimmed() DonationInput {
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	in.FoodType = strings.TrimSpace(in.FoodType)
	in.Quantity = strings.TrimSpace(in.Quantity)
	in.ExpiryDate = strings.TrimSpace(in.ExpiryDate)
	in.StorageRequirements = strings.TrimSpace(in.StorageRequirements)
	in.PickupAddress = strings.TrimSpace(in.PickupAddress)
	in.PickupInstructions = strings.TrimSpace(in.PickupInstructions)
	return in
}

func validExpiry(fl validator.FieldLevel) bool {
	v := fl.Field().String()
	if _, err := time.Parse("2006-01-02", v); err == nil {
		return true
	}
	_, err := time.Parse(time.RFC3339, v)
	return err == nil
}

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("expiry", validExpiry)
	return v
}

func (e Engine) validator() *validator.Validate {
	if e.validate == nil {
		return newValidator()
	}
	return e.validate
}

func (e Engine) check(in DonationInput) error {
	err := e.validator().Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s characters", fe.Field(), fe.Param()))
		case "expiry":
			msgs = append(msgs, fmt.Sprintf("%s must be a date (YYYY-MM-DD) or RFC3339 timestamp", fe.Field()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(msgs, "; "))
}

// CreateDonation lists a new donation for the calling donor.
func (e Engine) CreateDonation(ctx context.Context, actor Actor, in DonationInput) (domain.Donation, error) {
	fail := func(err error) (domain.Donation, error) {
		return domain.Donation{}, &TransitionError{Op: "create", To: domain.StatusListed, Err: err}
	}
	if actor.ID == "" {
		return fail(ErrAuthenticationRequired)
	}
	if err := auth.RequireRole("create", domain.RoleDonor, actor.Role); err != nil {
		return fail(err)
	}
	in = in.trimmed()
	if err := e.check(in); err != nil {
		return fail(err)
	}
	now := e.now().UTC().Format(time.RFC3339Nano)
	d := domain.Donation{
		ID:                  uuid.NewString(),
		DonorID:             actor.ID,
		Title:               in.Title,
		Description:         in.Description,
		FoodType:            in.FoodType,
		Quantity:            in.Quantity,
		ExpiryDate:          in.ExpiryDate,
		StorageRequirements: in.StorageRequirements,
		PickupAddress:       in.PickupAddress,
		PickupInstructions:  in.PickupInstructions,
		Status:              domain.StatusListed,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	evt := events.Record{
		Type:       events.DonationCreated,
		EntityKind: "donation",
		EntityID:   d.ID,
		ActorID:    actor.ID,
		Payload:    snapshot(d, ""),
	}
	if err := e.retry(ctx, "create", d.ID, e.insertOnce(ctx, d, evt)); err != nil {
		return fail(err)
	}
	e.Log.Info().Str("donation_id", d.ID).Str("donor_id", d.DonorID).Msg("donation listed")
	e.afterWrite(ctx, d)
	return d, nil
}

// insertOnce returns an insert that is safe to re-issue. A transient error can
// arrive after the row committed, so every attempt after the first looks for
// the row before inserting again.
func (e Engine) insertOnce(ctx context.Context, d domain.Donation, evt events.Record) func() error {
	attempt := 0
	return func() error {
		attempt++
		if attempt > 1 {
			got, err := e.Registry.GetDonation(ctx, d.ID)
			switch {
			case err == nil && got.DonorID == d.DonorID:
				e.Log.Info().Str("donation_id", d.ID).Msg("insert already committed, not re-issued")
				return nil
			case err == nil:
				return fmt.Errorf("%w: donation %s exists for another donor", ErrVerificationMismatch, d.ID)
			case !errors.Is(err, repo.ErrNotFound):
				return err
			}
		}
		return e.Registry.InsertDonation(ctx, d, evt)
	}
}

// UpdateDonation rewrites a donation's details. Only its donor may edit it and
// only while it is still listed.
func (e Engine) UpdateDonation(ctx context.Context, actor Actor, id string, in DonationInput) (domain.Donation, error) {
	fail := func(from domain.Status, err error) (domain.Donation, error) {
		return domain.Donation{}, &TransitionError{Op: "update", DonationID: id, From: from, Err: err}
	}
	if actor.ID == "" {
		return fail("", ErrAuthenticationRequired)
	}
	if err := auth.RequireRole("update", domain.RoleDonor, actor.Role); err != nil {
		return fail("", err)
	}
	in = in.trimmed()
	if err := e.check(in); err != nil {
		return fail("", err)
	}
	details := repo.DonationDetails{
		Title:               in.Title,
		Description:         in.Description,
		FoodType:            in.FoodType,
		Quantity:            in.Quantity,
		ExpiryDate:          in.ExpiryDate,
		StorageRequirements: in.StorageRequirements,
		PickupAddress:       in.PickupAddress,
		PickupInstructions:  in.PickupInstructions,
	}
	evt := events.Record{
		Type:       events.DonationUpdated,
		EntityKind: "donation",
		EntityID:   id,
		ActorID:    actor.ID,
		Payload: events.EventPayload{
			"donation_id": id,
			"donor_id":    actor.ID,
			"title":       in.Title,
			"to":          string(domain.StatusListed),
		},
	}
	var n int64
	err := e.retry(ctx, "update", id, func() error {
		var uerr error
		n, uerr = e.Registry.UpdateDonationDetails(ctx, id, actor.ID, details, evt)
		return uerr
	})
	if err != nil {
		return fail("", err)
	}
	d, err := e.read(ctx, "update", id)
	if err != nil {
		return fail("", err)
	}
	if n == 0 {
		if d.DonorID != actor.ID {
			return fail(d.Status, ErrActorMismatch)
		}
		return fail(d.Status, ErrInvalidTransition)
	}
	e.afterWrite(ctx, d)
	return d, nil
}

// GetDonation returns one donation.
func (e Engine) GetDonation(ctx context.Context, id string) (domain.Donation, error) {
	return cached(ctx, e, cache.DonationKey(id), func() (domain.Donation, error) {
		return e.read(ctx, "get", id)
	})
}

// ListDonations runs an uncached scoped read.
func (e Engine) ListDonations(ctx context.Context, f repo.DonationFilter) ([]domain.Donation, error) {
	var res []domain.Donation
	err := e.retry(ctx, "list", "", func() error {
		var lerr error
		res, lerr = e.Registry.ListDonations(ctx, f)
		return lerr
	})
	return res, err
}

// ListAvailable returns every listed donation, newest first.
func (e Engine) ListAvailable(ctx context.Context) ([]domain.Donation, error) {
	return cached(ctx, e, cache.AvailableKey(), func() ([]domain.Donation, error) {
		return e.ListDonations(ctx, repo.DonationFilter{Status: domain.StatusListed})
	})
}

// ListReservations returns the donations the calling NGO reserved.
func (e Engine) ListReservations(ctx context.Context, actor Actor) ([]domain.Donation, error) {
	if err := requireActor("reservations", actor, domain.RoleNGO); err != nil {
		return nil, err
	}
	return cached(ctx, e, cache.ReservationsKey(actor.ID), func() ([]domain.Donation, error) {
		return e.ListDonations(ctx, repo.DonationFilter{ReservedBy: actor.ID})
	})
}

// ListDonorDonations returns the calling donor's donations.
func (e Engine) ListDonorDonations(ctx context.Context, actor Actor) ([]domain.Donation, error) {
	if err := requireActor("my-donations", actor, domain.RoleDonor); err != nil {
		return nil, err
	}
	return cached(ctx, e, cache.DonorKey(actor.ID), func() ([]domain.Donation, error) {
		return e.ListDonations(ctx, repo.DonationFilter{DonorID: actor.ID})
	})
}

// AvailableTasks lists reserved donations still waiting for a volunteer.
func (e Engine) AvailableTasks(ctx context.Context, actor Actor) ([]domain.VolunteerTask, error) {
	if err := requireActor("tasks", actor, domain.RoleVolunteer); err != nil {
		return nil, err
	}
	return cached(ctx, e, cache.AvailableTasksKey(), func() ([]domain.VolunteerTask, error) {
		ds, err := e.ListDonations(ctx, repo.DonationFilter{Status: domain.StatusReserved, Unassigned: true})
		if err != nil {
			return nil, err
		}
		return e.tasks(ctx, ds), nil
	})
}

// VolunteerTasks lists the calling volunteer's assigned and completed tasks.
func (e Engine) VolunteerTasks(ctx context.Context, actor Actor) ([]domain.VolunteerTask, error) {
	if err := requireActor("tasks", actor, domain.RoleVolunteer); err != nil {
		return nil, err
	}
	return cached(ctx, e, cache.VolunteerTasksKey(actor.ID), func() ([]domain.VolunteerTask, error) {
		ds, err := e.ListDonations(ctx, repo.DonationFilter{VolunteerID: actor.ID})
		if err != nil {
			return nil, err
		}
		return e.tasks(ctx, ds), nil
	})
}

// tasks projects donations into volunteer tasks, delivering to the reserving
// NGO's address when it has one.
func (e Engine) tasks(ctx context.Context, ds []domain.Donation) []domain.VolunteerTask {
	addresses := map[string]string{}
	out := make([]domain.VolunteerTask, 0, len(ds))
	for _, d := range ds {
		var addr string
		if d.ReservedBy != nil {
			ngo := *d.ReservedBy
			a, ok := addresses[ngo]
			if !ok {
				if actor, err := e.Registry.GetActor(ctx, ngo); err == nil {
					a = actor.Address
				}
				addresses[ngo] = a
			}
			addr = a
		}
		out = append(out, domain.TaskFromDonation(d, addr))
	}
	return out
}

// Stats summarises the donations an actor is involved in.
type Stats struct {
	Role      domain.Role           `json:"role"`
	Total     int                   `json:"total"`
	ByStatus  map[domain.Status]int `json:"by_status"`
	Available int                   `json:"available"`
}

// Stats counts the caller's donations per status. Available is the pool the
// caller can act on next: listed donations for NGOs, unassigned reservations
// for volunteers.
func (e Engine) Stats(ctx context.Context, actor Actor) (Stats, error) {
	if actor.ID == "" {
		return Stats{}, &TransitionError{Op: "stats", Err: ErrAuthenticationRequired}
	}
	var mine, pool repo.DonationFilter
	switch actor.Role {
	case domain.RoleDonor:
		mine = repo.DonationFilter{DonorID: actor.ID}
	case domain.RoleNGO:
		mine = repo.DonationFilter{ReservedBy: actor.ID}
		pool = repo.DonationFilter{Status: domain.StatusListed}
	case domain.RoleVolunteer:
		mine = repo.DonationFilter{VolunteerID: actor.ID}
		pool = repo.DonationFilter{Status: domain.StatusReserved, Unassigned: true}
	default:
		return Stats{}, &TransitionError{Op: "stats", Err: auth.ForbiddenError{Op: "stats", Actual: actor.Role}}
	}
	st := Stats{Role: actor.Role, ByStatus: map[domain.Status]int{}}
	err := e.retry(ctx, "stats", "", func() error {
		counts, err := e.Registry.CountDonationsByStatus(ctx, mine)
		if err != nil {
			return err
		}
		st.ByStatus = counts
		if actor.Role == domain.RoleDonor {
			return nil
		}
		poolCounts, err := e.Registry.CountDonationsByStatus(ctx, pool)
		if err != nil {
			return err
		}
		st.Available = 0
		for _, n := range poolCounts {
			st.Available += n
		}
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	for _, n := range st.ByStatus {
		st.Total += n
	}
	return st, nil
}

func requireActor(op string, actor Actor, role domain.Role) error {
	if actor.ID == "" {
		return &TransitionError{Op: op, Err: ErrAuthenticationRequired}
	}
	if err := auth.RequireRole(op, role, actor.Role); err != nil {
		return &TransitionError{Op: op, Err: err}
	}
	return nil
}
