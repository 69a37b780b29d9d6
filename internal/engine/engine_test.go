package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sustainplate/internal/cache"
	"sustainplate/internal/config"
	"sustainplate/internal/db"
	"sustainplate/internal/domain"
	"sustainplate/internal/engine"
	"sustainplate/internal/events"
	"sustainplate/internal/migrate"
	"sustainplate/internal/repo"
)

var (
	donor = engine.Actor{ID: "donor-1", Role: domain.RoleDonor}
	ngo1  = engine.Actor{ID: "ngo-1", Role: domain.RoleNGO}
	ngo2  = engine.Actor{ID: "ngo-2", Role: domain.RoleNGO}
	vol1  = engine.Actor{ID: "vol-1", Role: domain.RoleVolunteer}
	vol2  = engine.Actor{ID: "vol-2", Role: domain.RoleVolunteer}
)

type testEnv struct {
	Engine engine.Engine
	Repo   repo.Repo
	Ctx    context.Context
	Sleeps *[]time.Duration
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	r := repo.Repo{DB: conn, Dialect: db.DriverSQLite}
	ctx := context.Background()
	actors := []domain.Actor{
		{ID: donor.ID, Email: "donor@example.org", Name: "Corner Bakery", Role: domain.RoleDonor},
		{ID: "donor-2", Email: "donor2@example.org", Name: "Deli", Role: domain.RoleDonor},
		{ID: ngo1.ID, Email: "ngo1@example.org", Name: "Food Bank", Role: domain.RoleNGO, Address: "1 Shelter Rd"},
		{ID: ngo2.ID, Email: "ngo2@example.org", Name: "Soup Kitchen", Role: domain.RoleNGO},
		{ID: vol1.ID, Email: "vol1@example.org", Name: "Sam", Role: domain.RoleVolunteer},
		{ID: vol2.ID, Email: "vol2@example.org", Name: "Alex", Role: domain.RoleVolunteer},
	}
	for i := 3; i <= 8; i++ {
		actors = append(actors, domain.Actor{ID: fmt.Sprintf("ngo-%d", i), Email: fmt.Sprintf("ngo%d@example.org", i), Name: "NGO", Role: domain.RoleNGO})
	}
	for _, a := range actors {
		require.NoError(t, r.UpsertActor(ctx, a))
	}
	eng := engine.New(r, config.Default())
	sleeps := &[]time.Duration{}
	var mu sync.Mutex
	eng.Sleep = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		*sleeps = append(*sleeps, d)
		mu.Unlock()
		return nil
	}
	return testEnv{Engine: eng, Repo: r, Ctx: ctx, Sleeps: sleeps}
}

func validInput() engine.DonationInput {
	return engine.DonationInput{
		Title:               "Fresh bread",
		Description:         "Twenty loaves baked this morning",
		FoodType:            "bakery",
		Quantity:            "20 loaves",
		ExpiryDate:          "2024-01-03",
		StorageRequirements: "dry",
		PickupAddress:       "5 Main St",
	}
}

func (env testEnv) listed(t *testing.T) domain.Donation {
	t.Helper()
	d, err := env.Engine.CreateDonation(env.Ctx, donor, validInput())
	require.NoError(t, err)
	require.Equal(t, domain.StatusListed, d.Status)
	return d
}

func TestHappyPath(t *testing.T) {
	env := newTestEnv(t)
	d := env.listed(t)

	got, err := env.Engine.Reserve(env.Ctx, ngo1, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReserved, got.Status)
	require.NotNil(t, got.ReservedBy)
	assert.Equal(t, ngo1.ID, *got.ReservedBy)

	_, err = env.Engine.Reserve(env.Ctx, ngo2, d.ID)
	assert.ErrorIs(t, err, engine.ErrReservationConflict)
	unchanged, err := env.Repo.GetDonation(env.Ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, got, unchanged)

	pickup := time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)
	got, err = env.Engine.AssignVolunteer(env.Ctx, vol1, d.ID, &pickup)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPickedUp, got.Status)
	require.NotNil(t, got.VolunteerID)
	assert.Equal(t, vol1.ID, *got.VolunteerID)
	require.NotNil(t, got.PickupTime)
	assert.Equal(t, "2024-01-02T09:30:00Z", *got.PickupTime)

	got, err = env.Engine.AdvanceStatus(env.Ctx, vol1, d.ID, domain.StatusDelivered)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, got.Status)

	notes, err := env.Repo.ListNotifications(env.Ctx, donor.ID, false, 0)
	require.NoError(t, err)
	assert.Len(t, notes, 3)
	ngoNotes, err := env.Repo.ListNotifications(env.Ctx, ngo1.ID, false, 0)
	require.NoError(t, err)
	assert.Len(t, ngoNotes, 2)
}

func TestReserveRaceHasExactlyOneWinner(t *testing.T) {
	env := newTestEnv(t)
	d := env.listed(t)

	const racers = 8
	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			actor := engine.Actor{ID: fmt.Sprintf("ngo-%d", i+1), Role: domain.RoleNGO}
			_, errs[i] = env.Engine.Reserve(env.Ctx, actor, d.ID)
		}(i)
	}
	close(start)
	wg.Wait()

	winner := ""
	for i, err := range errs {
		if err == nil {
			require.Empty(t, winner, "more than one reservation succeeded")
			winner = fmt.Sprintf("ngo-%d", i+1)
			continue
		}
		assert.ErrorIs(t, err, engine.ErrReservationConflict)
	}
	require.NotEmpty(t, winner)

	final, err := env.Repo.GetDonation(env.Ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReserved, final.Status)
	require.NotNil(t, final.ReservedBy)
	assert.Equal(t, winner, *final.ReservedBy)

	evts, err := env.Repo.LatestEvents(env.Ctx, 0, 0, events.DonationReserved, "donation", d.ID)
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

func TestLaterReserveAlwaysFails(t *testing.T) {
	env := newTestEnv(t)
	d := env.listed(t)
	_, err := env.Engine.Reserve(env.Ctx, ngo1, d.ID)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = env.Engine.Reserve(env.Ctx, ngo2, d.ID)
		assert.ErrorIs(t, err, engine.ErrReservationConflict)
	}
	var te *engine.TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "reserve", te.Op)
	assert.Equal(t, domain.StatusReserved, te.From)

	again, err := env.Engine.Reserve(env.Ctx, ngo1, d.ID)
	require.NoError(t, err, "the holder re-reserving is idempotent")
	assert.Equal(t, ngo1.ID, *again.ReservedBy)
}

func TestAdvanceToCurrentStatusIsNoop(t *testing.T) {
	env := newTestEnv(t)
	d := env.listed(t)
	reserved, err := env.Engine.Reserve(env.Ctx, ngo1, d.ID)
	require.NoError(t, err)

	got, err := env.Engine.AdvanceStatus(env.Ctx, ngo1, d.ID, domain.StatusReserved)
	require.NoError(t, err)
	assert.Equal(t, reserved, got)

	stored, err := env.Repo.GetDonation(env.Ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, reserved, stored)

	listed := env.listed(t)
	got, err = env.Engine.AdvanceStatus(env.Ctx, vol1, listed.ID, domain.StatusListed)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusListed, got.Status)
}

func TestStatusNeverRegresses(t *testing.T) {
	env := newTestEnv(t)
	d := env.listed(t)
	_, err := env.Engine.Reserve(env.Ctx, ngo1, d.ID)
	require.NoError(t, err)
	_, err = env.Engine.AdvanceStatus(env.Ctx, ngo1, d.ID, domain.StatusListed)
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)

	_, err = env.Engine.AssignVolunteer(env.Ctx, vol1, d.ID, nil)
	require.NoError(t, err)
	_, err = env.Engine.AdvanceStatus(env.Ctx, vol1, d.ID, domain.StatusDelivered)
	require.NoError(t, err)

	for _, target := range []domain.Status{domain.StatusPickedUp, domain.StatusReserved, domain.StatusListed} {
		_, err = env.Engine.AdvanceStatus(env.Ctx, vol1, d.ID, target)
		assert.ErrorIs(t, err, engine.ErrInvalidTransition, "delivered -> %s", target)
	}
	_, err = env.Engine.AdvanceStatus(env.Ctx, vol1, d.ID, "cancelled")
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)

	final, err := env.Repo.GetDonation(env.Ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, final.Status)
}

func TestAssignConflictWhenVolunteerSet(t *testing.T) {
	env := newTestEnv(t)
	d := env.listed(t)
	_, err := env.Engine.Reserve(env.Ctx, ngo1, d.ID)
	require.NoError(t, err)
	_, err = env.Engine.AssignVolunteer(env.Ctx, vol1, d.ID, nil)
	require.NoError(t, err)

	_, err = env.Engine.AssignVolunteer(env.Ctx, vol2, d.ID, nil)
	assert.ErrorIs(t, err, engine.ErrAssignmentConflict)
}

// stubRegistry serves a fixed row and reports that every guarded write matched nothing.
type stubRegistry struct {
	engine.Registry
	row domain.Donation
}

func (s stubRegistry) GetDonation(context.Context, string) (domain.Donation, error) {
	return s.row, nil
}

func (s stubRegistry) ConditionalUpdate(context.Context, repo.Change) (int64, error) { return 0, nil }

func TestAssignConflictWhileStillReserved(t *testing.T) {
	other := vol2.ID
	ngo := ngo1.ID
	reg := stubRegistry{row: domain.Donation{ID: "d1", DonorID: donor.ID, Status: domain.StatusReserved, ReservedBy: &ngo, VolunteerID: &other}}
	eng := engine.New(reg, config.Default())
	_, err := eng.AssignVolunteer(context.Background(), vol1, "d1", nil)
	assert.ErrorIs(t, err, engine.ErrAssignmentConflict)
}

func TestReservedToDeliveredShortcutRejected(t *testing.T) {
	env := newTestEnv(t)
	d := env.listed(t)
	_, err := env.Engine.Reserve(env.Ctx, ngo1, d.ID)
	require.NoError(t, err)

	_, err = env.Engine.AdvanceStatus(env.Ctx, vol1, d.ID, domain.StatusDelivered)
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)
	_, err = env.Engine.AdvanceStatus(env.Ctx, ngo1, d.ID, domain.StatusDelivered)
	assert.ErrorIs(t, err, engine.ErrForbiddenRole)
}

func TestOnlyAssignedVolunteerDelivers(t *testing.T) {
	env := newTestEnv(t)
	d := env.listed(t)
	_, err := env.Engine.Reserve(env.Ctx, ngo1, d.ID)
	require.NoError(t, err)
	_, err = env.Engine.AssignVolunteer(env.Ctx, vol1, d.ID, nil)
	require.NoError(t, err)

	_, err = env.Engine.AdvanceStatus(env.Ctx, vol2, d.ID, domain.StatusDelivered)
	assert.ErrorIs(t, err, engine.ErrActorMismatch)
	stored, err := env.Repo.GetDonation(env.Ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPickedUp, stored.Status)
}

func TestAuthenticationAndRoleGates(t *testing.T) {
	env := newTestEnv(t)
	d := env.listed(t)

	_, err := env.Engine.Reserve(env.Ctx, engine.Actor{}, d.ID)
	assert.ErrorIs(t, err, engine.ErrAuthenticationRequired)
	_, err = env.Engine.Reserve(env.Ctx, engine.Actor{ID: donor.ID, Role: domain.RoleDonor}, d.ID)
	assert.ErrorIs(t, err, engine.ErrForbiddenRole)
	_, err = env.Engine.Reserve(env.Ctx, vol1, d.ID)
	assert.ErrorIs(t, err, engine.ErrForbiddenRole)
	_, err = env.Engine.CreateDonation(env.Ctx, ngo1, validInput())
	assert.ErrorIs(t, err, engine.ErrForbiddenRole)
	_, err = env.Engine.AdvanceStatus(env.Ctx, engine.Actor{}, d.ID, domain.StatusReserved)
	assert.ErrorIs(t, err, engine.ErrAuthenticationRequired)

	stored, err := env.Repo.GetDonation(env.Ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusListed, stored.Status)
	assert.Nil(t, stored.ReservedBy)
}

func TestTransitionOnMissingDonation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Reserve(env.Ctx, ngo1, "missing")
	assert.ErrorIs(t, err, engine.ErrNotFound)
	_, err = env.Engine.AdvanceStatus(env.Ctx, vol1, "missing", domain.StatusDelivered)
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestAssignBeforeReserveIsInvalid(t *testing.T) {
	env := newTestEnv(t)
	d := env.listed(t)
	_, err := env.Engine.AssignVolunteer(env.Ctx, vol1, d.ID, nil)
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)
}

// flakyRegistry delegates to a real registry but lets a test decide what each
// conditional update does.
type flakyRegistry struct {
	repo.Repo
	mu     sync.Mutex
	calls  int
	update func(call int, ch repo.Change) (int64, error)
}

func (f *flakyRegistry) ConditionalUpdate(ctx context.Context, ch repo.Change) (int64, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	return f.update(call, ch)
}

func (f *flakyRegistry) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func withRegistry(env testEnv, reg engine.Registry) engine.Engine {
	eng := engine.New(reg, config.Default())
	eng.Sleep = env.Engine.Sleep
	return eng
}

func TestLostAcknowledgementIsNotReapplied(t *testing.T) {
	env := newTestEnv(t)
	d := env.listed(t)
	flaky := &flakyRegistry{Repo: env.Repo}
	flaky.update = func(call int, ch repo.Change) (int64, error) {
		if call == 1 {
			if _, err := env.Repo.ConditionalUpdate(env.Ctx, ch); err != nil {
				return 0, err
			}
			return 0, repo.Transient(errors.New("connection reset by peer"))
		}
		return env.Repo.ConditionalUpdate(env.Ctx, ch)
	}
	eng := withRegistry(env, flaky)

	got, err := eng.Reserve(env.Ctx, ngo1, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReserved, got.Status)
	assert.Equal(t, 1, flaky.Calls(), "verification read must stop the re-issue")
	assert.Equal(t, []time.Duration{500 * time.Millisecond}, *env.Sleeps)

	evts, err := env.Repo.LatestEvents(env.Ctx, 0, 0, events.DonationReserved, "donation", d.ID)
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

// lostInsertRegistry commits the first insert and then reports a transient
// failure, as if the acknowledgement was lost on the wire.
type lostInsertRegistry struct {
	repo.Repo
	mu      sync.Mutex
	inserts int
}

func (l *lostInsertRegistry) InsertDonation(ctx context.Context, d domain.Donation, evt events.Record) error {
	l.mu.Lock()
	l.inserts++
	call := l.inserts
	l.mu.Unlock()
	if err := l.Repo.InsertDonation(ctx, d, evt); err != nil {
		return err
	}
	if call == 1 {
		return repo.Transient(errors.New("connection reset by peer"))
	}
	return nil
}

func TestLostInsertAcknowledgementIsNotReissued(t *testing.T) {
	env := newTestEnv(t)
	lost := &lostInsertRegistry{Repo: env.Repo}
	eng := withRegistry(env, lost)

	d, err := eng.CreateDonation(env.Ctx, donor, validInput())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusListed, d.Status)
	assert.Equal(t, 1, lost.inserts, "the committed row must stop the re-issue")
	assert.Equal(t, []time.Duration{500 * time.Millisecond}, *env.Sleeps)

	stored, err := env.Repo.ListDonations(env.Ctx, repo.DonationFilter{DonorID: donor.ID})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, d.ID, stored[0].ID)

	evts, err := env.Repo.LatestEvents(env.Ctx, 0, 0, events.DonationCreated, "donation", d.ID)
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

func TestTransientFailureRetriedThenApplied(t *testing.T) {
	env := newTestEnv(t)
	d := env.listed(t)
	flaky := &flakyRegistry{Repo: env.Repo}
	flaky.update = func(call int, ch repo.Change) (int64, error) {
		if call == 1 {
			return 0, repo.Transient(errors.New("database is locked"))
		}
		return env.Repo.ConditionalUpdate(env.Ctx, ch)
	}
	eng := withRegistry(env, flaky)

	got, err := eng.Reserve(env.Ctx, ngo1, d.ID)
	require.NoError(t, err)
	assert.Equal(t, ngo1.ID, *got.ReservedBy)
	assert.Equal(t, 2, flaky.Calls())
}

func TestTransientRetriesAreBounded(t *testing.T) {
	env := newTestEnv(t)
	d := env.listed(t)
	flaky := &flakyRegistry{Repo: env.Repo}
	flaky.update = func(int, repo.Change) (int64, error) {
		return 0, repo.Transient(errors.New("connection refused"))
	}
	eng := withRegistry(env, flaky)

	_, err := eng.Reserve(env.Ctx, ngo1, d.ID)
	assert.ErrorIs(t, err, engine.ErrTransientTransport)
	assert.Equal(t, 3, flaky.Calls())
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, *env.Sleeps)
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	env := newTestEnv(t)
	d := env.listed(t)
	boom := errors.New("constraint failed")
	flaky := &flakyRegistry{Repo: env.Repo}
	flaky.update = func(int, repo.Change) (int64, error) { return 0, boom }
	eng := withRegistry(env, flaky)

	_, err := eng.Reserve(env.Ctx, ngo1, d.ID)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, flaky.Calls())
	assert.Empty(t, *env.Sleeps)
}

func TestVerificationMismatchIsFatal(t *testing.T) {
	env := newTestEnv(t)
	d := env.listed(t)
	flaky := &flakyRegistry{Repo: env.Repo}
	flaky.update = func(int, repo.Change) (int64, error) { return 1, nil }
	eng := withRegistry(env, flaky)

	_, err := eng.Reserve(env.Ctx, ngo1, d.ID)
	assert.ErrorIs(t, err, engine.ErrVerificationMismatch)
	assert.Equal(t, 1, flaky.Calls())
}

func TestDuplicateSubmissionWritesOnce(t *testing.T) {
	env := newTestEnv(t)
	d := env.listed(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	flaky := &flakyRegistry{Repo: env.Repo}
	flaky.update = func(_ int, ch repo.Change) (int64, error) {
		once.Do(func() { close(entered) })
		<-release
		return env.Repo.ConditionalUpdate(env.Ctx, ch)
	}
	eng := withRegistry(env, flaky)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[0] = eng.Reserve(env.Ctx, ngo1, d.ID)
	}()
	<-entered
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[1] = eng.Reserve(env.Ctx, ngo1, d.ID)
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.Equal(t, 1, flaky.Calls())
}

func TestCancelledFirstCallerDoesNotFailSharedSubmission(t *testing.T) {
	env := newTestEnv(t)
	d := env.listed(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	flaky := &flakyRegistry{Repo: env.Repo}
	flaky.update = func(_ int, ch repo.Change) (int64, error) {
		once.Do(func() { close(entered) })
		<-release
		return env.Repo.ConditionalUpdate(env.Ctx, ch)
	}
	eng := withRegistry(env, flaky)

	firstCtx, cancel := context.WithCancel(env.Ctx)
	defer cancel()
	var wg sync.WaitGroup
	errs := make([]error, 2)
	var second domain.Donation
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[0] = eng.Reserve(firstCtx, ngo1, d.ID)
	}()
	<-entered
	wg.Add(1)
	go func() {
		defer wg.Done()
		second, errs[1] = eng.Reserve(env.Ctx, ngo1, d.ID)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.ErrorIs(t, errs[0], context.Canceled)
	require.NoError(t, errs[1])
	assert.Equal(t, domain.StatusReserved, second.Status)
	assert.Equal(t, 1, flaky.Calls())

	got, err := env.Repo.GetDonation(env.Ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, ngo1.ID, *got.ReservedBy)
}

func TestCreateDonationValidation(t *testing.T) {
	env := newTestEnv(t)
	in := validInput()
	in.Title = "Bun"
	in.PickupAddress = ""
	_, err := env.Engine.CreateDonation(env.Ctx, donor, in)
	assert.ErrorIs(t, err, engine.ErrValidation)
	assert.Contains(t, err.Error(), "Title must be at least 5 characters")
	assert.Contains(t, err.Error(), "PickupAddress is required")

	in = validInput()
	in.ExpiryDate = "next tuesday"
	_, err = env.Engine.CreateDonation(env.Ctx, donor, in)
	assert.ErrorIs(t, err, engine.ErrValidation)
}

func TestUpdateDonationOnlyWhileListed(t *testing.T) {
	env := newTestEnv(t)
	d := env.listed(t)
	in := validInput()
	in.Quantity = "25 loaves"

	got, err := env.Engine.UpdateDonation(env.Ctx, donor, d.ID, in)
	require.NoError(t, err)
	assert.Equal(t, "25 loaves", got.Quantity)

	_, err = env.Engine.UpdateDonation(env.Ctx, engine.Actor{ID: "donor-2", Role: domain.RoleDonor}, d.ID, in)
	assert.ErrorIs(t, err, engine.ErrActorMismatch)

	_, err = env.Engine.Reserve(env.Ctx, ngo1, d.ID)
	require.NoError(t, err)
	_, err = env.Engine.UpdateDonation(env.Ctx, donor, d.ID, in)
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)
}

func TestTaskViewsAndStats(t *testing.T) {
	env := newTestEnv(t)
	a := env.listed(t)
	b := env.listed(t)
	env.listed(t)
	_, err := env.Engine.Reserve(env.Ctx, ngo1, a.ID)
	require.NoError(t, err)
	_, err = env.Engine.Reserve(env.Ctx, ngo2, b.ID)
	require.NoError(t, err)

	avail, err := env.Engine.AvailableTasks(env.Ctx, vol1)
	require.NoError(t, err)
	require.Len(t, avail, 2)
	for _, task := range avail {
		assert.Equal(t, domain.TaskAvailable, task.Status)
		if task.DonationID == a.ID {
			assert.Equal(t, "1 Shelter Rd", task.DeliveryAddress)
		} else {
			assert.Equal(t, "Contact NGO for address", task.DeliveryAddress)
		}
	}

	_, err = env.Engine.AssignVolunteer(env.Ctx, vol1, a.ID, nil)
	require.NoError(t, err)
	mine, err := env.Engine.VolunteerTasks(env.Ctx, vol1)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, domain.TaskAssigned, mine[0].Status)

	_, err = env.Engine.AdvanceStatus(env.Ctx, vol1, a.ID, domain.StatusDelivered)
	require.NoError(t, err)
	mine, err = env.Engine.VolunteerTasks(env.Ctx, vol1)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, domain.TaskCompleted, mine[0].Status)

	_, err = env.Engine.AvailableTasks(env.Ctx, ngo1)
	assert.ErrorIs(t, err, engine.ErrForbiddenRole)

	st, err := env.Engine.Stats(env.Ctx, donor)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 1, st.ByStatus[domain.StatusListed])
	assert.Equal(t, 1, st.ByStatus[domain.StatusDelivered])

	st, err = env.Engine.Stats(env.Ctx, ngo1)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Total)
	assert.Equal(t, 1, st.Available)

	st, err = env.Engine.Stats(env.Ctx, vol2)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Total)
	assert.Equal(t, 1, st.Available)
}

func TestTransitionInvalidatesCachedLists(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Cache = cache.NewMemory()
	env.Engine.CacheTTL = time.Hour
	d := env.listed(t)

	avail, err := env.Engine.ListAvailable(env.Ctx)
	require.NoError(t, err)
	require.Len(t, avail, 1)
	res, err := env.Engine.ListReservations(env.Ctx, ngo1)
	require.NoError(t, err)
	assert.Empty(t, res)

	_, err = env.Engine.Reserve(env.Ctx, ngo1, d.ID)
	require.NoError(t, err)

	avail, err = env.Engine.ListAvailable(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, avail)
	res, err = env.Engine.ListReservations(env.Ctx, ngo1)
	require.NoError(t, err)
	assert.Len(t, res, 1)
}
