package repo_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sustainplate/internal/db"
	"sustainplate/internal/domain"
	"sustainplate/internal/events"
	"sustainplate/internal/migrate"
	"sustainplate/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn, Dialect: db.DriverSQLite, Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }}
}

func seedActors(t *testing.T, r repo.Repo) {
	t.Helper()
	ctx := context.Background()
	for _, a := range []domain.Actor{
		{ID: "donor-1", Email: "d@example.org", Name: "Bakery", Role: domain.RoleDonor},
		{ID: "ngo-1", Email: "n@example.org", Name: "Food Bank", Role: domain.RoleNGO, Address: "1 Shelter Rd"},
		{ID: "ngo-2", Email: "n2@example.org", Name: "Kitchen", Role: domain.RoleNGO},
		{ID: "vol-1", Email: "v@example.org", Name: "Sam", Role: domain.RoleVolunteer},
	} {
		require.NoError(t, r.UpsertActor(ctx, a))
	}
}

func seedDonation(t *testing.T, r repo.Repo, id string) domain.Donation {
	t.Helper()
	d := domain.Donation{
		ID:                  id,
		DonorID:             "donor-1",
		Title:               "Fresh bread",
		Description:         "Twenty loaves from today",
		FoodType:            "bakery",
		Quantity:            "20 loaves",
		ExpiryDate:          "2024-01-03",
		StorageRequirements: "dry",
		PickupAddress:       "5 Main St",
		Status:              domain.StatusListed,
		CreatedAt:           "2024-01-01T00:00:00Z",
		UpdatedAt:           "2024-01-01T00:00:00Z",
	}
	require.NoError(t, r.InsertDonation(context.Background(), d, events.Record{
		Type: events.DonationCreated, EntityKind: "donation", EntityID: id, ActorID: d.DonorID,
	}))
	return d
}

func reserveChange(id, ngo string) repo.Change {
	return repo.Change{
		ID:     id,
		Set:    []repo.Field{{Column: "status", Value: string(domain.StatusReserved)}, {Column: "reserved_by", Value: ngo}},
		Expect: []repo.Field{{Column: "status", Value: string(domain.StatusListed)}, {Column: "reserved_by", Value: nil}},
		Event:  events.Record{Type: events.DonationReserved, EntityKind: "donation", EntityID: id, ActorID: ngo},
		Notify: []domain.Notification{{ActorID: "donor-1", Message: "reserved", RelatedID: id, RelatedType: "donation"}},
	}
}

func TestConditionalUpdateSecondWriterMatchesNothing(t *testing.T) {
	r := newRepo(t)
	seedActors(t, r)
	seedDonation(t, r, "don-1")
	ctx := context.Background()

	n, err := r.ConditionalUpdate(ctx, reserveChange("don-1", "ngo-1"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = r.ConditionalUpdate(ctx, reserveChange("don-1", "ngo-2"))
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	d, err := r.GetDonation(ctx, "don-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReserved, d.Status)
	require.NotNil(t, d.ReservedBy)
	assert.Equal(t, "ngo-1", *d.ReservedBy)

	evts, err := r.LatestEvents(ctx, 10, 0, events.DonationReserved, "", "don-1")
	require.NoError(t, err)
	assert.Len(t, evts, 1, "failed guard must not append an event")

	notes, err := r.ListNotifications(ctx, "donor-1", true, 0)
	require.NoError(t, err)
	assert.Len(t, notes, 1)
}

func TestConditionalUpdateRejectsUnknownColumn(t *testing.T) {
	r := newRepo(t)
	_, err := r.ConditionalUpdate(context.Background(), repo.Change{ID: "x", Set: []repo.Field{{Column: "id", Value: "y"}}})
	assert.ErrorIs(t, err, repo.ErrUnknownColumn)
	_, err = r.ConditionalUpdate(context.Background(), repo.Change{ID: "x"})
	assert.ErrorIs(t, err, repo.ErrEmptyChangeSet)
}

func TestGetDonationNotFound(t *testing.T) {
	r := newRepo(t)
	_, err := r.GetDonation(context.Background(), "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestListDonationsFiltersAndCounts(t *testing.T) {
	r := newRepo(t)
	seedActors(t, r)
	seedDonation(t, r, "don-1")
	seedDonation(t, r, "don-2")
	ctx := context.Background()
	_, err := r.ConditionalUpdate(ctx, reserveChange("don-2", "ngo-1"))
	require.NoError(t, err)

	listed, err := r.ListDonations(ctx, repo.DonationFilter{Status: domain.StatusListed})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "don-1", listed[0].ID)

	mine, err := r.ListDonations(ctx, repo.DonationFilter{ReservedBy: "ngo-1", Unassigned: true})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "don-2", mine[0].ID)

	none, err := r.ListDonations(ctx, repo.DonationFilter{VolunteerID: "vol-1"})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)

	involving, err := r.ListDonations(ctx, repo.DonationFilter{Involving: "ngo-1"})
	require.NoError(t, err)
	require.Len(t, involving, 1)
	assert.Equal(t, "don-2", involving[0].ID)

	one, err := r.ListDonations(ctx, repo.DonationFilter{ID: "don-1", Involving: "donor-1"})
	require.NoError(t, err)
	require.Len(t, one, 1)

	counts, err := r.CountDonationsByStatus(ctx, repo.DonationFilter{DonorID: "donor-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.StatusListed])
	assert.Equal(t, 1, counts[domain.StatusReserved])
}

func TestUpsertActorRoleImmutable(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	require.NoError(t, r.UpsertActor(ctx, domain.Actor{ID: "a1", Email: "a@x", Name: "A", Role: domain.RoleNGO}))
	require.NoError(t, r.UpsertActor(ctx, domain.Actor{ID: "a1", Email: "a@x", Name: "A renamed", Role: domain.RoleNGO}))
	err := r.UpsertActor(ctx, domain.Actor{ID: "a1", Email: "a@x", Name: "A", Role: domain.RoleVolunteer})
	assert.ErrorIs(t, err, repo.ErrRoleImmutable)

	a, err := r.GetActor(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleNGO, a.Role)
	assert.Equal(t, "A renamed", a.Name)

	ngos, err := r.ListActors(ctx, domain.RoleNGO)
	require.NoError(t, err)
	assert.Len(t, ngos, 1)
}

func TestUpdateDonationDetailsOnlyWhileListed(t *testing.T) {
	r := newRepo(t)
	seedActors(t, r)
	seedDonation(t, r, "don-1")
	ctx := context.Background()
	details := repo.DonationDetails{
		Title: "Bread and rolls", Description: "Twenty loaves and rolls", FoodType: "bakery",
		Quantity: "25", ExpiryDate: "2024-01-03", StorageRequirements: "dry", PickupAddress: "5 Main St",
	}
	evt := events.Record{Type: events.DonationUpdated, EntityKind: "donation", EntityID: "don-1", ActorID: "donor-1"}

	n, err := r.UpdateDonationDetails(ctx, "don-1", "ngo-1", details, evt)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n, "only the owner may edit")

	n, err = r.UpdateDonationDetails(ctx, "don-1", "donor-1", details, evt)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = r.ConditionalUpdate(ctx, reserveChange("don-1", "ngo-1"))
	require.NoError(t, err)
	n, err = r.UpdateDonationDetails(ctx, "don-1", "donor-1", details, evt)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	d, err := r.GetDonation(ctx, "don-1")
	require.NoError(t, err)
	assert.Equal(t, "Bread and rolls", d.Title)
}

func TestEventsAfterCursor(t *testing.T) {
	r := newRepo(t)
	seedActors(t, r)
	ctx := context.Background()
	start, err := r.LatestEventID(ctx)
	require.NoError(t, err)
	seedDonation(t, r, "don-1")
	seedDonation(t, r, "don-2")

	evts, err := r.EventsAfter(ctx, 10, start)
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, "don-1", evts[0].EntityID)
	assert.Less(t, evts[0].ID, evts[1].ID)

	more, err := r.EventsAfter(ctx, 10, evts[1].ID)
	require.NoError(t, err)
	assert.Empty(t, more)
}

func TestNotificationsMarkRead(t *testing.T) {
	r := newRepo(t)
	seedActors(t, r)
	seedDonation(t, r, "don-1")
	ctx := context.Background()
	_, err := r.ConditionalUpdate(ctx, reserveChange("don-1", "ngo-1"))
	require.NoError(t, err)

	notes, err := r.ListNotifications(ctx, "donor-1", false, 10)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.False(t, notes[0].IsRead)

	assert.ErrorIs(t, r.MarkNotificationRead(ctx, notes[0].ID, "ngo-1"), repo.ErrNotFound)
	require.NoError(t, r.MarkNotificationRead(ctx, notes[0].ID, "donor-1"))

	unread, err := r.ListNotifications(ctx, "donor-1", true, 10)
	require.NoError(t, err)
	assert.Empty(t, unread)

	n, err := r.MarkAllNotificationsRead(ctx, "donor-1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestAPIKeyLookup(t *testing.T) {
	r := newRepo(t)
	seedActors(t, r)
	ctx := context.Background()
	hash := repo.HashAPIKey("secret-key")
	require.NoError(t, r.InsertAPIKey(ctx, domain.APIKey{ID: "k1", ActorID: "ngo-1", KeyHash: hash}))
	key, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(" secret-key "))
	require.NoError(t, err)
	assert.Equal(t, "ngo-1", key.ActorID)
	_, err = r.GetAPIKeyByHash(ctx, repo.HashAPIKey("other"))
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestIssueAPIKeyStoresOnlyHash(t *testing.T) {
	r := newRepo(t)
	seedActors(t, r)
	ctx := context.Background()
	rec, key, err := r.IssueAPIKey(ctx, "vol-1", " laptop ")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, repo.APIKeyPrefix))
	assert.Equal(t, "laptop", rec.Name)
	assert.NotContains(t, rec.KeyHash, key)

	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "vol-1", got.ActorID)
}
