package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"sustainplate/internal/db"
	"sustainplate/internal/domain"
	"sustainplate/internal/events"
)

type Repo struct {
	DB      *sql.DB
	Dialect string
	Now     func() time.Time
}

var (
	ErrNotFound       = errors.New("not found")
	ErrRoleImmutable  = errors.New("actor role cannot change")
	ErrUnknownColumn  = errors.New("unknown donation column")
	ErrEmptyChangeSet = errors.New("change has no fields to set")
)

func (r Repo) q(query string) string {
	return db.Rebind(r.Dialect, query)
}

func (r Repo) now() string {
	if r.Now != nil {
		return r.Now().UTC().Format(time.RFC3339Nano)
	}
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func (r Repo) events() events.Writer {
	return events.Writer{Dialect: r.Dialect, Now: r.Now}
}

const donationColumns = `id,donor_id,title,description,food_type,quantity,expiry_date,storage_requirements,pickup_address,pickup_instructions,status,reserved_by,volunteer_id,pickup_time,created_at,updated_at`

// mutableColumns are the donation columns a Change may set or guard on.
var mutableColumns = map[string]bool{
	"title":                true,
	"description":          true,
	"food_type":            true,
	"quantity":             true,
	"expiry_date":          true,
	"storage_requirements": true,
	"pickup_address":       true,
	"pickup_instructions":  true,
	"status":               true,
	"reserved_by":          true,
	"volunteer_id":         true,
	"pickup_time":          true,
	"donor_id":             true,
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDonation(row rowScanner) (domain.Donation, error) {
	var d domain.Donation
	var instructions, reservedBy, volunteerID, pickupTime sql.NullString
	var status string
	err := row.Scan(&d.ID, &d.DonorID, &d.Title, &d.Description, &d.FoodType, &d.Quantity, &d.ExpiryDate,
		&d.StorageRequirements, &d.PickupAddress, &instructions, &status, &reservedBy, &volunteerID, &pickupTime,
		&d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, classify(err)
	}
	d.Status = domain.Status(status)
	if instructions.Valid {
		d.PickupInstructions = instructions.String
	}
	if reservedBy.Valid {
		d.ReservedBy = &reservedBy.String
	}
	if volunteerID.Valid {
		d.VolunteerID = &volunteerID.String
	}
	if pickupTime.Valid {
		d.PickupTime = &pickupTime.String
	}
	return d, nil
}

// InsertDonation stores a new donation and its creation event in one transaction.
func (r Repo) InsertDonation(ctx context.Context, d domain.Donation, evt events.Record) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, r.q(`INSERT INTO donations(`+donationColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		d.ID, d.DonorID, d.Title, d.Description, d.FoodType, d.Quantity, d.ExpiryDate, d.StorageRequirements,
		d.PickupAddress, nullable(d.PickupInstructions), string(d.Status), nullableStringPtr(d.ReservedBy),
		nullableStringPtr(d.VolunteerID), nullableStringPtr(d.PickupTime), d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert donation: %w", classify(err))
	}
	if err := r.events().Append(ctx, tx, evt); err != nil {
		return classify(err)
	}
	return classify(tx.Commit())
}

func (r Repo) GetDonation(ctx context.Context, id string) (domain.Donation, error) {
	return scanDonation(r.DB.QueryRowContext(ctx, r.q(`SELECT `+donationColumns+` FROM donations WHERE id=?`), id))
}

// DonationFilter scopes a donation read. Empty fields do not constrain.
type DonationFilter struct {
	ID          string
	Status      domain.Status
	Statuses    []domain.Status
	DonorID     string
	ReservedBy  string
	VolunteerID string
	Unassigned  bool
	// Involving matches donations where the actor is donor, reserving NGO or
	// volunteer.
	Involving string
	Limit     int

	CursorCreatedAt string
	CursorID        string
}

func (f DonationFilter) where() (string, []any) {
	var clauses []string
	var args []any
	if f.ID != "" {
		clauses = append(clauses, "id=?")
		args = append(args, f.ID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ",")+")")
	}
	if f.DonorID != "" {
		clauses = append(clauses, "donor_id=?")
		args = append(args, f.DonorID)
	}
	if f.ReservedBy != "" {
		clauses = append(clauses, "reserved_by=?")
		args = append(args, f.ReservedBy)
	}
	if f.VolunteerID != "" {
		clauses = append(clauses, "volunteer_id=?")
		args = append(args, f.VolunteerID)
	}
	if f.Unassigned {
		clauses = append(clauses, "volunteer_id IS NULL")
	}
	if f.Involving != "" {
		clauses = append(clauses, "(donor_id=? OR reserved_by=? OR volunteer_id=?)")
		args = append(args, f.Involving, f.Involving, f.Involving)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// ListDonations returns donations matching f, newest first.
func (r Repo) ListDonations(ctx context.Context, f DonationFilter) ([]domain.Donation, error) {
	where, args := f.where()
	query := `SELECT ` + donationColumns + ` FROM donations` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	res := []domain.Donation{}
	for rows.Next() {
		d, err := scanDonation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, classify(rows.Err())
}

// CountDonationsByStatus tallies donations matching f per status.
func (r Repo) CountDonationsByStatus(ctx context.Context, f DonationFilter) (map[domain.Status]int, error) {
	f.Limit = 0
	f.CursorCreatedAt, f.CursorID = "", ""
	where, args := f.where()
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT status, COUNT(*) FROM donations`+where+` GROUP BY status`), args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	res := map[domain.Status]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, classify(err)
		}
		res[domain.Status(status)] = n
	}
	return res, classify(rows.Err())
}

// Field is a column/value pair. In a guard a nil Value means IS NULL.
type Field struct {
	Column string
	Value  any
}

// Change is a single guarded write against one donation row.
type Change struct {
	ID     string
	Set    []Field
	Expect []Field
	Event  events.Record
	Notify []domain.Notification
}

// ConditionalUpdate applies ch as one UPDATE ... WHERE id=? AND <guards>. The
// change event and notifications are written in the same transaction only when
// exactly one row matched. It returns the number of rows affected so callers can
// tell a failed guard from success.
func (r Repo) ConditionalUpdate(ctx context.Context, ch Change) (int64, error) {
	if len(ch.Set) == 0 {
		return 0, ErrEmptyChangeSet
	}
	var sets []string
	var args []any
	for _, f := range ch.Set {
		if !mutableColumns[f.Column] {
			return 0, fmt.Errorf("%w: %s", ErrUnknownColumn, f.Column)
		}
		sets = append(sets, f.Column+"=?")
		args = append(args, f.Value)
	}
	now := r.now()
	sets = append(sets, "updated_at=?")
	args = append(args, now)
	where := []string{"id=?"}
	args = append(args, ch.ID)
	for _, f := range ch.Expect {
		if !mutableColumns[f.Column] {
			return 0, fmt.Errorf("%w: %s", ErrUnknownColumn, f.Column)
		}
		if f.Value == nil {
			where = append(where, f.Column+" IS NULL")
			continue
		}
		where = append(where, f.Column+"=?")
		args = append(args, f.Value)
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify(err)
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, r.q(`UPDATE donations SET `+strings.Join(sets, ",")+` WHERE `+strings.Join(where, " AND ")), args...)
	if err != nil {
		return 0, fmt.Errorf("conditional update: %w", classify(err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, classify(err)
	}
	if affected != 1 {
		return affected, nil
	}
	if ch.Event.Type != "" {
		if err := r.events().Append(ctx, tx, ch.Event); err != nil {
			return 0, classify(err)
		}
	}
	for _, n := range ch.Notify {
		if err := insertNotification(ctx, tx, r.Dialect, n, now); err != nil {
			return 0, classify(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, classify(err)
	}
	return affected, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

// DonationDetails are the donor-editable fields of a listed donation.
type DonationDetails struct {
	Title               string
	Description         string
	FoodType            string
	Quantity            string
	ExpiryDate          string
	StorageRequirements string
	PickupAddress       string
	PickupInstructions  string
}

// UpdateDonationDetails rewrites a donation's details while it is still listed
// and owned by donorID. It returns the rows affected.
func (r Repo) UpdateDonationDetails(ctx context.Context, id, donorID string, d DonationDetails, evt events.Record) (int64, error) {
	return r.ConditionalUpdate(ctx, Change{
		ID: id,
		Set: []Field{
			{"title", d.Title},
			{"description", d.Description},
			{"food_type", d.FoodType},
			{"quantity", d.Quantity},
			{"expiry_date", d.ExpiryDate},
			{"storage_requirements", d.StorageRequirements},
			{"pickup_address", d.PickupAddress},
			{"pickup_instructions", nullable(d.PickupInstructions)},
		},
		Expect: []Field{
			{"donor_id", donorID},
			{"status", string(domain.StatusListed)},
		},
		Event: evt,
	})
}
