package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"sustainplate/internal/domain"
	"sustainplate/internal/events"
)

// UpsertActor registers an actor or refreshes its profile. The role of an
// existing actor never changes; a different role yields ErrRoleImmutable.
func (r Repo) UpsertActor(ctx context.Context, a domain.Actor) error {
	if a.ID == "" {
		return errors.New("actor id required")
	}
	if !a.Role.Valid() {
		return fmt.Errorf("invalid role %q", a.Role)
	}
	if a.CreatedAt == "" {
		a.CreatedAt = r.now()
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, r.q(`INSERT INTO actors(id,email,name,role,address,phone,avatar_url,created_at) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET email=excluded.email, name=excluded.name, address=excluded.address, phone=excluded.phone, avatar_url=excluded.avatar_url
WHERE actors.role = excluded.role`),
		a.ID, a.Email, a.Name, string(a.Role), nullable(a.Address), nullable(a.Phone), nullable(a.AvatarURL), a.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert actor: %w", classify(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRoleImmutable
	}
	if err := r.events().Append(ctx, tx, events.Record{
		Type:       events.ActorRegistered,
		EntityKind: "actor",
		EntityID:   a.ID,
		ActorID:    a.ID,
		Payload:    events.EventPayload{"role": a.Role},
	}); err != nil {
		return classify(err)
	}
	return classify(tx.Commit())
}

func scanActor(row rowScanner) (domain.Actor, error) {
	var a domain.Actor
	var role string
	var address, phone, avatar sql.NullString
	err := row.Scan(&a.ID, &a.Email, &a.Name, &role, &address, &phone, &avatar, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, classify(err)
	}
	a.Role = domain.Role(role)
	a.Address = address.String
	a.Phone = phone.String
	a.AvatarURL = avatar.String
	return a, nil
}

func (r Repo) GetActor(ctx context.Context, id string) (domain.Actor, error) {
	return scanActor(r.DB.QueryRowContext(ctx, r.q(`SELECT id,email,name,role,address,phone,avatar_url,created_at FROM actors WHERE id=?`), id))
}

// ListActors returns actors, optionally restricted to one role.
func (r Repo) ListActors(ctx context.Context, role domain.Role) ([]domain.Actor, error) {
	query := `SELECT id,email,name,role,address,phone,avatar_url,created_at FROM actors`
	var args []any
	if role != "" {
		query += ` WHERE role=?`
		args = append(args, string(role))
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var res []domain.Actor
	for rows.Next() {
		a, err := scanActor(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, classify(rows.Err())
}
