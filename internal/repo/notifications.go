package repo

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"sustainplate/internal/db"
	"sustainplate/internal/domain"
)

func insertNotification(ctx context.Context, tx *sql.Tx, dialect string, n domain.Notification, now string) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt == "" {
		n.CreatedAt = now
	}
	_, err := tx.ExecContext(ctx, db.Rebind(dialect, `INSERT INTO notifications(id,actor_id,message,is_read,related_id,related_type,created_at) VALUES (?,?,?,?,?,?,?)`),
		n.ID, n.ActorID, n.Message, false, nullable(n.RelatedID), nullable(n.RelatedType), n.CreatedAt)
	return err
}

// ListNotifications returns an actor's notifications, newest first.
func (r Repo) ListNotifications(ctx context.Context, actorID string, unreadOnly bool, limit int) ([]domain.Notification, error) {
	query := `SELECT id,actor_id,message,is_read,COALESCE(related_id,''),COALESCE(related_type,''),created_at FROM notifications WHERE actor_id=?`
	args := []any{actorID}
	if unreadOnly {
		query += ` AND is_read=?`
		args = append(args, false)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	res := []domain.Notification{}
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(&n.ID, &n.ActorID, &n.Message, &n.IsRead, &n.RelatedID, &n.RelatedType, &n.CreatedAt); err != nil {
			return nil, classify(err)
		}
		res = append(res, n)
	}
	return res, classify(rows.Err())
}

// MarkNotificationRead marks one of the actor's notifications as read.
func (r Repo) MarkNotificationRead(ctx context.Context, id, actorID string) error {
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE notifications SET is_read=? WHERE id=? AND actor_id=?`), true, id, actorID)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAllNotificationsRead marks every unread notification of the actor as read.
func (r Repo) MarkAllNotificationsRead(ctx context.Context, actorID string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE notifications SET is_read=? WHERE actor_id=? AND is_read=?`), true, actorID, false)
	if err != nil {
		return 0, classify(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
