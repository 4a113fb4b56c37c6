package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/drfirst/go-dispensary/internal/notification"
)

type notificationRow struct {
	ID            string         `db:"id"`
	UserID        sql.NullString `db:"user_id"`
	RecipientType string         `db:"recipient_type"`
	Type          string         `db:"type"`
	Status        string         `db:"status"`
	Message       string         `db:"message"`
	Read          bool           `db:"read"`
	MedicineID    sql.NullString `db:"medicine_id"`
	CreatedAt     time.Time      `db:"created_at"`
}

func (r *notificationRow) toDomain() *notification.Notification {
	n := &notification.Notification{
		ID:            r.ID,
		RecipientType: notification.RecipientType(r.RecipientType),
		Type:          notification.Type(r.Type),
		Status:        notification.Status(r.Status),
		Message:       r.Message,
		Read:          r.Read,
		CreatedAt:     r.CreatedAt.UTC(),
	}
	if r.UserID.Valid {
		n.UserID = &r.UserID.String
	}
	if r.MedicineID.Valid {
		n.MedicineID = &r.MedicineID.String
	}
	return n
}

// NotificationStore implements notification.Store on the same database as
// the inventory store.
type NotificationStore struct {
	store *Store
}

// Notifications returns a notification store sharing s's connection.
func (s *Store) Notifications() *NotificationStore {
	return &NotificationStore{store: s}
}

func recipientClause(r notification.Recipient) (string, []interface{}) {
	if r.Type == notification.RecipientAdmin {
		return `recipient_type = 'admin'`, nil
	}
	return `recipient_type = 'patient' AND user_id = ?`, []interface{}{r.UserID}
}

func (n *NotificationStore) Create(ctx context.Context, item *notification.Notification) error {
	_, err := n.store.db.ExecContext(ctx,
		`INSERT INTO notifications (id, user_id, recipient_type, type, status, message, read, medicine_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.UserID, string(item.RecipientType), string(item.Type), string(item.Status),
		item.Message, item.Read, item.MedicineID, item.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (n *NotificationStore) Get(ctx context.Context, id string) (*notification.Notification, error) {
	var row notificationRow
	if err := n.store.db.GetContext(ctx, &row, `SELECT * FROM notifications WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notification.ErrNotFound
		}
		return nil, fmt.Errorf("select notification: %w", err)
	}
	return row.toDomain(), nil
}

func (n *NotificationStore) List(ctx context.Context, r notification.Recipient) ([]*notification.Notification, error) {
	where, args := recipientClause(r)
	var rows []notificationRow
	if err := n.store.db.SelectContext(ctx, &rows,
		`SELECT * FROM notifications WHERE `+where+` ORDER BY created_at DESC, rowid DESC`, args...); err != nil {
		return nil, fmt.Errorf("select notifications: %w", err)
	}
	out := make([]*notification.Notification, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

func (n *NotificationStore) UnreadCount(ctx context.Context, r notification.Recipient) (int, error) {
	where, args := recipientClause(r)
	var count int
	if err := n.store.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM notifications WHERE NOT read AND `+where, args...); err != nil {
		return 0, fmt.Errorf("count notifications: %w", err)
	}
	return count, nil
}

func (n *NotificationStore) MarkRead(ctx context.Context, id string) error {
	res, err := n.store.db.ExecContext(ctx, `UPDATE notifications SET read = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if affected == 0 {
		return notification.ErrNotFound
	}
	return nil
}

func (n *NotificationStore) MarkAllRead(ctx context.Context, r notification.Recipient) (int64, error) {
	where, args := recipientClause(r)
	res, err := n.store.db.ExecContext(ctx, `UPDATE notifications SET read = 1 WHERE NOT read AND `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("mark notifications read: %w", err)
	}
	return res.RowsAffected()
}

var _ notification.Store = (*NotificationStore)(nil)
