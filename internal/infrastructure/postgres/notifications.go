package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-dispensary/internal/notification"
)

const notificationColumns = `id::text, user_id, recipient_type, type, status, message, read, medicine_id, created_at`

// NotificationStore implements notification.Store on PostgreSQL.
type NotificationStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewNotificationStore creates a new store
func NewNotificationStore(pool *pgxpool.Pool, logger *zap.Logger) *NotificationStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationStore{pool: pool, logger: logger}
}

func scanNotification(row pgx.Row) (*notification.Notification, error) {
	var (
		n                      notification.Notification
		recipient, typ, status string
	)
	if err := row.Scan(&n.ID, &n.UserID, &recipient, &typ, &status, &n.Message, &n.Read, &n.MedicineID, &n.CreatedAt); err != nil {
		return nil, err
	}
	n.RecipientType = notification.RecipientType(recipient)
	n.Type = notification.Type(typ)
	n.Status = notification.Status(status)
	n.CreatedAt = n.CreatedAt.UTC()
	return &n, nil
}

func (s *NotificationStore) Create(ctx context.Context, n *notification.Notification) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (id, user_id, recipient_type, type, status, message, read, medicine_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		n.ID, n.UserID, string(n.RecipientType), string(n.Type), string(n.Status), n.Message, n.Read, n.MedicineID, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *NotificationStore) Get(ctx context.Context, id string) (*notification.Notification, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, notification.ErrNotFound
	}
	n, err := scanNotification(s.pool.QueryRow(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notification.ErrNotFound
		}
		return nil, fmt.Errorf("query notification: %w", err)
	}
	return n, nil
}

// recipientClause returns the WHERE fragment selecting r's feed; user ids
// bind to $1.
func recipientClause(r notification.Recipient) (string, []any) {
	if r.Type == notification.RecipientAdmin {
		return `recipient_type = 'admin'`, nil
	}
	return `recipient_type = 'patient' AND user_id = $1`, []any{r.UserID}
}

func (s *NotificationStore) List(ctx context.Context, r notification.Recipient) ([]*notification.Notification, error) {
	where, args := recipientClause(r)
	rows, err := s.pool.Query(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE `+where+` ORDER BY created_at DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	out := []*notification.Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *NotificationStore) UnreadCount(ctx context.Context, r notification.Recipient) (int, error) {
	where, args := recipientClause(r)
	var count int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM notifications WHERE NOT read AND `+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count notifications: %w", err)
	}
	return count, nil
}

func (s *NotificationStore) MarkRead(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return notification.ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `UPDATE notifications SET read = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notification.ErrNotFound
	}
	return nil
}

func (s *NotificationStore) MarkAllRead(ctx context.Context, r notification.Recipient) (int64, error) {
	where, args := recipientClause(r)
	tag, err := s.pool.Exec(ctx, `UPDATE notifications SET read = TRUE WHERE NOT read AND `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("mark notifications read: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ notification.Store = (*NotificationStore)(nil)
