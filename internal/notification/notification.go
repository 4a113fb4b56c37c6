// Package notification records stock alerts for clinic staff and serves them
// back to their recipients.
package notification

import (
	"context"
	"errors"
	"time"
)

// Type classifies a notification.
type Type string

const (
	TypeLowStock   Type = "low_stock"
	TypeOutOfStock Type = "out_of_stock"
)

// Status is the stock state that raised the notification.
type Status string

const (
	StatusLow      Status = "low"
	StatusDepleted Status = "depleted"
)

// RecipientType selects who sees a notification.
type RecipientType string

const (
	RecipientAdmin   RecipientType = "admin"
	RecipientPatient RecipientType = "patient"
)

var (
	ErrNotFound     = errors.New("notification not found")
	ErrForbidden    = errors.New("access denied")
	ErrInvalidEvent = errors.New("invalid event data")
)

// Notification is one message in a recipient's feed.
type Notification struct {
	ID            string        `json:"id"`
	UserID        *string       `json:"userId,omitempty"`
	RecipientType RecipientType `json:"recipientType"`
	Type          Type          `json:"type"`
	Status        Status        `json:"status"`
	Message       string        `json:"message"`
	Read          bool          `json:"read"`
	MedicineID    *string       `json:"medicineId,omitempty"`
	CreatedAt     time.Time     `json:"timestamp"`
}

// Recipient identifies a feed: every admin shares one, other users have
// their own.
type Recipient struct {
	Type   RecipientType
	UserID string
}

// RecipientFor maps an authenticated role to its feed.
func RecipientFor(role, userID string) Recipient {
	if role == "admin" || role == "superadmin" {
		return Recipient{Type: RecipientAdmin}
	}
	return Recipient{Type: RecipientPatient, UserID: userID}
}

// Owns reports whether n belongs to the recipient's feed.
func (r Recipient) Owns(n *Notification) bool {
	if n.RecipientType != r.Type {
		return false
	}
	if r.Type == RecipientAdmin {
		return true
	}
	return n.UserID != nil && *n.UserID == r.UserID
}

// Store persists notifications. Feeds are returned newest first.
type Store interface {
	Create(ctx context.Context, n *Notification) error
	Get(ctx context.Context, id string) (*Notification, error)
	List(ctx context.Context, r Recipient) ([]*Notification, error)
	UnreadCount(ctx context.Context, r Recipient) (int, error)
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context, r Recipient) (int64, error)
}
