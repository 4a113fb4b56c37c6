package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/drfirst/go-dispensary/internal/notification"
)

// NotificationStore keeps notifications in insertion order.
type NotificationStore struct {
	mu    sync.RWMutex
	items []*notification.Notification
}

// NewNotificationStore creates an empty store.
func NewNotificationStore() *NotificationStore {
	return &NotificationStore{}
}

func (s *NotificationStore) Create(_ context.Context, n *notification.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *n
	s.items = append(s.items, &c)
	return nil
}

func (s *NotificationStore) Get(_ context.Context, id string) (*notification.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.items {
		if n.ID == id {
			c := *n
			return &c, nil
		}
	}
	return nil, notification.ErrNotFound
}

func (s *NotificationStore) List(_ context.Context, r notification.Recipient) ([]*notification.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*notification.Notification{}
	for _, n := range s.items {
		if r.Owns(n) {
			c := *n
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *NotificationStore) UnreadCount(_ context.Context, r notification.Recipient) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, n := range s.items {
		if r.Owns(n) && !n.Read {
			count++
		}
	}
	return count, nil
}

func (s *NotificationStore) MarkRead(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.items {
		if n.ID == id {
			n.Read = true
			return nil
		}
	}
	return notification.ErrNotFound
}

func (s *NotificationStore) MarkAllRead(_ context.Context, r notification.Recipient) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, n := range s.items {
		if r.Owns(n) && !n.Read {
			n.Read = true
			count++
		}
	}
	return count, nil
}

var _ notification.Store = (*NotificationStore)(nil)
