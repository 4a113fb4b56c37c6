package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-dispensary/internal/domain/inventory"
	"github.com/drfirst/go-dispensary/pkg/idempotency"
)

// HandlerName keys this consumer's entries in the idempotency inbox.
const HandlerName = "stock-alerts"

// Inbox runs a handler at most once per event.
type Inbox interface {
	Process(ctx context.Context, handlerName, eventID string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// Announcer receives every notification created from an event.
type Announcer interface {
	Announce(n *Notification)
}

// EventConsumer turns consumed inventory event payloads into stock alerts.
type EventConsumer struct {
	service   *Service
	inbox     Inbox
	announcer Announcer
	logger    *zap.Logger
}

// NewEventConsumer creates a consumer. inbox and announcer may be nil.
func NewEventConsumer(svc *Service, inbox Inbox, announcer Announcer, logger *zap.Logger) *EventConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventConsumer{
		service:   svc,
		inbox:     inbox,
		announcer: announcer,
		logger:    logger,
	}
}

// Handle processes one message value. Undecodable messages are logged and
// skipped; a returned error means the message should be redelivered.
func (c *EventConsumer) Handle(ctx context.Context, payload []byte) error {
	var event inventory.Event
	if err := json.Unmarshal(payload, &event); err != nil || event.ID == "" {
		c.logger.Warn("skipping undecodable inventory event", zap.Error(err))
		return nil
	}
	if event.EventType != inventory.EventMedicineDispensed {
		return nil
	}

	if c.inbox == nil {
		n, err := c.service.HandleEvent(ctx, &event)
		if errors.Is(err, ErrInvalidEvent) {
			c.logger.Warn("skipping invalid inventory event", zap.String("event_id", event.ID), zap.Error(err))
			return nil
		}
		if err != nil {
			return err
		}
		c.announce(n)
		return nil
	}

	var created *Notification
	result, err := c.inbox.Process(ctx, HandlerName, event.ID, payload, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		n, err := c.service.HandleEvent(ctx, &event)
		if errors.Is(err, ErrInvalidEvent) {
			return nil, idempotency.Permanent(err)
		}
		if err != nil {
			return nil, err
		}
		created = n
		if n == nil {
			return json.RawMessage(`{}`), nil
		}
		return json.Marshal(map[string]string{"notification_id": n.ID})
	})
	if err != nil {
		return fmt.Errorf("process event %s: %w", event.ID, err)
	}
	if result.Duplicate {
		c.logger.Debug("inventory event already handled", zap.String("event_id", event.ID))
		return nil
	}
	c.announce(created)
	return nil
}

func (c *EventConsumer) announce(n *Notification) {
	if n != nil && c.announcer != nil {
		c.announcer.Announce(n)
	}
}
