package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-dispensary/internal/domain/inventory"
)

// Recorder receives notification metrics.
type Recorder interface {
	NotificationCreated(t Type)
}

type nopRecorder struct{}

func (nopRecorder) NotificationCreated(Type) {}

// Config holds configuration for stock alerts
type Config struct {
	// LowStockThreshold is the remaining quantity at or below which a
	// dispense raises an alert
	LowStockThreshold int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{LowStockThreshold: 10}
}

// Service turns inventory events into notifications and serves feeds.
type Service struct {
	store    Store
	config   Config
	recorder Recorder
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewService creates a new service. recorder and logger may be nil.
func NewService(store Store, cfg Config, recorder Recorder, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if cfg.LowStockThreshold < 0 {
		cfg.LowStockThreshold = 0
	}
	return &Service{
		store:    store,
		config:   cfg,
		recorder: recorder,
		logger:   logger,
		tracer:   otel.Tracer("notification"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// HandleEvent inspects an inventory event and records an alert when a
// dispense takes a lot across the low-stock threshold or empties it. It
// returns nil when the event needs no alert.
func (s *Service) HandleEvent(ctx context.Context, event *inventory.Event) (*Notification, error) {
	ctx, span := s.tracer.Start(ctx, "notification.handle_event",
		trace.WithAttributes(
			attribute.String("event_id", event.ID),
			attribute.String("event_type", string(event.EventType)),
		))
	defer span.End()

	if event.EventType != inventory.EventMedicineDispensed {
		return nil, nil
	}

	var data inventory.MedicineDispensedData
	if err := json.Unmarshal(event.EventData, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	n := s.evaluate(&data)
	if n == nil {
		return nil, nil
	}

	if err := s.store.Create(ctx, n); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("create notification: %w", err)
	}

	s.recorder.NotificationCreated(n.Type)
	s.logger.Info("stock alert recorded",
		zap.String("notification_id", n.ID),
		zap.String("medicine_id", data.MedicineID),
		zap.String("type", string(n.Type)),
		zap.Int("remaining", data.Remaining))
	return n, nil
}

func (s *Service) evaluate(d *inventory.MedicineDispensedData) *Notification {
	threshold := s.config.LowStockThreshold
	before := d.Remaining + d.Quantity

	n := &Notification{
		ID:            uuid.New().String(),
		RecipientType: RecipientAdmin,
		MedicineID:    &d.MedicineID,
		CreatedAt:     s.now(),
	}
	switch {
	case d.Remaining == 0:
		n.Type = TypeOutOfStock
		n.Status = StatusDepleted
		n.Message = fmt.Sprintf("%s is out of stock", d.Name)
	case d.Remaining <= threshold && before > threshold:
		n.Type = TypeLowStock
		n.Status = StatusLow
		n.Message = fmt.Sprintf("%s is running low: %d left in stock", d.Name, d.Remaining)
	default:
		return nil
	}
	return n
}

// List returns the recipient's feed, newest first.
func (s *Service) List(ctx context.Context, r Recipient) ([]*Notification, error) {
	out, err := s.store.List(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return out, nil
}

// UnreadCount counts unread notifications in the recipient's feed.
func (s *Service) UnreadCount(ctx context.Context, r Recipient) (int, error) {
	n, err := s.store.UnreadCount(ctx, r)
	if err != nil {
		return 0, fmt.Errorf("count notifications: %w", err)
	}
	return n, nil
}

// MarkRead marks one notification read. Recipients may only touch their own.
func (s *Service) MarkRead(ctx context.Context, id string, r Recipient) error {
	n, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !r.Owns(n) {
		return ErrForbidden
	}
	return s.store.MarkRead(ctx, id)
}

// MarkAllRead marks the recipient's whole feed read.
func (s *Service) MarkAllRead(ctx context.Context, r Recipient) (int64, error) {
	n, err := s.store.MarkAllRead(ctx, r)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	return n, nil
}
