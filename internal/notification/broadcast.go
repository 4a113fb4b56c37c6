package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-dispensary/pkg/workerpool"
)

// Publisher sends a message to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Broadcaster mirrors stored notifications onto a topic for live delivery.
// Delivery is best effort: the stored feed stays authoritative.
type Broadcaster struct {
	pool      *workerpool.Pool
	publisher Publisher
	topic     string
	logger    *zap.Logger
}

// NewBroadcaster creates a broadcaster publishing to topic on pub.
func NewBroadcaster(pub Publisher, topic string, cfg workerpool.Config, logger *zap.Logger) (*Broadcaster, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Broadcaster{
		publisher: pub,
		topic:     topic,
		logger:    logger,
	}
	pool, err := workerpool.New(cfg, b.publish, logger.Named("broadcast"))
	if err != nil {
		return nil, fmt.Errorf("create broadcast pool: %w", err)
	}
	b.pool = pool
	return b, nil
}

// Start launches the publishing workers.
func (b *Broadcaster) Start() { b.pool.Start() }

// Stop drains queued notifications.
func (b *Broadcaster) Stop() error { return b.pool.Stop() }

// Stats returns the worker pool counters.
func (b *Broadcaster) Stats() workerpool.Stats { return b.pool.Stats() }

// IsHealthy reports whether the broadcast queue has room.
func (b *Broadcaster) IsHealthy() bool { return b.pool.IsHealthy() }

// Announce queues n for publishing. It never blocks; a full queue drops the
// broadcast.
func (b *Broadcaster) Announce(n *Notification) {
	if err := b.pool.Submit(&workerpool.Task{ID: n.ID, Payload: n}); err != nil {
		b.logger.Warn("notification broadcast dropped",
			zap.String("notification_id", n.ID),
			zap.Error(err))
	}
}

func (b *Broadcaster) publish(ctx context.Context, task *workerpool.Task) error {
	n, ok := task.Payload.(*Notification)
	if !ok {
		return fmt.Errorf("unexpected payload %T", task.Payload)
	}
	value, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return b.publisher.Publish(ctx, b.topic, feedKey(n), value)
}

// feedKey keeps one feed's notifications on one partition.
func feedKey(n *Notification) string {
	if n.RecipientType == RecipientPatient && n.UserID != nil {
		return string(RecipientPatient) + ":" + *n.UserID
	}
	return string(n.RecipientType)
}
