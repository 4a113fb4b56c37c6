package postgres_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-dispensary/internal/domain/inventory"
	"github.com/drfirst/go-dispensary/internal/infrastructure/postgres"
	"github.com/drfirst/go-dispensary/internal/notification"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// openPool connects to TEST_DATABASE_URL (or DATABASE_URL) and migrates a
// fresh schema that is dropped when the test ends.
func openPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url == "" {
		t.Skipf("postgres not configured: set TEST_DATABASE_URL")
	}

	ctx := context.Background()
	schema := "dispensary_test_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]

	admin, err := pgx.Connect(ctx, url)
	require.NoError(t, err)
	_, err = admin.Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)

	cfg, err := pgxpool.ParseConfig(url)
	require.NoError(t, err)
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		pool.Close()
		admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close(context.Background())
	})

	require.NoError(t, postgres.Migrate(ctx, pool))
	return pool
}

func openStore(t *testing.T) (*postgres.Store, *pgxpool.Pool) {
	t.Helper()
	pool := openPool(t)
	return postgres.NewStore(pool, postgres.DefaultStoreConfig(), nil), pool
}

func lot(name string, qty int, expiry time.Time) *inventory.Medicine {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return &inventory.Medicine{
		ID:              uuid.New().String(),
		Name:            name,
		QuantityInStock: qty,
		Unit:            "tablet",
		ExpiryDate:      expiry,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func record(medicineID string, qty int, at time.Time) *inventory.DispenseRecord {
	return &inventory.DispenseRecord{
		ID:          uuid.New().String(),
		MedicineID:  medicineID,
		Quantity:    qty,
		DispensedAt: at,
		Source:      inventory.SourceManual,
	}
}

func outboxCount(t *testing.T, pool *pgxpool.Pool, eventType inventory.EventType) int {
	t.Helper()
	var n int
	err := pool.QueryRow(context.Background(),
		`SELECT COUNT(*) FROM outbox WHERE event_type = $1`, string(eventType)).Scan(&n)
	require.NoError(t, err)
	return n
}

type message struct {
	topic, key string
	value      []byte
}

// recordingPublisher stores published messages; fail decides per topic
// whether a publish errors.
type recordingPublisher struct {
	mu       sync.Mutex
	calls    int
	messages []message
	fail     func(topic string) error
}

func (p *recordingPublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.fail != nil {
		if err := p.fail(topic); err != nil {
			return err
		}
	}
	p.messages = append(p.messages, message{topic: topic, key: key, value: value})
	return nil
}

func (p *recordingPublisher) snapshot() (int, []message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls, append([]message(nil), p.messages...)
}

func fastOutbox(pool *pgxpool.Pool, pub postgres.OutboxPublisher, maxRetries int) *postgres.Outbox {
	cfg := postgres.DefaultOutboxConfig()
	cfg.PollInterval = 20 * time.Millisecond
	cfg.DeadLetterInterval = 50 * time.Millisecond
	cfg.MaxRetries = maxRetries
	return postgres.NewOutbox(pool, pub, cfg, nil, nil)
}

// =============================================================================
// STORE TESTS
// =============================================================================

func TestStore_ReceiveStock_Merge(t *testing.T) {
	// GIVEN a stored lot
	s, pool := openStore(t)
	ctx := context.Background()
	expiry := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	first, merged, err := s.ReceiveStock(ctx, lot("Paracetamol", 100, expiry))
	require.NoError(t, err)
	require.False(t, merged)

	// WHEN the same name arrives later on the same expiry day
	second, merged, err := s.ReceiveStock(ctx, lot("Paracetamol", 25, expiry.Add(10*time.Hour)))

	// THEN the quantities are summed on the first lot and both intakes are in the outbox
	require.NoError(t, err)
	assert.True(t, merged)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 125, second.QuantityInStock)

	meds, err := s.ListMedicines(ctx)
	require.NoError(t, err)
	assert.Len(t, meds, 1)
	assert.Equal(t, 2, outboxCount(t, pool, inventory.EventStockReceived))
}

func TestStore_ApplyDispense(t *testing.T) {
	s, pool := openStore(t)
	ctx := context.Background()
	expiry := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	a, _, err := s.ReceiveStock(ctx, lot("Amoxicillin", 5, expiry))
	require.NoError(t, err)
	b, _, err := s.ReceiveStock(ctx, lot("Ibuprofen", 1, expiry))
	require.NoError(t, err)
	at := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)

	t.Run("all or nothing", func(t *testing.T) {
		_, err := s.ApplyDispense(ctx, []*inventory.DispenseRecord{
			record(a.ID, 2, at),
			record(b.ID, 2, at),
		})

		var shortage *inventory.InsufficientStockError
		require.ErrorAs(t, err, &shortage)
		assert.Equal(t, b.ID, shortage.MedicineID)
		assert.Equal(t, 1, shortage.Available)

		m, err := s.GetMedicine(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, 5, m.QuantityInStock)
		all, err := s.AllHistory(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)
		assert.Equal(t, 0, outboxCount(t, pool, inventory.EventMedicineDispensed))
	})

	t.Run("unknown medicine", func(t *testing.T) {
		_, err := s.ApplyDispense(ctx, []*inventory.DispenseRecord{record("not-a-uuid", 1, at)})
		assert.ErrorIs(t, err, inventory.ErrNotFound)

		_, err = s.ApplyDispense(ctx, []*inventory.DispenseRecord{record(uuid.New().String(), 1, at)})
		assert.ErrorIs(t, err, inventory.ErrNotFound)
	})

	t.Run("applied with events", func(t *testing.T) {
		meds, err := s.ApplyDispense(ctx, []*inventory.DispenseRecord{
			record(a.ID, 2, at),
			record(a.ID, 3, at.Add(time.Minute)),
		})
		require.NoError(t, err)
		require.Len(t, meds, 2)
		assert.Equal(t, 3, meds[0].QuantityInStock)
		assert.Equal(t, 0, meds[1].QuantityInStock)
		assert.Equal(t, 2, outboxCount(t, pool, inventory.EventMedicineDispensed))

		var payload []byte
		err = pool.QueryRow(ctx,
			`SELECT payload FROM outbox WHERE event_type = $1 ORDER BY id DESC LIMIT 1`,
			string(inventory.EventMedicineDispensed)).Scan(&payload)
		require.NoError(t, err)
		var event inventory.Event
		require.NoError(t, json.Unmarshal(payload, &event))
		var data inventory.MedicineDispensedData
		require.NoError(t, json.Unmarshal(event.EventData, &data))
		assert.Equal(t, 0, data.Remaining)
		assert.Equal(t, "Amoxicillin", data.Name)
	})
}

func TestStore_ApplyDispense_Concurrent(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()
	m, _, err := s.ReceiveStock(ctx, lot("Azithromycin", 10, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ApplyDispense(ctx, []*inventory.DispenseRecord{record(m.ID, 1, time.Now())}); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	got, err := s.GetMedicine(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.QuantityInStock)
}

func TestStore_History(t *testing.T) {
	// GIVEN a named consultation dispense and a manual one at the same instant
	s, pool := openStore(t)
	ctx := context.Background()
	m, _, err := s.ReceiveStock(ctx, lot("Metformin", 10, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	at := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

	by, appt := "doc-1", "appt-1"
	first := record(m.ID, 1, at)
	first.DispensedBy = &by
	first.DispensedByName = "Dr. Rao"
	first.AppointmentID = &appt
	first.Appointment = &inventory.AppointmentRef{ID: appt, PatientFirstName: "Ana", PatientLastName: "Silva", AppointmentDate: &at}
	first.Source = inventory.SourceConsultation
	second := record(m.ID, 2, at)
	_, err = s.ApplyDispense(ctx, []*inventory.DispenseRecord{first, second})
	require.NoError(t, err)

	// AND a later dispense for the same appointment without details
	third := record(m.ID, 3, at.Add(time.Hour))
	third.DispensedBy = &by
	third.AppointmentID = &appt
	third.Source = inventory.SourceConsultation
	_, err = s.ApplyDispense(ctx, []*inventory.DispenseRecord{third})
	require.NoError(t, err)

	// WHEN the medicine is deleted and history read
	require.NoError(t, s.DeleteMedicine(ctx, m.ID))
	assert.ErrorIs(t, s.DeleteMedicine(ctx, m.ID), inventory.ErrNotFound)
	assert.Equal(t, 1, outboxCount(t, pool, inventory.EventMedicineDeleted))
	all, err := s.AllHistory(ctx)
	require.NoError(t, err)

	// THEN records survive newest first, ties broken by insertion order
	require.Len(t, all, 3)
	assert.Equal(t, []string{third.ID, second.ID, first.ID}, []string{all[0].ID, all[1].ID, all[2].ID})
	assert.Nil(t, all[1].DispensedBy)

	// AND the dispenser and appointment resolve without separate seeding
	for _, e := range []*inventory.HistoryEntry{all[0], all[2]} {
		require.NotNil(t, e.DispensedBy)
		assert.Equal(t, "Dr. Rao", e.DispensedBy.Name)
		require.NotNil(t, e.Appointment)
		assert.Equal(t, "Ana Silva", e.Appointment.PatientName())
		require.NotNil(t, e.Appointment.AppointmentDate)
		assert.True(t, at.Equal(*e.Appointment.AppointmentDate))
	}

	one, err := s.History(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, one, 3)
	assert.Equal(t, first.ID, one[0].ID)
	assert.Equal(t, second.ID, one[1].ID)
	assert.Equal(t, "Metformin", one[2].MedicineName)

	none, err := s.History(ctx, "not-a-uuid")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestNotificationStore(t *testing.T) {
	pool := openPool(t)
	notes := postgres.NewNotificationStore(pool, nil)
	ctx := context.Background()
	patient := "p-1"
	med := "m-1"
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ids := []string{uuid.New().String(), uuid.New().String(), uuid.New().String()}

	require.NoError(t, notes.Create(ctx, &notification.Notification{
		ID: ids[0], RecipientType: notification.RecipientAdmin, Type: notification.TypeLowStock,
		Status: notification.StatusLow, Message: "low", MedicineID: &med, CreatedAt: base,
	}))
	require.NoError(t, notes.Create(ctx, &notification.Notification{
		ID: ids[1], RecipientType: notification.RecipientAdmin, Type: notification.TypeOutOfStock,
		Status: notification.StatusDepleted, Message: "out", MedicineID: &med, CreatedAt: base.Add(time.Hour),
	}))
	require.NoError(t, notes.Create(ctx, &notification.Notification{
		ID: ids[2], UserID: &patient, RecipientType: notification.RecipientPatient, Type: notification.TypeLowStock,
		Status: notification.StatusLow, Message: "hi", CreatedAt: base,
	}))

	admin := notification.Recipient{Type: notification.RecipientAdmin}
	feed, err := notes.List(ctx, admin)
	require.NoError(t, err)
	require.Len(t, feed, 2)
	assert.Equal(t, ids[1], feed[0].ID)

	require.NoError(t, notes.MarkRead(ctx, ids[0]))
	assert.ErrorIs(t, notes.MarkRead(ctx, "missing"), notification.ErrNotFound)
	assert.ErrorIs(t, notes.MarkRead(ctx, uuid.New().String()), notification.ErrNotFound)
	count, err := notes.UnreadCount(ctx, admin)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	n, err := notes.MarkAllRead(ctx, notification.Recipient{Type: notification.RecipientPatient, UserID: patient})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := notes.Get(ctx, ids[2])
	require.NoError(t, err)
	assert.True(t, got.Read)
	assert.Equal(t, patient, *got.UserID)
}

// =============================================================================
// OUTBOX RELAY TESTS
// =============================================================================

func TestOutbox_PublishesAndMarksEntries(t *testing.T) {
	// GIVEN a committed intake
	s, pool := openStore(t)
	ctx := context.Background()
	m, _, err := s.ReceiveStock(ctx, lot("Insulin", 4, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)

	// WHEN the relay runs
	pub := &recordingPublisher{}
	relay := fastOutbox(pool, pub, 3)
	relay.Start()
	require.Eventually(t, func() bool {
		_, msgs := pub.snapshot()
		return len(msgs) == 1
	}, 5*time.Second, 20*time.Millisecond)
	relay.Stop()

	// THEN the event went to the events topic keyed by medicine and is marked processed
	_, msgs := pub.snapshot()
	assert.Equal(t, postgres.DefaultStoreConfig().EventsTopic, msgs[0].topic)
	assert.Equal(t, m.ID, msgs[0].key)

	stats, err := relay.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Pending)
	assert.Equal(t, int64(1), stats.Processed)

	n, err := relay.CleanupProcessed(ctx, -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestOutbox_RetriesThenDeadLetters(t *testing.T) {
	// GIVEN a broker that rejects the events topic
	s, pool := openStore(t)
	ctx := context.Background()
	_, _, err := s.ReceiveStock(ctx, lot("Heparin", 4, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	dlq := postgres.DefaultOutboxConfig().DeadLetterTopic
	pub := &recordingPublisher{fail: func(topic string) error {
		if topic != dlq {
			return errors.New("broker unavailable")
		}
		return nil
	}}

	// WHEN the relay exhausts its retries
	relay := fastOutbox(pool, pub, 2)
	relay.Start()
	require.Eventually(t, func() bool {
		_, msgs := pub.snapshot()
		return len(msgs) == 1
	}, 5*time.Second, 20*time.Millisecond)
	relay.Stop()

	// THEN the entry was retried twice and moved to the dead letter topic
	_, msgs := pub.snapshot()
	assert.Equal(t, dlq, msgs[0].topic)
	var envelope struct {
		OriginalTopic string `json:"original_topic"`
		RetryCount    int    `json:"retry_count"`
		LastError     string `json:"last_error"`
	}
	require.NoError(t, json.Unmarshal(msgs[0].value, &envelope))
	assert.Equal(t, postgres.DefaultStoreConfig().EventsTopic, envelope.OriginalTopic)
	assert.Equal(t, 2, envelope.RetryCount)
	assert.Equal(t, "broker unavailable", envelope.LastError)

	stats, err := relay.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Pending)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestOutbox_OpenBreakerKeepsRetryBudget(t *testing.T) {
	s, pool := openStore(t)
	ctx := context.Background()
	_, _, err := s.ReceiveStock(ctx, lot("Morphine", 4, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	pub := &recordingPublisher{fail: func(string) error { return gobreaker.ErrOpenState }}

	relay := fastOutbox(pool, pub, 2)
	relay.Start()
	require.Eventually(t, func() bool {
		calls, _ := pub.snapshot()
		return calls >= 5
	}, 5*time.Second, 20*time.Millisecond)
	relay.Stop()

	var retries int
	require.NoError(t, pool.QueryRow(ctx, `SELECT retry_count FROM outbox LIMIT 1`).Scan(&retries))
	assert.Equal(t, 0, retries)

	stats, err := relay.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
}
