package sqlite_test

import (
	"context"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-dispensary/internal/domain/inventory"
	"github.com/drfirst/go-dispensary/internal/infrastructure/sqlite"
	"github.com/drfirst/go-dispensary/internal/notification"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(filepath.Join(t.TempDir(), "dispensary.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func lot(id, name string, qty int, expiry time.Time) *inventory.Medicine {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return &inventory.Medicine{
		ID:              id,
		Name:            name,
		QuantityInStock: qty,
		Unit:            "tablet",
		ExpiryDate:      expiry,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func record(id, medicineID string, qty int, at time.Time) *inventory.DispenseRecord {
	return &inventory.DispenseRecord{
		ID:          id,
		MedicineID:  medicineID,
		Quantity:    qty,
		DispensedAt: at,
		Source:      inventory.SourceManual,
	}
}

func TestReceiveStock_Merge(t *testing.T) {
	// GIVEN a stored lot
	s := openStore(t)
	ctx := context.Background()
	expiry := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	first, merged, err := s.ReceiveStock(ctx, lot("m-1", "Paracetamol", 100, expiry))
	require.NoError(t, err)
	require.False(t, merged)

	// WHEN the same name arrives for the same expiry day
	second, merged, err := s.ReceiveStock(ctx, lot("m-2", "Paracetamol", 25, expiry.Add(10*time.Hour)))

	// THEN the quantities are summed on the first lot
	require.NoError(t, err)
	assert.True(t, merged)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 125, second.QuantityInStock)

	meds, err := s.ListMedicines(ctx)
	require.NoError(t, err)
	assert.Len(t, meds, 1)
}

func TestApplyDispense(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	expiry := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	_, _, err := s.ReceiveStock(ctx, lot("a", "Amoxicillin", 5, expiry))
	require.NoError(t, err)
	_, _, err = s.ReceiveStock(ctx, lot("b", "Ibuprofen", 1, expiry))
	require.NoError(t, err)
	at := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)

	t.Run("all or nothing", func(t *testing.T) {
		_, err := s.ApplyDispense(ctx, []*inventory.DispenseRecord{
			record("r-1", "a", 2, at),
			record("r-2", "b", 2, at),
		})

		var shortage *inventory.InsufficientStockError
		require.ErrorAs(t, err, &shortage)
		assert.Equal(t, "b", shortage.MedicineID)
		assert.Equal(t, 1, shortage.Available)

		m, err := s.GetMedicine(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, 5, m.QuantityInStock)
		all, err := s.AllHistory(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("unknown medicine", func(t *testing.T) {
		_, err := s.ApplyDispense(ctx, []*inventory.DispenseRecord{record("r-3", "zzz", 1, at)})
		assert.ErrorIs(t, err, inventory.ErrNotFound)
	})

	t.Run("applied", func(t *testing.T) {
		meds, err := s.ApplyDispense(ctx, []*inventory.DispenseRecord{
			record("r-4", "a", 2, at),
			record("r-5", "a", 3, at.Add(time.Minute)),
		})
		require.NoError(t, err)
		require.Len(t, meds, 2)
		assert.Equal(t, 3, meds[0].QuantityInStock)
		assert.Equal(t, 0, meds[1].QuantityInStock)
	})
}

func TestApplyDispense_Concurrent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	_, _, err := s.ReceiveStock(ctx, lot("a", "Azithromycin", 10, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := record("r-"+strconv.Itoa(i), "a", 1, time.Now())
			if _, err := s.ApplyDispense(ctx, []*inventory.DispenseRecord{rec}); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	m, err := s.GetMedicine(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 0, m.QuantityInStock)
}

func TestHistory_ResolvesReferences(t *testing.T) {
	// GIVEN a consultation dispense by a known user
	s := openStore(t)
	ctx := context.Background()
	_, _, err := s.ReceiveStock(ctx, lot("a", "Metformin", 10, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	apptDate := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	require.NoError(t, s.UpsertUser(ctx, "doc-1", "Dr. Rao"))
	require.NoError(t, s.UpsertAppointment(ctx, inventory.AppointmentRef{
		ID: "appt-1", PatientFirstName: "Ana", PatientLastName: "Silva", AppointmentDate: &apptDate,
	}))

	by, appt := "doc-1", "appt-1"
	rec := record("r-1", "a", 1, apptDate)
	rec.DispensedBy = &by
	rec.AppointmentID = &appt
	rec.Source = inventory.SourceConsultation
	_, err = s.ApplyDispense(ctx, []*inventory.DispenseRecord{rec, record("r-2", "a", 2, apptDate.Add(time.Hour))})
	require.NoError(t, err)

	// WHEN the medicine is deleted and history read
	require.NoError(t, s.DeleteMedicine(ctx, "a"))
	assert.ErrorIs(t, s.DeleteMedicine(ctx, "a"), inventory.ErrNotFound)
	entries, err := s.AllHistory(ctx)

	// THEN the records survive, newest first, with references resolved
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "r-2", entries[0].ID)
	assert.Nil(t, entries[0].DispensedBy)
	assert.Equal(t, "Metformin", entries[1].MedicineName)
	assert.Equal(t, "Dr. Rao", entries[1].DispensedBy.Name)
	assert.Equal(t, "Ana Silva", entries[1].Appointment.PatientName())
	assert.True(t, apptDate.Equal(*entries[1].Appointment.AppointmentDate))

	one, err := s.History(ctx, "a")
	require.NoError(t, err)
	require.Len(t, one, 2)
	assert.Equal(t, "r-1", one[0].ID)
}

func TestApplyDispense_StoresDispenserAndAppointment(t *testing.T) {
	// GIVEN an empty users and appointments table
	s := openStore(t)
	ctx := context.Background()
	_, _, err := s.ReceiveStock(ctx, lot("a", "Amoxicillin", 10, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	at := time.Date(2024, 4, 2, 10, 30, 0, 0, time.UTC)
	by, appt := "nurse-1", "appt-9"

	// WHEN one record carries the caller's name and the patient details
	first := record("r-1", "a", 2, at)
	first.DispensedBy = &by
	first.DispensedByName = "Nurse Joy"
	first.AppointmentID = &appt
	first.Appointment = &inventory.AppointmentRef{ID: appt, PatientFirstName: "Ana", PatientLastName: "Cruz", AppointmentDate: &at}
	// AND a later one carries only the ids
	second := record("r-2", "a", 1, at.Add(time.Hour))
	second.DispensedBy = &by
	second.AppointmentID = &appt
	_, err = s.ApplyDispense(ctx, []*inventory.DispenseRecord{first})
	require.NoError(t, err)
	_, err = s.ApplyDispense(ctx, []*inventory.DispenseRecord{second})
	require.NoError(t, err)

	// THEN both resolve to the same name and patient
	entries, err := s.History(ctx, "a")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, "Nurse Joy", e.DispensedBy.Name)
		assert.Equal(t, "Ana Cruz", e.Appointment.PatientName())
		require.NotNil(t, e.Appointment.AppointmentDate)
		assert.True(t, at.Equal(*e.Appointment.AppointmentDate))
	}
}

func TestNew_UpgradesOlderSchema(t *testing.T) {
	// GIVEN a database created before dispenser names were recorded
	path := filepath.Join(t.TempDir(), "old.db")
	old, err := sqlx.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = old.Exec(`CREATE TABLE dispense_records (
		id TEXT PRIMARY KEY, medicine_id TEXT NOT NULL, medicine_name TEXT NOT NULL,
		quantity INTEGER NOT NULL, dispensed_at TIMESTAMP NOT NULL,
		dispensed_by TEXT, appointment_id TEXT, source TEXT NOT NULL)`)
	require.NoError(t, err)
	require.NoError(t, old.Close())

	// WHEN the store opens it twice
	s, err := sqlite.New(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	s, err = sqlite.New(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	// THEN named dispenses can be written
	ctx := context.Background()
	_, _, err = s.ReceiveStock(ctx, lot("a", "Insulin", 3, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	by := "doc-1"
	rec := record("r-1", "a", 1, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	rec.DispensedBy = &by
	rec.DispensedByName = "Dr. Rao"
	_, err = s.ApplyDispense(ctx, []*inventory.DispenseRecord{rec})
	require.NoError(t, err)

	entries, err := s.AllHistory(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Dr. Rao", entries[0].DispensedBy.Name)
}

func TestNotificationStore(t *testing.T) {
	s := openStore(t)
	notes := s.Notifications()
	ctx := context.Background()
	patient := "p-1"
	med := "m-1"
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, notes.Create(ctx, &notification.Notification{
		ID: "n-1", RecipientType: notification.RecipientAdmin, Type: notification.TypeLowStock,
		Status: notification.StatusLow, Message: "low", MedicineID: &med, CreatedAt: base,
	}))
	require.NoError(t, notes.Create(ctx, &notification.Notification{
		ID: "n-2", RecipientType: notification.RecipientAdmin, Type: notification.TypeOutOfStock,
		Status: notification.StatusDepleted, Message: "out", MedicineID: &med, CreatedAt: base.Add(time.Hour),
	}))
	require.NoError(t, notes.Create(ctx, &notification.Notification{
		ID: "n-3", UserID: &patient, RecipientType: notification.RecipientPatient, Type: notification.TypeLowStock,
		Status: notification.StatusLow, Message: "hi", CreatedAt: base,
	}))

	admin := notification.Recipient{Type: notification.RecipientAdmin}
	feed, err := notes.List(ctx, admin)
	require.NoError(t, err)
	require.Len(t, feed, 2)
	assert.Equal(t, "n-2", feed[0].ID)
	assert.Equal(t, "m-1", *feed[0].MedicineID)

	require.NoError(t, notes.MarkRead(ctx, "n-1"))
	assert.ErrorIs(t, notes.MarkRead(ctx, "missing"), notification.ErrNotFound)
	count, err := notes.UnreadCount(ctx, admin)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	n, err := notes.MarkAllRead(ctx, notification.Recipient{Type: notification.RecipientPatient, UserID: patient})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := notes.Get(ctx, "n-3")
	require.NoError(t, err)
	assert.True(t, got.Read)
	assert.Equal(t, patient, *got.UserID)
}
