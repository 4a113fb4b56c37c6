package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-dispensary/internal/domain/inventory"
)

// StoreConfig holds configuration for the inventory store
type StoreConfig struct {
	// EventsTopic is the Kafka topic written into outbox entries
	EventsTopic string
}

// DefaultStoreConfig returns sensible defaults
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{EventsTopic: "inventory.events"}
}

// Store implements inventory.Store on PostgreSQL. Every mutation writes its
// domain event to the outbox in the same transaction.
type Store struct {
	pool   *pgxpool.Pool
	config StoreConfig
	logger *zap.Logger
}

// NewStore creates a new store
func NewStore(pool *pgxpool.Pool, cfg StoreConfig, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.EventsTopic == "" {
		cfg.EventsTopic = DefaultStoreConfig().EventsTopic
	}
	return &Store{pool: pool, config: cfg, logger: logger}
}

const medicineColumns = `id::text, name, generic_name, brand_name, description, dosage_form, strength,
	quantity_in_stock, boxes_in_stock, capsules_per_box, unit, expiry_date, created_at, updated_at`

const historySelect = `
	SELECT r.id::text, r.medicine_id::text, r.medicine_name, r.quantity, r.dispensed_at, r.source,
	       r.dispensed_by, COALESCE(NULLIF(r.dispensed_by_name, ''), u.name),
	       r.appointment_id, a.first_name, a.last_name, a.appointment_date
	FROM dispense_records r
	LEFT JOIN users u ON u.id = r.dispensed_by
	LEFT JOIN appointments a ON a.id = r.appointment_id`

func scanMedicine(row pgx.Row) (*inventory.Medicine, error) {
	m := &inventory.Medicine{}
	err := row.Scan(
		&m.ID, &m.Name, &m.GenericName, &m.BrandName, &m.Description, &m.DosageForm, &m.Strength,
		&m.QuantityInStock, &m.BoxesInStock, &m.CapsulesPerBox, &m.Unit,
		&m.ExpiryDate, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.ExpiryDate = m.ExpiryDate.UTC()
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return m, nil
}

func (s *Store) ReceiveStock(ctx context.Context, m *inventory.Medicine) (*inventory.Medicine, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	day, _ := inventory.DayBounds(m.ExpiryDate)
	query := `
		INSERT INTO medicines (id, name, generic_name, brand_name, description, dosage_form, strength,
			quantity_in_stock, boxes_in_stock, capsules_per_box, unit, expiry_date, expiry_day, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT ON CONSTRAINT medicines_lot_key DO UPDATE
		SET quantity_in_stock = medicines.quantity_in_stock + EXCLUDED.quantity_in_stock,
		    boxes_in_stock = medicines.boxes_in_stock + EXCLUDED.boxes_in_stock,
		    updated_at = EXCLUDED.updated_at
		RETURNING ` + medicineColumns

	result, err := scanMedicine(tx.QueryRow(ctx, query,
		m.ID, m.Name, m.GenericName, m.BrandName, m.Description, m.DosageForm, m.Strength,
		m.QuantityInStock, m.BoxesInStock, m.CapsulesPerBox, m.Unit,
		m.ExpiryDate.UTC(), day, m.CreatedAt, m.UpdatedAt,
	))
	if err != nil {
		return nil, false, fmt.Errorf("upsert medicine: %w", err)
	}
	merged := result.ID != m.ID

	event, err := inventory.NewEvent(result.ID, inventory.EventStockReceived, &inventory.StockReceivedData{
		MedicineID:      result.ID,
		Name:            result.Name,
		Received:        m.QuantityInStock,
		QuantityInStock: result.QuantityInStock,
		ExpiryDay:       result.ExpiryDay(),
		Merged:          merged,
		ReceivedAt:      m.UpdatedAt,
	})
	if err != nil {
		return nil, false, fmt.Errorf("build event: %w", err)
	}
	if err := s.writeEvent(ctx, tx, event); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return result, merged, nil
}

func (s *Store) ListMedicines(ctx context.Context) ([]*inventory.Medicine, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+medicineColumns+` FROM medicines ORDER BY name ASC, expiry_date ASC`)
	if err != nil {
		return nil, fmt.Errorf("query medicines: %w", err)
	}
	defer rows.Close()

	var out []*inventory.Medicine
	for rows.Next() {
		m, err := scanMedicine(rows)
		if err != nil {
			return nil, fmt.Errorf("scan medicine: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) GetMedicine(ctx context.Context, id string) (*inventory.Medicine, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, inventory.ErrNotFound
	}
	m, err := scanMedicine(s.pool.QueryRow(ctx, `SELECT `+medicineColumns+` FROM medicines WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, inventory.ErrNotFound
		}
		return nil, fmt.Errorf("query medicine: %w", err)
	}
	return m, nil
}

func (s *Store) DeleteMedicine(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return inventory.ErrNotFound
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var name string
	err = tx.QueryRow(ctx, `DELETE FROM medicines WHERE id = $1 RETURNING name`, id).Scan(&name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return inventory.ErrNotFound
		}
		return fmt.Errorf("delete medicine: %w", err)
	}

	event, err := inventory.NewEvent(id, inventory.EventMedicineDeleted, &inventory.MedicineDeletedData{
		MedicineID: id,
		Name:       name,
		DeletedAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("build event: %w", err)
	}
	if err := s.writeEvent(ctx, tx, event); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) ApplyDispense(ctx context.Context, records []*inventory.DispenseRecord) ([]*inventory.Medicine, error) {
	for _, rec := range records {
		if _, err := uuid.Parse(rec.MedicineID); err != nil {
			return nil, inventory.ErrNotFound
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	decrement := `
		UPDATE medicines
		SET quantity_in_stock = quantity_in_stock - $1, updated_at = $2
		WHERE id = $3 AND quantity_in_stock >= $1
		RETURNING ` + medicineColumns

	insert := `
		INSERT INTO dispense_records (id, medicine_id, medicine_name, quantity, dispensed_at, dispensed_by, dispensed_by_name, appointment_id, source)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9)`

	upsertUser := `
		INSERT INTO users (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`

	upsertAppointment := `
		INSERT INTO appointments (id, first_name, last_name, appointment_date) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET first_name = EXCLUDED.first_name,
		    last_name = EXCLUDED.last_name,
		    appointment_date = COALESCE(EXCLUDED.appointment_date, appointments.appointment_date)`

	out := make([]*inventory.Medicine, 0, len(records))
	for _, rec := range records {
		m, err := scanMedicine(tx.QueryRow(ctx, decrement, rec.Quantity, rec.DispensedAt, rec.MedicineID))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.shortage(ctx, tx, rec)
		}
		if err != nil {
			return nil, fmt.Errorf("decrement stock: %w", err)
		}

		rec.MedicineName = m.Name
		if _, err := tx.Exec(ctx, insert,
			rec.ID, rec.MedicineID, rec.MedicineName, rec.Quantity, rec.DispensedAt,
			rec.DispensedBy, rec.DispensedByName, rec.AppointmentID, string(rec.Source),
		); err != nil {
			return nil, fmt.Errorf("insert dispense record: %w", err)
		}
		if rec.DispensedBy != nil && rec.DispensedByName != "" {
			if _, err := tx.Exec(ctx, upsertUser, *rec.DispensedBy, rec.DispensedByName); err != nil {
				return nil, fmt.Errorf("upsert user: %w", err)
			}
		}
		if a := rec.Appointment; a != nil {
			if _, err := tx.Exec(ctx, upsertAppointment, a.ID, a.PatientFirstName, a.PatientLastName, a.AppointmentDate); err != nil {
				return nil, fmt.Errorf("upsert appointment: %w", err)
			}
		}

		event, err := inventory.DispensedEvent(rec, m.QuantityInStock)
		if err != nil {
			return nil, fmt.Errorf("build event: %w", err)
		}
		if err := s.writeEvent(ctx, tx, event); err != nil {
			return nil, err
		}
		out = append(out, m)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

// shortage explains why a conditional decrement matched no row.
func (s *Store) shortage(ctx context.Context, tx pgx.Tx, rec *inventory.DispenseRecord) error {
	var (
		name      string
		available int
	)
	err := tx.QueryRow(ctx, `SELECT name, quantity_in_stock FROM medicines WHERE id = $1`, rec.MedicineID).Scan(&name, &available)
	if errors.Is(err, pgx.ErrNoRows) {
		return inventory.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("query medicine: %w", err)
	}
	return &inventory.InsufficientStockError{
		MedicineID: rec.MedicineID,
		Name:       name,
		Available:  available,
		Requested:  rec.Quantity,
	}
}

func (s *Store) History(ctx context.Context, medicineID string) ([]*inventory.HistoryEntry, error) {
	if _, err := uuid.Parse(medicineID); err != nil {
		return nil, nil
	}
	return s.queryHistory(ctx, historySelect+` WHERE r.medicine_id = $1 ORDER BY r.dispensed_at ASC, r.seq ASC`, medicineID)
}

func (s *Store) AllHistory(ctx context.Context) ([]*inventory.HistoryEntry, error) {
	return s.queryHistory(ctx, historySelect+` ORDER BY r.dispensed_at DESC, r.seq DESC`)
}

func (s *Store) queryHistory(ctx context.Context, query string, args ...any) ([]*inventory.HistoryEntry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []*inventory.HistoryEntry
	for rows.Next() {
		var (
			e                     inventory.HistoryEntry
			source                string
			dispensedBy, userName *string
			appointmentID         *string
			firstName, lastName   *string
			appointmentDate       *time.Time
		)
		err := rows.Scan(
			&e.ID, &e.MedicineID, &e.MedicineName, &e.Quantity, &e.DispensedAt, &source,
			&dispensedBy, &userName, &appointmentID, &firstName, &lastName, &appointmentDate,
		)
		if err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.DispensedAt = e.DispensedAt.UTC()
		e.Source = inventory.Source(source)
		if dispensedBy != nil {
			e.DispensedBy = &inventory.UserRef{ID: *dispensedBy, Name: deref(userName)}
		}
		if appointmentID != nil {
			e.Appointment = &inventory.AppointmentRef{
				ID:               *appointmentID,
				PatientFirstName: deref(firstName),
				PatientLastName:  deref(lastName),
				AppointmentDate:  appointmentDate,
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) writeEvent(ctx context.Context, tx pgx.Tx, event *inventory.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	entry := &OutboxEntry{
		AggregateID:   event.AggregateID,
		AggregateType: inventory.AggregateType,
		EventType:     string(event.EventType),
		Payload:       payload,
		KafkaTopic:    s.config.EventsTopic,
		KafkaKey:      event.AggregateID,
	}
	if err := WriteEntry(ctx, tx, entry); err != nil {
		return err
	}
	s.logger.Debug("event written to outbox",
		zap.Int64("outbox_id", entry.ID),
		zap.String("event_type", entry.EventType),
		zap.String("medicine_id", event.AggregateID))
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var _ inventory.Store = (*Store)(nil)
