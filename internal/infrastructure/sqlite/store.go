// Package sqlite provides an embedded inventory store on sqlx and go-sqlite3.
// It backs local development, the operator CLI and the store tests; use
// ":memory:" for a throwaway database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/drfirst/go-dispensary/internal/domain/inventory"
)

const schema = `
CREATE TABLE IF NOT EXISTS medicines (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	generic_name      TEXT NOT NULL DEFAULT '',
	brand_name        TEXT NOT NULL DEFAULT '',
	description       TEXT NOT NULL DEFAULT '',
	dosage_form       TEXT NOT NULL DEFAULT '',
	strength          TEXT NOT NULL DEFAULT '',
	quantity_in_stock INTEGER NOT NULL CHECK (quantity_in_stock >= 0),
	boxes_in_stock    INTEGER NOT NULL DEFAULT 0,
	capsules_per_box  INTEGER NOT NULL DEFAULT 0,
	unit              TEXT NOT NULL,
	expiry_date       TIMESTAMP NOT NULL,
	expiry_day        TEXT NOT NULL,
	created_at        TIMESTAMP NOT NULL,
	updated_at        TIMESTAMP NOT NULL,
	UNIQUE (name, expiry_day)
);

CREATE TABLE IF NOT EXISTS dispense_records (
	id             TEXT PRIMARY KEY,
	medicine_id    TEXT NOT NULL,
	medicine_name  TEXT NOT NULL,
	quantity       INTEGER NOT NULL CHECK (quantity > 0),
	dispensed_at   TIMESTAMP NOT NULL,
	dispensed_by      TEXT,
	dispensed_by_name TEXT,
	appointment_id    TEXT,
	source            TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dispense_records_medicine ON dispense_records (medicine_id, dispensed_at);
CREATE INDEX IF NOT EXISTS idx_dispense_records_dispensed_at ON dispense_records (dispensed_at);

CREATE TABLE IF NOT EXISTS users (
	id   TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS appointments (
	id               TEXT PRIMARY KEY,
	first_name       TEXT NOT NULL DEFAULT '',
	last_name        TEXT NOT NULL DEFAULT '',
	appointment_date TIMESTAMP
);

CREATE TABLE IF NOT EXISTS notifications (
	id             TEXT PRIMARY KEY,
	user_id        TEXT,
	recipient_type TEXT NOT NULL,
	type           TEXT NOT NULL,
	status         TEXT NOT NULL,
	message        TEXT NOT NULL,
	read           BOOLEAN NOT NULL DEFAULT 0,
	medicine_id    TEXT,
	created_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notifications_recipient ON notifications (recipient_type, read, created_at);
`

const medicineColumns = `id, name, generic_name, brand_name, description, dosage_form, strength,
	quantity_in_stock, boxes_in_stock, capsules_per_box, unit, expiry_date, created_at, updated_at`

const historySelect = `
	SELECT r.id, r.medicine_id, r.medicine_name, r.quantity, r.dispensed_at, r.source,
	       r.dispensed_by, COALESCE(NULLIF(r.dispensed_by_name, ''), u.name) AS dispensed_by_name,
	       r.appointment_id, a.first_name, a.last_name, a.appointment_date
	FROM dispense_records r
	LEFT JOIN users u ON u.id = r.dispensed_by
	LEFT JOIN appointments a ON a.id = r.appointment_id`

// Store implements inventory.Store over SQLite.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// New opens (and migrates) the database at path.
func New(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sqlx.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: ":memory:" databases are per connection, and SQLite
	// serialises writers anyway.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the schema and adds columns missing from older databases.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}

	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM pragma_table_info('dispense_records') WHERE name = 'dispensed_by_name'`)
	if err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}
	if n == 0 {
		if _, err := s.db.ExecContext(ctx, `ALTER TABLE dispense_records ADD COLUMN dispensed_by_name TEXT`); err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type medicineRow struct {
	ID              string    `db:"id"`
	Name            string    `db:"name"`
	GenericName     string    `db:"generic_name"`
	BrandName       string    `db:"brand_name"`
	Description     string    `db:"description"`
	DosageForm      string    `db:"dosage_form"`
	Strength        string    `db:"strength"`
	QuantityInStock int       `db:"quantity_in_stock"`
	BoxesInStock    int       `db:"boxes_in_stock"`
	CapsulesPerBox  int       `db:"capsules_per_box"`
	Unit            string    `db:"unit"`
	ExpiryDate      time.Time `db:"expiry_date"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func (r *medicineRow) toDomain() *inventory.Medicine {
	return &inventory.Medicine{
		ID:              r.ID,
		Name:            r.Name,
		GenericName:     r.GenericName,
		BrandName:       r.BrandName,
		Description:     r.Description,
		DosageForm:      r.DosageForm,
		Strength:        r.Strength,
		QuantityInStock: r.QuantityInStock,
		BoxesInStock:    r.BoxesInStock,
		CapsulesPerBox:  r.CapsulesPerBox,
		Unit:            r.Unit,
		ExpiryDate:      r.ExpiryDate.UTC(),
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
	}
}

type historyRow struct {
	ID              string         `db:"id"`
	MedicineID      string         `db:"medicine_id"`
	MedicineName    string         `db:"medicine_name"`
	Quantity        int            `db:"quantity"`
	DispensedAt     time.Time      `db:"dispensed_at"`
	Source          string         `db:"source"`
	DispensedBy     sql.NullString `db:"dispensed_by"`
	DispensedByName sql.NullString `db:"dispensed_by_name"`
	AppointmentID   sql.NullString `db:"appointment_id"`
	FirstName       sql.NullString `db:"first_name"`
	LastName        sql.NullString `db:"last_name"`
	AppointmentDate sql.NullTime   `db:"appointment_date"`
}

func (r *historyRow) toDomain() *inventory.HistoryEntry {
	e := &inventory.HistoryEntry{
		ID:           r.ID,
		MedicineID:   r.MedicineID,
		MedicineName: r.MedicineName,
		Quantity:     r.Quantity,
		DispensedAt:  r.DispensedAt.UTC(),
		Source:       inventory.Source(r.Source),
	}
	if r.DispensedBy.Valid {
		e.DispensedBy = &inventory.UserRef{ID: r.DispensedBy.String, Name: r.DispensedByName.String}
	}
	if r.AppointmentID.Valid {
		ref := &inventory.AppointmentRef{
			ID:               r.AppointmentID.String,
			PatientFirstName: r.FirstName.String,
			PatientLastName:  r.LastName.String,
		}
		if r.AppointmentDate.Valid {
			d := r.AppointmentDate.Time.UTC()
			ref.AppointmentDate = &d
		}
		e.Appointment = ref
	}
	return e
}

func (s *Store) ReceiveStock(ctx context.Context, m *inventory.Medicine) (*inventory.Medicine, bool, error) {
	query := `
		INSERT INTO medicines (id, name, generic_name, brand_name, description, dosage_form, strength,
			quantity_in_stock, boxes_in_stock, capsules_per_box, unit, expiry_date, expiry_day, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name, expiry_day) DO UPDATE
		SET quantity_in_stock = quantity_in_stock + excluded.quantity_in_stock,
		    boxes_in_stock = boxes_in_stock + excluded.boxes_in_stock,
		    updated_at = excluded.updated_at
		RETURNING ` + medicineColumns

	var row medicineRow
	err := s.db.GetContext(ctx, &row, query,
		m.ID, m.Name, m.GenericName, m.BrandName, m.Description, m.DosageForm, m.Strength,
		m.QuantityInStock, m.BoxesInStock, m.CapsulesPerBox, m.Unit,
		m.ExpiryDate.UTC(), m.ExpiryDay(), m.CreatedAt.UTC(), m.UpdatedAt.UTC(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("upsert medicine: %w", err)
	}
	return row.toDomain(), row.ID != m.ID, nil
}

func (s *Store) ListMedicines(ctx context.Context) ([]*inventory.Medicine, error) {
	var rows []medicineRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+medicineColumns+` FROM medicines ORDER BY name ASC, expiry_date ASC`)
	if err != nil {
		return nil, fmt.Errorf("select medicines: %w", err)
	}

	out := make([]*inventory.Medicine, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

func (s *Store) GetMedicine(ctx context.Context, id string) (*inventory.Medicine, error) {
	return getMedicine(ctx, s.db, id)
}

func getMedicine(ctx context.Context, q sqlx.QueryerContext, id string) (*inventory.Medicine, error) {
	var row medicineRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+medicineColumns+` FROM medicines WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, inventory.ErrNotFound
		}
		return nil, fmt.Errorf("select medicine: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) DeleteMedicine(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM medicines WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete medicine: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete medicine: %w", err)
	}
	if n == 0 {
		return inventory.ErrNotFound
	}
	return nil
}

func (s *Store) ApplyDispense(ctx context.Context, records []*inventory.DispenseRecord) ([]*inventory.Medicine, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	out := make([]*inventory.Medicine, 0, len(records))
	for _, rec := range records {
		res, err := tx.ExecContext(ctx,
			`UPDATE medicines SET quantity_in_stock = quantity_in_stock - ?, updated_at = ?
			 WHERE id = ? AND quantity_in_stock >= ?`,
			rec.Quantity, rec.DispensedAt.UTC(), rec.MedicineID, rec.Quantity)
		if err != nil {
			return nil, fmt.Errorf("decrement stock: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("decrement stock: %w", err)
		}

		m, err := getMedicine(ctx, tx, rec.MedicineID)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, &inventory.InsufficientStockError{
				MedicineID: m.ID,
				Name:       m.Name,
				Available:  m.QuantityInStock,
				Requested:  rec.Quantity,
			}
		}

		rec.MedicineName = m.Name
		_, err = tx.ExecContext(ctx,
			`INSERT INTO dispense_records (id, medicine_id, medicine_name, quantity, dispensed_at, dispensed_by, dispensed_by_name, appointment_id, source)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.MedicineID, rec.MedicineName, rec.Quantity, rec.DispensedAt.UTC(),
			rec.DispensedBy, nullIfEmpty(rec.DispensedByName), rec.AppointmentID, string(rec.Source))
		if err != nil {
			return nil, fmt.Errorf("insert dispense record: %w", err)
		}
		if rec.DispensedBy != nil && rec.DispensedByName != "" {
			if err := upsertUser(ctx, tx, *rec.DispensedBy, rec.DispensedByName); err != nil {
				return nil, err
			}
		}
		if rec.Appointment != nil {
			if err := upsertAppointment(ctx, tx, *rec.Appointment); err != nil {
				return nil, err
			}
		}
		out = append(out, m)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

func (s *Store) History(ctx context.Context, medicineID string) ([]*inventory.HistoryEntry, error) {
	return s.selectHistory(ctx, historySelect+` WHERE r.medicine_id = ? ORDER BY r.dispensed_at ASC, r.rowid ASC`, medicineID)
}

func (s *Store) AllHistory(ctx context.Context) ([]*inventory.HistoryEntry, error) {
	return s.selectHistory(ctx, historySelect+` ORDER BY r.dispensed_at DESC, r.rowid DESC`)
}

func (s *Store) selectHistory(ctx context.Context, query string, args ...interface{}) ([]*inventory.HistoryEntry, error) {
	var rows []historyRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select history: %w", err)
	}
	out := make([]*inventory.HistoryEntry, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertUser stores a display name for history resolution.
func (s *Store) UpsertUser(ctx context.Context, id, name string) error {
	return upsertUser(ctx, s.db, id, name)
}

// UpsertAppointment stores appointment details for history resolution.
func (s *Store) UpsertAppointment(ctx context.Context, ref inventory.AppointmentRef) error {
	if err := upsertAppointment(ctx, s.db, ref); err != nil {
		return err
	}
	s.logger.Debug("appointment stored", zap.String("appointment_id", ref.ID))
	return nil
}

func upsertUser(ctx context.Context, db sqlx.ExecerContext, id, name string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO users (id, name) VALUES (?, ?) ON CONFLICT (id) DO UPDATE SET name = excluded.name`, id, name)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// upsertAppointment keeps a stored date when ref carries none.
func upsertAppointment(ctx context.Context, db sqlx.ExecerContext, ref inventory.AppointmentRef) error {
	var date interface{}
	if ref.AppointmentDate != nil {
		date = ref.AppointmentDate.UTC()
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO appointments (id, first_name, last_name, appointment_date) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET first_name = excluded.first_name, last_name = excluded.last_name,
		     appointment_date = COALESCE(excluded.appointment_date, appointments.appointment_date)`,
		ref.ID, ref.PatientFirstName, ref.PatientLastName, date)
	if err != nil {
		return fmt.Errorf("upsert appointment: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

var _ inventory.Store = (*Store)(nil)
