package inventory

import "context"

// Store persists medicine lots and their dispense records.
//
// Implementations must apply every record passed to ApplyDispense in a single
// transaction using a conditional decrement, so stock never goes negative and
// either all records are written or none are.
type Store interface {
	// ReceiveStock merges the intake into the lot with the same name and expiry
	// day, creating it when absent. merged reports which happened.
	ReceiveStock(ctx context.Context, m *Medicine) (result *Medicine, merged bool, err error)

	// ListMedicines returns all lots ordered by name, then expiry.
	ListMedicines(ctx context.Context) ([]*Medicine, error)

	// GetMedicine returns ErrNotFound when the id does not resolve.
	GetMedicine(ctx context.Context, id string) (*Medicine, error)

	// DeleteMedicine removes the lot. Its dispense records are kept.
	DeleteMedicine(ctx context.Context, id string) error

	// ApplyDispense deducts each record's quantity from its medicine and appends
	// the records. It returns the medicines after the deduction, one per record.
	ApplyDispense(ctx context.Context, records []*DispenseRecord) ([]*Medicine, error)

	// History returns one medicine's records in chronological order.
	History(ctx context.Context, medicineID string) ([]*HistoryEntry, error)

	// AllHistory returns every record, newest first.
	AllHistory(ctx context.Context) ([]*HistoryEntry, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error
}
