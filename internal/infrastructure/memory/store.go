// Package memory provides an in-process inventory store for tests and demos.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/drfirst/go-dispensary/internal/domain/inventory"
)

// Store keeps lots and records in maps guarded by one mutex. Values are
// copied on the way in and out so callers never share state with the store.
type Store struct {
	mu           sync.RWMutex
	medicines    map[string]*inventory.Medicine
	records      []*inventory.DispenseRecord
	users        map[string]string
	appointments map[string]inventory.AppointmentRef
}

// New creates an empty store.
func New() *Store {
	return &Store{
		medicines:    make(map[string]*inventory.Medicine),
		users:        make(map[string]string),
		appointments: make(map[string]inventory.AppointmentRef),
	}
}

// PutUser registers a display name for an actor id. Dispenses by a named
// caller register the name themselves.
func (s *Store) PutUser(id, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id] = name
}

func (s *Store) ReceiveStock(_ context.Context, m *inventory.Medicine) (*inventory.Medicine, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := m.ExpiryDay()
	for _, existing := range s.medicines {
		if existing.Name == m.Name && existing.ExpiryDay() == day {
			existing.QuantityInStock += m.QuantityInStock
			existing.BoxesInStock += m.BoxesInStock
			existing.UpdatedAt = m.UpdatedAt
			return clone(existing), true, nil
		}
	}

	s.medicines[m.ID] = clone(m)
	return clone(m), false, nil
}

func (s *Store) ListMedicines(_ context.Context) ([]*inventory.Medicine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*inventory.Medicine, 0, len(s.medicines))
	for _, m := range s.medicines {
		out = append(out, clone(m))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ExpiryDate.Before(out[j].ExpiryDate)
	})
	return out, nil
}

func (s *Store) GetMedicine(_ context.Context, id string) (*inventory.Medicine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.medicines[id]
	if !ok {
		return nil, inventory.ErrNotFound
	}
	return clone(m), nil
}

func (s *Store) DeleteMedicine(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.medicines[id]; !ok {
		return inventory.ErrNotFound
	}
	delete(s.medicines, id)
	return nil
}

func (s *Store) ApplyDispense(_ context.Context, records []*inventory.DispenseRecord) ([]*inventory.Medicine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Check the whole set against running totals before touching anything.
	pending := make(map[string]int)
	for _, rec := range records {
		m, ok := s.medicines[rec.MedicineID]
		if !ok {
			return nil, inventory.ErrNotFound
		}
		left := m.QuantityInStock - pending[rec.MedicineID]
		if rec.Quantity > left {
			return nil, &inventory.InsufficientStockError{
				MedicineID: m.ID,
				Name:       m.Name,
				Available:  left,
				Requested:  rec.Quantity,
			}
		}
		pending[rec.MedicineID] += rec.Quantity
	}

	out := make([]*inventory.Medicine, 0, len(records))
	for _, rec := range records {
		m := s.medicines[rec.MedicineID]
		m.QuantityInStock -= rec.Quantity
		m.UpdatedAt = rec.DispensedAt
		rec.MedicineName = m.Name
		if rec.DispensedBy != nil && rec.DispensedByName != "" {
			s.users[*rec.DispensedBy] = rec.DispensedByName
		}
		if rec.Appointment != nil {
			ref := *rec.Appointment
			if ref.AppointmentDate == nil {
				ref.AppointmentDate = s.appointments[ref.ID].AppointmentDate
			}
			s.appointments[ref.ID] = ref
		}

		stored := *rec
		stored.Appointment = nil
		s.records = append(s.records, &stored)
		out = append(out, clone(m))
	}
	return out, nil
}

func (s *Store) History(_ context.Context, medicineID string) ([]*inventory.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*inventory.HistoryEntry
	for _, rec := range s.records {
		if rec.MedicineID == medicineID {
			out = append(out, s.resolve(rec))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DispensedAt.Before(out[j].DispensedAt) })
	return out, nil
}

func (s *Store) AllHistory(_ context.Context) ([]*inventory.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*inventory.HistoryEntry, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, s.resolve(rec))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DispensedAt.After(out[j].DispensedAt) })
	return out, nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) resolve(rec *inventory.DispenseRecord) *inventory.HistoryEntry {
	e := &inventory.HistoryEntry{
		ID:           rec.ID,
		MedicineID:   rec.MedicineID,
		MedicineName: rec.MedicineName,
		Quantity:     rec.Quantity,
		DispensedAt:  rec.DispensedAt,
		Source:       rec.Source,
	}
	if rec.DispensedBy != nil {
		name := rec.DispensedByName
		if name == "" {
			name = s.users[*rec.DispensedBy]
		}
		e.DispensedBy = &inventory.UserRef{ID: *rec.DispensedBy, Name: name}
	}
	if rec.AppointmentID != nil {
		ref, ok := s.appointments[*rec.AppointmentID]
		if !ok {
			ref = inventory.AppointmentRef{ID: *rec.AppointmentID}
		}
		if ref.AppointmentDate != nil {
			d := *ref.AppointmentDate
			ref.AppointmentDate = &d
		}
		e.Appointment = &ref
	}
	return e
}

func clone(m *inventory.Medicine) *inventory.Medicine {
	c := *m
	c.ExpiryDate = m.ExpiryDate.UTC()
	return &c
}

var _ inventory.Store = (*Store)(nil)
