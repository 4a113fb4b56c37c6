package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Recorder receives business metrics from the service.
type Recorder interface {
	StockReceived(merged bool, quantity int)
	Dispensed(source Source, quantity int)
	DispenseRejected(reason string)
}

type nopRecorder struct{}

func (nopRecorder) StockReceived(bool, int) {}
func (nopRecorder) Dispensed(Source, int)   {}
func (nopRecorder) DispenseRejected(string) {}

// Listener receives dispense events in process. Stores that keep an outbox
// deliver events themselves; the listener serves the embedded stores.
type Listener func(ctx context.Context, event *Event)

// DispenseRequest is a single manual or consultation dispense.
type DispenseRequest struct {
	MedicineID    string
	Quantity      int
	AppointmentID *string
	// Appointment optionally names the patient and date of AppointmentID.
	Appointment *AppointmentRef
}

// Service is the stock ledger and dispense engine.
type Service struct {
	store    Store
	recorder Recorder
	listener Listener
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewService creates a new service. recorder and logger may be nil.
func NewService(store Store, recorder Recorder, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Service{
		store:    store,
		recorder: recorder,
		logger:   logger,
		tracer:   otel.Tracer("inventory"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithListener sends every applied dispense to l after it commits.
func (s *Service) WithListener(l Listener) *Service {
	s.listener = l
	return s
}

func (s *Service) emit(ctx context.Context, rec *DispenseRecord, remaining int) {
	if s.listener == nil {
		return
	}
	event, err := DispensedEvent(rec, remaining)
	if err != nil {
		s.logger.Error("build dispensed event", zap.String("record_id", rec.ID), zap.Error(err))
		return
	}
	s.listener(ctx, event)
}

// Intake records a delivery, merging it into an existing lot with the same
// name and expiry day.
func (s *Service) Intake(ctx context.Context, in *StockIntake) (*Medicine, bool, error) {
	ctx, span := s.tracer.Start(ctx, "inventory.intake")
	defer span.End()

	if err := in.Validate(); err != nil {
		return nil, false, err
	}

	now := s.now()
	m := &Medicine{
		ID:              uuid.New().String(),
		Name:            in.Name,
		GenericName:     in.GenericName,
		BrandName:       in.BrandName,
		Description:     in.Description,
		DosageForm:      in.DosageForm,
		Strength:        in.Strength,
		QuantityInStock: *in.QuantityInStock,
		BoxesInStock:    in.BoxesInStock,
		CapsulesPerBox:  in.CapsulesPerBox,
		Unit:            in.Unit,
		ExpiryDate:      in.ExpiryDate.UTC(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	result, merged, err := s.store.ReceiveStock(ctx, m)
	if err != nil {
		span.RecordError(err)
		return nil, false, fmt.Errorf("receive stock: %w", err)
	}

	span.SetAttributes(
		attribute.String("medicine_id", result.ID),
		attribute.Bool("merged", merged),
	)
	s.recorder.StockReceived(merged, m.QuantityInStock)
	s.logger.Info("stock received",
		zap.String("medicine_id", result.ID),
		zap.String("name", result.Name),
		zap.String("expiry_day", result.ExpiryDay()),
		zap.Int("received", m.QuantityInStock),
		zap.Int("quantity_in_stock", result.QuantityInStock),
		zap.Bool("merged", merged))

	return result, merged, nil
}

// List returns every lot ordered by name, then expiry.
func (s *Service) List(ctx context.Context) ([]*Medicine, error) {
	meds, err := s.store.ListMedicines(ctx)
	if err != nil {
		return nil, fmt.Errorf("list medicines: %w", err)
	}
	return meds, nil
}

// Get returns one lot.
func (s *Service) Get(ctx context.Context, id string) (*Medicine, error) {
	return s.store.GetMedicine(ctx, id)
}

// Delete removes a lot. Its dispense records remain in the history.
func (s *Service) Delete(ctx context.Context, id string) error {
	ctx, span := s.tracer.Start(ctx, "inventory.delete",
		trace.WithAttributes(attribute.String("medicine_id", id)))
	defer span.End()

	if err := s.store.DeleteMedicine(ctx, id); err != nil {
		if !IsNotFound(err) {
			span.RecordError(err)
		}
		return err
	}
	s.logger.Info("medicine deleted", zap.String("medicine_id", id))
	return nil
}

// Dispense deducts stock for one medicine. There is no partial dispense: a
// shortage leaves stock untouched.
func (s *Service) Dispense(ctx context.Context, req DispenseRequest, actor *Actor) (*Medicine, error) {
	ctx, span := s.tracer.Start(ctx, "inventory.dispense",
		trace.WithAttributes(
			attribute.String("medicine_id", req.MedicineID),
			attribute.Int("quantity", req.Quantity),
		))
	defer span.End()

	if req.Quantity <= 0 {
		s.recorder.DispenseRejected("invalid_quantity")
		return nil, &ValidationError{Message: "quantity must be a positive integer", Fields: []string{"quantity"}}
	}

	rec := s.newRecord(req.MedicineID, req.Quantity, req.AppointmentID, req.Appointment, SourceFor(req.AppointmentID), actor)
	meds, err := s.store.ApplyDispense(ctx, []*DispenseRecord{rec})
	if err != nil {
		s.reject(err)
		if !IsClientError(err) && !IsNotFound(err) {
			span.RecordError(err)
		}
		return nil, err
	}

	s.recorder.Dispensed(rec.Source, rec.Quantity)
	s.emit(ctx, rec, meds[0].QuantityInStock)
	s.logger.Info("medicine dispensed",
		zap.String("medicine_id", rec.MedicineID),
		zap.String("record_id", rec.ID),
		zap.Int("quantity", rec.Quantity),
		zap.Int("remaining", meds[0].QuantityInStock),
		zap.String("source", string(rec.Source)),
		zap.Stringp("dispensed_by", rec.DispensedBy),
		zap.String("role", actorRole(actor)))

	return meds[0], nil
}

// DispenseBatch applies the prescribed lines of a consultation in order.
//
// Lines naming an unknown medicine are skipped silently and lines with a
// non-positive or unreadable quantity are skipped with a warning. A shortage
// stops the batch with an *InsufficientStockError. Without opts.Atomic, lines
// applied before the shortage stay applied.
func (s *Service) DispenseBatch(ctx context.Context, items []BatchItem, actor *Actor, opts BatchOptions) (*BatchResult, error) {
	ctx, span := s.tracer.Start(ctx, "inventory.dispense_batch",
		trace.WithAttributes(
			attribute.Int("items", len(items)),
			attribute.Bool("atomic", opts.Atomic),
		))
	defer span.End()

	if opts.Atomic {
		return s.dispenseAtomic(ctx, items, actor)
	}

	result := &BatchResult{Applied: []AppliedItem{}, Skipped: []SkippedItem{}}
	for i, item := range items {
		qty, ok := s.batchQuantity(i, item, result)
		if !ok {
			continue
		}

		rec := s.newRecord(item.MedicineID, qty, item.AppointmentID, item.Appointment, SourceConsultation, actor)
		meds, err := s.store.ApplyDispense(ctx, []*DispenseRecord{rec})
		switch {
		case err == nil:
			s.recorder.Dispensed(rec.Source, qty)
			s.emit(ctx, rec, meds[0].QuantityInStock)
			result.Applied = append(result.Applied, AppliedItem{
				Index:      i,
				MedicineID: rec.MedicineID,
				Name:       meds[0].Name,
				Quantity:   qty,
				Remaining:  meds[0].QuantityInStock,
			})
		case IsNotFound(err):
			result.Skipped = append(result.Skipped, SkippedItem{Index: i, MedicineID: item.MedicineID, Reason: SkipUnknownMedicine})
		default:
			s.reject(err)
			s.logger.Warn("batch dispense stopped",
				zap.Int("index", i),
				zap.String("medicine_id", item.MedicineID),
				zap.Int("applied", len(result.Applied)),
				zap.Error(err))
			return result, err
		}
	}

	s.logger.Info("batch dispensed",
		zap.Int("applied", len(result.Applied)),
		zap.Int("skipped", len(result.Skipped)),
		zap.Stringp("dispensed_by", actorID(actor)))
	return result, nil
}

func (s *Service) dispenseAtomic(ctx context.Context, items []BatchItem, actor *Actor) (*BatchResult, error) {
	result := &BatchResult{Applied: []AppliedItem{}, Skipped: []SkippedItem{}}

	var (
		records []*DispenseRecord
		indexes []int
	)
	for i, item := range items {
		qty, ok := s.batchQuantity(i, item, result)
		if !ok {
			continue
		}
		if _, err := s.store.GetMedicine(ctx, item.MedicineID); err != nil {
			if IsNotFound(err) {
				result.Skipped = append(result.Skipped, SkippedItem{Index: i, MedicineID: item.MedicineID, Reason: SkipUnknownMedicine})
				continue
			}
			return nil, fmt.Errorf("resolve medicine %s: %w", item.MedicineID, err)
		}
		records = append(records, s.newRecord(item.MedicineID, qty, item.AppointmentID, item.Appointment, SourceConsultation, actor))
		indexes = append(indexes, i)
	}

	if len(records) == 0 {
		return result, nil
	}

	meds, err := s.store.ApplyDispense(ctx, records)
	if err != nil {
		s.reject(err)
		s.logger.Warn("atomic batch dispense rolled back",
			zap.Int("lines", len(records)),
			zap.Error(err))
		return nil, err
	}

	for j, rec := range records {
		s.recorder.Dispensed(rec.Source, rec.Quantity)
		s.emit(ctx, rec, meds[j].QuantityInStock)
		result.Applied = append(result.Applied, AppliedItem{
			Index:      indexes[j],
			MedicineID: rec.MedicineID,
			Name:       meds[j].Name,
			Quantity:   rec.Quantity,
			Remaining:  meds[j].QuantityInStock,
		})
	}

	s.logger.Info("batch dispensed",
		zap.Bool("atomic", true),
		zap.Int("applied", len(result.Applied)),
		zap.Int("skipped", len(result.Skipped)),
		zap.Stringp("dispensed_by", actorID(actor)))
	return result, nil
}

func (s *Service) batchQuantity(i int, item BatchItem, result *BatchResult) (int, bool) {
	qty, ok := item.Quantity.Int()
	if !ok || qty <= 0 {
		s.logger.Warn("skipping batch line with invalid quantity",
			zap.Int("index", i),
			zap.String("medicine_id", item.MedicineID),
			zap.String("quantity", item.Quantity.Raw))
		result.Skipped = append(result.Skipped, SkippedItem{Index: i, MedicineID: item.MedicineID, Reason: SkipInvalidQuantity})
		return 0, false
	}
	return qty, true
}

// History returns the chronological records of one medicine.
func (s *Service) History(ctx context.Context, medicineID string) ([]*HistoryEntry, error) {
	if _, err := s.store.GetMedicine(ctx, medicineID); err != nil {
		return nil, err
	}
	entries, err := s.store.History(ctx, medicineID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return entries, nil
}

// AllHistory returns every record across all medicines, newest first.
func (s *Service) AllHistory(ctx context.Context) ([]*HistoryEntry, error) {
	entries, err := s.store.AllHistory(ctx)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return entries, nil
}

// Ping checks the backing store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) newRecord(medicineID string, qty int, appointmentID *string, details *AppointmentRef, source Source, actor *Actor) *DispenseRecord {
	if appointmentID != nil && *appointmentID == "" {
		appointmentID = nil
	}
	rec := &DispenseRecord{
		ID:            uuid.New().String(),
		MedicineID:    medicineID,
		Quantity:      qty,
		DispensedAt:   s.now(),
		DispensedBy:   actorID(actor),
		AppointmentID: appointmentID,
		Source:        source,
	}
	if rec.DispensedBy != nil {
		rec.DispensedByName = strings.TrimSpace(actor.Name)
	}
	if appointmentID != nil && !details.Empty() {
		ref := *details
		ref.ID = *appointmentID
		ref.PatientFirstName = strings.TrimSpace(ref.PatientFirstName)
		ref.PatientLastName = strings.TrimSpace(ref.PatientLastName)
		if ref.AppointmentDate != nil {
			d := ref.AppointmentDate.UTC()
			ref.AppointmentDate = &d
		}
		rec.Appointment = &ref
	}
	return rec
}

func (s *Service) reject(err error) {
	var shortage *InsufficientStockError
	switch {
	case errors.As(err, &shortage):
		s.recorder.DispenseRejected("insufficient_stock")
	case IsNotFound(err):
		s.recorder.DispenseRejected("not_found")
	default:
		s.recorder.DispenseRejected("error")
	}
}

func actorRole(a *Actor) string {
	if a == nil {
		return ""
	}
	return a.Role
}

func actorID(a *Actor) *string {
	if a == nil || a.UserID == "" {
		return nil
	}
	id := a.UserID
	return &id
}
