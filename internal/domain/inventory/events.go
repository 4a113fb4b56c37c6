package inventory

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of inventory event
type EventType string

const (
	EventStockReceived     EventType = "StockReceived"
	EventMedicineDispensed EventType = "MedicineDispensed"
	EventMedicineDeleted   EventType = "MedicineDeleted"
)

// AggregateType is the outbox aggregate name for medicine lots.
const AggregateType = "Medicine"

// Event represents an inventory event
type Event struct {
	ID          string          `json:"id"`
	AggregateID string          `json:"aggregate_id"`
	EventType   EventType       `json:"event_type"`
	EventData   json.RawMessage `json:"event_data"`
	Timestamp   time.Time       `json:"timestamp"`
}

// NewEvent creates a new event
func NewEvent(medicineID string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:          uuid.New().String(),
		AggregateID: medicineID,
		EventType:   eventType,
		EventData:   eventData,
		Timestamp:   time.Now().UTC(),
	}, nil
}

// StockReceivedData describes an intake.
type StockReceivedData struct {
	MedicineID      string    `json:"medicine_id"`
	Name            string    `json:"name"`
	Received        int       `json:"received"`
	QuantityInStock int       `json:"quantity_in_stock"`
	ExpiryDay       string    `json:"expiry_day"`
	Merged          bool      `json:"merged"`
	ReceivedAt      time.Time `json:"received_at"`
}

// MedicineDispensedData describes a completed deduction.
type MedicineDispensedData struct {
	RecordID      string    `json:"record_id"`
	MedicineID    string    `json:"medicine_id"`
	Name          string    `json:"name"`
	Quantity      int       `json:"quantity"`
	Remaining     int       `json:"remaining"`
	Source        Source    `json:"source"`
	AppointmentID *string   `json:"appointment_id,omitempty"`
	DispensedBy   *string   `json:"dispensed_by,omitempty"`
	DispensedAt   time.Time `json:"dispensed_at"`
}

// MedicineDeletedData describes an administrative removal.
type MedicineDeletedData struct {
	MedicineID string    `json:"medicine_id"`
	Name       string    `json:"name"`
	DeletedAt  time.Time `json:"deleted_at"`
}

// DispensedEvent builds the event for one applied record.
func DispensedEvent(rec *DispenseRecord, remaining int) (*Event, error) {
	return NewEvent(rec.MedicineID, EventMedicineDispensed, &MedicineDispensedData{
		RecordID:      rec.ID,
		MedicineID:    rec.MedicineID,
		Name:          rec.MedicineName,
		Quantity:      rec.Quantity,
		Remaining:     remaining,
		Source:        rec.Source,
		AppointmentID: rec.AppointmentID,
		DispensedBy:   rec.DispensedBy,
		DispensedAt:   rec.DispensedAt,
	})
}
