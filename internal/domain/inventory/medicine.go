// Package inventory implements the medicine stock ledger and the dispense engine.
package inventory

import (
	"encoding/json"
	"strings"
	"time"
)

// Source classifies why stock left the shelf.
type Source string

const (
	SourceManual       Source = "manual"
	SourceConsultation Source = "consultation"
)

// SourceFor derives the dispense source from the presence of an appointment reference.
func SourceFor(appointmentID *string) Source {
	if appointmentID != nil && *appointmentID != "" {
		return SourceConsultation
	}
	return SourceManual
}

// Label returns the wording used on printed reports.
func (s Source) Label() string {
	switch s {
	case SourceConsultation:
		return "consultation dispence"
	case SourceManual:
		return "manual dispence"
	default:
		return "Unknown"
	}
}

// Medicine is one stock lot: a medicine name with a single expiry day.
type Medicine struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	GenericName     string    `json:"genericName,omitempty"`
	BrandName       string    `json:"brandName,omitempty"`
	Description     string    `json:"description,omitempty"`
	DosageForm      string    `json:"dosageForm,omitempty"`
	Strength        string    `json:"strength,omitempty"`
	QuantityInStock int       `json:"quantityInStock"`
	BoxesInStock    int       `json:"boxesInStock"`
	CapsulesPerBox  int       `json:"capsulesPerBox"`
	Unit            string    `json:"unit"`
	ExpiryDate      time.Time `json:"expiryDate"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Available reports whether any stock is on hand.
func (m *Medicine) Available() bool { return m.QuantityInStock > 0 }

// MarshalJSON adds the derived available flag.
func (m Medicine) MarshalJSON() ([]byte, error) {
	type plain Medicine
	return json.Marshal(struct {
		plain
		Available bool `json:"available"`
	}{plain(m), m.Available()})
}

// ExpiryDay is the lot key component: the UTC calendar day of the expiry date.
func (m *Medicine) ExpiryDay() string {
	return DayKey(m.ExpiryDate)
}

// DayKey formats t as its UTC calendar day.
func DayKey(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// DayBounds returns the first and last instant of t's UTC calendar day.
func DayBounds(t time.Time) (time.Time, time.Time) {
	u := t.UTC()
	start := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24*time.Hour - time.Nanosecond)
}

// StockIntake is an incoming delivery. Pointer fields distinguish "missing" from zero.
type StockIntake struct {
	Name            string     `json:"name"`
	GenericName     string     `json:"genericName,omitempty"`
	BrandName       string     `json:"brandName,omitempty"`
	Description     string     `json:"description,omitempty"`
	DosageForm      string     `json:"dosageForm,omitempty"`
	Strength        string     `json:"strength,omitempty"`
	QuantityInStock *int       `json:"quantityInStock"`
	BoxesInStock    int        `json:"boxesInStock,omitempty"`
	CapsulesPerBox  int        `json:"capsulesPerBox,omitempty"`
	Unit            string     `json:"unit"`
	ExpiryDate      *time.Time `json:"expiryDate"`
}

// Validate checks the required intake fields.
func (in *StockIntake) Validate() error {
	var missing []string
	if strings.TrimSpace(in.Name) == "" {
		missing = append(missing, "name")
	}
	if in.QuantityInStock == nil {
		missing = append(missing, "quantityInStock")
	}
	if strings.TrimSpace(in.Unit) == "" {
		missing = append(missing, "unit")
	}
	if in.ExpiryDate == nil || in.ExpiryDate.IsZero() {
		missing = append(missing, "expiryDate")
	}
	if len(missing) > 0 {
		return &ValidationError{Message: "missing required fields", Fields: missing}
	}
	if *in.QuantityInStock < 0 {
		return &ValidationError{Message: "quantityInStock must not be negative", Fields: []string{"quantityInStock"}}
	}
	if in.BoxesInStock < 0 || in.CapsulesPerBox < 0 {
		return &ValidationError{Message: "box counts must not be negative", Fields: []string{"boxesInStock", "capsulesPerBox"}}
	}
	return nil
}

// Actor identifies who performed a dispense. A nil *Actor means the caller was not attributed.
type Actor struct {
	UserID string
	Role   string
	Name   string
}

// DispenseRecord is one immutable audit entry. The medicine and dispenser
// names are snapshots taken when the record is written.
type DispenseRecord struct {
	ID              string    `json:"id"`
	MedicineID      string    `json:"medicineId"`
	MedicineName    string    `json:"medicineName"`
	Quantity        int       `json:"quantity"`
	DispensedAt     time.Time `json:"dispensedAt"`
	DispensedBy     *string   `json:"dispensedBy"`
	DispensedByName string    `json:"dispensedByName,omitempty"`
	AppointmentID   *string   `json:"appointmentId"`
	Source          Source    `json:"source"`

	// Appointment carries patient details supplied with the dispense. Stores
	// save them alongside the record so history can resolve the appointment.
	Appointment *AppointmentRef `json:"-"`
}

// UserRef is the display projection of the acting user.
type UserRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// AppointmentRef is the display projection of the triggering appointment.
type AppointmentRef struct {
	ID               string     `json:"id"`
	PatientFirstName string     `json:"firstName,omitempty"`
	PatientLastName  string     `json:"lastName,omitempty"`
	AppointmentDate  *time.Time `json:"appointmentDate,omitempty"`
}

// Empty reports whether no patient details are set.
func (a *AppointmentRef) Empty() bool {
	return a == nil || (strings.TrimSpace(a.PatientFirstName) == "" && strings.TrimSpace(a.PatientLastName) == "" && a.AppointmentDate == nil)
}

// PatientName joins the patient's first and last name.
func (a *AppointmentRef) PatientName() string {
	return strings.TrimSpace(a.PatientFirstName + " " + a.PatientLastName)
}

// HistoryEntry is a dispense record with its references resolved.
type HistoryEntry struct {
	ID           string          `json:"id"`
	MedicineID   string          `json:"medicineId"`
	MedicineName string          `json:"medicineName"`
	Quantity     int             `json:"quantity"`
	DispensedAt  time.Time       `json:"dispensedAt"`
	Source       Source          `json:"source"`
	DispensedBy  *UserRef        `json:"dispensedBy"`
	Appointment  *AppointmentRef `json:"appointmentId"`
}
