package inventory

import (
	"bytes"
	"math"
	"strconv"
	"strings"
)

// Quantity is an amount as sent by the caller. Consultation screens post
// numbers or numeric strings, so parsing is lenient and deferred.
type Quantity struct {
	Raw string
	// text is set when the value arrived as a JSON string.
	text bool
}

// Qty wraps an integer amount.
func Qty(n int) Quantity { return Quantity{Raw: strconv.Itoa(n)} }

// UnmarshalJSON accepts a JSON number or string.
func (q *Quantity) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*q = Quantity{}
		return nil
	}
	if s, err := strconv.Unquote(string(b)); err == nil {
		*q = Quantity{Raw: s, text: true}
		return nil
	}
	*q = Quantity{Raw: string(b)}
	return nil
}

// MarshalJSON writes the raw value back as a string.
func (q Quantity) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(q.Raw)), nil
}

// Int reads the amount. Numbers are truncated toward zero. Strings yield
// their leading integer, so "12 tabs" is 12 and "1e3" is 1. ok is false
// when no integer can be read.
func (q Quantity) Int() (int, bool) {
	s := strings.TrimSpace(q.Raw)
	if s == "" {
		return 0, false
	}
	if !q.text {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > math.MaxInt32 {
			return 0, false
		}
		return int(f), true
	}
	return leadingInt(s)
}

func leadingInt(s string) (int, bool) {
	start := 0
	if s[0] == '-' || s[0] == '+' {
		start = 1
	}
	end := start
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == start {
		return 0, false
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil || n > math.MaxInt32 || n < -math.MaxInt32 {
		return 0, false
	}
	return n, true
}

// BatchItem is one prescribed line of a consultation.
type BatchItem struct {
	MedicineID    string          `json:"medicineId"`
	Quantity      Quantity        `json:"quantity"`
	AppointmentID *string         `json:"appointmentId,omitempty"`
	Appointment   *AppointmentRef `json:"appointment,omitempty"`
}

// SkipReason explains why a batch line was not applied.
type SkipReason string

const (
	SkipUnknownMedicine SkipReason = "medicine_not_found"
	SkipInvalidQuantity SkipReason = "invalid_quantity"
)

// SkippedItem reports a batch line that was ignored.
type SkippedItem struct {
	Index      int        `json:"index"`
	MedicineID string     `json:"medicineId"`
	Reason     SkipReason `json:"reason"`
}

// AppliedItem reports a batch line that was deducted.
type AppliedItem struct {
	Index      int    `json:"index"`
	MedicineID string `json:"medicineId"`
	Name       string `json:"name"`
	Quantity   int    `json:"quantity"`
	Remaining  int    `json:"remaining"`
}

// BatchResult summarises a batch dispense.
type BatchResult struct {
	Applied []AppliedItem `json:"applied"`
	Skipped []SkippedItem `json:"skipped"`
}

// BatchOptions controls batch semantics.
type BatchOptions struct {
	// Atomic applies every line in one transaction; a shortage on any line
	// leaves all stock untouched.
	Atomic bool
}
