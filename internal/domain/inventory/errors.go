package inventory

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation marks malformed or incomplete input.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a medicine id does not resolve.
	ErrNotFound = errors.New("medicine not found")

	// ErrInsufficientStock is returned when a deduction exceeds stock on hand.
	ErrInsufficientStock = errors.New("insufficient stock")
)

// ValidationError names the offending fields.
type ValidationError struct {
	Message string
	Fields  []string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Message, strings.Join(e.Fields, ", "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InsufficientStockError carries the shortage details for one medicine.
type InsufficientStockError struct {
	MedicineID string
	Name       string
	Available  int
	Requested  int
}

func (e *InsufficientStockError) Error() string {
	return "Not enough stock for " + e.Name
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// IsClientError reports errors the caller can correct.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrInsufficientStock)
}

// IsNotFound reports a missing medicine.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
