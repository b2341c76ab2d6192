package pricing

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRetailPrice is returned when the stored retail price is missing, non-finite or not positive.
	ErrInvalidRetailPrice = errors.New("invalid retail price")
	// ErrMissingWeight is returned when a pound-priced product has no usable weight bound.
	ErrMissingWeight = errors.New("missing weight")
	// ErrUnknownUnitOfMeasure is returned for units other than lbs and each.
	ErrUnknownUnitOfMeasure = errors.New("unknown unit of measure")
	// ErrInvalidMarkup is returned when a markup fraction would divide by zero.
	ErrInvalidMarkup = errors.New("invalid markup")
	// ErrConfiguration is returned when a pricing ratio is not a finite number.
	ErrConfiguration = errors.New("invalid pricing configuration")
)

// ValidationError carries the product and field that failed validation.
type ValidationError struct {
	Err       error
	ProductID int64
	Field     string
	Value     any
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	if e.ProductID != 0 {
		return fmt.Sprintf("pricing: product %d: %s: %v (%v)", e.ProductID, e.Field, e.Err, e.Value)
	}
	return fmt.Sprintf("pricing: %s: %v (%v)", e.Field, e.Err, e.Value)
}

// Unwrap allows errors.Is to match the sentinel kinds.
func (e *ValidationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsValidation reports whether err is a pricing validation failure.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// ForProduct stamps productID on a validation error that does not name a
// product yet. Other errors are returned unchanged.
func ForProduct(err error, productID int64) error {
	var target *ValidationError
	if !errors.As(err, &target) || target.ProductID != 0 {
		return err
	}
	stamped := *target
	stamped.ProductID = productID
	return &stamped
}

func invalid(kind error, productID int64, field string, value any) *ValidationError {
	return &ValidationError{Err: kind, ProductID: productID, Field: field, Value: value}
}
