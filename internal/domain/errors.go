package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation      = errors.New("validation failed")
	ErrNotFound        = errors.New("transfer not found")
	ErrExpired         = errors.New("transfer has expired")
	ErrAlreadyConsumed = errors.New("transfer already used")
	ErrCodeTaken       = errors.New("transfer code already in use")
	ErrCapacity        = errors.New("no free transfer code available")
	ErrNotification    = errors.New("read receipt delivery failed")
	ErrUnavailable     = errors.New("storage unavailable")
)

// ValidationError describes which input was rejected and why.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Invalid returns a *ValidationError for field.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
