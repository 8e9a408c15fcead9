package config

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig indicates a value that parsed but fails validation.
	// The host process exits with code 2 on this error.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrMissingCredentials indicates required secrets are absent at
	// startup. The host process exits with code 1 on this error.
	ErrMissingCredentials = errors.New("missing credentials")
)

// FieldError wraps a validation failure with the offending field name.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("config field %q: %s", e.Field, e.Message)
}

// Unwrap lets errors.Is(err, ErrInvalidConfig) match field errors.
func (e *FieldError) Unwrap() error { return ErrInvalidConfig }

func newFieldError(field, message string) error {
	return &FieldError{Field: field, Message: message}
}
