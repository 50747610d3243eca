package booking

import (
	"errors"
	"fmt"
)

// Errors returned by the booking engine. Callers match them with errors.Is.
var (
	ErrMissingField      = errors.New("required field is missing")
	ErrInvalidField      = errors.New("invalid field value")
	ErrSlotTaken         = errors.New("the selected time is already taken")
	ErrSlotUnavailable   = errors.New("the doctor does not offer that time on that date")
	ErrDuplicateBooking  = errors.New("an appointment already exists for that doctor, date, and time")
	ErrRecordNotFound    = errors.New("record not found")
	ErrForbidden         = errors.New("operation not allowed for this caller")
	ErrInvalidTransition = errors.New("invalid appointment status transition")
)

// FieldError ties a validation failure to the offending input field.
type FieldError struct {
	Field  string
	Err    error
	Detail string
}

func (e *FieldError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %v: %s", e.Field, e.Err, e.Detail)
	}
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

func missing(field string) error {
	return &FieldError{Field: field, Err: ErrMissingField}
}

func invalid(field string, cause error) error {
	fe := &FieldError{Field: field, Err: ErrInvalidField}
	if cause != nil {
		fe.Detail = cause.Error()
	}
	return fe
}
