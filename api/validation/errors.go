package validation

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedBody = errors.New("request body is not a JSON object")
	ErrMissingField  = errors.New("required field is missing")
	ErrInvalidValue  = errors.New("field has an invalid value")
	ErrInvalidImage  = errors.New("image is not a supported image")
	ErrImageTooLarge = errors.New("image exceeds size limit")
)

// FieldError ties a validation failure to the input field that caused it.
type FieldError struct {
	Field  string
	Err    error
	Detail string
}

func (e *FieldError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Field, e.Err, e.Detail)
	}
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

func missing(field string) error {
	return &FieldError{Field: field, Err: ErrMissingField}
}

func invalid(field, detail string) error {
	return &FieldError{Field: field, Err: ErrInvalidValue, Detail: detail}
}
