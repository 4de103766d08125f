// Package domain defines the shared vocabulary, types, and errors for the
// cohort computation engine.
package domain

import "fmt"

// ValidationError indicates an invalid cohort or phenotype definition.
// These are raised at construction or stage-building time, before any
// source data is touched.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// NotFoundError indicates a missing resource, e.g. a required domain table
// absent from the supplied table set or an unknown column.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// DecodeError indicates a serialization failure: an unknown class_name tag
// or a missing required field during document decoding.
type DecodeError struct {
	Type    string // the class_name (or Go type) being decoded
	Field   string // offending field, empty when the whole type is unknown
	Message string
}

func (e *DecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("decode %s: field %q: %s", e.Type, e.Field, e.Message)
	}
	return fmt.Sprintf("decode %s: %s", e.Type, e.Message)
}

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ErrNotFound creates a NotFoundError with a formatted message.
func ErrNotFound(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// ErrDecode creates a DecodeError for the given type and field.
func ErrDecode(typeName, field, format string, args ...interface{}) *DecodeError {
	return &DecodeError{Type: typeName, Field: field, Message: fmt.Sprintf(format, args...)}
}
