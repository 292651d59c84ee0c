package shared

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates a referenced record is missing or inactive.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates a client-correctable input problem.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidTransition indicates a state change not permitted from the current state.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrDuplicateLineItem indicates the same inventory item referenced twice in one order.
	ErrDuplicateLineItem = errors.New("duplicate line item")
	// ErrConcurrencyConflict indicates the record changed between read and write.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrStorage indicates the store failed to apply a unit of work.
	ErrStorage = errors.New("storage failure")
)

// FieldError describes a single invalid field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError carries field level detail and matches ErrValidation. Cause, when
// set, narrows the error to a more specific sentinel such as ErrDuplicateLineItem.
type ValidationError struct {
	Fields []FieldError
	Cause  error
}

// NewValidationError builds a ValidationError for one field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Message: message}}}
}

// Add appends a field error.
func (e *ValidationError) Add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

// HasErrors reports whether any field failed.
func (e *ValidationError) HasErrors() bool {
	return e != nil && len(e.Fields) > 0
}

func (e *ValidationError) Error() string {
	base := ErrValidation.Error()
	if e != nil && e.Cause != nil {
		base = e.Cause.Error()
	}
	if e == nil || len(e.Fields) == 0 {
		return base
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return base + ": " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrValidation, e.Cause}
	}
	return []error{ErrValidation}
}

// StorageError hides the storage engine detail from callers while keeping it for logs.
type StorageError struct {
	Op    string
	Cause error
}

// NewStorageError wraps cause as a StorageError for op.
func NewStorageError(op string, cause error) *StorageError {
	return &StorageError{Op: op, Cause: cause}
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %s", ErrStorage.Error(), e.Op)
}

// Is lets errors.Is match ErrStorage.
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

func (e *StorageError) Unwrap() error { return e.Cause }

// Error kinds returned to the caller boundary.
const (
	KindValidation        = "validation_error"
	KindInvalidTransition = "invalid_transition"
	KindDuplicateLineItem = "duplicate_line_item"
	KindNotFound          = "not_found"
	KindConcurrency       = "concurrency_conflict"
	KindStorage           = "storage_error"
)

// KindOf classifies err into the taxonomy. Unknown errors are storage errors.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDuplicateLineItem):
		return KindDuplicateLineItem
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConcurrencyConflict):
		return KindConcurrency
	default:
		return KindStorage
	}
}

// FieldErrors extracts field detail when err carries any.
func FieldErrors(err error) []FieldError {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Fields
	}
	return nil
}
