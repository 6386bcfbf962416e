package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for validation failures.
var (
	ErrEmptyQuery      = errors.New("query is empty")
	ErrInvalidLimit    = errors.New("limit must not be negative")
	ErrInvalidField    = errors.New("unknown vector field")
	ErrImageUnreadable = errors.New("image is missing or unreadable")
	ErrInvalidPayload  = errors.New("invalid payload")
	ErrDimension       = errors.New("vector dimension mismatch")
)

// ValidationError wraps a sentinel with context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

// EmbeddingError reports a model or input failure. Index is the position of
// the failing item inside a batch, or -1 when the whole call failed.
type EmbeddingError struct {
	Modality string
	Index    int
	Err      error
}

func (e *EmbeddingError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("embedding: %s: %v", e.Modality, e.Err)
	}
	return fmt.Sprintf("embedding: %s [%d]: %v", e.Modality, e.Index, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// ProcessingError reports a PDF that could not be opened, parsed or rendered.
type ProcessingError struct {
	Path string
	Op   string
	Err  error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("processing: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// IndexUnavailableError reports that the vector store could not be reached.
type IndexUnavailableError struct {
	Op  string
	Err error
}

func (e *IndexUnavailableError) Error() string {
	return fmt.Sprintf("index unavailable: %s: %v", e.Op, e.Err)
}

func (e *IndexUnavailableError) Unwrap() error { return e.Err }

// CollectionStateError reports an operation the collection is not ready for.
type CollectionStateError struct {
	Collection string
	Op         string
	Reason     string
}

func (e *CollectionStateError) Error() string {
	return fmt.Sprintf("collection %s: %s: %s", e.Collection, e.Op, e.Reason)
}

// IsUnavailable reports whether err is, or wraps, an IndexUnavailableError.
func IsUnavailable(err error) bool {
	var u *IndexUnavailableError
	return errors.As(err, &u)
}
