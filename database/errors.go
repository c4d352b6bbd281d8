package database

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"open-mer/errs"
)

// uniqueViolation is the Postgres SQLSTATE for a unique constraint violation
const uniqueViolation = "23505"

var (
	// ErrDuplicate is returned when an insert hits a unique constraint
	ErrDuplicate = errors.New("duplicate row")
	// ErrDepthExists is returned when a segment is saved at an occupied depth without overwrite
	ErrDepthExists = errors.New("segment already exists at depth")
)

// DBError represents a database operation error with context
type DBError struct {
	Operation string
	Err       error
}

// Error implements the error interface
func (e *DBError) Error() string {
	return fmt.Sprintf("database error in %s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error
func (e *DBError) Unwrap() error {
	return e.Err
}

// NotFoundError represents a resource not found error
type NotFoundError struct {
	Resource string
	ID       interface{}
}

// Error implements the error interface
func (e *NotFoundError) Error() string {
	if e.ID != nil {
		return fmt.Sprintf("%s not found: %v", e.Resource, e.ID)
	}
	return fmt.Sprintf("%s not found", e.Resource)
}

// ValidationError represents a validation error
type ValidationError struct {
	Field  string
	Reason string
	Value  interface{}
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("validation failed for field '%s': %s (value: %v)", e.Field, e.Reason, e.Value)
	}
	return fmt.Sprintf("validation failed for field '%s': %s", e.Field, e.Reason)
}

// WrapDBError wraps a database error with operation context.
// Unique violations are normalized to ErrDuplicate.
func WrapDBError(operation string, err error) error {
	if err == nil {
		return nil
	}
	if IsUniqueViolation(err) && !errors.Is(err, ErrDuplicate) {
		err = fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return &DBError{
		Operation: operation,
		Err:       err,
	}
}

// IsUniqueViolation reports whether err comes from a unique constraint
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDuplicate) || errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// IsNotFound reports whether err is a NotFoundError or gorm's record-not-found
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf) || errors.Is(err, gorm.ErrRecordNotFound)
}

// AsStoreError classifies a store failure for the worker error policy
func AsStoreError(err error, component, operation string) error {
	if err == nil {
		return nil
	}
	return errs.Store(err, component, operation, "store operation failed")
}

// NewNotFoundError creates a new NotFoundError
func NewNotFoundError(resource string) error {
	return &NotFoundError{
		Resource: resource,
	}
}

// NewNotFoundErrorWithID creates a new NotFoundError with an ID
func NewNotFoundErrorWithID(resource string, id interface{}) error {
	return &NotFoundError{
		Resource: resource,
		ID:       id,
	}
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, reason string) error {
	return &ValidationError{
		Field:  field,
		Reason: reason,
	}
}

// NewValidationErrorWithValue creates a new ValidationError with a value
func NewValidationErrorWithValue(field, reason string, value interface{}) error {
	return &ValidationError{
		Field:  field,
		Reason: reason,
		Value:  value,
	}
}
