package store

import (
	"errors"
	"fmt"
)

// StoreError represents a domain error from store operations.
//
// These are data errors (row not found, duplicate key, ambiguous lookup)
// as opposed to infrastructure errors (disk failure, closed database).
// The engine translates StoreError codes to errno values.
type StoreError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Path names the row involved, e.g. "shelf 7" or "xattr 7/user.foo"
	Path string
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.Path != "" {
		return e.Message + ": " + e.Path
	}
	return e.Message
}

// ErrorCode represents the category of a store error.
type ErrorCode int

const (
	// ErrNotFound indicates the requested row doesn't exist
	ErrNotFound ErrorCode = iota

	// ErrAlreadyExists indicates a row with the same key already exists
	ErrAlreadyExists

	// ErrNotUnique indicates a lookup expected to match one row matched several
	ErrNotUnique

	// ErrInvalidArgument indicates invalid parameters were provided
	ErrInvalidArgument

	// ErrCorrupt indicates a stored row could not be decoded
	ErrCorrupt

	// ErrIOError indicates the underlying database failed
	ErrIOError
)

func (c ErrorCode) String() string {
	switch c {
	case ErrNotFound:
		return "not found"
	case ErrAlreadyExists:
		return "already exists"
	case ErrNotUnique:
		return "not unique"
	case ErrInvalidArgument:
		return "invalid argument"
	case ErrCorrupt:
		return "corrupt"
	case ErrIOError:
		return "I/O error"
	default:
		return fmt.Sprintf("ErrorCode(%d)", int(c))
	}
}

// NewNotFoundError builds an ErrNotFound for the named row.
func NewNotFoundError(format string, args ...any) *StoreError {
	return &StoreError{Code: ErrNotFound, Message: "not found", Path: fmt.Sprintf(format, args...)}
}

// NewAlreadyExistsError builds an ErrAlreadyExists for the named row.
func NewAlreadyExistsError(format string, args ...any) *StoreError {
	return &StoreError{Code: ErrAlreadyExists, Message: "already exists", Path: fmt.Sprintf(format, args...)}
}

// NewNotUniqueError builds an ErrNotUnique for the named lookup.
func NewNotUniqueError(format string, args ...any) *StoreError {
	return &StoreError{Code: ErrNotUnique, Message: "multiple rows match", Path: fmt.Sprintf(format, args...)}
}

// NewCorruptError wraps a decode failure of the named row.
func NewCorruptError(err error, format string, args ...any) *StoreError {
	return &StoreError{Code: ErrCorrupt, Message: "corrupt row (" + err.Error() + ")", Path: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the ErrorCode from err. ok is false if err is not a
// StoreError.
func CodeOf(err error) (code ErrorCode, ok bool) {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Code, true
	}
	return 0, false
}

func IsNotFound(err error) bool {
	code, ok := CodeOf(err)
	return ok && code == ErrNotFound
}

func IsAlreadyExists(err error) bool {
	code, ok := CodeOf(err)
	return ok && code == ErrAlreadyExists
}

func IsNotUnique(err error) bool {
	code, ok := CodeOf(err)
	return ok && code == ErrNotUnique
}
