// Package dberror holds the error taxonomy shared by every gojolite layer.
// Callers match with errors.Is; layers add context with fmt.Errorf("%w: ...").
package dberror

import "errors"

// --- Error Definitions ---

var (
	ErrIOFailure         = errors.New("i/o failure")
	ErrCorruptPage       = errors.New("corrupt page")
	ErrLockTimeout       = errors.New("lock timeout")
	ErrDuplicateKey      = errors.New("duplicate key")
	ErrOutOfSpace        = errors.New("out of space")
	ErrReadOnlyViolation = errors.New("database is read-only")
	ErrInvalidAutoID     = errors.New("document id is incompatible with the collection auto-id strategy")
	ErrNotFound          = errors.New("not found")

	ErrInvalidName       = errors.New("invalid name")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrIndexKeyTooLong   = errors.New("index key too long")
	ErrTransactionClosed = errors.New("transaction is closed")
	ErrEngineClosed      = errors.New("engine is closed")
	ErrUnsupported       = errors.New("unsupported")
)
