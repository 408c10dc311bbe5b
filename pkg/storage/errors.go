package storage

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Kind classifies a storage failure the way callers are expected to branch
// on it: does this retry, does this mean the row really isn't there, or is
// the data on disk not what the caller expects.
type Kind int

const (
	// KindBackend covers any database error not otherwise classified.
	KindBackend Kind = iota
	// KindNotFound means a required row is absent.
	KindNotFound
	// KindPersistenceViolation means an insert/update affected an
	// unexpected number of rows; the enclosing transaction is rolled back.
	KindPersistenceViolation
	// KindSerialization means a stored JSON blob could not be decoded into
	// the expected domain type.
	KindSerialization
	// KindConnection means a connection could not be acquired or
	// established.
	KindConnection
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindPersistenceViolation:
		return "persistence_violation"
	case KindSerialization:
		return "serialization"
	case KindConnection:
		return "connection"
	default:
		return "backend"
	}
}

// Error is the structured failure every public operation returns in place
// of a bare driver error.
type Error struct {
	Kind Kind
	Op   string // the operation that failed, e.g. "load_commit_op"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("storage: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("storage: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, &Error{Kind: KindNotFound}) match by kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func newErr(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func notFound(op string, err error) *Error           { return newErr(KindNotFound, op, err) }
func persistenceViolation(op string, err error) *Error { return newErr(KindPersistenceViolation, op, err) }
func serializationErr(op string, err error) *Error    { return newErr(KindSerialization, op, err) }
func connectionErr(op string, err error) *Error       { return newErr(KindConnection, op, err) }
func backendErr(op string, err error) *Error          { return newErr(KindBackend, op, err) }

// IsNotFound reports whether err is (or wraps) a KindNotFound storage error.
func IsNotFound(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindNotFound
}

// classify turns a raw pgx/driver error into a storage.Error, preferring
// pgx.ErrNoRows -> NotFound and falling back to Backend.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(op, err)
	}
	return backendErr(op, err)
}
