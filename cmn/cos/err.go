// Package cos: error taxonomy (spec.md §7) shared across components.
package cos

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

type (
	// ErrNotFound is returned when a directory, cache, or record lookup
	// finds nothing -- a transient, retriable condition, never fatal.
	ErrNotFound struct {
		what string
	}
	// ErrAlreadyRegistered is the consistency-class error returned by
	// addNewObject when another server already owns the OID (spec.md §4.2).
	ErrAlreadyRegistered struct {
		oid string
	}
	// ErrUnknownMigration is returned when a migration ack or handoff
	// message arrives referencing an object this server never shipped out,
	// or never claimed.
	ErrUnknownMigration struct {
		oid string
	}
	// ErrTimedOut covers SST RTO exhaustion, migration handoff timeout,
	// and OSeg lookup timeout (spec.md §5 "Timeouts").
	ErrTimedOut struct {
		op string
	}
	// ErrDirectoryUnreachable marks the backing store as unreachable for a
	// directory operation; callers fall back to cache where permitted. The
	// wrapped error carries a stack trace from the point of failure
	// (github.com/pkg/errors.Wrap), useful once this surfaces in logs far
	// from where the backing store call actually failed.
	ErrDirectoryUnreachable struct {
		wrapped error
	}
	// ErrInvalidCredential is returned by session admission (spec.md §4.7)
	// when the object's credential token fails validation or names a
	// different object than the one being connected.
	ErrInvalidCredential struct {
		reason string
	}
	// Errs aggregates up to a small bounded number of distinct errors,
	// e.g. accumulated per-field apply failures within one Loc update.
	Errs struct {
		mu   sync.Mutex
		errs []error
	}
)

func NewErrNotFound(format string, a ...any) *ErrNotFound {
	return &ErrNotFound{fmt.Sprintf(format, a...)}
}
func (e *ErrNotFound) Error() string { return e.what + " not found" }

func IsErrNotFound(err error) bool { _, ok := err.(*ErrNotFound); return ok }

func NewErrAlreadyRegistered(oid string) *ErrAlreadyRegistered {
	return &ErrAlreadyRegistered{oid}
}
func (e *ErrAlreadyRegistered) Error() string { return "object " + e.oid + " already registered" }

func IsErrAlreadyRegistered(err error) bool { _, ok := err.(*ErrAlreadyRegistered); return ok }

func NewErrUnknownMigration(oid string) *ErrUnknownMigration { return &ErrUnknownMigration{oid} }
func (e *ErrUnknownMigration) Error() string {
	return "no migration in flight for object " + e.oid
}

func NewErrTimedOut(op string) *ErrTimedOut { return &ErrTimedOut{op} }
func (e *ErrTimedOut) Error() string        { return e.op + " timed out" }

func IsErrTimedOut(err error) bool { _, ok := err.(*ErrTimedOut); return ok }

func NewErrDirectoryUnreachable(cause error) *ErrDirectoryUnreachable {
	if cause == nil {
		return &ErrDirectoryUnreachable{errors.New("oseg directory unreachable")}
	}
	return &ErrDirectoryUnreachable{errors.Wrap(cause, "oseg directory unreachable")}
}
func (e *ErrDirectoryUnreachable) Error() string { return e.wrapped.Error() }
func (e *ErrDirectoryUnreachable) Unwrap() error { return errors.Cause(e.wrapped) }

func NewErrInvalidCredential(reason string) *ErrInvalidCredential {
	return &ErrInvalidCredential{reason}
}
func (e *ErrInvalidCredential) Error() string { return "invalid credential: " + e.reason }

func IsErrInvalidCredential(err error) bool { _, ok := err.(*ErrInvalidCredential); return ok }

const maxErrs = 4

func (e *Errs) Add(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, prev := range e.errs {
		if prev.Error() == err.Error() {
			return
		}
	}
	if len(e.errs) < maxErrs {
		e.errs = append(e.errs, err)
	}
}

func (e *Errs) Cnt() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.errs)
}

// Err returns nil if empty, the sole error if there's one, else a
// summarizing error naming the first cause and a count of the rest.
func (e *Errs) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch len(e.errs) {
	case 0:
		return nil
	case 1:
		return e.errs[0]
	default:
		return errors.Wrapf(e.errs[0], "and %d more", len(e.errs)-1)
	}
}
