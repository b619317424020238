package cache

import (
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrNotFound is returned when a required single object is missing from the store.
	ErrNotFound = errors.New("document not found")

	// ErrIDChanged is returned when a mutator or replacement tries to change a document id.
	// This is a hard failure in every mode.
	ErrIDChanged = errors.New("document id must not change")

	// ErrSessionClosed is returned by Commit when the session was already committed or discarded.
	ErrSessionClosed = errors.New("cache session already closed")

	// ErrDuplicateID is reported when an insert reuses an id already present in the collection.
	ErrDuplicateID = errors.New("duplicate document id")

	// ErrMarkedForRemoval is reported when a collection marked for removal is mutated.
	ErrMarkedForRemoval = errors.New("collection is marked for removal")

	// ErrUnexpectedChanges is reported by AssertNoChanges.
	ErrUnexpectedChanges = errors.New("cache has unexpected changes")
)

// ProgrammingError is the panic value used in development mode for misuse of a cache.
type ProgrammingError struct {
	Op  string
	Err error
}

func (e *ProgrammingError) Error() string {
	return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
}

func (e *ProgrammingError) Unwrap() error { return e.Err }

// Guard decides how programming errors surface: a panic in development, an error log in
// production so a live broadcast keeps running.
type Guard struct {
	Development bool
	Log         *slog.Logger
}

// Violation reports a programming error. In production it returns after logging.
func (g Guard) Violation(op string, err error, attrs ...any) {
	pe := &ProgrammingError{Op: op, Err: err}
	if g.Development {
		panic(pe)
	}
	if g.Log != nil {
		g.Log.Error("cache misuse", append([]any{"op", op, "error", err.Error()}, attrs...)...)
	}
}
