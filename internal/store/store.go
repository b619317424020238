package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// Store is the persistence abstraction for staged entities.
// Implementations can be in-memory or SQLite backed. The staging caches use Store
// for all reads and writes; callers of the caches do not need to know which Store is used.
//
// No transactions are assumed beyond single-document atomicity. Both calls are idempotent:
// inserting an existing id overwrites it, replacing a missing id creates it, deleting a
// missing id is a no-op.
type Store interface {
	// FindMatching returns every document of collection whose top-level fields match filter,
	// ordered by id.
	FindMatching(ctx context.Context, collection string, filter Filter) ([]Document, error)

	// WriteBatch applies inserts, replacements and deletions to collection.
	WriteBatch(ctx context.Context, collection string, batch Batch) (Counts, error)
}

// Document is one stored entity: its id plus the JSON encoding of the whole entity.
type Document struct {
	ID   string
	Data json.RawMessage
}

// Filter selects documents by top-level JSON field. Each field maps to the accepted values;
// a document matches when every listed field equals one of its values. An empty Filter matches
// everything.
type Filter map[string][]any

// Eq returns a Filter matching a single field value.
func Eq(field string, value any) Filter {
	return Filter{field: {value}}
}

// And returns a copy of f with field restricted to values.
func (f Filter) And(field string, values ...any) Filter {
	out := make(Filter, len(f)+1)
	for k, v := range f {
		out[k] = v
	}
	out[field] = values
	return out
}

// Decode reads the documents of collection matching filter straight from st,
// bypassing any staging cache.
func Decode[T any](ctx context.Context, st Store, collection string, filter Filter) ([]T, error) {
	raw, err := st.FindMatching(ctx, collection, filter)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raw))
	for _, d := range raw {
		var doc T
		if err := json.Unmarshal(d.Data, &doc); err != nil {
			return nil, fmt.Errorf("decode %s %s: %w", collection, d.ID, err)
		}
		out = append(out, doc)
	}
	return out, nil
}

// Batch is a set of changes applied to one collection.
type Batch struct {
	Insert  []Document
	Replace []Document
	Delete  []string
}

// Empty reports whether the batch carries no changes.
func (b Batch) Empty() bool {
	return len(b.Insert) == 0 && len(b.Replace) == 0 && len(b.Delete) == 0
}

// Counts reports how many documents a WriteBatch touched.
type Counts struct {
	Inserted int
	Replaced int
	Deleted  int
}

var (
	// ErrInvalidField is returned when a filter names a field that is not a plain identifier.
	ErrInvalidField = errors.New("invalid filter field")

	// ErrEmptyID is returned when a batch contains a document without an id.
	ErrEmptyID = errors.New("document id is empty")
)

var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validateFilter(f Filter) error {
	for field := range f {
		if !fieldPattern.MatchString(field) {
			return ErrInvalidField
		}
	}
	return nil
}
