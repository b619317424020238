package cache

import (
	"context"
	"fmt"

	"rundown-orchestrator/internal/model"
	"rundown-orchestrator/internal/store"
)

// SingleObject stages exactly one document that must exist, e.g. the playlist a playout
// session is for.
type SingleObject[T model.Doc] struct {
	coll *Collection[T]
	id   string
}

// LoadSingle loads the document with the given id. It fails with ErrNotFound if it does not exist.
func LoadSingle[T model.Doc](ctx context.Context, sess *Session, name string, tier Tier, id string) (*SingleObject[T], error) {
	coll, err := LoadCollection[T](ctx, sess, name, tier, store.Eq("_id", id))
	if err != nil {
		return nil, err
	}
	if !coll.WasLoaded(id) {
		return nil, fmt.Errorf("%s %s: %w", name, id, ErrNotFound)
	}
	return &SingleObject[T]{coll: coll, id: id}, nil
}

// ID returns the id of the staged document.
func (o *SingleObject[T]) ID() string { return o.id }

// Get returns the staged document.
func (o *SingleObject[T]) Get() T {
	doc, _ := o.coll.FindByID(o.id)
	return doc
}

// Update applies fn to the staged document.
func (o *SingleObject[T]) Update(fn func(T) T) error {
	_, err := o.coll.Update(o.id, fn)
	return err
}

// MarkForRemoval deletes the document on commit and ignores further writes.
func (o *SingleObject[T]) MarkForRemoval() {
	o.coll.markForRemoval()
}

// HasChanges reports whether committing would write anything.
func (o *SingleObject[T]) HasChanges() bool { return o.coll.HasChanges() }

// OptionalSingleObject stages zero or one document with a known id, e.g. the rundown an
// ingest session is for, which does not exist before its first ingest.
type OptionalSingleObject[T model.Doc] struct {
	coll *Collection[T]
	id   string
}

// LoadOptionalSingle loads the document with the given id if it exists.
func LoadOptionalSingle[T model.Doc](ctx context.Context, sess *Session, name string, tier Tier, id string) (*OptionalSingleObject[T], error) {
	coll, err := LoadCollection[T](ctx, sess, name, tier, store.Eq("_id", id))
	if err != nil {
		return nil, err
	}
	return &OptionalSingleObject[T]{coll: coll, id: id}, nil
}

// ID returns the id the object is scoped to.
func (o *OptionalSingleObject[T]) ID() string { return o.id }

// Get returns the staged document, if any.
func (o *OptionalSingleObject[T]) Get() (T, bool) {
	return o.coll.FindByID(o.id)
}

// Replace stages doc. Its id must match the scoped id.
func (o *OptionalSingleObject[T]) Replace(doc T) error {
	if doc.DocID() != o.id {
		return fmt.Errorf("replace %s %s with %s: %w", o.coll.name, o.id, doc.DocID(), ErrIDChanged)
	}
	o.coll.Replace(doc)
	return nil
}

// Update applies fn to the staged document if present.
func (o *OptionalSingleObject[T]) Update(fn func(T) T) (bool, error) {
	return o.coll.Update(o.id, fn)
}

// Remove unstages the document.
func (o *OptionalSingleObject[T]) Remove() bool {
	return o.coll.Remove(o.id)
}

// WasLoaded reports whether the document existed in the store when loaded.
func (o *OptionalSingleObject[T]) WasLoaded() bool {
	return o.coll.WasLoaded(o.id)
}

// MarkForRemoval deletes the document on commit and ignores further writes.
func (o *OptionalSingleObject[T]) MarkForRemoval() {
	o.coll.markForRemoval()
}

// HasChanges reports whether committing would write anything.
func (o *OptionalSingleObject[T]) HasChanges() bool { return o.coll.HasChanges() }
