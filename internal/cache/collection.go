package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"rundown-orchestrator/internal/model"
	"rundown-orchestrator/internal/store"
)

// Tier selects when a collection is written during Commit. High tier collections feed
// real-time output and are written before low tier ones.
type Tier int

const (
	TierHigh Tier = iota
	TierLow
)

func (t Tier) String() string {
	if t == TierHigh {
		return "high"
	}
	return "low"
}

// member is a writable collection owned by a Session.
type member interface {
	collectionName() string
	collectionTier() Tier
	pending() (store.Batch, error)
	saved()
	revert()
	markForRemoval()
}

// ReadOnlyCollection is a set of documents loaded once. Reads never query the store again.
// Returned documents share nested maps and slices with the cache and must not be modified.
type ReadOnlyCollection[T model.Doc] struct {
	sess     *Session
	name     string
	docs     map[string]T
	removing bool
}

// LoadReadOnly loads every document of name matching filter into a read-only collection.
func LoadReadOnly[T model.Doc](ctx context.Context, sess *Session, name string, filter store.Filter) (*ReadOnlyCollection[T], error) {
	docs, _, err := loadDocs[T](ctx, sess.store, name, filter)
	if err != nil {
		return nil, err
	}
	return &ReadOnlyCollection[T]{sess: sess, name: name, docs: docs}, nil
}

// Name returns the collection name.
func (c *ReadOnlyCollection[T]) Name() string { return c.name }

// Len returns the number of documents currently in the collection.
func (c *ReadOnlyCollection[T]) Len() int {
	c.checkReadable("len " + c.name)
	return len(c.docs)
}

// FindByID returns the document with the given id.
func (c *ReadOnlyCollection[T]) FindByID(id string) (T, bool) {
	c.checkReadable("find " + c.name)
	doc, ok := c.docs[id]
	return doc, ok
}

// Find returns every document matching pred, ordered by id. A nil pred matches everything.
func (c *ReadOnlyCollection[T]) Find(pred func(T) bool) []T {
	c.checkReadable("find " + c.name)
	out := make([]T, 0, len(c.docs))
	for _, id := range sortedKeys(c.docs) {
		doc := c.docs[id]
		if pred == nil || pred(doc) {
			out = append(out, doc)
		}
	}
	return out
}

// FindOne returns the first document (by id) matching pred.
func (c *ReadOnlyCollection[T]) FindOne(pred func(T) bool) (T, bool) {
	c.checkReadable("find " + c.name)
	for _, id := range sortedKeys(c.docs) {
		if doc := c.docs[id]; pred == nil || pred(doc) {
			return doc, true
		}
	}
	var zero T
	return zero, false
}

// overlay swaps every document matching drop for docs. It lets a cache see another
// cache's staged but uncommitted state.
func (c *ReadOnlyCollection[T]) overlay(drop func(T) bool, docs []T) {
	for id, doc := range c.docs {
		if drop(doc) {
			delete(c.docs, id)
		}
	}
	for _, doc := range docs {
		c.docs[doc.DocID()] = doc
	}
}

func (c *ReadOnlyCollection[T]) checkReadable(op string) {
	if c.removing {
		c.sess.guard.Violation(op, ErrMarkedForRemoval)
		return
	}
	c.sess.checkReadable(op)
}

// Collection is a writable staged collection. Every mutation is recorded in memory against
// an immutable encoding of the originally loaded documents, so the change set against the
// store is always derivable.
//
// A Collection belongs to one unit of work and is not safe for concurrent use.
type Collection[T model.Doc] struct {
	ReadOnlyCollection[T]
	tier     Tier
	original map[string][]byte
}

// LoadCollection loads every document of name matching filter and registers the collection
// with sess so it takes part in Commit and Discard.
func LoadCollection[T model.Doc](ctx context.Context, sess *Session, name string, tier Tier, filter store.Filter) (*Collection[T], error) {
	docs, original, err := loadDocs[T](ctx, sess.store, name, filter)
	if err != nil {
		return nil, err
	}
	c := &Collection[T]{
		ReadOnlyCollection: ReadOnlyCollection[T]{sess: sess, name: name, docs: docs},
		tier:               tier,
		original:           original,
	}
	sess.register(c)
	return c, nil
}

// Insert adds a new document. Inserting an id that is already present is a programming error.
func (c *Collection[T]) Insert(doc T) {
	if !c.writable("insert") {
		return
	}
	id := doc.DocID()
	if _, exists := c.docs[id]; exists {
		c.sess.guard.Violation("insert "+c.name, ErrDuplicateID, "id", id)
		return
	}
	c.docs[id] = doc
}

// Replace inserts doc or overwrites the document with the same id.
func (c *Collection[T]) Replace(doc T) {
	if !c.writable("replace") {
		return
	}
	c.docs[doc.DocID()] = doc
}

// Update applies fn to the document with the given id. fn receives a private copy.
// It reports whether the document existed. Changing the id fails with ErrIDChanged.
func (c *Collection[T]) Update(id string, fn func(T) T) (bool, error) {
	if !c.writable("update") {
		return false, nil
	}
	cur, ok := c.docs[id]
	if !ok {
		return false, nil
	}
	next := fn(clone(cur))
	if next.DocID() != id {
		return false, fmt.Errorf("update %s %s: %w", c.name, id, ErrIDChanged)
	}
	c.docs[id] = next
	return true, nil
}

// UpdateWhere applies fn to every document matching pred and returns the updated ids.
// Either every update is applied or, on ErrIDChanged, none is.
func (c *Collection[T]) UpdateWhere(pred func(T) bool, fn func(T) T) ([]string, error) {
	if !c.writable("update") {
		return nil, nil
	}
	updated := make(map[string]T)
	var ids []string
	for _, id := range sortedKeys(c.docs) {
		cur := c.docs[id]
		if !pred(cur) {
			continue
		}
		next := fn(clone(cur))
		if next.DocID() != id {
			return nil, fmt.Errorf("update %s %s: %w", c.name, id, ErrIDChanged)
		}
		updated[id] = next
		ids = append(ids, id)
	}
	for id, doc := range updated {
		c.docs[id] = doc
	}
	return ids, nil
}

// Remove deletes the document with the given id and reports whether it existed.
func (c *Collection[T]) Remove(id string) bool {
	if !c.writable("remove") {
		return false
	}
	if _, ok := c.docs[id]; !ok {
		return false
	}
	delete(c.docs, id)
	return true
}

// RemoveWhere deletes every document matching pred and returns the removed ids.
func (c *Collection[T]) RemoveWhere(pred func(T) bool) []string {
	if !c.writable("remove") {
		return nil
	}
	var ids []string
	for _, id := range sortedKeys(c.docs) {
		if pred(c.docs[id]) {
			delete(c.docs, id)
			ids = append(ids, id)
		}
	}
	return ids
}

// WasLoaded reports whether id was present in the store when the collection was loaded.
func (c *Collection[T]) WasLoaded(id string) bool {
	_, ok := c.original[id]
	return ok
}

// HasChanges reports whether committing would write anything.
func (c *Collection[T]) HasChanges() bool {
	b, err := c.pending()
	return err != nil || !b.Empty()
}

func (c *Collection[T]) writable(op string) bool {
	if !c.sess.checkActive(op + " " + c.name) {
		return false
	}
	if c.removing {
		if c.sess.guard.Development {
			c.sess.guard.Violation(op+" "+c.name, ErrMarkedForRemoval)
		}
		c.sess.log.Debug("dropping write to collection marked for removal", "collection", c.name, "op", op)
		return false
	}
	return true
}

func (c *Collection[T]) collectionName() string { return c.name }
func (c *Collection[T]) collectionTier() Tier   { return c.tier }

func (c *Collection[T]) pending() (store.Batch, error) {
	var b store.Batch
	if c.removing {
		b.Delete = sortedKeys(c.original)
		return b, nil
	}
	for _, id := range sortedKeys(c.docs) {
		enc, err := json.Marshal(c.docs[id])
		if err != nil {
			return store.Batch{}, fmt.Errorf("encode %s %s: %w", c.name, id, err)
		}
		orig, existed := c.original[id]
		switch {
		case !existed:
			b.Insert = append(b.Insert, store.Document{ID: id, Data: enc})
		case !bytes.Equal(orig, enc):
			b.Replace = append(b.Replace, store.Document{ID: id, Data: enc})
		}
	}
	for _, id := range sortedKeys(c.original) {
		if _, ok := c.docs[id]; !ok {
			b.Delete = append(b.Delete, id)
		}
	}
	return b, nil
}

func (c *Collection[T]) saved() {
	if c.removing {
		c.docs = make(map[string]T)
		c.original = make(map[string][]byte)
		return
	}
	original := make(map[string][]byte, len(c.docs))
	for id, doc := range c.docs {
		if enc, err := json.Marshal(doc); err == nil {
			original[id] = enc
		}
	}
	c.original = original
}

func (c *Collection[T]) revert() {
	docs := make(map[string]T, len(c.original))
	for id, enc := range c.original {
		var doc T
		if err := json.Unmarshal(enc, &doc); err == nil {
			docs[id] = doc
		}
	}
	c.docs = docs
	c.removing = false
}

func (c *Collection[T]) markForRemoval() {
	c.removing = true
}

func loadDocs[T model.Doc](ctx context.Context, st store.Store, name string, filter store.Filter) (map[string]T, map[string][]byte, error) {
	raw, err := st.FindMatching(ctx, name, filter)
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", name, err)
	}
	docs := make(map[string]T, len(raw))
	original := make(map[string][]byte, len(raw))
	for _, d := range raw {
		var doc T
		if err := json.Unmarshal(d.Data, &doc); err != nil {
			return nil, nil, fmt.Errorf("load %s %s: %w", name, d.ID, err)
		}
		// re-encode so the baseline matches what Commit will produce for an unchanged doc
		enc, err := json.Marshal(doc)
		if err != nil {
			return nil, nil, fmt.Errorf("load %s %s: %w", name, d.ID, err)
		}
		id := doc.DocID()
		docs[id] = doc
		original[id] = enc
	}
	return docs, original, nil
}

func clone[T any](v T) T {
	enc, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out T
	if err := json.Unmarshal(enc, &out); err != nil {
		return v
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
