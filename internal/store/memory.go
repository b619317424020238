package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is a concurrency-safe in-memory implementation of Store.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]json.RawMessage
}

// NewMemoryStore returns a new empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string]json.RawMessage),
	}
}

// FindMatching implements Store.FindMatching.
func (s *MemoryStore) FindMatching(ctx context.Context, collection string, filter Filter) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateFilter(filter); err != nil {
		return nil, err
	}
	want, err := encodeFilter(filter)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	docs := s.collections[collection]
	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]Document, 0, len(ids))
	for _, id := range ids {
		data := docs[id]
		ok, err := matches(data, want)
		if err != nil {
			return nil, fmt.Errorf("find %s: %w", collection, err)
		}
		if ok {
			out = append(out, Document{ID: id, Data: append(json.RawMessage(nil), data...)})
		}
	}
	return out, nil
}

// WriteBatch implements Store.WriteBatch.
func (s *MemoryStore) WriteBatch(ctx context.Context, collection string, batch Batch) (Counts, error) {
	if err := ctx.Err(); err != nil {
		return Counts{}, err
	}
	for _, d := range append(append([]Document(nil), batch.Insert...), batch.Replace...) {
		if d.ID == "" {
			return Counts{}, ErrEmptyID
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	docs, ok := s.collections[collection]
	if !ok {
		docs = make(map[string]json.RawMessage)
		s.collections[collection] = docs
	}

	var c Counts
	for _, d := range batch.Insert {
		docs[d.ID] = append(json.RawMessage(nil), d.Data...)
		c.Inserted++
	}
	for _, d := range batch.Replace {
		docs[d.ID] = append(json.RawMessage(nil), d.Data...)
		c.Replaced++
	}
	for _, id := range batch.Delete {
		if _, exists := docs[id]; exists {
			delete(docs, id)
			c.Deleted++
		}
	}
	return c, nil
}

// Count returns the number of documents in collection. Used by tests and admin output.
func (s *MemoryStore) Count(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[collection])
}

func encodeFilter(f Filter) (map[string][][]byte, error) {
	out := make(map[string][][]byte, len(f))
	for field, values := range f {
		enc := make([][]byte, 0, len(values))
		for _, v := range values {
			b, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("encode filter %s: %w", field, err)
			}
			enc = append(enc, b)
		}
		out[field] = enc
	}
	return out, nil
}

func matches(data json.RawMessage, want map[string][][]byte) (bool, error) {
	if len(want) == 0 {
		return true, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return false, err
	}
	for field, values := range want {
		got, ok := fields[field]
		if !ok {
			return false, nil
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, got); err != nil {
			return false, err
		}
		found := false
		for _, v := range values {
			if bytes.Equal(compact.Bytes(), v) {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}
	return true, nil
}
