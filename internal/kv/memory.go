package kv

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is a map-backed Store for tests and ephemeral sessions.
type MemoryStore struct {
	mu     sync.RWMutex
	docs   map[string]Document
	limit  int
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]Document), limit: DefaultBatchLimit}
}

func (s *MemoryStore) Get(ctx context.Context, path string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	doc, ok := s.docs[path]
	if !ok {
		return nil, nil
	}
	return doc.Clone(), nil
}

func (s *MemoryStore) Set(ctx context.Context, path string, doc Document, merge bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if merge {
		if prev, ok := s.docs[path]; ok {
			merged := prev.Clone()
			for k, v := range doc {
				merged[k] = v
			}
			s.docs[path] = merged
			return nil
		}
	}
	s.docs[path] = doc.Clone()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.docs, path)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, collection string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var entries []Entry
	for path, doc := range s.docs {
		if collectionOf(path) == collection {
			entries = append(entries, Entry{Path: path, Doc: doc.Clone()})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (s *MemoryStore) GetAll(ctx context.Context, paths []string) ([]Entry, error) {
	entries := make([]Entry, 0, len(paths))
	for _, p := range paths {
		doc, err := s.Get(ctx, p)
		if err != nil {
			return nil, err
		}
		if doc != nil {
			entries = append(entries, Entry{Path: p, Doc: doc})
		}
	}
	return entries, nil
}

func (s *MemoryStore) Stream(ctx context.Context, q Query, fn func(Entry) error) error {
	entries, err := s.List(ctx, q.Collection)
	if err != nil {
		return err
	}
	n := 0
	for _, e := range entries {
		if !matchQuery(q, e.Doc) {
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
		n++
		if q.Limit > 0 && n >= q.Limit {
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) Batch() *Batch {
	return newBatch(s, s.limit)
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
