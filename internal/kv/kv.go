// Package kv provides the document store the engine persists into. Documents
// are JSON-like maps addressed by slash-separated paths; a collection is a
// path whose direct children are documents, mirroring a hierarchical
// document database ("worlds/w1/graphs/world/nodes/n17").
package kv

import (
	"context"
	"errors"
	"strings"
)

// Document is a schemaless JSON-compatible document.
type Document map[string]interface{}

// Clone returns a shallow copy of the document.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Entry pairs a document with its full path.
type Entry struct {
	Path string
	Doc  Document
}

// ID returns the last path segment.
func (e Entry) ID() string {
	idx := strings.LastIndex(e.Path, "/")
	if idx < 0 {
		return e.Path
	}
	return e.Path[idx+1:]
}

// Query selects documents under a collection, optionally filtered by a field
// equality condition and by a set of allowed values ("where field in (...)").
type Query struct {
	Collection string
	Field      string
	Equals     interface{}
	In         []interface{}
	Limit      int
}

// ErrClosed is returned when operating on a closed store.
var ErrClosed = errors.New("kv: store closed")

// Store is the abstract document KV the engine requires. Implementations
// must tolerate concurrent use. Get returns (nil, nil) for missing docs;
// no operation requires cross-document transactions.
type Store interface {
	// Get fetches one document, nil if absent.
	Get(ctx context.Context, path string) (Document, error)

	// Set writes a document. With merge, existing top-level fields not
	// present in doc are preserved.
	Set(ctx context.Context, path string, doc Document, merge bool) error

	// Delete removes a document. Deleting a missing document is not an error.
	Delete(ctx context.Context, path string) error

	// List returns all documents directly under a collection path.
	List(ctx context.Context, collection string) ([]Entry, error)

	// GetAll fetches many documents by path. Missing paths are skipped.
	GetAll(ctx context.Context, paths []string) ([]Entry, error)

	// Stream runs a query and invokes fn per matching document.
	// Returning an error from fn stops the stream.
	Stream(ctx context.Context, q Query, fn func(Entry) error) error

	// Batch returns a new write batch bound to this store.
	Batch() *Batch

	// Close releases resources.
	Close() error
}

// collectionOf returns the collection path of a document path.
func collectionOf(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return ""
	}
	return path[:idx]
}

// matchQuery reports whether a document satisfies the query filters.
func matchQuery(q Query, doc Document) bool {
	if q.Field == "" {
		return true
	}
	v, ok := doc[q.Field]
	if !ok {
		return false
	}
	if q.Equals != nil && v != q.Equals {
		return false
	}
	if len(q.In) > 0 {
		for _, want := range q.In {
			if v == want {
				return true
			}
		}
		return false
	}
	return true
}
