package kv

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"fableforge/internal/logging"
)

// SQLiteStore implements Store on a single SQLite database. Documents are
// stored as JSON rows keyed by full path, with the collection path indexed
// for List/Stream.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
	limit  int
	closed bool
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string, batchLimit int) (*SQLiteStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewSQLiteStore")
	defer timer.Stop()

	logging.Store("Initializing document store at path: %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &SQLiteStore{db: db, dbPath: path, limit: batchLimit}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("Document store ready")
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		path TEXT PRIMARY KEY,
		collection TEXT NOT NULL,
		data TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create documents table: %w", err)
	}
	return nil
}

// Get fetches one document, nil if absent.
func (s *SQLiteStore) Get(ctx context.Context, path string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var data string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM documents WHERE path = ?", path).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}

	var doc Document
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, fmt.Errorf("get %s: corrupt document: %w", path, err)
	}
	return doc, nil
}

// Set writes a document, optionally merging with the existing one.
func (s *SQLiteStore) Set(ctx context.Context, path string, doc Document, merge bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	final := doc
	if merge {
		var existing string
		err := s.db.QueryRowContext(ctx, "SELECT data FROM documents WHERE path = ?", path).Scan(&existing)
		if err == nil {
			var prev Document
			if json.Unmarshal([]byte(existing), &prev) == nil {
				for k, v := range doc {
					prev[k] = v
				}
				final = prev
			}
		} else if err != sql.ErrNoRows {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}

	data, err := json.Marshal(final)
	if err != nil {
		return fmt.Errorf("set %s: marshal: %w", path, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (path, collection, data, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(path) DO UPDATE SET data = excluded.data, updated_at = CURRENT_TIMESTAMP`,
		path, collectionOf(path), string(data))
	if err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	return nil
}

// Delete removes a document.
func (s *SQLiteStore) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE path = ?", path); err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

// List returns all documents directly under a collection path.
func (s *SQLiteStore) List(ctx context.Context, collection string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT path, data FROM documents WHERE collection = ? ORDER BY path", collection)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var path, data string
		if err := rows.Scan(&path, &data); err != nil {
			logging.Get(logging.CategoryStore).Warn("List row scan failed: %v", err)
			continue
		}
		var doc Document
		if err := json.Unmarshal([]byte(data), &doc); err != nil {
			logging.Get(logging.CategoryStore).Warn("List unmarshal failed for %s: %v", path, err)
			continue
		}
		entries = append(entries, Entry{Path: path, Doc: doc})
	}
	return entries, rows.Err()
}

// GetAll fetches many documents; missing paths are skipped.
func (s *SQLiteStore) GetAll(ctx context.Context, paths []string) ([]Entry, error) {
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

// Stream runs a query over a collection.
func (s *SQLiteStore) Stream(ctx context.Context, q Query, fn func(Entry) error) error {
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

// Batch returns a new write batch.
func (s *SQLiteStore) Batch() *Batch {
	return newBatch(s, s.limit)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	logging.Store("Closing document store")
	return s.db.Close()
}
