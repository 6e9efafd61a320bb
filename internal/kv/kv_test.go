package kv

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
)

// storesUnderTest builds one of each Store implementation so the contract
// tests run against both.
func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "store.db"), DefaultBatchLimit)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	mem := NewMemoryStore()
	t.Cleanup(func() { mem.Close() })

	return map[string]Store{"sqlite": sqlite, "memory": mem}
}

func TestGetMissingReturnsNil(t *testing.T) {
	ctx := context.Background()
	for name, s := range storesUnderTest(t) {
		doc, err := s.Get(ctx, "worlds/w1/nope")
		if err != nil {
			t.Errorf("%s: Get missing: %v", name, err)
		}
		if doc != nil {
			t.Errorf("%s: Get missing = %v, want nil", name, doc)
		}
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range storesUnderTest(t) {
		in := Document{"name": "Elara", "hp": float64(24)}
		if err := s.Set(ctx, "worlds/w1/characters/elara", in, false); err != nil {
			t.Fatalf("%s: Set: %v", name, err)
		}
		out, err := s.Get(ctx, "worlds/w1/characters/elara")
		if err != nil {
			t.Fatalf("%s: Get: %v", name, err)
		}
		if out["name"] != "Elara" {
			t.Errorf("%s: name = %v, want Elara", name, out["name"])
		}
	}
}

func TestSetMergePreservesOtherFields(t *testing.T) {
	ctx := context.Background()
	for name, s := range storesUnderTest(t) {
		path := "worlds/w1/characters/rook"
		if err := s.Set(ctx, path, Document{"hp": float64(10), "gold": float64(5)}, false); err != nil {
			t.Fatalf("%s: Set: %v", name, err)
		}
		if err := s.Set(ctx, path, Document{"hp": float64(7)}, true); err != nil {
			t.Fatalf("%s: merge Set: %v", name, err)
		}
		doc, err := s.Get(ctx, path)
		if err != nil {
			t.Fatalf("%s: Get: %v", name, err)
		}
		if doc["hp"] != float64(7) {
			t.Errorf("%s: hp = %v, want 7", name, doc["hp"])
		}
		if doc["gold"] != float64(5) {
			t.Errorf("%s: gold = %v, want 5 (merge dropped it)", name, doc["gold"])
		}
	}
}

func TestSetWithoutMergeReplaces(t *testing.T) {
	ctx := context.Background()
	for name, s := range storesUnderTest(t) {
		path := "worlds/w1/characters/vex"
		if err := s.Set(ctx, path, Document{"hp": float64(10), "gold": float64(5)}, false); err != nil {
			t.Fatalf("%s: Set: %v", name, err)
		}
		if err := s.Set(ctx, path, Document{"hp": float64(3)}, false); err != nil {
			t.Fatalf("%s: replace Set: %v", name, err)
		}
		doc, _ := s.Get(ctx, path)
		if _, ok := doc["gold"]; ok {
			t.Errorf("%s: replace kept gold field", name)
		}
	}
}

func TestDeleteMissingIsNoError(t *testing.T) {
	ctx := context.Background()
	for name, s := range storesUnderTest(t) {
		if err := s.Delete(ctx, "never/existed"); err != nil {
			t.Errorf("%s: Delete missing: %v", name, err)
		}
	}
}

func TestListCollection(t *testing.T) {
	ctx := context.Background()
	for name, s := range storesUnderTest(t) {
		for i := 0; i < 3; i++ {
			path := fmt.Sprintf("worlds/w1/npcs/npc%d", i)
			if err := s.Set(ctx, path, Document{"idx": float64(i)}, false); err != nil {
				t.Fatalf("%s: Set: %v", name, err)
			}
		}
		// A document in a nested collection must not leak into the parent list.
		if err := s.Set(ctx, "worlds/w1/npcs/npc0/memories/m1", Document{"text": "x"}, false); err != nil {
			t.Fatalf("%s: Set nested: %v", name, err)
		}

		entries, err := s.List(ctx, "worlds/w1/npcs")
		if err != nil {
			t.Fatalf("%s: List: %v", name, err)
		}
		if len(entries) != 3 {
			t.Fatalf("%s: List = %d entries, want 3", name, len(entries))
		}
		if entries[0].ID() != "npc0" {
			t.Errorf("%s: first entry ID = %q, want npc0", name, entries[0].ID())
		}
	}
}

func TestGetAllSkipsMissing(t *testing.T) {
	ctx := context.Background()
	for name, s := range storesUnderTest(t) {
		if err := s.Set(ctx, "a/x", Document{"v": float64(1)}, false); err != nil {
			t.Fatalf("%s: Set: %v", name, err)
		}
		if err := s.Set(ctx, "a/z", Document{"v": float64(3)}, false); err != nil {
			t.Fatalf("%s: Set: %v", name, err)
		}
		entries, err := s.GetAll(ctx, []string{"a/x", "a/y", "a/z"})
		if err != nil {
			t.Fatalf("%s: GetAll: %v", name, err)
		}
		if len(entries) != 2 {
			t.Errorf("%s: GetAll = %d entries, want 2", name, len(entries))
		}
	}
}

func TestStreamFilters(t *testing.T) {
	ctx := context.Background()
	for name, s := range storesUnderTest(t) {
		for i, typ := range []string{"person", "place", "person"} {
			path := fmt.Sprintf("graphs/world/nodes/n%d", i)
			if err := s.Set(ctx, path, Document{"type": typ}, false); err != nil {
				t.Fatalf("%s: Set: %v", name, err)
			}
		}

		var got []string
		err := s.Stream(ctx, Query{
			Collection: "graphs/world/nodes",
			Field:      "type",
			Equals:     "person",
		}, func(e Entry) error {
			got = append(got, e.ID())
			return nil
		})
		if err != nil {
			t.Fatalf("%s: Stream: %v", name, err)
		}
		if len(got) != 2 {
			t.Errorf("%s: Stream matched %d, want 2 (%v)", name, len(got), got)
		}
	}
}

func TestStreamInFilterAndLimit(t *testing.T) {
	ctx := context.Background()
	for name, s := range storesUnderTest(t) {
		for i := 0; i < 5; i++ {
			path := fmt.Sprintf("graphs/world/edges/e%d", i)
			if err := s.Set(ctx, path, Document{"source": fmt.Sprintf("n%d", i%2)}, false); err != nil {
				t.Fatalf("%s: Set: %v", name, err)
			}
		}
		count := 0
		err := s.Stream(ctx, Query{
			Collection: "graphs/world/edges",
			Field:      "source",
			In:         []interface{}{"n0", "n1"},
			Limit:      3,
		}, func(Entry) error {
			count++
			return nil
		})
		if err != nil {
			t.Fatalf("%s: Stream: %v", name, err)
		}
		if count != 3 {
			t.Errorf("%s: Stream with limit matched %d, want 3", name, count)
		}
	}
}

func TestBatchCommitChunks(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	b := newBatch(s, 10)
	for i := 0; i < 25; i++ {
		b.Set(fmt.Sprintf("bulk/doc%02d", i), Document{"i": float64(i)}, false)
	}
	b.Delete("bulk/doc00")
	if b.Len() != 26 {
		t.Fatalf("Len = %d, want 26", b.Len())
	}
	if err := b.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if b.Len() != 0 {
		t.Errorf("Len after commit = %d, want 0", b.Len())
	}

	entries, err := s.List(ctx, "bulk")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 24 {
		t.Errorf("List = %d entries, want 24", len(entries))
	}
}

func TestBatchCommitRespectsCancel(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := s.Batch()
	b.Set("x/y", Document{"v": float64(1)}, false)
	if err := b.Commit(ctx); err == nil {
		t.Error("Commit with cancelled context succeeded, want error")
	}
}

func TestClosedStoreErrors(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Close()

	if _, err := s.Get(ctx, "a/b"); err != ErrClosed {
		t.Errorf("Get after close = %v, want ErrClosed", err)
	}
	if err := s.Set(ctx, "a/b", Document{}, false); err != ErrClosed {
		t.Errorf("Set after close = %v, want ErrClosed", err)
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "persist.db")

	s1, err := NewSQLiteStore(path, DefaultBatchLimit)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := s1.Set(ctx, "worlds/w1/state", Document{"day": float64(3)}, false); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := NewSQLiteStore(path, DefaultBatchLimit)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	doc, err := s2.Get(ctx, "worlds/w1/state")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if doc == nil || doc["day"] != float64(3) {
		t.Errorf("reopened doc = %v, want day=3", doc)
	}
}
