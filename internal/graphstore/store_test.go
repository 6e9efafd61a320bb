package graphstore

import (
	"context"
	"testing"
	"time"

	"fableforge/internal/kv"
	"fableforge/internal/memgraph"
)

const testWorld = "w1"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mem := kv.NewMemoryStore()
	t.Cleanup(func() { mem.Close() })
	return New(mem)
}

func node(id, typ, name string) memgraph.Node {
	now := time.Now()
	return memgraph.Node{
		ID: id, Type: typ, Name: name, Importance: 0.5,
		Properties: map[string]interface{}{},
		CreatedAt:  now, UpdatedAt: now,
	}
}

func edge(id, src, dst, rel string) memgraph.Edge {
	return memgraph.Edge{ID: id, Source: src, Target: dst, Relation: rel, Weight: 1, CreatedAt: time.Now()}
}

func TestScopeValidate(t *testing.T) {
	cases := []struct {
		scope   Scope
		wantErr bool
	}{
		{WorldScope(), false},
		{CampScope(), false},
		{ChapterScope("c1"), false},
		{ChapterScope(""), true},
		{AreaScope("c1", "a1"), false},
		{AreaScope("c1", ""), true},
		{CharacterScope("npc_elder"), false},
		{CharacterScope(""), true},
		{Scope{Kind: "galaxy"}, true},
	}
	for _, c := range cases {
		err := c.scope.Validate()
		if (err != nil) != c.wantErr {
			t.Errorf("Validate(%+v) err=%v, wantErr=%v", c.scope, err, c.wantErr)
		}
	}
}

func TestUpsertAndGetNode(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	scope := AreaScope("c1", "forest")

	n := node("npc_elder", "person", "Elder Rowan")
	if err := s.UpsertNode(ctx, testWorld, scope, n); err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}

	got, err := s.GetNode(ctx, testWorld, scope, "npc_elder")
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if got == nil || got.Name != "Elder Rowan" {
		t.Fatalf("GetNode = %+v, want Elder Rowan", got)
	}

	// Same id in a different scope is a different document.
	other, err := s.GetNode(ctx, testWorld, CharacterScope("player"), "npc_elder")
	if err != nil {
		t.Fatalf("GetNode other scope: %v", err)
	}
	if other != nil {
		t.Errorf("node leaked across scopes: %+v", other)
	}
}

func TestIndicesFollowUpsert(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	scope := WorldScope()

	n := node("npc_elder", "person", "Elder Rowan")
	if err := s.UpsertNode(ctx, testWorld, scope, n); err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}

	byType, err := s.NodeIDsByType(ctx, testWorld, scope, "person")
	if err != nil {
		t.Fatalf("NodeIDsByType: %v", err)
	}
	if len(byType) != 1 || byType[0] != "npc_elder" {
		t.Errorf("type index = %v, want [npc_elder]", byType)
	}

	byName, err := s.NodeIDsByName(ctx, testWorld, scope, "ELDER ROWAN")
	if err != nil {
		t.Fatalf("NodeIDsByName: %v", err)
	}
	if len(byName) != 1 {
		t.Errorf("name index = %v, want one hit", byName)
	}
}

func TestTimelineIndexForEvents(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	scope := CharacterScope("npc_elder")

	ev := node("evt1", "event_group", "first meeting")
	ev.Properties["day"] = float64(3)
	if err := s.UpsertNode(ctx, testWorld, scope, ev); err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}

	kvStore := s.kv
	doc, err := kvStore.Get(ctx, scope.timelinePath(testWorld, 3, "evt1"))
	if err != nil {
		t.Fatalf("Get timeline: %v", err)
	}
	if doc == nil {
		t.Error("timeline index entry missing for event on day 3")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	scope := ChapterScope("c1")

	g := memgraph.New()
	g.AddNode(node("a", "person", "A"))
	g.AddNode(node("b", "place", "Tavern"))
	g.AddEdge(edge("e1", "a", "b", "located_in"))

	if err := s.SaveGraph(ctx, testWorld, scope, g, false); err != nil {
		t.Fatalf("SaveGraph: %v", err)
	}
	loaded, err := s.LoadGraph(ctx, testWorld, scope)
	if err != nil {
		t.Fatalf("LoadGraph: %v", err)
	}
	if loaded.NodeCount() != 2 || loaded.EdgeCount() != 1 {
		t.Fatalf("loaded %d nodes / %d edges, want 2/1", loaded.NodeCount(), loaded.EdgeCount())
	}
}

func TestSaveGraphMergePreservesExisting(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	scope := WorldScope()

	base := memgraph.New()
	base.AddNode(node("a", "person", "A"))
	if err := s.SaveGraph(ctx, testWorld, scope, base, false); err != nil {
		t.Fatalf("SaveGraph base: %v", err)
	}

	patch := memgraph.New()
	patch.AddNode(node("b", "person", "B"))
	if err := s.SaveGraph(ctx, testWorld, scope, patch, true); err != nil {
		t.Fatalf("SaveGraph merge: %v", err)
	}

	loaded, err := s.LoadGraph(ctx, testWorld, scope)
	if err != nil {
		t.Fatalf("LoadGraph: %v", err)
	}
	// merge=true superset law: every id saved earlier is still there.
	for _, id := range []string{"a", "b"} {
		if !loaded.HasNode(id) {
			t.Errorf("merged graph missing %s", id)
		}
	}

	// Non-merge save replaces the scope wholesale.
	if err := s.SaveGraph(ctx, testWorld, scope, patch, false); err != nil {
		t.Fatalf("SaveGraph replace: %v", err)
	}
	loaded, _ = s.LoadGraph(ctx, testWorld, scope)
	if loaded.HasNode("a") {
		t.Error("non-merge save kept node a")
	}
}

func TestLoadLocalSubgraph(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	scope := CharacterScope("npc_elder")

	// seed -> m1 -> m2, plus an island node.
	g := memgraph.New()
	for _, id := range []string{"seed", "m1", "m2", "island"} {
		g.AddNode(node(id, "memory", id))
	}
	g.AddEdge(edge("e1", "seed", "m1", "relates"))
	g.AddEdge(edge("e2", "m1", "m2", "relates"))
	if err := s.SaveGraph(ctx, testWorld, scope, g, false); err != nil {
		t.Fatalf("SaveGraph: %v", err)
	}

	sub, err := s.LoadLocalSubgraph(ctx, testWorld, scope, []string{"seed"}, 1, memgraph.DirectionOut)
	if err != nil {
		t.Fatalf("LoadLocalSubgraph: %v", err)
	}
	if !sub.HasNode("seed") || !sub.HasNode("m1") {
		t.Errorf("depth-1 subgraph missing seed/m1")
	}
	if sub.HasNode("m2") || sub.HasNode("island") {
		t.Errorf("depth-1 subgraph pulled distant nodes: m2=%v island=%v",
			sub.HasNode("m2"), sub.HasNode("island"))
	}

	sub, err = s.LoadLocalSubgraph(ctx, testWorld, scope, []string{"seed"}, 2, memgraph.DirectionOut)
	if err != nil {
		t.Fatalf("LoadLocalSubgraph depth 2: %v", err)
	}
	if !sub.HasNode("m2") {
		t.Error("depth-2 subgraph missing m2")
	}
	if sub.EdgeCount() != 2 {
		t.Errorf("depth-2 subgraph has %d edges, want 2", sub.EdgeCount())
	}
}

func TestLoadLocalSubgraphChunksLargeFrontier(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	scope := WorldScope()

	// 25 seeds each pointing at one shared hub exceeds the chunk size of 10.
	g := memgraph.New()
	g.AddNode(node("hub", "place", "hub"))
	var seeds []string
	for i := 0; i < 25; i++ {
		id := nodeID(i)
		g.AddNode(node(id, "person", id))
		g.AddEdge(edge("e"+id, id, "hub", "located_in"))
		seeds = append(seeds, id)
	}
	if err := s.SaveGraph(ctx, testWorld, scope, g, false); err != nil {
		t.Fatalf("SaveGraph: %v", err)
	}

	sub, err := s.LoadLocalSubgraph(ctx, testWorld, scope, seeds, 1, memgraph.DirectionOut)
	if err != nil {
		t.Fatalf("LoadLocalSubgraph: %v", err)
	}
	if sub.NodeCount() != 26 {
		t.Errorf("subgraph has %d nodes, want 26", sub.NodeCount())
	}
	if sub.EdgeCount() != 25 {
		t.Errorf("subgraph has %d edges, want 25", sub.EdgeCount())
	}
}

func TestClearRemovesEverything(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	scope := ChapterScope("c1")

	g := memgraph.New()
	g.AddNode(node("a", "person", "A"))
	g.AddNode(node("b", "person", "B"))
	g.AddEdge(edge("e1", "a", "b", "knows"))
	if err := s.SaveGraph(ctx, testWorld, scope, g, false); err != nil {
		t.Fatalf("SaveGraph: %v", err)
	}

	if err := s.Clear(ctx, testWorld, scope); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	loaded, err := s.LoadGraph(ctx, testWorld, scope)
	if err != nil {
		t.Fatalf("LoadGraph: %v", err)
	}
	if loaded.NodeCount() != 0 || loaded.EdgeCount() != 0 {
		t.Errorf("scope not empty after Clear: %d nodes, %d edges",
			loaded.NodeCount(), loaded.EdgeCount())
	}
	ids, err := s.NodeIDsByType(ctx, testWorld, scope, "person")
	if err != nil {
		t.Fatalf("NodeIDsByType: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("type index not cleared: %v", ids)
	}
}

func nodeID(i int) string {
	return string(rune('a'+i/10)) + string(rune('0'+i%10))
}
