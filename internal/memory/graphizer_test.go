package memory

import (
	"context"
	"errors"
	"testing"

	"fableforge/internal/contextwin"
	"fableforge/internal/graphstore"
	"fableforge/internal/kv"
	"fableforge/internal/memgraph"
)

type fakeExtractor struct {
	result *ExtractionResult
	err    error
	calls  int
}

func (f *fakeExtractor) Extract(ctx context.Context, ownerID string, messages []contextwin.Message) (*ExtractionResult, error) {
	f.calls++
	return f.result, f.err
}

func newWindow() *contextwin.Window {
	return contextwin.New(contextwin.Options{
		MaxTokens:         1000,
		GraphizeThreshold: 0.9,
		KeepRecentTokens:  400,
	})
}

func fillWindow(w *contextwin.Window, n int) []contextwin.Message {
	for i := 0; i < n; i++ {
		w.AddMessage("user", "你好，旅行者，欢迎来到森林边缘的小村庄。")
	}
	return w.Messages()
}

func TestGraphizeSpanWritesEventGroup(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemoryStore()
	defer mem.Close()
	gs := graphstore.New(mem)

	ex := &fakeExtractor{result: &ExtractionResult{
		Summary:      "初次见面",
		Emotion:      "curious",
		Location:     "loc_village",
		Participants: []string{"npc_elder"},
		SubEvents:    []SubEvent{{Summary: "打招呼", StartIdx: 0, EndIdx: 1}},
		NewNodes: []ExtractedNode{
			{ID: "item_amulet", Type: "item", Name: "Amulet", Importance: 0.7},
		},
		Edges: []ExtractedEdge{
			{Source: "npc_elder", Target: "item_amulet", Relation: "owns", Weight: 0.8},
		},
	}}
	g := NewGraphizer(gs, ex, "player")

	win := newWindow()
	msgs := fillWindow(win, 3)

	groupID, err := g.GraphizeSpan(ctx, "w1", "npc_elder", "loc_village", 2, win, msgs)
	if err != nil {
		t.Fatalf("GraphizeSpan: %v", err)
	}
	if groupID == "" {
		t.Fatal("empty group id")
	}

	scope := graphstore.CharacterScope("npc_elder")
	group, err := gs.GetNode(ctx, "w1", scope, groupID)
	if err != nil || group == nil {
		t.Fatalf("event_group not persisted: %v", err)
	}
	if group.Type != "event_group" {
		t.Errorf("group type = %q", group.Type)
	}
	if group.Properties["summary"] != "初次见面" {
		t.Errorf("summary = %v", group.Properties["summary"])
	}
	if group.Properties["transcript"] == "" {
		t.Error("event_group missing transcript")
	}

	// Sub event with its range.
	sub, err := gs.GetNode(ctx, "w1", scope, groupID+"_ev0")
	if err != nil || sub == nil {
		t.Fatalf("sub event not persisted: %v", err)
	}
	if sub.Type != "event" {
		t.Errorf("sub event type = %q", sub.Type)
	}

	// Extractor entity and proposed edge.
	if n, _ := gs.GetNode(ctx, "w1", scope, "item_amulet"); n == nil {
		t.Error("extractor entity not persisted")
	}

	// Anchor edges: the group reaches owner, player, and location.
	loaded, err := gs.LoadGraph(ctx, "w1", scope)
	if err != nil {
		t.Fatalf("LoadGraph: %v", err)
	}
	anchors := map[string]bool{}
	for _, e := range loaded.OutEdges(groupID) {
		anchors[e.Target+"/"+e.Relation] = true
	}
	for _, want := range []string{"npc_elder/participated", "player/participated", "loc_village/located_in"} {
		if !anchors[want] {
			t.Errorf("missing anchor edge %s (have %v)", want, anchors)
		}
	}

	// Span must be gone from the window.
	if win.MessageCount() != 0 {
		t.Errorf("window still holds %d messages", win.MessageCount())
	}
}

func TestGraphizeSpanFallbackOnExtractorFailure(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemoryStore()
	defer mem.Close()
	gs := graphstore.New(mem)

	ex := &fakeExtractor{err: errors.New("model unavailable")}
	g := NewGraphizer(gs, ex, "player")

	win := newWindow()
	msgs := fillWindow(win, 2)

	groupID, err := g.GraphizeSpan(ctx, "w1", "npc_elder", "", 1, win, msgs)
	if err != nil {
		t.Fatalf("GraphizeSpan fallback: %v", err)
	}

	group, err := gs.GetNode(ctx, "w1", graphstore.CharacterScope("npc_elder"), groupID)
	if err != nil || group == nil {
		t.Fatalf("fallback event_group not persisted: %v", err)
	}
	if group.Properties["summary"] == "" {
		t.Error("fallback group has empty summary")
	}
	// Window drained even though extraction failed.
	if win.MessageCount() != 0 {
		t.Errorf("window still holds %d messages after fallback", win.MessageCount())
	}
}

func TestGraphizeSpanEmptyIsNoOp(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemoryStore()
	defer mem.Close()
	g := NewGraphizer(graphstore.New(mem), nil, "player")

	groupID, err := g.GraphizeSpan(ctx, "w1", "npc_elder", "", 0, newWindow(), nil)
	if err != nil {
		t.Fatalf("GraphizeSpan: %v", err)
	}
	if groupID != "" {
		t.Errorf("group id = %q for empty span, want empty", groupID)
	}
}

func TestGraphizedMemoryIsRecallable(t *testing.T) {
	// End to end: graphize, then spread activation from the owner node and
	// confirm the event_group surfaces.
	ctx := context.Background()
	mem := kv.NewMemoryStore()
	defer mem.Close()
	gs := graphstore.New(mem)
	g := NewGraphizer(gs, nil, "player")

	win := newWindow()
	msgs := fillWindow(win, 2)
	groupID, err := g.GraphizeSpan(ctx, "w1", "npc_elder", "loc_village", 1, win, msgs)
	if err != nil {
		t.Fatalf("GraphizeSpan: %v", err)
	}

	loaded, err := gs.LoadGraph(ctx, "w1", graphstore.CharacterScope("npc_elder"))
	if err != nil {
		t.Fatalf("LoadGraph: %v", err)
	}
	cfg := memgraph.DefaultActivationConfig()
	act := memgraph.Spread(loaded, []string{groupID}, cfg)
	if _, ok := act["npc_elder"]; !ok {
		t.Errorf("owner not activated from event_group: %v", act)
	}
}
