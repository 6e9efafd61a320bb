package events

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"fableforge/internal/graphstore"
	"fableforge/internal/kv"
	"fableforge/internal/memgraph"
)

type fakeDirectory struct {
	known map[string][]string // location -> characters; "" key lists everyone
}

func (f *fakeDirectory) KnownCharacters(ctx context.Context, worldID string) ([]string, error) {
	return f.known[""], nil
}

func (f *fakeDirectory) CharactersAt(ctx context.Context, worldID, location string) ([]string, error) {
	return f.known[location], nil
}

func newTestDispatcher(t *testing.T, dir Directory) (*Dispatcher, *graphstore.Store, *Bus) {
	t.Helper()
	mem := kv.NewMemoryStore()
	t.Cleanup(func() { mem.Close() })
	gs := graphstore.New(mem)
	bus := NewBus()
	return NewDispatcher(gs, bus, dir, nil), gs, bus
}

func TestBusPublishAwaitsHandlers(t *testing.T) {
	bus := NewBus()
	var order []string
	bus.Subscribe("event_activated", func(ctx context.Context, ev *WorldEvent) error {
		order = append(order, "first")
		return nil
	})
	bus.Subscribe("event_activated", func(ctx context.Context, ev *WorldEvent) error {
		order = append(order, "second")
		return errors.New("boom")
	})
	bus.Subscribe("*", func(ctx context.Context, ev *WorldEvent) error {
		order = append(order, "wildcard")
		return nil
	})
	bus.Subscribe("other", func(ctx context.Context, ev *WorldEvent) error {
		order = append(order, "other")
		return nil
	})

	bus.Publish(context.Background(), &WorldEvent{ID: "e1", Type: "event_activated"})

	want := []string{"first", "second", "wildcard"}
	if len(order) != len(want) {
		t.Fatalf("handler order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("handler order = %v, want %v", order, want)
		}
	}
}

func TestIngestWritesWorldGraph(t *testing.T) {
	ctx := context.Background()
	d, gs, bus := newTestDispatcher(t, nil)

	var published *WorldEvent
	bus.Subscribe("*", func(ctx context.Context, ev *WorldEvent) error {
		published = ev
		return nil
	})

	ev := &WorldEvent{
		Type:         "ambush",
		Summary:      "Bandits ambush the caravan",
		Location:     "loc_forest_road",
		Day:          2,
		Participants: []string{"player", "npc_bandit"},
		Witnesses:    []string{"npc_merchant"},
	}
	if err := d.Ingest(ctx, "w1", ev, IngestOptions{}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if ev.ID == "" {
		t.Fatal("Ingest did not assign an event id")
	}
	if published == nil || published.ID != ev.ID {
		t.Error("event not published to bus")
	}

	g, err := gs.LoadGraph(ctx, "w1", graphstore.WorldScope())
	if err != nil {
		t.Fatalf("LoadGraph: %v", err)
	}
	if !g.HasNode(ev.ID) {
		t.Fatal("event node missing from world graph")
	}
	for _, person := range []string{"player", "npc_bandit", "npc_merchant"} {
		if !g.HasNode(person) {
			t.Errorf("person node %s missing", person)
		}
	}

	relations := map[string]string{}
	for _, e := range g.InEdges(ev.ID) {
		relations[e.Source] = e.Relation
	}
	if relations["player"] != "participated" || relations["npc_bandit"] != "participated" {
		t.Errorf("participated edges = %v", relations)
	}
	if relations["npc_merchant"] != "witnessed" {
		t.Errorf("witnessed edge = %v", relations)
	}
}

func TestIngestStrictRejectsUnknownTypes(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDispatcher(t, nil)

	ev := &WorldEvent{
		Type:    "oddity",
		Summary: "anomaly",
		Nodes: []memgraph.Node{{
			ID: "x1", Type: "tesseract", Name: "X",
			Properties: map[string]interface{}{},
			CreatedAt:  time.Now(), UpdatedAt: time.Now(),
		}},
	}
	err := d.Ingest(ctx, "w1", ev, IngestOptions{Validate: true, Strict: true})
	if err == nil {
		t.Fatal("strict ingest accepted unknown node type")
	}

	// Non-strict mode lets it through.
	ev2 := &WorldEvent{Type: "oddity", Summary: "anomaly", Nodes: ev.Nodes}
	if err := d.Ingest(ctx, "w1", ev2, IngestOptions{Validate: true}); err != nil {
		t.Fatalf("lenient ingest rejected: %v", err)
	}
}

func TestIngestStrictRejectsIllTypedEventProps(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDispatcher(t, nil)

	ev := &WorldEvent{
		Type:       "rumor",
		Summary:    "a rumor spreads",
		Properties: map[string]interface{}{"day": "tuesday"},
	}
	err := d.Ingest(ctx, "w1", ev, IngestOptions{Validate: true, Strict: true})
	if err == nil {
		t.Fatal("strict ingest accepted non-numeric day property")
	}
}

func TestDistributeReachesComputedRecipients(t *testing.T) {
	ctx := context.Background()
	dir := &fakeDirectory{known: map[string][]string{
		"":           {"player", "npc_a", "npc_b", "npc_c"},
		"loc_square": {"npc_bystander"},
	}}
	d, gs, _ := newTestDispatcher(t, dir)

	ev := &WorldEvent{
		Type:         "duel",
		Summary:      "a duel in the square",
		Location:     "loc_square",
		Participants: []string{"player"},
		Witnesses:    []string{"npc_a"},
		Visibility:   Visibility{KnownTo: []string{"npc_b"}},
	}
	if err := d.Ingest(ctx, "w1", ev, IngestOptions{Distribute: true}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	// participants + witnesses + known_to + bystanders; npc_c hears nothing.
	for _, recipient := range []string{"player", "npc_a", "npc_b", "npc_bystander"} {
		g, err := gs.LoadGraph(ctx, "w1", graphstore.CharacterScope(recipient))
		if err != nil {
			t.Fatalf("LoadGraph %s: %v", recipient, err)
		}
		n, ok := g.GetNode(ev.ID)
		if !ok {
			t.Errorf("recipient %s missing event node", recipient)
			continue
		}
		if n.Properties["perspective"] != "gm_dispatch" {
			t.Errorf("recipient %s node perspective = %v", recipient, n.Properties["perspective"])
		}
	}
	g, _ := gs.LoadGraph(ctx, "w1", graphstore.CharacterScope("npc_c"))
	if g.HasNode(ev.ID) {
		t.Error("npc_c received a non-public event")
	}
}

func TestPublicEventReachesEveryone(t *testing.T) {
	ctx := context.Background()
	dir := &fakeDirectory{known: map[string][]string{
		"": {"npc_a", "npc_b"},
	}}
	d, gs, _ := newTestDispatcher(t, dir)

	ev := &WorldEvent{
		Type:       "proclamation",
		Summary:    "the king proclaims a festival",
		Visibility: Visibility{Public: true},
	}
	if err := d.Ingest(ctx, "w1", ev, IngestOptions{Distribute: true}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	var got []string
	for _, id := range []string{"npc_a", "npc_b"} {
		g, _ := gs.LoadGraph(ctx, "w1", graphstore.CharacterScope(id))
		if g.HasNode(ev.ID) {
			got = append(got, id)
		}
	}
	sort.Strings(got)
	if len(got) != 2 {
		t.Errorf("public event reached %v, want both characters", got)
	}
}

func TestExplicitRecipientsOverrideComputed(t *testing.T) {
	ctx := context.Background()
	dir := &fakeDirectory{known: map[string][]string{"": {"npc_a", "npc_b"}}}
	d, gs, _ := newTestDispatcher(t, dir)

	ev := &WorldEvent{
		Type:         "whisper",
		Summary:      "a secret",
		Participants: []string{"player", "npc_a"},
	}
	opts := IngestOptions{Distribute: true, Recipients: []string{"npc_b"}}
	if err := d.Ingest(ctx, "w1", ev, opts); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	g, _ := gs.LoadGraph(ctx, "w1", graphstore.CharacterScope("npc_b"))
	if !g.HasNode(ev.ID) {
		t.Error("explicit recipient missing event")
	}
	g, _ = gs.LoadGraph(ctx, "w1", graphstore.CharacterScope("npc_a"))
	if g.HasNode(ev.ID) {
		t.Error("computed recipient received event despite explicit list")
	}
}
