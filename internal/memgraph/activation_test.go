package memgraph

import (
	"fmt"
	"testing"
)

// buildRecallGraph wires a small memory neighborhood:
//
//	seed --0.9--> m1 --0.8--> m2
//	seed --0.2--> weak
func buildRecallGraph(t *testing.T) *Graph {
	t.Helper()
	g := New()
	for _, id := range []string{"seed", "m1", "m2", "weak"} {
		g.AddNode(mkNode(id, "memory", id))
	}
	mustEdge(t, g, mkEdge("e1", "seed", "m1", "relates", 0.9))
	mustEdge(t, g, mkEdge("e2", "m1", "m2", "relates", 0.8))
	mustEdge(t, g, mkEdge("e3", "seed", "weak", "relates", 0.2))
	return g
}

func mustEdge(t *testing.T, g *Graph, e Edge) {
	t.Helper()
	if err := g.AddEdge(e); err != nil {
		t.Fatalf("AddEdge %s: %v", e.ID, err)
	}
}

func TestSpreadEmptySeedsReturnsEmpty(t *testing.T) {
	g := buildRecallGraph(t)
	if got := Spread(g, nil, DefaultActivationConfig()); len(got) != 0 {
		t.Errorf("Spread with no seeds = %v, want empty", got)
	}
	if got := Spread(g, []string{"not-in-graph"}, DefaultActivationConfig()); len(got) != 0 {
		t.Errorf("Spread with unknown seeds = %v, want empty", got)
	}
}

func TestSpreadReachesNeighbors(t *testing.T) {
	g := buildRecallGraph(t)
	cfg := DefaultActivationConfig()
	cfg.LateralInhibition = false

	act := Spread(g, []string{"seed"}, cfg)

	if act["seed"] != cfg.MaxActivation {
		t.Errorf("seed activation = %.3f, want %.3f", act["seed"], cfg.MaxActivation)
	}
	// One hop: 1.0 * 0.9 * 0.6 = 0.54
	if a := act["m1"]; a < 0.5 || a > 0.7 {
		t.Errorf("m1 activation = %.3f, want ~0.54", a)
	}
	// Two hops decay further but stay above output threshold.
	if a := act["m2"]; a <= cfg.OutputThreshold {
		t.Errorf("m2 activation = %.3f, want > %.2f", a, cfg.OutputThreshold)
	}
	// Weak link: 1.0 * 0.2 * 0.6 = 0.12 < 0.15 output threshold.
	if _, ok := act["weak"]; ok {
		t.Errorf("weak node surfaced with activation %.3f", act["weak"])
	}
}

func TestSpreadHubPenalty(t *testing.T) {
	cfg := DefaultActivationConfig()
	cfg.LateralInhibition = false
	cfg.HubThreshold = 3

	g := New()
	g.AddNode(mkNode("hub", "person", "hub"))
	g.AddNode(mkNode("quiet", "person", "quiet"))
	g.AddNode(mkNode("hubTarget", "memory", "hubTarget"))
	g.AddNode(mkNode("quietTarget", "memory", "quietTarget"))
	mustEdge(t, g, mkEdge("h0", "hub", "hubTarget", "relates", 0.9))
	mustEdge(t, g, mkEdge("q0", "quiet", "quietTarget", "relates", 0.9))
	// Pad the hub's degree past the threshold.
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("pad%d", i)
		g.AddNode(mkNode(id, "memory", id))
		mustEdge(t, g, mkEdge("hp"+id, "hub", id, "relates", 0.1))
	}

	act := Spread(g, []string{"hub", "quiet"}, cfg)

	if act["hubTarget"] >= act["quietTarget"] {
		t.Errorf("hub target %.3f not penalized below quiet target %.3f",
			act["hubTarget"], act["quietTarget"])
	}
}

func TestSpreadClampsAtMaxActivation(t *testing.T) {
	cfg := DefaultActivationConfig()
	cfg.LateralInhibition = false

	g := New()
	g.AddNode(mkNode("t", "memory", "t"))
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("s%d", i)
		g.AddNode(mkNode(id, "memory", id))
		mustEdge(t, g, mkEdge("e"+id, id, "t", "relates", 1.0))
	}

	seeds := []string{"s0", "s1", "s2", "s3", "s4", "s5"}
	act := Spread(g, seeds, cfg)
	if act["t"] > cfg.MaxActivation {
		t.Errorf("target activation %.3f exceeds max %.3f", act["t"], cfg.MaxActivation)
	}
}

func TestSpreadLateralInhibitionSuppresses(t *testing.T) {
	g := buildRecallGraph(t)

	plain := DefaultActivationConfig()
	plain.LateralInhibition = false
	inhibited := DefaultActivationConfig()
	inhibited.LateralInhibition = true

	a := Spread(g, []string{"seed"}, plain)
	b := Spread(g, []string{"seed"}, inhibited)

	if b["m2"] >= a["m2"] && a["m2"] > 0 {
		t.Errorf("inhibition did not reduce fringe activation: %.3f vs %.3f", b["m2"], a["m2"])
	}
}

func TestExtractSubgraphAnnotatesActivation(t *testing.T) {
	g := buildRecallGraph(t)
	cfg := DefaultActivationConfig()
	cfg.LateralInhibition = false

	act := Spread(g, []string{"seed"}, cfg)
	sub := ExtractSubgraph(g, act)

	if sub.NodeCount() != len(act) {
		t.Fatalf("subgraph has %d nodes, want %d", sub.NodeCount(), len(act))
	}
	n, ok := sub.GetNode("m1")
	if !ok {
		t.Fatal("m1 missing from extracted subgraph")
	}
	got, ok := n.Properties["activation"].(float64)
	if !ok || got != act["m1"] {
		t.Errorf("m1 activation annotation = %v, want %.3f", n.Properties["activation"], act["m1"])
	}
	// Edge to the excluded weak node must not survive.
	for _, e := range sub.Edges() {
		if e.Target == "weak" || e.Source == "weak" {
			t.Errorf("edge %s touches excluded node", e.ID)
		}
	}
}
