package memgraph

import (
	"math"

	"fableforge/internal/logging"
)

// =============================================================================
// Spreading Activation Engine
// =============================================================================
// Energy flows from the recall seeds through the memory graph. Each iteration
// every firing node pushes a decayed, weight-scaled signal along its outgoing
// edges; heavily connected hub nodes are penalized so that generic anchors
// (the player, the current location) do not drown out specific memories.

// ActivationConfig parameterizes one spreading-activation run.
type ActivationConfig struct {
	MaxIterations        int
	Decay                float64
	FireThreshold        float64
	OutputThreshold      float64
	HubThreshold         int
	HubPenalty           float64
	MaxActivation        float64
	ConvergenceThreshold float64
	LateralInhibition    bool
	InhibitionFactor     float64
}

// DefaultActivationConfig is the recall preset used by memory tools.
func DefaultActivationConfig() ActivationConfig {
	return ActivationConfig{
		MaxIterations:        3,
		Decay:                0.6,
		FireThreshold:        0.1,
		OutputThreshold:      0.15,
		HubThreshold:         10,
		HubPenalty:           0.5,
		MaxActivation:        1.0,
		ConvergenceThreshold: 0.01,
		LateralInhibition:    true,
		InhibitionFactor:     0.1,
	}
}

// Spread runs spreading activation over the graph from the seed nodes.
// Seeds start at full activation. Returns node id -> activation for every
// node strictly above the output threshold. Empty seeds yield an empty map.
func Spread(g *Graph, seeds []string, cfg ActivationConfig) map[string]float64 {
	timer := logging.StartTimer(logging.CategoryMemory, "Spread")
	defer timer.Stop()

	act := make(map[string]float64)
	seeded := 0
	for _, s := range seeds {
		if g.HasNode(s) {
			act[s] = cfg.MaxActivation
			seeded++
		}
	}
	logging.MemoryDebug("Spread: %d/%d seeds present, %d nodes, %d edges",
		seeded, len(seeds), g.NodeCount(), g.EdgeCount())
	if seeded == 0 {
		return map[string]float64{}
	}

	for iter := 0; iter < cfg.MaxIterations; iter++ {
		// Synchronous update: propagate from a snapshot of this iteration's
		// activations so ordering within the iteration cannot matter.
		next := make(map[string]float64, len(act))
		for id, a := range act {
			next[id] = a
		}

		for id, a := range act {
			if a < cfg.FireThreshold {
				continue
			}
			penalty := 1.0
			if g.Degree(id) > cfg.HubThreshold {
				penalty = cfg.HubPenalty
			}
			for _, e := range g.OutEdges(id) {
				signal := a * e.Weight * cfg.Decay * penalty
				next[e.Target] = math.Min(next[e.Target]+signal, cfg.MaxActivation)
			}
		}

		if cfg.LateralInhibition && len(next) > 0 {
			mean := 0.0
			for _, a := range next {
				mean += a
			}
			mean /= float64(len(next))
			inhibit := cfg.InhibitionFactor * mean
			for id, a := range next {
				next[id] = clamp(a-inhibit, 0, cfg.MaxActivation)
			}
		}

		maxDelta := 0.0
		for id, a := range next {
			if d := math.Abs(a - act[id]); d > maxDelta {
				maxDelta = d
			}
		}
		act = next
		if maxDelta <= cfg.ConvergenceThreshold {
			logging.MemoryDebug("Spread converged at iteration %d (max delta %.4f)", iter+1, maxDelta)
			break
		}
	}

	out := make(map[string]float64)
	for id, a := range act {
		if a > cfg.OutputThreshold {
			out[id] = a
		}
	}
	logging.MemoryDebug("Spread: %d nodes above output threshold %.2f", len(out), cfg.OutputThreshold)
	return out
}

// ExtractSubgraph builds a new graph containing only the activated nodes and
// the edges internal to them, stamping each node's activation into its
// properties so downstream consumers can rank without the activation map.
func ExtractSubgraph(g *Graph, activations map[string]float64) *Graph {
	ids := make(map[string]bool, len(activations))
	for id := range activations {
		ids[id] = true
	}
	sub := g.Subgraph(ids)
	for id, a := range activations {
		if n, ok := sub.GetNode(id); ok {
			n.Properties["activation"] = a
		}
	}
	return sub
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
