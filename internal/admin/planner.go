package admin

import (
	"context"
	"strings"

	"fableforge/internal/world"
)

// Operation is one planned tool invocation.
type Operation struct {
	Tool string                 `json:"tool"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// AnalysisPlan is what the planner produces for one player input.
type AnalysisPlan struct {
	Intent      string      `json:"intent"`
	Operations  []Operation `json:"operations,omitempty"`
	MemorySeeds []string    `json:"memory_seeds,omitempty"`
}

// Planner resolves free-form player input into a tool plan. The production
// planner is an external LLM; RulePlanner keeps the engine playable without
// one.
type Planner interface {
	Plan(ctx context.Context, input string, state *world.GameState) (*AnalysisPlan, error)
}

// Narrator renders the turn outcome as prose. Nil narrators fall back to the
// engine's own summaries.
type Narrator interface {
	Narrate(ctx context.Context, state *world.GameState, toolSummary string) (string, error)
}

// ImageGenerator produces a scene illustration and returns its reference.
type ImageGenerator interface {
	Generate(ctx context.Context, description, style string) (string, error)
}

// RulePlanner is a keyword fallback: enough intent resolution to walk, talk,
// and fight without an external model.
type RulePlanner struct{}

// Plan classifies the input by leading keyword.
func (RulePlanner) Plan(_ context.Context, input string, state *world.GameState) (*AnalysisPlan, error) {
	text := strings.TrimSpace(input)
	lower := strings.ToLower(text)

	switch {
	case strings.HasPrefix(lower, "go ") || strings.HasPrefix(text, "前往"):
		dest := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(text, "go "), "前往"))
		return &AnalysisPlan{
			Intent:     "navigate",
			Operations: []Operation{{Tool: "navigate", Args: map[string]interface{}{"destination": dest}}},
		}, nil
	case strings.HasPrefix(lower, "wait") || strings.HasPrefix(text, "等待"):
		return &AnalysisPlan{
			Intent:     "wait",
			Operations: []Operation{{Tool: "update_time", Args: map[string]interface{}{"minutes": 30}}},
		}, nil
	case state.ActiveDialogueNPC != "":
		return &AnalysisPlan{
			Intent: "dialogue",
			Operations: []Operation{{
				Tool: "npc_dialogue",
				Args: map[string]interface{}{"npc_id": state.ActiveDialogueNPC, "message": text},
			}},
			MemorySeeds: []string{state.ActiveDialogueNPC},
		}, nil
	default:
		// Free exploration: no tool effects, narration only.
		return &AnalysisPlan{Intent: "narrate"}, nil
	}
}
