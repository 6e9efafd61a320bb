// Package memory bridges working memory (context windows) and long-term
// memory (the persisted graph). The graphizer encodes message spans into
// event_group/event nodes; the pool keeps live NPC instances bounded.
package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"fableforge/internal/contextwin"
	"fableforge/internal/graphstore"
	"fableforge/internal/logging"
	"fableforge/internal/memgraph"
)

// =============================================================================
// Extraction contract
// =============================================================================

// ExtractedNode is an entity the extractor discovered in a message span.
type ExtractedNode struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Name       string                 `json:"name"`
	Importance float64                `json:"importance"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// ExtractedEdge is a relation the extractor proposed.
type ExtractedEdge struct {
	Source   string  `json:"source"`
	Target   string  `json:"target"`
	Relation string  `json:"relation"`
	Weight   float64 `json:"weight"`
}

// SubEvent is one beat within the span, addressing a message index range.
type SubEvent struct {
	Summary  string `json:"summary"`
	StartIdx int    `json:"start_idx"`
	EndIdx   int    `json:"end_idx"`
}

// ExtractionResult is the structured encoding of a message span.
type ExtractionResult struct {
	Summary      string                 `json:"summary"`
	Emotion      string                 `json:"emotion"`
	Location     string                 `json:"location"`
	Participants []string               `json:"participants"`
	SubEvents    []SubEvent             `json:"sub_events"`
	NewNodes     []ExtractedNode        `json:"new_nodes"`
	Edges        []ExtractedEdge        `json:"edges"`
	StateUpdates map[string]interface{} `json:"state_updates,omitempty"`
}

// Extractor turns a message span into structured memory. Implemented by an
// external collaborator (an LLM behind a transport); tests use fakes.
type Extractor interface {
	Extract(ctx context.Context, ownerID string, messages []contextwin.Message) (*ExtractionResult, error)
}

// =============================================================================
// Graphizer
// =============================================================================

// Graphizer encodes context-window spans into the owner's character-scope
// graph. Extraction failures degrade to a minimal event_group so the window
// can always be drained.
type Graphizer struct {
	store     *graphstore.Store
	extractor Extractor
	playerID  string
}

// NewGraphizer wires a graphizer. extractor may be nil; all spans then take
// the fallback path.
func NewGraphizer(store *graphstore.Store, extractor Extractor, playerID string) *Graphizer {
	return &Graphizer{store: store, extractor: extractor, playerID: playerID}
}

// GraphizeSpan encodes messages into ownerID's scope, then marks and removes
// them from the window. location and day annotate the event_group; location
// may be empty. Returns the event_group node id.
func (g *Graphizer) GraphizeSpan(ctx context.Context, worldID, ownerID, location string, day int, win *contextwin.Window, messages []contextwin.Message) (string, error) {
	timer := logging.StartTimer(logging.CategoryMemory, "GraphizeSpan")
	defer timer.Stop()

	if len(messages) == 0 {
		return "", nil
	}
	logging.Memory("Graphizing %d messages for %s (world=%s)", len(messages), ownerID, worldID)

	result := g.extract(ctx, ownerID, messages)
	if result.Location == "" {
		result.Location = location
	}

	scope := graphstore.CharacterScope(ownerID)
	now := time.Now()
	groupID := "evtgrp_" + uuid.NewString()

	group := memgraph.Node{
		ID:         groupID,
		Type:       "event_group",
		Name:       result.Summary,
		Importance: 0.6,
		Properties: map[string]interface{}{
			"transcript":   transcript(messages),
			"summary":      result.Summary,
			"emotion":      result.Emotion,
			"location":     result.Location,
			"participants": result.Participants,
			"day":          day,
			"message_ids":  messageIDs(messages),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := g.store.UpsertNode(ctx, worldID, scope, group); err != nil {
		return "", fmt.Errorf("graphize %s: event_group: %w", ownerID, err)
	}

	for i, sub := range result.SubEvents {
		if err := g.writeSubEvent(ctx, worldID, scope, groupID, i, sub, messages, now); err != nil {
			return "", err
		}
	}

	for _, en := range result.NewNodes {
		node := memgraph.Node{
			ID: en.ID, Type: en.Type, Name: en.Name,
			Importance: en.Importance,
			Properties: en.Properties,
			CreatedAt:  now, UpdatedAt: now,
		}
		if err := g.store.UpsertNode(ctx, worldID, scope, node); err != nil {
			return "", fmt.Errorf("graphize %s: entity %s: %w", ownerID, en.ID, err)
		}
	}

	if err := g.writeAnchorEdges(ctx, worldID, scope, groupID, ownerID, result, now); err != nil {
		return "", err
	}
	for _, ee := range result.Edges {
		edge := memgraph.Edge{
			ID:       "edge_" + uuid.NewString(),
			Source:   ee.Source,
			Target:   ee.Target,
			Relation: ee.Relation,
			Weight:   ee.Weight,
			CreatedAt: now,
		}
		if err := g.store.UpsertEdge(ctx, worldID, scope, edge); err != nil {
			return "", fmt.Errorf("graphize %s: edge: %w", ownerID, err)
		}
	}

	// The span leaves the window whether or not extraction produced anything
	// richer than the fallback.
	win.MarkGraphized(messageIDs(messages))
	win.RemoveGraphized()

	logging.Memory("Graphized span into %s: group=%s sub_events=%d entities=%d",
		ownerID, groupID, len(result.SubEvents), len(result.NewNodes))
	return groupID, nil
}

// extract calls the external extractor, degrading to a placeholder result.
func (g *Graphizer) extract(ctx context.Context, ownerID string, messages []contextwin.Message) *ExtractionResult {
	if g.extractor != nil {
		result, err := g.extractor.Extract(ctx, ownerID, messages)
		if err == nil && result != nil {
			return result
		}
		if err != nil {
			logging.Get(logging.CategoryMemory).Warn(
				"Extractor failed for %s, writing fallback event_group: %v", ownerID, err)
		}
	}
	return &ExtractionResult{
		Summary:      fmt.Sprintf("对话片段（%d 条消息）", len(messages)),
		Participants: []string{ownerID},
	}
}

func (g *Graphizer) writeSubEvent(ctx context.Context, worldID string, scope graphstore.Scope, groupID string, idx int, sub SubEvent, messages []contextwin.Message, now time.Time) error {
	start, end := sub.StartIdx, sub.EndIdx
	if start < 0 {
		start = 0
	}
	if end >= len(messages) {
		end = len(messages) - 1
	}
	snippet := ""
	if start <= end {
		snippet = transcript(messages[start : end+1])
	}

	node := memgraph.Node{
		ID:         fmt.Sprintf("%s_ev%d", groupID, idx),
		Type:       "event",
		Name:       sub.Summary,
		Importance: 0.5,
		Properties: map[string]interface{}{
			"summary":          sub.Summary,
			"transcript_range": map[string]interface{}{"start_idx": sub.StartIdx, "end_idx": sub.EndIdx},
			"snippet":          snippet,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := g.store.UpsertNode(ctx, worldID, scope, node); err != nil {
		return fmt.Errorf("graphize: sub event %d: %w", idx, err)
	}
	edge := memgraph.Edge{
		ID:       "edge_" + uuid.NewString(),
		Source:   groupID,
		Target:   node.ID,
		Relation: "contains",
		Weight:   1.0,
		CreatedAt: now,
	}
	return g.store.UpsertEdge(ctx, worldID, scope, edge)
}

// writeAnchorEdges guarantees the event_group is reachable from the people
// and place it involves, independent of what the extractor proposed.
func (g *Graphizer) writeAnchorEdges(ctx context.Context, worldID string, scope graphstore.Scope, groupID, ownerID string, result *ExtractionResult, now time.Time) error {
	targets := map[string]string{
		ownerID: "participated",
	}
	if g.playerID != "" {
		targets[g.playerID] = "participated"
	}
	for _, p := range result.Participants {
		if p != "" {
			targets[p] = "participated"
		}
	}
	if result.Location != "" {
		targets[result.Location] = "located_in"
	}

	for target, relation := range targets {
		if err := g.ensureNode(ctx, worldID, scope, target, relation, now); err != nil {
			return err
		}
		edge := memgraph.Edge{
			ID:       "edge_" + uuid.NewString(),
			Source:   groupID,
			Target:   target,
			Relation: relation,
			Weight:   1.0,
			CreatedAt: now,
		}
		if err := g.store.UpsertEdge(ctx, worldID, scope, edge); err != nil {
			return fmt.Errorf("graphize: anchor edge to %s: %w", target, err)
		}
	}
	return nil
}

func (g *Graphizer) ensureNode(ctx context.Context, worldID string, scope graphstore.Scope, id, relation string, now time.Time) error {
	existing, err := g.store.GetNode(ctx, worldID, scope, id)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	typ := "person"
	if relation == "located_in" {
		typ = "place"
	}
	return g.store.UpsertNode(ctx, worldID, scope, memgraph.Node{
		ID: id, Type: typ, Name: id, Importance: 0.3,
		Properties: map[string]interface{}{},
		CreatedAt:  now, UpdatedAt: now,
	})
}

func transcript(messages []contextwin.Message) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}

func messageIDs(messages []contextwin.Message) []string {
	ids := make([]string, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
	}
	return ids
}
