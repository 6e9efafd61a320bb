package events

import (
	"fmt"

	"fableforge/internal/memgraph"
)

// Visibility controls who perceives a world event beyond its direct
// participants and witnesses.
type Visibility struct {
	Public  bool     `json:"public"`
	KnownTo []string `json:"known_to,omitempty"`
}

// WorldEvent is one recordable happening. Nodes and Edges carry the graph
// encoding; when Nodes is empty a default event node is synthesized from the
// scalar fields.
type WorldEvent struct {
	ID           string                 `json:"id"`
	Type         string                 `json:"type"`
	Summary      string                 `json:"summary"`
	Location     string                 `json:"location,omitempty"`
	Day          int                    `json:"day"`
	Participants []string               `json:"participants,omitempty"`
	Witnesses    []string               `json:"witnesses,omitempty"`
	Visibility   Visibility             `json:"visibility"`
	Properties   map[string]interface{} `json:"properties,omitempty"`

	Nodes []memgraph.Node `json:"nodes,omitempty"`
	Edges []memgraph.Edge `json:"edges,omitempty"`
}

// =============================================================================
// Schema validation
// =============================================================================

// SchemaOptions controls node/edge validation during ingest. In strict mode
// unknown node types, unknown relations, and ill-typed event properties are
// rejected; otherwise they pass through with a log line.
type SchemaOptions struct {
	Strict         bool
	NodeTypes      map[string]bool
	Relations      map[string]bool
}

// DefaultSchema recognizes the node types and relations the engine itself
// emits.
func DefaultSchema() SchemaOptions {
	return SchemaOptions{
		NodeTypes: map[string]bool{
			"person": true, "place": true, "item": true,
			"event": true, "event_group": true, "event_def": true,
			"memory": true, "concept": true, "organization": true,
		},
		Relations: map[string]bool{
			"participated": true, "witnessed": true, "located_in": true,
			"knows": true, "owns": true, "contains": true, "relates": true,
			"caused_by": true, "perspective_of": true, "unlocks": true,
		},
	}
}

// ValidateNode checks one node against the schema.
func (s SchemaOptions) ValidateNode(n memgraph.Node) error {
	if n.ID == "" {
		return fmt.Errorf("node with empty id")
	}
	if s.Strict && len(s.NodeTypes) > 0 && !s.NodeTypes[n.Type] {
		return fmt.Errorf("unknown node type %q on node %s", n.Type, n.ID)
	}
	if n.Type == "event" || n.Type == "event_group" {
		if err := validateEventProperties(n.Properties); err != nil {
			if s.Strict {
				return fmt.Errorf("node %s: %w", n.ID, err)
			}
		}
	}
	return nil
}

// ValidateEdge checks one edge against the schema.
func (s SchemaOptions) ValidateEdge(e memgraph.Edge) error {
	if e.Source == "" || e.Target == "" {
		return fmt.Errorf("edge %s with empty endpoint", e.ID)
	}
	if s.Strict && len(s.Relations) > 0 && !s.Relations[e.Relation] {
		return fmt.Errorf("unknown relation %q on edge %s", e.Relation, e.ID)
	}
	if e.Weight < 0 || e.Weight > 1 {
		return fmt.Errorf("edge %s weight %.2f outside [0,1]", e.ID, e.Weight)
	}
	return nil
}

func validateEventProperties(props map[string]interface{}) error {
	if v, ok := props["day"]; ok {
		switch v.(type) {
		case float64, int:
		default:
			return fmt.Errorf("event property day has non-numeric type %T", v)
		}
	}
	if v, ok := props["participants"]; ok {
		switch v.(type) {
		case []interface{}, []string:
		default:
			return fmt.Errorf("event property participants has non-list type %T", v)
		}
	}
	return nil
}
