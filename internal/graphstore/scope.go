// Package graphstore persists memory graphs into the document store, one
// subgraph per (world, scope). It maintains the secondary indices recall
// depends on and loads local neighborhoods without pulling whole graphs.
package graphstore

import (
	"fmt"
	"strings"
)

// Scope addresses one persisted subgraph.
type Scope struct {
	Kind        string // world | chapter | area | character | camp
	ChapterID   string
	AreaID      string
	CharacterID string
}

func WorldScope() Scope { return Scope{Kind: "world"} }

func ChapterScope(chapterID string) Scope {
	return Scope{Kind: "chapter", ChapterID: chapterID}
}

func AreaScope(chapterID, areaID string) Scope {
	return Scope{Kind: "area", ChapterID: chapterID, AreaID: areaID}
}

func CharacterScope(characterID string) Scope {
	return Scope{Kind: "character", CharacterID: characterID}
}

func CampScope() Scope { return Scope{Kind: "camp"} }

// Validate rejects malformed scopes before they reach store paths.
func (s Scope) Validate() error {
	switch s.Kind {
	case "world", "camp":
		return nil
	case "chapter":
		if s.ChapterID == "" {
			return fmt.Errorf("chapter scope requires chapter id")
		}
		return nil
	case "area":
		if s.ChapterID == "" || s.AreaID == "" {
			return fmt.Errorf("area scope requires chapter and area ids")
		}
		return nil
	case "character":
		if s.CharacterID == "" {
			return fmt.Errorf("character scope requires character id")
		}
		return nil
	default:
		return fmt.Errorf("unknown scope kind %q", s.Kind)
	}
}

// Key returns the scope segment used in store paths.
func (s Scope) Key() string {
	switch s.Kind {
	case "chapter":
		return "chapter_" + s.ChapterID
	case "area":
		return "area_" + s.ChapterID + "_" + s.AreaID
	default:
		return s.Kind
	}
}

// String renders a human-readable scope label for logs.
func (s Scope) String() string {
	switch s.Kind {
	case "chapter":
		return "chapter(" + s.ChapterID + ")"
	case "area":
		return "area(" + s.ChapterID + "/" + s.AreaID + ")"
	case "character":
		return "character(" + s.CharacterID + ")"
	default:
		return s.Kind
	}
}

// root returns the collection root for this scope's graph. Character scopes
// live under the character document tree; everything else under graphs/.
func (s Scope) root(worldID string) string {
	if s.Kind == "character" {
		return fmt.Sprintf("worlds/%s/characters/%s/graph", worldID, s.CharacterID)
	}
	return fmt.Sprintf("worlds/%s/graphs/%s", worldID, s.Key())
}

func (s Scope) nodePath(worldID, nodeID string) string {
	return s.root(worldID) + "/nodes/" + nodeID
}

func (s Scope) edgePath(worldID, edgeID string) string {
	return s.root(worldID) + "/edges/" + edgeID
}

func (s Scope) nodesCollection(worldID string) string {
	return s.root(worldID) + "/nodes"
}

func (s Scope) edgesCollection(worldID string) string {
	return s.root(worldID) + "/edges"
}

func (s Scope) typeIndexPath(worldID, typ, nodeID string) string {
	return fmt.Sprintf("%s/type_index/%s/nodes/%s", s.root(worldID), typ, nodeID)
}

func (s Scope) nameIndexPath(worldID, name, nodeID string) string {
	return fmt.Sprintf("%s/name_index/%s/nodes/%s", s.root(worldID), indexName(name), nodeID)
}

func (s Scope) timelinePath(worldID string, day int, nodeID string) string {
	return fmt.Sprintf("%s/timeline/%d/events/%s", s.root(worldID), day, nodeID)
}

// indexName normalizes a display name into an index segment.
func indexName(name string) string {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.ReplaceAll(lower, "/", "_")
}
