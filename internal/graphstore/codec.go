package graphstore

import (
	"time"

	"fableforge/internal/kv"
	"fableforge/internal/memgraph"
)

// Node and edge documents keep flat field names so the KV query layer can
// filter on "source"/"target"/"type" directly.

func nodeDoc(n memgraph.Node) kv.Document {
	return kv.Document{
		"id":         n.ID,
		"type":       n.Type,
		"name":       n.Name,
		"importance": n.Importance,
		"properties": map[string]interface{}(n.Properties),
		"created_at": n.CreatedAt.Format(time.RFC3339Nano),
		"updated_at": n.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func docNode(doc kv.Document) memgraph.Node {
	return memgraph.Node{
		ID:         docString(doc, "id"),
		Type:       docString(doc, "type"),
		Name:       docString(doc, "name"),
		Importance: docFloat(doc, "importance"),
		Properties: docMap(doc, "properties"),
		CreatedAt:  docTime(doc, "created_at"),
		UpdatedAt:  docTime(doc, "updated_at"),
	}
}

func edgeDoc(e memgraph.Edge) kv.Document {
	return kv.Document{
		"id":         e.ID,
		"source":     e.Source,
		"target":     e.Target,
		"relation":   e.Relation,
		"weight":     e.Weight,
		"properties": map[string]interface{}(e.Properties),
		"created_at": e.CreatedAt.Format(time.RFC3339Nano),
	}
}

func docEdge(doc kv.Document) memgraph.Edge {
	return memgraph.Edge{
		ID:         docString(doc, "id"),
		Source:     docString(doc, "source"),
		Target:     docString(doc, "target"),
		Relation:   docString(doc, "relation"),
		Weight:     docFloat(doc, "weight"),
		Properties: docMap(doc, "properties"),
		CreatedAt:  docTime(doc, "created_at"),
	}
}

func docString(doc kv.Document, key string) string {
	s, _ := doc[key].(string)
	return s
}

func docFloat(doc kv.Document, key string) float64 {
	switch v := doc[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

func docMap(doc kv.Document, key string) map[string]interface{} {
	m, _ := doc[key].(map[string]interface{})
	if m == nil {
		m = make(map[string]interface{})
	}
	return m
}

func docTime(doc kv.Document, key string) time.Time {
	s, _ := doc[key].(string)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
