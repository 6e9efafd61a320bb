// Package memgraph implements the in-memory typed multi-digraph that backs
// NPC and world memory, plus the spreading-activation recall engine that
// selects which memories surface for a given set of seed concepts.
package memgraph

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Node / Edge records
// =============================================================================

// Node is one memory graph node. Importance and activation live in [0,1];
// Properties carries free-form per-type payload (transcripts, event state,
// disposition values).
type Node struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Name       string                 `json:"name"`
	Importance float64                `json:"importance"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// Edge is a directed, typed relation between two nodes. Between the same
// (source, target, relation) at most one edge exists.
type Edge struct {
	ID         string                 `json:"id"`
	Source     string                 `json:"source"`
	Target     string                 `json:"target"`
	Relation   string                 `json:"relation"`
	Weight     float64                `json:"weight"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// EdgeKey identifies the unique slot an edge occupies.
func (e Edge) EdgeKey() string {
	return e.Source + "|" + e.Relation + "|" + e.Target
}

// Direction selects which edges a traversal follows.
type Direction string

const (
	DirectionIn   Direction = "in"
	DirectionOut  Direction = "out"
	DirectionBoth Direction = "both"
)

// =============================================================================
// Graph
// =============================================================================

// Graph is an arena+index multi-digraph. Not safe for concurrent mutation;
// owners serialize access (context windows and sessions hold their own locks).
type Graph struct {
	nodes map[string]*Node
	edges map[string]*Edge // by edge id

	// adjacency: node id -> edge ids
	out map[string][]string
	in  map[string][]string

	// secondary indices
	byType map[string]map[string]bool // type -> node ids
	byName map[string]map[string]bool // lowercased name -> node ids
	byKey  map[string]string          // source|relation|target -> edge id
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		nodes:  make(map[string]*Node),
		edges:  make(map[string]*Edge),
		out:    make(map[string][]string),
		in:     make(map[string][]string),
		byType: make(map[string]map[string]bool),
		byName: make(map[string]map[string]bool),
		byKey:  make(map[string]string),
	}
}

// AddNode inserts or replaces a node. A replaced node is deindexed first so
// renames and retypes do not leave stale index entries.
func (g *Graph) AddNode(n Node) {
	if prev, ok := g.nodes[n.ID]; ok {
		g.deindexNode(prev)
	}
	stored := n
	if stored.Properties == nil {
		stored.Properties = make(map[string]interface{})
	}
	g.nodes[n.ID] = &stored
	g.indexNode(&stored)
}

// GetNode returns a node by id.
func (g *Graph) GetNode(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// HasNode reports node existence.
func (g *Graph) HasNode(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// RemoveNode deletes a node and every edge touching it.
func (g *Graph) RemoveNode(id string) {
	n, ok := g.nodes[id]
	if !ok {
		return
	}
	for _, eid := range append(append([]string{}, g.out[id]...), g.in[id]...) {
		g.RemoveEdge(eid)
	}
	g.deindexNode(n)
	delete(g.nodes, id)
	delete(g.out, id)
	delete(g.in, id)
}

// AddEdge inserts an edge. Both endpoints must already exist. A prior edge
// with the same (source, target, relation) is replaced in place.
func (g *Graph) AddEdge(e Edge) error {
	if !g.HasNode(e.Source) {
		return fmt.Errorf("edge %s: source node %q not in graph", e.ID, e.Source)
	}
	if !g.HasNode(e.Target) {
		return fmt.Errorf("edge %s: target node %q not in graph", e.ID, e.Target)
	}
	if prevID, ok := g.byKey[e.EdgeKey()]; ok && prevID != e.ID {
		g.RemoveEdge(prevID)
	}
	if _, ok := g.edges[e.ID]; ok {
		g.RemoveEdge(e.ID)
	}
	stored := e
	g.edges[e.ID] = &stored
	g.out[e.Source] = append(g.out[e.Source], e.ID)
	g.in[e.Target] = append(g.in[e.Target], e.ID)
	g.byKey[e.EdgeKey()] = e.ID
	return nil
}

// GetEdge returns an edge by id.
func (g *Graph) GetEdge(id string) (*Edge, bool) {
	e, ok := g.edges[id]
	return e, ok
}

// RemoveEdge deletes an edge by id.
func (g *Graph) RemoveEdge(id string) {
	e, ok := g.edges[id]
	if !ok {
		return
	}
	g.out[e.Source] = removeID(g.out[e.Source], id)
	g.in[e.Target] = removeID(g.in[e.Target], id)
	delete(g.byKey, e.EdgeKey())
	delete(g.edges, id)
}

// NodeCount returns the number of nodes.
func (g *Graph) NodeCount() int { return len(g.nodes) }

// EdgeCount returns the number of edges.
func (g *Graph) EdgeCount() int { return len(g.edges) }

// Nodes returns all nodes. Order is unspecified.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}
	return out
}

// Edges returns all edges. Order is unspecified.
func (g *Graph) Edges() []*Edge {
	out := make([]*Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, e)
	}
	return out
}

// NodesByType returns the ids of nodes with the given type.
func (g *Graph) NodesByType(typ string) []string {
	return keysOf(g.byType[typ])
}

// NodesByName returns the ids of nodes whose name matches case-insensitively.
func (g *Graph) NodesByName(name string) []string {
	return keysOf(g.byName[strings.ToLower(name)])
}

// OutEdges returns the edges leaving a node.
func (g *Graph) OutEdges(id string) []*Edge {
	return g.edgeList(g.out[id])
}

// InEdges returns the edges entering a node.
func (g *Graph) InEdges(id string) []*Edge {
	return g.edgeList(g.in[id])
}

// Degree returns the total in+out degree of a node.
func (g *Graph) Degree(id string) int {
	return len(g.out[id]) + len(g.in[id])
}

// =============================================================================
// Traversal
// =============================================================================

// ExpandNodes returns the transitive closure of the seeds up to depth hops,
// following edges per direction. Seeds not present in the graph are ignored.
func (g *Graph) ExpandNodes(seeds []string, depth int, dir Direction) map[string]bool {
	visited := make(map[string]bool)
	frontier := make([]string, 0, len(seeds))
	for _, s := range seeds {
		if g.HasNode(s) && !visited[s] {
			visited[s] = true
			frontier = append(frontier, s)
		}
	}

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []string
		for _, id := range frontier {
			for _, nb := range g.neighbors(id, dir) {
				if !visited[nb] {
					visited[nb] = true
					next = append(next, nb)
				}
			}
		}
		frontier = next
	}
	return visited
}

// Subgraph builds a new graph containing only the given nodes and the edges
// whose both endpoints are inside the set.
func (g *Graph) Subgraph(ids map[string]bool) *Graph {
	sub := New()
	for id := range ids {
		if n, ok := g.nodes[id]; ok {
			sub.AddNode(copyNode(n))
		}
	}
	for _, e := range g.edges {
		if ids[e.Source] && ids[e.Target] {
			sub.AddEdge(*e)
		}
	}
	return sub
}

// Merge copies every node and edge of other into g, replacing on id clash.
func (g *Graph) Merge(other *Graph) {
	for _, n := range other.nodes {
		g.AddNode(copyNode(n))
	}
	for _, e := range other.edges {
		g.AddEdge(*e)
	}
}

// =============================================================================
// internals
// =============================================================================

func (g *Graph) neighbors(id string, dir Direction) []string {
	var out []string
	if dir == DirectionOut || dir == DirectionBoth {
		for _, eid := range g.out[id] {
			out = append(out, g.edges[eid].Target)
		}
	}
	if dir == DirectionIn || dir == DirectionBoth {
		for _, eid := range g.in[id] {
			out = append(out, g.edges[eid].Source)
		}
	}
	return out
}

func (g *Graph) indexNode(n *Node) {
	if g.byType[n.Type] == nil {
		g.byType[n.Type] = make(map[string]bool)
	}
	g.byType[n.Type][n.ID] = true

	lower := strings.ToLower(n.Name)
	if g.byName[lower] == nil {
		g.byName[lower] = make(map[string]bool)
	}
	g.byName[lower][n.ID] = true
}

func (g *Graph) deindexNode(n *Node) {
	if set := g.byType[n.Type]; set != nil {
		delete(set, n.ID)
		if len(set) == 0 {
			delete(g.byType, n.Type)
		}
	}
	lower := strings.ToLower(n.Name)
	if set := g.byName[lower]; set != nil {
		delete(set, n.ID)
		if len(set) == 0 {
			delete(g.byName, lower)
		}
	}
}

func (g *Graph) edgeList(ids []string) []*Edge {
	out := make([]*Edge, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.edges[id])
	}
	return out
}

func copyNode(n *Node) Node {
	cp := *n
	cp.Properties = make(map[string]interface{}, len(n.Properties))
	for k, v := range n.Properties {
		cp.Properties[k] = v
	}
	return cp
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

func keysOf(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
