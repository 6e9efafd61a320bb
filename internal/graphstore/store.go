package graphstore

import (
	"context"
	"fmt"
	"time"

	"fableforge/internal/kv"
	"fableforge/internal/logging"
	"fableforge/internal/memgraph"
)

// subgraphChunkSize bounds the "where source in (...)" fan-out per query
// during local subgraph traversal.
const subgraphChunkSize = 10

// Store persists memory graphs into the document KV, one subgraph per
// (world, scope), with type/name/timeline secondary indices.
type Store struct {
	kv kv.Store
}

// New wraps a document store.
func New(store kv.Store) *Store {
	return &Store{kv: store}
}

// =============================================================================
// Node / Edge upserts
// =============================================================================

// UpsertNode writes one node and refreshes its index entries. A changed type
// or name leaves the old index entry behind; RebuildIndexes clears those.
func (s *Store) UpsertNode(ctx context.Context, worldID string, scope Scope, n memgraph.Node) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if n.ID == "" {
		return fmt.Errorf("upsert node: empty id")
	}
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = time.Now()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = n.UpdatedAt
	}

	if err := s.kv.Set(ctx, scope.nodePath(worldID, n.ID), nodeDoc(n), false); err != nil {
		return fmt.Errorf("upsert node %s in %s: %w", n.ID, scope, err)
	}
	return s.writeNodeIndices(ctx, worldID, scope, n, s.kv.Batch()).Commit(ctx)
}

// UpsertEdge writes one edge document.
func (s *Store) UpsertEdge(ctx context.Context, worldID string, scope Scope, e memgraph.Edge) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if e.ID == "" {
		return fmt.Errorf("upsert edge: empty id")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if err := s.kv.Set(ctx, scope.edgePath(worldID, e.ID), edgeDoc(e), false); err != nil {
		return fmt.Errorf("upsert edge %s in %s: %w", e.ID, scope, err)
	}
	return nil
}

// GetNode loads one node, nil if absent.
func (s *Store) GetNode(ctx context.Context, worldID string, scope Scope, nodeID string) (*memgraph.Node, error) {
	doc, err := s.kv.Get(ctx, scope.nodePath(worldID, nodeID))
	if err != nil || doc == nil {
		return nil, err
	}
	n := docNode(doc)
	return &n, nil
}

// GetEdge loads one edge, nil if absent.
func (s *Store) GetEdge(ctx context.Context, worldID string, scope Scope, edgeID string) (*memgraph.Edge, error) {
	doc, err := s.kv.Get(ctx, scope.edgePath(worldID, edgeID))
	if err != nil || doc == nil {
		return nil, err
	}
	e := docEdge(doc)
	return &e, nil
}

// GetNodesByIDs loads many nodes at once; missing ids are skipped.
func (s *Store) GetNodesByIDs(ctx context.Context, worldID string, scope Scope, ids []string) ([]memgraph.Node, error) {
	paths := make([]string, len(ids))
	for i, id := range ids {
		paths[i] = scope.nodePath(worldID, id)
	}
	entries, err := s.kv.GetAll(ctx, paths)
	if err != nil {
		return nil, err
	}
	nodes := make([]memgraph.Node, 0, len(entries))
	for _, e := range entries {
		nodes = append(nodes, docNode(e.Doc))
	}
	return nodes, nil
}

// DeleteNode removes a node, its index entries, and edges referencing it.
func (s *Store) DeleteNode(ctx context.Context, worldID string, scope Scope, nodeID string) error {
	n, err := s.GetNode(ctx, worldID, scope, nodeID)
	if err != nil {
		return err
	}
	b := s.kv.Batch()
	b.Delete(scope.nodePath(worldID, nodeID))
	if n != nil {
		b.Delete(scope.typeIndexPath(worldID, n.Type, nodeID))
		b.Delete(scope.nameIndexPath(worldID, n.Name, nodeID))
	}
	edges, err := s.kv.List(ctx, scope.edgesCollection(worldID))
	if err != nil {
		return err
	}
	for _, e := range edges {
		edge := docEdge(e.Doc)
		if edge.Source == nodeID || edge.Target == nodeID {
			b.Delete(e.Path)
		}
	}
	return b.Commit(ctx)
}

// =============================================================================
// Whole-graph load / save
// =============================================================================

// LoadGraph reads the full (world, scope) subgraph into memory.
func (s *Store) LoadGraph(ctx context.Context, worldID string, scope Scope) (*memgraph.Graph, error) {
	timer := logging.StartTimer(logging.CategoryMemory, "LoadGraph")
	defer timer.Stop()

	if err := scope.Validate(); err != nil {
		return nil, err
	}

	g := memgraph.New()
	nodes, err := s.kv.List(ctx, scope.nodesCollection(worldID))
	if err != nil {
		return nil, fmt.Errorf("load graph %s: nodes: %w", scope, err)
	}
	for _, e := range nodes {
		g.AddNode(docNode(e.Doc))
	}

	edges, err := s.kv.List(ctx, scope.edgesCollection(worldID))
	if err != nil {
		return nil, fmt.Errorf("load graph %s: edges: %w", scope, err)
	}
	skipped := 0
	for _, e := range edges {
		if err := g.AddEdge(docEdge(e.Doc)); err != nil {
			// Edge whose endpoint was deleted out from under it.
			skipped++
		}
	}
	if skipped > 0 {
		logging.MemoryDebug("LoadGraph %s: skipped %d dangling edges", scope, skipped)
	}
	logging.MemoryDebug("LoadGraph %s: %d nodes, %d edges", scope, g.NodeCount(), g.EdgeCount())
	return g, nil
}

// SaveGraph persists every node and edge of g into (world, scope). With
// merge, existing documents not present in g are left untouched; without,
// the scope is cleared first.
func (s *Store) SaveGraph(ctx context.Context, worldID string, scope Scope, g *memgraph.Graph, merge bool) error {
	timer := logging.StartTimer(logging.CategoryMemory, "SaveGraph")
	defer timer.Stop()

	if err := scope.Validate(); err != nil {
		return err
	}
	if !merge {
		if err := s.Clear(ctx, worldID, scope); err != nil {
			return err
		}
	}

	b := s.kv.Batch()
	for _, n := range g.Nodes() {
		b.Set(scope.nodePath(worldID, n.ID), nodeDoc(*n), false)
		s.writeNodeIndices(ctx, worldID, scope, *n, b)
	}
	for _, e := range g.Edges() {
		b.Set(scope.edgePath(worldID, e.ID), edgeDoc(*e), false)
	}
	logging.MemoryDebug("SaveGraph %s: committing %d writes (merge=%v)", scope, b.Len(), merge)
	return b.Commit(ctx)
}

// =============================================================================
// Local subgraph traversal
// =============================================================================

// LoadLocalSubgraph loads the neighborhood of the seed nodes up to depth
// hops without loading the whole scope. Each hop queries edges whose source
// (and, for in/both, target) falls in chunks of the current frontier.
func (s *Store) LoadLocalSubgraph(ctx context.Context, worldID string, scope Scope, seeds []string, depth int, dir memgraph.Direction) (*memgraph.Graph, error) {
	timer := logging.StartTimer(logging.CategoryMemory, "LoadLocalSubgraph")
	defer timer.Stop()

	if err := scope.Validate(); err != nil {
		return nil, err
	}

	g := memgraph.New()
	visited := make(map[string]bool)
	var frontier []string
	for _, id := range seeds {
		n, err := s.GetNode(ctx, worldID, scope, id)
		if err != nil {
			return nil, err
		}
		if n == nil || visited[id] {
			continue
		}
		g.AddNode(*n)
		visited[id] = true
		frontier = append(frontier, id)
	}

	var pendingEdges []memgraph.Edge
	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []string
		for _, chunk := range chunkIDs(frontier, subgraphChunkSize) {
			edges, err := s.queryEdges(ctx, worldID, scope, chunk, dir)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				pendingEdges = append(pendingEdges, e)
				for _, endpoint := range []string{e.Source, e.Target} {
					if visited[endpoint] {
						continue
					}
					n, err := s.GetNode(ctx, worldID, scope, endpoint)
					if err != nil {
						return nil, err
					}
					if n == nil {
						continue
					}
					g.AddNode(*n)
					visited[endpoint] = true
					next = append(next, endpoint)
				}
			}
		}
		frontier = next
	}

	for _, e := range pendingEdges {
		if g.HasNode(e.Source) && g.HasNode(e.Target) {
			g.AddEdge(e)
		}
	}
	logging.MemoryDebug("LoadLocalSubgraph %s: %d seeds -> %d nodes, %d edges",
		scope, len(seeds), g.NodeCount(), g.EdgeCount())
	return g, nil
}

func (s *Store) queryEdges(ctx context.Context, worldID string, scope Scope, ids []string, dir memgraph.Direction) ([]memgraph.Edge, error) {
	in := make([]interface{}, len(ids))
	for i, id := range ids {
		in[i] = id
	}

	var out []memgraph.Edge
	collect := func(field string) error {
		return s.kv.Stream(ctx, kv.Query{
			Collection: scope.edgesCollection(worldID),
			Field:      field,
			In:         in,
		}, func(e kv.Entry) error {
			out = append(out, docEdge(e.Doc))
			return nil
		})
	}

	if dir == memgraph.DirectionOut || dir == memgraph.DirectionBoth {
		if err := collect("source"); err != nil {
			return nil, err
		}
	}
	if dir == memgraph.DirectionIn || dir == memgraph.DirectionBoth {
		if err := collect("target"); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// =============================================================================
// Maintenance
// =============================================================================

// Clear removes every node, edge, and index entry of a scope.
func (s *Store) Clear(ctx context.Context, worldID string, scope Scope) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	b := s.kv.Batch()
	nodes, err := s.kv.List(ctx, scope.nodesCollection(worldID))
	if err != nil {
		return err
	}
	for _, e := range nodes {
		n := docNode(e.Doc)
		b.Delete(e.Path)
		b.Delete(scope.typeIndexPath(worldID, n.Type, n.ID))
		b.Delete(scope.nameIndexPath(worldID, n.Name, n.ID))
		if n.Type == "event" || n.Type == "event_group" {
			if day, ok := nodeDay(n); ok {
				b.Delete(scope.timelinePath(worldID, day, n.ID))
			}
		}
	}
	edges, err := s.kv.List(ctx, scope.edgesCollection(worldID))
	if err != nil {
		return err
	}
	for _, e := range edges {
		b.Delete(e.Path)
	}
	logging.Memory("Clearing graph scope %s: %d deletes", scope, b.Len())
	return b.Commit(ctx)
}

// RebuildIndexes regenerates the type/name/timeline indices from the node
// documents. Used after bulk imports or schema repairs.
func (s *Store) RebuildIndexes(ctx context.Context, worldID string, scope Scope) error {
	timer := logging.StartTimer(logging.CategoryMemory, "RebuildIndexes")
	defer timer.Stop()

	nodes, err := s.kv.List(ctx, scope.nodesCollection(worldID))
	if err != nil {
		return err
	}
	b := s.kv.Batch()
	for _, e := range nodes {
		s.writeNodeIndices(ctx, worldID, scope, docNode(e.Doc), b)
	}
	logging.Memory("RebuildIndexes %s: %d index writes", scope, b.Len())
	return b.Commit(ctx)
}

// NodeIDsByType resolves a type index lookup.
func (s *Store) NodeIDsByType(ctx context.Context, worldID string, scope Scope, typ string) ([]string, error) {
	entries, err := s.kv.List(ctx, fmt.Sprintf("%s/type_index/%s/nodes", scope.root(worldID), typ))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID())
	}
	return ids, nil
}

// NodeIDsByName resolves a name index lookup (case-insensitive).
func (s *Store) NodeIDsByName(ctx context.Context, worldID string, scope Scope, name string) ([]string, error) {
	entries, err := s.kv.List(ctx, fmt.Sprintf("%s/name_index/%s/nodes", scope.root(worldID), indexName(name)))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID())
	}
	return ids, nil
}

// writeNodeIndices queues the node's index entries onto b.
func (s *Store) writeNodeIndices(ctx context.Context, worldID string, scope Scope, n memgraph.Node, b *kv.Batch) *kv.Batch {
	b.Set(scope.typeIndexPath(worldID, n.Type, n.ID), kv.Document{"node_id": n.ID}, false)
	if n.Name != "" {
		b.Set(scope.nameIndexPath(worldID, n.Name, n.ID), kv.Document{"node_id": n.ID}, false)
	}
	if n.Type == "event" || n.Type == "event_group" {
		if day, ok := nodeDay(n); ok {
			b.Set(scope.timelinePath(worldID, day, n.ID), kv.Document{"node_id": n.ID}, false)
		}
	}
	return b
}

func nodeDay(n memgraph.Node) (int, bool) {
	v, ok := n.Properties["day"]
	if !ok {
		return 0, false
	}
	switch d := v.(type) {
	case float64:
		return int(d), true
	case int:
		return d, true
	default:
		return 0, false
	}
}

func chunkIDs(ids []string, size int) [][]string {
	var chunks [][]string
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}
