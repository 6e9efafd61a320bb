package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"fableforge/internal/graphstore"
	"fableforge/internal/logging"
	"fableforge/internal/memgraph"
)

// dispatchConcurrency bounds the per-recipient fan-out.
const dispatchConcurrency = 4

// Directory answers who exists in a world and where they are, so public
// events can reach everyone and located events reach bystanders.
type Directory interface {
	KnownCharacters(ctx context.Context, worldID string) ([]string, error)
	CharactersAt(ctx context.Context, worldID, location string) ([]string, error)
}

// PerspectiveWriter optionally rewrites an event from one recipient's point
// of view before it lands in their scope. A nil writer (or a nil override
// result) falls back to verbatim dispatch.
type PerspectiveWriter interface {
	Rewrite(ctx context.Context, recipientID string, ev *WorldEvent) (*WorldEvent, error)
}

// IngestOptions tunes one ingest call.
type IngestOptions struct {
	Recipients []string // explicit recipients; nil computes the default set
	Distribute bool
	Validate   bool
	Strict     bool
}

// Dispatcher records world events and fans them out per recipient.
type Dispatcher struct {
	store       *graphstore.Store
	bus         *Bus
	directory   Directory
	perspective PerspectiveWriter
	schema      SchemaOptions
}

// NewDispatcher wires a dispatcher. directory and perspective may be nil.
func NewDispatcher(store *graphstore.Store, bus *Bus, directory Directory, perspective PerspectiveWriter) *Dispatcher {
	return &Dispatcher{
		store:       store,
		bus:         bus,
		directory:   directory,
		perspective: perspective,
		schema:      DefaultSchema(),
	}
}

// Ingest records one event into the world graph, publishes it, and when
// distribution is requested, writes it into each recipient's character
// scope stamped perspective="gm_dispatch".
func (d *Dispatcher) Ingest(ctx context.Context, worldID string, ev *WorldEvent, opts IngestOptions) error {
	timer := logging.StartTimer(logging.CategoryDispatch, "Ingest")
	defer timer.Stop()

	if ev.ID == "" {
		ev.ID = "event_" + uuid.NewString()
	}
	now := time.Now()

	nodes, edges := d.assembleGraph(ev, now)

	if opts.Validate {
		schema := d.schema
		schema.Strict = opts.Strict
		for _, n := range nodes {
			if err := schema.ValidateNode(n); err != nil {
				return fmt.Errorf("ingest %s: %w", ev.ID, err)
			}
		}
		for _, e := range edges {
			if err := schema.ValidateEdge(e); err != nil {
				return fmt.Errorf("ingest %s: %w", ev.ID, err)
			}
		}
	}

	world := graphstore.WorldScope()
	for _, n := range nodes {
		if err := d.store.UpsertNode(ctx, worldID, world, n); err != nil {
			return fmt.Errorf("ingest %s: world node %s: %w", ev.ID, n.ID, err)
		}
	}
	for _, e := range edges {
		if err := d.store.UpsertEdge(ctx, worldID, world, e); err != nil {
			return fmt.Errorf("ingest %s: world edge %s: %w", ev.ID, e.ID, err)
		}
	}

	if d.bus != nil {
		d.bus.Publish(ctx, ev)
	}

	if !opts.Distribute {
		return nil
	}
	recipients := opts.Recipients
	if recipients == nil {
		var err error
		recipients, err = d.computeRecipients(ctx, worldID, ev)
		if err != nil {
			return fmt.Errorf("ingest %s: recipients: %w", ev.ID, err)
		}
	}
	return d.fanOut(ctx, worldID, ev, nodes, edges, recipients)
}

// assembleGraph completes the event's node/edge set: a default event node if
// the caller provided none, person nodes for every participant/witness, and
// the participated/witnessed edges.
func (d *Dispatcher) assembleGraph(ev *WorldEvent, now time.Time) ([]memgraph.Node, []memgraph.Edge) {
	nodes := append([]memgraph.Node{}, ev.Nodes...)
	edges := append([]memgraph.Edge{}, ev.Edges...)

	have := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		have[n.ID] = true
	}

	if !have[ev.ID] {
		props := map[string]interface{}{
			"summary": ev.Summary,
			"day":     ev.Day,
		}
		if ev.Location != "" {
			props["location"] = ev.Location
		}
		for k, v := range ev.Properties {
			props[k] = v
		}
		nodes = append(nodes, memgraph.Node{
			ID: ev.ID, Type: "event", Name: ev.Summary,
			Importance: 0.5, Properties: props,
			CreatedAt: now, UpdatedAt: now,
		})
		have[ev.ID] = true
	}

	addPerson := func(id string) {
		if id == "" || have[id] {
			return
		}
		nodes = append(nodes, memgraph.Node{
			ID: id, Type: "person", Name: id, Importance: 0.3,
			Properties: map[string]interface{}{},
			CreatedAt:  now, UpdatedAt: now,
		})
		have[id] = true
	}

	for _, p := range ev.Participants {
		addPerson(p)
		edges = append(edges, memgraph.Edge{
			ID: "edge_" + uuid.NewString(), Source: p, Target: ev.ID,
			Relation: "participated", Weight: 1.0, CreatedAt: now,
		})
	}
	for _, w := range ev.Witnesses {
		addPerson(w)
		edges = append(edges, memgraph.Edge{
			ID: "edge_" + uuid.NewString(), Source: w, Target: ev.ID,
			Relation: "witnessed", Weight: 1.0, CreatedAt: now,
		})
	}
	return nodes, edges
}

// computeRecipients builds the default distribution set: participants,
// witnesses, explicitly-informed characters, everyone for public events,
// and bystanders at the event location.
func (d *Dispatcher) computeRecipients(ctx context.Context, worldID string, ev *WorldEvent) ([]string, error) {
	set := make(map[string]bool)
	for _, p := range ev.Participants {
		set[p] = true
	}
	for _, w := range ev.Witnesses {
		set[w] = true
	}
	for _, k := range ev.Visibility.KnownTo {
		set[k] = true
	}
	if d.directory != nil {
		if ev.Visibility.Public {
			all, err := d.directory.KnownCharacters(ctx, worldID)
			if err != nil {
				return nil, err
			}
			for _, id := range all {
				set[id] = true
			}
		}
		if ev.Location != "" {
			local, err := d.directory.CharactersAt(ctx, worldID, ev.Location)
			if err != nil {
				return nil, err
			}
			for _, id := range local {
				set[id] = true
			}
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out, nil
}

// fanOut writes the event graph into each recipient's character scope.
func (d *Dispatcher) fanOut(ctx context.Context, worldID string, ev *WorldEvent, nodes []memgraph.Node, edges []memgraph.Edge, recipients []string) error {
	logging.Dispatch("Fanning out event %s to %d recipients", ev.ID, len(recipients))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(dispatchConcurrency)
	for _, recipient := range recipients {
		recipient := recipient
		g.Go(func() error {
			return d.dispatchTo(ctx, worldID, recipient, ev, nodes, edges)
		})
	}
	return g.Wait()
}

func (d *Dispatcher) dispatchTo(ctx context.Context, worldID, recipient string, ev *WorldEvent, nodes []memgraph.Node, edges []memgraph.Edge) error {
	// Per-character override first; the default path dispatches verbatim.
	if d.perspective != nil {
		override, err := d.perspective.Rewrite(ctx, recipient, ev)
		if err != nil {
			logging.Get(logging.CategoryDispatch).Warn(
				"Perspective rewrite for %s failed, dispatching verbatim: %v", recipient, err)
		} else if override != nil {
			nodes, edges = d.assembleGraph(override, time.Now())
		}
	}

	scope := graphstore.CharacterScope(recipient)
	for _, n := range nodes {
		cp := n
		cp.Properties = copyProps(n.Properties)
		cp.Properties["perspective"] = "gm_dispatch"
		if err := d.store.UpsertNode(ctx, worldID, scope, cp); err != nil {
			return fmt.Errorf("dispatch %s to %s: node %s: %w", ev.ID, recipient, n.ID, err)
		}
	}
	for _, e := range edges {
		if err := d.store.UpsertEdge(ctx, worldID, scope, e); err != nil {
			return fmt.Errorf("dispatch %s to %s: edge %s: %w", ev.ID, recipient, e.ID, err)
		}
	}
	logging.DispatchDebug("Dispatched %s to %s (%d nodes, %d edges)",
		ev.ID, recipient, len(nodes), len(edges))
	return nil
}

func copyProps(props map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(props)+1)
	for k, v := range props {
		out[k] = v
	}
	return out
}
