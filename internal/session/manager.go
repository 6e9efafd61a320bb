// Package session owns per-session game state: a single-writer state map
// with snapshot reads and an append-only delta log, persisted as session
// documents in the KV store.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"fableforge/internal/kv"
	"fableforge/internal/logging"
	"fableforge/internal/world"
)

// entry is the live state of one session.
type entry struct {
	state  *world.GameState
	deltas []world.StateDelta
}

// Manager holds every active session. One global lock guards the map;
// readers get deep-copied snapshots and never block on each other's tools.
type Manager struct {
	mu      sync.Mutex
	store   kv.Store
	entries map[string]*entry
}

// NewManager builds a manager over the given document store.
func NewManager(store kv.Store) *Manager {
	return &Manager{store: store, entries: make(map[string]*entry)}
}

func sessionKey(worldID, sessionID string) string {
	return worldID + "/" + sessionID
}

func sessionPath(worldID, sessionID string) string {
	return fmt.Sprintf("worlds/%s/sessions/%s", worldID, sessionID)
}

// Create registers a fresh session and persists it. Creating an id that is
// already live is an error.
func (m *Manager) Create(ctx context.Context, state *world.GameState) error {
	key := sessionKey(state.WorldID, state.SessionID)

	m.mu.Lock()
	if _, exists := m.entries[key]; exists {
		m.mu.Unlock()
		return fmt.Errorf("session %s already exists", key)
	}
	ent := &entry{state: state.Clone()}
	m.entries[key] = ent
	m.mu.Unlock()

	logging.Session("Session %s created in %s at %s", state.SessionID, state.AreaID, state.Time)
	return m.persist(ctx, state.WorldID, state.SessionID, ent)
}

// Snapshot returns a deep copy of the current state.
func (m *Manager) Snapshot(worldID, sessionID string) (*world.GameState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ent, ok := m.entries[sessionKey(worldID, sessionID)]
	if !ok {
		return nil, fmt.Errorf("unknown session %s/%s", worldID, sessionID)
	}
	return ent.state.Clone(), nil
}

// ApplyDelta mutates the session under the global lock, appends the delta to
// the log, persists, and returns the new snapshot. Repeated application of
// the same delta appends twice; dedupe belongs to the tool layer.
func (m *Manager) ApplyDelta(ctx context.Context, worldID, sessionID string, d world.StateDelta) (*world.GameState, error) {
	m.mu.Lock()
	ent, ok := m.entries[sessionKey(worldID, sessionID)]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("unknown session %s/%s", worldID, sessionID)
	}
	ent.state.Apply(d)
	ent.deltas = append(ent.deltas, d)
	snap := ent.state.Clone()
	m.mu.Unlock()

	logging.SessionDebug("Delta %s (%s) applied to %s/%s: %d change(s)",
		d.DeltaID, d.Operation, worldID, sessionID, len(d.Changes))
	if err := m.persist(ctx, worldID, sessionID, ent); err != nil {
		return nil, err
	}
	return snap, nil
}

// Mutate runs fn against the live state under the lock. Tools that need
// read-modify-write beyond a delta (combat binding, dialogue mode) use this.
func (m *Manager) Mutate(ctx context.Context, worldID, sessionID string, fn func(*world.GameState)) (*world.GameState, error) {
	m.mu.Lock()
	ent, ok := m.entries[sessionKey(worldID, sessionID)]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("unknown session %s/%s", worldID, sessionID)
	}
	fn(ent.state)
	snap := ent.state.Clone()
	m.mu.Unlock()

	if err := m.persist(ctx, worldID, sessionID, ent); err != nil {
		return nil, err
	}
	return snap, nil
}

// Deltas returns a copy of the append-only delta log.
func (m *Manager) Deltas(worldID, sessionID string) ([]world.StateDelta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ent, ok := m.entries[sessionKey(worldID, sessionID)]
	if !ok {
		return nil, fmt.Errorf("unknown session %s/%s", worldID, sessionID)
	}
	return append([]world.StateDelta{}, ent.deltas...), nil
}

// Load restores a persisted session into the live map.
func (m *Manager) Load(ctx context.Context, worldID, sessionID string) (*world.GameState, error) {
	doc, err := m.store.Get(ctx, sessionPath(worldID, sessionID))
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("session %s/%s not persisted", worldID, sessionID)
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("decode session %s/%s: %w", worldID, sessionID, err)
	}
	var persisted struct {
		State  *world.GameState   `json:"state"`
		Deltas []world.StateDelta `json:"deltas"`
	}
	if err := json.Unmarshal(raw, &persisted); err != nil {
		return nil, fmt.Errorf("decode session %s/%s: %w", worldID, sessionID, err)
	}
	if persisted.State == nil {
		return nil, fmt.Errorf("session %s/%s has no state document", worldID, sessionID)
	}

	m.mu.Lock()
	m.entries[sessionKey(worldID, sessionID)] = &entry{
		state:  persisted.State,
		deltas: persisted.Deltas,
	}
	m.mu.Unlock()

	logging.Session("Session %s/%s restored (%d deltas)", worldID, sessionID, len(persisted.Deltas))
	return persisted.State.Clone(), nil
}

// Close drops a session from the live map after a final persist.
func (m *Manager) Close(ctx context.Context, worldID, sessionID string) error {
	key := sessionKey(worldID, sessionID)
	m.mu.Lock()
	ent, ok := m.entries[key]
	if ok {
		delete(m.entries, key)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.persist(ctx, worldID, sessionID, ent)
}

// persist writes the state + delta log through a JSON round trip so the
// document stays schemaless in the store.
func (m *Manager) persist(ctx context.Context, worldID, sessionID string, ent *entry) error {
	m.mu.Lock()
	payload := struct {
		State  *world.GameState   `json:"state"`
		Deltas []world.StateDelta `json:"deltas"`
	}{State: ent.state.Clone(), Deltas: append([]world.StateDelta{}, ent.deltas...)}
	m.mu.Unlock()

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("persist session %s/%s: %w", worldID, sessionID, err)
	}
	doc := kv.Document{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("persist session %s/%s: %w", worldID, sessionID, err)
	}
	return m.store.Set(ctx, sessionPath(worldID, sessionID), doc, false)
}
