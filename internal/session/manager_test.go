package session

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"fableforge/internal/kv"
	"fableforge/internal/world"
)

func newState() *world.GameState {
	return &world.GameState{
		WorldID: "w1", SessionID: "s1",
		AreaID: "area_town", PlayerLocation: "area_town", ChapterID: "ch1",
		Time: world.NewGameTime(),
	}
}

func TestCreateAndSnapshot(t *testing.T) {
	m := NewManager(kv.NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, newState()))
	require.Error(t, m.Create(ctx, newState()), "duplicate session id")

	snap, err := m.Snapshot("w1", "s1")
	require.NoError(t, err)
	require.Equal(t, "area_town", snap.AreaID)

	// Snapshots are isolated from the live state.
	snap.AreaID = "area_elsewhere"
	again, err := m.Snapshot("w1", "s1")
	require.NoError(t, err)
	require.Equal(t, "area_town", again.AreaID)

	_, err = m.Snapshot("w1", "missing")
	require.Error(t, err)
}

func TestApplyDeltaAppendsAndPersists(t *testing.T) {
	store := kv.NewMemoryStore()
	m := NewManager(store)
	ctx := context.Background()
	require.NoError(t, m.Create(ctx, newState()))

	d := world.NewDelta("navigate", map[string]interface{}{"area_id": "area_forest"})
	snap, err := m.ApplyDelta(ctx, "w1", "s1", d)
	require.NoError(t, err)
	require.Equal(t, "area_forest", snap.AreaID)

	// Deltas are append-only and deliberately not idempotent.
	_, err = m.ApplyDelta(ctx, "w1", "s1", d)
	require.NoError(t, err)
	deltas, err := m.Deltas("w1", "s1")
	require.NoError(t, err)
	require.Len(t, deltas, 2)

	doc, err := store.Get(ctx, "worlds/w1/sessions/s1")
	require.NoError(t, err)
	require.NotNil(t, doc, "session document persisted")
}

func TestLoadRestoresStateAndLog(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()

	m := NewManager(store)
	require.NoError(t, m.Create(ctx, newState()))
	_, err := m.ApplyDelta(ctx, "w1", "s1",
		world.NewDelta("navigate", map[string]interface{}{"area_id": "area_forest"}))
	require.NoError(t, err)
	require.NoError(t, m.Close(ctx, "w1", "s1"))

	// A fresh manager over the same store restores the session.
	m2 := NewManager(store)
	_, err = m2.Snapshot("w1", "s1")
	require.Error(t, err, "not live before Load")

	restored, err := m2.Load(ctx, "w1", "s1")
	require.NoError(t, err)
	require.Equal(t, "area_forest", restored.AreaID)

	deltas, err := m2.Deltas("w1", "s1")
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	require.Equal(t, "navigate", deltas[0].Operation)

	_, err = m2.Load(ctx, "w1", "never_saved")
	require.Error(t, err)
}

func TestMutateUnderLock(t *testing.T) {
	m := NewManager(kv.NewMemoryStore())
	ctx := context.Background()
	require.NoError(t, m.Create(ctx, newState()))

	snap, err := m.Mutate(ctx, "w1", "s1", func(st *world.GameState) {
		st.CombatID = "combat_1"
		st.ChatMode = "combat"
	})
	require.NoError(t, err)
	require.Equal(t, "combat_1", snap.CombatID)
}

func TestConcurrentDeltasAllLand(t *testing.T) {
	m := NewManager(kv.NewMemoryStore())
	ctx := context.Background()
	require.NoError(t, m.Create(ctx, newState()))

	const n = 32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := m.ApplyDelta(ctx, "w1", "s1",
				world.NewDelta("tick", map[string]interface{}{"noop": true}))
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	deltas, err := m.Deltas("w1", "s1")
	require.NoError(t, err)
	require.Len(t, deltas, n)
}
