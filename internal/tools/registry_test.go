package tools

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCallRecordsOutcome(t *testing.T) {
	r := NewRegistry(0)
	require.NoError(t, r.Register("heal_player", func(_ context.Context, args map[string]interface{}) Result {
		amount, _ := args["amount"].(int)
		return OK(map[string]interface{}{"healed": amount})
	}))
	require.Error(t, r.Register("heal_player", nil), "duplicate registration")

	res := r.Call(context.Background(), "heal_player", map[string]interface{}{"amount": 5})
	require.True(t, res.Success())
	require.Equal(t, 5, res["healed"])

	recs := r.Records()
	require.Len(t, recs, 1)
	require.Equal(t, "heal_player", recs[0].Name)
	require.True(t, recs[0].Success)
	require.GreaterOrEqual(t, recs[0].Duration, time.Duration(0))
}

func TestUnknownToolRejected(t *testing.T) {
	r := NewRegistry(0)
	res := r.Call(context.Background(), "cast_fireball", nil)
	require.False(t, res.Success())
	require.Contains(t, res.ErrorMessage(), "unknown tool")

	recs := r.Records()
	require.Len(t, recs, 1)
	require.False(t, recs[0].Success)
}

func TestFailCarriesRecoveryContext(t *testing.T) {
	res := Fail("no route", "available_connections", []string{"森林小径", "古道"})
	require.False(t, res.Success())
	require.Equal(t, []string{"森林小径", "古道"}, res["available_connections"])
}

func TestTimeoutStampsError(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	release := make(chan struct{})
	require.NoError(t, r.Register("navigate", func(ctx context.Context, _ map[string]interface{}) Result {
		<-release
		return OK(nil)
	}))

	res := r.Call(context.Background(), "navigate", nil)
	close(release)
	require.False(t, res.Success())
	require.Equal(t, "tool timeout: navigate", res.ErrorMessage())

	recs := r.Records()
	require.Len(t, recs, 1)
	require.Equal(t, "tool timeout: navigate", recs[0].Error)
	require.Greater(t, recs[0].Duration, time.Duration(0), "duration recorded even on error")
}

func TestCancellationBeatsTimeout(t *testing.T) {
	r := NewRegistry(time.Second)
	release := make(chan struct{})
	require.NoError(t, r.Register("slow", func(ctx context.Context, _ map[string]interface{}) Result {
		<-release
		return OK(nil)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	res := r.Call(ctx, "slow", nil)
	close(release)
	require.False(t, res.Success())
	require.Contains(t, res.ErrorMessage(), "cancelled")
}

func TestEngineShadowGating(t *testing.T) {
	r := NewRegistry(0)
	calls := 0
	require.NoError(t, r.Register("navigate", func(_ context.Context, _ map[string]interface{}) Result {
		calls++
		return OK(nil)
	}))

	r.MarkEngineExecuted("navigate")
	res := r.Call(context.Background(), "navigate", nil)
	require.True(t, res.Success())
	require.Equal(t, true, res["already_executed_by_engine"])
	require.Zero(t, calls, "shadowed call must not reach the handler")

	// Next turn the gate clears.
	r.ResetTurn()
	res = r.Call(context.Background(), "navigate", nil)
	require.True(t, res.Success())
	require.Nil(t, res["already_executed_by_engine"])
	require.Equal(t, 1, calls)
}

func TestPerToolLockSerializes(t *testing.T) {
	r := NewRegistry(0)
	var inFlight, maxInFlight int
	var mu sync.Mutex
	require.NoError(t, r.Register("create_memory", func(_ context.Context, _ map[string]interface{}) Result {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return OK(nil)
	}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Call(context.Background(), "create_memory", nil)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, maxInFlight, "same-name calls must serialize")
	require.Len(t, r.Records(), 8)
}

func TestNamesSorted(t *testing.T) {
	r := NewRegistry(0)
	for _, n := range []string{"update_time", "navigate", "ability_check"} {
		require.NoError(t, r.Register(n, func(_ context.Context, _ map[string]interface{}) Result { return OK(nil) }))
	}
	require.Equal(t, []string{"ability_check", "navigate", "update_time"}, r.Names())
}
