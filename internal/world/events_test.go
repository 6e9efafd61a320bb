package world

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"fableforge/internal/graphstore"
	"fableforge/internal/kv"
)

type fakeSink struct {
	xp, gold int
	items    []ItemGrant
	rep      map[string]int
	flags    []string
	emitted  []string
}

func (f *fakeSink) AddXP(n int)             { f.xp += n }
func (f *fakeSink) AddGold(n int)           { f.gold += n }
func (f *fakeSink) GrantItem(it ItemGrant)  { f.items = append(f.items, it) }
func (f *fakeSink) SetWorldFlag(fl string)  { f.flags = append(f.flags, fl) }
func (f *fakeSink) EmitEvent(k, id string)  { f.emitted = append(f.emitted, k+":"+id) }
func (f *fakeSink) ChangeReputation(npc string, d int) {
	if f.rep == nil {
		f.rep = make(map[string]int)
	}
	f.rep[npc] += d
}

func testEngine(t *testing.T) (*EventEngine, context.Context) {
	t.Helper()
	return NewEventEngine(graphstore.New(kv.NewMemoryStore()), "w1"), context.Background()
}

func putEvent(t *testing.T, e *EventEngine, ctx context.Context, def *EventDef) {
	t.Helper()
	n, err := def.ToNode()
	require.NoError(t, err)
	require.NoError(t, e.store.UpsertNode(ctx, e.worldID, graphstore.WorldScope(), n))
}

func elderQuest() *EventDef {
	return &EventDef{
		ID: "e1", Name: "长老的委托", Status: EventLocked,
		TriggerConditions: []Condition{
			{Type: "at_area", AreaID: "area_forest"},
			{Type: "talked_to", NPCID: "npc_elder"},
		},
	}
}

func TestTickLockedToAvailable(t *testing.T) {
	e, ctx := testEngine(t)
	putEvent(t, e, ctx, elderQuest())
	sink := &fakeSink{}

	// Only one condition held: stays locked.
	trans, err := e.Tick(ctx, TurnFacts{AreaID: "area_forest"}, sink)
	require.NoError(t, err)
	require.Empty(t, trans)

	facts := TurnFacts{AreaID: "area_forest", TalkedTo: map[string]bool{"npc_elder": true}}
	trans, err = e.Tick(ctx, facts, sink)
	require.NoError(t, err)
	require.Equal(t, []Transition{{EventID: "e1", From: EventLocked, To: EventAvailable}}, trans)
	require.Contains(t, sink.emitted, "event_available:e1")

	def, err := e.Event(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, EventAvailable, def.Status)
}

func TestActivateRunsOpportunisticTick(t *testing.T) {
	// The event is still locked when activate is called, but this turn's
	// facts already satisfy its trigger. Activation must tick first and
	// succeed rather than reject as locked.
	e, ctx := testEngine(t)
	putEvent(t, e, ctx, elderQuest())
	sink := &fakeSink{}

	facts := TurnFacts{
		AreaID:   "area_forest",
		TalkedTo: map[string]bool{"npc_elder": true},
		Round:    7,
	}
	def, err := e.Activate(ctx, "e1", facts, sink)
	require.NoError(t, err)
	require.Equal(t, EventActive, def.Status)
	require.Equal(t, 7, def.ActivatedAtRound)
	require.Contains(t, sink.emitted, "event_activated:e1")
}

func TestActivateLockedWithoutFactsRejected(t *testing.T) {
	e, ctx := testEngine(t)
	putEvent(t, e, ctx, elderQuest())

	_, err := e.Activate(ctx, "e1", TurnFacts{AreaID: "area_town"}, &fakeSink{})
	require.ErrorContains(t, err, "status 'locked'")
}

func TestCompleteAppliesOutcomeBeforeOnComplete(t *testing.T) {
	e, ctx := testEngine(t)
	def := elderQuest()
	def.Status = EventActive
	def.Outcomes = map[string]Outcome{
		"peaceful": {
			Rewards:           Reward{XP: 100, Items: []ItemGrant{{ID: "item_charm", Quantity: 1}}},
			ReputationChanges: map[string]int{"npc_elder": 10},
			UnlockEvents:      []string{"e2"},
		},
	}
	def.OnComplete = Outcome{
		Rewards:    Reward{XP: 50},
		WorldFlags: []string{"flag_elder_quest_done"},
	}
	putEvent(t, e, ctx, def)
	putEvent(t, e, ctx, &EventDef{
		ID: "e2", Name: "后续", Status: EventLocked,
		TriggerConditions: []Condition{{Type: "world_flag", Flag: "never_set"}},
	})
	sink := &fakeSink{}

	done, _, err := e.Complete(ctx, "e1", "peaceful", TurnFacts{Round: 3}, sink)
	require.NoError(t, err)
	require.Equal(t, EventCompleted, done.Status)
	require.Equal(t, "peaceful", done.Outcome)

	// The outcome's XP lands; the generic on_complete XP is blocked by the
	// xp_awarded tag written when the outcome applied.
	require.Equal(t, 100, sink.xp)
	require.Len(t, sink.items, 1)
	require.Equal(t, 10, sink.rep["npc_elder"])
	require.Equal(t, []string{"flag_elder_quest_done"}, sink.flags)
	require.Contains(t, sink.emitted, "event_completed:e1")

	// unlock_events opens e2 even though its own trigger never fires.
	e2, err := e.Event(ctx, "e2")
	require.NoError(t, err)
	require.Equal(t, EventAvailable, e2.Status)
}

func TestCompleteIsSingleShot(t *testing.T) {
	e, ctx := testEngine(t)
	def := elderQuest()
	def.Status = EventActive
	def.OnComplete = Outcome{Rewards: Reward{XP: 50}}
	putEvent(t, e, ctx, def)
	sink := &fakeSink{}

	_, _, err := e.Complete(ctx, "e1", "", TurnFacts{}, sink)
	require.NoError(t, err)
	require.Equal(t, 50, sink.xp)

	_, _, err = e.Complete(ctx, "e1", "", TurnFacts{}, sink)
	require.ErrorContains(t, err, "status 'completed'")
	require.Equal(t, 50, sink.xp, "no re-grant on repeated completion")
}

func TestCompleteRequiresActive(t *testing.T) {
	e, ctx := testEngine(t)
	def := elderQuest()
	def.Status = EventAvailable
	putEvent(t, e, ctx, def)

	_, _, err := e.Complete(ctx, "e1", "", TurnFacts{}, &fakeSink{})
	require.ErrorContains(t, err, "status 'available'")
}

func TestOutcomeConditionsGateCompletion(t *testing.T) {
	e, ctx := testEngine(t)
	def := elderQuest()
	def.Status = EventActive
	def.Outcomes = map[string]Outcome{
		"secret": {
			Conditions: []Condition{{Type: "world_flag", Flag: "flag_found_relic"}},
			Rewards:    Reward{XP: 500},
		},
	}
	putEvent(t, e, ctx, def)
	sink := &fakeSink{}

	_, _, err := e.Complete(ctx, "e1", "secret", TurnFacts{}, sink)
	require.ErrorContains(t, err, "conditions not met")
	require.Zero(t, sink.xp)

	cur, err := e.Event(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, EventActive, cur.Status, "failed completion must not change state")
}

func TestRepeatableFailureCoolsDownThenReopens(t *testing.T) {
	e, ctx := testEngine(t)
	def := elderQuest()
	def.Status = EventActive
	def.IsRepeatable = true
	def.CooldownRounds = 2
	putEvent(t, e, ctx, def)
	sink := &fakeSink{}

	failed, err := e.Fail(ctx, "e1", "护送目标阵亡", TurnFacts{Round: 3}, sink)
	require.NoError(t, err)
	require.Equal(t, EventFailed, failed.Status)
	require.Equal(t, "护送目标阵亡", failed.FailureReason)
	require.Contains(t, sink.emitted, "event_failed:e1")

	// Next tick: failed -> cooldown.
	trans, err := e.Tick(ctx, TurnFacts{Round: 3}, sink)
	require.NoError(t, err)
	require.Equal(t, []Transition{{EventID: "e1", From: EventFailed, To: EventCooldown}}, trans)

	// Round 4: 1 < cooldown_rounds, still cooling.
	trans, err = e.Tick(ctx, TurnFacts{Round: 4}, sink)
	require.NoError(t, err)
	require.Empty(t, trans)

	// Round 5: cooldown elapsed, back to available.
	trans, err = e.Tick(ctx, TurnFacts{Round: 5}, sink)
	require.NoError(t, err)
	require.Equal(t, []Transition{{EventID: "e1", From: EventCooldown, To: EventAvailable}}, trans)
}

func TestStageAndObjectiveProgress(t *testing.T) {
	e, ctx := testEngine(t)
	def := elderQuest()
	def.Status = EventActive
	def.CurrentStage = "st1"
	def.Stages = []Stage{
		{ID: "st1", Objectives: []string{"obj_find"}},
		{ID: "st2", Objectives: []string{"obj_return"}},
	}
	putEvent(t, e, ctx, def)

	got, err := e.CompleteObjective(ctx, "e1", "obj_find")
	require.NoError(t, err)
	require.True(t, got.ObjectiveProgress["obj_find"])

	got, err = e.AdvanceStage(ctx, "e1", "st2")
	require.NoError(t, err)
	require.Equal(t, "st2", got.CurrentStage)
	require.True(t, got.StageProgress["st1"], "leaving a stage marks it done")

	_, err = e.AdvanceStage(ctx, "e1", "st_missing")
	require.Error(t, err)
}

func TestEventNodeRoundTrip(t *testing.T) {
	e, ctx := testEngine(t)
	def := elderQuest()
	def.Status = "" // fresh worldbook data may omit status
	putEvent(t, e, ctx, def)

	got, err := e.Event(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, EventLocked, got.Status, "missing status defaults to locked")
	require.Len(t, got.TriggerConditions, 2)
	require.Equal(t, "长老的委托", got.Name)
}
