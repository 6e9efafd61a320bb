package world

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"fableforge/internal/graphstore"
	"fableforge/internal/logging"
	"fableforge/internal/memgraph"
)

// ===== Event definitions =====

// EventStatus is the lifecycle state of a plot event.
type EventStatus string

const (
	EventLocked    EventStatus = "locked"
	EventAvailable EventStatus = "available"
	EventActive    EventStatus = "active"
	EventCompleted EventStatus = "completed"
	EventFailed    EventStatus = "failed"
	EventCooldown  EventStatus = "cooldown"
)

// Condition is one gate in trigger/completion/outcome condition lists.
type Condition struct {
	Type    string `json:"type"` // at_area, talked_to, event_completed, world_flag, min_day
	AreaID  string `json:"area_id,omitempty"`
	NPCID   string `json:"npc_id,omitempty"`
	EventID string `json:"event_id,omitempty"`
	Flag    string `json:"flag,omitempty"`
	Day     int    `json:"day,omitempty"`
}

// ItemGrant is one item reward line.
type ItemGrant struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Quantity int    `json:"quantity"`
}

// Reward bundles the numeric and item rewards of an outcome.
type Reward struct {
	XP    int         `json:"xp,omitempty"`
	Gold  int         `json:"gold,omitempty"`
	Items []ItemGrant `json:"items,omitempty"`
}

// Outcome is one resolution branch of an event (also used for the generic
// on_complete effects).
type Outcome struct {
	Conditions        []Condition    `json:"conditions,omitempty"`
	Rewards           Reward         `json:"rewards,omitempty"`
	ReputationChanges map[string]int `json:"reputation_changes,omitempty"`
	WorldFlags        []string       `json:"world_flags,omitempty"`
	UnlockEvents      []string       `json:"unlock_events,omitempty"`
}

// Stage is one scripted phase of a multi-stage event.
type Stage struct {
	ID          string   `json:"id"`
	Description string   `json:"description,omitempty"`
	Objectives  []string `json:"objectives,omitempty"`
}

// EventDef is the decoded form of a world-graph `event_def` node: static
// structure plus mutable state, both persisted in the node's properties.
type EventDef struct {
	ID   string `json:"-"`
	Name string `json:"-"`

	Status            EventStatus     `json:"status"`
	CurrentStage      string          `json:"current_stage,omitempty"`
	StageProgress     map[string]bool `json:"stage_progress,omitempty"`
	ObjectiveProgress map[string]bool `json:"objective_progress,omitempty"`
	ActivatedAtRound  int             `json:"activated_at_round,omitempty"`
	FailedAtRound     int             `json:"failed_at_round,omitempty"`
	Outcome           string          `json:"outcome,omitempty"`
	FailureReason     string          `json:"failure_reason,omitempty"`
	AppliedTags       []string        `json:"applied_tags,omitempty"`

	Stages               []Stage            `json:"stages,omitempty"`
	TriggerConditions    []Condition        `json:"trigger_conditions,omitempty"`
	CompletionConditions []Condition        `json:"completion_conditions,omitempty"`
	OnComplete           Outcome            `json:"on_complete,omitempty"`
	Outcomes             map[string]Outcome `json:"outcomes,omitempty"`
	IsRepeatable         bool               `json:"is_repeatable,omitempty"`
	CooldownRounds       int                `json:"cooldown_rounds,omitempty"`
	NarrativeDirective   string             `json:"narrative_directive,omitempty"`
}

// markTag records a side-effect tag; false means it was already applied.
func (d *EventDef) markTag(tag string) bool {
	for _, t := range d.AppliedTags {
		if t == tag {
			return false
		}
	}
	d.AppliedTags = append(d.AppliedTags, tag)
	return true
}

// EventFromNode decodes an event_def node's properties.
func EventFromNode(n *memgraph.Node) (*EventDef, error) {
	if n.Type != "event_def" {
		return nil, fmt.Errorf("node %s is %q, not event_def", n.ID, n.Type)
	}
	raw, err := json.Marshal(n.Properties)
	if err != nil {
		return nil, fmt.Errorf("encode event %s properties: %w", n.ID, err)
	}
	def := &EventDef{}
	if err := json.Unmarshal(raw, def); err != nil {
		return nil, fmt.Errorf("decode event %s: %w", n.ID, err)
	}
	def.ID = n.ID
	def.Name = n.Name
	if def.Status == "" {
		def.Status = EventLocked
	}
	return def, nil
}

// ToNode re-encodes the definition as its graph node.
func (d *EventDef) ToNode() (memgraph.Node, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return memgraph.Node{}, fmt.Errorf("encode event %s: %w", d.ID, err)
	}
	props := map[string]interface{}{}
	if err := json.Unmarshal(raw, &props); err != nil {
		return memgraph.Node{}, fmt.Errorf("encode event %s: %w", d.ID, err)
	}
	return memgraph.Node{
		ID:         d.ID,
		Type:       "event_def",
		Name:       d.Name,
		Importance: 0.8,
		Properties: props,
		UpdatedAt:  time.Now(),
	}, nil
}

// ===== Turn facts & effects =====

// TurnFacts is what the behavior tick knows about the current turn.
type TurnFacts struct {
	AreaID          string
	Day             int
	Round           int
	TalkedTo        map[string]bool
	CompletedEvents map[string]bool
	WorldFlags      map[string]bool
}

// Met evaluates a condition list; an empty list is trivially met.
func (f TurnFacts) Met(conds []Condition) bool {
	for _, c := range conds {
		switch c.Type {
		case "at_area":
			if f.AreaID != c.AreaID {
				return false
			}
		case "talked_to":
			if !f.TalkedTo[c.NPCID] {
				return false
			}
		case "event_completed":
			if !f.CompletedEvents[c.EventID] {
				return false
			}
		case "world_flag":
			if !f.WorldFlags[c.Flag] {
				return false
			}
		case "min_day":
			if f.Day < c.Day {
				return false
			}
		default:
			// Unknown condition kinds fail closed.
			return false
		}
	}
	return true
}

// EffectSink receives event side effects. Idempotency tagging happens before
// the sink is called, so implementations apply unconditionally.
type EffectSink interface {
	AddXP(amount int)
	AddGold(amount int)
	GrantItem(item ItemGrant)
	ChangeReputation(npcID string, delta int)
	SetWorldFlag(flag string)
	EmitEvent(kind, eventID string)
}

// Transition reports one state change made by the tick or an explicit call.
type Transition struct {
	EventID string      `json:"event_id"`
	From    EventStatus `json:"from"`
	To      EventStatus `json:"to"`
}

// ===== Event engine =====

// EventEngine drives event_def nodes in the world graph through their
// lifecycle.
type EventEngine struct {
	mu      sync.Mutex
	store   *graphstore.Store
	worldID string
}

// NewEventEngine builds an engine over the world-scope graph.
func NewEventEngine(store *graphstore.Store, worldID string) *EventEngine {
	return &EventEngine{store: store, worldID: worldID}
}

// Event loads one definition.
func (e *EventEngine) Event(ctx context.Context, eventID string) (*EventDef, error) {
	n, err := e.store.GetNode(ctx, e.worldID, graphstore.WorldScope(), eventID)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, fmt.Errorf("unknown event %q", eventID)
	}
	return EventFromNode(n)
}

// Events loads every definition, sorted by id for deterministic ticks.
func (e *EventEngine) Events(ctx context.Context) ([]*EventDef, error) {
	ids, err := e.store.NodeIDsByType(ctx, e.worldID, graphstore.WorldScope(), "event_def")
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	nodes, err := e.store.GetNodesByIDs(ctx, e.worldID, graphstore.WorldScope(), ids)
	if err != nil {
		return nil, err
	}
	defs := make([]*EventDef, 0, len(nodes))
	for i := range nodes {
		def, err := EventFromNode(&nodes[i])
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func (e *EventEngine) save(ctx context.Context, def *EventDef) error {
	n, err := def.ToNode()
	if err != nil {
		return err
	}
	return e.store.UpsertNode(ctx, e.worldID, graphstore.WorldScope(), n)
}

// Tick advances every event one step: locked events whose trigger conditions
// now hold become available; failed repeatable events enter cooldown; cooled
// events re-open after cooldown_rounds.
func (e *EventEngine) Tick(ctx context.Context, facts TurnFacts, sink EffectSink) ([]Transition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tickLocked(ctx, facts, sink)
}

func (e *EventEngine) tickLocked(ctx context.Context, facts TurnFacts, sink EffectSink) ([]Transition, error) {
	defs, err := e.Events(ctx)
	if err != nil {
		return nil, err
	}

	var transitions []Transition
	for _, def := range defs {
		from := def.Status
		switch def.Status {
		case EventLocked:
			if facts.Met(def.TriggerConditions) {
				def.Status = EventAvailable
			}
		case EventFailed:
			if def.IsRepeatable {
				def.Status = EventCooldown
			}
		case EventCooldown:
			if facts.Round-def.FailedAtRound >= def.CooldownRounds {
				def.Status = EventAvailable
				def.FailureReason = ""
			}
		}
		if def.Status == from {
			continue
		}
		if err := e.save(ctx, def); err != nil {
			return transitions, err
		}
		transitions = append(transitions, Transition{EventID: def.ID, From: from, To: def.Status})
		if def.Status == EventAvailable && sink != nil {
			sink.EmitEvent("event_available", def.ID)
		}
		logging.World("Event %s: %s -> %s", def.ID, from, def.Status)
	}
	return transitions, nil
}

// Activate moves available -> active. A locked event gets one opportunistic
// tick first, so tool calls earlier in the same turn can satisfy its trigger
// conditions.
func (e *EventEngine) Activate(ctx context.Context, eventID string, facts TurnFacts, sink EffectSink) (*EventDef, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	def, err := e.Event(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if def.Status == EventLocked {
		if _, err := e.tickLocked(ctx, facts, sink); err != nil {
			return nil, err
		}
		if def, err = e.Event(ctx, eventID); err != nil {
			return nil, err
		}
	}
	if def.Status != EventAvailable {
		return nil, fmt.Errorf("event %q cannot activate: status '%s'", eventID, def.Status)
	}

	def.Status = EventActive
	def.ActivatedAtRound = facts.Round
	if len(def.Stages) > 0 {
		def.CurrentStage = def.Stages[0].ID
	}
	if err := e.save(ctx, def); err != nil {
		return nil, err
	}
	if sink != nil {
		sink.EmitEvent("event_activated", eventID)
	}
	logging.World("Event %s activated at round %d", eventID, facts.Round)
	return def, nil
}

// Complete moves active -> completed and applies side effects. With an
// outcome key, that branch's conditions gate completion and its effects
// apply before the generic on_complete effects. Side effects are
// idempotency-tagged per event so the post-completion tick cannot re-grant.
func (e *EventEngine) Complete(ctx context.Context, eventID, outcomeKey string, facts TurnFacts, sink EffectSink) (*EventDef, []Transition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	def, err := e.Event(ctx, eventID)
	if err != nil {
		return nil, nil, err
	}
	if def.Status != EventActive {
		return nil, nil, fmt.Errorf("event %q cannot complete: status '%s'", eventID, def.Status)
	}

	var unlocks []string
	if outcomeKey != "" {
		outcome, ok := def.Outcomes[outcomeKey]
		if !ok {
			return nil, nil, fmt.Errorf("event %q has no outcome %q", eventID, outcomeKey)
		}
		if !facts.Met(outcome.Conditions) {
			return nil, nil, fmt.Errorf("outcome %q conditions not met", outcomeKey)
		}
		def.Outcome = outcomeKey
		e.applyOutcome(def, outcome, sink)
		unlocks = append(unlocks, outcome.UnlockEvents...)
	}
	e.applyOutcome(def, def.OnComplete, sink)
	unlocks = append(unlocks, def.OnComplete.UnlockEvents...)

	def.Status = EventCompleted
	if err := e.save(ctx, def); err != nil {
		return nil, nil, err
	}
	if sink != nil {
		sink.EmitEvent("event_completed", eventID)
	}
	logging.World("Event %s completed (outcome %q)", eventID, outcomeKey)

	for _, id := range unlocks {
		if err := e.unlockLocked(ctx, id); err != nil {
			return def, nil, err
		}
	}

	// Cascade: conditions keyed on this event's completion resolve now.
	if facts.CompletedEvents == nil {
		facts.CompletedEvents = make(map[string]bool)
	}
	facts.CompletedEvents[eventID] = true
	transitions, err := e.tickLocked(ctx, facts, sink)
	return def, transitions, err
}

// Fail moves active -> failed.
func (e *EventEngine) Fail(ctx context.Context, eventID, reason string, facts TurnFacts, sink EffectSink) (*EventDef, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	def, err := e.Event(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if def.Status != EventActive {
		return nil, fmt.Errorf("event %q cannot fail: status '%s'", eventID, def.Status)
	}
	def.Status = EventFailed
	def.FailureReason = reason
	def.FailedAtRound = facts.Round
	if err := e.save(ctx, def); err != nil {
		return nil, err
	}
	if sink != nil {
		sink.EmitEvent("event_failed", eventID)
	}
	logging.World("Event %s failed: %s", eventID, reason)
	return def, nil
}

// AdvanceStage marks the current stage done and moves to the named one.
func (e *EventEngine) AdvanceStage(ctx context.Context, eventID, stageID string) (*EventDef, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	def, err := e.Event(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if def.Status != EventActive {
		return nil, fmt.Errorf("event %q is not active", eventID)
	}
	found := false
	for _, st := range def.Stages {
		if st.ID == stageID {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("event %q has no stage %q", eventID, stageID)
	}
	if def.StageProgress == nil {
		def.StageProgress = make(map[string]bool)
	}
	if def.CurrentStage != "" {
		def.StageProgress[def.CurrentStage] = true
	}
	def.CurrentStage = stageID
	if err := e.save(ctx, def); err != nil {
		return nil, err
	}
	return def, nil
}

// CompleteObjective marks one objective of an active event done.
func (e *EventEngine) CompleteObjective(ctx context.Context, eventID, objectiveID string) (*EventDef, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	def, err := e.Event(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if def.Status != EventActive {
		return nil, fmt.Errorf("event %q is not active", eventID)
	}
	if def.ObjectiveProgress == nil {
		def.ObjectiveProgress = make(map[string]bool)
	}
	def.ObjectiveProgress[objectiveID] = true
	if err := e.save(ctx, def); err != nil {
		return nil, err
	}
	return def, nil
}

// applyOutcome runs one effect bundle through the idempotency tags.
func (e *EventEngine) applyOutcome(def *EventDef, out Outcome, sink EffectSink) {
	if sink == nil {
		return
	}
	if (out.Rewards.XP > 0 || out.Rewards.Gold > 0) && def.markTag("xp_awarded:"+def.ID) {
		if out.Rewards.XP > 0 {
			sink.AddXP(out.Rewards.XP)
		}
		if out.Rewards.Gold > 0 {
			sink.AddGold(out.Rewards.Gold)
		}
	}
	if len(out.Rewards.Items) > 0 && def.markTag("item_granted:"+def.ID) {
		for _, item := range out.Rewards.Items {
			sink.GrantItem(item)
		}
	}
	if len(out.ReputationChanges) > 0 && def.markTag("reputation_changed:"+def.ID) {
		npcs := make([]string, 0, len(out.ReputationChanges))
		for npc := range out.ReputationChanges {
			npcs = append(npcs, npc)
		}
		sort.Strings(npcs)
		for _, npc := range npcs {
			sink.ChangeReputation(npc, out.ReputationChanges[npc])
		}
	}
	if len(out.WorldFlags) > 0 && def.markTag("world_flag_set:"+def.ID) {
		for _, flag := range out.WorldFlags {
			sink.SetWorldFlag(flag)
		}
	}
}

// unlockLocked opens a downstream event regardless of its trigger
// conditions.
func (e *EventEngine) unlockLocked(ctx context.Context, eventID string) error {
	def, err := e.Event(ctx, eventID)
	if err != nil {
		// Unlock targets may reference content from a later chapter file.
		logging.WorldDebug("Unlock target %s not found: %v", eventID, err)
		return nil
	}
	if def.Status != EventLocked {
		return nil
	}
	def.Status = EventAvailable
	return e.save(ctx, def)
}
