package admin

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"fableforge/internal/combat"
	"fableforge/internal/config"
	"fableforge/internal/contextwin"
	"fableforge/internal/dice"
	"fableforge/internal/events"
	"fableforge/internal/graphstore"
	"fableforge/internal/kv"
	"fableforge/internal/logging"
	"fableforge/internal/memory"
	"fableforge/internal/session"
	"fableforge/internal/tools"
	"fableforge/internal/world"
)

// Options wires an orchestrator. Store, Runtime, and Config are required;
// the external collaborators (Planner, Narrator, Images, Extractor) may be
// nil and degrade to rule-based fallbacks.
type Options struct {
	Config    *config.Config
	Store     kv.Store
	Runtime   *world.Runtime
	Planner   Planner
	Narrator  Narrator
	Images    ImageGenerator
	Extractor memory.Extractor
}

// TurnResponse is the composed result of one processed input.
type TurnResponse struct {
	Text        string             `json:"text"`
	Records     []tools.Record     `json:"tool_records,omitempty"`
	Transitions []world.Transition `json:"event_transitions,omitempty"`
	CombatID    string             `json:"combat_id,omitempty"`
	Images      []string           `json:"images,omitempty"`
}

// turnState accumulates per-turn facts and outputs. It resets at the start
// of every ProcessInput call.
type turnState struct {
	talkedTo map[string]bool
	texts    []string
	images   []string
}

// Orchestrator processes player turns: system commands and planner
// operations dispatch into the tool registry, state deltas apply under the
// session lock, and the post-turn tick advances the event machine.
type Orchestrator struct {
	cfg          *config.Config
	store        kv.Store
	graphs       *graphstore.Store
	sessions     *session.Manager
	runtime      *world.Runtime
	combatEngine *combat.Engine
	registry     *tools.Registry
	bus          *events.Bus
	dispatcher   *events.Dispatcher
	pool         *memory.Pool
	graphizer    *memory.Graphizer
	planner      Planner
	narrator     Narrator
	images       ImageGenerator
	roller       dice.Roller

	// mu is the session single-writer lock; pmu guards the player profile.
	mu  sync.Mutex
	pmu sync.Mutex

	worldID     string
	sessionID   string
	eventEngine *world.EventEngine
	profile     *PlayerProfile
	round       int
	turn        *turnState
}

// New builds an orchestrator. Call StartSession before ProcessInput.
func New(opts Options) (*Orchestrator, error) {
	if opts.Config == nil || opts.Store == nil || opts.Runtime == nil {
		return nil, fmt.Errorf("orchestrator requires config, store, and runtime")
	}
	planner := opts.Planner
	if planner == nil {
		planner = RulePlanner{}
	}

	graphs := graphstore.New(opts.Store)
	graphizer := memory.NewGraphizer(graphs, opts.Extractor, "player")

	memCfg := opts.Config.Memory
	evictAfter, err := opts.Config.EvictAfter()
	if err != nil {
		return nil, err
	}
	pool := memory.NewPool(memory.PoolOptions{
		MaxInstances: memCfg.MaxInstances,
		EvictAfter:   evictAfter,
		Store:        opts.Store,
		Graphizer:    graphizer,
		NewWindow:    windowFactory(memCfg),
	})

	o := &Orchestrator{
		cfg:          opts.Config,
		store:        opts.Store,
		graphs:       graphs,
		sessions:     session.NewManager(opts.Store),
		runtime:      opts.Runtime,
		registry:     tools.NewRegistry(opts.Config.ToolTimeout()),
		bus:          events.NewBus(),
		pool:         pool,
		graphizer:    graphizer,
		planner:      planner,
		narrator:     opts.Narrator,
		images:       opts.Images,
		roller:       dice.NewRoller(opts.Config.Combat.Seed),
		turn:         newTurnState(),
	}
	o.combatEngine = combat.NewEngine(combat.Config{
		Seed:                   opts.Config.Combat.Seed,
		FleeDC:                 opts.Config.Combat.FleeDC,
		DefeatGoldLossFraction: opts.Config.Combat.DefeatGoldLossFraction,
		RespawnLocation:        opts.Config.Combat.RespawnLocation,
		MaxChainedTurns:        opts.Config.Combat.MaxChainedTurns,
	})
	o.dispatcher = events.NewDispatcher(graphs, o.bus, worldDirectory{o.runtime}, nil)

	if err := o.registerTools(); err != nil {
		return nil, err
	}
	return o, nil
}

func newTurnState() *turnState {
	return &turnState{talkedTo: make(map[string]bool)}
}

// windowFactory builds NPC context windows from the configured budget; the
// persisted profile's system_prompt seeds the window when present.
func windowFactory(memCfg config.MemoryConfig) memory.WindowFactory {
	return func(npcID string, profile kv.Document) *contextwin.Window {
		prompt := fmt.Sprintf("你是%s。", npcID)
		if profile != nil {
			if sp, ok := profile["system_prompt"].(string); ok && sp != "" {
				prompt = sp
			}
		}
		return contextwin.New(contextwin.Options{
			SystemPrompt:      prompt,
			MaxTokens:         memCfg.MaxTokens,
			GraphizeThreshold: memCfg.GraphizeThreshold,
			KeepRecentTokens:  memCfg.KeepRecentTokens,
		})
	}
}

// worldDirectory adapts the worldbook runtime to the dispatcher's Directory.
type worldDirectory struct{ rt *world.Runtime }

func (d worldDirectory) KnownCharacters(context.Context, string) ([]string, error) {
	return d.rt.KnownCharacterIDs(), nil
}

func (d worldDirectory) CharactersAt(_ context.Context, _ string, location string) ([]string, error) {
	return d.rt.CharactersAt(location), nil
}

// ===== Session lifecycle =====

// StartSession allocates fresh state: clock from config, player placed at
// the first chapter's safe start area.
func (o *Orchestrator) StartSession(ctx context.Context, worldID, sessionID string) (*world.GameState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	chapterID, err := o.runtime.FirstChapter()
	if err != nil {
		return nil, err
	}
	areaID, err := o.runtime.StartArea(chapterID)
	if err != nil {
		return nil, err
	}

	t := world.StartTime(o.cfg.World.StartDay, o.cfg.World.StartHour)

	state := &world.GameState{
		WorldID: worldID, SessionID: sessionID,
		PlayerLocation: areaID, AreaID: areaID, ChapterID: chapterID,
		Time: t,
	}
	if err := o.sessions.Create(ctx, state); err != nil {
		return nil, err
	}

	profile, err := LoadPlayerProfile(ctx, o.store, worldID)
	if err != nil {
		return nil, err
	}

	o.worldID = worldID
	o.sessionID = sessionID
	o.eventEngine = world.NewEventEngine(o.graphs, worldID)
	o.profile = profile
	o.round = 0

	logging.Admin("Session %s started in %s/%s at %s", sessionID, chapterID, areaID, state.Time)
	return state.Clone(), nil
}

// Profile returns the player sheet (live pointer; callers must not mutate).
func (o *Orchestrator) Profile() *PlayerProfile {
	o.pmu.Lock()
	defer o.pmu.Unlock()
	return o.profile
}

// State snapshots the session state.
func (o *Orchestrator) State() (*world.GameState, error) {
	return o.sessions.Snapshot(o.worldID, o.sessionID)
}

// Registry exposes the tool surface (the CLI and MCP layer dispatch through
// it directly).
func (o *Orchestrator) Registry() *tools.Registry { return o.registry }

// CombatEngine exposes the engine for the MCP combat tool surface.
func (o *Orchestrator) CombatEngine() *combat.Engine { return o.combatEngine }

// Graphs exposes the scoped graph store (worldbook bootstrap writes through
// it).
func (o *Orchestrator) Graphs() *graphstore.Store { return o.graphs }

// RegisterEnemyTemplate adds an enemy template for start_combat.
func (o *Orchestrator) RegisterEnemyTemplate(t combat.Combatant) {
	o.combatEngine.RegisterTemplate(t)
}

// ===== Per-turn flow =====

// ProcessInput runs one full turn for one player input.
func (o *Orchestrator) ProcessInput(ctx context.Context, input string) (*TurnResponse, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sessionID == "" {
		return nil, fmt.Errorf("no active session")
	}
	timer := logging.StartTimer(logging.CategoryAdmin, "ProcessInput")
	defer timer.Stop()

	o.registry.ResetTurn()
	o.registry.ClearRecords()
	o.turn = newTurnState()

	state, err := o.sessions.Snapshot(o.worldID, o.sessionID)
	if err != nil {
		return nil, err
	}

	input = strings.TrimSpace(input)
	if strings.HasPrefix(input, "/") {
		o.handleCommand(ctx, state, input)
	} else {
		plan, err := o.planner.Plan(ctx, input, state)
		if err != nil {
			logging.Get(logging.CategoryAdmin).Warn("Planner failed, narrating only: %v", err)
			plan = &AnalysisPlan{Intent: "narrate"}
		}
		logging.AdminDebug("Plan intent=%s ops=%d", plan.Intent, len(plan.Operations))
		for _, op := range plan.Operations {
			res := o.registry.Call(ctx, op.Tool, op.Args)
			if !res.Success() {
				o.say("（%s失败：%s）", op.Tool, res.ErrorMessage())
			}
		}
		if plan.Intent == "narrate" && len(plan.Operations) == 0 {
			o.say("你环顾四周。")
		}
	}

	// Post-turn: behavior tick.
	o.round++
	state, err = o.sessions.Snapshot(o.worldID, o.sessionID)
	if err != nil {
		return nil, err
	}
	facts, err := o.turnFacts(ctx, state)
	if err != nil {
		return nil, err
	}
	transitions, err := o.eventEngine.Tick(ctx, facts, o)
	if err != nil {
		logging.Get(logging.CategoryAdmin).Error("Behavior tick failed: %v", err)
	}

	if err := o.saveProfile(ctx); err != nil {
		return nil, err
	}

	resp := &TurnResponse{
		Text:        strings.Join(o.turn.texts, "\n"),
		Records:     o.registry.Records(),
		Transitions: transitions,
		CombatID:    state.CombatID,
		Images:      o.turn.images,
	}
	if o.narrator != nil {
		if text, err := o.narrator.Narrate(ctx, state, resp.Text); err == nil && text != "" {
			resp.Text = text
		}
	}
	return resp, nil
}

// handleCommand executes the rule-handled system commands. Tools the engine
// ran here are shadow-marked so planner retries short-circuit.
func (o *Orchestrator) handleCommand(ctx context.Context, state *world.GameState, input string) {
	cmd, rest := input, ""
	if idx := strings.IndexByte(input, ' '); idx > 0 {
		cmd, rest = input[:idx], strings.TrimSpace(input[idx+1:])
	}

	switch cmd {
	case "/think":
		o.say("（你暗自思索：%s）", rest)

	case "/say":
		if state.ActiveDialogueNPC != "" {
			res := o.doNPCDialogue(ctx, state.ActiveDialogueNPC, rest)
			o.registry.MarkEngineExecuted("npc_dialogue")
			if !res.Success() {
				o.say("（对话失败：%s）", res.ErrorMessage())
			}
		} else {
			o.say("你说：「%s」", rest)
		}

	case "/go":
		res := o.doNavigate(ctx, rest)
		o.registry.MarkEngineExecuted("navigate")
		if !res.Success() {
			o.say("（无法前往：%s）", res.ErrorMessage())
		}

	case "/talk":
		res := o.doTalk(ctx, rest)
		o.registry.MarkEngineExecuted("npc_dialogue")
		if !res.Success() {
			o.say("（无法交谈：%s）", res.ErrorMessage())
		}

	case "/wait":
		minutes := 30
		if n, err := strconv.Atoi(rest); err == nil {
			minutes = n
		}
		res := o.doUpdateTime(ctx, minutes)
		o.registry.MarkEngineExecuted("update_time")
		if !res.Success() {
			o.say("（%s）", res.ErrorMessage())
		}

	case "/time":
		o.say("现在是%s。", state.Time)

	case "/where":
		o.describeLocation(state)

	case "/end":
		if state.ActiveDialogueNPC != "" {
			npc := state.ActiveDialogueNPC
			o.mutateState(ctx, func(st *world.GameState) {
				st.ActiveDialogueNPC = ""
				st.ChatMode = ""
			})
			o.say("你结束了与%s的对话。", o.npcName(npc))
		} else {
			o.say("当前没有进行中的对话。")
		}

	default:
		o.say("未知指令 %s", cmd)
	}
}

func (o *Orchestrator) describeLocation(state *world.GameState) {
	area, ok := o.runtime.Area(state.AreaID)
	if !ok {
		o.say("你在未知的地方。")
		return
	}
	if state.SubLocation != "" {
		o.say("你在%s（%s）。", area.Name, state.SubLocation)
	} else {
		o.say("你在%s。", area.Name)
	}
	conns := o.runtime.AvailableConnections(state.AreaID)
	if len(conns) > 0 {
		names := make([]string, 0, len(conns))
		for _, c := range conns {
			names = append(names, c.Name)
		}
		o.say("可前往：%s", strings.Join(names, "、"))
	}
}

// ===== Effect sink (world.EffectSink) =====

func (o *Orchestrator) AddXP(amount int) {
	o.pmu.Lock()
	leveled := o.profile.AddXP(amount)
	o.pmu.Unlock()
	o.say("获得 %d 点经验。", amount)
	if leveled > 0 {
		o.say("等级提升到 %d 级！", leveled)
	}
}

func (o *Orchestrator) AddGold(amount int) {
	o.pmu.Lock()
	o.profile.Gold += amount
	o.pmu.Unlock()
	o.say("获得 %d 枚金币。", amount)
}

func (o *Orchestrator) GrantItem(item world.ItemGrant) {
	o.pmu.Lock()
	o.profile.AddItem(item.ID, item.Name, max(1, item.Quantity))
	o.pmu.Unlock()
}

func (o *Orchestrator) ChangeReputation(npcID string, delta int) {
	o.pmu.Lock()
	if o.profile.Reputation == nil {
		o.profile.Reputation = make(map[string]int)
	}
	o.profile.Reputation[npcID] += delta
	o.pmu.Unlock()
}

func (o *Orchestrator) SetWorldFlag(flag string) {
	o.pmu.Lock()
	if o.profile.WorldFlags == nil {
		o.profile.WorldFlags = make(map[string]bool)
	}
	o.profile.WorldFlags[flag] = true
	o.pmu.Unlock()
}

func (o *Orchestrator) EmitEvent(kind, eventID string) {
	state, err := o.sessions.Snapshot(o.worldID, o.sessionID)
	if err != nil {
		return
	}
	ev := &events.WorldEvent{
		Type:         "event",
		Summary:      fmt.Sprintf("%s: %s", kind, eventID),
		Location:     state.AreaID,
		Day:          state.Time.Day,
		Participants: []string{"player"},
		Properties:   map[string]interface{}{"kind": kind, "event_id": eventID},
	}
	if err := o.dispatcher.Ingest(context.Background(), o.worldID, ev, events.IngestOptions{}); err != nil {
		logging.Get(logging.CategoryAdmin).Warn("Emit %s for %s failed: %v", kind, eventID, err)
	}
}

// ===== Internals =====

func (o *Orchestrator) say(format string, args ...interface{}) {
	o.turn.texts = append(o.turn.texts, fmt.Sprintf(format, args...))
}

func (o *Orchestrator) npcName(npcID string) string {
	if c, ok := o.runtime.Character(npcID); ok {
		return c.Name
	}
	return npcID
}

func (o *Orchestrator) mutateState(ctx context.Context, fn func(*world.GameState)) (*world.GameState, error) {
	return o.sessions.Mutate(ctx, o.worldID, o.sessionID, fn)
}

// turnFacts assembles what the event machine may test this turn.
func (o *Orchestrator) turnFacts(ctx context.Context, state *world.GameState) (world.TurnFacts, error) {
	completed := make(map[string]bool)
	defs, err := o.eventEngine.Events(ctx)
	if err != nil {
		return world.TurnFacts{}, err
	}
	for _, def := range defs {
		if def.Status == world.EventCompleted {
			completed[def.ID] = true
		}
	}

	o.pmu.Lock()
	flags := make(map[string]bool, len(o.profile.WorldFlags))
	for f, v := range o.profile.WorldFlags {
		flags[f] = v
	}
	o.pmu.Unlock()

	return world.TurnFacts{
		AreaID:          state.AreaID,
		Day:             state.Time.Day,
		Round:           o.round,
		TalkedTo:        o.turn.talkedTo,
		CompletedEvents: completed,
		WorldFlags:      flags,
	}, nil
}

func (o *Orchestrator) saveProfile(ctx context.Context) error {
	o.pmu.Lock()
	defer o.pmu.Unlock()
	return SavePlayerProfile(ctx, o.store, o.worldID, o.profile)
}
