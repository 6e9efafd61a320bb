package combat

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"fableforge/internal/dice"
	"fableforge/internal/logging"
	"fableforge/internal/spatial"
)

// Config tunes engine-wide combat behavior.
type Config struct {
	Seed                   int64
	FleeDC                 int
	DefeatGoldLossFraction float64
	RespawnLocation        string
	MaxChainedTurns        int
}

// DefaultConfig returns the standard ruleset.
func DefaultConfig() Config {
	return Config{
		FleeDC:                 10,
		DefeatGoldLossFraction: 0.1,
		RespawnLocation:        "loc_respawn",
		MaxChainedTurns:        64,
	}
}

// PlayerState seeds the player combatant plus out-of-combat resources that
// defeat penalties draw from.
type PlayerState struct {
	Combatant Combatant
	Gold      int
}

// Engine owns every live combat session. All session mutation goes through
// the engine's lock.
type Engine struct {
	mu        sync.Mutex
	cfg       Config
	roller    dice.Roller
	templates map[string]Combatant
	sessions  map[string]*Session
	gold      map[string]int // combat id -> player gold at start
}

// NewEngine creates an engine with the given config. A zero Seed rolls from
// the clock.
func NewEngine(cfg Config) *Engine {
	if cfg.FleeDC <= 0 {
		cfg.FleeDC = 10
	}
	if cfg.MaxChainedTurns <= 0 {
		cfg.MaxChainedTurns = 64
	}
	return &Engine{
		cfg:       cfg,
		roller:    dice.NewRoller(cfg.Seed),
		templates: make(map[string]Combatant),
		sessions:  make(map[string]*Session),
		gold:      make(map[string]int),
	}
}

// SetRoller swaps the dice source. Tests script rolls through this.
func (e *Engine) SetRoller(r dice.Roller) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.roller = r
}

// RegisterTemplate adds an enemy template keyed by its id.
func (e *Engine) RegisterTemplate(t Combatant) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = t
}

// RegisterSpell extends the spell table from worldbook data.
func (e *Engine) RegisterSpell(s SpellTemplate) {
	builtinSpells[s.ID] = s
}

// =============================================================================
// Session lifecycle
// =============================================================================

// StartCombat builds a session from enemy template ids, rolls initiative,
// seeds the distance lattice, and runs turns until a player-side actor is
// current (or the fight is over before it starts).
func (e *Engine) StartCombat(enemyTemplateIDs []string, player PlayerState, allies []Combatant, environment string) (*Session, error) {
	timer := logging.StartTimer(logging.CategoryCombat, "StartCombat")
	defer timer.Stop()

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(enemyTemplateIDs) == 0 {
		return nil, fmt.Errorf("start combat: no enemies")
	}

	s := &Session{
		ID:           "combat_" + uuid.NewString(),
		State:        StateInitialized,
		CurrentRound: 1,
		Spatial:      spatial.NewProvider(),
	}

	pc := player.Combatant
	pc.Kind = KindPlayer
	pc.normalize()
	s.Combatants = append(s.Combatants, &pc)

	for i := range allies {
		a := allies[i]
		a.Kind = KindAlly
		a.normalize()
		s.Combatants = append(s.Combatants, &a)
	}

	counts := make(map[string]int)
	for _, tid := range enemyTemplateIDs {
		tmpl, ok := e.templates[tid]
		if !ok {
			return nil, fmt.Errorf("start combat: unknown enemy template %q", tid)
		}
		enemy := tmpl
		counts[tid]++
		if counts[tid] > 1 {
			enemy.ID = fmt.Sprintf("%s_%d", tid, counts[tid])
			enemy.Name = fmt.Sprintf("%s %d", tmpl.Name, counts[tid])
		}
		enemy.Kind = KindEnemy
		enemy.normalize()
		s.Combatants = append(s.Combatants, &enemy)
	}

	for _, c := range s.Combatants {
		c.RollInitiative(e.roller)
	}
	s.sortTurnOrder()

	// Allies cluster together, enemies cluster together, the sides start a
	// band apart.
	for i, a := range s.Combatants {
		for _, b := range s.Combatants[i+1:] {
			if a.Kind.IsPlayerSide() == b.Kind.IsPlayerSide() {
				s.Spatial.Set(a.ID, b.ID, spatial.Close)
			} else {
				s.Spatial.Set(a.ID, b.ID, spatial.Near)
			}
		}
	}

	if environment != "" {
		s.appendLog("战斗开始（%s）", environment)
	} else {
		s.appendLog("战斗开始")
	}
	s.recordEvent("combat_started", map[string]interface{}{
		"combat_id": s.ID, "turn_order": s.TurnOrder, "environment": environment,
	})
	logging.Combat("Combat %s started: %d combatants, order %v", s.ID, len(s.Combatants), s.TurnOrder)

	e.sessions[s.ID] = s
	e.gold[s.ID] = player.Gold

	s.State = StateInProgress
	e.runUntilPlayerInput(s)
	return s, nil
}

// Session returns a live session by id.
func (e *Engine) Session(combatID string) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[combatID]
	if !ok {
		return nil, fmt.Errorf("unknown combat %q", combatID)
	}
	return s, nil
}

// AvailableActions lists the current actor's legal moves.
func (e *Engine) AvailableActions(combatID string) ([]ActionOption, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[combatID]
	if !ok {
		return nil, fmt.Errorf("unknown combat %q", combatID)
	}
	actor := s.CurrentActor()
	if actor == nil {
		return nil, fmt.Errorf("combat %q has no current actor", combatID)
	}
	return s.AvailableActionsFor(actor.ID)
}

// AvailableActionsForActor lists legal moves for a specific actor; the actor
// must be current.
func (e *Engine) AvailableActionsForActor(combatID, actorID string) ([]ActionOption, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[combatID]
	if !ok {
		return nil, fmt.Errorf("unknown combat %q", combatID)
	}
	if actor := s.CurrentActor(); actor == nil || actor.ID != actorID {
		return nil, fmt.Errorf("not %s's turn", actorID)
	}
	return s.AvailableActionsFor(actorID)
}

// ExecuteAction resolves one action for the current actor.
func (e *Engine) ExecuteAction(combatID, actionID string) (*ActionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[combatID]
	if !ok {
		return nil, fmt.Errorf("unknown combat %q", combatID)
	}
	actor := s.CurrentActor()
	if actor == nil {
		return nil, fmt.Errorf("combat %q has no current actor", combatID)
	}
	return e.executeLocked(s, actor, actionID)
}

// ExecuteActionForActor resolves one action for a named actor. Acting out of
// turn is an invariant breach and returns an error.
func (e *Engine) ExecuteActionForActor(combatID, actorID, actionID string) (*ActionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[combatID]
	if !ok {
		return nil, fmt.Errorf("unknown combat %q", combatID)
	}
	actor := s.CurrentActor()
	if actor == nil || actor.ID != actorID {
		return nil, fmt.Errorf("not %s's turn", actorID)
	}
	return e.executeLocked(s, actor, actionID)
}

// Result returns the summary of an ended session. Calling it on a live
// session is an invariant breach.
func (e *Engine) Result(combatID string) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[combatID]
	if !ok {
		return nil, fmt.Errorf("unknown combat %q", combatID)
	}
	if s.State != StateEnded {
		return nil, fmt.Errorf("combat %q has not ended (state %s)", combatID, s.State)
	}
	return e.buildResult(s), nil
}

// Resolve returns the result and removes the session.
func (e *Engine) Resolve(combatID string) (*Result, error) {
	res, err := e.Result(combatID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	delete(e.sessions, combatID)
	delete(e.gold, combatID)
	e.mu.Unlock()
	return res, nil
}

// =============================================================================
// Action dispatch
// =============================================================================

func (e *Engine) executeLocked(s *Session, actor *Combatant, actionID string) (*ActionResult, error) {
	if s.State == StateEnded {
		return nil, fmt.Errorf("combat %q already ended", s.ID)
	}

	res := e.dispatch(s, actor, actionID)
	res.State = s.State

	if s.State != StateEnded {
		e.checkEnd(s)
	}
	if s.State == StateEnded {
		res.State = StateEnded
		return res, nil
	}

	if actionID == "end_turn" || !hasResources(actor) || !actor.IsAlive {
		res.TurnEnded = true
		e.advanceTurn(s)
		e.runUntilPlayerInput(s)
	} else {
		s.State = StateWaitingPlayerInput
	}
	res.State = s.State
	return res, nil
}

func (e *Engine) dispatch(s *Session, actor *Combatant, actionID string) *ActionResult {
	switch {
	case actionID == "end_turn":
		return &ActionResult{ActionID: actionID, ActorID: actor.ID, Success: true}

	case actionID == "defend":
		if !actor.ConsumeAction(CostAction) {
			return failure(actionID, actor.ID, "action already used")
		}
		actor.AddStatus(StatusDefending, 2, actor.ID)
		s.appendLog("%s 进入防御姿态", actor.Name)
		return &ActionResult{ActionID: actionID, ActorID: actor.ID, Success: true}

	case actionID == "dash":
		if !actor.ConsumeAction(CostAction) {
			return failure(actionID, actor.ID, "action already used")
		}
		actor.MovementLeft += actor.Speed
		s.appendLog("%s 全力疾走", actor.Name)
		return &ActionResult{ActionID: actionID, ActorID: actor.ID, Success: true}

	case actionID == "disengage":
		if !actor.ConsumeAction(CostAction) {
			return failure(actionID, actor.ID, "action already used")
		}
		actor.AddStatus(StatusDisengaged, 1, actor.ID)
		s.appendLog("%s 谨慎地脱离接触", actor.Name)
		return &ActionResult{ActionID: actionID, ActorID: actor.ID, Success: true}

	case actionID == "flee":
		return s.resolveFlee(e.roller, actor, e.cfg.FleeDC, actionID)

	case actionID == "move_away":
		return s.resolveMoveAway(e.roller, actor, actionID)
	}

	if target, ok := parseActionTarget(actionID, "move_closer_"); ok {
		return s.resolveMoveCloser(actor, target, actionID)
	}
	if target, ok := parseActionTarget(actionID, "attack_"); ok {
		return e.meleeAttack(s, actor, target, actor.AttackBonus, actor.DamageDice, actor.DamageBonus, actor.DamageType, CostAction, actionID)
	}
	if target, ok := parseActionTarget(actionID, "offhand_"); ok {
		if actor.OffhandID == "" {
			return failure(actionID, actor.ID, "no offhand weapon")
		}
		// Offhand swings carry no damage bonus.
		return e.meleeAttack(s, actor, target, actor.AttackBonus, actor.DamageDice, 0, actor.DamageType, CostBonus, actionID)
	}
	if target, ok := parseActionTarget(actionID, "throw_"); ok {
		return e.thrownAttack(s, actor, target, actionID)
	}
	if target, ok := parseActionTarget(actionID, "shove_"); ok {
		return s.resolveShove(e.roller, actor, target, actionID)
	}
	if rest, ok := parseActionTarget(actionID, "spell_"); ok {
		spellID, targetID, ok := splitSpellAction(rest)
		if !ok {
			return failure(actionID, actor.ID, fmt.Sprintf("malformed spell action %q", actionID))
		}
		return s.resolveSpell(e.roller, actor, spellID, targetID, actionID)
	}
	if itemID, ok := parseActionTarget(actionID, "use_"); ok {
		return s.resolveUseItem(e.roller, actor, itemID, actionID)
	}
	return failure(actionID, actor.ID, fmt.Sprintf("unknown action %q", actionID))
}

func (e *Engine) meleeAttack(s *Session, actor *Combatant, targetID string, attackBonus int, damageDice string, damageBonus int, damageType string, cost ActionCost, actionID string) *ActionResult {
	target, ok := s.Combatant(targetID)
	if !ok || !target.IsAlive {
		return failure(actionID, actor.ID, fmt.Sprintf("no valid target %q", targetID))
	}
	if s.Spatial.Get(actor.ID, target.ID) > spatial.Close {
		return failure(actionID, actor.ID, "target out of melee range")
	}
	if !actor.ConsumeAction(cost) {
		return failure(actionID, actor.ID, string(cost)+" already used")
	}
	return s.resolveAttack(e.roller, actor, target, attackBonus, damageDice, damageBonus, damageType, true, actionID)
}

func (e *Engine) thrownAttack(s *Session, actor *Combatant, targetID, actionID string) *ActionResult {
	target, ok := s.Combatant(targetID)
	if !ok || !target.IsAlive {
		return failure(actionID, actor.ID, fmt.Sprintf("no valid target %q", targetID))
	}
	band := s.Spatial.Get(actor.ID, target.ID)
	if band == spatial.Engaged || band > spatial.Far {
		return failure(actionID, actor.ID, "target outside throwing range")
	}
	if !actor.ConsumeAction(CostAction) {
		return failure(actionID, actor.ID, "action already used")
	}
	return s.resolveAttack(e.roller, actor, target, actor.AttackBonus, actor.DamageDice, actor.DamageBonus, actor.DamageType, false, actionID)
}

// =============================================================================
// Turn machinery
// =============================================================================

// beginTurn resets the actor unless their turn already began.
func (e *Engine) beginTurn(s *Session, actor *Combatant) {
	if s.turnStartedFor == actor.ID {
		return
	}
	s.turnStartedFor = actor.ID
	actor.ResetTurn()
	s.processTurnStart(e.roller, actor)
}

// advanceTurn closes the current actor's turn and moves to the next living
// combatant, bumping the round on wrap.
func (e *Engine) advanceTurn(s *Session) {
	if current := s.CurrentActor(); current != nil {
		s.processTurnEnd(current)
	}
	for i := 0; i < len(s.TurnOrder); i++ {
		s.CurrentTurnIndex++
		if s.CurrentTurnIndex >= len(s.TurnOrder) {
			s.CurrentTurnIndex = 0
			s.CurrentRound++
			s.appendLog("—— 第 %d 回合 ——", s.CurrentRound)
		}
		next := s.CurrentActor()
		if next != nil && next.IsAlive {
			s.turnStartedFor = ""
			return
		}
	}
}

// runUntilPlayerInput chains enemy turns until a player-side actor is
// current or the combat ends.
func (e *Engine) runUntilPlayerInput(s *Session) {
	for chained := 0; chained < e.cfg.MaxChainedTurns; chained++ {
		if s.State == StateEnded {
			return
		}
		actor := s.CurrentActor()
		if actor == nil {
			return
		}
		e.beginTurn(s, actor)
		e.checkEnd(s)
		if s.State == StateEnded {
			return
		}

		if !actor.IsAlive {
			e.advanceTurn(s)
			continue
		}
		if actor.HasStatus(StatusStunned) {
			s.appendLog("%s 处于眩晕状态，无法行动", actor.Name)
			e.advanceTurn(s)
			continue
		}
		if actor.Kind.IsPlayerSide() {
			s.State = StateWaitingPlayerInput
			s.PendingTurnRequests = append(s.PendingTurnRequests, TurnRequest{
				ActorID: actor.ID, Round: s.CurrentRound,
			})
			s.recordEvent("turn_request", map[string]interface{}{
				"actor": actor.ID, "round": s.CurrentRound,
			})
			return
		}

		e.runEnemyTurn(s, actor)
		if s.State == StateEnded {
			return
		}
		e.advanceTurn(s)
	}
	logging.Get(logging.CategoryCombat).Warn(
		"Combat %s hit the chained turn cap; forcing waiting state", s.ID)
	s.State = StateWaitingPlayerInput
}

// runEnemyTurn plays one enemy turn to completion.
func (e *Engine) runEnemyTurn(s *Session, actor *Combatant) {
	for i := 0; i < 8; i++ {
		actionID := e.decideAI(s, actor)
		res := e.dispatch(s, actor, actionID)
		e.checkEnd(s)
		if s.State == StateEnded || actionID == "end_turn" || !res.Success {
			return
		}
		if !hasResources(actor) || !actor.IsAlive {
			return
		}
	}
}

// checkEnd applies the end conditions: player KO, all enemies down.
func (e *Engine) checkEnd(s *Session) {
	if s.State == StateEnded {
		return
	}
	if p := s.player(); p != nil && !p.IsAlive {
		s.State = StateEnded
		s.EndReason = EndDefeat
		s.appendLog("战斗失败……")
		s.recordEvent("combat_ended", map[string]interface{}{"reason": string(EndDefeat)})
		return
	}
	if len(s.AliveEnemies()) == 0 {
		s.State = StateEnded
		s.EndReason = EndVictory
		s.appendLog("战斗胜利！")
		s.recordEvent("combat_ended", map[string]interface{}{"reason": string(EndVictory)})
	}
}

// buildResult summarizes rewards and penalties per the end reason.
func (e *Engine) buildResult(s *Session) *Result {
	res := &Result{
		CombatID:  s.ID,
		EndReason: s.EndReason,
		Rounds:    s.CurrentRound,
		Log:       append([]string{}, s.Log...),
	}
	switch s.EndReason {
	case EndVictory:
		for _, c := range s.Combatants {
			if c.Kind == KindEnemy && !c.IsAlive {
				res.XPReward += c.XPReward
				res.GoldReward += c.GoldReward
				res.Defeated = append(res.Defeated, c.ID)
			}
		}
	case EndDefeat:
		res.GoldLost = int(float64(e.gold[s.ID]) * e.cfg.DefeatGoldLossFraction)
		res.RespawnAt = e.cfg.RespawnLocation
	}
	return res
}

func hasResources(c *Combatant) bool {
	return c.ActionAvailable || c.BonusActionAvailable || c.MovementLeft > 0
}

// splitSpellAction splits "{spellId}_{target}" by matching against known
// spell ids, longest first, since both halves may contain underscores.
func splitSpellAction(rest string) (spellID, targetID string, ok bool) {
	best := ""
	for id := range builtinSpells {
		if strings.HasPrefix(rest, id+"_") && len(id) > len(best) {
			best = id
		}
	}
	if best == "" {
		return "", "", false
	}
	return best, strings.TrimPrefix(rest, best+"_"), true
}
