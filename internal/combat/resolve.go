package combat

import (
	"fmt"
	"strings"

	"fableforge/internal/dice"
	"fableforge/internal/logging"
	"fableforge/internal/spatial"
)

// ActionResult is the outcome of one resolved action.
type ActionResult struct {
	ActionID string `json:"action_id"`
	ActorID  string `json:"actor_id"`
	TargetID string `json:"target_id,omitempty"`

	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	IsHit       bool `json:"is_hit,omitempty"`
	IsCritical  bool `json:"is_critical,omitempty"`
	HitRoll     int  `json:"hit_roll,omitempty"`
	AttackTotal int  `json:"attack_total,omitempty"`
	Damage      int  `json:"damage,omitempty"`
	Healing     int  `json:"healing,omitempty"`

	DamageType string `json:"damage_type,omitempty"`

	TurnEnded bool  `json:"turn_ended,omitempty"`
	State     State `json:"state"`
}

func failure(actionID, actorID, msg string) *ActionResult {
	return &ActionResult{ActionID: actionID, ActorID: actorID, Error: msg}
}

// advantageState nets advantage and disadvantage sources to one of -1/0/+1.
func advantageState(attacker, target *Combatant, melee bool) int {
	advantage := target.HasStatus(StatusStunned) || target.HasStatus(StatusRestrained) ||
		(target.HasStatus(StatusProne) && melee)
	disadvantage := attacker.HasStatus(StatusBlinded) || attacker.HasStatus(StatusFrightened) ||
		(target.HasStatus(StatusProne) && !melee)

	switch {
	case advantage && !disadvantage:
		return 1
	case disadvantage && !advantage:
		return -1
	default:
		return 0
	}
}

// resolveAttack runs the normative attack pipeline. melee controls both
// distance validation (caller) and advantage semantics (here).
func (s *Session) resolveAttack(roller dice.Roller, attacker, target *Combatant, attackBonus int, damageDice string, damageBonus int, damageType string, melee bool, actionID string) *ActionResult {
	res := &ActionResult{ActionID: actionID, ActorID: attacker.ID, TargetID: target.ID, Success: true}

	var natural int
	switch advantageState(attacker, target, melee) {
	case 1:
		natural, _, _ = dice.D20Advantage(roller)
	case -1:
		natural, _, _ = dice.D20Disadvantage(roller)
	default:
		natural = dice.D20(roller)
	}
	res.HitRoll = natural
	res.AttackTotal = natural + attackBonus
	res.IsCritical = natural == 20
	res.IsHit = res.AttackTotal >= target.EffectiveAC()

	if !res.IsHit {
		s.appendLog("%s 攻击 %s 未命中（%d+%d < AC %d）",
			attacker.Name, target.Name, natural, attackBonus, target.EffectiveAC())
		s.recordEvent("attack_missed", map[string]interface{}{
			"attacker": attacker.ID, "target": target.ID, "roll": natural,
		})
		return res
	}

	notation, err := dice.Parse(damageDice)
	if err != nil {
		res.Success = false
		res.Error = fmt.Sprintf("invalid damage dice %q: %v", damageDice, err)
		return res
	}
	_, sum := dice.RollDice(roller, notation)
	if res.IsCritical {
		// Crit doubles the dice, never the bonus.
		_, extra := dice.RollDice(roller, notation)
		sum += extra
	}
	raw := sum + damageBonus
	dealt := target.ApplyDamage(raw, damageType)
	res.Damage = dealt
	res.DamageType = damageType

	if res.IsCritical {
		s.appendLog("%s 暴击命中 %s，造成 %d 点%s伤害", attacker.Name, target.Name, dealt, damageType)
	} else {
		s.appendLog("%s 命中 %s，造成 %d 点%s伤害", attacker.Name, target.Name, dealt, damageType)
	}
	s.recordEvent("attack_hit", map[string]interface{}{
		"attacker": attacker.ID, "target": target.ID,
		"roll": natural, "damage": dealt, "critical": res.IsCritical,
	})

	if !target.IsAlive {
		s.appendLog("%s 倒下了", target.Name)
		s.recordEvent("combatant_down", map[string]interface{}{"combatant": target.ID})
	}
	return res
}

// resolveMoveCloser shifts one band toward the target.
func (s *Session) resolveMoveCloser(actor *Combatant, targetID, actionID string) *ActionResult {
	target, ok := s.Combatant(targetID)
	if !ok {
		return failure(actionID, actor.ID, fmt.Sprintf("unknown target %q", targetID))
	}
	if s.Spatial.Get(actor.ID, target.ID) == spatial.Engaged {
		return failure(actionID, actor.ID, "already engaged")
	}
	if !actor.ConsumeAction(CostMovement) {
		return failure(actionID, actor.ID, "no movement left")
	}
	band := s.Spatial.Adjust(actor.ID, target.ID, -1)
	s.appendLog("%s 接近 %s（现在距离：%s）", actor.Name, target.Name, band)
	return &ActionResult{ActionID: actionID, ActorID: actor.ID, TargetID: target.ID, Success: true}
}

// resolveMoveAway retreats one band from every opponent. Opponents still at
// engaged get their opportunity attack before the band change, unless the
// mover is disengaged.
func (s *Session) resolveMoveAway(roller dice.Roller, actor *Combatant, actionID string) *ActionResult {
	if !actor.ConsumeAction(CostMovement) {
		return failure(actionID, actor.ID, "no movement left")
	}

	if !actor.HasStatus(StatusDisengaged) {
		for _, opp := range s.opponentsOf(actor) {
			if s.Spatial.Get(actor.ID, opp.ID) != spatial.Engaged {
				continue
			}
			if !opp.ConsumeAction(CostReaction) {
				continue
			}
			s.appendLog("%s 抓住机会攻击撤退中的 %s", opp.Name, actor.Name)
			s.recordEvent("opportunity_attack", map[string]interface{}{
				"attacker": opp.ID, "target": actor.ID,
			})
			s.resolveAttack(roller, opp, actor, opp.AttackBonus, opp.DamageDice, opp.DamageBonus, opp.DamageType, true, "opportunity_"+actor.ID)
			if !actor.IsAlive {
				return &ActionResult{ActionID: actionID, ActorID: actor.ID, Success: true}
			}
		}
	}

	for _, opp := range s.opponentsOf(actor) {
		s.Spatial.Adjust(actor.ID, opp.ID, 1)
	}
	s.appendLog("%s 拉开了距离", actor.Name)
	return &ActionResult{ActionID: actionID, ActorID: actor.ID, Success: true}
}

// resolveFlee spends the action and rolls d20 against the flee DC.
func (s *Session) resolveFlee(roller dice.Roller, actor *Combatant, fleeDC int, actionID string) *ActionResult {
	if !actor.ConsumeAction(CostAction) {
		return failure(actionID, actor.ID, "action already used")
	}
	roll := dice.D20(roller)
	if roll >= fleeDC {
		s.appendLog("%s 成功逃离了战斗（%d ≥ DC %d）", actor.Name, roll, fleeDC)
		s.recordEvent("fled", map[string]interface{}{"combatant": actor.ID, "roll": roll})
		s.State = StateEnded
		s.EndReason = EndFled
		return &ActionResult{ActionID: actionID, ActorID: actor.ID, Success: true, State: StateEnded}
	}
	s.appendLog("%s 试图逃跑但失败了（%d < DC %d）", actor.Name, roll, fleeDC)
	s.recordEvent("flee_failed", map[string]interface{}{"combatant": actor.ID, "roll": roll})
	return &ActionResult{ActionID: actionID, ActorID: actor.ID, Success: false, Error: "flee failed"}
}

// resolveShove contests strength against the target's dexterity; success
// knocks the target prone.
func (s *Session) resolveShove(roller dice.Roller, actor *Combatant, targetID, actionID string) *ActionResult {
	target, ok := s.Combatant(targetID)
	if !ok {
		return failure(actionID, actor.ID, fmt.Sprintf("unknown target %q", targetID))
	}
	if s.Spatial.Get(actor.ID, target.ID) != spatial.Engaged {
		return failure(actionID, actor.ID, "must be engaged to shove")
	}
	if !actor.ConsumeAction(CostBonus) {
		return failure(actionID, actor.ID, "bonus action already used")
	}

	attackRoll := dice.D20(roller) + abilityMod(actor.Abilities["str"])
	defense := 10 + abilityMod(target.Abilities["dex"])
	if attackRoll >= defense {
		target.AddStatus(StatusProne, 1, actor.ID)
		s.appendLog("%s 将 %s 推倒在地", actor.Name, target.Name)
		return &ActionResult{ActionID: actionID, ActorID: actor.ID, TargetID: target.ID, Success: true}
	}
	s.appendLog("%s 试图推撞 %s，但没能撼动对方", actor.Name, target.Name)
	return &ActionResult{ActionID: actionID, ActorID: actor.ID, TargetID: target.ID, Success: false, Error: "shove resisted"}
}

// resolveSpell validates range and slots, then attacks or heals.
func (s *Session) resolveSpell(roller dice.Roller, actor *Combatant, spellID, targetID, actionID string) *ActionResult {
	spell, ok := builtinSpells[spellID]
	if !ok {
		return failure(actionID, actor.ID, fmt.Sprintf("unknown spell %q", spellID))
	}
	if !containsFold(actor.SpellBook.KnownSpells, spellID) {
		return failure(actionID, actor.ID, fmt.Sprintf("spell %q not known", spellID))
	}
	target, ok := s.Combatant(targetID)
	if !ok {
		return failure(actionID, actor.ID, fmt.Sprintf("unknown target %q", targetID))
	}
	if s.Spatial.Get(actor.ID, target.ID) > spell.Range {
		return failure(actionID, actor.ID, "target out of range")
	}
	if spell.Level > 0 && !actor.SpellBook.HasSlot(spell.Level) {
		return failure(actionID, actor.ID, "no spell slot available")
	}
	if !actor.ConsumeAction(CostAction) {
		return failure(actionID, actor.ID, "action already used")
	}
	if spell.Level > 0 {
		actor.SpellBook.ConsumeSlot(spell.Level)
	}

	if spell.HealDice != "" {
		res, err := dice.RollNotation(roller, spell.HealDice)
		if err != nil {
			return failure(actionID, actor.ID, err.Error())
		}
		healed := target.Heal(res.Total)
		s.appendLog("%s 施放 %s，恢复了 %d 点生命", actor.Name, spell.Name, healed)
		return &ActionResult{ActionID: actionID, ActorID: actor.ID, TargetID: target.ID, Success: true, Healing: healed}
	}

	notation, err := dice.Parse(spell.DamageDice)
	if err != nil {
		return failure(actionID, actor.ID, err.Error())
	}
	ranged := spell.Range > spatial.Close
	return s.resolveAttack(roller, actor, target,
		actor.SpellBook.SpellAttackBonus, notation.String(), notation.Modifier, spell.DamageType, !ranged, actionID)
}

// resolveUseItem handles consumables. The built-in table covers potions;
// worldbook items route through the orchestrator's inventory instead.
func (s *Session) resolveUseItem(roller dice.Roller, actor *Combatant, itemID, actionID string) *ActionResult {
	if !actor.ConsumeAction(CostBonus) {
		return failure(actionID, actor.ID, "bonus action already used")
	}
	switch itemID {
	case "potion_healing":
		res, err := dice.RollNotation(roller, "2d4+2")
		if err != nil {
			return failure(actionID, actor.ID, err.Error())
		}
		healed := actor.Heal(res.Total)
		s.appendLog("%s 喝下治疗药水，恢复了 %d 点生命", actor.Name, healed)
		return &ActionResult{ActionID: actionID, ActorID: actor.ID, Success: true, Healing: healed}
	default:
		return failure(actionID, actor.ID, fmt.Sprintf("unknown item %q", itemID))
	}
}

// processTurnStart runs start-of-turn effect ticks (burning, poisoned).
func (s *Session) processTurnStart(roller dice.Roller, actor *Combatant) {
	for _, inst := range append([]StatusEffectInstance{}, actor.Statuses...) {
		notation, damageType, ok := tickDamage(inst.Effect)
		if !ok {
			continue
		}
		res, err := dice.RollNotation(roller, notation)
		if err != nil {
			logging.Get(logging.CategoryCombat).Error("bad tick notation %q: %v", notation, err)
			continue
		}
		dealt := actor.ApplyDamage(res.Total, damageType)
		s.appendLog("%s 因%s受到 %d 点伤害", actor.Name, statusZh(inst.Effect), dealt)
		s.recordEvent("status_tick", map[string]interface{}{
			"combatant": actor.ID, "effect": string(inst.Effect), "damage": dealt,
		})
		if !actor.IsAlive {
			s.appendLog("%s 倒下了", actor.Name)
			return
		}
	}
}

// processTurnEnd decrements status durations and drops expired effects.
func (s *Session) processTurnEnd(actor *Combatant) {
	for _, effect := range actor.TickStatusDurations() {
		s.appendLog("%s 的%s状态结束了", actor.Name, statusZh(effect))
	}
}

func statusZh(effect StatusEffect) string {
	switch effect {
	case StatusDefending:
		return "防御"
	case StatusBurning:
		return "燃烧"
	case StatusPoisoned:
		return "中毒"
	case StatusStunned:
		return "眩晕"
	case StatusProne:
		return "倒地"
	case StatusFrightened:
		return "恐惧"
	case StatusBlinded:
		return "目盲"
	case StatusRestrained:
		return "束缚"
	case StatusDisengaged:
		return "脱离接触"
	case StatusHidden:
		return "隐匿"
	default:
		return string(effect)
	}
}

func abilityMod(score int) int {
	return (score - 10) / 2
}

// parseActionTarget splits "{prefix}_{target}" action ids.
func parseActionTarget(actionID, prefix string) (string, bool) {
	if !strings.HasPrefix(actionID, prefix) {
		return "", false
	}
	return strings.TrimPrefix(actionID, prefix), true
}
