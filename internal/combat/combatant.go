// Package combat implements the turn-based combat engine: initiative,
// action economy, attack resolution, status effects, qualitative distance,
// and scripted enemy decisions.
package combat

import (
	"fmt"
	"strings"

	"fableforge/internal/dice"
)

// Kind classifies which side a combatant fights on.
type Kind string

const (
	KindPlayer Kind = "player"
	KindAlly   Kind = "ally"
	KindEnemy  Kind = "enemy"
)

// IsPlayerSide reports whether this kind acts through external decisions.
func (k Kind) IsPlayerSide() bool { return k == KindPlayer || k == KindAlly }

// =============================================================================
// Status effects
// =============================================================================

// StatusEffect is one of the ten recognized effect kinds.
type StatusEffect string

const (
	StatusDefending  StatusEffect = "defending"
	StatusBurning    StatusEffect = "burning"
	StatusPoisoned   StatusEffect = "poisoned"
	StatusStunned    StatusEffect = "stunned"
	StatusProne      StatusEffect = "prone"
	StatusFrightened StatusEffect = "frightened"
	StatusBlinded    StatusEffect = "blinded"
	StatusRestrained StatusEffect = "restrained"
	StatusDisengaged StatusEffect = "disengaged"
	StatusHidden     StatusEffect = "hidden"
)

// knownStatuses gates AddStatus against typo'd effect names.
var knownStatuses = map[StatusEffect]bool{
	StatusDefending: true, StatusBurning: true, StatusPoisoned: true,
	StatusStunned: true, StatusProne: true, StatusFrightened: true,
	StatusBlinded: true, StatusRestrained: true, StatusDisengaged: true,
	StatusHidden: true,
}

// StatusEffectInstance is one active effect on a combatant. Duration counts
// down at the bearer's end of turn; the effect expires at zero.
type StatusEffectInstance struct {
	Effect            StatusEffect `json:"effect"`
	RemainingDuration int          `json:"remaining_duration"`
	Source            string       `json:"source"`
}

// tickDamage returns the per-turn damage notation of an effect, if any.
func tickDamage(effect StatusEffect) (notation, damageType string, ok bool) {
	switch effect {
	case StatusBurning:
		return "1d4", "fire", true
	case StatusPoisoned:
		return "1d4", "poison", true
	default:
		return "", "", false
	}
}

// =============================================================================
// Spell book
// =============================================================================

// SpellBook holds a combatant's casting resources.
type SpellBook struct {
	KnownSpells      []string    `json:"known_spells,omitempty"`
	SlotsByLevel     map[int]int `json:"slots_by_level,omitempty"`
	SpellAttackBonus int         `json:"spell_attack_bonus"`
	SpellSaveDC      int         `json:"spell_save_dc"`
}

// HasSlot reports whether a slot of at least the given level remains.
func (sb *SpellBook) HasSlot(level int) bool {
	for l, n := range sb.SlotsByLevel {
		if l >= level && n > 0 {
			return true
		}
	}
	return false
}

// ConsumeSlot spends the lowest adequate slot.
func (sb *SpellBook) ConsumeSlot(level int) bool {
	best := -1
	for l, n := range sb.SlotsByLevel {
		if l >= level && n > 0 && (best == -1 || l < best) {
			best = l
		}
	}
	if best == -1 {
		return false
	}
	sb.SlotsByLevel[best]--
	return true
}

// =============================================================================
// AI personality
// =============================================================================

// AIPersonality tunes enemy decision-making.
type AIPersonality struct {
	FleeThreshold       float64 `json:"flee_threshold"`
	PreferDefend        bool    `json:"prefer_defend"`
	PreferWeakerTargets bool    `json:"prefer_weaker_targets"`
	PreferWoundedTarget bool    `json:"prefer_wounded_targets"`
}

// =============================================================================
// Combatant
// =============================================================================

// Combatant is one actor in a combat session.
type Combatant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind Kind   `json:"kind"`

	HP    int `json:"hp"`
	MaxHP int `json:"max_hp"`
	AC    int `json:"ac"`

	AttackBonus int    `json:"attack_bonus"`
	DamageDice  string `json:"damage_dice"`
	DamageBonus int    `json:"damage_bonus"`
	DamageType  string `json:"damage_type"`

	InitiativeBonus int  `json:"initiative_bonus"`
	Initiative      int  `json:"initiative"`
	IsAlive         bool `json:"is_alive"`

	ActionAvailable      bool `json:"action_available"`
	BonusActionAvailable bool `json:"bonus_action_available"`
	ReactionAvailable    bool `json:"reaction_available"`

	Speed        int `json:"speed"`
	MovementLeft int `json:"movement_left"`

	Abilities map[string]int `json:"abilities,omitempty"`

	WeaponID  string    `json:"weapon_id,omitempty"`
	ArmorID   string    `json:"armor_id,omitempty"`
	OffhandID string    `json:"offhand_id,omitempty"`
	SpellBook SpellBook `json:"spell_book"`

	Resistances     []string `json:"resistances,omitempty"`
	Vulnerabilities []string `json:"vulnerabilities,omitempty"`
	Immunities      []string `json:"immunities,omitempty"`

	Statuses []StatusEffectInstance `json:"statuses,omitempty"`

	Personality AIPersonality `json:"ai_personality"`

	XPReward   int `json:"xp_reward,omitempty"`
	GoldReward int `json:"gold_reward,omitempty"`
}

// abilityNames are the six scores every combatant carries.
var abilityNames = []string{"str", "dex", "con", "int", "wis", "cha"}

// normalize fills defaulted fields after template/state construction.
func (c *Combatant) normalize() {
	if c.Abilities == nil {
		c.Abilities = make(map[string]int, len(abilityNames))
	}
	for _, a := range abilityNames {
		if _, ok := c.Abilities[a]; !ok {
			c.Abilities[a] = 10
		}
	}
	if c.Speed <= 0 {
		c.Speed = 2
	}
	if c.MaxHP < c.HP {
		c.MaxHP = c.HP
	}
	c.IsAlive = c.HP > 0
	c.ResetTurn()
}

// ResetTurn restores the action economy and movement budget.
func (c *Combatant) ResetTurn() {
	c.ActionAvailable = true
	c.BonusActionAvailable = true
	c.ReactionAvailable = true
	c.MovementLeft = c.Speed
}

// ActionCost is which resource an action spends.
type ActionCost string

const (
	CostAction   ActionCost = "action"
	CostBonus    ActionCost = "bonus"
	CostReaction ActionCost = "reaction"
	CostMovement ActionCost = "movement"
	CostFree     ActionCost = "free"
)

// ConsumeAction spends exactly one resource; reports false when it is
// already spent.
func (c *Combatant) ConsumeAction(cost ActionCost) bool {
	switch cost {
	case CostAction:
		if !c.ActionAvailable {
			return false
		}
		c.ActionAvailable = false
	case CostBonus:
		if !c.BonusActionAvailable {
			return false
		}
		c.BonusActionAvailable = false
	case CostReaction:
		if !c.ReactionAvailable {
			return false
		}
		c.ReactionAvailable = false
	case CostMovement:
		if c.MovementLeft <= 0 {
			return false
		}
		c.MovementLeft--
	case CostFree:
	default:
		return false
	}
	return true
}

// EffectiveAC is the armor class after defensive statuses.
func (c *Combatant) EffectiveAC() int {
	ac := c.AC
	if c.HasStatus(StatusDefending) {
		ac += 2
	}
	return ac
}

// HasStatus reports an active effect.
func (c *Combatant) HasStatus(effect StatusEffect) bool {
	for _, s := range c.Statuses {
		if s.Effect == effect {
			return true
		}
	}
	return false
}

// AddStatus applies an effect instance, refreshing the duration when the
// effect is already present.
func (c *Combatant) AddStatus(effect StatusEffect, duration int, source string) error {
	if !knownStatuses[effect] {
		return fmt.Errorf("unknown status effect %q", effect)
	}
	for i := range c.Statuses {
		if c.Statuses[i].Effect == effect {
			if duration > c.Statuses[i].RemainingDuration {
				c.Statuses[i].RemainingDuration = duration
			}
			return nil
		}
	}
	c.Statuses = append(c.Statuses, StatusEffectInstance{
		Effect: effect, RemainingDuration: duration, Source: source,
	})
	return nil
}

// RemoveStatus drops an effect.
func (c *Combatant) RemoveStatus(effect StatusEffect) {
	kept := c.Statuses[:0]
	for _, s := range c.Statuses {
		if s.Effect != effect {
			kept = append(kept, s)
		}
	}
	c.Statuses = kept
}

// TickStatusDurations decrements every effect at end of turn and returns the
// effects that expired.
func (c *Combatant) TickStatusDurations() []StatusEffect {
	var expired []StatusEffect
	kept := c.Statuses[:0]
	for _, s := range c.Statuses {
		s.RemainingDuration--
		if s.RemainingDuration <= 0 {
			expired = append(expired, s.Effect)
			continue
		}
		kept = append(kept, s)
	}
	c.Statuses = kept
	return expired
}

// ApplyDamage runs raw damage through the modifier pipeline and subtracts
// the result. Returns the damage actually dealt. Order: immunity zeroes,
// vulnerability doubles, resistance halves (floor, minimum 1).
func (c *Combatant) ApplyDamage(amount int, damageType string) int {
	if amount <= 0 {
		return 0
	}
	final := amount
	switch {
	case containsFold(c.Immunities, damageType):
		final = 0
	case containsFold(c.Vulnerabilities, damageType):
		final = amount * 2
	case containsFold(c.Resistances, damageType):
		final = amount / 2
		if final < 1 {
			final = 1
		}
	}

	c.HP -= final
	if c.HP <= 0 {
		c.HP = 0
		c.IsAlive = false
	}
	return final
}

// Heal restores hit points up to the maximum. Dead combatants stay dead.
func (c *Combatant) Heal(amount int) int {
	if !c.IsAlive || amount <= 0 {
		return 0
	}
	before := c.HP
	c.HP += amount
	if c.HP > c.MaxHP {
		c.HP = c.MaxHP
	}
	return c.HP - before
}

// HPRatio is hp / max_hp.
func (c *Combatant) HPRatio() float64 {
	if c.MaxHP <= 0 {
		return 0
	}
	return float64(c.HP) / float64(c.MaxHP)
}

// RollInitiative rolls and stores d20 + initiative bonus.
func (c *Combatant) RollInitiative(roller dice.Roller) int {
	c.Initiative = dice.D20(roller) + c.InitiativeBonus
	return c.Initiative
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
