package combat

import (
	"fmt"
	"strings"

	"fableforge/internal/spatial"
)

// ActionOption is one legal move offered to the current actor.
type ActionOption struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Cost        ActionCost `json:"cost"`
	TargetID    string     `json:"target_id,omitempty"`
}

// SpellTemplate is a castable spell. Range is the farthest band the target
// may occupy.
type SpellTemplate struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Level      int          `json:"level"`
	DamageDice string       `json:"damage_dice,omitempty"`
	DamageType string       `json:"damage_type,omitempty"`
	HealDice   string       `json:"heal_dice,omitempty"`
	Range      spatial.Band `json:"range"`
}

// builtinSpells is the default spell table; worldbooks may extend it through
// Engine.RegisterSpell.
var builtinSpells = map[string]SpellTemplate{
	"firebolt":      {ID: "firebolt", Name: "火焰箭", Level: 0, DamageDice: "1d10", DamageType: "fire", Range: spatial.Far},
	"magic_missile": {ID: "magic_missile", Name: "魔法飞弹", Level: 1, DamageDice: "3d4+3", DamageType: "force", Range: spatial.Far},
	"cure_wounds":   {ID: "cure_wounds", Name: "治疗伤势", Level: 1, HealDice: "1d8+3", Range: spatial.Engaged},
	"burning_hands": {ID: "burning_hands", Name: "燃烧之手", Level: 1, DamageDice: "3d6", DamageType: "fire", Range: spatial.Close},
}

// actionCost maps an action id prefix to its resource.
func actionCost(actionID string) ActionCost {
	switch {
	case strings.HasPrefix(actionID, "move_"):
		return CostMovement
	case strings.HasPrefix(actionID, "use_"),
		strings.HasPrefix(actionID, "shove_"),
		strings.HasPrefix(actionID, "offhand_"):
		return CostBonus
	case actionID == "end_turn":
		return CostFree
	default:
		// attack, throw, spell, defend, dash, disengage, flee
		return CostAction
	}
}

// AvailableActionsFor computes the exact legal move set for an actor,
// filtered by action economy, status, distance, and casting resources.
func (s *Session) AvailableActionsFor(actorID string) ([]ActionOption, error) {
	actor, ok := s.Combatant(actorID)
	if !ok {
		return nil, fmt.Errorf("unknown combatant %q", actorID)
	}
	if !actor.IsAlive {
		return nil, fmt.Errorf("combatant %q is down", actorID)
	}

	endTurn := ActionOption{ID: "end_turn", Name: "结束回合", Cost: CostFree}
	if actor.HasStatus(StatusStunned) {
		return []ActionOption{endTurn}, nil
	}

	var opts []ActionOption
	opponents := s.opponentsOf(actor)

	if actor.MovementLeft > 0 {
		for _, opp := range opponents {
			if s.Spatial.Get(actor.ID, opp.ID) > spatial.Engaged {
				opts = append(opts, ActionOption{
					ID:       "move_closer_" + opp.ID,
					Name:     fmt.Sprintf("接近 %s", opp.Name),
					Cost:     CostMovement,
					TargetID: opp.ID,
				})
			}
		}
		opts = append(opts, ActionOption{ID: "move_away", Name: "拉开距离", Cost: CostMovement})
	}

	if actor.ActionAvailable {
		for _, opp := range opponents {
			band := s.Spatial.Get(actor.ID, opp.ID)
			if band <= spatial.Close {
				opts = append(opts, ActionOption{
					ID:       "attack_" + opp.ID,
					Name:     fmt.Sprintf("攻击 %s", opp.Name),
					Cost:     CostAction,
					TargetID: opp.ID,
				})
			}
			if band > spatial.Engaged && band <= spatial.Far {
				opts = append(opts, ActionOption{
					ID:       "throw_" + opp.ID,
					Name:     fmt.Sprintf("投掷攻击 %s", opp.Name),
					Cost:     CostAction,
					TargetID: opp.ID,
				})
			}
		}
		for _, spellID := range actor.SpellBook.KnownSpells {
			spell, ok := builtinSpells[spellID]
			if !ok {
				continue
			}
			if spell.Level > 0 && !actor.SpellBook.HasSlot(spell.Level) {
				continue
			}
			if spell.HealDice != "" {
				opts = append(opts, ActionOption{
					ID:       fmt.Sprintf("spell_%s_%s", spell.ID, actor.ID),
					Name:     spell.Name,
					Cost:     CostAction,
					TargetID: actor.ID,
				})
				continue
			}
			for _, opp := range opponents {
				if s.Spatial.Get(actor.ID, opp.ID) <= spell.Range {
					opts = append(opts, ActionOption{
						ID:       fmt.Sprintf("spell_%s_%s", spell.ID, opp.ID),
						Name:     fmt.Sprintf("%s → %s", spell.Name, opp.Name),
						Cost:     CostAction,
						TargetID: opp.ID,
					})
				}
			}
		}
		opts = append(opts,
			ActionOption{ID: "defend", Name: "防御", Cost: CostAction},
			ActionOption{ID: "dash", Name: "疾走", Cost: CostAction},
			ActionOption{ID: "disengage", Name: "撤离", Cost: CostAction},
			ActionOption{ID: "flee", Name: "逃跑", Cost: CostAction},
		)
	}

	if actor.BonusActionAvailable {
		for _, opp := range opponents {
			band := s.Spatial.Get(actor.ID, opp.ID)
			if actor.OffhandID != "" && band <= spatial.Close {
				opts = append(opts, ActionOption{
					ID:       "offhand_" + opp.ID,
					Name:     fmt.Sprintf("副手攻击 %s", opp.Name),
					Cost:     CostBonus,
					TargetID: opp.ID,
				})
			}
			if band == spatial.Engaged {
				opts = append(opts, ActionOption{
					ID:       "shove_" + opp.ID,
					Name:     fmt.Sprintf("推撞 %s", opp.Name),
					Cost:     CostBonus,
					TargetID: opp.ID,
				})
			}
		}
	}

	opts = append(opts, endTurn)
	return opts, nil
}
