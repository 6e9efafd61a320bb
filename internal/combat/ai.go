package combat

import (
	"fableforge/internal/dice"
	"fableforge/internal/spatial"
)

// decideAI picks the next action for an enemy actor per its personality:
// flee when badly hurt, turtle when configured, otherwise close in and hit
// the preferred target.
func (e *Engine) decideAI(s *Session, actor *Combatant) string {
	p := actor.Personality

	if actor.ActionAvailable {
		if p.FleeThreshold > 0 && actor.HPRatio() < p.FleeThreshold {
			// 50% chance to break and run.
			if dice.D20(e.roller) >= 11 {
				return "flee"
			}
		}
		if p.PreferDefend && actor.HPRatio() < 0.5 {
			// 30% chance to turtle.
			if dice.D20(e.roller) <= 6 {
				return "defend"
			}
		}
	}

	target := e.pickTarget(s, actor)
	if target == nil {
		if actor.ActionAvailable {
			return "defend"
		}
		return "end_turn"
	}

	band := s.Spatial.Get(actor.ID, target.ID)
	if band <= spatial.Close && actor.ActionAvailable {
		return "attack_" + target.ID
	}
	if band > spatial.Close && actor.MovementLeft > 0 {
		return "move_closer_" + target.ID
	}
	if band > spatial.Engaged && band <= spatial.Far && actor.ActionAvailable {
		return "throw_" + target.ID
	}
	if actor.ActionAvailable {
		return "defend"
	}
	return "end_turn"
}

// pickTarget chooses among living player-side combatants: lowest hp when
// the personality prefers weak targets, lowest hp ratio when it prefers
// wounded ones, else a roll of the table.
func (e *Engine) pickTarget(s *Session, actor *Combatant) *Combatant {
	candidates := s.opponentsOf(actor)
	if len(candidates) == 0 {
		return nil
	}

	p := actor.Personality
	best := candidates[0]
	switch {
	case p.PreferWeakerTargets:
		for _, c := range candidates[1:] {
			if c.HP < best.HP {
				best = c
			}
		}
	case p.PreferWoundedTarget:
		for _, c := range candidates[1:] {
			if c.HPRatio() < best.HPRatio() {
				best = c
			}
		}
	default:
		if len(candidates) > 1 {
			best = candidates[e.roller.Roll(len(candidates))-1]
		}
	}
	return best
}
