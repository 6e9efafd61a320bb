package combat

import (
	"fmt"
	"sort"
	"time"

	"fableforge/internal/spatial"
)

// State is the combat session state machine value.
type State string

const (
	StateIdle               State = "idle"
	StateInitialized        State = "initialized"
	StateInProgress         State = "in_progress"
	StateWaitingPlayerInput State = "waiting_player_input"
	StateEnded              State = "ended"
)

// EndReason records how a session finished.
type EndReason string

const (
	EndVictory EndReason = "victory"
	EndDefeat  EndReason = "defeat"
	EndFled    EndReason = "fled"
	EndSpecial EndReason = "special"
)

// Event is one structured combat log record with a monotonic sequence.
type Event struct {
	Seq  int                    `json:"seq"`
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data,omitempty"`
	At   time.Time              `json:"at"`
}

// TurnRequest asks an external decider (player UI or planner) for the
// current actor's move.
type TurnRequest struct {
	ActorID string `json:"actor_id"`
	Round   int    `json:"round"`
}

// Session is one combat encounter. Mutated only through the Engine; the
// Engine serializes access.
type Session struct {
	ID    string `json:"id"`
	State State  `json:"state"`

	Combatants       []*Combatant `json:"combatants"`
	TurnOrder        []string     `json:"turn_order"`
	CurrentTurnIndex int          `json:"current_turn_index"`
	CurrentRound     int          `json:"current_round"`

	Spatial *spatial.Provider `json:"-"`

	Log    []string `json:"log"`
	Events []Event  `json:"events"`

	PendingTurnRequests []TurnRequest `json:"pending_turn_requests,omitempty"`

	EndReason EndReason `json:"end_reason,omitempty"`

	// id of the actor whose turn-start effects already ran this turn
	turnStartedFor string

	nextSeq int
}

// Combatant returns a combatant by id.
func (s *Session) Combatant(id string) (*Combatant, bool) {
	for _, c := range s.Combatants {
		if c.ID == id {
			return c, true
		}
	}
	return nil, false
}

// CurrentActor returns the combatant whose turn it is.
func (s *Session) CurrentActor() *Combatant {
	if len(s.TurnOrder) == 0 {
		return nil
	}
	c, _ := s.Combatant(s.TurnOrder[s.CurrentTurnIndex])
	return c
}

// sortTurnOrder fixes the initiative order for the whole session.
func (s *Session) sortTurnOrder() {
	order := make([]*Combatant, len(s.Combatants))
	copy(order, s.Combatants)
	sort.SliceStable(order, func(i, j int) bool {
		return order[i].Initiative > order[j].Initiative
	})
	s.TurnOrder = make([]string, len(order))
	for i, c := range order {
		s.TurnOrder[i] = c.ID
	}
}

// appendLog adds a narrative log line.
func (s *Session) appendLog(format string, args ...interface{}) {
	s.Log = append(s.Log, fmt.Sprintf(format, args...))
}

// recordEvent appends a structured event with the next sequence number.
func (s *Session) recordEvent(eventType string, data map[string]interface{}) {
	s.nextSeq++
	s.Events = append(s.Events, Event{
		Seq: s.nextSeq, Type: eventType, Data: data, At: time.Now(),
	})
}

// aliveByFilter returns living combatants matching the predicate.
func (s *Session) aliveByFilter(keep func(*Combatant) bool) []*Combatant {
	var out []*Combatant
	for _, c := range s.Combatants {
		if c.IsAlive && keep(c) {
			out = append(out, c)
		}
	}
	return out
}

// AliveEnemies returns living enemy-side combatants.
func (s *Session) AliveEnemies() []*Combatant {
	return s.aliveByFilter(func(c *Combatant) bool { return c.Kind == KindEnemy })
}

// AlivePlayerSide returns the living player and allies.
func (s *Session) AlivePlayerSide() []*Combatant {
	return s.aliveByFilter(func(c *Combatant) bool { return c.Kind.IsPlayerSide() })
}

// opponentsOf returns living combatants hostile to c.
func (s *Session) opponentsOf(c *Combatant) []*Combatant {
	if c.Kind == KindEnemy {
		return s.AlivePlayerSide()
	}
	return s.AliveEnemies()
}

// player returns the player combatant, nil if absent.
func (s *Session) player() *Combatant {
	for _, c := range s.Combatants {
		if c.Kind == KindPlayer {
			return c
		}
	}
	return nil
}

// Result summarizes an ended session.
type Result struct {
	CombatID  string    `json:"combat_id"`
	EndReason EndReason `json:"end_reason"`
	Rounds    int       `json:"rounds"`
	XPReward  int       `json:"xp_reward"`
	GoldReward int      `json:"gold_reward"`
	GoldLost   int      `json:"gold_lost,omitempty"`
	RespawnAt  string   `json:"respawn_at,omitempty"`
	Defeated   []string `json:"defeated,omitempty"`
	Log        []string `json:"log"`
}
