package world

import (
	"time"

	"github.com/google/uuid"
)

// GameState is the per-session mutable snapshot of where the player is and
// what mode the session is in. It is mutated only by applying StateDeltas
// through the session state manager.
type GameState struct {
	WorldID        string `json:"world_id"`
	SessionID      string `json:"session_id"`
	PlayerLocation string `json:"player_location"`
	AreaID         string `json:"area_id"`
	ChapterID      string `json:"chapter_id"`
	SubLocation    string `json:"sub_location,omitempty"`

	Time GameTime `json:"game_time"`

	ActiveDialogueNPC string `json:"active_dialogue_npc,omitempty"`
	CombatID          string `json:"combat_id,omitempty"`
	ChatMode          string `json:"chat_mode,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Clone deep-copies the state so readers can snapshot without holding the
// session lock.
func (g *GameState) Clone() *GameState {
	out := *g
	if g.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(g.Metadata))
		for k, v := range g.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// StateDelta is one append-only mutation record. Applying the same delta
// twice appends twice; dedupe is the tool layer's job.
type StateDelta struct {
	DeltaID   string                 `json:"delta_id"`
	Timestamp time.Time              `json:"timestamp"`
	Operation string                 `json:"operation"`
	Changes   map[string]interface{} `json:"changes"`
}

// NewDelta stamps a delta with a fresh id and the wall clock.
func NewDelta(operation string, changes map[string]interface{}) StateDelta {
	return StateDelta{
		DeltaID:   uuid.NewString(),
		Timestamp: time.Now(),
		Operation: operation,
		Changes:   changes,
	}
}

// Apply folds a delta's changes into the state. Unknown keys land in
// Metadata so tools can carry ad-hoc payloads without schema churn.
func (g *GameState) Apply(d StateDelta) {
	for key, val := range d.Changes {
		switch key {
		case "player_location":
			g.PlayerLocation = asString(val)
		case "area_id":
			g.AreaID = asString(val)
		case "chapter_id":
			g.ChapterID = asString(val)
		case "sub_location":
			g.SubLocation = asString(val)
		case "active_dialogue_npc":
			g.ActiveDialogueNPC = asString(val)
		case "combat_id":
			g.CombatID = asString(val)
		case "chat_mode":
			g.ChatMode = asString(val)
		case "game_time":
			if t, ok := val.(GameTime); ok {
				g.Time = t
			}
		default:
			if g.Metadata == nil {
				g.Metadata = make(map[string]interface{})
			}
			g.Metadata[key] = val
		}
	}
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}
