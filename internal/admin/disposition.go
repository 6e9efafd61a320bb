package admin

import (
	"context"
	"encoding/json"
	"fmt"

	"fableforge/internal/kv"
	"fableforge/internal/logging"
)

// disposition dimension bounds.
const (
	dispositionDeltaLimit = 20
	dispositionHistoryMax = 50
)

// DispositionChange is one history record.
type DispositionChange struct {
	Reason string         `json:"reason"`
	Day    int            `json:"day"`
	Deltas map[string]int `json:"deltas"`
}

// Disposition is how an NPC feels about the player, on four dimensions.
// approval and trust run [-100,100]; fear and romance run [0,100].
type Disposition struct {
	Approval int `json:"approval"`
	Trust    int `json:"trust"`
	Fear     int `json:"fear"`
	Romance  int `json:"romance"`

	History []DispositionChange `json:"history,omitempty"`
}

// dimensionRange returns the allowed final range of a dimension; ok=false
// for unknown dimensions.
func dimensionRange(dim string) (lo, hi int, ok bool) {
	switch dim {
	case "approval", "trust":
		return -100, 100, true
	case "fear", "romance":
		return 0, 100, true
	default:
		return 0, 0, false
	}
}

// ApplyDeltas folds clamped deltas into the disposition: unknown dimensions
// are dropped, each delta clamps to ±20, final values clamp to their range.
// The applied deltas are recorded in the history ring (last 50).
func (d *Disposition) ApplyDeltas(deltas map[string]int, reason string, day int) map[string]int {
	applied := make(map[string]int)
	for dim, delta := range deltas {
		lo, hi, ok := dimensionRange(dim)
		if !ok {
			logging.AdminDebug("Disposition delta dropped: unknown dimension %q", dim)
			continue
		}
		if delta > dispositionDeltaLimit {
			delta = dispositionDeltaLimit
		}
		if delta < -dispositionDeltaLimit {
			delta = -dispositionDeltaLimit
		}

		var field *int
		switch dim {
		case "approval":
			field = &d.Approval
		case "trust":
			field = &d.Trust
		case "fear":
			field = &d.Fear
		case "romance":
			field = &d.Romance
		}
		before := *field
		v := before + delta
		if v > hi {
			v = hi
		}
		if v < lo {
			v = lo
		}
		*field = v
		applied[dim] = v - before
	}

	if len(applied) > 0 {
		d.History = append(d.History, DispositionChange{Reason: reason, Day: day, Deltas: applied})
		if len(d.History) > dispositionHistoryMax {
			d.History = d.History[len(d.History)-dispositionHistoryMax:]
		}
	}
	return applied
}

func dispositionPath(worldID, npcID string) string {
	return fmt.Sprintf("worlds/%s/characters/%s/dispositions/player", worldID, npcID)
}

// LoadDisposition reads an NPC's disposition toward the player; missing
// documents yield the neutral zero value.
func LoadDisposition(ctx context.Context, store kv.Store, worldID, npcID string) (*Disposition, error) {
	doc, err := store.Get(ctx, dispositionPath(worldID, npcID))
	if err != nil {
		return nil, err
	}
	d := &Disposition{}
	if doc == nil {
		return d, nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("decode disposition %s: %w", npcID, err)
	}
	if err := json.Unmarshal(raw, d); err != nil {
		return nil, fmt.Errorf("decode disposition %s: %w", npcID, err)
	}
	return d, nil
}

// SaveDisposition persists the disposition document.
func SaveDisposition(ctx context.Context, store kv.Store, worldID, npcID string, d *Disposition) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode disposition %s: %w", npcID, err)
	}
	doc := kv.Document{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("encode disposition %s: %w", npcID, err)
	}
	return store.Set(ctx, dispositionPath(worldID, npcID), doc, false)
}
