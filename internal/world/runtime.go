package world

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"fableforge/internal/logging"
)

// shop operating hours, inclusive start, exclusive end.
const (
	shopOpenHour  = 8
	shopCloseHour = 20
)

// NavigateResult reports a resolved move.
type NavigateResult struct {
	AreaID        string   `json:"area_id"`
	AreaName      string   `json:"area_name"`
	TravelMinutes int      `json:"travel_minutes"`
	Time          GameTime `json:"game_time"`
	FirstVisit    bool     `json:"first_visit"`
}

// Runtime answers navigation and sub-location questions against the loaded
// worldbook. It is safe for concurrent use; SwapWorldbook supports hot
// reload.
type Runtime struct {
	mu      sync.RWMutex
	book    *Worldbook
	visited map[string]bool
}

// NewRuntime wraps a loaded worldbook.
func NewRuntime(book *Worldbook) *Runtime {
	return &Runtime{book: book, visited: make(map[string]bool)}
}

// SwapWorldbook replaces the data after a hot reload. Visited flags survive.
func (r *Runtime) SwapWorldbook(book *Worldbook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.book = book
	logging.World("Worldbook swapped: %d areas, %d chapters", len(book.Areas), len(book.Chapters))
}

// Area looks up an area by id.
func (r *Runtime) Area(id string) (*Area, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.book.Areas[id]
	return a, ok
}

// Chapter looks up a chapter by id.
func (r *Runtime) Chapter(id string) (*Chapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.book.Chapters[id]
	return c, ok
}

// Character looks up an NPC definition.
func (r *Runtime) Character(id string) (*CharacterDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.book.Characters[id]
	return c, ok
}

// KnownCharacterIDs lists every NPC id in the worldbook, sorted.
func (r *Runtime) KnownCharacterIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.book.Characters))
	for id := range r.book.Characters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CharactersAt lists NPCs whose home area matches.
func (r *Runtime) CharactersAt(areaID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, c := range r.book.Characters {
		if c.HomeAreaID == areaID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// FirstChapter returns the opening chapter: the one no other chapter links
// to via Next, with the lexicographically first id breaking ties.
func (r *Runtime) FirstChapter() (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.book.Chapters) == 0 {
		return "", fmt.Errorf("worldbook has no chapters")
	}
	linked := make(map[string]bool)
	for _, ch := range r.book.Chapters {
		if ch.Next != "" {
			linked[ch.Next] = true
		}
	}
	ids := make([]string, 0, len(r.book.Chapters))
	for id := range r.book.Chapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if !linked[id] {
			return id, nil
		}
	}
	return ids[0], nil
}

// StartArea picks where a new session begins: the first chapter-available
// low-danger area, else the first available area.
func (r *Runtime) StartArea(chapterID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.book.Chapters[chapterID]
	if !ok {
		return "", fmt.Errorf("unknown chapter %q", chapterID)
	}
	if len(ch.AvailableMaps) == 0 {
		return "", fmt.Errorf("chapter %q has no available maps", chapterID)
	}
	for _, id := range ch.AvailableMaps {
		if a, ok := r.book.Areas[id]; ok && a.Danger == "low" {
			return id, nil
		}
	}
	return ch.AvailableMaps[0], nil
}

// ResolveArea turns a player-supplied destination into an area id:
// exact id match, then connection-name match from the current area, then
// global area-name match.
func (r *Runtime) ResolveArea(currentAreaID, destination string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.book.Areas[destination]; ok {
		return destination, nil
	}
	if cur, ok := r.book.Areas[currentAreaID]; ok {
		for _, conn := range cur.Connections {
			if strings.EqualFold(conn.Name, destination) {
				return conn.To, nil
			}
		}
	}
	for id, a := range r.book.Areas {
		if strings.EqualFold(a.Name, destination) {
			return id, nil
		}
	}
	return "", fmt.Errorf("unknown destination %q", destination)
}

// Navigate validates the move and mutates the game state: chapter gate,
// connection gate, normalized travel time, location update, sub-location
// clear, visited flag. Navigating to the current area is accepted (no
// location change) but still requires and charges the connection.
func (r *Runtime) Navigate(state *GameState, destination string) (*NavigateResult, error) {
	destID, err := r.ResolveArea(state.AreaID, destination)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	dest, ok := r.book.Areas[destID]
	if !ok {
		return nil, fmt.Errorf("unknown destination %q", destination)
	}
	if ch, ok := r.book.Chapters[state.ChapterID]; ok {
		if !contains(ch.AvailableMaps, destID) {
			return nil, fmt.Errorf("%q is not reachable in the current chapter", dest.Name)
		}
	}

	cur, ok := r.book.Areas[state.AreaID]
	if !ok {
		return nil, fmt.Errorf("current area %q missing from worldbook", state.AreaID)
	}
	var conn *Connection
	for i := range cur.Connections {
		if cur.Connections[i].To == destID {
			conn = &cur.Connections[i]
			break
		}
	}
	if conn == nil {
		return nil, fmt.Errorf("no route from %q to %q (connections: %s)",
			cur.Name, dest.Name, strings.Join(r.connectionNamesLocked(cur), ", "))
	}

	minutes := NormalizeMinutes(conn.TravelMinutes)
	state.Time = state.Time.Advance(minutes)
	state.AreaID = destID
	state.PlayerLocation = destID
	state.SubLocation = ""

	first := !r.visited[destID]
	r.visited[destID] = true

	logging.World("Navigate: %s -> %s (%d min, now %s)", cur.ID, destID, minutes, state.Time)
	return &NavigateResult{
		AreaID:        destID,
		AreaName:      dest.Name,
		TravelMinutes: minutes,
		Time:          state.Time,
		FirstVisit:    first,
	}, nil
}

// AvailableConnections lists the travel options from an area.
func (r *Runtime) AvailableConnections(areaID string) []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.book.Areas[areaID]
	if !ok {
		return nil
	}
	return append([]Connection{}, a.Connections...)
}

func (r *Runtime) connectionNamesLocked(a *Area) []string {
	names := make([]string, 0, len(a.Connections))
	for _, c := range a.Connections {
		name := c.Name
		if name == "" {
			if to, ok := r.book.Areas[c.To]; ok {
				name = to.Name
			} else {
				name = c.To
			}
		}
		names = append(names, name)
	}
	return names
}

// EnterSubLocation validates and sets the sub-location. Shops are gated to
// their operating hours.
func (r *Runtime) EnterSubLocation(state *GameState, idOrName string) (*SubLocation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	area, ok := r.book.Areas[state.AreaID]
	if !ok {
		return nil, fmt.Errorf("current area %q missing from worldbook", state.AreaID)
	}
	var sub *SubLocation
	for i := range area.SubLocations {
		s := &area.SubLocations[i]
		if s.ID == idOrName || strings.EqualFold(s.Name, idOrName) {
			sub = s
			break
		}
	}
	if sub == nil {
		return nil, fmt.Errorf("no sub-location %q in %s", idOrName, area.Name)
	}
	if sub.InteractionType == "shop" {
		if state.Time.Hour < shopOpenHour || state.Time.Hour >= shopCloseHour {
			return nil, fmt.Errorf("%s is closed (open %02d:00-%02d:00, now %s)",
				sub.Name, shopOpenHour, shopCloseHour, state.Time.Clock())
		}
	}
	state.SubLocation = sub.ID
	logging.WorldDebug("Entered sub-location %s in %s", sub.ID, area.ID)
	return sub, nil
}

// LeaveSubLocation clears the sub-location. Leaving while outside one is a
// no-op.
func (r *Runtime) LeaveSubLocation(state *GameState) {
	state.SubLocation = ""
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
