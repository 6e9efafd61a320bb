package world

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"fableforge/internal/graphstore"
	"fableforge/internal/logging"
	"fableforge/internal/memgraph"
)

// ===== Worldbook data model =====

// Connection is a CONNECTS edge between two areas in the map data.
type Connection struct {
	To            string `json:"to"`
	Name          string `json:"name,omitempty"`
	TravelMinutes int    `json:"travel_minutes"`
}

// SubLocation is an enterable spot inside an area. Shops enforce operating
// hours (08:00-20:00).
type SubLocation struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	InteractionType string `json:"interaction_type,omitempty"`
}

// Area is one map region.
type Area struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Danger       string        `json:"danger,omitempty"` // low / medium / high
	Connections  []Connection  `json:"connections,omitempty"`
	SubLocations []SubLocation `json:"sub_locations,omitempty"`
}

// Chapter gates which areas are reachable and lists its objectives.
type Chapter struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	AvailableMaps []string    `json:"available_maps,omitempty"`
	Objectives    []Objective `json:"objectives,omitempty"`
	Next          string      `json:"next,omitempty"`
}

// Objective is one chapter goal.
type Objective struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
}

// CharacterDef is an NPC definition from characters.json.
type CharacterDef struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Persona      string `json:"persona,omitempty"`
	HomeAreaID   string `json:"home_area_id,omitempty"`
}

// Worldbook is the bootstrap data a world runs on.
type Worldbook struct {
	Areas      map[string]*Area
	Chapters   map[string]*Chapter
	Characters map[string]*CharacterDef

	// Prefilled graph content, upserted into world scope on bootstrap.
	PrefilledNodes []memgraph.Node
	PrefilledEdges []memgraph.Edge
}

// ===== Loading =====

type mapsFile struct {
	Areas []*Area `json:"areas"`
}

type chaptersFile struct {
	Chapters []*Chapter `json:"chapters"`
}

type charactersFile struct {
	Characters []*CharacterDef `json:"characters"`
}

type prefilledFile struct {
	Nodes []memgraph.Node `json:"nodes"`
	Edges []memgraph.Edge `json:"edges"`
}

// worldbookFiles are the filenames LoadWorldbook reads from the data dir.
// maps.json and chapters_v2.json are required; the rest are optional.
var worldbookFiles = []string{"maps.json", "chapters_v2.json", "characters.json", "prefilled_graph.json"}

// LoadWorldbook reads the bootstrap JSON files from dir.
func LoadWorldbook(dir string) (*Worldbook, error) {
	timer := logging.StartTimer(logging.CategoryWorld, "LoadWorldbook")
	defer timer.Stop()

	wb := &Worldbook{
		Areas:      make(map[string]*Area),
		Chapters:   make(map[string]*Chapter),
		Characters: make(map[string]*CharacterDef),
	}

	var maps mapsFile
	if err := readJSON(filepath.Join(dir, "maps.json"), &maps); err != nil {
		return nil, fmt.Errorf("load worldbook: %w", err)
	}
	for _, a := range maps.Areas {
		wb.Areas[a.ID] = a
	}

	var chapters chaptersFile
	if err := readJSON(filepath.Join(dir, "chapters_v2.json"), &chapters); err != nil {
		return nil, fmt.Errorf("load worldbook: %w", err)
	}
	for _, c := range chapters.Chapters {
		wb.Chapters[c.ID] = c
	}

	var chars charactersFile
	if err := readJSON(filepath.Join(dir, "characters.json"), &chars); err == nil {
		for _, c := range chars.Characters {
			wb.Characters[c.ID] = c
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("load worldbook: %w", err)
	}

	var pre prefilledFile
	if err := readJSON(filepath.Join(dir, "prefilled_graph.json"), &pre); err == nil {
		wb.PrefilledNodes = pre.Nodes
		wb.PrefilledEdges = pre.Edges
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("load worldbook: %w", err)
	}

	logging.World("Worldbook loaded from %s: %d areas, %d chapters, %d characters, %d prefilled nodes",
		dir, len(wb.Areas), len(wb.Chapters), len(wb.Characters), len(wb.PrefilledNodes))
	return wb, nil
}

// Bootstrap upserts the prefilled graph into world scope.
func (wb *Worldbook) Bootstrap(ctx context.Context, store *graphstore.Store, worldID string) error {
	scope := graphstore.WorldScope()
	for _, n := range wb.PrefilledNodes {
		if err := store.UpsertNode(ctx, worldID, scope, n); err != nil {
			return fmt.Errorf("bootstrap node %s: %w", n.ID, err)
		}
	}
	for _, e := range wb.PrefilledEdges {
		if err := store.UpsertEdge(ctx, worldID, scope, e); err != nil {
			return fmt.Errorf("bootstrap edge %s: %w", e.ID, err)
		}
	}
	return nil
}

func readJSON(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// ===== Hot reload =====

// Watcher reloads the worldbook when any of its data files change on disk.
type Watcher struct {
	dir      string
	onReload func(*Worldbook)

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	done    chan struct{}
	stopped bool
}

// NewWatcher watches dir. onReload runs on the watcher goroutine after each
// successful reload.
func NewWatcher(dir string, onReload func(*Worldbook)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("worldbook watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("worldbook watcher: %w", err)
	}

	w := &Watcher{dir: dir, onReload: onReload, fsw: fsw, done: make(chan struct{})}
	go w.loop()
	logging.World("Worldbook watcher started on %s", dir)
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if !isWorldbookFile(ev.Name) {
				continue
			}
			logging.WorldDebug("Worldbook file changed: %s", ev.Name)
			wb, err := LoadWorldbook(w.dir)
			if err != nil {
				// Editors write in chunks; a half-written file is retried on
				// the next event.
				logging.Get(logging.CategoryWorld).Warn("Worldbook reload failed: %v", err)
				continue
			}
			w.onReload(wb)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryWorld).Error("Worldbook watcher error: %v", err)
		}
	}
}

// Close stops the watcher and waits for the loop to exit.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	w.mu.Unlock()

	err := w.fsw.Close()
	<-w.done
	return err
}

func isWorldbookFile(path string) bool {
	base := filepath.Base(path)
	for _, f := range worldbookFiles {
		if strings.EqualFold(base, f) {
			return true
		}
	}
	return false
}
