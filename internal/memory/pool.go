package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"fableforge/internal/contextwin"
	"fableforge/internal/kv"
	"fableforge/internal/logging"
)

// =============================================================================
// Instance Pool
// =============================================================================
// Live NPC instances carry a context window and a lazily loaded profile.
// The pool is an LRU keyed by (world, npc): at capacity it first evicts an
// entry idle past evictAfter, else the absolutely least-recent. Eviction
// persists state and force-graphizes any message residue.

// Instance is a live NPC with working memory.
type Instance struct {
	WorldID string
	NPCID   string
	Window  *contextwin.Window
	Profile kv.Document

	lastAccess time.Time
}

// WindowFactory builds a context window from an NPC profile. The profile may
// be nil when no document exists yet.
type WindowFactory func(npcID string, profile kv.Document) *contextwin.Window

// PoolOptions configures an instance pool.
type PoolOptions struct {
	MaxInstances int
	EvictAfter   time.Duration
	Store        kv.Store
	Graphizer    *Graphizer
	NewWindow    WindowFactory
}

// Pool is the bounded instance cache.
type Pool struct {
	mu        sync.Mutex
	instances map[string]*Instance

	max        int
	evictAfter time.Duration
	store      kv.Store
	graphizer  *Graphizer
	newWindow  WindowFactory

	// serializes concurrent creation per key
	creating singleflight.Group
}

// NewPool creates a pool.
func NewPool(opts PoolOptions) *Pool {
	if opts.MaxInstances <= 0 {
		opts.MaxInstances = 16
	}
	return &Pool{
		instances:  make(map[string]*Instance),
		max:        opts.MaxInstances,
		evictAfter: opts.EvictAfter,
		store:      opts.Store,
		graphizer:  opts.Graphizer,
		newWindow:  opts.NewWindow,
	}
}

func poolKey(worldID, npcID string) string {
	return worldID + "/" + npcID
}

// GetOrCreate returns the live instance for (world, npc), creating and
// caching it on miss. Concurrent calls for the same key produce one instance.
func (p *Pool) GetOrCreate(ctx context.Context, worldID, npcID string) (*Instance, error) {
	key := poolKey(worldID, npcID)

	p.mu.Lock()
	if inst, ok := p.instances[key]; ok {
		inst.lastAccess = time.Now()
		p.mu.Unlock()
		return inst, nil
	}
	p.mu.Unlock()

	v, err, _ := p.creating.Do(key, func() (interface{}, error) {
		// Double check under the flight: another goroutine may have landed
		// the instance between the miss and the flight start.
		p.mu.Lock()
		if inst, ok := p.instances[key]; ok {
			inst.lastAccess = time.Now()
			p.mu.Unlock()
			return inst, nil
		}
		p.mu.Unlock()

		inst, err := p.create(ctx, worldID, npcID)
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		if len(p.instances) >= p.max {
			p.evictLockedLRU(ctx)
		}
		p.instances[key] = inst
		p.mu.Unlock()

		logging.Pool("Created instance %s (pool %d/%d)", key, p.Len(), p.max)
		return inst, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Instance), nil
}

// Len returns the live instance count.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.instances)
}

// Release evicts one instance explicitly (e.g. NPC left the scene).
func (p *Pool) Release(ctx context.Context, worldID, npcID string) error {
	key := poolKey(worldID, npcID)
	p.mu.Lock()
	inst, ok := p.instances[key]
	if ok {
		delete(p.instances, key)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return p.retire(ctx, inst)
}

// ReleaseAll drains the pool, persisting every instance. Used at shutdown.
func (p *Pool) ReleaseAll(ctx context.Context) error {
	p.mu.Lock()
	drained := make([]*Instance, 0, len(p.instances))
	for _, inst := range p.instances {
		drained = append(drained, inst)
	}
	p.instances = make(map[string]*Instance)
	p.mu.Unlock()

	var firstErr error
	for _, inst := range drained {
		if err := p.retire(ctx, inst); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	logging.Pool("Drained %d instances", len(drained))
	return firstErr
}

// =============================================================================
// internals
// =============================================================================

func (p *Pool) create(ctx context.Context, worldID, npcID string) (*Instance, error) {
	var profile kv.Document
	if p.store != nil {
		doc, err := p.store.Get(ctx, fmt.Sprintf("worlds/%s/characters/%s/profile", worldID, npcID))
		if err != nil {
			return nil, fmt.Errorf("load profile %s/%s: %w", worldID, npcID, err)
		}
		profile = doc
	}
	if p.newWindow == nil {
		return nil, fmt.Errorf("pool has no window factory")
	}
	return &Instance{
		WorldID:    worldID,
		NPCID:      npcID,
		Window:     p.newWindow(npcID, profile),
		Profile:    profile,
		lastAccess: time.Now(),
	}, nil
}

// evictLockedLRU picks the victim while p.mu is held, then retires it
// outside the lock. Preference goes to entries idle past evictAfter.
func (p *Pool) evictLockedLRU(ctx context.Context) {
	var victim *Instance
	var victimKey string
	cutoff := time.Now().Add(-p.evictAfter)

	for key, inst := range p.instances {
		if p.evictAfter > 0 && inst.lastAccess.Before(cutoff) {
			if victim == nil || inst.lastAccess.Before(victim.lastAccess) {
				victim, victimKey = inst, key
			}
		}
	}
	if victim == nil {
		for key, inst := range p.instances {
			if victim == nil || inst.lastAccess.Before(victim.lastAccess) {
				victim, victimKey = inst, key
			}
		}
	}
	if victim == nil {
		return
	}
	delete(p.instances, victimKey)

	p.mu.Unlock()
	if err := p.retire(ctx, victim); err != nil {
		logging.Get(logging.CategoryPool).Warn("Eviction of %s failed: %v", victimKey, err)
	}
	p.mu.Lock()

	logging.Pool("Evicted instance %s", victimKey)
}

// retire persists an instance and graphizes its remaining working memory.
func (p *Pool) retire(ctx context.Context, inst *Instance) error {
	if p.graphizer != nil {
		residue := inst.Window.SelectAll()
		if len(residue) > 0 {
			if _, err := p.graphizer.GraphizeSpan(ctx, inst.WorldID, inst.NPCID, "", 0, inst.Window, residue); err != nil {
				return fmt.Errorf("retire %s: graphize residue: %w", inst.NPCID, err)
			}
		}
	}
	if p.store != nil {
		state := kv.Document{
			"last_active":   time.Now().Format(time.RFC3339),
			"message_count": inst.Window.MessageCount(),
		}
		path := fmt.Sprintf("worlds/%s/characters/%s/state", inst.WorldID, inst.NPCID)
		if err := p.store.Set(ctx, path, state, true); err != nil {
			return fmt.Errorf("retire %s: persist state: %w", inst.NPCID, err)
		}
	}
	return nil
}
