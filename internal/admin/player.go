// Package admin implements the orchestrator: per-turn processing of player
// input, the typed tool handlers behind the planner, session lifecycle, and
// the post-turn behavior tick.
package admin

import (
	"context"
	"encoding/json"
	"fmt"

	"fableforge/internal/kv"
)

// ItemStack is one inventory line.
type ItemStack struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Quantity int    `json:"quantity"`
}

// PlayerProfile is the player's out-of-combat sheet: stats the combat engine
// seeds from, plus progression, inventory, party, reputation, and world
// flags. Persisted under worlds/{w}/characters/player/state.
type PlayerProfile struct {
	Name string `json:"name"`

	HP          int    `json:"hp"`
	MaxHP       int    `json:"max_hp"`
	AC          int    `json:"ac"`
	AttackBonus int    `json:"attack_bonus"`
	DamageDice  string `json:"damage_dice"`
	DamageBonus int    `json:"damage_bonus"`
	DamageType  string `json:"damage_type"`

	Abilities map[string]int `json:"abilities,omitempty"`

	Level int `json:"level"`
	XP    int `json:"xp"`
	Gold  int `json:"gold"`

	Inventory      map[string]*ItemStack `json:"inventory,omitempty"`
	Party          []string              `json:"party,omitempty"`
	Reputation     map[string]int        `json:"reputation,omitempty"`
	WorldFlags     map[string]bool       `json:"world_flags,omitempty"`
	ObjectivesDone map[string]bool       `json:"objectives_done,omitempty"`
}

// DefaultPlayerProfile is the starting sheet for a fresh session.
func DefaultPlayerProfile() *PlayerProfile {
	return &PlayerProfile{
		Name: "玩家", HP: 20, MaxHP: 20, AC: 12,
		AttackBonus: 2, DamageDice: "1d6", DamageBonus: 1, DamageType: "slashing",
		Abilities: map[string]int{"str": 10, "dex": 10, "con": 10, "int": 10, "wis": 10, "cha": 10},
		Level:     1, Gold: 50,
		Inventory:      make(map[string]*ItemStack),
		Reputation:     make(map[string]int),
		WorldFlags:     make(map[string]bool),
		ObjectivesDone: make(map[string]bool),
	}
}

// AddXP accumulates experience and levels up at level*100 thresholds. Each
// level grants +2 max hp and heals the difference.
func (p *PlayerProfile) AddXP(amount int) (leveledTo int) {
	if amount <= 0 {
		return 0
	}
	p.XP += amount
	for p.XP >= p.Level*100 {
		p.XP -= p.Level * 100
		p.Level++
		p.MaxHP += 2
		p.HP += 2
		leveledTo = p.Level
	}
	return leveledTo
}

// Heal restores hp up to max; returns the amount actually restored.
func (p *PlayerProfile) Heal(amount int) int {
	if amount <= 0 {
		return 0
	}
	before := p.HP
	p.HP += amount
	if p.HP > p.MaxHP {
		p.HP = p.MaxHP
	}
	return p.HP - before
}

// Damage reduces hp, floored at zero; returns the amount actually dealt.
func (p *PlayerProfile) Damage(amount int) int {
	if amount <= 0 {
		return 0
	}
	before := p.HP
	p.HP -= amount
	if p.HP < 0 {
		p.HP = 0
	}
	return before - p.HP
}

// AddItem merges a stack into the inventory.
func (p *PlayerProfile) AddItem(id, name string, qty int) *ItemStack {
	if p.Inventory == nil {
		p.Inventory = make(map[string]*ItemStack)
	}
	stack, ok := p.Inventory[id]
	if !ok {
		stack = &ItemStack{ID: id, Name: name}
		p.Inventory[id] = stack
	}
	if name != "" {
		stack.Name = name
	}
	stack.Quantity += qty
	return stack
}

// RemoveItem takes qty from a stack; removing more than held is an error and
// leaves the stack unchanged.
func (p *PlayerProfile) RemoveItem(id string, qty int) error {
	stack, ok := p.Inventory[id]
	if !ok {
		return fmt.Errorf("no item %q in inventory", id)
	}
	if stack.Quantity < qty {
		return fmt.Errorf("only %d of %q held, cannot remove %d", stack.Quantity, id, qty)
	}
	stack.Quantity -= qty
	if stack.Quantity == 0 {
		delete(p.Inventory, id)
	}
	return nil
}

// InParty reports party membership.
func (p *PlayerProfile) InParty(npcID string) bool {
	for _, id := range p.Party {
		if id == npcID {
			return true
		}
	}
	return false
}

func playerStatePath(worldID string) string {
	return fmt.Sprintf("worlds/%s/characters/player/state", worldID)
}

// LoadPlayerProfile restores the sheet, or returns the default for a fresh
// world.
func LoadPlayerProfile(ctx context.Context, store kv.Store, worldID string) (*PlayerProfile, error) {
	doc, err := store.Get(ctx, playerStatePath(worldID))
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return DefaultPlayerProfile(), nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("decode player state: %w", err)
	}
	p := DefaultPlayerProfile()
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode player state: %w", err)
	}
	return p, nil
}

// SavePlayerProfile persists the sheet.
func SavePlayerProfile(ctx context.Context, store kv.Store, worldID string, p *PlayerProfile) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode player state: %w", err)
	}
	doc := kv.Document{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("encode player state: %w", err)
	}
	return store.Set(ctx, playerStatePath(worldID), doc, false)
}
