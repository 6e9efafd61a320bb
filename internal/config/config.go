// Package config holds all fableforge configuration, loaded from YAML with
// environment overrides. One struct per engine concern.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all fableforge configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Combat engine
	Combat CombatConfig `yaml:"combat"`

	// Memory core (graph, context windows, instance pool)
	Memory MemoryConfig `yaml:"memory"`

	// World runtime (worldbook data, time, navigation)
	World WorldConfig `yaml:"world"`

	// Admin orchestrator
	Admin AdminConfig `yaml:"admin"`

	// Persistence
	Store StoreConfig `yaml:"store"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// CombatConfig configures the combat engine.
type CombatConfig struct {
	// Dice seed; 0 means time-seeded
	Seed int64 `yaml:"seed"`

	// DC for flee attempts
	FleeDC int `yaml:"flee_dc"`

	// Fraction of carried gold lost on defeat
	DefeatGoldLossFraction float64 `yaml:"defeat_gold_loss_fraction"`

	// Where the player respawns after defeat
	RespawnLocation string `yaml:"respawn_location"`

	// Hard cap on chained enemy turns per execute_action call
	MaxChainedTurns int `yaml:"max_chained_turns"`
}

// MemoryConfig configures the memory core.
type MemoryConfig struct {
	// Context window
	MaxTokens         int     `yaml:"max_tokens"`
	GraphizeThreshold float64 `yaml:"graphize_threshold"` // fraction of max_tokens
	KeepRecentTokens  int     `yaml:"keep_recent_tokens"`

	// Instance pool
	MaxInstances int    `yaml:"max_instances"`
	EvictAfter   string `yaml:"evict_after"` // duration string

	// Spreading activation preset for recall_memory
	Activation ActivationConfig `yaml:"activation"`
}

// ActivationConfig holds spreading-activation parameters.
type ActivationConfig struct {
	MaxIterations        int     `yaml:"max_iterations"`
	Decay                float64 `yaml:"decay"`
	FireThreshold        float64 `yaml:"fire_threshold"`
	OutputThreshold      float64 `yaml:"output_threshold"`
	HubThreshold         int     `yaml:"hub_threshold"`
	HubPenalty           float64 `yaml:"hub_penalty"`
	MaxActivation        float64 `yaml:"max_activation"`
	ConvergenceThreshold float64 `yaml:"convergence_threshold"`
	LateralInhibition    bool    `yaml:"lateral_inhibition"`
	InhibitionFactor     float64 `yaml:"inhibition_factor"`
}

// WorldConfig configures the world runtime.
type WorldConfig struct {
	// Directory holding worldbook bootstrap data (maps.json, chapters_v2.json, ...)
	DataDir string `yaml:"data_dir"`

	// Hot-reload worldbook data on change
	WatchData bool `yaml:"watch_data"`

	// Initial game time unless the session overrides it
	StartDay  int `yaml:"start_day"`
	StartHour int `yaml:"start_hour"`

	// Shop operating hours (sub-locations with shop interaction type)
	ShopOpenHour  int `yaml:"shop_open_hour"`
	ShopCloseHour int `yaml:"shop_close_hour"`
}

// AdminConfig configures the orchestrator.
type AdminConfig struct {
	// Upper bound on a single tool execution
	AgenticToolTimeoutSeconds int `yaml:"agentic_tool_timeout_seconds"`

	// Bound on disposition history entries per target
	DispositionHistoryLimit int `yaml:"disposition_history_limit"`
}

// StoreConfig configures persistence.
type StoreConfig struct {
	// SQLite database path for the document KV
	DatabasePath string `yaml:"database_path"`

	// Max writes per batch commit
	BatchLimit int `yaml:"batch_limit"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string `yaml:"level"` // debug, info, warn, error
	DebugMode  bool   `yaml:"debug_mode"`
	JSONFormat bool   `yaml:"json_format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "fableforge",
		Version: "0.3.0",
		Combat: CombatConfig{
			FleeDC:                 10,
			DefeatGoldLossFraction: 0.1,
			RespawnLocation:        "",
			MaxChainedTurns:        64,
		},
		Memory: MemoryConfig{
			MaxTokens:         4000,
			GraphizeThreshold: 0.9,
			KeepRecentTokens:  1200,
			MaxInstances:      16,
			EvictAfter:        "30m",
			Activation: ActivationConfig{
				MaxIterations:        3,
				Decay:                0.6,
				FireThreshold:        0.1,
				OutputThreshold:      0.15,
				HubThreshold:         10,
				HubPenalty:           0.5,
				MaxActivation:        1.0,
				ConvergenceThreshold: 0.01,
				LateralInhibition:    true,
				InhibitionFactor:     0.1,
			},
		},
		World: WorldConfig{
			DataDir:       "data",
			StartDay:      1,
			StartHour:     8,
			ShopOpenHour:  8,
			ShopCloseHour: 20,
		},
		Admin: AdminConfig{
			AgenticToolTimeoutSeconds: 30,
			DispositionHistoryLimit:   50,
		},
		Store: StoreConfig{
			DatabasePath: ".fableforge/store.db",
			BatchLimit:   450,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the given YAML path, applying defaults for
// anything unset and environment overrides on top.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies FABLEFORGE_* environment variables.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("FABLEFORGE_DB_PATH"); v != "" {
		c.Store.DatabasePath = v
	}
	if v := os.Getenv("FABLEFORGE_DATA_DIR"); v != "" {
		c.World.DataDir = v
	}
	if v := os.Getenv("FABLEFORGE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("FABLEFORGE_TOOL_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Admin.AgenticToolTimeoutSeconds = n
		}
	}
	if v := os.Getenv("FABLEFORGE_SEED"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Combat.Seed = n
		}
	}
}

// Validate checks the configuration for invalid ranges.
func (c *Config) Validate() error {
	if c.Memory.MaxTokens <= 0 {
		return fmt.Errorf("memory.max_tokens must be positive, got %d", c.Memory.MaxTokens)
	}
	if c.Memory.GraphizeThreshold <= 0 || c.Memory.GraphizeThreshold > 1 {
		return fmt.Errorf("memory.graphize_threshold must be in (0,1], got %f", c.Memory.GraphizeThreshold)
	}
	if c.Memory.KeepRecentTokens < 0 || c.Memory.KeepRecentTokens > c.Memory.MaxTokens {
		return fmt.Errorf("memory.keep_recent_tokens must be in [0, max_tokens], got %d", c.Memory.KeepRecentTokens)
	}
	if c.Memory.MaxInstances <= 0 {
		return fmt.Errorf("memory.max_instances must be positive, got %d", c.Memory.MaxInstances)
	}
	if _, err := c.EvictAfter(); err != nil {
		return err
	}
	if c.Store.BatchLimit <= 0 || c.Store.BatchLimit > 450 {
		return fmt.Errorf("store.batch_limit must be in (0,450], got %d", c.Store.BatchLimit)
	}
	if c.Admin.AgenticToolTimeoutSeconds <= 0 {
		return fmt.Errorf("admin.agentic_tool_timeout_seconds must be positive, got %d", c.Admin.AgenticToolTimeoutSeconds)
	}
	return nil
}

// EvictAfter parses the instance pool eviction age.
func (c *Config) EvictAfter() (time.Duration, error) {
	if c.Memory.EvictAfter == "" {
		return 30 * time.Minute, nil
	}
	d, err := time.ParseDuration(c.Memory.EvictAfter)
	if err != nil {
		return 0, fmt.Errorf("invalid memory.evict_after %q: %w", c.Memory.EvictAfter, err)
	}
	return d, nil
}

// ToolTimeout returns the tool timeout as a duration.
func (c *Config) ToolTimeout() time.Duration {
	return time.Duration(c.Admin.AgenticToolTimeoutSeconds) * time.Second
}
