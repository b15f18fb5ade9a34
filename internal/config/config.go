// Package config handles loading and validating the race.yaml configuration.
// The server runs with zero config (sensible defaults); race.yaml overrides
// the runtime tuning knobs of the live race core.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for the runtime tuning knobs.
const (
	DefaultPingInterval        = 30 * time.Second
	DefaultCoalesceInterval    = 100 * time.Millisecond
	DefaultAuthTimeout         = 10 * time.Second
	DefaultStoreTimeout        = 2 * time.Second
	DefaultInactivityThreshold = 5 * time.Minute
	DefaultSweepSchedule       = "@every 1m"
	DefaultSendQueueDepth      = 64
	DefaultMaxMissedPongs      = 2
)

// Config represents the top-level race.yaml configuration.
type Config struct {
	// PingInterval is the cadence of server→mod ping frames.
	PingInterval time.Duration `yaml:"ping_interval"`

	// CoalesceInterval is the leaderboard_update coalescing tick.
	CoalesceInterval time.Duration `yaml:"coalesce_interval"`

	// AuthTimeout bounds the wait for the first (auth) frame on a new
	// mod connection.
	AuthTimeout time.Duration `yaml:"auth_timeout"`

	// StoreTimeout bounds every persisted store call made under a room lock.
	StoreTimeout time.Duration `yaml:"store_timeout"`

	// InactivityThreshold is how stale last_igt_change_at must be before
	// the sweeper force-abandons a playing participant.
	InactivityThreshold time.Duration `yaml:"inactivity_threshold"`

	// SweepSchedule is a cron expression (robfig/cron, @every accepted)
	// driving the inactivity sweeper cadence.
	SweepSchedule string `yaml:"sweep_schedule"`

	// SendQueueDepth is the per-session bounded outbound frame queue.
	SendQueueDepth int `yaml:"send_queue_depth"`

	// MaxMissedPongs is how many unanswered pings close a mod session.
	MaxMissedPongs int `yaml:"max_missed_pongs"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		PingInterval:        DefaultPingInterval,
		CoalesceInterval:    DefaultCoalesceInterval,
		AuthTimeout:         DefaultAuthTimeout,
		StoreTimeout:        DefaultStoreTimeout,
		InactivityThreshold: DefaultInactivityThreshold,
		SweepSchedule:       DefaultSweepSchedule,
		SendQueueDepth:      DefaultSendQueueDepth,
		MaxMissedPongs:      DefaultMaxMissedPongs,
	}
}

// Load parses a race.yaml file and validates it.
// If path is empty, returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	return cfg, nil
}

// ResolvePath finds the config file path.
// Priority: RACED_CONFIG env var > ./race.yaml > "" (no config).
func ResolvePath() string {
	if p := os.Getenv("RACED_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("race.yaml"); err == nil {
		return "race.yaml"
	}
	return ""
}

// applyDefaults fills zero-valued fields so a partial race.yaml only
// overrides what it names.
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.CoalesceInterval <= 0 {
		c.CoalesceInterval = d.CoalesceInterval
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = d.AuthTimeout
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = d.StoreTimeout
	}
	if c.InactivityThreshold <= 0 {
		c.InactivityThreshold = d.InactivityThreshold
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = d.SweepSchedule
	}
	if c.SendQueueDepth <= 0 {
		c.SendQueueDepth = d.SendQueueDepth
	}
	if c.MaxMissedPongs <= 0 {
		c.MaxMissedPongs = d.MaxMissedPongs
	}
}

// validate rejects values that would break runtime contracts.
func (c *Config) validate() error {
	if c.StoreTimeout > 2*time.Second {
		return fmt.Errorf("store_timeout %s exceeds the 2s bound for calls under a room lock", c.StoreTimeout)
	}
	if c.InactivityThreshold < time.Minute {
		return fmt.Errorf("inactivity_threshold %s is below the 1m minimum", c.InactivityThreshold)
	}
	return nil
}
