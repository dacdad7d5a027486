package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/badibam/assistant-sub007/internal/logger"
	"github.com/badibam/assistant-sub007/pkg/aistate"
	"github.com/badibam/assistant-sub007/pkg/provider"
	"github.com/badibam/assistant-sub007/pkg/scheduler"
)

// Config represents the assistant configuration
type Config struct {
	// Engine
	Engine EngineConfig `json:"engine" mapstructure:"engine"`

	// Model providers
	Providers       []provider.Profile `json:"providers" mapstructure:"providers"`
	DefaultProvider string             `json:"default_provider" mapstructure:"default_provider"`

	// Persistence
	Store StoreConfig `json:"store" mapstructure:"store"`

	// Logging
	Logging logger.Config `json:"logging" mapstructure:"logging"`

	// Metrics endpoint
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Scheduled automations
	Automations []AutomationConfig `json:"automations" mapstructure:"automations"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Instructions are prepended to every system prompt.
	Instructions string `json:"instructions" mapstructure:"instructions"`
}

// EngineConfig holds orchestration settings
type EngineConfig struct {
	ChatEvictionAfter time.Duration `json:"chat_eviction_after" mapstructure:"chat_eviction_after"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	ChatLimits        LimitsConfig  `json:"chat_limits" mapstructure:"chat_limits"`
	AutomationLimits  LimitsConfig  `json:"automation_limits" mapstructure:"automation_limits"`
	NetworkRetry      RetryConfig   `json:"network_retry" mapstructure:"network_retry"`
	// AutoApprove lists action types a CHAT may run without validation when
	// the model does not ask for it.
	AutoApprove    []string      `json:"auto_approve" mapstructure:"auto_approve"`
	CommandTimeout time.Duration `json:"command_timeout" mapstructure:"command_timeout"`
}

// LimitsConfig bounds a session type. Zero values mean unbounded.
type LimitsConfig struct {
	MaxRoundtrips     int           `json:"max_roundtrips" mapstructure:"max_roundtrips"`
	InactivityTimeout time.Duration `json:"inactivity_timeout" mapstructure:"inactivity_timeout"`
}

// Limits converts to the state machine's limits.
func (l LimitsConfig) Limits() aistate.Limits {
	return aistate.Limits{MaxAutonomousRoundtrips: l.MaxRoundtrips, InactivityTimeout: l.InactivityTimeout}
}

// RetryConfig holds the network retry backoff
type RetryConfig struct {
	InitialInterval time.Duration `json:"initial_interval" mapstructure:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval" mapstructure:"max_interval"`
}

// StoreConfig holds the message store settings
type StoreConfig struct {
	Driver string `json:"driver" mapstructure:"driver"` // sqlite, memory
	Path   string `json:"path" mapstructure:"path"`
}

// MetricsConfig holds the Prometheus endpoint settings
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// AutomationConfig is one scheduled automation
type AutomationConfig struct {
	ID          string            `json:"id" mapstructure:"id"`
	Name        string            `json:"name" mapstructure:"name"`
	Cron        string            `json:"cron" mapstructure:"cron"`
	TZ          string            `json:"tz" mapstructure:"tz"`
	Prompt      string            `json:"prompt" mapstructure:"prompt"`
	Enabled     bool              `json:"enabled" mapstructure:"enabled"`
	Provider    string            `json:"provider" mapstructure:"provider"`
	Enrichments []aistate.Command `json:"enrichments" mapstructure:"enrichments"`
}

// Automation converts to a scheduler automation.
func (a AutomationConfig) Automation() scheduler.Automation {
	return scheduler.Automation{
		ID:          a.ID,
		Name:        a.Name,
		Cron:        a.Cron,
		TZ:          a.TZ,
		Prompt:      a.Prompt,
		Enrichments: a.Enrichments,
		ProviderID:  a.Provider,
	}
}

// EnabledAutomations returns the automations to schedule.
func (c *Config) EnabledAutomations() []scheduler.Automation {
	var out []scheduler.Automation
	for _, a := range c.Automations {
		if a.Enabled {
			out = append(out, a.Automation())
		}
	}
	return out
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	automation := aistate.DefaultLimits(aistate.SessionTypeAutomation)
	return &Config{
		Engine: EngineConfig{
			ChatEvictionAfter: 5 * time.Minute,
			HeartbeatInterval: scheduler.DefaultHeartbeatInterval,
			AutomationLimits: LimitsConfig{
				MaxRoundtrips:     automation.MaxAutonomousRoundtrips,
				InactivityTimeout: automation.InactivityTimeout,
			},
			NetworkRetry: RetryConfig{
				InitialInterval: 2 * time.Second,
				MaxInterval:     5 * time.Minute,
			},
			CommandTimeout: 30 * time.Second,
		},
		Providers: []provider.Profile{},
		Store: StoreConfig{
			Driver: "sqlite",
		},
		Logging: logger.Config{
			Level:     "info",
			Console:   true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
		Tracing: TracingConfig{
			ServiceName: "assistant",
		},
		Automations: []AutomationConfig{},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("no model provider configured: at least one provider is required")
	}

	ids := make(map[string]bool)
	for i, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider %d: ID is required", i)
		}
		if ids[p.ID] {
			return fmt.Errorf("provider %s: duplicate ID", p.ID)
		}
		ids[p.ID] = true
		if p.APIKey == "" {
			return fmt.Errorf("provider %s: api_key is required", p.ID)
		}
		if p.Provider != "anthropic" && p.Provider != "openai" {
			return fmt.Errorf("provider %s: invalid provider %s (must be: anthropic, openai)", p.ID, p.Provider)
		}
	}
	if c.DefaultProvider != "" && !ids[c.DefaultProvider] {
		return fmt.Errorf("default_provider %s is not configured", c.DefaultProvider)
	}

	if c.Store.Driver != "sqlite" && c.Store.Driver != "memory" {
		return fmt.Errorf("invalid store driver: %s", c.Store.Driver)
	}

	names := make(map[string]bool)
	for i, a := range c.Automations {
		if a.ID == "" {
			return fmt.Errorf("automation %d: ID is required", i)
		}
		if names[a.ID] {
			return fmt.Errorf("automation %s: duplicate ID", a.ID)
		}
		names[a.ID] = true
		if a.Provider != "" && !ids[a.Provider] {
			return fmt.Errorf("automation %s: unknown provider %s", a.ID, a.Provider)
		}
	}

	return nil
}
