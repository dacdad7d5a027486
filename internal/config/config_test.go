package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/badibam/assistant-sub007/pkg/aistate"
	"github.com/badibam/assistant-sub007/pkg/provider"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Providers = []provider.Profile{
		{ID: "claude", Provider: "anthropic", APIKey: "sk-ant-test", Model: "claude-sonnet-4-5"},
	}
	cfg.DefaultProvider = "claude"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 5*time.Minute, cfg.Engine.ChatEvictionAfter)
	assert.Equal(t, 20, cfg.Engine.AutomationLimits.MaxRoundtrips)
	assert.Equal(t, 10*time.Minute, cfg.Engine.AutomationLimits.InactivityTimeout)
	assert.Zero(t, cfg.Engine.ChatLimits.MaxRoundtrips)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Redaction)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLimitsConfig_Limits(t *testing.T) {
	l := LimitsConfig{MaxRoundtrips: 3, InactivityTimeout: time.Minute}.Limits()
	assert.Equal(t, aistate.Limits{MaxAutonomousRoundtrips: 3, InactivityTimeout: time.Minute}, l)
}

func TestEnabledAutomations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Automations = []AutomationConfig{
		{ID: "on", Name: "On", Cron: "@daily", Prompt: "x", Enabled: true, Provider: "claude"},
		{ID: "off", Cron: "@daily", Prompt: "y"},
	}

	got := cfg.EnabledAutomations()
	require.Len(t, got, 1)
	assert.Equal(t, "on", got[0].ID)
	assert.Equal(t, "claude", got[0].ProviderID)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"no providers", func(c *Config) { c.Providers = nil }, "at least one provider"},
		{"missing id", func(c *Config) { c.Providers[0].ID = "" }, "ID is required"},
		{"missing key", func(c *Config) { c.Providers[0].APIKey = "" }, "api_key is required"},
		{"bad provider", func(c *Config) { c.Providers[0].Provider = "gemini" }, "invalid provider gemini"},
		{"duplicate provider", func(c *Config) { c.Providers = append(c.Providers, c.Providers[0]) }, "duplicate ID"},
		{"unknown default", func(c *Config) { c.DefaultProvider = "gpt" }, "default_provider gpt"},
		{"bad store", func(c *Config) { c.Store.Driver = "postgres" }, "invalid store driver"},
		{"automation unknown provider", func(c *Config) {
			c.Automations = []AutomationConfig{{ID: "a", Provider: "gpt"}}
		}, "unknown provider gpt"},
		{"duplicate automation", func(c *Config) {
			c.Automations = []AutomationConfig{{ID: "a"}, {ID: "a"}}
		}, "duplicate ID"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigString(t *testing.T) {
	s := validConfig().String()
	assert.Contains(t, s, `"default_provider": "claude"`)
	assert.Contains(t, s, `"engine"`)
}
