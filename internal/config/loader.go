package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	defaultDirName  = ".assistant"
	defaultFileName = "assistant.json"
	envPrefix       = "ASSISTANT"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads the configuration from file. A missing file yields the defaults.
// Environment variables prefixed with ASSISTANT_ override file values, e.g.
// ASSISTANT_ENGINE_CHAT_EVICTION_AFTER=10m.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to determine config path")
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindScalarEnv(v)

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Dir(configPath)
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(cfg.DataDir, "assistant.db")
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "assistant.log")
	}

	return cfg, nil
}

// bindScalarEnv makes env overrides visible to Unmarshal for keys absent
// from the file.
func bindScalarEnv(v *viper.Viper) {
	for _, key := range []string{
		"default_provider",
		"data_dir",
		"instructions",
		"store.driver",
		"store.path",
		"logging.level",
		"logging.file",
		"metrics.enabled",
		"metrics.addr",
		"tracing.enabled",
		"engine.chat_eviction_after",
		"engine.heartbeat_interval",
		"engine.chat_limits.max_roundtrips",
		"engine.automation_limits.max_roundtrips",
		"engine.automation_limits.inactivity_timeout",
	} {
		_ = v.BindEnv(key)
	}
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to determine config path")
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("engine", map[string]any{
		"chat_eviction_after": cfg.Engine.ChatEvictionAfter.String(),
		"heartbeat_interval":  cfg.Engine.HeartbeatInterval.String(),
		"chat_limits":         limitsMap(cfg.Engine.ChatLimits),
		"automation_limits":   limitsMap(cfg.Engine.AutomationLimits),
		"network_retry": map[string]any{
			"initial_interval": cfg.Engine.NetworkRetry.InitialInterval.String(),
			"max_interval":     cfg.Engine.NetworkRetry.MaxInterval.String(),
		},
		"auto_approve":    cfg.Engine.AutoApprove,
		"command_timeout": cfg.Engine.CommandTimeout.String(),
	})
	v.Set("providers", cfg.Providers)
	v.Set("default_provider", cfg.DefaultProvider)
	v.Set("store", cfg.Store)
	v.Set("logging", cfg.Logging)
	v.Set("metrics", cfg.Metrics)
	v.Set("tracing", cfg.Tracing)
	v.Set("automations", cfg.Automations)
	v.Set("data_dir", cfg.DataDir)
	v.Set("instructions", cfg.Instructions)

	if err := v.WriteConfig(); err != nil {
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	return nil
}

func limitsMap(l LimitsConfig) map[string]any {
	return map[string]any{
		"max_roundtrips":     l.MaxRoundtrips,
		"inactivity_timeout": l.InactivityTimeout.String(),
	}
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, defaultDirName, defaultFileName)
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
