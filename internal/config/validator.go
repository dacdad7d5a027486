package config

import (
	"fmt"
	"net"
	"strings"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 1 {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateLimits rejects negative limits
func (v *Validator) ValidateLimits(name string, l LimitsConfig) error {
	if l.MaxRoundtrips < 0 {
		return fmt.Errorf("%s.max_roundtrips must be >= 0", name)
	}
	if l.InactivityTimeout < 0 {
		return fmt.Errorf("%s.inactivity_timeout must be >= 0", name)
	}
	return nil
}

// ValidateAddr validates a host:port listen address
func (v *Validator) ValidateAddr(addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	for i, p := range cfg.Providers {
		if p.Provider != "" {
			if err := v.ValidateAPIKey(p.APIKey, p.Provider); err != nil {
				errors = append(errors, fmt.Errorf("provider %d (%s): %w", i, p.ID, err))
			}
		}
		if p.Temperature != 0 {
			if err := v.ValidateTemperature(p.Temperature); err != nil {
				errors = append(errors, fmt.Errorf("provider %d (%s): %w", i, p.ID, err))
			}
		}
		if p.MaxTokens != 0 {
			if err := v.ValidateMaxTokens(p.MaxTokens); err != nil {
				errors = append(errors, fmt.Errorf("provider %d (%s): %w", i, p.ID, err))
			}
		}
	}

	if err := v.ValidateLimits("engine.chat_limits", cfg.Engine.ChatLimits); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateLimits("engine.automation_limits", cfg.Engine.AutomationLimits); err != nil {
		errors = append(errors, err)
	}
	if cfg.Engine.ChatEvictionAfter < 0 {
		errors = append(errors, fmt.Errorf("engine.chat_eviction_after must be >= 0"))
	}
	if cfg.Engine.HeartbeatInterval < 0 {
		errors = append(errors, fmt.Errorf("engine.heartbeat_interval must be >= 0"))
	}
	retry := cfg.Engine.NetworkRetry
	if retry.InitialInterval < 0 || retry.MaxInterval < 0 {
		errors = append(errors, fmt.Errorf("engine.network_retry intervals must be >= 0"))
	} else if retry.MaxInterval > 0 && retry.InitialInterval > retry.MaxInterval {
		errors = append(errors, fmt.Errorf("engine.network_retry.initial_interval exceeds max_interval"))
	}

	for _, a := range cfg.Automations {
		if !a.Enabled {
			continue
		}
		if err := a.Automation().Validate(); err != nil {
			errors = append(errors, err)
		}
	}

	if cfg.Metrics.Enabled {
		if err := v.ValidateAddr(cfg.Metrics.Addr); err != nil {
			errors = append(errors, fmt.Errorf("metrics: %w", err))
		}
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}

