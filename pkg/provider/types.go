package provider

import (
	"context"
)

// Role of a conversation message sent to a model.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversation turn in a prompt.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Payload is a fully built prompt.
type Payload struct {
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Messages     []Message `json:"messages"`
	// Model overrides the profile's model when set.
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// Response is a successful model answer.
type Response struct {
	Content  string      `json:"content"`
	Usage    *TokenUsage `json:"usage,omitempty"`
	Provider string      `json:"provider"`
	Model    string      `json:"model"`
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Profile configures one provider client.
type Profile struct {
	ID          string  `json:"id" mapstructure:"id"`
	Provider    string  `json:"provider" mapstructure:"provider"` // "anthropic", "openai"
	APIKey      string  `json:"api_key" mapstructure:"api_key"`
	Model       string  `json:"model" mapstructure:"model"`
	BaseURL     string  `json:"base_url,omitempty" mapstructure:"base_url"`
	MaxTokens   int     `json:"max_tokens,omitempty" mapstructure:"max_tokens"`
	Temperature float64 `json:"temperature,omitempty" mapstructure:"temperature"`
}

// Client is an interface for model API providers
type Client interface {
	// Complete sends one prompt and returns the model's answer.
	Complete(ctx context.Context, payload Payload) (*Response, error)

	// Provider returns the provider name
	Provider() string
}

const defaultMaxTokens = 4096
