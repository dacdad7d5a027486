package provider

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicClient implements Client for Anthropic Claude
type AnthropicClient struct {
	client  anthropic.Client
	profile Profile
}

// NewAnthropicClient creates a new Anthropic client
func NewAnthropicClient(profile Profile) *AnthropicClient {
	// Retries are owned by the engine's network retry policy.
	opts := []option.RequestOption{option.WithAPIKey(profile.APIKey), option.WithMaxRetries(0)}
	if profile.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(profile.BaseURL))
	}
	return &AnthropicClient{
		client:  anthropic.NewClient(opts...),
		profile: profile,
	}
}

// Provider returns the provider name
func (c *AnthropicClient) Provider() string {
	return "anthropic"
}

// Complete makes an API call to Anthropic Claude
func (c *AnthropicClient) Complete(ctx context.Context, payload Payload) (*Response, error) {
	messages := make([]anthropic.MessageParam, 0, len(payload.Messages))
	for _, msg := range payload.Messages {
		switch msg.Role {
		case RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case RoleAssistant:
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(msg.Content)},
			})
		}
	}

	model := firstNonEmpty(payload.Model, c.profile.Model)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(firstPositive(payload.MaxTokens, c.profile.MaxTokens, defaultMaxTokens)),
	}
	if payload.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: payload.SystemPrompt}}
	}
	if temp := firstPositiveFloat(payload.Temperature, c.profile.Temperature); temp > 0 {
		params.Temperature = anthropic.Float(temp)
	}

	response, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classify(c.Provider(), err)
	}

	var content strings.Builder
	for _, block := range response.Content {
		if b, ok := block.AsAny().(anthropic.TextBlock); ok {
			content.WriteString(b.Text)
		}
	}
	if content.Len() == 0 {
		return nil, &Error{Provider: c.Provider(), Err: ErrEmptyResponse}
	}

	return &Response{
		Content:  content.String(),
		Provider: c.Provider(),
		Model:    string(response.Model),
		Usage: &TokenUsage{
			InputTokens:  int(response.Usage.InputTokens),
			OutputTokens: int(response.Usage.OutputTokens),
		},
	}, nil
}
