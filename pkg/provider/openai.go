package provider

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIClient implements Client for OpenAI-compatible chat completion APIs
type OpenAIClient struct {
	client  openai.Client
	profile Profile
}

// NewOpenAIClient creates a new OpenAI client
func NewOpenAIClient(profile Profile) *OpenAIClient {
	// Retries are owned by the engine's network retry policy.
	opts := []option.RequestOption{option.WithAPIKey(profile.APIKey), option.WithMaxRetries(0)}
	if profile.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(profile.BaseURL))
	}
	return &OpenAIClient{
		client:  openai.NewClient(opts...),
		profile: profile,
	}
}

// Provider returns the provider name
func (c *OpenAIClient) Provider() string {
	return "openai"
}

// Complete makes an API call to OpenAI
func (c *OpenAIClient) Complete(ctx context.Context, payload Payload) (*Response, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(payload.Messages)+1)
	if payload.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(payload.SystemPrompt))
	}
	for _, msg := range payload.Messages {
		switch msg.Role {
		case RoleUser:
			messages = append(messages, openai.UserMessage(msg.Content))
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(firstNonEmpty(payload.Model, c.profile.Model)),
		Messages: messages,
	}
	if maxTokens := firstPositive(payload.MaxTokens, c.profile.MaxTokens); maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}
	if temp := firstPositiveFloat(payload.Temperature, c.profile.Temperature); temp > 0 {
		params.Temperature = openai.Float(temp)
	}

	response, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classify(c.Provider(), err)
	}
	if len(response.Choices) == 0 || response.Choices[0].Message.Content == "" {
		return nil, &Error{Provider: c.Provider(), Err: ErrEmptyResponse}
	}

	return &Response{
		Content:  response.Choices[0].Message.Content,
		Provider: c.Provider(),
		Model:    response.Model,
		Usage: &TokenUsage{
			InputTokens:  int(response.Usage.PromptTokens),
			OutputTokens: int(response.Usage.CompletionTokens),
		},
	}, nil
}
