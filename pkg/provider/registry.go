package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/badibam/assistant-sub007/internal/observability"
	"github.com/badibam/assistant-sub007/internal/tracing"
)

// NewClient creates a client for a profile.
func NewClient(profile Profile) (Client, error) {
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicClient(profile), nil
	case "openai":
		return NewOpenAIClient(profile), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}

// Registry routes queries to clients by provider id.
type Registry struct {
	mu        sync.RWMutex
	clients   map[string]Client
	defaultID string
	logger    zerolog.Logger
}

// NewRegistry creates an empty registry. defaultID is used when a query names
// no provider.
func NewRegistry(logger zerolog.Logger, defaultID string) *Registry {
	return &Registry{
		clients:   make(map[string]Client),
		defaultID: defaultID,
		logger:    logger.With().Str("component", "provider-registry").Logger(),
	}
}

// NewRegistryFromProfiles builds clients for every profile.
func NewRegistryFromProfiles(logger zerolog.Logger, defaultID string, profiles []Profile) (*Registry, error) {
	reg := NewRegistry(logger, defaultID)
	for _, profile := range profiles {
		client, err := NewClient(profile)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", profile.ID, err)
		}
		if err := reg.Register(profile.ID, client); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Register adds a client under an id.
func (r *Registry) Register(id string, client Client) error {
	if id == "" {
		return fmt.Errorf("provider id cannot be empty")
	}
	if client == nil {
		return fmt.Errorf("provider %q: client cannot be nil", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.clients[id]; exists {
		return fmt.Errorf("provider %q already registered", id)
	}
	r.clients[id] = client
	if r.defaultID == "" {
		r.defaultID = id
	}
	return nil
}

// IDs returns the registered provider ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	return ids
}

// Query sends a payload to the provider registered as providerID, or to the
// default provider when providerID is empty.
func (r *Registry) Query(ctx context.Context, payload Payload, providerID string) (*Response, error) {
	r.mu.RLock()
	if providerID == "" {
		providerID = r.defaultID
	}
	client, ok := r.clients[providerID]
	r.mu.RUnlock()
	if !ok {
		return nil, &Error{Provider: providerID, Err: fmt.Errorf("%w: %q", ErrUnknownProvider, providerID)}
	}

	ctx, span := tracing.StartSpan(
		ctx,
		"assistant.provider",
		"provider.query",
		attribute.String("provider_id", providerID),
		attribute.String("provider", client.Provider()),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, r.logger)
	start := time.Now()
	resp, err := client.Complete(ctx, payload)
	duration := time.Since(start)

	if err != nil {
		err = classify(client.Provider(), err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		outcome := "provider_error"
		if IsNetworkError(err) {
			outcome = "network_error"
		}
		observability.RecordProviderCall(providerID, outcome, duration)
		logger.Warn().Err(err).Str("provider_id", providerID).Dur("duration", duration).Msg("Provider query failed")
		return nil, err
	}

	observability.RecordProviderCall(providerID, "success", duration)
	if resp.Usage != nil {
		span.SetAttributes(
			attribute.Int("input_tokens", resp.Usage.InputTokens),
			attribute.Int("output_tokens", resp.Usage.OutputTokens),
		)
	}
	logger.Debug().Str("provider_id", providerID).Dur("duration", duration).Msg("Provider query completed")
	return resp, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstPositiveFloat(values ...float64) float64 {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
