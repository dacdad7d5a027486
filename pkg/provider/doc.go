// Package provider calls AI model APIs on behalf of the orchestration engine.
//
// Invariants:
// - Every failure returned by Query is an *Error classified as network or permanent.
// - Clients are stateless apart from their SDK handle and are safe for concurrent use.
//
// Usage:
//
//	reg := provider.NewRegistry(logger, "claude")
//	_ = reg.Register("claude", provider.NewAnthropicClient(provider.Profile{APIKey: key, Model: "claude-sonnet-4-5"}))
//	resp, err := reg.Query(ctx, provider.Payload{Messages: msgs}, "")
//	if provider.IsNetworkError(err) { /* retry later */ }
package provider
