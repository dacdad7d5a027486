package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
)

var (
	// ErrUnknownProvider is returned when no client is registered under an id.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrEmptyResponse is returned when a model answers without any text.
	ErrEmptyResponse = errors.New("empty model response")
)

// Error is a classified provider failure.
type Error struct {
	Provider   string
	StatusCode int
	// Network marks transient failures worth retrying: transport errors,
	// timeouts, rate limits and 5xx responses.
	Network bool
	Err     error
}

func (e *Error) Error() string {
	kind := "provider"
	if e.Network {
		kind = "network"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error from %s (status %d): %v", kind, e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s error from %s: %v", kind, e.Provider, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsNetworkError reports whether err is a transient provider failure.
func IsNetworkError(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Network
	}
	return false
}

// classify wraps an SDK error into an *Error.
func classify(providerName string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}

	out := &Error{Provider: providerName, Err: err}

	var anthropicErr *anthropic.Error
	var openaiErr *openai.Error
	switch {
	case errors.As(err, &anthropicErr):
		out.StatusCode = anthropicErr.StatusCode
		out.Network = retryableStatus(out.StatusCode)
	case errors.As(err, &openaiErr):
		out.StatusCode = openaiErr.StatusCode
		out.Network = retryableStatus(out.StatusCode)
	case errors.Is(err, context.Canceled):
		out.Network = false
	case errors.Is(err, context.DeadlineExceeded):
		out.Network = true
	default:
		var netErr net.Error
		out.Network = errors.As(err, &netErr) || isRetryableMessage(err.Error())
	}
	return out
}

func retryableStatus(code int) bool {
	return code == 408 || code == 409 || code == 429 || code >= 500
}

// isRetryableMessage catches transport failures that arrive without a typed error.
func isRetryableMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, marker := range []string{"econnreset", "etimedout", "connection refused", "connection reset", "no such host", "eof", "rate limit"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
