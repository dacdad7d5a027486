package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/badibam/assistant-sub007/pkg/aistate"
	"github.com/badibam/assistant-sub007/pkg/provider"
)

// FallbackPrefix starts the PreText of a message built from unparseable output.
const FallbackPrefix = "[Unparseable model response] "

// Result is the outcome of parsing one model response.
type Result struct {
	Message      aistate.AIMessage
	FormatErrors []string
	// Fallback is set when the raw text could not be decoded at all and Message
	// only echoes it.
	Fallback bool
}

// OK reports whether the response can be acted upon.
func (r Result) OK() bool {
	return len(r.FormatErrors) == 0
}

// Parser turns raw model text into a structured message.
type Parser struct {
	logger zerolog.Logger
	schema *gojsonschema.Schema
}

// New creates a parser with the embedded message schema.
func New(logger zerolog.Logger) (*Parser, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(MessageSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile message schema: %w", err)
	}
	return &Parser{
		logger: logger.With().Str("component", "response-parser").Logger(),
		schema: schema,
	}, nil
}

// ParseResponse parses a provider response and logs its token usage.
func (p *Parser) ParseResponse(raw string, usage *provider.TokenUsage) Result {
	if usage != nil {
		p.logger.Debug().
			Int("input_tokens", usage.InputTokens).
			Int("output_tokens", usage.OutputTokens).
			Msg("Model token usage")
	}
	return p.Parse(raw)
}

// Parse never panics. Structural failures produce a fallback message; rule
// violations keep the decoded message and report FormatErrors.
func (p *Parser) Parse(raw string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = fallback(raw, fmt.Sprintf("parser panic: %v", r))
		}
	}()

	if strings.TrimSpace(raw) == "" {
		return fallback(raw, "empty response")
	}

	doc, decoded, err := extractObject(raw)
	if err != nil {
		return fallback(raw, err.Error())
	}

	validation, err := p.schema.Validate(gojsonschema.NewGoLoader(decoded))
	if err != nil {
		return fallback(raw, fmt.Sprintf("schema validation error: %v", err))
	}
	if !validation.Valid() {
		errs := make([]string, 0, len(validation.Errors()))
		for _, e := range validation.Errors() {
			errs = append(errs, e.String())
		}
		return fallback(raw, errs...)
	}

	var msg aistate.AIMessage
	if err := json.Unmarshal([]byte(doc), &msg); err != nil {
		return fallback(raw, fmt.Sprintf("failed to decode message: %v", err))
	}

	errs := checkRules(msg)
	if len(errs) > 0 {
		p.logger.Debug().Strs("errors", errs).Msg("Model response violates message rules")
	}
	return Result{Message: msg, FormatErrors: errs}
}

func checkRules(msg aistate.AIMessage) []string {
	var errs []string

	kinds := 0
	if msg.HasDataCommands() {
		kinds++
	}
	if msg.HasActionCommands() {
		kinds++
	}
	if msg.HasCommunicationModule() {
		kinds++
	}
	if kinds > 1 {
		errs = append(errs, "only one of dataCommands, actionCommands or communicationModule may be provided")
	}
	if msg.ValidationRequest != nil && !msg.HasActionCommands() {
		errs = append(errs, "validationRequest is only allowed together with actionCommands")
	}
	if strings.TrimSpace(msg.PostText) != "" && !msg.HasActionCommands() {
		errs = append(errs, "postText is only allowed together with actionCommands")
	}
	return errs
}

func fallback(raw string, errs ...string) Result {
	return Result{
		Message:      aistate.AIMessage{PreText: FallbackPrefix + raw},
		FormatErrors: errs,
		Fallback:     true,
	}
}

// extractObject returns the first balanced {...} in s that decodes as JSON,
// along with its decoded value. Markdown code fences and surrounding prose,
// braces included, are skipped. When no candidate decodes, the error of the
// first one is reported.
func extractObject(s string) (string, any, error) {
	var firstErr error
	for start := strings.IndexByte(s, '{'); start >= 0; {
		if end, ok := matchBrace(s, start); ok {
			doc := s[start : end+1]
			var v any
			err := json.Unmarshal([]byte(doc), &v)
			if err == nil {
				return doc, v, nil
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("invalid JSON: %w", err)
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	if firstErr != nil {
		return "", nil, firstErr
	}
	return "", nil, errors.New("no JSON object found in response")
}

func matchBrace(s string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}
