package parser

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/badibam/assistant-sub007/pkg/provider"
)

func newTestParser(t *testing.T) *Parser {
	t.Helper()
	p, err := New(zerolog.Nop())
	require.NoError(t, err)
	return p
}

func TestParser_ValidMessage(t *testing.T) {
	p := newTestParser(t)

	res := p.Parse(`{
		"preText": "I'll create the note.",
		"validationRequest": true,
		"actionCommands": [{"type": "notes.create", "params": {"title": "Groceries"}}],
		"postText": "Done once you approve.",
		"keepControl": false
	}`)

	require.True(t, res.OK(), "errors: %v", res.FormatErrors)
	assert.False(t, res.Fallback)
	assert.Equal(t, "I'll create the note.", res.Message.PreText)
	require.Len(t, res.Message.ActionCommands, 1)
	assert.Equal(t, "notes.create", res.Message.ActionCommands[0].Type)
	assert.Equal(t, "Groceries", res.Message.ActionCommands[0].Params["title"])
	require.NotNil(t, res.Message.ValidationRequest)
	assert.True(t, *res.Message.ValidationRequest)
	assert.False(t, res.Message.WantsControl())
}

func TestParser_ToleratesFencesAndProse(t *testing.T) {
	p := newTestParser(t)

	raw := "Sure, here it is:\n```json\n{\"preText\": \"Looking up {notes}\", \"dataCommands\": [{\"type\": \"notes.list\"}]}\n```\nThanks."
	res := p.Parse(raw)

	require.True(t, res.OK(), "errors: %v", res.FormatErrors)
	assert.Equal(t, "Looking up {notes}", res.Message.PreText)
	assert.True(t, res.Message.HasDataCommands())
}

func TestParser_SkipsBracesInLeadingProse(t *testing.T) {
	p := newTestParser(t)

	raw := "I will use the {notes} tool.\n```json\n{\"preText\":\"Searching notes\",\"dataCommands\":[{\"type\":\"notes.search\"}]}\n```"
	res := p.Parse(raw)

	require.True(t, res.OK(), "errors: %v", res.FormatErrors)
	assert.False(t, res.Fallback)
	assert.Equal(t, "Searching notes", res.Message.PreText)
	require.Len(t, res.Message.DataCommands, 1)
	assert.Equal(t, "notes.search", res.Message.DataCommands[0].Type)
}

func TestParser_ReportsFirstCandidateWhenNoneDecodes(t *testing.T) {
	p := newTestParser(t)

	res := p.Parse("use {notes} and {tags}")

	assert.True(t, res.Fallback)
	require.Len(t, res.FormatErrors, 1)
	assert.Contains(t, res.FormatErrors[0], "invalid JSON")
}

func TestParser_CompletedAndCommunication(t *testing.T) {
	p := newTestParser(t)

	res := p.Parse(`{"preText": "Finished.", "completed": true}`)
	require.True(t, res.OK())
	assert.True(t, res.Message.Completed)

	res = p.Parse(`{"preText": "Pick one", "communicationModule": {"type": "choice", "data": {"options": ["a", "b"]}}}`)
	require.True(t, res.OK())
	require.NotNil(t, res.Message.CommunicationModule)
	assert.Equal(t, "choice", res.Message.CommunicationModule.Type)
}

func TestParser_Fallbacks(t *testing.T) {
	p := newTestParser(t)

	tests := []struct {
		name string
		raw  string
	}{
		{"empty", "   "},
		{"plain text", "I cannot answer in JSON today."},
		{"broken json", `{"preText": "oops",}`},
		{"unterminated", `{"preText": "oops"`},
		{"missing preText", `{"dataCommands": [{"type": "notes.list"}]}`},
		{"blank preText", `{"preText": "   "}`},
		{"wrong type", `{"preText": "x", "keepControl": "yes"}`},
		{"command without type", `{"preText": "x", "actionCommands": [{"params": {}}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var res Result
			require.NotPanics(t, func() { res = p.Parse(tt.raw) })

			assert.True(t, res.Fallback)
			assert.NotEmpty(t, res.FormatErrors)
			assert.Equal(t, FallbackPrefix+tt.raw, res.Message.PreText)
		})
	}
}

func TestParser_RuleViolations(t *testing.T) {
	p := newTestParser(t)

	tests := []struct {
		name string
		raw  string
	}{
		{"data and actions", `{"preText": "x", "dataCommands": [{"type": "a"}], "actionCommands": [{"type": "b"}]}`},
		{"data and communication", `{"preText": "x", "dataCommands": [{"type": "a"}], "communicationModule": {"type": "text"}}`},
		{"validation without actions", `{"preText": "x", "validationRequest": false}`},
		{"postText without actions", `{"preText": "x", "postText": "after"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := p.Parse(tt.raw)

			assert.False(t, res.Fallback)
			assert.False(t, res.OK())
			assert.Equal(t, "x", res.Message.PreText)
		})
	}
}

func TestParser_ParseResponseLogsUsage(t *testing.T) {
	var buf bytes.Buffer
	p, err := New(zerolog.New(&buf).Level(zerolog.DebugLevel))
	require.NoError(t, err)

	res := p.ParseResponse(`{"preText": "hi"}`, &provider.TokenUsage{InputTokens: 12, OutputTokens: 3})

	assert.True(t, res.OK())
	assert.Contains(t, buf.String(), `"input_tokens":12`)
	assert.Contains(t, buf.String(), `"output_tokens":3`)
}
