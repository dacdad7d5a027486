package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/badibam/assistant-sub007/pkg/aistate"
	"github.com/badibam/assistant-sub007/pkg/commands"
	"github.com/badibam/assistant-sub007/pkg/provider"
	"github.com/badibam/assistant-sub007/pkg/store"
)

const defaultMaxHistory = 60

// CommandCatalog lists the commands the model may use.
type CommandCatalog interface {
	Definitions() []commands.Definition
}

// PromptBuilder renders the session history into a provider payload.
type PromptBuilder struct {
	catalog      CommandCatalog
	instructions string
	maxHistory   int
}

// NewPromptBuilder creates a builder. instructions are prepended to the
// system prompt; catalog may be nil.
func NewPromptBuilder(catalog CommandCatalog, instructions string) *PromptBuilder {
	return &PromptBuilder{catalog: catalog, instructions: instructions, maxHistory: defaultMaxHistory}
}

// SetMaxHistory caps how many stored messages are sent. Older ones are
// summarized as a count.
func (b *PromptBuilder) SetMaxHistory(n int) {
	if n > 0 {
		b.maxHistory = n
	}
}

// Build implements round.PromptBuilder.
func (b *PromptBuilder) Build(_ context.Context, session *store.SessionRecord, history []store.Message, state aistate.State) (provider.Payload, error) {
	typ := state.SessionType
	if session != nil && session.Type != "" {
		typ = session.Type
	}

	var msgs []provider.Message
	if dropped := len(history) - b.maxHistory; dropped > 0 {
		msgs = append(msgs, provider.Message{
			Role:    provider.RoleUser,
			Content: fmt.Sprintf("[Earlier history omitted: %d messages]", dropped),
		})
		history = history[dropped:]
	}
	for _, m := range history {
		role, content := renderMessage(m)
		if content == "" {
			continue
		}
		msgs = appendMerged(msgs, role, content)
	}
	if nudge := continuationNudge(state.ContinuationReason); nudge != "" {
		msgs = appendMerged(msgs, provider.RoleUser, nudge)
	}
	if len(msgs) == 0 || msgs[0].Role != provider.RoleUser {
		msgs = append([]provider.Message{{Role: provider.RoleUser, Content: "[Session started]"}}, msgs...)
	}

	return provider.Payload{
		SystemPrompt: b.systemPrompt(typ),
		Messages:     msgs,
	}, nil
}

func (b *PromptBuilder) systemPrompt(typ aistate.SessionType) string {
	var sb strings.Builder
	if b.instructions != "" {
		sb.WriteString(strings.TrimSpace(b.instructions))
		sb.WriteString("\n\n")
	}

	sb.WriteString(`# Response format
Reply with exactly one JSON object:
{"preText": string, "dataCommands": [...], "actionCommands": [...],
 "validationRequest": bool, "postText": string, "keepControl": bool,
 "completed": bool, "communicationModule": {"type": string, "data": {...}}}
Each command is {"type": string, "params": {...}}.
Use at most one of dataCommands, actionCommands and communicationModule.
validationRequest and postText are only allowed with actionCommands.
`)

	if b.catalog != nil {
		if defs := b.catalog.Definitions(); len(defs) > 0 {
			sb.WriteString("\n# Commands\n")
			for _, d := range defs {
				kind := "action"
				if d.ReadOnly {
					kind = "data"
				}
				fmt.Fprintf(&sb, "- %s (%s): %s\n", d.Type, kind, d.Description)
				for _, p := range d.Parameters {
					req := ""
					if p.Required {
						req = ", required"
					}
					fmt.Fprintf(&sb, "    %s (%s%s): %s\n", p.Name, p.Type, req, p.Description)
				}
			}
		}
	}

	sb.WriteString("\n# Session\n")
	if typ == aistate.SessionTypeAutomation {
		sb.WriteString("This is an unattended automation. Nobody can answer questions. " +
			"Work until the task is done, then set completed to true.\n")
	} else {
		sb.WriteString("This is a conversation with the user. Proposed actions are shown to " +
			"the user for approval unless you set validationRequest to false.\n")
	}
	return sb.String()
}

func renderMessage(m store.Message) (provider.Role, string) {
	switch m.Sender {
	case store.SenderUser:
		return provider.RoleUser, m.Payload.Text
	case store.SenderAI:
		if m.Payload.Raw != "" {
			return provider.RoleAssistant, m.Payload.Raw
		}
		if m.Payload.AI != nil {
			b, err := json.Marshal(m.Payload.AI)
			if err == nil {
				return provider.RoleAssistant, string(b)
			}
		}
		return provider.RoleAssistant, ""
	case store.SenderSystem:
		if m.Payload.System == nil {
			return provider.RoleUser, ""
		}
		s := m.Payload.System
		content := fmt.Sprintf("[%s] %s", s.Type, s.Summary)
		if s.FormattedData != "" {
			content += "\n" + s.FormattedData
		}
		return provider.RoleUser, content
	}
	return provider.RoleUser, ""
}

// appendMerged joins consecutive messages of the same role; providers reject
// two user turns in a row.
func appendMerged(msgs []provider.Message, role provider.Role, content string) []provider.Message {
	if n := len(msgs); n > 0 && msgs[n-1].Role == role {
		msgs[n-1].Content += "\n\n" + content
		return msgs
	}
	return append(msgs, provider.Message{Role: role, Content: content})
}

func continuationNudge(reason aistate.ContinuationReason) string {
	switch reason {
	case aistate.ContinuationNoCommands:
		return "[Continue] Your last reply contained no commands. Continue the task or set completed to true."
	case aistate.ContinuationCompletionConfirmationRequired:
		return "[Confirm completion] Check that the task is really done. Reply with completed set to true to confirm, or continue working."
	case aistate.ContinuationCompletionRejected:
		return "[Completion rejected] The task is not finished yet. Continue working."
	}
	return ""
}
