package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/badibam/assistant-sub007/internal/daemon"
	"github.com/badibam/assistant-sub007/pkg/aistate"
	"github.com/badibam/assistant-sub007/pkg/orchestrator"
	"github.com/badibam/assistant-sub007/pkg/sessionctl"
	"github.com/badibam/assistant-sub007/pkg/store"
)

var chatName string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the assistant in the terminal",
	Long: `Start the assistant and open an interactive chat session.
Scheduled automations keep running; an automation that fires while the chat
is idle may take over the slot, and the chat waits for it to finish.

Commands:
  /interrupt       stop the current round
  /pause, /resume  suspend or continue the session
  /run <id>        trigger an automation now
  /status          show the engine state
  /new             end this chat and start another
  /quit            end the chat and exit`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatName, "name", "Terminal chat", "session name")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, loader, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := newLogger(cfg, true)
	if err != nil {
		return err
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	d.WatchConfig(loader)
	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	defer d.Stop()

	t := newTerminal(d.Engine(), d.Scheduler(), cmd.InOrStdin(), cmd.OutOrStdout())
	return t.Run(cmd.Context(), chatName)
}

// chatEngine is the part of the engine the terminal drives.
type chatEngine interface {
	StartChat(ctx context.Context, name string) (string, sessionctl.Result, error)
	SendUserMessage(ctx context.Context, text string, enrichments []aistate.Command) error
	Interrupt(ctx context.Context) error
	ResumeWithValidation(approved bool) error
	ResumeWithResponse(text string) error
	Pause() error
	Resume() error
	CloseActiveSession(ctx context.Context, reason aistate.EndReason) error
	CancelQueued(sessionID string) bool
	Snapshot() orchestrator.Snapshot
	Subscribe(ctx context.Context) (<-chan orchestrator.Snapshot, error)
	Messages(ctx context.Context) ([]store.Message, error)
}

type automationTrigger interface {
	Trigger(ctx context.Context, id string) (string, sessionctl.Result, error)
}

// terminal renders one chat session on a line-oriented stream.
type terminal struct {
	engine  chatEngine
	trigger automationTrigger
	in      io.Reader

	outMu sync.Mutex
	out   io.Writer

	mu       sync.Mutex
	session  string
	active   bool
	seen     map[string]bool
	prompted string
}

func newTerminal(engine chatEngine, trigger automationTrigger, in io.Reader, out io.Writer) *terminal {
	return &terminal{
		engine:  engine,
		trigger: trigger,
		in:      in,
		out:     out,
		seen:    make(map[string]bool),
	}
}

// Run starts a chat and processes input lines until EOF or /quit.
func (t *terminal) Run(ctx context.Context, name string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := t.startChat(ctx, name); err != nil {
		return err
	}

	snaps, err := t.engine.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to engine: %w", err)
	}
	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		for snap := range snaps {
			t.render(ctx, snap)
		}
	}()

	scanner := bufio.NewScanner(t.in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			break
		}
		t.handle(ctx, name, line)
	}

	t.endChat(ctx)
	cancel()
	<-rendered
	return scanner.Err()
}

func (t *terminal) startChat(ctx context.Context, name string) error {
	id, res, err := t.engine.StartChat(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to start chat: %w", err)
	}

	t.mu.Lock()
	t.session = id
	t.seen = make(map[string]bool)
	t.prompted = ""
	t.mu.Unlock()

	switch res.Outcome {
	case sessionctl.OutcomeQueued:
		t.printf("Another session is running; your chat is queued at position %d.\n", res.Position)
	default:
		t.printf("Chat started. Type /quit to leave.\n")
	}
	return nil
}

// endChat closes or dequeues the terminal's session.
func (t *terminal) endChat(ctx context.Context) {
	t.mu.Lock()
	id := t.session
	t.mu.Unlock()
	if id == "" {
		return
	}
	if t.engine.Snapshot().SessionID == id {
		if err := t.engine.CloseActiveSession(ctx, aistate.EndReasonUserStopped); err != nil && !errors.Is(err, orchestrator.ErrNoActiveSession) {
			t.printf("Failed to close chat: %v\n", err)
		}
		return
	}
	t.engine.CancelQueued(id)
}

func (t *terminal) handle(ctx context.Context, name, line string) {
	if strings.HasPrefix(line, "/") {
		t.command(ctx, name, line)
		return
	}

	snap := t.engine.Snapshot()
	t.mu.Lock()
	ours := snap.SessionID != "" && snap.SessionID == t.session
	t.mu.Unlock()
	if !ours {
		t.printf("Your chat is not active yet; wait for the running session to finish.\n")
		return
	}

	switch snap.Phase {
	case aistate.PhaseWaitingValidation:
		switch strings.ToLower(line) {
		case "y", "yes":
			t.report(t.engine.ResumeWithValidation(true))
		case "n", "no":
			t.report(t.engine.ResumeWithValidation(false))
		default:
			t.printf("Please answer y or n.\n")
		}
	case aistate.PhaseWaitingCommunicationResponse:
		t.report(t.engine.ResumeWithResponse(line))
	default:
		err := t.engine.SendUserMessage(ctx, line, nil)
		if errors.Is(err, orchestrator.ErrRoundInProgress) {
			t.printf("The assistant is still working; wait or use /interrupt.\n")
			return
		}
		t.report(err)
	}
}

func (t *terminal) command(ctx context.Context, name, line string) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/interrupt":
		t.report(t.engine.Interrupt(ctx))
	case "/pause":
		t.report(t.engine.Pause())
	case "/resume":
		t.report(t.engine.Resume())
	case "/status":
		t.printStatus(t.engine.Snapshot())
	case "/run":
		if len(fields) != 2 {
			t.printf("Usage: /run <automation-id>\n")
			return
		}
		if t.trigger == nil {
			t.printf("No scheduler available.\n")
			return
		}
		_, res, err := t.trigger.Trigger(ctx, fields[1])
		if err != nil {
			t.report(err)
			return
		}
		t.printf("Automation %s: %s\n", fields[1], strings.ToLower(string(res.Outcome)))
	case "/new":
		t.endChat(ctx)
		t.report(t.startChat(ctx, name))
	default:
		t.printf("Unknown command %s\n", fields[0])
	}
}

// render prints new history for the terminal's session and any pending
// question.
func (t *terminal) render(ctx context.Context, snap orchestrator.Snapshot) {
	t.mu.Lock()
	id := t.session
	wasActive := t.active
	ours := snap.SessionID != "" && snap.SessionID == id
	t.active = ours
	t.mu.Unlock()

	if !ours {
		if wasActive {
			if snap.EndReason != "" {
				t.printf("Session ended (%s).\n", strings.ToLower(string(snap.EndReason)))
			} else {
				t.printf("Session ended.\n")
			}
		}
		return
	}
	if !wasActive {
		t.printf("Chat is active.\n")
	}

	if msgs, err := t.engine.Messages(ctx); err == nil {
		for _, msg := range msgs {
			if msg.SessionID != id {
				continue
			}
			t.mu.Lock()
			seen := t.seen[msg.ID]
			t.seen[msg.ID] = true
			t.mu.Unlock()
			if !seen {
				t.printMessage(msg)
			}
		}
	}

	// Each wait follows a parsed response, so the roundtrip count tells
	// consecutive waits apart.
	key := fmt.Sprintf("%s/%d", snap.Phase, snap.Roundtrips)
	t.mu.Lock()
	repeat := t.prompted == key
	t.prompted = key
	t.mu.Unlock()
	if repeat {
		return
	}

	switch snap.Phase {
	case aistate.PhaseWaitingValidation:
		if snap.Validation != nil {
			for _, c := range snap.Validation.Commands {
				t.printf("  will run: %s\n", describeCommand(c))
			}
		}
		t.printf("Approve? [y/n]\n")
	case aistate.PhaseWaitingCommunicationResponse:
		if snap.Communication != nil && snap.Communication.Module.Type != "" {
			t.printf("(%s) ", snap.Communication.Module.Type)
		}
		t.printf("Your answer:\n")
	case aistate.PhaseWaitingNetworkRetry:
		if snap.RetryAt != nil {
			t.printf("Network unavailable; retrying at %s.\n", snap.RetryAt.Format("15:04:05"))
		}
	case aistate.PhasePaused:
		t.printf("Paused. /resume to continue.\n")
	}
}

func (t *terminal) printMessage(msg store.Message) {
	switch msg.Sender {
	case store.SenderAI:
		ai := msg.Payload.AI
		if ai == nil {
			if msg.Payload.Raw != "" {
				t.printf("assistant: %s\n", msg.Payload.Raw)
			}
			return
		}
		if ai.PreText != "" {
			t.printf("assistant: %s\n", ai.PreText)
		}
		for _, c := range ai.DataCommands {
			t.printf("  reading: %s\n", describeCommand(c))
		}
		if ai.PostText != "" {
			t.printf("assistant: %s\n", ai.PostText)
		}
	case store.SenderSystem:
		if sys := msg.Payload.System; sys != nil {
			t.printf("[%s] %s\n", strings.ToLower(string(sys.Type)), sys.Summary)
		}
	}
}

func (t *terminal) printStatus(snap orchestrator.Snapshot) {
	if snap.SessionID == "" {
		t.printf("No active session.\n")
	} else {
		t.printf("Session %s (%s): %s, %d roundtrips\n",
			snap.SessionID, strings.ToLower(string(snap.SessionType)), snap.Phase, snap.Roundtrips)
	}
	for _, q := range snap.Queue {
		t.printf("  queued #%d: %s (%s)\n", q.Position, q.SessionID, strings.ToLower(string(q.Type)))
	}
}

func (t *terminal) report(err error) {
	if err != nil {
		t.printf("Error: %v\n", err)
	}
}

func (t *terminal) printf(format string, args ...any) {
	t.outMu.Lock()
	defer t.outMu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}

func describeCommand(c aistate.Command) string {
	if len(c.Params) == 0 {
		return c.Type
	}
	parts := make([]string, 0, len(c.Params))
	for k, v := range c.Params {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	sort.Strings(parts)
	return c.Type + " " + strings.Join(parts, " ")
}
