package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/badibam/assistant-sub007/internal/observability"
	"github.com/badibam/assistant-sub007/internal/tracing"
	"github.com/badibam/assistant-sub007/pkg/aistate"
)

// Kind says why a batch of commands runs.
type Kind string

const (
	KindEnrichment Kind = "enrichment"
	KindDataQuery  Kind = "data_query"
	KindAction     Kind = "action"
)

const (
	defaultTimeout = 30 * time.Second
	maxOutputSize  = 10 * 1024
)

// Parameter defines a parameter for a command
type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
	// Items is the JSON type of array elements when Type is "array".
	Items string `json:"items,omitempty"`
}

// Handler is the function signature for command execution
type Handler func(ctx context.Context, params map[string]any) (any, error)

// Definition describes one command type.
type Definition struct {
	Type        string      `json:"type"`
	Description string      `json:"description"`
	ReadOnly    bool        `json:"read_only"`
	Parameters  []Parameter `json:"parameters"`
	Handler     Handler     `json:"-"`
}

// CommandResult is the outcome of one command.
type CommandResult struct {
	Type     string        `json:"type"`
	Success  bool          `json:"success"`
	Output   any           `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"-"`
}

// Result is the outcome of a batch.
type Result struct {
	PerCommand      []CommandResult
	AllSuccess      bool
	FormattedOutput string
}

// Executor runs registered commands.
type Executor struct {
	mu      sync.RWMutex
	defs    map[string]*Definition
	schemas map[string]*gojsonschema.Schema
	timeout time.Duration
	logger  zerolog.Logger
}

// NewExecutor creates an executor with no commands.
func NewExecutor(logger zerolog.Logger) *Executor {
	return &Executor{
		defs:    make(map[string]*Definition),
		schemas: make(map[string]*gojsonschema.Schema),
		timeout: defaultTimeout,
		logger:  logger.With().Str("component", "command-executor").Logger(),
	}
}

// SetTimeout changes the per-command timeout.
func (e *Executor) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	e.mu.Lock()
	e.timeout = d
	e.mu.Unlock()
}

// Register adds a command definition.
func (e *Executor) Register(def Definition) error {
	if def.Type == "" {
		return fmt.Errorf("command type cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("command %q: handler cannot be nil", def.Type)
	}
	schema, err := generateSchema(def)
	if err != nil {
		return fmt.Errorf("command %q: failed to build parameter schema: %w", def.Type, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.defs[def.Type]; exists {
		return fmt.Errorf("command %q already registered", def.Type)
	}
	e.defs[def.Type] = &def
	e.schemas[def.Type] = schema
	return nil
}

// Types returns the registered command types, sorted.
func (e *Executor) Types() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	types := make([]string, 0, len(e.defs))
	for t := range e.defs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Definitions returns copies of the registered definitions, sorted by type.
func (e *Executor) Definitions() []Definition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	defs := make([]Definition, 0, len(e.defs))
	for _, d := range e.defs {
		defs = append(defs, *d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Type < defs[j].Type })
	return defs
}

// Execute runs commands in order. Individual failures are reported in the
// result; the returned error is non-nil only when ctx ends the batch early.
func (e *Executor) Execute(ctx context.Context, cmds []aistate.Command, kind Kind) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "assistant.commands", "commands.execute")
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, e.logger)
	res := Result{AllSuccess: true, PerCommand: make([]CommandResult, 0, len(cmds))}

	for _, cmd := range cmds {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		cr := e.executeOne(ctx, cmd, kind)
		if !cr.Success {
			res.AllSuccess = false
			logger.Warn().Str("command", cmd.Type).Str("kind", string(kind)).Str("error", cr.Error).Msg("Command failed")
		}
		observability.RecordCommandExecution(cmd.Type, cr.Duration, cr.Success)
		if kind == KindAction {
			observability.Audit().ActionExecuted(ctx, observability.ActionRun{
				SessionID: tracing.GetSessionID(ctx),
				Command:   cmd.Type,
				Params:    cmd.Params,
				Success:   cr.Success,
				Error:     cr.Error,
				Duration:  cr.Duration,
			})
		}
		res.PerCommand = append(res.PerCommand, cr)
	}

	res.FormattedOutput = format(res.PerCommand)
	return res, nil
}

func (e *Executor) executeOne(ctx context.Context, cmd aistate.Command, kind Kind) CommandResult {
	start := time.Now()
	result := CommandResult{Type: cmd.Type}

	e.mu.RLock()
	def := e.defs[cmd.Type]
	schema := e.schemas[cmd.Type]
	timeout := e.timeout
	e.mu.RUnlock()

	if def == nil {
		result.Error = fmt.Sprintf("unknown command: %s", cmd.Type)
		return result
	}
	if kind != KindAction && !def.ReadOnly {
		result.Error = fmt.Sprintf("command %s modifies data and cannot run as %s", cmd.Type, kind)
		return result
	}

	params := cmd.Params
	if params == nil {
		params = map[string]any{}
	}
	if err := validateParameters(schema, params); err != nil {
		result.Error = fmt.Sprintf("parameter validation failed: %v", err)
		return result
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		out any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("command panicked: %v", r)}
			}
		}()
		out, err := def.Handler(timeoutCtx, params)
		done <- outcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		result.Duration = time.Since(start)
		if o.err != nil {
			result.Error = o.err.Error()
			return result
		}
		result.Success = true
		result.Output = truncate(o.out)
	case <-timeoutCtx.Done():
		result.Duration = time.Since(start)
		if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			result.Error = fmt.Sprintf("command timed out after %v", timeout)
		} else {
			result.Error = "command cancelled"
		}
	}
	return result
}

func generateSchema(def Definition) (*gojsonschema.Schema, error) {
	properties := make(map[string]interface{})
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Type == "array" && param.Items != "" {
			paramSchema["items"] = map[string]interface{}{"type": param.Items}
		}
		properties[param.Name] = paramSchema
		if param.Required {
			required = append(required, param.Name)
		}
	}

	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schemaMap["required"] = required
	}

	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
}

func validateParameters(schema *gojsonschema.Schema, params map[string]any) error {
	if schema == nil {
		return nil
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}
	if !result.Valid() {
		msgs := []string{}
		for _, err := range result.Errors() {
			msgs = append(msgs, err.String())
		}
		return fmt.Errorf("%v", msgs)
	}
	return nil
}

func truncate(output any) any {
	data, err := json.Marshal(output)
	if err != nil || len(data) <= maxOutputSize {
		return output
	}
	return string(data[:maxOutputSize]) + "\n... [output truncated]"
}

func format(results []CommandResult) string {
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Sprintf("%d command results (unformattable: %v)", len(results), err)
	}
	return string(data)
}
