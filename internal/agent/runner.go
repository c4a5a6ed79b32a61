package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/heyfun/internal/observability"
	"github.com/haasonsaas/heyfun/internal/session"
	"github.com/haasonsaas/heyfun/internal/tools"
	"github.com/haasonsaas/heyfun/internal/triggers"
	"github.com/haasonsaas/heyfun/internal/workflow"
	"github.com/haasonsaas/heyfun/pkg/models"
)

const (
	DefaultMaxSteps       = 20
	DefaultMaxObservation = 10000

	// MetadataToolCall and MetadataToolResult expose the current call to
	// pre_tool_call and post_tool_call micro-agents.
	MetadataToolCall   = "tool_call"
	MetadataToolResult = "tool_result"
)

// StopReason says why a run ended.
type StopReason string

const (
	StopFinalAnswer  StopReason = "final_answer"
	StopTerminated   StopReason = "terminated"
	StopClientAction StopReason = "client_action"
	StopMaxSteps     StopReason = "max_steps"
)

// RunnerConfig wires a Runner.
type RunnerConfig struct {
	Driver   *Driver
	Tools    *tools.Registry
	Triggers *triggers.Scheduler
	Sessions *session.Manager

	// Engine journals tool steps. Nil runs tools without durability.
	Engine     *workflow.Engine
	Capability session.Completer
	Model      session.ModelConfig

	MaxSteps       int
	MaxObservation int
	Logger         *slog.Logger
}

// Runner drives a session: trigger points, model turns, and sequential tool
// calls, until the model answers, a tool terminates the session, or the step
// budget runs out.
type Runner struct {
	driver         *Driver
	tools          *tools.Registry
	triggers       *triggers.Scheduler
	sessions       *session.Manager
	engine         *workflow.Engine
	capability     session.Completer
	model          session.ModelConfig
	maxSteps       int
	maxObservation int
	logger         *slog.Logger
}

// NewRunner validates cfg and applies defaults.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Driver == nil {
		return nil, errors.New("agent: runner requires a driver")
	}
	if cfg.Tools == nil {
		return nil, errors.New("agent: runner requires a tool registry")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Sessions == nil {
		cfg.Sessions = session.NewManager(logger)
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.MaxObservation <= 0 {
		cfg.MaxObservation = DefaultMaxObservation
	}
	return &Runner{
		driver:         cfg.Driver,
		tools:          cfg.Tools,
		triggers:       cfg.Triggers,
		sessions:       cfg.Sessions,
		engine:         cfg.Engine,
		capability:     cfg.Capability,
		model:          cfg.Model,
		maxSteps:       cfg.MaxSteps,
		maxObservation: cfg.MaxObservation,
		logger:         logger.With("component", "runner"),
	}, nil
}

// RunRequest starts or resumes a run. Reusing a RunID replays journaled tool
// steps instead of executing them again.
type RunRequest struct {
	RunID          string
	SessionID      string
	OrganizationID string
	Messages       []models.Message
	Sink           EventSink
}

// RunResult is the outcome of a run.
type RunResult struct {
	RunID    string           `json:"run_id"`
	Messages []models.Message `json:"messages"`

	// Content is the final answer, the completion summary, or the step-limit note.
	Content       string                `json:"content"`
	Steps         int                   `json:"steps"`
	Usage         models.TokenUsage     `json:"usage"`
	Stop          StopReason            `json:"stop_reason"`
	ClientActions []*tools.ClientAction `json:"client_actions,omitempty"`
}

// Run drives the session to a stop. The session state is closed when Run
// returns. A second Run on a session that is still running fails with
// session.ErrSessionBusy.
func (r *Runner) Run(ctx context.Context, req *RunRequest) (*RunResult, error) {
	if req == nil {
		return nil, ErrEmptyConversation
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	runID := req.RunID
	if runID == "" {
		runID = sessionID
	}
	var sink EventSink = nopSink{}
	if req.Sink != nil {
		sink = req.Sink
	}

	ctx = observability.WithSessionID(ctx, sessionID)
	ctx = observability.WithOrganizationID(ctx, req.OrganizationID)
	ctx = observability.WithRunID(ctx, runID)

	state, err := r.sessions.Open(sessionID)
	if err != nil {
		return nil, err
	}
	defer r.sessions.Close(sessionID)

	turn := session.NewTurn(sessionID, req.OrganizationID, state, req.Messages)
	turn.Model = r.model
	turn.Capability = r.capability

	var steps workflow.Steps
	if r.engine != nil {
		steps = r.engine.Run(runID)
	}

	start := time.Now()
	result := &RunResult{RunID: runID}
	r.dispatch(ctx, triggers.Initialization, turn, 0, sink)

	for step := 1; step <= r.maxSteps && result.Stop == ""; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result.Steps = step
		r.dispatch(ctx, triggers.PreIteration, turn, step, sink)
		for _, hint := range state.DrainHints() {
			turn.Append(models.Message{Role: models.RoleSystem, Content: hint, CreatedAt: time.Now()})
		}

		msg, usage, err := r.turn(ctx, turn, step, sink)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", step, err)
		}
		result.Usage.Add(usage)
		turn.Append(msg)

		if len(msg.ToolCalls) == 0 {
			r.dispatch(ctx, triggers.PreFinalAnswer, turn, step, sink)
			result.Content = msg.Content
			result.Stop = StopFinalAnswer
			break
		}

		for i, call := range msg.ToolCalls {
			if state.Completed() {
				r.skipCalls(turn, msg.ToolCalls[i:], "Skipped: the session was already completed.")
				break
			}
			if len(result.ClientActions) > 0 {
				r.skipCalls(turn, msg.ToolCalls[i:], "Skipped: waiting for the user to respond to a client action.")
				break
			}
			res := r.callTool(ctx, turn, call, steps, step, sink)
			if res.ClientAction != nil {
				result.ClientActions = append(result.ClientActions, res.ClientAction)
			}
		}
		r.dispatch(ctx, triggers.PostIteration, turn, step, sink)

		switch {
		case state.Completed():
			result.Content = state.CompletionSummary()
			result.Stop = StopTerminated
		case len(result.ClientActions) > 0:
			result.Stop = StopClientAction
		}
	}

	if result.Stop == "" {
		note := fmt.Sprintf("Stopped after %d steps without a final answer.", r.maxSteps)
		turn.Append(models.Message{Role: models.RoleAssistant, Content: note, CreatedAt: time.Now()})
		result.Content = note
		result.Stop = StopMaxSteps
		r.logger.WarnContext(ctx, "run hit step limit", "max_steps", r.maxSteps)
	}
	result.Messages = turn.Messages()

	r.logger.InfoContext(ctx, "run finished",
		"stop_reason", result.Stop,
		"steps", result.Steps,
		"total_tokens", result.Usage.TotalTokens,
		"duration", time.Since(start),
	)
	usage := result.Usage
	sink.Emit(ctx, RunEvent{Type: RunEventDone, Step: result.Steps, Stop: result.Stop, Usage: &usage})
	return result, nil
}

func (r *Runner) turn(ctx context.Context, turn *session.Turn, step int, sink EventSink) (models.Message, models.TokenUsage, error) {
	var usage models.TokenUsage
	state := turn.State
	seq, err := r.driver.ChatStream(ctx, &TurnRequest{
		Model:         r.model.Model,
		Messages:      turn.Messages(),
		Tools:         toDeclarations(r.tools.Defaults()),
		DynamicTools:  toDeclarations(r.tools.Declarations(state.AttachedTools()...)),
		DynamicPrompt: state.DynamicPrompt(),
		MaxTokens:     r.model.MaxTokens,
	})
	if err != nil {
		return models.Message{}, usage, err
	}

	msg := models.Message{ID: uuid.NewString(), Role: models.RoleAssistant, CreatedAt: time.Now()}
	var content []byte
	for ev, err := range seq {
		if err != nil {
			return models.Message{}, usage, err
		}
		switch ev.Type {
		case EventContent:
			content = append(content, ev.Content...)
		case EventToolCall:
			msg.ToolCalls = append(msg.ToolCalls, *ev.ToolCall)
		case EventTokenUsage:
			usage = *ev.Usage
		}
		sink.Emit(ctx, RunEvent{Type: RunEventTurn, Step: step, Event: ev})
	}
	msg.Content = string(content)
	return msg, usage, nil
}

func (r *Runner) callTool(ctx context.Context, turn *session.Turn, call models.ToolCall, steps workflow.Steps, step int, sink EventSink) *tools.Result {
	turn.SetMetadata(MetadataToolCall, &call)
	r.dispatch(ctx, triggers.PreToolCall, turn, step, sink)

	res := r.tools.Execute(ctx, tools.ExecRequest{
		Name:      call.Name,
		CallID:    call.ID,
		Arguments: call.Arguments,
		Context: &tools.ExecContext{
			CallID:         call.ID,
			SessionID:      turn.SessionID,
			OrganizationID: turn.OrganizationID,
			Turn:           turn,
			Steps:          steps,
		},
	})
	// Replayed steps skip the executor, so their effects are restored here.
	res.Apply(turn.State)
	turn.Append(models.Message{
		Role:       models.RoleTool,
		Name:       call.Name,
		ToolCallID: call.ID,
		Content:    res.Content(r.maxObservation),
		CreatedAt:  time.Now(),
	})
	turn.SetMetadata(MetadataToolResult, res)
	sink.Emit(ctx, RunEvent{Type: RunEventToolResult, Step: step, ToolCall: &call, Result: res})

	r.dispatch(ctx, triggers.PostToolCall, turn, step, sink)
	return res
}

// skipCalls answers calls left over after the run reached a stop so the
// transcript stays well-formed for providers that require a result per call.
func (r *Runner) skipCalls(turn *session.Turn, calls []models.ToolCall, note string) {
	for _, call := range calls {
		turn.Append(models.Message{
			Role:       models.RoleTool,
			Name:       call.Name,
			ToolCallID: call.ID,
			Content:    note,
			CreatedAt:  time.Now(),
		})
	}
}

func (r *Runner) dispatch(ctx context.Context, p triggers.TriggerPoint, turn *session.Turn, step int, sink EventSink) {
	if r.triggers == nil {
		return
	}
	report := r.triggers.DispatchTrigger(ctx, p, turn)
	if report.Ran() {
		sink.Emit(ctx, RunEvent{Type: RunEventTrigger, Step: step, Report: report})
	}
}

func toDeclarations(decls []tools.Declaration) []ToolDeclaration {
	if len(decls) == 0 {
		return nil
	}
	out := make([]ToolDeclaration, len(decls))
	for i, d := range decls {
		out[i] = ToolDeclaration{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
	}
	return out
}
