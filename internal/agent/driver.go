package agent

import (
	"context"
	"iter"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/heyfun/internal/observability"
	"github.com/haasonsaas/heyfun/pkg/models"
)

// SystemSeparator joins the base system prompt and the dynamic prompt.
const SystemSeparator = "\n\n---\n\n"

// DriverConfig configures a Driver.
type DriverConfig struct {
	Provider   ChatProvider
	BasePrompt string
	Logger     *slog.Logger
	Metrics    *observability.Metrics
	Tracer     *observability.Tracer
}

// Driver runs one model turn and turns the provider stream into typed events.
// It holds no per-turn state and is safe for concurrent use.
type Driver struct {
	provider   ChatProvider
	basePrompt string
	logger     *slog.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer
}

// NewDriver creates a driver over provider.
func NewDriver(cfg DriverConfig) (*Driver, error) {
	if cfg.Provider == nil {
		return nil, ErrNoProvider
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		provider:   cfg.Provider,
		basePrompt: cfg.BasePrompt,
		logger:     logger.With("component", "driver", "provider", cfg.Provider.Name()),
		metrics:    cfg.Metrics,
		tracer:     cfg.Tracer,
	}, nil
}

// TurnRequest is the input of one turn.
type TurnRequest struct {
	Model    string
	Messages []models.Message

	// Tools are the agent's built-in tools. DynamicTools are those attached
	// during the session; built-ins win on name clashes.
	Tools         []ToolDeclaration
	DynamicTools  []ToolDeclaration
	DynamicPrompt string
	MaxTokens     int
}

// ChatStream validates req and returns an iterator over the turn's events.
// Content events stream as they arrive; tool_call events follow in index
// order once the provider signals completion; a single token_usage event
// closes the turn when usage was reported. Breaking out of the loop cancels
// the provider request.
func (d *Driver) ChatStream(ctx context.Context, req *TurnRequest) (iter.Seq2[*Event, error], error) {
	if req == nil || !hasConversation(req.Messages) {
		return nil, ErrEmptyConversation
	}
	chatReq := d.buildRequest(req)

	return func(yield func(*Event, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		ctx, span := d.tracer.TraceTurn(ctx, d.provider.Name(), chatReq.Model)
		defer span.End()

		var (
			start   = time.Now()
			usage   models.TokenUsage
			turnErr error
		)
		defer func() {
			observability.RecordError(span, turnErr)
			d.metrics.RecordTurn(d.provider.Name(), chatReq.Model, turnErr, time.Since(start), usage.PromptTokens, usage.CompletionTokens)
		}()

		deltas, err := d.provider.StreamCompletion(ctx, chatReq)
		if err != nil {
			turnErr = err
			yield(nil, err)
			return
		}

		calls := newCallAccumulator()
		sawUsage := false
		flush := func() bool {
			for _, call := range calls.flush() {
				if !yield(&Event{Type: EventToolCall, ToolCall: call}, nil) {
					return false
				}
			}
			return true
		}

		for delta := range deltas {
			if delta == nil {
				continue
			}
			if delta.Err != nil {
				turnErr = delta.Err
				d.logger.WarnContext(ctx, "completion stream failed", "model", chatReq.Model, "error", delta.Err)
				yield(nil, delta.Err)
				return
			}
			if delta.Content != "" {
				if !yield(&Event{Type: EventContent, Content: delta.Content}, nil) {
					return
				}
			}
			calls.add(delta.ToolCalls)
			if delta.Usage != nil {
				usage.Add(*delta.Usage)
				sawUsage = true
			}
			if delta.FinishReason != "" && !flush() {
				return
			}
		}
		if err := ctx.Err(); err != nil {
			turnErr = err
			yield(nil, err)
			return
		}
		if !flush() {
			return
		}
		if sawUsage {
			if usage.TotalTokens == 0 {
				usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			}
			final := usage
			yield(&Event{Type: EventTokenUsage, Usage: &final}, nil)
		}
	}, nil
}

func (d *Driver) buildRequest(req *TurnRequest) *ChatRequest {
	messages := make([]models.Message, 0, len(req.Messages)+1)
	if system := composeSystemPrompt(d.basePrompt, req.DynamicPrompt); system != "" {
		messages = append(messages, models.Message{Role: models.RoleSystem, Content: system})
	}
	messages = append(messages, req.Messages...)

	chatReq := &ChatRequest{
		Model:     req.Model,
		Messages:  messages,
		Tools:     mergeTools(req.Tools, req.DynamicTools),
		MaxTokens: req.MaxTokens,
	}
	if len(chatReq.Tools) > 0 {
		chatReq.ToolChoice = ToolChoiceAuto
	}
	return chatReq
}

func composeSystemPrompt(base, dynamic string) string {
	base = strings.TrimSpace(base)
	dynamic = strings.TrimSpace(dynamic)
	switch {
	case dynamic == "":
		return base
	case base == "":
		return dynamic
	default:
		return base + SystemSeparator + dynamic
	}
}

func hasConversation(msgs []models.Message) bool {
	for _, m := range msgs {
		if m.Role != models.RoleSystem && m.HasContent() {
			return true
		}
	}
	return false
}

// mergeTools concatenates built-in and dynamic declarations, first name wins.
func mergeTools(builtin, dynamic []ToolDeclaration) []ToolDeclaration {
	if len(builtin)+len(dynamic) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(builtin)+len(dynamic))
	out := make([]ToolDeclaration, 0, len(builtin)+len(dynamic))
	for _, list := range [][]ToolDeclaration{builtin, dynamic} {
		for _, decl := range list {
			if _, dup := seen[decl.Name]; dup {
				continue
			}
			seen[decl.Name] = struct{}{}
			out = append(out, decl)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

type partialCall struct {
	id   string
	name strings.Builder
	args strings.Builder
}

// callAccumulator assembles tool-call fragments by stream index.
type callAccumulator struct {
	calls map[int]*partialCall
}

func newCallAccumulator() *callAccumulator {
	return &callAccumulator{calls: make(map[int]*partialCall)}
}

func (a *callAccumulator) add(deltas []ToolCallDelta) {
	for _, d := range deltas {
		p := a.calls[d.Index]
		if p == nil {
			p = &partialCall{}
			a.calls[d.Index] = p
		}
		if d.ID != "" {
			p.id = d.ID
		}
		p.name.WriteString(d.Name)
		p.args.WriteString(d.Arguments)
	}
}

// flush returns the completed calls in index order and resets the
// accumulator. Calls with neither an ID nor a name are dropped.
func (a *callAccumulator) flush() []*models.ToolCall {
	if len(a.calls) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(a.calls))
	for i := range a.calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	out := make([]*models.ToolCall, 0, len(indexes))
	for _, i := range indexes {
		p := a.calls[i]
		name := strings.TrimSpace(p.name.String())
		if p.id == "" && name == "" {
			continue
		}
		id := p.id
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		args := strings.TrimSpace(p.args.String())
		if args == "" {
			args = "{}"
		}
		out = append(out, &models.ToolCall{ID: id, Name: name, Arguments: []byte(args)})
	}
	a.calls = make(map[int]*partialCall)
	return out
}
