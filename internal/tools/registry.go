package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/heyfun/internal/observability"
	"github.com/haasonsaas/heyfun/internal/workflow"
)

// Tool parameter limits to prevent resource exhaustion.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool arguments JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

// Registry maps tool names to tools and executes calls under the execution
// contract. Registration is idempotent by name; the last registration wins.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string

	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the registry metrics.
func WithMetrics(m *observability.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithTracer sets the registry tracer.
func WithTracer(t *observability.Tracer) RegistryOption {
	return func(r *Registry) { r.tracer = t }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:  make(map[string]Tool),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "tools")
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(tool Tool) error {
	desc := tool.Descriptor()
	if desc.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if len(desc.Name) > MaxToolNameLength {
		return fmt.Errorf("tool name exceeds %d characters", MaxToolNameLength)
	}
	switch tool.(type) {
	case ServerTool, ClientTool:
	default:
		return fmt.Errorf("tool %q implements neither ServerTool nor ClientTool", desc.Name)
	}
	if len(desc.Parameters) > 0 {
		if _, err := compileSchema(desc.Name, desc.Parameters); err != nil {
			return fmt.Errorf("tool %q has an invalid schema: %w", desc.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[desc.Name]; exists {
		r.logger.Warn("tool re-registered, replacing previous definition", "tool", desc.Name)
	} else {
		r.order = append(r.order, desc.Name)
	}
	r.tools[desc.Name] = tool
	return nil
}

// MustRegister is Register that panics on error. Used for built-ins.
func (r *Registry) MustRegister(tools ...Tool) {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all descriptors in registration order.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].Descriptor())
	}
	return out
}

// Defaults returns declarations for every non-attachable tool.
func (r *Registry) Defaults() []Declaration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Declaration
	for _, name := range r.order {
		desc := r.tools[name].Descriptor()
		if desc.Attachable {
			continue
		}
		out = append(out, declaration(desc))
	}
	return out
}

// Declarations returns declarations for the named tools, skipping unknown names.
func (r *Registry) Declarations(names ...string) []Declaration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Declaration, 0, len(names))
	for _, name := range names {
		if t, ok := r.tools[name]; ok {
			out = append(out, declaration(t.Descriptor()))
		}
	}
	return out
}

// Attachable returns the sorted names of tools sessions may attach.
func (r *Registry) Attachable() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for name, t := range r.tools {
		if t.Descriptor().Attachable {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func declaration(desc Descriptor) Declaration {
	params := desc.Parameters
	if len(params) == 0 {
		params = emptyObjectSchema
	}
	return Declaration{Name: desc.Name, Description: desc.Description, Parameters: params}
}

// ExecRequest is one tool call.
type ExecRequest struct {
	Name      string
	CallID    string
	Arguments json.RawMessage
	Context   *ExecContext
}

// Execute runs a tool call. It never returns a Go error: every failure is a
// Result with a classified ToolError.
func (r *Registry) Execute(ctx context.Context, req ExecRequest) *Result {
	start := time.Now()
	ec := req.Context
	if ec == nil {
		ec = &ExecContext{}
	}
	if ec.CallID == "" {
		ec.CallID = req.CallID
	}

	ctx = observability.WithToolCallID(ctx, ec.CallID)
	ctx, span := r.tracer.TraceTool(ctx, req.Name, ec.CallID)
	defer span.End()

	result := r.execute(ctx, req.Name, req.Arguments, ec)

	outcome := "success"
	if !result.Success && result.Error != nil {
		outcome = string(result.Error.Kind)
		observability.RecordError(span, result.Error)
		r.logger.WarnContext(ctx, "tool call failed",
			"tool", req.Name,
			"kind", result.Error.Kind,
			"error", result.Error.Message,
		)
	}
	r.metrics.RecordTool(req.Name, outcome, time.Since(start))
	return result
}

func (r *Registry) execute(ctx context.Context, name string, args json.RawMessage, ec *ExecContext) *Result {
	if len(name) > MaxToolNameLength {
		return NotFound(name[:MaxToolNameLength])
	}
	tool, ok := r.Get(name)
	if !ok {
		return NotFound(name)
	}
	desc := tool.Descriptor()

	if desc.RequiresOrganization && ec.OrganizationID == "" {
		return Unauthorized("an organization scope is required to call " + name)
	}

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if len(args) > MaxToolParamsSize {
		return InvalidArguments(fmt.Sprintf("arguments exceed maximum size of %d bytes", MaxToolParamsSize))
	}
	violations, err := validateArguments(name, desc.Parameters, args)
	if err != nil {
		return ExecutionFailed(err.Error())
	}
	if len(violations) > 0 {
		return InvalidArguments(violations...)
	}

	switch t := tool.(type) {
	case ClientTool:
		return r.prepareClient(ctx, t, ec, args)
	case ServerTool:
		return r.executeServer(ctx, t, ec, args)
	default:
		return ExecutionFailed("tool has no executor")
	}
}

func (r *Registry) prepareClient(ctx context.Context, t ClientTool, ec *ExecContext, args json.RawMessage) (res *Result) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.ErrorContext(ctx, "client tool panicked", "tool", t.Descriptor().Name, "panic", p, "stack", string(debug.Stack()))
			res = ExecutionFailed(fmt.Sprintf("tool panicked: %v", p))
		}
	}()
	action, err := t.PrepareClientAction(ctx, ec, args)
	if err != nil {
		return ExecutionFailed(err.Error())
	}
	return &Result{Success: true, ClientAction: action, Data: map[string]any{"pending_client": true}}
}

func (r *Registry) executeServer(ctx context.Context, t ServerTool, ec *ExecContext, args json.RawMessage) *Result {
	run := func(ctx context.Context) (*Result, error) {
		res, err := r.invoke(ctx, t, ec, args)
		if err != nil {
			if workflow.IsUpstream(err) {
				return nil, err
			}
			return ExecutionFailed(err.Error()), nil
		}
		return res, nil
	}

	if ec.Steps == nil || ec.CallID == "" {
		res, err := run(ctx)
		if err != nil {
			return ExecutionFailed(err.Error())
		}
		return res
	}

	res, err := workflow.Step(ctx, ec.Steps, ec.StepKey(), run)
	if err != nil {
		return ExecutionFailed(err.Error())
	}
	if res == nil {
		return ExecutionFailed("tool returned no result")
	}
	return res
}

func (r *Registry) invoke(ctx context.Context, t ServerTool, ec *ExecContext, args json.RawMessage) (res *Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.ErrorContext(ctx, "tool panicked", "tool", t.Descriptor().Name, "panic", p, "stack", string(debug.Stack()))
			res, err = ExecutionFailed(fmt.Sprintf("tool panicked: %v", p)), nil
		}
	}()
	res, err = t.Execute(ctx, ec, args)
	if err == nil && res == nil {
		res = OK(nil)
	}
	return res, err
}
