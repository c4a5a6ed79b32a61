// Package triggers schedules micro-agents: small hooks that inspect and
// augment a turn at fixed points of the agent loop.
package triggers

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/heyfun/internal/session"
)

// TriggerPoint is a point in the turn lifecycle at which micro-agents run.
type TriggerPoint string

const (
	Initialization TriggerPoint = "initialization"
	PreIteration   TriggerPoint = "pre_iteration"
	PostIteration  TriggerPoint = "post_iteration"
	PreToolCall    TriggerPoint = "pre_tool_call"
	PostToolCall   TriggerPoint = "post_tool_call"
	PreFinalAnswer TriggerPoint = "pre_final_answer"
	OnDemand       TriggerPoint = "on_demand"
)

// AllTriggerPoints lists every trigger point in lifecycle order.
var AllTriggerPoints = []TriggerPoint{
	Initialization, PreIteration, PostIteration, PreToolCall, PostToolCall, PreFinalAnswer, OnDemand,
}

// Valid reports whether p is a known trigger point.
func (p TriggerPoint) Valid() bool {
	for _, known := range AllTriggerPoints {
		if p == known {
			return true
		}
	}
	return false
}

// ParseTriggerPoint parses a configured trigger point name.
func ParseTriggerPoint(s string) (TriggerPoint, error) {
	p := TriggerPoint(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown trigger point %q", s)
	}
	return p, nil
}

// Config is the registration descriptor of a micro-agent. Lower priority
// values run first.
type Config struct {
	ID       string         `json:"id" yaml:"id"`
	Name     string         `json:"name" yaml:"name"`
	Triggers []TriggerPoint `json:"triggers" yaml:"triggers"`
	Priority int            `json:"priority" yaml:"priority"`
	Enabled  bool           `json:"enabled" yaml:"enabled"`
}

// Result is the outcome of one micro-agent execution.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Succeeded returns a successful result.
func Succeeded(message string) *Result {
	return &Result{Success: true, Message: message}
}

// Failed returns an unsuccessful result.
func Failed(message string) *Result {
	return &Result{Success: false, Message: message}
}

// MicroAgent is a triggerable hook over a turn.
type MicroAgent interface {
	Config() Config
	Execute(ctx context.Context, turn *session.Turn) (*Result, error)
}

// Conditional micro-agents decide per dispatch whether to run. A false
// answer is a skip, not a failure.
type Conditional interface {
	ShouldExecute(ctx context.Context, turn *session.Turn) bool
}

// Stats are the execution counters of one micro-agent.
type Stats struct {
	Executions int64     `json:"executions"`
	Failures   int64     `json:"failures"`
	Skips      int64     `json:"skips"`
	LastRunAt  time.Time `json:"last_run_at,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

// DispatchReport lists what happened during one dispatch, in execution
// order.
type DispatchReport struct {
	Trigger  TriggerPoint      `json:"trigger"`
	Executed []string          `json:"executed,omitempty"`
	Skipped  []string          `json:"skipped,omitempty"`
	Failed   []string          `json:"failed,omitempty"`
	Errors   map[string]string `json:"errors,omitempty"`
	Duration time.Duration     `json:"duration"`
}

// Ran reports whether any micro-agent executed, successfully or not.
func (r *DispatchReport) Ran() bool {
	return r != nil && len(r.Executed)+len(r.Failed) > 0
}
