// Package workflow provides durable, resumable steps: completed step results
// are journaled and replayed, waits survive restarts, and triggers are
// dispatched under per-key flow control.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/heyfun/internal/observability"
	"github.com/haasonsaas/heyfun/internal/retry"
)

// Steps is the durable execution surface handed to tools and workflows.
type Steps interface {
	// Do runs fn at most once per key for the run. A recorded result is
	// returned without running fn again.
	Do(ctx context.Context, key string, fn func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, error)

	// WaitForEvent blocks until event is delivered, the timeout elapses, or
	// ctx is done. The received payload is recorded under key.
	WaitForEvent(ctx context.Context, key, event string, timeout time.Duration) (json.RawMessage, error)
}

// Step runs fn as a durable step and decodes its recorded result into T.
func Step[T any](ctx context.Context, steps Steps, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	raw, err := steps.Do(ctx, key, func(ctx context.Context) (json.RawMessage, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode step %s: %w", key, err)
	}
	return out, nil
}

// Options configures an Engine.
type Options struct {
	// Policy governs retries of steps failing with an UpstreamError.
	Policy  retry.Policy
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Engine creates durable runs over a Journal and delivers events to waiters.
type Engine struct {
	journal Journal
	policy  retry.Policy
	logger  *slog.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	waiters map[string][]chan json.RawMessage
}

// NewEngine creates an engine. A nil journal keeps state in memory.
func NewEngine(journal Journal, opts Options) *Engine {
	if journal == nil {
		journal = NewMemoryJournal()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = retry.DefaultPolicy()
	}
	opts.Policy.Retryable = IsUpstream
	return &Engine{
		journal: journal,
		policy:  opts.Policy,
		logger:  opts.Logger.With("component", "workflow"),
		metrics: opts.Metrics,
		waiters: make(map[string][]chan json.RawMessage),
	}
}

// Run returns the durable step surface for runID. Runs with the same ID
// share their journal entries.
func (e *Engine) Run(runID string) *Run {
	return &Run{engine: e, id: runID}
}

// Notify records an event and wakes every waiter.
func (e *Engine) Notify(ctx context.Context, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event, err)
	}
	if err := e.journal.SaveEvent(ctx, event, raw); err != nil {
		return err
	}

	e.mu.Lock()
	waiters := e.waiters[event]
	delete(e.waiters, event)
	e.mu.Unlock()

	for _, ch := range waiters {
		select {
		case ch <- raw:
		default:
		}
	}
	e.logger.Debug("event delivered", "event", event, "waiters", len(waiters))
	return nil
}

func (e *Engine) subscribe(event string) chan json.RawMessage {
	ch := make(chan json.RawMessage, 1)
	e.mu.Lock()
	e.waiters[event] = append(e.waiters[event], ch)
	e.mu.Unlock()
	return ch
}

func (e *Engine) unsubscribe(event string, ch chan json.RawMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.waiters[event]
	for i, c := range list {
		if c == ch {
			e.waiters[event] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(e.waiters[event]) == 0 {
		delete(e.waiters, event)
	}
}

// Run is one durable workflow execution.
type Run struct {
	engine *Engine
	id     string
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// Do implements Steps.
func (r *Run) Do(ctx context.Context, key string, fn func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	e := r.engine
	if rec, ok, err := e.journal.LoadStep(ctx, r.id, key); err != nil {
		return nil, err
	} else if ok {
		e.metrics.RecordStep("replayed")
		e.logger.Debug("step replayed", "run_id", r.id, "step", key)
		return rec.Output, nil
	}

	output, err := retry.DoValue(ctx, e.policy, func(ctx context.Context, attempt int) (json.RawMessage, error) {
		out, err := fn(ctx)
		if err != nil && IsUpstream(err) {
			e.logger.Warn("step attempt failed",
				"run_id", r.id,
				"step", key,
				"attempt", attempt,
				"error", err,
			)
		}
		return out, err
	})
	if err != nil {
		e.metrics.RecordStep("failed")
		return nil, fmt.Errorf("step %s: %w", key, err)
	}
	if len(output) == 0 {
		output = json.RawMessage("null")
	}

	if err := e.journal.SaveStep(ctx, &Record{RunID: r.id, Key: key, Output: output, CompletedAt: time.Now().UTC()}); err != nil {
		return nil, err
	}
	// Another executor may have recorded first; the journal keeps the first write.
	if rec, ok, err := e.journal.LoadStep(ctx, r.id, key); err == nil && ok {
		output = rec.Output
	}
	e.metrics.RecordStep("executed")
	return output, nil
}

// WaitForEvent implements Steps.
func (r *Run) WaitForEvent(ctx context.Context, key, event string, timeout time.Duration) (json.RawMessage, error) {
	e := r.engine
	if rec, ok, err := e.journal.LoadStep(ctx, r.id, key); err != nil {
		return nil, err
	} else if ok {
		e.metrics.RecordStep("replayed")
		return rec.Output, nil
	}

	ch := e.subscribe(event)
	defer e.unsubscribe(event, ch)

	payload, ok, err := e.journal.LoadEvent(ctx, event)
	if err != nil {
		return nil, err
	}
	if !ok {
		var timer <-chan time.Time
		if timeout > 0 {
			t := time.NewTimer(timeout)
			defer t.Stop()
			timer = t.C
		}
		select {
		case payload = <-ch:
		case <-timer:
			e.logger.Warn("wait timed out", "run_id", r.id, "step", key, "event", event, "timeout", timeout)
			return nil, fmt.Errorf("%w: %s", ErrWaitTimeout, event)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err := e.journal.SaveStep(ctx, &Record{RunID: r.id, Key: key, Output: payload, CompletedAt: time.Now().UTC()}); err != nil {
		return nil, err
	}
	e.metrics.RecordStep("executed")
	return payload, nil
}
