package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/haasonsaas/heyfun/internal/billing"
	"github.com/haasonsaas/heyfun/internal/observability"
	"github.com/haasonsaas/heyfun/internal/retry"
	"github.com/haasonsaas/heyfun/internal/workflow"
)

const (
	// DefaultPollInterval is the pause between provider polls.
	DefaultPollInterval = 3 * time.Second
	// DefaultTimeout bounds a reconciliation, measured from submission.
	DefaultTimeout = 5 * time.Minute
	// TriggerPath is the workflow endpoint that starts a reconciliation.
	TriggerPath = "/v1/workflows/generation"
)

// EventName is the workflow event announcing that a task reached a terminal
// state.
func EventName(taskID string) string {
	return "generation:" + taskID
}

// TaskEvent is the payload of a terminal task notification.
type TaskEvent struct {
	TaskID  string       `json:"task_id"`
	Status  Status       `json:"status"`
	Results []ResultItem `json:"results,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// TriggerBody is the body posted to TriggerPath.
type TriggerBody struct {
	TaskID string `json:"task_id"`
}

// Notifier delivers workflow events. workflow.Engine satisfies it.
type Notifier interface {
	Notify(ctx context.Context, event string, payload any) error
}

// ReconcilerConfig wires a Reconciler.
type ReconcilerConfig struct {
	Store      Store
	Provider   Provider
	Normalizer *Normalizer
	// Ledger is optional; without it completed tasks are not billed.
	Ledger   billing.Ledger
	Pricing  Pricing
	Notifier Notifier

	PollInterval time.Duration
	Timeout      time.Duration
	// SubmitPolicy retries submissions failing with an upstream error.
	SubmitPolicy retry.Policy

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Reconciler drives generation tasks to a terminal state.
type Reconciler struct {
	store      Store
	provider   Provider
	normalizer *Normalizer
	ledger     billing.Ledger
	pricing    Pricing
	notifier   Notifier

	pollInterval time.Duration
	timeout      time.Duration
	submitPolicy retry.Policy

	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	flight singleflight.Group
	now    func() time.Time
}

// NewReconciler validates cfg and returns a Reconciler.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, errors.New("generation: store is required")
	}
	if cfg.Provider == nil {
		return nil, errors.New("generation: provider is required")
	}
	if cfg.Normalizer == nil {
		return nil, errors.New("generation: normalizer is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.SubmitPolicy.MaxAttempts == 0 {
		cfg.SubmitPolicy = retry.DefaultPolicy()
	}
	cfg.SubmitPolicy.Retryable = workflow.IsUpstream
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reconciler{
		store:        cfg.Store,
		provider:     cfg.Provider,
		normalizer:   cfg.Normalizer,
		ledger:       cfg.Ledger,
		pricing:      cfg.Pricing,
		notifier:     cfg.Notifier,
		pollInterval: cfg.PollInterval,
		timeout:      cfg.Timeout,
		submitPolicy: cfg.SubmitPolicy,
		logger:       cfg.Logger.With("component", "generation"),
		metrics:      cfg.Metrics,
		tracer:       cfg.Tracer,
		now:          time.Now,
	}, nil
}

// Timeout is the configured reconciliation limit.
func (r *Reconciler) Timeout() time.Duration { return r.timeout }

// Reconcile drives taskID to a terminal state and returns the final task.
// Concurrent calls for the same task in this process share one loop.
//
// Failures inside the loop are recorded on the task as status failed and are
// not returned. A returned error means the task could not be loaded, or ctx
// ended before a terminal state; the task then stays resumable.
func (r *Reconciler) Reconcile(ctx context.Context, taskID string) (*Task, error) {
	v, err, _ := r.flight.Do(taskID, func() (any, error) {
		return r.reconcile(ctx, taskID)
	})
	if err != nil {
		return nil, err
	}
	return cloneTask(v.(*Task)), nil
}

func (r *Reconciler) reconcile(ctx context.Context, taskID string) (task *Task, err error) {
	task, err = r.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return task, nil
	}

	ctx = observability.WithOrganizationID(ctx, task.OrganizationID)
	ctx, span := r.tracer.TraceReconcile(ctx, task.ID, task.Model)
	defer span.End()
	logger := r.logger.With("task_id", task.ID, "model", task.Model)

	defer func() {
		if p := recover(); p != nil {
			logger.ErrorContext(ctx, "reconciliation panicked", "panic", p, "stack", string(debug.Stack()))
			task, err = r.fail(ctx, task, fmt.Sprintf("reconciliation panicked: %v", p)), nil
		}
		if err != nil {
			observability.RecordError(span, err)
		}
	}()

	if task.ExternalTaskID == "" {
		if err := r.submit(ctx, task); err != nil {
			if ctx.Err() != nil {
				return task, ctx.Err()
			}
			return r.fail(ctx, task, fmt.Sprintf("submit failed: %v", err)), nil
		}
		logger.InfoContext(ctx, "generation submitted", "external_id", task.ExternalTaskID)
	} else {
		logger.InfoContext(ctx, "resuming generation", "external_id", task.ExternalTaskID)
		if task.StartedAt.IsZero() {
			task.StartedAt = r.now().UTC()
			if err := r.store.Update(ctx, task); err != nil {
				return task, err
			}
		}
	}

	return r.poll(ctx, task, logger)
}

func (r *Reconciler) submit(ctx context.Context, task *Task) error {
	externalID, err := retry.DoValue(ctx, r.submitPolicy, func(ctx context.Context, attempt int) (string, error) {
		return r.provider.Submit(ctx, task.Model, task.Params)
	})
	if err != nil {
		return err
	}
	if externalID == "" {
		return errors.New("provider returned an empty task id")
	}
	task.ExternalTaskID = externalID
	task.Status = StatusProcessing
	task.StartedAt = r.now().UTC()
	return r.store.Update(ctx, task)
}

func (r *Reconciler) poll(ctx context.Context, task *Task, logger *slog.Logger) (*Task, error) {
	deadline := task.StartedAt.Add(r.timeout)
	for {
		res, err := r.provider.Poll(ctx, task.Model, task.ExternalTaskID)
		switch {
		case ctx.Err() != nil:
			return task, ctx.Err()
		case err != nil && workflow.IsUpstream(err):
			logger.WarnContext(ctx, "poll failed, will retry", "error", err)
		case err != nil:
			return r.fail(ctx, task, fmt.Sprintf("poll failed: %v", err)), nil
		case res == nil:
			return r.fail(ctx, task, "provider returned no status"), nil
		case res.Status == StatusCompleted:
			return r.complete(ctx, task, res.Items, logger), nil
		case res.Status == StatusFailed:
			msg := res.Error
			if msg == "" {
				msg = "provider reported failure"
			}
			return r.fail(ctx, task, msg), nil
		}

		remaining := deadline.Sub(r.now())
		if remaining <= 0 {
			elapsed := r.now().Sub(task.StartedAt)
			return r.fail(ctx, task, fmt.Sprintf("generation timed out after %.1f minutes (limit %s)",
				elapsed.Minutes(), r.timeout)), nil
		}
		if err := retry.Sleep(ctx, min(r.pollInterval, remaining)); err != nil {
			return task, err
		}
	}
}

func (r *Reconciler) complete(ctx context.Context, task *Task, items []ProviderItem, logger *slog.Logger) *Task {
	results, err := r.normalizer.Normalize(ctx, task, items)
	if len(results) == 0 {
		msg := "provider reported success but returned no retrievable output"
		if err != nil {
			msg = fmt.Sprintf("%s: %v", msg, err)
		}
		return r.fail(ctx, task, msg)
	}
	if err != nil {
		logger.WarnContext(ctx, "some results could not be stored", "stored", len(results), "error", err)
	}

	task.Results = results
	task.Status = StatusCompleted
	task.Error = ""
	task.Cost = r.pricing.Cost(task)
	if err := r.store.Update(context.WithoutCancel(ctx), task); err != nil {
		logger.ErrorContext(ctx, "persist completed task failed", "error", err)
		return r.fail(ctx, task, fmt.Sprintf("persist results: %v", err))
	}
	r.metrics.RecordGeneration(string(task.Type), string(task.Status))
	logger.InfoContext(ctx, "generation completed", "results", len(results), "cost", task.Cost)

	r.debit(ctx, task, logger)
	r.notify(ctx, task)
	return task
}

// debit charges the organization. A failure is logged and counted; the task
// stays completed.
func (r *Reconciler) debit(ctx context.Context, task *Task, logger *slog.Logger) {
	if r.ledger == nil || task.Cost <= 0 {
		return
	}
	err := r.ledger.Debit(context.WithoutCancel(ctx), task.OrganizationID, task.Cost, "generation:"+task.ID)
	if err != nil {
		r.metrics.RecordDebitFailure()
		logger.ErrorContext(ctx, "debit failed for completed generation",
			"organization_id", task.OrganizationID, "cost", task.Cost, "error", err)
	}
}

// fail records msg on task and marks it failed. The update survives ctx
// cancellation.
func (r *Reconciler) fail(ctx context.Context, task *Task, msg string) *Task {
	task.Status = StatusFailed
	task.Error = msg
	if err := r.store.Update(context.WithoutCancel(ctx), task); err != nil {
		r.logger.ErrorContext(ctx, "persist failed task failed", "task_id", task.ID, "error", err)
	}
	r.metrics.RecordGeneration(string(task.Type), string(task.Status))
	r.logger.WarnContext(ctx, "generation failed", "task_id", task.ID, "error", msg)
	r.notify(ctx, task)
	return task
}

func (r *Reconciler) notify(ctx context.Context, task *Task) {
	if r.notifier == nil {
		return
	}
	event := TaskEvent{TaskID: task.ID, Status: task.Status, Results: task.Results, Error: task.Error}
	if err := r.notifier.Notify(context.WithoutCancel(ctx), EventName(task.ID), event); err != nil {
		r.logger.ErrorContext(ctx, "notify failed", "task_id", task.ID, "error", err)
	}
}

// Handler adapts Reconcile to a workflow trigger handler.
func (r *Reconciler) Handler() workflow.HandlerFunc {
	return func(ctx context.Context, body json.RawMessage) error {
		var req TriggerBody
		if err := json.Unmarshal(body, &req); err != nil {
			return fmt.Errorf("decode trigger body: %w", err)
		}
		if req.TaskID == "" {
			return errors.New("task_id is required")
		}
		_, err := r.Reconcile(ctx, req.TaskID)
		return err
	}
}

// Enqueue asks t to reconcile task, bounding concurrent reconciliations per
// organization to parallelism.
func Enqueue(ctx context.Context, t workflow.Triggerer, task *Task, parallelism int) error {
	return t.Trigger(ctx, workflow.TriggerRequest{
		URL:  TriggerPath,
		Body: TriggerBody{TaskID: task.ID},
		FlowControl: workflow.FlowControl{
			Key:         "generation:" + task.OrganizationID,
			Parallelism: parallelism,
		},
	})
}

// SweepStuck re-enqueues non-terminal tasks untouched for longer than
// olderThan. It returns how many tasks were enqueued.
func (r *Reconciler) SweepStuck(ctx context.Context, t workflow.Triggerer, olderThan time.Duration, parallelism int) (int, error) {
	if olderThan <= 0 {
		olderThan = 2 * r.timeout
	}
	tasks, err := r.store.ListByStatus(ctx, []Status{StatusPending, StatusProcessing}, r.now().Add(-olderThan), 100)
	if err != nil {
		return 0, err
	}
	enqueued := 0
	for _, task := range tasks {
		if err := Enqueue(ctx, t, task, parallelism); err != nil {
			r.logger.WarnContext(ctx, "re-enqueue stuck task failed", "task_id", task.ID, "error", err)
			continue
		}
		enqueued++
	}
	if enqueued > 0 {
		r.logger.InfoContext(ctx, "re-enqueued stuck generation tasks", "count", enqueued)
	}
	return enqueued, nil
}
