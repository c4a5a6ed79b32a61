package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/haasonsaas/heyfun/internal/retry"
)

// FlowControl bounds how many triggered jobs sharing Key run at once.
type FlowControl struct {
	Key         string
	Parallelism int
}

// TriggerRequest asks for a background job to be started.
type TriggerRequest struct {
	URL         string
	Body        any
	FlowControl FlowControl
}

// Triggerer starts background jobs. Trigger returns once the job is accepted;
// the job itself runs asynchronously.
type Triggerer interface {
	Trigger(ctx context.Context, req TriggerRequest) error
}

// limiter hands out a weighted semaphore per flow-control key. The first
// request for a key fixes its parallelism.
type limiter struct {
	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

func newLimiter() *limiter {
	return &limiter{sems: make(map[string]*semaphore.Weighted)}
}

func (l *limiter) get(fc FlowControl) *semaphore.Weighted {
	if fc.Key == "" {
		return nil
	}
	n := fc.Parallelism
	if n <= 0 {
		n = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.sems[fc.Key]
	if !ok {
		sem = semaphore.NewWeighted(int64(n))
		l.sems[fc.Key] = sem
	}
	return sem
}

// HandlerFunc processes a locally triggered job.
type HandlerFunc func(ctx context.Context, body json.RawMessage) error

// LocalTrigger runs triggered jobs in-process, matching handlers by URL path.
type LocalTrigger struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	limits   *limiter
	logger   *slog.Logger
	wg       sync.WaitGroup
	base     context.Context
}

// NewLocalTrigger creates an in-process triggerer. Jobs run under base, so
// canceling base aborts running jobs on shutdown.
func NewLocalTrigger(base context.Context, logger *slog.Logger) *LocalTrigger {
	if logger == nil {
		logger = slog.Default()
	}
	if base == nil {
		base = context.Background()
	}
	return &LocalTrigger{
		handlers: make(map[string]HandlerFunc),
		limits:   newLimiter(),
		logger:   logger.With("component", "trigger", "mode", "local"),
		base:     base,
	}
}

// Handle registers a handler for a URL path such as "/v1/workflows/generation".
func (t *LocalTrigger) Handle(path string, h HandlerFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[path] = h
}

// Trigger implements Triggerer.
func (t *LocalTrigger) Trigger(ctx context.Context, req TriggerRequest) error {
	path := req.URL
	if u, err := url.Parse(req.URL); err == nil && u.Path != "" {
		path = u.Path
	}
	t.mu.RLock()
	handler, ok := t.handlers[path]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no local handler for %s", path)
	}

	body, err := json.Marshal(req.Body)
	if err != nil {
		return fmt.Errorf("encode trigger body: %w", err)
	}

	sem := t.limits.get(req.FlowControl)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		jobCtx := t.base
		if sem != nil {
			if err := sem.Acquire(jobCtx, 1); err != nil {
				t.logger.Warn("trigger dropped", "path", path, "flow_key", req.FlowControl.Key, "error", err)
				return
			}
			defer sem.Release(1)
		}
		if err := handler(jobCtx, body); err != nil {
			t.logger.Error("triggered job failed", "path", path, "flow_key", req.FlowControl.Key, "error", err)
		}
	}()
	return nil
}

// Wait blocks until all triggered jobs have finished.
func (t *LocalTrigger) Wait() {
	t.wg.Wait()
}

// HTTPTrigger posts triggered jobs to an HTTP endpoint. The endpoint runs the
// job synchronously, so holding a flow-control slot for the duration of the
// request bounds concurrent jobs per key.
type HTTPTrigger struct {
	client  *http.Client
	baseURL string
	token   string
	limits  *limiter
	policy  retry.Policy
	logger  *slog.Logger
	wg      sync.WaitGroup
	base    context.Context
}

// HTTPTriggerConfig configures an HTTPTrigger.
type HTTPTriggerConfig struct {
	BaseURL string
	Token   string
	Client  *http.Client
	Policy  retry.Policy
}

// NewHTTPTrigger creates an HTTP triggerer.
func NewHTTPTrigger(base context.Context, cfg HTTPTriggerConfig, logger *slog.Logger) *HTTPTrigger {
	if logger == nil {
		logger = slog.Default()
	}
	if base == nil {
		base = context.Background()
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 15 * time.Minute}
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = retry.DefaultPolicy()
	}
	return &HTTPTrigger{
		client:  cfg.Client,
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		limits:  newLimiter(),
		policy:  cfg.Policy,
		logger:  logger.With("component", "trigger", "mode", "http"),
		base:    base,
	}
}

// Trigger implements Triggerer.
func (t *HTTPTrigger) Trigger(ctx context.Context, req TriggerRequest) error {
	target, err := t.resolve(req.URL)
	if err != nil {
		return err
	}
	body, err := json.Marshal(req.Body)
	if err != nil {
		return fmt.Errorf("encode trigger body: %w", err)
	}

	sem := t.limits.get(req.FlowControl)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		jobCtx := t.base
		if sem != nil {
			if err := sem.Acquire(jobCtx, 1); err != nil {
				t.logger.Warn("trigger dropped", "url", target, "flow_key", req.FlowControl.Key, "error", err)
				return
			}
			defer sem.Release(1)
		}
		if err := retry.Do(jobCtx, t.policy, func(ctx context.Context, _ int) error {
			return t.post(ctx, target, body)
		}); err != nil {
			t.logger.Error("trigger delivery failed", "url", target, "flow_key", req.FlowControl.Key, "error", err)
		}
	}()
	return nil
}

// Wait blocks until all in-flight deliveries have finished.
func (t *HTTPTrigger) Wait() {
	t.wg.Wait()
}

func (t *HTTPTrigger) resolve(target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid trigger url %q: %w", target, err)
	}
	if u.IsAbs() || t.baseURL == "" {
		return u.String(), nil
	}
	base, err := url.Parse(t.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid trigger base url %q: %w", t.baseURL, err)
	}
	return base.ResolveReference(u).String(), nil
}

func (t *HTTPTrigger) post(ctx context.Context, target string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("trigger %s: status %d", target, resp.StatusCode)
	case resp.StatusCode >= 400:
		return retry.Permanent(fmt.Errorf("trigger %s: status %d", target, resp.StatusCode))
	}
	return nil
}
