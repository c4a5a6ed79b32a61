package triggers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/heyfun/internal/observability"
	"github.com/haasonsaas/heyfun/internal/session"
)

type registration struct {
	agent  MicroAgent
	config Config

	mu      sync.Mutex
	enabled bool
	stats   Stats
}

// Scheduler indexes micro-agents by trigger point and dispatches them
// sequentially in priority order. It is a passive library: callers invoke
// DispatchTrigger at the right point of the turn.
type Scheduler struct {
	mu        sync.RWMutex
	byTrigger map[TriggerPoint][]*registration
	byID      map[string]*registration

	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewScheduler creates an empty scheduler.
func NewScheduler(logger *slog.Logger, metrics *observability.Metrics) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		byTrigger: make(map[TriggerPoint][]*registration),
		byID:      make(map[string]*registration),
		logger:    logger.With("component", "triggers"),
		metrics:   metrics,
	}
}

// Register indexes agent under each of its trigger points. Registering an
// ID again replaces the earlier agent.
func (s *Scheduler) Register(agent MicroAgent) error {
	cfg := agent.Config()
	if cfg.ID == "" {
		return errors.New("micro-agent id is required")
	}
	if len(cfg.Triggers) == 0 {
		return fmt.Errorf("micro-agent %s declares no trigger points", cfg.ID)
	}
	for _, p := range cfg.Triggers {
		if !p.Valid() {
			return fmt.Errorf("micro-agent %s: unknown trigger point %q", cfg.ID, p)
		}
	}

	reg := &registration{agent: agent, config: cfg, enabled: cfg.Enabled}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[cfg.ID]; exists {
		s.logger.Warn("micro-agent re-registered, replacing previous registration", "id", cfg.ID)
		s.removeLocked(cfg.ID)
	}
	s.byID[cfg.ID] = reg
	seen := make(map[TriggerPoint]bool, len(cfg.Triggers))
	for _, p := range cfg.Triggers {
		if seen[p] {
			continue
		}
		seen[p] = true
		list := append(s.byTrigger[p], reg)
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].config.Priority < list[j].config.Priority
		})
		s.byTrigger[p] = list
	}

	s.logger.Debug("registered micro-agent",
		"id", cfg.ID,
		"name", cfg.Name,
		"triggers", cfg.Triggers,
		"priority", cfg.Priority)
	return nil
}

// Unregister removes the agent from every trigger index.
func (s *Scheduler) Unregister(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return false
	}
	s.removeLocked(id)
	s.logger.Debug("unregistered micro-agent", "id", id)
	return true
}

func (s *Scheduler) removeLocked(id string) {
	reg := s.byID[id]
	delete(s.byID, id)
	for _, p := range reg.config.Triggers {
		list := s.byTrigger[p]
		kept := list[:0:0]
		for _, r := range list {
			if r != reg {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			delete(s.byTrigger, p)
		} else {
			s.byTrigger[p] = kept
		}
	}
}

// SetEnabled toggles an agent without unregistering it.
func (s *Scheduler) SetEnabled(id string, enabled bool) bool {
	s.mu.RLock()
	reg, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	reg.mu.Lock()
	reg.enabled = enabled
	reg.mu.Unlock()
	return true
}

// Agents returns the configs registered for p in dispatch order.
func (s *Scheduler) Agents(p TriggerPoint) []Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.byTrigger[p]
	out := make([]Config, 0, len(list))
	for _, reg := range list {
		cfg := reg.config
		reg.mu.Lock()
		cfg.Enabled = reg.enabled
		reg.mu.Unlock()
		out = append(out, cfg)
	}
	return out
}

// Stats returns the counters of an agent.
func (s *Scheduler) Stats(id string) (Stats, bool) {
	s.mu.RLock()
	reg, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return Stats{}, false
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.stats, true
}

// DispatchTrigger runs the enabled agents registered for p, one after
// another in priority order. A failing or panicking agent is recorded and
// the remaining agents still run.
func (s *Scheduler) DispatchTrigger(ctx context.Context, p TriggerPoint, turn *session.Turn) *DispatchReport {
	start := time.Now()
	report := &DispatchReport{Trigger: p}

	s.mu.RLock()
	list := append([]*registration(nil), s.byTrigger[p]...)
	s.mu.RUnlock()

	for _, reg := range list {
		if ctx.Err() != nil {
			break
		}
		reg.mu.Lock()
		enabled := reg.enabled
		reg.mu.Unlock()
		if !enabled {
			continue
		}
		id := reg.config.ID

		if cond, ok := reg.agent.(Conditional); ok {
			should, err := s.shouldExecute(ctx, cond, turn)
			if err == nil && !should {
				report.Skipped = append(report.Skipped, id)
				reg.record(nil, true)
				s.metrics.RecordTrigger(string(p), "skipped")
				continue
			}
			if err != nil {
				s.fail(ctx, p, reg, report, err)
				continue
			}
		}

		err := s.execute(ctx, reg.agent, turn)
		if err != nil {
			s.fail(ctx, p, reg, report, err)
			continue
		}
		report.Executed = append(report.Executed, id)
		reg.record(nil, false)
		s.metrics.RecordTrigger(string(p), "success")
	}

	report.Duration = time.Since(start)
	if len(report.Failed) > 0 {
		s.logger.InfoContext(ctx, "trigger dispatched with failures",
			"trigger", p,
			"executed", len(report.Executed),
			"failed", report.Failed)
	}
	return report
}

func (s *Scheduler) fail(ctx context.Context, p TriggerPoint, reg *registration, report *DispatchReport, err error) {
	id := reg.config.ID
	report.Failed = append(report.Failed, id)
	if report.Errors == nil {
		report.Errors = make(map[string]string)
	}
	report.Errors[id] = err.Error()
	reg.record(err, false)
	s.metrics.RecordTrigger(string(p), "failure")
	s.logger.WarnContext(ctx, "micro-agent failed",
		"trigger", p,
		"id", id,
		"error", err)
}

func (s *Scheduler) shouldExecute(ctx context.Context, cond Conditional, turn *session.Turn) (should bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("micro-agent predicate panic: %v", p)
		}
	}()
	return cond.ShouldExecute(ctx, turn), nil
}

func (s *Scheduler) execute(ctx context.Context, agent MicroAgent, turn *session.Turn) (err error) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.ErrorContext(ctx, "micro-agent panicked", "id", agent.Config().ID, "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("micro-agent panic: %v", p)
		}
	}()
	res, err := agent.Execute(ctx, turn)
	if err != nil {
		return err
	}
	if res != nil && !res.Success {
		msg := res.Message
		if msg == "" {
			msg = "micro-agent reported failure"
		}
		return errors.New(msg)
	}
	return nil
}

func (r *registration) record(err error, skipped bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if skipped {
		r.stats.Skips++
		return
	}
	r.stats.LastRunAt = time.Now()
	r.stats.Executions++
	if err != nil {
		r.stats.Failures++
		r.stats.LastError = err.Error()
	}
}
