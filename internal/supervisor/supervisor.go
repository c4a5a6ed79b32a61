// Package supervisor runs the process's background work: cron-scheduled jobs
// and long-running services, all bound to one cancellable context.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/heyfun/internal/observability"
)

// cronParser accepts 5 or 6 field expressions and descriptors like @every.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Job is periodic work. A run still in progress when the next tick fires is
// skipped, not overlapped.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error

	// Timeout bounds one run. Zero means no bound beyond shutdown.
	Timeout time.Duration
	// Immediate also runs the job once at startup.
	Immediate bool
}

// Service is long-running work that returns when its context ends.
type Service struct {
	Name string
	Run  func(ctx context.Context) error
}

// Supervisor owns the jobs and services.
type Supervisor struct {
	logger  *slog.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	jobs     map[string]*jobEntry
	services []Service
	running  bool
}

type jobEntry struct {
	job Job
	mu  sync.Mutex // serializes runs of one job
}

// New creates a supervisor.
func New(logger *slog.Logger, metrics *observability.Metrics) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		logger:  logger.With("component", "supervisor"),
		metrics: metrics,
		jobs:    make(map[string]*jobEntry),
	}
}

// AddJob validates and registers job. It must be called before Run.
func (s *Supervisor) AddJob(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("supervisor: job needs a name and a run func")
	}
	if _, err := cronParser.Parse(job.Schedule); err != nil {
		return fmt.Errorf("supervisor: job %s: invalid schedule %q: %w", job.Name, job.Schedule, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("supervisor: already running")
	}
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("supervisor: duplicate job %s", job.Name)
	}
	s.jobs[job.Name] = &jobEntry{job: job}
	return nil
}

// AddService registers a long-running service. It must be called before Run.
func (s *Supervisor) AddService(svc Service) error {
	if svc.Name == "" || svc.Run == nil {
		return errors.New("supervisor: service needs a name and a run func")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("supervisor: already running")
	}
	s.services = append(s.services, svc)
	return nil
}

// Jobs lists the registered job names.
func (s *Supervisor) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	return names
}

// RunJob executes one job now, waiting for any in-flight run of it first.
func (s *Supervisor) RunJob(ctx context.Context, name string) error {
	s.mu.Lock()
	entry, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("supervisor: unknown job %s", name)
	}
	return s.execute(ctx, entry, true)
}

// Run starts every job and service and blocks until ctx ends or a service
// fails. Job failures are logged and counted; they never stop the supervisor.
// A service failure cancels everything else and is returned.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("supervisor: already running")
	}
	s.running = true
	entries := make([]*jobEntry, 0, len(s.jobs))
	for _, e := range s.jobs {
		entries = append(entries, e)
	}
	services := append([]Service(nil), s.services...)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	g, gctx := errgroup.WithContext(ctx)

	scheduler := cron.New(cron.WithParser(cronParser), cron.WithLogger(cronLogger{s.logger}))
	for _, entry := range entries {
		entry := entry
		if _, err := scheduler.AddFunc(entry.job.Schedule, func() {
			_ = s.execute(gctx, entry, false)
		}); err != nil {
			return fmt.Errorf("supervisor: schedule %s: %w", entry.job.Name, err)
		}
	}
	for _, entry := range entries {
		if entry.job.Immediate {
			entry := entry
			g.Go(func() error {
				_ = s.execute(gctx, entry, true)
				return nil
			})
		}
	}

	for _, svc := range services {
		svc := svc
		g.Go(func() error {
			s.logger.InfoContext(gctx, "service started", "service", svc.Name)
			err := svc.Run(gctx)
			if err != nil && gctx.Err() == nil {
				s.metrics.RecordSupervisorRun(svc.Name, err)
				s.logger.ErrorContext(gctx, "service failed", "service", svc.Name, "error", err)
				return fmt.Errorf("service %s: %w", svc.Name, err)
			}
			s.logger.InfoContext(gctx, "service stopped", "service", svc.Name)
			return nil
		})
	}

	scheduler.Start()
	s.logger.InfoContext(ctx, "supervisor started", "jobs", len(entries), "services", len(services))
	g.Go(func() error {
		<-gctx.Done()
		<-scheduler.Stop().Done()
		return nil
	})

	return g.Wait()
}

// execute runs one job. Scheduled ticks skip when a run is in flight; wait
// forces the caller to queue behind it.
func (s *Supervisor) execute(ctx context.Context, entry *jobEntry, wait bool) error {
	if wait {
		entry.mu.Lock()
	} else if !entry.mu.TryLock() {
		s.logger.DebugContext(ctx, "job still running, tick skipped", "job", entry.job.Name)
		return nil
	}
	defer entry.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	runCtx := ctx
	if entry.job.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, entry.job.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := s.runGuarded(runCtx, entry.job)
	s.metrics.RecordSupervisorRun(entry.job.Name, err)
	if err != nil {
		s.logger.ErrorContext(ctx, "job failed", "job", entry.job.Name, "error", err, "duration", time.Since(start))
		return err
	}
	s.logger.DebugContext(ctx, "job finished", "job", entry.job.Name, "duration", time.Since(start))
	return nil
}

func (s *Supervisor) runGuarded(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in job %s: %v", job.Name, r)
		}
	}()
	return job.Run(ctx)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ logger *slog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
