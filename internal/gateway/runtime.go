// Package gateway assembles the runtime from configuration and serves it
// over HTTP.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/haasonsaas/heyfun/internal/agent"
	"github.com/haasonsaas/heyfun/internal/agent/providers"
	"github.com/haasonsaas/heyfun/internal/billing"
	"github.com/haasonsaas/heyfun/internal/blob"
	"github.com/haasonsaas/heyfun/internal/config"
	"github.com/haasonsaas/heyfun/internal/embeddings"
	embopenai "github.com/haasonsaas/heyfun/internal/embeddings/openai"
	"github.com/haasonsaas/heyfun/internal/generation"
	"github.com/haasonsaas/heyfun/internal/generation/openaiimage"
	"github.com/haasonsaas/heyfun/internal/netguard"
	"github.com/haasonsaas/heyfun/internal/observability"
	"github.com/haasonsaas/heyfun/internal/prompts"
	"github.com/haasonsaas/heyfun/internal/retry"
	"github.com/haasonsaas/heyfun/internal/session"
	"github.com/haasonsaas/heyfun/internal/storage"
	"github.com/haasonsaas/heyfun/internal/supervisor"
	"github.com/haasonsaas/heyfun/internal/tools"
	"github.com/haasonsaas/heyfun/internal/tools/builtin"
	"github.com/haasonsaas/heyfun/internal/triggers"
	"github.com/haasonsaas/heyfun/internal/triggers/agents"
	"github.com/haasonsaas/heyfun/internal/vectorindex"
	"github.com/haasonsaas/heyfun/internal/workflow"
)

// Runtime holds every long-lived component built from a Config.
type Runtime struct {
	Config   *config.Config
	Logger   *slog.Logger
	Metrics  *observability.Metrics
	Registry *prometheus.Registry
	Tracer   *observability.Tracer

	// DB is nil when everything is kept in memory.
	DB *storage.DB

	Fragments prompts.Store
	Index     vectorindex.Index
	// Embedder, Indexer and Assembler are nil without embedding credentials.
	Embedder  embeddings.Provider
	Indexer   *prompts.Indexer
	Assembler *prompts.Assembler

	Blobs      blob.Store
	LocalBlobs *blob.LocalStore
	Tasks      generation.Store
	Ledger     billing.Ledger
	Reconciler *generation.Reconciler

	Engine    *workflow.Engine
	Triggerer workflow.Triggerer

	Tools    *tools.Registry
	Triggers *triggers.Scheduler
	Sessions *session.Manager
	Runner   *agent.Runner

	cancel  context.CancelFunc
	closers []func(context.Context) error
}

type migrator interface {
	Migrate(ctx context.Context) error
}

// NewRuntime builds the runtime. Close releases what it opened, also when
// NewRuntime fails halfway.
func NewRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *Runtime, err error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = rt.Close(context.Background())
		}
	}()

	rt.Registry = prometheus.NewRegistry()
	rt.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rt.Metrics = observability.NewMetrics(rt.Registry)

	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
		ServiceName:  "heyfun",
		Environment:  cfg.Tracing.Environment,
		Endpoint:     cfg.Tracing.Endpoint,
		SamplingRate: cfg.Tracing.SamplingRate,
		Insecure:     cfg.Tracing.Insecure,
	})
	rt.Tracer = tracer
	rt.closers = append(rt.closers, shutdown)

	if err := rt.openStores(ctx); err != nil {
		return nil, err
	}
	if err := rt.openBlobs(ctx); err != nil {
		return nil, err
	}

	provider, err := buildProvider(cfg, cfg.LLM.DefaultProvider)
	if err != nil {
		return nil, fmt.Errorf("llm provider: %w", err)
	}
	capProvider := provider
	if name := cfg.LLM.CapabilityProvider; name != "" && !strings.EqualFold(name, cfg.LLM.DefaultProvider) {
		if capProvider, err = buildProvider(cfg, name); err != nil {
			return nil, fmt.Errorf("capability provider: %w", err)
		}
	}
	capability := agent.NewCapabilityModel(capProvider, cfg.LLM.CapabilityModel, cfg.LLM.MaxTokens)

	if err := rt.buildPrompts(capability); err != nil {
		return nil, err
	}

	policy := retry.DefaultPolicy()
	if cfg.Workflow.StepAttempts > 0 {
		policy.MaxAttempts = cfg.Workflow.StepAttempts
	}
	if cfg.Workflow.StepBackoff > 0 {
		policy.InitialDelay = cfg.Workflow.StepBackoff
	}
	var journal workflow.Journal
	if rt.DB != nil {
		sqlJournal := workflow.NewSQLJournal(rt.DB)
		if err := sqlJournal.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate workflow journal: %w", err)
		}
		journal = sqlJournal
	}
	rt.Engine = workflow.NewEngine(journal, workflow.Options{Policy: policy, Logger: logger, Metrics: rt.Metrics})

	if err := rt.buildGeneration(policy); err != nil {
		return nil, err
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	rt.cancel = cancel
	switch cfg.Workflow.TriggerMode {
	case "http":
		ht := workflow.NewHTTPTrigger(baseCtx, workflow.HTTPTriggerConfig{
			BaseURL: cfg.Workflow.TriggerBaseURL,
			Token:   cfg.Workflow.TriggerToken,
		}, logger)
		rt.Triggerer = ht
		rt.closers = append(rt.closers, waitCloser(ht.Wait))
	default:
		lt := workflow.NewLocalTrigger(baseCtx, logger)
		lt.Handle(generation.TriggerPath, rt.Reconciler.Handler())
		rt.Triggerer = lt
		rt.closers = append(rt.closers, waitCloser(lt.Wait))
	}

	rt.Tools = tools.NewRegistry(tools.WithLogger(logger), tools.WithMetrics(rt.Metrics), tools.WithTracer(rt.Tracer))
	deps := builtin.Deps{
		Tasks:         rt.Tasks,
		Triggerer:     rt.Triggerer,
		Blobs:         rt.Blobs,
		DefaultModels: defaultModels(cfg.Generation.DefaultModels),
		Parallelism:   cfg.Generation.Parallelism,
		WaitTimeout:   cfg.Generation.WaitTimeout,
		URLTTL:        cfg.Blob.SignedURLTTL,
	}
	var refresher agents.Refresher
	if rt.Assembler != nil {
		deps.Prompts = rt.Assembler
		refresher = rt.Assembler
	}
	if err := builtin.Register(rt.Tools, deps); err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}

	rt.Triggers = triggers.NewScheduler(logger, rt.Metrics)
	for _, a := range agents.Bundle(refresher, cfg.Prompts.TopK, cfg.Agent.DuplicateThreshold) {
		if err := rt.Triggers.Register(a); err != nil {
			return nil, fmt.Errorf("register micro-agent: %w", err)
		}
	}
	for _, id := range cfg.Triggers.Disabled {
		if !rt.Triggers.SetEnabled(id, false) {
			logger.Warn("unknown micro-agent in triggers.disabled", "id", id)
		}
	}

	driver, err := agent.NewDriver(agent.DriverConfig{
		Provider:   provider,
		BasePrompt: cfg.LLM.BasePrompt,
		Logger:     logger,
		Metrics:    rt.Metrics,
		Tracer:     rt.Tracer,
	})
	if err != nil {
		return nil, err
	}
	providerCfg := cfg.LLM.Providers[cfg.LLM.DefaultProvider]
	rt.Sessions = session.NewManager(logger)
	rt.Runner, err = agent.NewRunner(agent.RunnerConfig{
		Driver:     driver,
		Tools:      rt.Tools,
		Triggers:   rt.Triggers,
		Sessions:   rt.Sessions,
		Engine:     rt.Engine,
		Capability: capability,
		Model: session.ModelConfig{
			Provider:  provider.Name(),
			Model:     providerCfg.DefaultModel,
			MaxTokens: cfg.LLM.MaxTokens,
		},
		MaxSteps:       cfg.Agent.MaxSteps,
		MaxObservation: cfg.Agent.MaxObservation,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("runtime ready",
		"llm_provider", provider.Name(),
		"database", rt.DB != nil,
		"prompt_assembly", rt.Assembler != nil,
		"tools", len(rt.Tools.List()),
		"trigger_mode", cfg.Workflow.TriggerMode,
	)
	return rt, nil
}

func (rt *Runtime) openStores(ctx context.Context) error {
	cfg := rt.Config
	if strings.TrimSpace(cfg.Database.URL) == "" {
		rt.Fragments = prompts.NewMemoryStore()
		rt.Tasks = generation.NewMemoryStore()
		rt.Ledger = billing.NewMemoryLedger()
		rt.Logger.Warn("no database configured; state is kept in memory")
	} else {
		pool := storage.DefaultPoolConfig()
		if cfg.Database.MaxConnections > 0 {
			pool.MaxOpenConns = cfg.Database.MaxConnections
		}
		if cfg.Database.ConnMaxLifetime > 0 {
			pool.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
		}
		db, err := storage.Open(ctx, cfg.Database.Driver, cfg.Database.URL, pool)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		rt.DB = db
		rt.closers = append(rt.closers, func(context.Context) error { return db.Close() })

		fragments := prompts.NewSQLStore(db)
		tasks := generation.NewSQLStore(db)
		ledger := billing.NewSQLLedger(db)
		for _, m := range []migrator{fragments, tasks, ledger} {
			if err := m.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		rt.Fragments, rt.Tasks, rt.Ledger = fragments, tasks, ledger
	}

	switch cfg.Vector.Backend {
	case "sqlite":
		index, err := vectorindex.OpenSQLite(ctx, cfg.Vector.Path)
		if err != nil {
			return fmt.Errorf("open vector index: %w", err)
		}
		rt.Index = index
		rt.closers = append(rt.closers, func(context.Context) error { return index.Close() })
	default:
		rt.Index = vectorindex.NewMemoryIndex()
	}
	return nil
}

func (rt *Runtime) openBlobs(ctx context.Context) error {
	cfg := rt.Config
	switch cfg.Blob.Backend {
	case "s3":
		s3cfg := cfg.Blob.S3
		store, err := blob.NewS3Store(ctx, blob.S3Config{
			Bucket:          s3cfg.Bucket,
			Region:          s3cfg.Region,
			Endpoint:        s3cfg.Endpoint,
			Prefix:          s3cfg.Prefix,
			AccessKeyID:     s3cfg.AccessKeyID,
			SecretAccessKey: s3cfg.SecretAccessKey,
			UsePathStyle:    s3cfg.UsePathStyle,
		})
		if err != nil {
			return fmt.Errorf("open s3 blob store: %w", err)
		}
		rt.Blobs = store
	default:
		local := cfg.Blob.Local
		baseURL := local.BaseURL
		if baseURL == "" {
			baseURL = strings.TrimSuffix(cfg.Server.PublicURL, "/") + BlobPath
		}
		key := firstNonEmpty(local.SigningKey, cfg.Auth.JWTSecret)
		if key == "" {
			key = uuid.NewString()
			rt.Logger.Warn("blob signing key not configured; signed links will not survive a restart")
		}
		store, err := blob.NewLocalStore(local.Dir, baseURL, key)
		if err != nil {
			return fmt.Errorf("open local blob store: %w", err)
		}
		rt.Blobs = store
		rt.LocalBlobs = store
	}
	return nil
}

func (rt *Runtime) buildPrompts(capability session.Completer) error {
	cfg := rt.Config
	if !strings.EqualFold(cfg.Embeddings.Provider, "openai") {
		rt.Logger.Warn("unsupported embeddings provider; prompt assembly disabled", "provider", cfg.Embeddings.Provider)
		return nil
	}
	key := firstNonEmpty(cfg.Embeddings.APIKey, cfg.LLM.Providers["openai"].APIKey)
	if key == "" {
		rt.Logger.Warn("no embeddings credentials; prompt assembly disabled")
		return nil
	}
	embedder, err := embopenai.New(embopenai.Config{
		APIKey:  key,
		BaseURL: cfg.Embeddings.BaseURL,
		Model:   cfg.Embeddings.Model,
	})
	if err != nil {
		return fmt.Errorf("embeddings: %w", err)
	}
	rt.Embedder = embedder
	rt.Indexer = prompts.NewIndexer(rt.Fragments, rt.Index, embedder, cfg.Prompts.ReindexBatch, rt.Logger)
	rt.Assembler, err = prompts.NewAssembler(prompts.AssemblerConfig{
		Store:         rt.Fragments,
		Index:         rt.Index,
		Embedder:      embedder,
		Model:         capability,
		TopK:          cfg.Prompts.TopK,
		ExpandQueries: cfg.Prompts.ExpansionEnabled(),
		Timeout:       cfg.Prompts.Timeout,
		Logger:        rt.Logger,
		Metrics:       rt.Metrics,
	})
	return err
}

func (rt *Runtime) buildGeneration(policy retry.Policy) error {
	cfg := rt.Config
	router := generation.NewRouter()
	imageCfg := cfg.Generation.OpenAIImages
	if key := firstNonEmpty(imageCfg.APIKey, cfg.LLM.Providers["openai"].APIKey); key != "" {
		images, err := openaiimage.New(openaiimage.Config{APIKey: key, BaseURL: imageCfg.BaseURL})
		if err != nil {
			return fmt.Errorf("openai images: %w", err)
		}
		router.Route("gpt-image", images)
		router.Route("dall-e", images)
	}
	downloader := netguard.NewDownloader(netguard.DownloaderConfig{
		MaxBytes:     cfg.Generation.MaxDownload,
		AllowPrivate: cfg.Generation.AllowPrivate,
		Logger:       rt.Logger,
	})
	reconciler, err := generation.NewReconciler(generation.ReconcilerConfig{
		Store:      rt.Tasks,
		Provider:   router,
		Normalizer: generation.NewNormalizer(rt.Blobs, downloader),
		Ledger:     rt.Ledger,
		Pricing: generation.Pricing{
			Prices:       cfg.Generation.Pricing,
			DefaultPrice: cfg.Generation.DefaultPrice,
		},
		Notifier:     rt.Engine,
		PollInterval: cfg.Generation.PollInterval,
		Timeout:      cfg.Generation.Timeout,
		SubmitPolicy: policy,
		Logger:       rt.Logger,
		Metrics:      rt.Metrics,
		Tracer:       rt.Tracer,
	})
	if err != nil {
		return err
	}
	rt.Reconciler = reconciler
	return nil
}

// Supervisor returns the background work of the runtime: fragment
// re-indexing, the stuck generation sweeper and the library watcher.
func (rt *Runtime) Supervisor() (*supervisor.Supervisor, error) {
	cfg := rt.Config
	sup := supervisor.New(rt.Logger, rt.Metrics)

	if rt.Indexer != nil {
		if err := sup.AddJob(supervisor.Job{
			Name:      "fragments.reindex",
			Schedule:  cfg.Prompts.ReindexSchedule,
			Immediate: true,
			Run: func(ctx context.Context) error {
				report, err := rt.Indexer.ReindexPending(ctx)
				if report.Embedded+report.Removed+report.Failed > 0 {
					rt.Logger.InfoContext(ctx, "fragments reindexed",
						"embedded", report.Embedded, "removed", report.Removed, "failed", report.Failed)
				}
				return err
			},
		}); err != nil {
			return nil, err
		}
	}

	if err := sup.AddJob(supervisor.Job{
		Name:     "generation.sweep",
		Schedule: cfg.Generation.SweepSchedule,
		Run: func(ctx context.Context) error {
			_, err := rt.Reconciler.SweepStuck(ctx, rt.Triggerer, 2*cfg.Generation.Timeout, cfg.Generation.Parallelism)
			return err
		},
	}); err != nil {
		return nil, err
	}

	if dir := strings.TrimSpace(cfg.Prompts.LibraryDir); dir != "" {
		watcher := prompts.NewLibraryWatcher(rt.Fragments, dir, rt.Logger)
		if err := sup.AddService(supervisor.Service{Name: "fragments.watch", Run: watcher.Run}); err != nil {
			return nil, err
		}
	}
	return sup, nil
}

// Close stops triggered jobs and releases stores, in reverse order of
// creation.
func (rt *Runtime) Close(ctx context.Context) error {
	if rt.cancel != nil {
		rt.cancel()
	}
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

func buildProvider(cfg *config.Config, name string) (agent.ChatProvider, error) {
	pc := cfg.LLM.Providers[name]
	return providers.New(name, providers.Config{
		APIKey:          pc.APIKey,
		BaseURL:         pc.BaseURL,
		DefaultModel:    pc.DefaultModel,
		MaxRetries:      pc.MaxRetries,
		Region:          pc.Region,
		AccessKeyID:     pc.AccessKeyID,
		SecretAccessKey: pc.SecretAccessKey,
	})
}

func defaultModels(in map[string]string) map[generation.Type]string {
	out := make(map[generation.Type]string, len(in))
	for kind, model := range in {
		out[generation.Type(kind)] = model
	}
	return out
}

func waitCloser(wait func()) func(context.Context) error {
	return func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("waiting for triggered jobs: %w", ctx.Err())
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
