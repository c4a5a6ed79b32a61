// Package config loads and validates the runtime configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    TracingConfig    `yaml:"tracing"`
	LLM        LLMConfig        `yaml:"llm"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Vector     VectorConfig     `yaml:"vector"`
	Blob       BlobConfig       `yaml:"blob"`
	Prompts    PromptsConfig    `yaml:"prompts"`
	Agent      AgentConfig      `yaml:"agent"`
	Generation GenerationConfig `yaml:"generation"`
	Workflow   WorkflowConfig   `yaml:"workflow"`
	Auth       AuthConfig       `yaml:"auth"`
	Triggers   TriggersConfig   `yaml:"triggers"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	HTTPPort        int           `yaml:"http_port"`
	PublicURL       string        `yaml:"public_url"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns host:port for the HTTP listener.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.HTTPPort)
}

// DatabaseConfig selects the SQL backend. An empty URL keeps everything in memory.
type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver          string        `yaml:"driver"`
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
	Environment  string  `yaml:"environment"`
}

// LLMConfig configures chat providers.
type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`

	// BasePrompt is the static layer of every system message.
	BasePrompt string `yaml:"base_prompt"`
	MaxTokens  int    `yaml:"max_tokens"`

	// CapabilityProvider and CapabilityModel select the model used for
	// internal reasoning calls.
	CapabilityProvider string `yaml:"capability_provider"`
	CapabilityModel    string `yaml:"capability_model"`
}

// LLMProviderConfig holds per-provider credentials and defaults.
type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
	MaxRetries   int    `yaml:"max_retries"`

	// Region and the key pair are read by the bedrock provider only.
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Model    string `yaml:"model"`
}

// VectorConfig configures the vector index.
type VectorConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// BlobConfig configures durable blob storage.
type BlobConfig struct {
	// Backend is "s3" or "local".
	Backend      string          `yaml:"backend"`
	SignedURLTTL time.Duration   `yaml:"signed_url_ttl"`
	Local        LocalBlobConfig `yaml:"local"`
	S3           S3BlobConfig    `yaml:"s3"`
}

// LocalBlobConfig stores blobs on the filesystem.
type LocalBlobConfig struct {
	Dir        string `yaml:"dir"`
	BaseURL    string `yaml:"base_url"`
	SigningKey string `yaml:"signing_key"`
}

// S3BlobConfig stores blobs in an S3-compatible bucket.
type S3BlobConfig struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// PromptsConfig configures the dynamic system prompt assembler.
type PromptsConfig struct {
	TopK            int           `yaml:"top_k"`
	ExpandQueries   *bool         `yaml:"expand_queries"`
	LibraryDir      string        `yaml:"library_dir"`
	ReindexSchedule string        `yaml:"reindex_schedule"`
	ReindexBatch    int           `yaml:"reindex_batch"`
	Timeout         time.Duration `yaml:"timeout"`
}

// ExpansionEnabled reports whether query expansion is on (default true).
func (p PromptsConfig) ExpansionEnabled() bool {
	return p.ExpandQueries == nil || *p.ExpandQueries
}

// AgentConfig configures the orchestration loop.
type AgentConfig struct {
	MaxSteps           int `yaml:"max_steps"`
	DuplicateThreshold int `yaml:"duplicate_threshold"`
	MaxObservation     int `yaml:"max_observation"`
}

// GenerationConfig configures the async generation reconciler.
type GenerationConfig struct {
	PollInterval  time.Duration      `yaml:"poll_interval"`
	Timeout       time.Duration      `yaml:"timeout"`
	Parallelism   int                `yaml:"parallelism"`
	MaxDownload   int64              `yaml:"max_download_bytes"`
	AllowPrivate  bool               `yaml:"allow_private_downloads"`
	WaitTimeout   time.Duration      `yaml:"wait_timeout"`
	Pricing       map[string]float64 `yaml:"pricing"`
	DefaultPrice  float64            `yaml:"default_price"`
	OpenAIImages  OpenAIImageConfig  `yaml:"openai_images"`
	SweepSchedule string             `yaml:"sweep_schedule"`

	// DefaultModels maps a media type to the model used when a call names none.
	DefaultModels map[string]string `yaml:"default_models"`
}

// OpenAIImageConfig configures the OpenAI image generation provider.
type OpenAIImageConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// WorkflowConfig configures the durable step engine and trigger transport.
type WorkflowConfig struct {
	// TriggerMode is "local" (in-process) or "http".
	TriggerMode    string        `yaml:"trigger_mode"`
	TriggerBaseURL string        `yaml:"trigger_base_url"`
	TriggerToken   string        `yaml:"trigger_token"`
	StepAttempts   int           `yaml:"step_attempts"`
	StepBackoff    time.Duration `yaml:"step_backoff"`
}

// AuthConfig configures organization-scoped bearer tokens.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

// TriggersConfig toggles bundled micro-agents.
type TriggersConfig struct {
	Disabled []string `yaml:"disabled"`
}

// SupervisorConfig configures background tasks.
type SupervisorConfig struct {
	Enabled *bool `yaml:"enabled"`
}

// IsEnabled reports whether background tasks run (default true).
func (s SupervisorConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Load reads, merges, and validates the config file at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 25
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "openai"
	}
	if cfg.LLM.CapabilityProvider == "" {
		cfg.LLM.CapabilityProvider = cfg.LLM.DefaultProvider
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 4096
	}
	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "openai"
	}
	if cfg.Vector.Backend == "" {
		cfg.Vector.Backend = "memory"
	}
	if cfg.Blob.Backend == "" {
		cfg.Blob.Backend = "local"
	}
	if cfg.Blob.SignedURLTTL == 0 {
		cfg.Blob.SignedURLTTL = time.Hour
	}
	if cfg.Blob.Local.Dir == "" {
		cfg.Blob.Local.Dir = "data/blobs"
	}
	if cfg.Prompts.TopK == 0 {
		cfg.Prompts.TopK = 5
	}
	if cfg.Prompts.ReindexSchedule == "" {
		cfg.Prompts.ReindexSchedule = "@every 30s"
	}
	if cfg.Prompts.ReindexBatch == 0 {
		cfg.Prompts.ReindexBatch = 50
	}
	if cfg.Prompts.Timeout == 0 {
		cfg.Prompts.Timeout = 30 * time.Second
	}
	if cfg.Agent.MaxSteps == 0 {
		cfg.Agent.MaxSteps = 20
	}
	if cfg.Agent.DuplicateThreshold == 0 {
		cfg.Agent.DuplicateThreshold = 2
	}
	if cfg.Agent.MaxObservation == 0 {
		cfg.Agent.MaxObservation = 10000
	}
	if cfg.Generation.PollInterval == 0 {
		cfg.Generation.PollInterval = 3 * time.Second
	}
	if cfg.Generation.Timeout == 0 {
		cfg.Generation.Timeout = 5 * time.Minute
	}
	if cfg.Generation.Parallelism == 0 {
		cfg.Generation.Parallelism = 4
	}
	if cfg.Generation.MaxDownload == 0 {
		cfg.Generation.MaxDownload = 100 << 20
	}
	if cfg.Generation.WaitTimeout == 0 {
		cfg.Generation.WaitTimeout = 6 * time.Minute
	}
	if cfg.Generation.SweepSchedule == "" {
		cfg.Generation.SweepSchedule = "@every 1m"
	}
	if len(cfg.Generation.DefaultModels) == 0 {
		cfg.Generation.DefaultModels = map[string]string{"image": "gpt-image-1"}
	}
	if cfg.Workflow.TriggerMode == "" {
		cfg.Workflow.TriggerMode = "local"
	}
	if cfg.Workflow.StepAttempts == 0 {
		cfg.Workflow.StepAttempts = 3
	}
	if cfg.Workflow.StepBackoff == 0 {
		cfg.Workflow.StepBackoff = 500 * time.Millisecond
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver))
	}
	switch c.Vector.Backend {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.Vector.Path) == "" {
			errs = append(errs, errors.New("vector.path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("vector.backend must be memory or sqlite, got %q", c.Vector.Backend))
	}
	switch c.Blob.Backend {
	case "local":
	case "s3":
		if strings.TrimSpace(c.Blob.S3.Bucket) == "" {
			errs = append(errs, errors.New("blob.s3.bucket is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("blob.backend must be local or s3, got %q", c.Blob.Backend))
	}
	if c.Prompts.TopK < 1 || c.Prompts.TopK > 10 {
		errs = append(errs, fmt.Errorf("prompts.top_k must be between 1 and 10, got %d", c.Prompts.TopK))
	}
	switch c.Workflow.TriggerMode {
	case "local":
	case "http":
		if strings.TrimSpace(c.Workflow.TriggerBaseURL) == "" {
			errs = append(errs, errors.New("workflow.trigger_base_url is required in http mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("workflow.trigger_mode must be local or http, got %q", c.Workflow.TriggerMode))
	}
	if c.Generation.PollInterval > c.Generation.Timeout {
		errs = append(errs, errors.New("generation.poll_interval must not exceed generation.timeout"))
	}

	return errors.Join(errs...)
}
