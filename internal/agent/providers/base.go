// Package providers adapts model vendor SDKs to agent.ChatProvider.
package providers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/heyfun/internal/agent"
	"github.com/haasonsaas/heyfun/internal/retry"
)

// Config is shared by every provider.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	// MaxRetries bounds attempts to open a stream. Zero means 3.
	MaxRetries int
	RetryDelay time.Duration

	// Region and the static key pair apply to Bedrock. Without keys the
	// default AWS credential chain is used.
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// New builds the provider registered under name.
func New(name string, cfg Config) (agent.ChatProvider, error) {
	var (
		p   agent.ChatProvider
		err error
	)
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "openai":
		p, err = NewOpenAIProvider(cfg)
	case "anthropic":
		p, err = NewAnthropicProvider(cfg)
	case "google", "gemini":
		p, err = NewGoogleProvider(cfg)
	case "openrouter":
		p, err = NewOpenRouterProvider(cfg)
	case "ollama":
		p, err = NewOllamaProvider(cfg)
	case "bedrock":
		p, err = NewBedrockProvider(context.Background(), cfg)
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (c Config) policy() retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = c.MaxRetries
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	p.InitialDelay = c.RetryDelay
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}
	p.Retryable = IsRetryable
	return p
}

func (c Config) model(requested, fallback string) string {
	switch {
	case requested != "":
		return requested
	case c.DefaultModel != "":
		return c.DefaultModel
	default:
		return fallback
	}
}

// openStream opens a vendor stream, retrying transient failures.
func openStream[T any](ctx context.Context, policy retry.Policy, open func(ctx context.Context) (T, error)) (T, error) {
	return retry.DoValue(ctx, policy, func(ctx context.Context, _ int) (T, error) {
		return open(ctx)
	})
}

// send delivers d unless the consumer went away.
func send(ctx context.Context, out chan<- *agent.Delta, d *agent.Delta) bool {
	select {
	case out <- d:
		return true
	case <-ctx.Done():
		return false
	}
}
