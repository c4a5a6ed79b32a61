// Package openaiimage adapts the synchronous OpenAI image API to the
// submit/poll generation provider contract.
package openaiimage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/heyfun/internal/generation"
	"github.com/haasonsaas/heyfun/internal/workflow"
)

// Config configures the provider.
type Config struct {
	APIKey  string
	BaseURL string
}

// Provider generates images during Submit and serves the stored outcome on
// Poll. Outcomes live in memory, so a process restart between the two
// reports the task as failed.
type Provider struct {
	client *openai.Client

	mu      sync.Mutex
	results map[string]*generation.PollResult
}

var _ generation.Provider = (*Provider)(nil)

// New creates an image provider.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	return &Provider{
		client:  openai.NewClientWithConfig(config),
		results: make(map[string]*generation.PollResult),
	}, nil
}

// Submit runs the generation and records its outcome under a new id.
func (p *Provider) Submit(ctx context.Context, model string, params map[string]any) (string, error) {
	prompt, _ := params["prompt"].(string)
	if prompt == "" {
		return "", errors.New("prompt is required")
	}
	req := openai.ImageRequest{
		Prompt:         prompt,
		Model:          model,
		N:              1,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	}
	if n, ok := params["n"].(float64); ok && n > 0 {
		req.N = int(n)
	}
	if size, ok := params["size"].(string); ok {
		req.Size = size
	}
	if quality, ok := params["quality"].(string); ok {
		req.Quality = quality
	}

	resp, err := p.client.CreateImage(ctx, req)
	if err != nil {
		return "", classify(err)
	}

	result := &generation.PollResult{Status: generation.StatusCompleted}
	for _, d := range resp.Data {
		switch {
		case d.B64JSON != "":
			result.Items = append(result.Items, generation.ProviderItem{
				SourceType: generation.SourceBase64,
				Payload:    d.B64JSON,
				MediaType:  "image/png",
			})
		case d.URL != "":
			result.Items = append(result.Items, generation.ProviderItem{
				SourceType: generation.SourceURL,
				Payload:    d.URL,
			})
		}
	}

	id := "img_" + uuid.NewString()
	p.mu.Lock()
	p.results[id] = result
	p.mu.Unlock()
	return id, nil
}

// Poll returns the outcome recorded by Submit and forgets it.
func (p *Provider) Poll(ctx context.Context, model, externalID string) (*generation.PollResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	result, ok := p.results[externalID]
	if !ok {
		return &generation.PollResult{
			Status: generation.StatusFailed,
			Error:  "image result is no longer available",
		}, nil
	}
	delete(p.results, externalID)
	return result, nil
}

// classify marks rate limits and server errors as upstream failures so the
// submission is retried.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && retryableStatus(apiErr.HTTPStatusCode) {
		return workflow.Upstream("openai", err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && retryableStatus(reqErr.HTTPStatusCode) {
		return workflow.Upstream("openai", err)
	}
	return err
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
