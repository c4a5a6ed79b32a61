package generation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// SourceType says how a provider item carries its payload.
type SourceType string

const (
	SourceURL    SourceType = "url"
	SourceBase64 SourceType = "base64"
	SourceHex    SourceType = "hex"
)

// ProviderItem is one raw output reported by a provider.
type ProviderItem struct {
	SourceType SourceType `json:"source_type"`
	// Payload is a URL, base64 text, or hex text depending on SourceType.
	Payload   string `json:"payload"`
	MediaType string `json:"media_type,omitempty"`
	// Extension overrides the extension derived from MediaType.
	Extension string `json:"extension,omitempty"`
}

// PollResult is a provider status snapshot.
type PollResult struct {
	Status Status
	Items  []ProviderItem
	Error  string
}

// Provider submits and polls generation jobs at an external service.
type Provider interface {
	Submit(ctx context.Context, model string, params map[string]any) (externalID string, err error)
	Poll(ctx context.Context, model, externalID string) (*PollResult, error)
}

// Router picks a provider by the longest matching model prefix.
type Router struct {
	mu       sync.RWMutex
	prefixes []string
	byPrefix map[string]Provider
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{byPrefix: make(map[string]Provider)}
}

// Route sends models starting with prefix to p. An empty prefix is the
// fallback.
func (r *Router) Route(prefix string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byPrefix[prefix]; !ok {
		r.prefixes = append(r.prefixes, prefix)
		sort.Slice(r.prefixes, func(i, j int) bool { return len(r.prefixes[i]) > len(r.prefixes[j]) })
	}
	r.byPrefix[prefix] = p
}

// Resolve returns the provider for model.
func (r *Router) Resolve(model string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, prefix := range r.prefixes {
		if strings.HasPrefix(model, prefix) {
			return r.byPrefix[prefix], nil
		}
	}
	return nil, fmt.Errorf("no generation provider for model %q", model)
}

func (r *Router) Submit(ctx context.Context, model string, params map[string]any) (string, error) {
	p, err := r.Resolve(model)
	if err != nil {
		return "", err
	}
	return p.Submit(ctx, model, params)
}

func (r *Router) Poll(ctx context.Context, model, externalID string) (*PollResult, error) {
	p, err := r.Resolve(model)
	if err != nil {
		return nil, err
	}
	return p.Poll(ctx, model, externalID)
}
