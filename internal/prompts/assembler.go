package prompts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/heyfun/internal/embeddings"
	"github.com/haasonsaas/heyfun/internal/observability"
	"github.com/haasonsaas/heyfun/internal/session"
	"github.com/haasonsaas/heyfun/internal/vectorindex"
)

const (
	// DefaultTopK is the number of fragments used when a request does not say.
	DefaultTopK = 3
	// MaxTopK bounds how many fragments one prompt may draw on.
	MaxTopK = 10
	// maxOverFetch caps the vector query size.
	maxOverFetch = 50

	// MatchConfidence is reported whenever at least one fragment matched.
	MatchConfidence = 0.8
)

const expansionSystemPrompt = `You expand search queries for a prompt library.
Repeat the user's query exactly as written, then append a short list of closely related terms, synonyms and task keywords.
Return only the expanded query on a single line.`

const synthesisSystemPrompt = `You write guidance for an AI assistant.
You receive the user's message, an optional analysis of their intent, and a set of reference fragments.
Write one concise guidance section tailored to this message. Synthesize the relevant fragments; do not copy them one after another.
Ignore fragments with low relevance to the message. Return only the guidance text.`

// AssembleRequest asks for a prompt layer for one user message.
type AssembleRequest struct {
	SessionID string
	Message   string
	Intent    *session.Intent
	// TopK is clamped to 1..MaxTopK; zero uses the assembler default.
	TopK int
	// Expand overrides the assembler's query expansion setting when set.
	Expand *bool
}

// AssembleResult reports what was assembled and why.
type AssembleResult struct {
	Prompt        string   `json:"prompt"`
	FragmentIDs   []string `json:"fragment_ids"`
	Confidence    float64  `json:"confidence"`
	Reasons       []string `json:"reasons"`
	ExpandedQuery string   `json:"expanded_query,omitempty"`
	Synthesized   bool     `json:"synthesized"`
}

// AssemblerConfig configures an Assembler.
type AssemblerConfig struct {
	Store    Store
	Index    vectorindex.Index
	Embedder embeddings.Provider
	// Model runs query expansion and synthesis. Nil disables both.
	Model session.Completer

	TopK          int
	ExpandQueries bool
	// Timeout bounds each secondary model call.
	Timeout time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Assembler turns a user message into a task-specific system prompt layer.
type Assembler struct {
	store    Store
	index    vectorindex.Index
	embedder embeddings.Provider
	model    session.Completer
	topK     int
	expand   bool
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewAssembler creates an assembler.
func NewAssembler(cfg AssemblerConfig) (*Assembler, error) {
	if cfg.Store == nil {
		return nil, errors.New("fragment store is required")
	}
	if cfg.Index == nil {
		return nil, errors.New("vector index is required")
	}
	if cfg.Embedder == nil {
		return nil, errors.New("embedding provider is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Assembler{
		store:    cfg.Store,
		index:    cfg.Index,
		embedder: cfg.Embedder,
		model:    cfg.Model,
		topK:     clampTopK(cfg.TopK),
		expand:   cfg.ExpandQueries,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger.With("component", "prompts"),
		metrics:  cfg.Metrics,
	}, nil
}

func clampTopK(k int) int {
	switch {
	case k < 1:
		return 1
	case k > MaxTopK:
		return MaxTopK
	default:
		return k
	}
}

// OverFetch is the vector query size for a requested k: min(2k, 50).
func OverFetch(k int) int {
	return min(2*k, maxOverFetch)
}

// Assemble retrieves, filters and synthesizes fragments for req. Expansion,
// embedding and synthesis failures degrade the result; store and index
// errors are returned.
func (a *Assembler) Assemble(ctx context.Context, req AssembleRequest) (*AssembleResult, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		a.metrics.RecordAssembly("empty")
		return emptyResult("no user message to match against"), nil
	}
	k := a.topK
	if req.TopK != 0 {
		k = clampTopK(req.TopK)
	}
	expand := a.expand
	if req.Expand != nil {
		expand = *req.Expand
	}

	result := &AssembleResult{}
	query := message
	if expand {
		query = a.expandQuery(ctx, message)
		if query != message {
			result.ExpandedQuery = query
		}
	}

	vector, err := a.embedder.Embed(ctx, query)
	if err != nil {
		a.logger.WarnContext(ctx, "query embedding failed", "error", err)
		a.metrics.RecordAssembly("degraded")
		return emptyResult("query embedding failed: " + err.Error()), nil
	}

	matches, err := a.index.Query(ctx, vector, OverFetch(k))
	if err != nil {
		a.metrics.RecordAssembly("error")
		return nil, fmt.Errorf("query vector index: %w", err)
	}

	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		if id, ok := vectorindex.FragmentIDFromVector(m.ID); ok {
			ids = append(ids, id)
		}
	}
	fragments, err := a.store.GetMany(ctx, ids)
	if err != nil {
		a.metrics.RecordAssembly("error")
		return nil, fmt.Errorf("load fragments: %w", err)
	}

	// Similarity rank is authoritative: filter in order, then truncate.
	selected := make([]*Fragment, 0, k)
	for _, id := range ids {
		f, ok := fragments[id]
		if !ok || !f.Enabled {
			continue
		}
		selected = append(selected, f)
		if len(selected) == k {
			break
		}
	}

	if len(selected) == 0 {
		a.metrics.RecordAssembly("empty")
		empty := emptyResult("no enabled fragments matched the message")
		empty.ExpandedQuery = result.ExpandedQuery
		return empty, nil
	}

	for _, f := range selected {
		result.FragmentIDs = append(result.FragmentIDs, f.ID)
		result.Reasons = append(result.Reasons, fmt.Sprintf("matched fragment %q", f.Name))
	}
	result.Confidence = MatchConfidence

	if text, ok := a.synthesize(ctx, message, req.Intent, selected); ok {
		result.Prompt = text
		result.Synthesized = true
	} else {
		result.Prompt = concatenate(selected)
		result.Reasons = append(result.Reasons, "fragments concatenated without synthesis")
	}

	a.metrics.RecordAssembly("matched")
	a.logger.DebugContext(ctx, "prompt assembled",
		"session_id", req.SessionID,
		"fragments", len(selected),
		"synthesized", result.Synthesized,
	)
	return result, nil
}

func emptyResult(reason string) *AssembleResult {
	return &AssembleResult{Confidence: 0, Reasons: []string{reason}}
}

// expandQuery asks the model to append related terms. The original query
// must appear verbatim and the expansion must be longer, or the original is
// used unchanged.
func (a *Assembler) expandQuery(ctx context.Context, query string) string {
	if a.model == nil {
		return query
	}
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	out, err := a.model.Complete(callCtx, expansionSystemPrompt, query)
	if err != nil {
		a.logger.WarnContext(ctx, "query expansion failed", "error", err)
		return query
	}
	out = strings.TrimSpace(out)
	if len(out) <= len(query) || !strings.Contains(out, query) {
		return query
	}
	return out
}

func (a *Assembler) synthesize(ctx context.Context, message string, intent *session.Intent, fragments []*Fragment) (string, bool) {
	if a.model == nil {
		return "", false
	}
	var b strings.Builder
	b.WriteString("User message:\n")
	b.WriteString(message)
	b.WriteString("\n\n")
	if intent != nil {
		fmt.Fprintf(&b, "Intent analysis:\n- goal: %s\n- task type: %s\n- complexity: %s\n\n",
			intent.Goal, intent.TaskType, intent.Complexity)
	}
	b.WriteString("Reference fragments, most relevant first:\n\n")
	for i, f := range fragments {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, f.Name)
		if f.Description != "" {
			b.WriteString(f.Description)
			b.WriteString("\n")
		}
		b.WriteString(f.Content)
		b.WriteString("\n\n")
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	out, err := a.model.Complete(callCtx, synthesisSystemPrompt, b.String())
	if err != nil {
		a.logger.WarnContext(ctx, "prompt synthesis failed, concatenating fragments", "error", err)
		return "", false
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", false
	}
	return out, true
}

// concatenate renders fragments in retrieval order.
func concatenate(fragments []*Fragment) string {
	parts := make([]string, 0, len(fragments))
	for _, f := range fragments {
		var b strings.Builder
		b.WriteString("## ")
		b.WriteString(f.Name)
		if d := strings.TrimSpace(f.Description); d != "" {
			b.WriteString("\n")
			b.WriteString(d)
		}
		b.WriteString("\n\n")
		b.WriteString(strings.TrimSpace(f.Content))
		parts = append(parts, b.String())
	}
	return strings.Join(parts, "\n\n")
}

// Apply writes the result into the session's dynamic prompt layer. An empty
// or nil result clears it.
func (a *Assembler) Apply(state *session.State, result *AssembleResult) {
	if state == nil {
		return
	}
	if result == nil || strings.TrimSpace(result.Prompt) == "" {
		state.SetDynamicPrompt("")
		return
	}
	state.SetDynamicPrompt(result.Prompt)
}

// Refresh assembles for req and applies the outcome to state. Errors clear
// the dynamic prompt and are returned for reporting only.
func (a *Assembler) Refresh(ctx context.Context, state *session.State, req AssembleRequest) (*AssembleResult, error) {
	result, err := a.Assemble(ctx, req)
	if err != nil {
		a.logger.WarnContext(ctx, "prompt assembly failed, clearing dynamic prompt", "error", err)
		a.Apply(state, nil)
		return emptyResult("prompt assembly failed: " + err.Error()), err
	}
	a.Apply(state, result)
	return result, nil
}
