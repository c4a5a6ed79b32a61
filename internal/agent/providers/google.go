package providers

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"math"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/haasonsaas/heyfun/internal/agent"
	"github.com/haasonsaas/heyfun/internal/retry"
	"github.com/haasonsaas/heyfun/pkg/models"
)

const defaultGoogleModel = "gemini-2.0-flash"

// GoogleProvider streams Gemini content. Gemini delivers each function call
// whole, so every call becomes one delta with its own index.
type GoogleProvider struct {
	client *genai.Client
	cfg    Config
	policy retry.Policy
}

// NewGoogleProvider creates a provider on the Gemini API backend.
func NewGoogleProvider(cfg Config) (*GoogleProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(context.Background(), cc)
	if err != nil {
		return nil, err
	}
	return &GoogleProvider{client: client, cfg: cfg, policy: cfg.policy()}, nil
}

func (p *GoogleProvider) Name() string { return "google" }

type geminiChunk = *genai.GenerateContentResponse

func (p *GoogleProvider) StreamCompletion(ctx context.Context, req *agent.ChatRequest) (<-chan *agent.Delta, error) {
	model := p.cfg.model(req.Model, defaultGoogleModel)
	contents, config := buildGeminiRequest(req)

	// The stream is lazy: pull the first chunk inside the retry loop so
	// request failures are retried before anything is handed out.
	type primed struct {
		next  func() (geminiChunk, error, bool)
		stop  func()
		first geminiChunk
		done  bool
	}
	start, err := openStream(ctx, p.policy, func(ctx context.Context) (primed, error) {
		next, stop := iter.Pull2(p.client.Models.GenerateContentStream(ctx, model, contents, config))
		first, err, ok := next()
		if err != nil {
			stop()
			return primed{}, wrapGoogleError(model, err)
		}
		return primed{next: next, stop: stop, first: first, done: !ok}, nil
	})
	if err != nil {
		return nil, err
	}

	out := make(chan *agent.Delta)
	go func() {
		defer close(out)
		defer start.stop()
		if start.done {
			return
		}

		// Gemini repeats cumulative usage on every chunk; only the last
		// report is forwarded.
		var usage *models.TokenUsage
		index := 0
		resp := start.first
		for {
			if resp != nil {
				if resp.UsageMetadata != nil {
					usage = &models.TokenUsage{
						PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
						CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
						TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
					}
				}
				if d := fromGeminiChunk(resp, &index); d != nil && !send(ctx, out, d) {
					return
				}
			}
			var (
				err error
				ok  bool
			)
			resp, err, ok = start.next()
			if err != nil {
				send(ctx, out, &agent.Delta{Err: wrapGoogleError(model, err)})
				return
			}
			if !ok {
				break
			}
		}
		if usage != nil {
			send(ctx, out, &agent.Delta{Usage: usage})
		}
	}()
	return out, nil
}

func fromGeminiChunk(resp *genai.GenerateContentResponse, index *int) *agent.Delta {
	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return nil
	}
	candidate := resp.Candidates[0]
	d := &agent.Delta{FinishReason: string(candidate.FinishReason)}
	var text strings.Builder
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part == nil || part.Thought {
				continue
			}
			text.WriteString(part.Text)
			if fc := part.FunctionCall; fc != nil {
				args, err := json.Marshal(fc.Args)
				if err != nil || fc.Args == nil {
					args = []byte("{}")
				}
				d.ToolCalls = append(d.ToolCalls, agent.ToolCallDelta{
					Index:     *index,
					ID:        fc.ID,
					Name:      fc.Name,
					Arguments: string(args),
				})
				*index++
			}
		}
	}
	d.Content = text.String()
	if d.Content == "" && len(d.ToolCalls) == 0 && d.FinishReason == "" {
		return nil
	}
	return d
}

func buildGeminiRequest(req *agent.ChatRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	config := &genai.GenerateContentConfig{}
	var (
		contents []*genai.Content
		results  *genai.Content
	)
	flushResults := func() {
		if results != nil {
			contents = append(contents, results)
			results = nil
		}
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleSystem:
			if !msg.HasContent() {
				continue
			}
			if config.SystemInstruction == nil {
				config.SystemInstruction = &genai.Content{}
			}
			config.SystemInstruction.Parts = append(config.SystemInstruction.Parts, &genai.Part{Text: msg.Content})
		case models.RoleTool:
			if results == nil {
				results = &genai.Content{Role: genai.RoleUser}
			}
			results.Parts = append(results.Parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       msg.ToolCallID,
				Name:     msg.Name,
				Response: map[string]any{"output": msg.Content},
			}})
		case models.RoleAssistant:
			flushResults()
			content := &genai.Content{Role: genai.RoleModel}
			if msg.HasContent() {
				content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				var args map[string]any
				if err := json.Unmarshal(tc.Arguments, &args); err != nil {
					args = map[string]any{}
				}
				content.Parts = append(content.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   tc.ID,
					Name: tc.Name,
					Args: args,
				}})
			}
			if len(content.Parts) > 0 {
				contents = append(contents, content)
			}
		default:
			flushResults()
			if msg.HasContent() {
				contents = append(contents, &genai.Content{
					Role:  genai.RoleUser,
					Parts: []*genai.Part{{Text: msg.Content}},
				})
			}
		}
	}
	flushResults()

	if req.MaxTokens > 0 {
		// #nosec G115 -- bounded by min
		config.MaxOutputTokens = int32(min(req.MaxTokens, math.MaxInt32))
	}
	if tools := toGeminiTools(req.Tools); tools != nil {
		config.Tools = tools
		if req.ToolChoice == agent.ToolChoiceAuto {
			config.ToolConfig = &genai.ToolConfig{
				FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAuto},
			}
		}
	}
	return contents, config
}

func toGeminiTools(decls []agent.ToolDeclaration) []*genai.Tool {
	if len(decls) == 0 {
		return nil
	}
	out := make([]*genai.FunctionDeclaration, 0, len(decls))
	for _, decl := range decls {
		var schemaMap map[string]any
		if err := json.Unmarshal(schemaOrEmpty(decl.Parameters), &schemaMap); err != nil {
			continue
		}
		out = append(out, &genai.FunctionDeclaration{
			Name:        decl.Name,
			Description: decl.Description,
			Parameters:  toGeminiSchema(schemaMap),
		})
	}
	if len(out) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: out}}
}

// toGeminiSchema converts the JSON Schema subset Gemini understands.
func toGeminiSchema(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}
	schema := &genai.Schema{}
	if t, ok := m["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := m["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := m["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := m["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if pm, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toGeminiSchema(pm)
			}
		}
	}
	if required, ok := m["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		schema.Items = toGeminiSchema(items)
	}
	return schema
}

func wrapGoogleError(model string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		pe := newProviderError("google", model, apiErr.Code, apiErr.Status, err)
		if apiErr.Message != "" {
			pe.Message = apiErr.Message
		}
		return pe
	}
	status := 0
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "resource exhausted"):
		status = http.StatusTooManyRequests
	case strings.Contains(msg, "unauthenticated"):
		status = http.StatusUnauthorized
	case strings.Contains(msg, "permission denied"):
		status = http.StatusForbidden
	}
	return newProviderError("google", model, status, "", err)
}
