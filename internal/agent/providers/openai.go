package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/heyfun/internal/agent"
	"github.com/haasonsaas/heyfun/internal/retry"
	"github.com/haasonsaas/heyfun/pkg/models"
)

const (
	defaultOpenAIModel     = "gpt-4o"
	defaultOpenRouterModel = "openai/gpt-4o"
	defaultOllamaModel     = "llama3.1"

	openRouterBaseURL = "https://openrouter.ai/api/v1"
	ollamaBaseURL     = "http://localhost:11434/v1"
)

// OpenAIProvider streams chat completions from OpenAI-compatible APIs.
// Tool calls arrive as indexed fragments and are forwarded as such.
type OpenAIProvider struct {
	name         string
	defaultModel string
	client       *openai.Client
	cfg          Config
	policy       retry.Policy
}

// NewOpenAIProvider creates a provider. BaseURL points it at any
// OpenAI-compatible endpoint.
func NewOpenAIProvider(cfg Config) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	return newOpenAICompatible("openai", defaultOpenAIModel, cfg), nil
}

// NewOpenRouterProvider reaches OpenRouter's OpenAI-compatible API. Model
// IDs take the provider/model form, e.g. "anthropic/claude-3-opus".
func NewOpenRouterProvider(cfg Config) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openrouter: API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = openRouterBaseURL
	}
	return newOpenAICompatible("openrouter", defaultOpenRouterModel, cfg), nil
}

// NewOllamaProvider reaches a local Ollama server through its
// OpenAI-compatible endpoint. No API key is needed.
func NewOllamaProvider(cfg Config) (*OpenAIProvider, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = ollamaBaseURL
	}
	if cfg.APIKey == "" {
		cfg.APIKey = "ollama"
	}
	return newOpenAICompatible("ollama", defaultOllamaModel, cfg), nil
}

func newOpenAICompatible(name, defaultModel string, cfg Config) *OpenAIProvider {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{
		name:         name,
		defaultModel: defaultModel,
		client:       openai.NewClientWithConfig(oc),
		cfg:          cfg,
		policy:       cfg.policy(),
	}
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) StreamCompletion(ctx context.Context, req *agent.ChatRequest) (<-chan *agent.Delta, error) {
	model := p.cfg.model(req.Model, p.defaultModel)
	chatReq := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      toOpenAIMessages(req.Messages),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toOpenAITools(req.Tools)
		if req.ToolChoice != "" {
			chatReq.ToolChoice = req.ToolChoice
		}
	}

	stream, err := openStream(ctx, p.policy, func(ctx context.Context) (*openai.ChatCompletionStream, error) {
		s, err := p.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			return nil, wrapOpenAIError(p.name, model, err)
		}
		return s, nil
	})
	if err != nil {
		return nil, err
	}

	out := make(chan *agent.Delta)
	go func() {
		defer close(out)
		defer stream.Close()
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				send(ctx, out, &agent.Delta{Err: wrapOpenAIError(p.name, model, err)})
				return
			}
			if !send(ctx, out, fromOpenAIChunk(resp)) {
				return
			}
		}
	}()
	return out, nil
}

func fromOpenAIChunk(resp openai.ChatCompletionStreamResponse) *agent.Delta {
	d := &agent.Delta{}
	if resp.Usage != nil {
		d.Usage = &models.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	if len(resp.Choices) == 0 {
		return d
	}
	choice := resp.Choices[0]
	d.Role = models.Role(choice.Delta.Role)
	d.Content = choice.Delta.Content
	d.FinishReason = string(choice.FinishReason)
	for i, tc := range choice.Delta.ToolCalls {
		index := i
		if tc.Index != nil {
			index = *tc.Index
		}
		d.ToolCalls = append(d.ToolCalls, agent.ToolCallDelta{
			Index:     index,
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return d
}

func toOpenAIMessages(messages []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		m := openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
		switch msg.Role {
		case models.RoleAssistant:
			for _, tc := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
		case models.RoleTool:
			m.ToolCallID = msg.ToolCallID
			m.Name = msg.Name
		}
		out = append(out, m)
	}
	return out
}

func toOpenAITools(decls []agent.ToolDeclaration) []openai.Tool {
	out := make([]openai.Tool, len(decls))
	for i, decl := range decls {
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        decl.Name,
				Description: decl.Description,
				Parameters:  schemaOrEmpty(decl.Parameters),
			},
		}
	}
	return out
}

// schemaOrEmpty falls back to an empty object schema for missing parameters.
func schemaOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return raw
}

func wrapOpenAIError(provider, model string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code, _ := apiErr.Code.(string)
		if code == "" {
			code = apiErr.Type
		}
		pe := newProviderError(provider, model, apiErr.HTTPStatusCode, code, err)
		pe.Message = apiErr.Message
		return pe
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return newProviderError(provider, model, reqErr.HTTPStatusCode, "", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return newProviderError(provider, model, 0, "", err)
}
