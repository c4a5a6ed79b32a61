package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/heyfun/internal/agent"
	"github.com/haasonsaas/heyfun/internal/retry"
	"github.com/haasonsaas/heyfun/pkg/models"
)

const (
	defaultAnthropicModel     = "claude-sonnet-4-20250514"
	defaultAnthropicMaxTokens = 4096

	// maxEmptyStreamEvents is the number of consecutive events without output
	// after which a stream is treated as malformed.
	maxEmptyStreamEvents = 300
)

// AnthropicProvider streams Claude messages. Content block indexes become
// delta indexes, so tool input JSON is forwarded fragment by fragment.
type AnthropicProvider struct {
	client anthropic.Client
	cfg    Config
	policy retry.Policy
}

// NewAnthropicProvider creates a provider.
func NewAnthropicProvider(cfg Config) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
		cfg:    cfg,
		policy: cfg.policy(),
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) StreamCompletion(ctx context.Context, req *agent.ChatRequest) (<-chan *agent.Delta, error) {
	model := p.cfg.model(req.Model, defaultAnthropicModel)
	params, err := buildAnthropicParams(model, req)
	if err != nil {
		return nil, err
	}

	// The SDK reports request failures on the first Next, so the stream is
	// primed inside the retry loop.
	type primed struct {
		stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		ok     bool
	}
	first, err := openStream(ctx, p.policy, func(ctx context.Context) (primed, error) {
		stream := p.client.Messages.NewStreaming(ctx, params)
		if stream.Next() {
			return primed{stream: stream, ok: true}, nil
		}
		err := stream.Err()
		_ = stream.Close()
		if err != nil {
			return primed{}, wrapAnthropicError(model, err)
		}
		return primed{stream: nil}, nil
	})
	if err != nil {
		return nil, err
	}

	out := make(chan *agent.Delta)
	go func() {
		defer close(out)
		if first.stream == nil {
			return
		}
		stream := first.stream
		defer stream.Close()

		empty := 0
		for ok := first.ok; ok; ok = stream.Next() {
			d := fromAnthropicEvent(stream.Current())
			if d == nil {
				empty++
				if empty >= maxEmptyStreamEvents {
					send(ctx, out, &agent.Delta{Err: newProviderError("anthropic", model, 0, "",
						fmt.Errorf("stream appears malformed: %d consecutive empty events", empty))})
					return
				}
				continue
			}
			empty = 0
			if d.Err != nil {
				d.Err = wrapAnthropicError(model, d.Err)
			}
			if !send(ctx, out, d) || d.Err != nil {
				return
			}
		}
		if err := stream.Err(); err != nil {
			send(ctx, out, &agent.Delta{Err: wrapAnthropicError(model, err)})
		}
	}()
	return out, nil
}

// fromAnthropicEvent maps one stream event. It returns nil for events that
// carry nothing the driver needs.
func fromAnthropicEvent(event anthropic.MessageStreamEventUnion) *agent.Delta {
	switch event.Type {
	case "message_start":
		start := event.AsMessageStart()
		if start.Message.Usage.InputTokens == 0 {
			return nil
		}
		return &agent.Delta{
			Role:  models.RoleAssistant,
			Usage: &models.TokenUsage{PromptTokens: int(start.Message.Usage.InputTokens)},
		}

	case "content_block_start":
		start := event.AsContentBlockStart()
		if start.ContentBlock.Type != "tool_use" {
			return nil
		}
		toolUse := start.ContentBlock.AsToolUse()
		return &agent.Delta{ToolCalls: []agent.ToolCallDelta{{
			Index: int(start.Index),
			ID:    toolUse.ID,
			Name:  toolUse.Name,
		}}}

	case "content_block_delta":
		delta := event.AsContentBlockDelta()
		switch delta.Delta.Type {
		case "text_delta":
			if delta.Delta.Text == "" {
				return nil
			}
			return &agent.Delta{Content: delta.Delta.Text}
		case "input_json_delta":
			if delta.Delta.PartialJSON == "" {
				return nil
			}
			return &agent.Delta{ToolCalls: []agent.ToolCallDelta{{
				Index:     int(delta.Index),
				Arguments: delta.Delta.PartialJSON,
			}}}
		}
		return nil

	case "message_delta":
		delta := event.AsMessageDelta()
		d := &agent.Delta{FinishReason: string(delta.Delta.StopReason)}
		if delta.Usage.OutputTokens > 0 {
			d.Usage = &models.TokenUsage{CompletionTokens: int(delta.Usage.OutputTokens)}
		}
		if d.FinishReason == "" && d.Usage == nil {
			return nil
		}
		return d

	case "error":
		return &agent.Delta{Err: errors.New("anthropic stream error")}
	}
	return nil
}

func buildAnthropicParams(model string, req *agent.ChatRequest) (anthropic.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
	}

	var pendingResults []anthropic.ContentBlockParamUnion
	flushResults := func() {
		if len(pendingResults) > 0 {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleSystem:
			// Anthropic takes system text out of band; order is preserved.
			if msg.HasContent() {
				params.System = append(params.System, anthropic.TextBlockParam{Text: msg.Content})
			}
		case models.RoleTool:
			pendingResults = append(pendingResults, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
		case models.RoleAssistant:
			flushResults()
			var blocks []anthropic.ContentBlockParamUnion
			if msg.HasContent() {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				input := json.RawMessage(tc.Arguments)
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) > 0 {
				params.Messages = append(params.Messages, anthropic.NewAssistantMessage(blocks...))
			}
		default:
			flushResults()
			if msg.HasContent() {
				params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
			}
		}
	}
	flushResults()

	if len(req.Tools) > 0 {
		for _, decl := range req.Tools {
			var schema anthropic.ToolInputSchemaParam
			if err := json.Unmarshal(schemaOrEmpty(decl.Parameters), &schema); err != nil {
				return params, fmt.Errorf("anthropic: invalid tool schema for %s: %w", decl.Name, err)
			}
			tool := anthropic.ToolUnionParamOfTool(schema, decl.Name)
			if tool.OfTool == nil {
				return params, fmt.Errorf("anthropic: invalid tool schema for %s", decl.Name)
			}
			tool.OfTool.Description = anthropic.String(decl.Description)
			params.Tools = append(params.Tools, tool)
		}
		if req.ToolChoice == agent.ToolChoiceAuto {
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
		}
	}
	return params, nil
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func wrapAnthropicError(model string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		var payload anthropicErrorPayload
		_ = json.Unmarshal([]byte(apiErr.RawJSON()), &payload)
		pe := newProviderError("anthropic", model, apiErr.StatusCode, payload.Error.Type, err)
		if payload.Error.Message != "" {
			pe.Message = payload.Error.Message
		}
		return pe
	}
	return newProviderError("anthropic", model, 0, "", err)
}
