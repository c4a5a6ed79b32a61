package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/heyfun/internal/agent"
	"github.com/haasonsaas/heyfun/pkg/models"
)

func openAIFrame(v string) string { return "data: " + v + "\n\n" }

func TestOpenAIStreamsContentToolCallsAndUsage(t *testing.T) {
	srv := newSSEServer(t, http.StatusOK,
		openAIFrame(`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","content":"Let me "}}]}`),
		openAIFrame(`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"check."}}]}`),
		openAIFrame(`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"lookup","arguments":"{\"q\":"}}]}}]}`),
		openAIFrame(`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"rain\"}"}}]}}]}`),
		openAIFrame(`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`),
		openAIFrame(`{"id":"c1","object":"chat.completion.chunk","choices":[],"usage":{"prompt_tokens":42,"completion_tokens":7,"total_tokens":49}}`),
		openAIFrame(`[DONE]`),
	)
	p, err := NewOpenAIProvider(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("NewOpenAIProvider: %v", err)
	}

	ch, err := p.StreamCompletion(context.Background(), &agent.ChatRequest{
		Model:      "gpt-4o-mini",
		Messages:   []models.Message{{Role: models.RoleUser, Content: "weather?"}},
		Tools:      []agent.ToolDeclaration{{Name: "lookup", Description: "Look things up"}},
		ToolChoice: agent.ToolChoiceAuto,
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	got := summarize(drain(t, ch))

	if got.err != nil {
		t.Fatalf("unexpected stream error: %v", got.err)
	}
	if got.content != "Let me check." {
		t.Errorf("content = %q", got.content)
	}
	call := got.calls[0]
	if call == nil || call.ID != "call_1" || call.Name != "lookup" || call.Arguments != `{"q":"rain"}` {
		t.Errorf("call = %+v", call)
	}
	if got.finish != "tool_calls" || got.prompt != 42 || got.output != 7 {
		t.Errorf("finish=%q prompt=%d output=%d", got.finish, got.prompt, got.output)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(srv.lastBody.Load().(string)), &body); err != nil {
		t.Fatalf("request body: %v", err)
	}
	if body["model"] != "gpt-4o-mini" || body["stream"] != true || body["tool_choice"] != "auto" {
		t.Errorf("request = %v", body)
	}
}

func TestOpenAIAuthFailureIsNotRetried(t *testing.T) {
	srv := newSSEServer(t, http.StatusUnauthorized,
		`{"error":{"message":"Incorrect API key provided","type":"invalid_request_error","code":"invalid_api_key"}}`)
	p, _ := NewOpenAIProvider(testConfig(srv.URL))

	_, err := p.StreamCompletion(context.Background(), &agent.ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	pe, ok := GetProviderError(err)
	if !ok || pe.Reason != ReasonAuth || pe.Status != http.StatusUnauthorized {
		t.Fatalf("err = %v", err)
	}
	if srv.requests.Load() != 1 {
		t.Errorf("requests = %d, want 1", srv.requests.Load())
	}
}

func TestOpenAIServerErrorsAreRetried(t *testing.T) {
	srv := newSSEServer(t, http.StatusServiceUnavailable,
		`{"error":{"message":"overloaded","type":"server_error"}}`)
	p, _ := NewOpenAIProvider(testConfig(srv.URL))

	_, err := p.StreamCompletion(context.Background(), &agent.ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	if ClassifyError(err) != ReasonServerError {
		t.Fatalf("err = %v", err)
	}
	if srv.requests.Load() != 2 {
		t.Errorf("requests = %d, want 2 attempts", srv.requests.Load())
	}
}

func TestToOpenAIMessages(t *testing.T) {
	msgs := toOpenAIMessages([]models.Message{
		{Role: models.RoleSystem, Content: "be brief"},
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "call_1", Name: "lookup", Arguments: json.RawMessage(`{"q":1}`)}}},
		{Role: models.RoleTool, Name: "lookup", ToolCallID: "call_1", Content: "42"},
	})
	if len(msgs) != 4 {
		t.Fatalf("len = %d", len(msgs))
	}
	if msgs[0].Role != openai.ChatMessageRoleSystem || msgs[0].Content != "be brief" {
		t.Errorf("system = %+v", msgs[0])
	}
	tc := msgs[2].ToolCalls
	if len(tc) != 1 || tc[0].Type != openai.ToolTypeFunction || tc[0].Function.Arguments != `{"q":1}` {
		t.Errorf("assistant tool calls = %+v", tc)
	}
	if msgs[3].ToolCallID != "call_1" || msgs[3].Name != "lookup" {
		t.Errorf("tool message = %+v", msgs[3])
	}
}

func TestToOpenAIToolsFillsEmptySchema(t *testing.T) {
	out := toOpenAITools([]agent.ToolDeclaration{{Name: "noop"}})
	params, ok := out[0].Function.Parameters.(json.RawMessage)
	if !ok || !strings.Contains(string(params), `"type":"object"`) {
		t.Errorf("parameters = %v", out[0].Function.Parameters)
	}
}

func TestFromOpenAIChunkUsesFragmentIndex(t *testing.T) {
	second := 1
	d := fromOpenAIChunk(openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{{
			Delta: openai.ChatCompletionStreamChoiceDelta{
				ToolCalls: []openai.ToolCall{{Index: &second, Function: openai.FunctionCall{Arguments: `"x"}`}}},
			},
		}},
	})
	if len(d.ToolCalls) != 1 || d.ToolCalls[0].Index != 1 || d.ToolCalls[0].Arguments != `"x"}` {
		t.Errorf("delta = %+v", d.ToolCalls)
	}
}

func TestWrapOpenAIError(t *testing.T) {
	if wrapOpenAIError("openai", "m", nil) != nil {
		t.Error("nil stays nil")
	}
	if err := wrapOpenAIError("openai", "m", context.Canceled); !errors.Is(err, context.Canceled) {
		t.Errorf("cancellation must pass through, got %v", err)
	}
	err := wrapOpenAIError("openai", "gpt-4o", &openai.APIError{Code: "rate_limit_exceeded", Message: "slow down", HTTPStatusCode: 429})
	pe, ok := GetProviderError(err)
	if !ok || pe.Reason != ReasonRateLimit || pe.Message != "slow down" || pe.Code != "rate_limit_exceeded" {
		t.Errorf("err = %+v", err)
	}
}

func TestOpenAICompatibleProviders(t *testing.T) {
	srv := newSSEServer(t, http.StatusOK,
		openAIFrame(`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","content":"hi"},"finish_reason":"stop"}]}`),
		openAIFrame(`[DONE]`),
	)

	p, err := NewOllamaProvider(Config{BaseURL: srv.URL, MaxRetries: 1})
	if err != nil {
		t.Fatalf("NewOllamaProvider: %v", err)
	}
	if p.Name() != "ollama" {
		t.Errorf("Name = %q", p.Name())
	}
	ch, err := p.StreamCompletion(context.Background(), &agent.ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	if got := summarize(drain(t, ch)); got.content != "hi" || got.finish != "stop" {
		t.Errorf("summary = %+v", got)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(srv.lastBody.Load().(string)), &body); err != nil {
		t.Fatalf("request body: %v", err)
	}
	if body["model"] != defaultOllamaModel {
		t.Errorf("model = %v, want %s", body["model"], defaultOllamaModel)
	}

	if _, err := NewOpenRouterProvider(Config{}); err == nil {
		t.Error("openrouter requires an API key")
	}
	router, err := NewOpenRouterProvider(Config{APIKey: "k"})
	if err != nil {
		t.Fatalf("NewOpenRouterProvider: %v", err)
	}
	if router.Name() != "openrouter" || router.cfg.BaseURL != openRouterBaseURL {
		t.Errorf("router = %s at %s", router.Name(), router.cfg.BaseURL)
	}
}
