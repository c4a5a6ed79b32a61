package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/haasonsaas/heyfun/internal/agent"
	"github.com/haasonsaas/heyfun/pkg/models"
)

func anthropicFrame(event, data string) string {
	return "event: " + event + "\ndata: " + data + "\n\n"
}

func TestAnthropicStreamsTextAndToolUse(t *testing.T) {
	srv := newSSEServer(t, http.StatusOK,
		anthropicFrame("message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-20250514","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":25,"output_tokens":1}}}`),
		anthropicFrame("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
		anthropicFrame("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Checking"}}`),
		anthropicFrame("content_block_stop", `{"type":"content_block_stop","index":0}`),
		anthropicFrame("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"lookup","input":{}}}`),
		anthropicFrame("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"q\":"}}`),
		anthropicFrame("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"rain\"}"}}`),
		anthropicFrame("content_block_stop", `{"type":"content_block_stop","index":1}`),
		anthropicFrame("message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":12}}`),
		anthropicFrame("message_stop", `{"type":"message_stop"}`),
	)
	p, err := NewAnthropicProvider(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("NewAnthropicProvider: %v", err)
	}

	ch, err := p.StreamCompletion(context.Background(), &agent.ChatRequest{
		Messages:   []models.Message{{Role: models.RoleSystem, Content: "be brief"}, {Role: models.RoleUser, Content: "weather?"}},
		Tools:      []agent.ToolDeclaration{{Name: "lookup", Parameters: json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`)}},
		ToolChoice: agent.ToolChoiceAuto,
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	got := summarize(drain(t, ch))

	if got.err != nil {
		t.Fatalf("unexpected stream error: %v", got.err)
	}
	if got.content != "Checking" {
		t.Errorf("content = %q", got.content)
	}
	call := got.calls[1]
	if call == nil || call.ID != "toolu_1" || call.Name != "lookup" || call.Arguments != `{"q":"rain"}` {
		t.Errorf("call = %+v", call)
	}
	if got.finish != "tool_use" || got.prompt != 25 || got.output != 12 {
		t.Errorf("finish=%q prompt=%d output=%d", got.finish, got.prompt, got.output)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(srv.lastBody.Load().(string)), &body); err != nil {
		t.Fatalf("request body: %v", err)
	}
	if body["model"] != defaultAnthropicModel || body["stream"] != true {
		t.Errorf("request = %v", body)
	}
	if _, ok := body["system"]; !ok {
		t.Error("system text must be sent out of band")
	}
}

func TestAnthropicRateLimitIsRetried(t *testing.T) {
	srv := newSSEServer(t, http.StatusTooManyRequests,
		`{"type":"error","error":{"type":"rate_limit_error","message":"Number of requests has exceeded your rate limit"}}`)
	p, _ := NewAnthropicProvider(testConfig(srv.URL))

	_, err := p.StreamCompletion(context.Background(), &agent.ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	pe, ok := GetProviderError(err)
	if !ok || pe.Reason != ReasonRateLimit || pe.Code != "rate_limit_error" {
		t.Fatalf("err = %v", err)
	}
	if srv.requests.Load() != 2 {
		t.Errorf("requests = %d, want 2 attempts", srv.requests.Load())
	}
}

func TestAnthropicInvalidRequestIsNotRetried(t *testing.T) {
	srv := newSSEServer(t, http.StatusBadRequest,
		`{"type":"error","error":{"type":"invalid_request_error","message":"max_tokens: too large"}}`)
	p, _ := NewAnthropicProvider(testConfig(srv.URL))

	_, err := p.StreamCompletion(context.Background(), &agent.ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	pe, ok := GetProviderError(err)
	if !ok || pe.Reason != ReasonInvalidRequest || pe.Message != "max_tokens: too large" {
		t.Fatalf("err = %v", err)
	}
	if srv.requests.Load() != 1 {
		t.Errorf("requests = %d, want 1", srv.requests.Load())
	}
}

func TestBuildAnthropicParamsMergesToolResults(t *testing.T) {
	params, err := buildAnthropicParams("claude", &agent.ChatRequest{
		Messages: []models.Message{
			{Role: models.RoleSystem, Content: "base"},
			{Role: models.RoleUser, Content: "compare"},
			{Role: models.RoleAssistant, Content: "Looking.", ToolCalls: []models.ToolCall{
				{ID: "a", Name: "lookup", Arguments: json.RawMessage(`{"q":"x"}`)},
				{ID: "b", Name: "lookup"},
			}},
			{Role: models.RoleTool, ToolCallID: "a", Content: "1"},
			{Role: models.RoleTool, ToolCallID: "b", Content: "2"},
			{Role: models.RoleSystem, Content: "hint"},
		},
	})
	if err != nil {
		t.Fatalf("buildAnthropicParams: %v", err)
	}
	if len(params.System) != 2 || params.System[1].Text != "hint" {
		t.Errorf("system = %+v", params.System)
	}
	if len(params.Messages) != 3 {
		t.Fatalf("messages = %d, want user, assistant, merged results", len(params.Messages))
	}
	if params.Messages[1].Role != anthropic.MessageParamRoleAssistant || len(params.Messages[1].Content) != 3 {
		t.Errorf("assistant = %+v", params.Messages[1])
	}
	results := params.Messages[2]
	if results.Role != anthropic.MessageParamRoleUser || len(results.Content) != 2 {
		t.Errorf("results = %+v", results)
	}
	if params.MaxTokens != defaultAnthropicMaxTokens {
		t.Errorf("max tokens = %d", params.MaxTokens)
	}
}

func TestBuildAnthropicParamsRejectsBadSchema(t *testing.T) {
	_, err := buildAnthropicParams("claude", &agent.ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
		Tools:    []agent.ToolDeclaration{{Name: "broken", Parameters: json.RawMessage(`[1,2]`)}},
	})
	if err == nil {
		t.Error("expected error for non-object schema")
	}
}
