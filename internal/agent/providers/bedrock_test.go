package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/haasonsaas/heyfun/internal/agent"
	"github.com/haasonsaas/heyfun/pkg/models"
)

type fakeEventStream struct {
	events chan types.ConverseStreamOutput
	err    error
	closed bool
}

func newFakeEventStream(err error, events ...types.ConverseStreamOutput) *fakeEventStream {
	s := &fakeEventStream{events: make(chan types.ConverseStreamOutput, len(events)), err: err}
	for _, ev := range events {
		s.events <- ev
	}
	close(s.events)
	return s
}

func (s *fakeEventStream) Events() <-chan types.ConverseStreamOutput { return s.events }
func (s *fakeEventStream) Close() error                              { s.closed = true; return nil }
func (s *fakeEventStream) Err() error                                { return s.err }

func newFakeBedrock(open func(ctx context.Context, in *bedrockruntime.ConverseStreamInput) (bedrockEventStream, error)) *BedrockProvider {
	cfg := Config{MaxRetries: 2, RetryDelay: time.Millisecond}
	return &BedrockProvider{open: open, cfg: cfg, policy: cfg.policy()}
}

func TestBedrockStreamsTextToolUseAndUsage(t *testing.T) {
	stream := newFakeEventStream(nil,
		&types.ConverseStreamOutputMemberMessageStart{Value: types.MessageStartEvent{Role: types.ConversationRoleAssistant}},
		&types.ConverseStreamOutputMemberContentBlockDelta{Value: types.ContentBlockDeltaEvent{
			ContentBlockIndex: aws.Int32(0),
			Delta:             &types.ContentBlockDeltaMemberText{Value: "Checking."},
		}},
		&types.ConverseStreamOutputMemberContentBlockStart{Value: types.ContentBlockStartEvent{
			ContentBlockIndex: aws.Int32(1),
			Start: &types.ContentBlockStartMemberToolUse{Value: types.ToolUseBlockStart{
				ToolUseId: aws.String("tu_1"),
				Name:      aws.String("lookup"),
			}},
		}},
		&types.ConverseStreamOutputMemberContentBlockDelta{Value: types.ContentBlockDeltaEvent{
			ContentBlockIndex: aws.Int32(1),
			Delta:             &types.ContentBlockDeltaMemberToolUse{Value: types.ToolUseBlockDelta{Input: aws.String(`{"q":`)}},
		}},
		&types.ConverseStreamOutputMemberContentBlockDelta{Value: types.ContentBlockDeltaEvent{
			ContentBlockIndex: aws.Int32(1),
			Delta:             &types.ContentBlockDeltaMemberToolUse{Value: types.ToolUseBlockDelta{Input: aws.String(`"rain"}`)}},
		}},
		&types.ConverseStreamOutputMemberContentBlockStop{Value: types.ContentBlockStopEvent{ContentBlockIndex: aws.Int32(1)}},
		&types.ConverseStreamOutputMemberMessageStop{Value: types.MessageStopEvent{StopReason: types.StopReasonToolUse}},
		&types.ConverseStreamOutputMemberMetadata{Value: types.ConverseStreamMetadataEvent{
			Usage: &types.TokenUsage{InputTokens: aws.Int32(30), OutputTokens: aws.Int32(9), TotalTokens: aws.Int32(39)},
		}},
	)
	var got *bedrockruntime.ConverseStreamInput
	p := newFakeBedrock(func(ctx context.Context, in *bedrockruntime.ConverseStreamInput) (bedrockEventStream, error) {
		got = in
		return stream, nil
	})

	ch, err := p.StreamCompletion(context.Background(), &agent.ChatRequest{
		Messages: []models.Message{
			{Role: models.RoleSystem, Content: "You are an agent."},
			{Role: models.RoleUser, Content: "weather?"},
		},
		Tools:      []agent.ToolDeclaration{{Name: "lookup", Description: "Look things up"}},
		ToolChoice: agent.ToolChoiceAuto,
		MaxTokens:  256,
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	sum := summarize(drain(t, ch))

	if sum.err != nil {
		t.Fatalf("unexpected stream error: %v", sum.err)
	}
	if sum.content != "Checking." {
		t.Errorf("content = %q", sum.content)
	}
	call := sum.calls[1]
	if call == nil || call.ID != "tu_1" || call.Name != "lookup" || call.Arguments != `{"q":"rain"}` {
		t.Errorf("call = %+v", call)
	}
	if sum.finish != "tool_use" || sum.prompt != 30 || sum.output != 9 {
		t.Errorf("finish=%q prompt=%d output=%d", sum.finish, sum.prompt, sum.output)
	}
	if !stream.closed {
		t.Error("event stream was not closed")
	}

	if aws.ToString(got.ModelId) != defaultBedrockModel {
		t.Errorf("model = %q", aws.ToString(got.ModelId))
	}
	if len(got.System) != 1 || len(got.Messages) != 1 {
		t.Fatalf("system=%d messages=%d", len(got.System), len(got.Messages))
	}
	if aws.ToInt32(got.InferenceConfig.MaxTokens) != 256 {
		t.Errorf("max tokens = %d", aws.ToInt32(got.InferenceConfig.MaxTokens))
	}
	if got.ToolConfig == nil || len(got.ToolConfig.Tools) != 1 || got.ToolConfig.ToolChoice == nil {
		t.Errorf("tool config = %+v", got.ToolConfig)
	}
}

func TestBuildConverseInputMergesToolResults(t *testing.T) {
	in, err := buildConverseInput("m", &agent.ChatRequest{Messages: []models.Message{
		{Role: models.RoleUser, Content: "do both"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "a", Name: "one", Arguments: json.RawMessage(`{"x":1}`)},
			{ID: "b", Name: "two"},
		}},
		{Role: models.RoleTool, ToolCallID: "a", Content: "1"},
		{Role: models.RoleTool, ToolCallID: "b", Content: "2"},
		{Role: models.RoleUser, Content: "thanks"},
	}})
	if err != nil {
		t.Fatalf("buildConverseInput: %v", err)
	}
	roles := make([]types.ConversationRole, len(in.Messages))
	for i, m := range in.Messages {
		roles[i] = m.Role
	}
	want := []types.ConversationRole{
		types.ConversationRoleUser,
		types.ConversationRoleAssistant,
		types.ConversationRoleUser,
		types.ConversationRoleUser,
	}
	if len(roles) != len(want) {
		t.Fatalf("roles = %v", roles)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("roles = %v, want %v", roles, want)
		}
	}
	if n := len(in.Messages[1].Content); n != 2 {
		t.Errorf("assistant blocks = %d, want 2 tool uses", n)
	}
	if n := len(in.Messages[2].Content); n != 2 {
		t.Errorf("tool results = %d, want 2 in one message", n)
	}

	_, err = buildConverseInput("m", &agent.ChatRequest{Messages: []models.Message{
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "a", Name: "one", Arguments: json.RawMessage(`{`)}}},
	}})
	if err == nil {
		t.Error("expected error for malformed arguments")
	}
}

func TestBedrockThrottlingIsRetried(t *testing.T) {
	attempts := 0
	p := newFakeBedrock(func(ctx context.Context, in *bedrockruntime.ConverseStreamInput) (bedrockEventStream, error) {
		attempts++
		return nil, &smithy.GenericAPIError{Code: "ThrottlingException", Message: "Too many requests"}
	})

	_, err := p.StreamCompletion(context.Background(), &agent.ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	pe, ok := GetProviderError(err)
	if !ok || pe.Reason != ReasonRateLimit || pe.Provider != "bedrock" || pe.Message != "Too many requests" {
		t.Fatalf("err = %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestBedrockValidationIsNotRetried(t *testing.T) {
	attempts := 0
	p := newFakeBedrock(func(ctx context.Context, in *bedrockruntime.ConverseStreamInput) (bedrockEventStream, error) {
		attempts++
		return nil, &smithy.GenericAPIError{Code: "ValidationException", Message: "bad input"}
	})

	_, err := p.StreamCompletion(context.Background(), &agent.ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	if ClassifyError(err) != ReasonInvalidRequest {
		t.Fatalf("err = %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestBedrockStreamErrorIsReported(t *testing.T) {
	p := newFakeBedrock(func(ctx context.Context, in *bedrockruntime.ConverseStreamInput) (bedrockEventStream, error) {
		return newFakeEventStream(errors.New("503 service unavailable")), nil
	})

	ch, err := p.StreamCompletion(context.Background(), &agent.ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	sum := summarize(drain(t, ch))
	if ClassifyError(sum.err) != ReasonServerError {
		t.Fatalf("err = %v", sum.err)
	}
}

func TestWrapBedrockErrorUsesStatus(t *testing.T) {
	if wrapBedrockError("m", nil) != nil {
		t.Error("nil stays nil")
	}
	if err := wrapBedrockError("m", context.Canceled); !errors.Is(err, context.Canceled) {
		t.Errorf("cancellation must pass through, got %v", err)
	}
	err := wrapBedrockError("m", statusError{status: http.StatusForbidden})
	if pe, ok := GetProviderError(err); !ok || pe.Reason != ReasonAuth || pe.Status != http.StatusForbidden {
		t.Errorf("err = %+v", err)
	}
}

type statusError struct{ status int }

func (e statusError) Error() string       { return "request failed" }
func (e statusError) HTTPStatusCode() int { return e.status }
