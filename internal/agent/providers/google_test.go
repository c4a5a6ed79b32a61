package providers

import (
	"encoding/json"
	"testing"

	"google.golang.org/genai"

	"github.com/haasonsaas/heyfun/internal/agent"
	"github.com/haasonsaas/heyfun/pkg/models"
)

func TestBuildGeminiRequest(t *testing.T) {
	contents, config := buildGeminiRequest(&agent.ChatRequest{
		Messages: []models.Message{
			{Role: models.RoleSystem, Content: "base"},
			{Role: models.RoleUser, Content: "compare"},
			{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
				{ID: "a", Name: "lookup", Arguments: json.RawMessage(`{"q":"x"}`)},
				{ID: "b", Name: "lookup", Arguments: json.RawMessage(`not json`)},
			}},
			{Role: models.RoleTool, ToolCallID: "a", Name: "lookup", Content: "1"},
			{Role: models.RoleTool, ToolCallID: "b", Name: "lookup", Content: "2"},
			{Role: models.RoleSystem, Content: "hint"},
		},
		Tools:      []agent.ToolDeclaration{{Name: "lookup", Parameters: json.RawMessage(`{"type":"object","properties":{"q":{"type":"string","enum":["x","y"]}},"required":["q"]}`)}},
		ToolChoice: agent.ToolChoiceAuto,
		MaxTokens:  256,
	})

	if config.SystemInstruction == nil || len(config.SystemInstruction.Parts) != 2 {
		t.Fatalf("system instruction = %+v", config.SystemInstruction)
	}
	if len(contents) != 3 {
		t.Fatalf("contents = %d, want user, model, merged results", len(contents))
	}
	model := contents[1]
	if model.Role != genai.RoleModel || len(model.Parts) != 2 {
		t.Fatalf("model content = %+v", model)
	}
	if model.Parts[0].FunctionCall.Args["q"] != "x" || len(model.Parts[1].FunctionCall.Args) != 0 {
		t.Errorf("function call args = %v / %v", model.Parts[0].FunctionCall.Args, model.Parts[1].FunctionCall.Args)
	}
	results := contents[2]
	if results.Role != genai.RoleUser || len(results.Parts) != 2 {
		t.Fatalf("results = %+v", results)
	}
	if fr := results.Parts[1].FunctionResponse; fr.ID != "b" || fr.Response["output"] != "2" {
		t.Errorf("function response = %+v", fr)
	}
	if config.MaxOutputTokens != 256 {
		t.Errorf("max output tokens = %d", config.MaxOutputTokens)
	}
	if config.ToolConfig == nil || config.ToolConfig.FunctionCallingConfig.Mode != genai.FunctionCallingConfigModeAuto {
		t.Errorf("tool config = %+v", config.ToolConfig)
	}

	decl := config.Tools[0].FunctionDeclarations[0]
	q := decl.Parameters.Properties["q"]
	if decl.Parameters.Type != genai.TypeObject || q.Type != genai.TypeString || len(q.Enum) != 2 {
		t.Errorf("schema = %+v", decl.Parameters)
	}
	if len(decl.Parameters.Required) != 1 {
		t.Errorf("required = %v", decl.Parameters.Required)
	}
}

func TestFromGeminiChunkIndexesCallsAcrossChunks(t *testing.T) {
	index := 0
	first := fromGeminiChunk(&genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Parts: []*genai.Part{
			{Text: "thinking", Thought: true},
			{Text: "Sure. "},
			{FunctionCall: &genai.FunctionCall{Name: "lookup", Args: map[string]any{"q": "x"}}},
		}},
	}}}, &index)
	second := fromGeminiChunk(&genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content:      &genai.Content{Parts: []*genai.Part{{FunctionCall: &genai.FunctionCall{ID: "c2", Name: "lookup"}}}},
		FinishReason: genai.FinishReasonStop,
	}}}, &index)

	if first.Content != "Sure. " {
		t.Errorf("content = %q", first.Content)
	}
	if first.ToolCalls[0].Index != 0 || first.ToolCalls[0].Arguments != `{"q":"x"}` {
		t.Errorf("first call = %+v", first.ToolCalls[0])
	}
	if second.ToolCalls[0].Index != 1 || second.ToolCalls[0].Arguments != "{}" || second.ToolCalls[0].ID != "c2" {
		t.Errorf("second call = %+v", second.ToolCalls[0])
	}
	if second.FinishReason != string(genai.FinishReasonStop) {
		t.Errorf("finish = %q", second.FinishReason)
	}
	if fromGeminiChunk(&genai.GenerateContentResponse{}, &index) != nil {
		t.Error("empty chunk should map to nil")
	}
}

func TestWrapGoogleError(t *testing.T) {
	err := wrapGoogleError("gemini", genai.APIError{Code: 429, Status: "RESOURCE_EXHAUSTED", Message: "quota"})
	pe, ok := GetProviderError(err)
	if !ok || pe.Reason != ReasonRateLimit || pe.Message != "quota" {
		t.Errorf("err = %+v", err)
	}
	if wrapGoogleError("gemini", nil) != nil {
		t.Error("nil stays nil")
	}
}
