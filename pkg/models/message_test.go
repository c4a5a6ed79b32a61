package models

import "testing"

func TestTokenUsageAdd(t *testing.T) {
	var total TokenUsage
	total.Add(TokenUsage{PromptTokens: 10, TotalTokens: 10})
	total.Add(TokenUsage{CompletionTokens: 5, TotalTokens: 5})

	if total.PromptTokens != 10 || total.CompletionTokens != 5 || total.TotalTokens != 15 {
		t.Fatalf("unexpected usage: %+v", total)
	}
	if total.IsZero() {
		t.Error("expected non-zero usage")
	}
}

func TestLastUserMessage(t *testing.T) {
	msgs := []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "first"},
		{Role: RoleAssistant, Content: "reply"},
		{Role: RoleUser, Content: "   "},
	}

	msg, ok := LastUserMessage(msgs)
	if !ok {
		t.Fatal("expected a user message")
	}
	if msg.Content != "first" {
		t.Errorf("Content = %q, want %q", msg.Content, "first")
	}

	if _, ok := LastUserMessage(msgs[:1]); ok {
		t.Error("expected no user message in system-only history")
	}
}
