package agent

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/goleak"

	"github.com/haasonsaas/heyfun/pkg/models"
)

// scriptedProvider replays a fixed list of deltas per call.
type scriptedProvider struct {
	mu      sync.Mutex
	scripts [][]*Delta
	openErr error

	calls     atomic.Int32
	requests  []*ChatRequest
	abandoned atomic.Bool
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) StreamCompletion(ctx context.Context, req *ChatRequest) (<-chan *Delta, error) {
	n := int(p.calls.Add(1)) - 1
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	if p.openErr != nil {
		return nil, p.openErr
	}
	var script []*Delta
	if len(p.scripts) > 0 {
		script = p.scripts[min(n, len(p.scripts)-1)]
	}
	out := make(chan *Delta)
	go func() {
		defer close(out)
		for _, d := range script {
			select {
			case out <- d:
			case <-ctx.Done():
				p.abandoned.Store(true)
				return
			}
		}
	}()
	return out, nil
}

func (p *scriptedProvider) lastRequest() *ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return nil
	}
	return p.requests[len(p.requests)-1]
}

func newTestDriver(t *testing.T, p ChatProvider, base string) *Driver {
	t.Helper()
	d, err := NewDriver(DriverConfig{Provider: p, BasePrompt: base})
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}
	return d
}

func collect(seq iter.Seq2[*Event, error]) ([]*Event, error) {
	var events []*Event
	for ev, err := range seq {
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func userMessages(text string) []models.Message {
	return []models.Message{{Role: models.RoleUser, Content: text}}
}

func TestChatStreamRejectsEmptyConversation(t *testing.T) {
	tests := []struct {
		name string
		msgs []models.Message
	}{
		{"nil", nil},
		{"system only", []models.Message{{Role: models.RoleSystem, Content: "be nice"}}},
		{"blank user", []models.Message{{Role: models.RoleSystem, Content: "x"}, {Role: models.RoleUser, Content: "  \n"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &scriptedProvider{}
			d := newTestDriver(t, p, "base")
			_, err := d.ChatStream(context.Background(), &TurnRequest{Messages: tt.msgs})
			if !errors.Is(err, ErrEmptyConversation) {
				t.Fatalf("err = %v, want ErrEmptyConversation", err)
			}
			if p.calls.Load() != 0 {
				t.Error("provider must not be called")
			}
		})
	}
}

func TestChatStreamAccumulatesSplitToolCall(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := &scriptedProvider{scripts: [][]*Delta{{
		{Role: models.RoleAssistant, Content: "Let me "},
		{Content: "check."},
		{ToolCalls: []ToolCallDelta{{Index: 0, ID: "call_1", Name: "web_search"}}},
		{ToolCalls: []ToolCallDelta{{Index: 0, Arguments: `{"query":`}}},
		{ToolCalls: []ToolCallDelta{{Index: 0, Arguments: `"golang `}}},
		{ToolCalls: []ToolCallDelta{{Index: 0, Arguments: `iterators"}`}}},
		{FinishReason: "tool_calls"},
	}}}
	d := newTestDriver(t, p, "base")

	seq, err := d.ChatStream(context.Background(), &TurnRequest{Messages: userMessages("search please")})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	events, err := collect(seq)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	var content strings.Builder
	var calls []*models.ToolCall
	for _, ev := range events {
		switch ev.Type {
		case EventContent:
			if len(calls) > 0 {
				t.Error("content after tool call")
			}
			content.WriteString(ev.Content)
		case EventToolCall:
			calls = append(calls, ev.ToolCall)
		}
	}
	if content.String() != "Let me check." {
		t.Errorf("content = %q", content.String())
	}
	if len(calls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(calls))
	}
	if calls[0].ID != "call_1" || calls[0].Name != "web_search" {
		t.Errorf("call = %+v", calls[0])
	}
	if got := string(calls[0].Arguments); got != `{"query":"golang iterators"}` {
		t.Errorf("arguments = %s", got)
	}
}

func TestChatStreamToolCallNormalization(t *testing.T) {
	p := &scriptedProvider{scripts: [][]*Delta{{
		{ToolCalls: []ToolCallDelta{
			{Index: 2, ID: "call_c", Name: "third"},
			{Index: 0, Name: "fir"},
			{Index: 1, Arguments: `{"orphan":true}`},
		}},
		{ToolCalls: []ToolCallDelta{{Index: 0, Name: "st"}}},
	}}}
	d := newTestDriver(t, p, "")

	seq, err := d.ChatStream(context.Background(), &TurnRequest{Messages: userMessages("go")})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	events, err := collect(seq)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2 (orphan dropped): %+v", len(events), events)
	}

	first, second := events[0].ToolCall, events[1].ToolCall
	if first.Name != "first" || !strings.HasPrefix(first.ID, "call_") {
		t.Errorf("first = %+v, want generated id and joined name", first)
	}
	if string(first.Arguments) != "{}" {
		t.Errorf("empty arguments = %s, want {}", first.Arguments)
	}
	if second.ID != "call_c" || second.Name != "third" {
		t.Errorf("second = %+v", second)
	}
}

func TestChatStreamUsageSummary(t *testing.T) {
	p := &scriptedProvider{scripts: [][]*Delta{{
		{Usage: &models.TokenUsage{PromptTokens: 120}},
		{Content: "hi"},
		{FinishReason: "stop", Usage: &models.TokenUsage{CompletionTokens: 8}},
	}}}
	d := newTestDriver(t, p, "")

	seq, _ := d.ChatStream(context.Background(), &TurnRequest{Messages: userMessages("hello")})
	events, err := collect(seq)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	var usages []*models.TokenUsage
	for _, ev := range events {
		if ev.Type == EventTokenUsage {
			usages = append(usages, ev.Usage)
		}
	}
	if len(usages) != 1 {
		t.Fatalf("got %d usage events, want 1", len(usages))
	}
	if events[len(events)-1].Type != EventTokenUsage {
		t.Error("usage must be the last event")
	}
	want := models.TokenUsage{PromptTokens: 120, CompletionTokens: 8, TotalTokens: 128}
	if *usages[0] != want {
		t.Errorf("usage = %+v, want %+v", *usages[0], want)
	}
}

func TestChatStreamNoUsageNoEvent(t *testing.T) {
	p := &scriptedProvider{scripts: [][]*Delta{{{Content: "hi"}}}}
	d := newTestDriver(t, p, "")
	seq, _ := d.ChatStream(context.Background(), &TurnRequest{Messages: userMessages("hello")})
	events, _ := collect(seq)
	for _, ev := range events {
		if ev.Type == EventTokenUsage {
			t.Fatal("unexpected usage event")
		}
	}
}

func TestChatStreamSystemComposition(t *testing.T) {
	history := []models.Message{
		{Role: models.RoleSystem, Content: "Earlier instruction"},
		{Role: models.RoleUser, Content: "hello"},
	}
	tests := []struct {
		name    string
		base    string
		dynamic string
		want    string
	}{
		{"base only", "You are helpful.", "", "You are helpful."},
		{"blank dynamic", "You are helpful.", "   ", "You are helpful."},
		{"base and dynamic", "You are helpful.", "Prefer charts.", "You are helpful." + SystemSeparator + "Prefer charts."},
		{"dynamic only", "", "Prefer charts.", "Prefer charts."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &scriptedProvider{}
			d := newTestDriver(t, p, tt.base)
			seq, err := d.ChatStream(context.Background(), &TurnRequest{Messages: history, DynamicPrompt: tt.dynamic})
			if err != nil {
				t.Fatalf("ChatStream: %v", err)
			}
			if _, err := collect(seq); err != nil {
				t.Fatalf("stream: %v", err)
			}

			got := p.lastRequest().Messages
			if len(got) != 3 {
				t.Fatalf("got %d messages, want composed system + history", len(got))
			}
			if got[0].Role != models.RoleSystem || got[0].Content != tt.want {
				t.Errorf("system = %q, want %q", got[0].Content, tt.want)
			}
			if got[1].Content != "Earlier instruction" {
				t.Errorf("history system message not preserved: %+v", got[1])
			}
		})
	}
}

func TestChatStreamToolMerge(t *testing.T) {
	decl := func(name, desc string) ToolDeclaration {
		return ToolDeclaration{Name: name, Description: desc, Parameters: json.RawMessage(`{"type":"object"}`)}
	}

	p := &scriptedProvider{}
	d := newTestDriver(t, p, "")
	seq, _ := d.ChatStream(context.Background(), &TurnRequest{
		Messages:     userMessages("hi"),
		Tools:        []ToolDeclaration{decl("terminate", "builtin"), decl("attach_tools", "builtin")},
		DynamicTools: []ToolDeclaration{decl("render_chart", "dynamic"), decl("terminate", "shadow")},
	})
	_, _ = collect(seq)

	req := p.lastRequest()
	var names []string
	for _, tool := range req.Tools {
		names = append(names, tool.Name)
	}
	if strings.Join(names, ",") != "terminate,attach_tools,render_chart" {
		t.Errorf("tools = %v", names)
	}
	if req.Tools[0].Description != "builtin" {
		t.Error("built-in declaration must win")
	}
	if req.ToolChoice != ToolChoiceAuto {
		t.Errorf("ToolChoice = %q, want auto", req.ToolChoice)
	}

	seq, _ = d.ChatStream(context.Background(), &TurnRequest{Messages: userMessages("hi")})
	_, _ = collect(seq)
	req = p.lastRequest()
	if req.Tools != nil || req.ToolChoice != "" {
		t.Errorf("no tools: Tools=%v ToolChoice=%q, want both omitted", req.Tools, req.ToolChoice)
	}
}

func TestChatStreamPropagatesTransportErrors(t *testing.T) {
	boom := errors.New("connection reset by peer")
	p := &scriptedProvider{scripts: [][]*Delta{{{Content: "par"}, {Err: boom}, {Content: "never"}}}}
	d := newTestDriver(t, p, "")

	seq, _ := d.ChatStream(context.Background(), &TurnRequest{Messages: userMessages("hello")})
	events, err := collect(seq)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want transport error", err)
	}
	if len(events) != 1 {
		t.Errorf("events before failure = %d, want 1", len(events))
	}

	p = &scriptedProvider{openErr: boom}
	d = newTestDriver(t, p, "")
	seq, _ = d.ChatStream(context.Background(), &TurnRequest{Messages: userMessages("hello")})
	if _, err := collect(seq); !errors.Is(err, boom) {
		t.Fatalf("open err = %v, want transport error", err)
	}
}

func TestChatStreamBreakCancelsProvider(t *testing.T) {
	defer goleak.VerifyNone(t)

	script := make([]*Delta, 100)
	for i := range script {
		script[i] = &Delta{Content: "x"}
	}
	p := &scriptedProvider{scripts: [][]*Delta{script}}
	d := newTestDriver(t, p, "")

	seq, _ := d.ChatStream(context.Background(), &TurnRequest{Messages: userMessages("hello")})
	seen := 0
	for ev, err := range seq {
		if err != nil {
			t.Fatalf("stream: %v", err)
		}
		if ev.Type == EventContent {
			seen++
		}
		if seen == 2 {
			break
		}
	}
	if seen != 2 {
		t.Fatalf("seen = %d", seen)
	}
}

func TestChatStreamCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &scriptedProvider{scripts: [][]*Delta{{{Content: "a"}, {Content: "b"}}}}
	d := newTestDriver(t, p, "")

	seq, _ := d.ChatStream(ctx, &TurnRequest{Messages: userMessages("hello")})
	if _, err := collect(seq); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestCapabilityModelComplete(t *testing.T) {
	p := &scriptedProvider{scripts: [][]*Delta{{{Content: "  expanded "}, {Content: "query\n"}}}}
	c := NewCapabilityModel(p, "small-model", 256)

	got, err := c.Complete(context.Background(), "Rewrite the query.", "charts")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "expanded query" {
		t.Errorf("Complete = %q", got)
	}
	req := p.lastRequest()
	if req.Model != "small-model" || req.MaxTokens != 256 || len(req.Tools) != 0 {
		t.Errorf("request = %+v", req)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != models.RoleSystem {
		t.Errorf("messages = %+v", req.Messages)
	}

	p = &scriptedProvider{scripts: [][]*Delta{{{Err: errors.New("503")}}}}
	if _, err := NewCapabilityModel(p, "m", 0).Complete(context.Background(), "", "x"); err == nil {
		t.Error("expected stream error")
	}
}
