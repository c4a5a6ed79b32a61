package openaiimage

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/haasonsaas/heyfun/internal/generation"
	"github.com/haasonsaas/heyfun/internal/workflow"
)

func TestSubmitThenPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/images/generations" {
			http.NotFound(w, r)
			return
		}
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["prompt"] != "a red fox" {
			t.Errorf("prompt = %v", req["prompt"])
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"created": 1, "data": [{"b64_json": "aGVsbG8="}, {"url": "https://cdn.example.com/a.png"}]}`))
	}))
	defer srv.Close()

	p, err := New(Config{APIKey: "test-key", BaseURL: srv.URL + "/v1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id, err := p.Submit(context.Background(), "dall-e-3", map[string]any{"prompt": "a red fox"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	res, err := p.Poll(context.Background(), "dall-e-3", id)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if res.Status != generation.StatusCompleted || len(res.Items) != 2 {
		t.Fatalf("poll result = %+v", res)
	}
	if res.Items[0].SourceType != generation.SourceBase64 || res.Items[1].SourceType != generation.SourceURL {
		t.Errorf("items = %+v", res.Items)
	}

	again, _ := p.Poll(context.Background(), "dall-e-3", id)
	if again.Status != generation.StatusFailed {
		t.Errorf("second poll status = %s, want failed", again.Status)
	}
}

func TestSubmitRequiresPrompt(t *testing.T) {
	p, _ := New(Config{APIKey: "k"})
	if _, err := p.Submit(context.Background(), "dall-e-3", map[string]any{}); err == nil {
		t.Fatal("expected error without prompt")
	}
}

func TestServerErrorsAreUpstream(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error": {"message": "overloaded", "type": "server_error"}}`))
	}))
	defer srv.Close()

	p, _ := New(Config{APIKey: "k", BaseURL: srv.URL + "/v1"})
	_, err := p.Submit(context.Background(), "dall-e-3", map[string]any{"prompt": "x"})
	if err == nil || !workflow.IsUpstream(err) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}
