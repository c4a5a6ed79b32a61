package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNew(t *testing.T) {
	t.Run("missing API key returns error", func(t *testing.T) {
		if _, err := New(Config{}); err == nil {
			t.Error("expected error for missing API key")
		}
	})

	t.Run("defaults model", func(t *testing.T) {
		p, err := New(Config{APIKey: "test-key"})
		if err != nil {
			t.Fatalf("New error: %v", err)
		}
		if p.model != "text-embedding-3-small" {
			t.Errorf("model = %q", p.model)
		}
		if p.Dimension() != 1536 {
			t.Errorf("Dimension() = %d", p.Dimension())
		}
	})

	t.Run("large model dimension", func(t *testing.T) {
		p, _ := New(Config{APIKey: "test-key", Model: "text-embedding-3-large"})
		if p.Dimension() != 3072 {
			t.Errorf("Dimension() = %d", p.Dimension())
		}
	})
}

func TestEmbedBatchOrdersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		// Reply out of order to check index placement.
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  req.Model,
			"data": []map[string]any{
				{"object": "embedding", "index": 1, "embedding": []float32{0, 1}},
				{"object": "embedding", "index": 0, "embedding": []float32{1, 0}},
			},
			"usage": map[string]int{"prompt_tokens": 2, "total_tokens": 2},
		})
	}))
	defer srv.Close()

	p, err := New(Config{APIKey: "test-key", BaseURL: srv.URL + "/v1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	vectors, err := p.EmbedBatch(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vectors) != 2 || vectors[0][0] != 1 || vectors[1][1] != 1 {
		t.Fatalf("vectors = %v", vectors)
	}

	single, err := p.Embed(context.Background(), "first")
	if err != nil || len(single) != 2 {
		t.Fatalf("Embed = %v, %v", single, err)
	}
}

func TestEmbedBatchEmpty(t *testing.T) {
	p, _ := New(Config{APIKey: "test-key"})
	vectors, err := p.EmbedBatch(context.Background(), nil)
	if err != nil || vectors != nil {
		t.Fatalf("EmbedBatch(nil) = %v, %v", vectors, err)
	}
}
