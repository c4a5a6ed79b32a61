// Package vectorindex stores embedding vectors and answers nearest-neighbour
// queries for the prompt fragment library.
package vectorindex

import (
	"context"
	"math"
	"sort"
	"strings"
)

// FragmentPrefix namespaces prompt fragment vectors inside a shared index.
const FragmentPrefix = "prompt-fragment:"

// Match is one query hit.
type Match struct {
	ID       string
	Score    float32
	Metadata map[string]string
}

// Vector is an upsert payload.
type Vector struct {
	ID       string
	Values   []float32
	Metadata map[string]string
}

// Index is the narrow vector index contract.
type Index interface {
	// Query returns up to topK matches ordered by descending similarity.
	Query(ctx context.Context, vector []float32, topK int) ([]Match, error)
	Upsert(ctx context.Context, vectors ...Vector) error
	Delete(ctx context.Context, ids ...string) error
}

// FragmentVectorID maps a fragment id to its vector id.
func FragmentVectorID(fragmentID string) string {
	return FragmentPrefix + fragmentID
}

// FragmentIDFromVector maps a vector id back to a fragment id. ok is false
// for vectors that do not belong to the fragment library.
func FragmentIDFromVector(vectorID string) (string, bool) {
	id, ok := strings.CutPrefix(vectorID, FragmentPrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0 when
// the vectors differ in length or either is zero.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// rank sorts matches by descending score, breaking ties by id, and keeps topK.
func rank(matches []Match, topK int) []Match {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
