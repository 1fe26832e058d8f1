// Package embedding provides pluggable text embedding providers and the
// similarity adapter the memory engine uses for semantic scoring.
package embedding

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"math"
	"strings"
	"unicode"
)

// ErrEmptyText is returned when asked to embed blank text.
var ErrEmptyText = errors.New("embedding: text is empty")

// Vector is a float32 embedding vector.
type Vector = []float32

// Embedder generates embedding vectors from text.
type Embedder interface {
	Embed(ctx context.Context, text string) (Vector, error)
	Dims() int
}

// CosineSimilarity computes cosine similarity between two vectors.
func CosineSimilarity(a, b Vector) float64 {
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
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// HashEmbedder is an offline embedder that hashes lower-cased words into a
// fixed number of buckets and L2-normalises the counts. Texts sharing words
// point in similar directions; it has no notion of synonyms.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder returns a HashEmbedder with dims buckets (default 256).
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashEmbedder{dims: dims}
}

func (e *HashEmbedder) Dims() int { return e.dims }

func (e *HashEmbedder) Embed(_ context.Context, text string) (Vector, error) {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	if len(words) == 0 {
		return nil, ErrEmptyText
	}

	vec := make(Vector, e.dims)
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		sum := h.Sum32()
		// The top bit picks the sign so collisions partly cancel out.
		sign := float32(1)
		if sum&0x80000000 != 0 {
			sign = -1
		}
		vec[int(sum%uint32(e.dims))] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec, nil
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec, nil
}

// Similarity adapts an Embedder to memory.SimilarityProvider.
type Similarity struct {
	embedder Embedder
	logger   *slog.Logger
}

// NewSimilarity wraps e. A nil logger uses slog.Default.
func NewSimilarity(e Embedder, logger *slog.Logger) *Similarity {
	if logger == nil {
		logger = slog.Default()
	}
	return &Similarity{embedder: e, logger: logger.With("component", "embedding")}
}

// Similarity embeds both texts and returns their cosine similarity. ok is
// false when either embedding fails, so scoring falls back to lexical
// relevance.
func (s *Similarity) Similarity(ctx context.Context, query, content string) (float64, bool) {
	q, err := s.embedder.Embed(ctx, query)
	if err != nil {
		s.logger.Debug("embed query failed", "error", err)
		return 0, false
	}
	c, err := s.embedder.Embed(ctx, content)
	if err != nil {
		s.logger.Debug("embed content failed", "error", err)
		return 0, false
	}
	return CosineSimilarity(q, c), true
}
