package embedding

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity(Vector{1, 0}, Vector{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity(Vector{1, 0}, Vector{0, 3}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity(Vector{1, 1}, Vector{-1, -1}), 1e-9)
	assert.Zero(t, CosineSimilarity(Vector{1}, Vector{1, 2}))
	assert.Zero(t, CosineSimilarity(Vector{0, 0}, Vector{1, 2}))
}

func TestHashEmbedder(t *testing.T) {
	e := NewHashEmbedder(64)
	ctx := context.Background()

	a, err := e.Embed(ctx, "The auth service uses JWT")
	require.NoError(t, err)
	require.Len(t, a, 64)

	again, err := e.Embed(ctx, "the AUTH service, uses jwt!")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, CosineSimilarity(a, again), 1e-6, "case and punctuation are ignored")

	related, err := e.Embed(ctx, "auth service outage")
	require.NoError(t, err)
	unrelated, err := e.Embed(ctx, "banana bread recipe")
	require.NoError(t, err)
	assert.Greater(t, CosineSimilarity(a, related), CosineSimilarity(a, unrelated))

	_, err = e.Embed(ctx, " ... ")
	assert.ErrorIs(t, err, ErrEmptyText)
}

type countingEmbedder struct {
	calls atomic.Int32
	inner Embedder
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	c.calls.Add(1)
	return c.inner.Embed(ctx, text)
}

func (c *countingEmbedder) Dims() int { return c.inner.Dims() }

func TestCachedEmbedder(t *testing.T) {
	inner := &countingEmbedder{inner: NewHashEmbedder(32)}
	c, err := NewCachedEmbedder(inner, 100)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	ctx := context.Background()

	first, err := c.Embed(ctx, "cache me")
	require.NoError(t, err)
	second, err := c.Embed(ctx, "cache me")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), inner.calls.Load())
	assert.Equal(t, 32, c.Dims())

	_, err = c.Embed(ctx, "")
	assert.ErrorIs(t, err, ErrEmptyText)
}

func TestSimilarity(t *testing.T) {
	s := NewSimilarity(NewHashEmbedder(128), nil)
	ctx := context.Background()

	score, ok := s.Similarity(ctx, "deploy pipeline", "the deploy pipeline is green")
	require.True(t, ok)
	assert.Greater(t, score, 0.0)

	_, ok = s.Similarity(ctx, "", "anything")
	assert.False(t, ok)
}
