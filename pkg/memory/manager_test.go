package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestManager(t *testing.T, mutate func(*Config), opts ...Option) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	clock := newFakeClock()
	m, err := NewManager(cfg, append([]Option{WithClock(clock.Now)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func ptr(v float64) *float64 { return &v }

func TestNewManagerValidatesConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorkingCapacity = 0
	_, err := NewManager(cfg)
	assert.ErrorIs(t, err, ErrInvalidValue)

	cfg = DefaultConfig()
	_, err = NewManager(cfg, WithTier(NewStoreTier(TierPerceptual, NewMemoryBackend(), cfg)))
	assert.ErrorIs(t, err, ErrUnsupportedTier)
}

func TestManagerAdd(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	t.Run("auto classify", func(t *testing.T) {
		id, err := m.Add(ctx, AddRequest{Content: "Yesterday we migrated the database", AutoClassify: true})
		require.NoError(t, err)
		got, err := m.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, TierEpisodic, got.Kind)
		assert.Equal(t, "default_user", got.OwnerID)
	})

	t.Run("default tier is working", func(t *testing.T) {
		id, err := m.Add(ctx, AddRequest{Content: "scratch note"})
		require.NoError(t, err)
		got, err := m.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, TierWorking, got.Kind)
	})

	t.Run("importance estimated from metadata", func(t *testing.T) {
		id, err := m.Add(ctx, AddRequest{Content: "hello", Kind: TierSemantic, Metadata: map[string]interface{}{"priority": "high"}})
		require.NoError(t, err)
		got, err := m.Get(ctx, id)
		require.NoError(t, err)
		assert.InDelta(t, 0.8, got.Importance, 1e-9)
	})

	t.Run("explicit importance clamped", func(t *testing.T) {
		id, err := m.Add(ctx, AddRequest{Content: "clamp me", Importance: ptr(4)})
		require.NoError(t, err)
		got, err := m.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1.0, got.Importance)
	})

	t.Run("empty content", func(t *testing.T) {
		_, err := m.Add(ctx, AddRequest{Content: "  "})
		assert.ErrorIs(t, err, ErrEmptyContent)
	})

	t.Run("disabled tier", func(t *testing.T) {
		_, err := m.Add(ctx, AddRequest{Content: "a photo", Kind: TierPerceptual})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.ErrorIs(t, err, ErrUnsupportedTier)
	})

	t.Run("unknown tier", func(t *testing.T) {
		_, err := m.Add(ctx, AddRequest{Content: "x", Kind: "procedural"})
		assert.ErrorIs(t, err, ErrUnsupportedTier)
	})

	t.Run("classified into unknown metadata type", func(t *testing.T) {
		_, err := m.Add(ctx, AddRequest{Content: "hello", AutoClassify: true, Metadata: map[string]interface{}{"type": "procedural"}})
		assert.ErrorIs(t, err, ErrUnsupportedTier)
	})

	t.Run("classified into disabled metadata type", func(t *testing.T) {
		_, err := m.Add(ctx, AddRequest{Content: "hello", AutoClassify: true, Metadata: map[string]interface{}{"type": "perceptual"}})
		assert.ErrorIs(t, err, ErrUnsupportedTier)
	})
}

func TestManagerRetrieve(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	w, err := m.Add(ctx, AddRequest{Content: "deploy the api today", Kind: TierWorking, Importance: ptr(0.4)})
	require.NoError(t, err)
	e, err := m.Add(ctx, AddRequest{Content: "last deploy broke the api", Kind: TierEpisodic, Importance: ptr(0.9)})
	require.NoError(t, err)
	s, err := m.Add(ctx, AddRequest{Content: "api deploy rule: canary first", Kind: TierSemantic, Importance: ptr(0.6)})
	require.NoError(t, err)
	_, err = m.Add(ctx, AddRequest{Content: "api deploy checklist", Kind: TierSemantic, Importance: ptr(0.7)})
	require.NoError(t, err)

	res, err := m.Retrieve(ctx, RetrieveRequest{Query: "api deploy", Limit: 3})
	require.NoError(t, err)
	require.Len(t, res, 3, "one result per tier")
	assert.Equal(t, e, res[0].ID)
	for i := 1; i < len(res); i++ {
		assert.GreaterOrEqual(t, res[i-1].Importance, res[i].Importance)
	}
	assert.Contains(t, ids(res), w)

	res, err = m.Retrieve(ctx, RetrieveRequest{Query: "api deploy", Kinds: []TierKind{TierSemantic}, Limit: 5})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, s, res[1].ID)

	res, err = m.Retrieve(ctx, RetrieveRequest{Query: "api deploy", MinImportance: 0.8})
	require.NoError(t, err)
	assert.Equal(t, []string{e}, ids(res))

	_, err = m.Retrieve(ctx, RetrieveRequest{Query: ""})
	assert.ErrorIs(t, err, ErrEmptyQuery)

	_, err = m.Retrieve(ctx, RetrieveRequest{Query: "x", Kinds: []TierKind{"bogus"}})
	assert.ErrorIs(t, err, ErrUnsupportedTier)

	res, err = m.Retrieve(ctx, RetrieveRequest{Query: "api", Kinds: []TierKind{TierPerceptual}})
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestManagerRetrieveSkipsFailingTier(t *testing.T) {
	cfg := DefaultConfig()
	broken := NewStoreTier(TierSemantic, &flakyBackend{MemoryBackend: NewMemoryBackend(), failSearch: true}, cfg)
	m := newTestManager(t, nil, WithTier(broken))
	ctx := context.Background()

	id, err := m.Add(ctx, AddRequest{Content: "the cache is warm", Kind: TierWorking})
	require.NoError(t, err)

	res, err := m.Retrieve(ctx, RetrieveRequest{Query: "cache"})
	require.NoError(t, err)
	assert.Equal(t, []string{id}, ids(res))
}

func TestManagerGetUpdateRemove(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	id, err := m.Add(ctx, AddRequest{Content: "original", Kind: TierEpisodic, Importance: ptr(0.5)})
	require.NoError(t, err)

	content := "rewritten"
	ok, err := m.Update(ctx, id, Patch{Content: &content, Importance: ptr(-1)})
	require.NoError(t, err)
	require.True(t, ok)

	got, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "rewritten", got.Content)
	assert.Equal(t, 0.0, got.Importance)

	ok, err = m.Update(ctx, "missing", Patch{Content: &content})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.Remove(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Remove(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = m.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, id, nf.ID)
}

func TestManagerForgetAcrossTiers(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	for _, kind := range []TierKind{TierWorking, TierEpisodic, TierSemantic} {
		_, err := m.Add(ctx, AddRequest{Content: "low " + string(kind), Kind: kind, Importance: ptr(0.3)})
		require.NoError(t, err)
		_, err = m.Add(ctx, AddRequest{Content: "high " + string(kind), Kind: kind, Importance: ptr(0.7)})
		require.NoError(t, err)
	}

	n, err := m.Forget(ctx, ForgetRequest{Strategy: ForgetImportanceBased, Threshold: 0.5})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalMemories)
	for _, kind := range []TierKind{TierWorking, TierEpisodic, TierSemantic} {
		assert.Equal(t, 1, stats.Tiers[kind].Count, kind)
	}

	_, err = m.Forget(ctx, ForgetRequest{Strategy: "lru"})
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestManagerConsolidate(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	x, err := m.Add(ctx, AddRequest{Content: "user prefers dark mode", Kind: TierWorking, Importance: ptr(0.8)})
	require.NoError(t, err)
	y, err := m.Add(ctx, AddRequest{Content: "passing remark", Kind: TierWorking, Importance: ptr(0.3)})
	require.NoError(t, err)

	n, err := m.Consolidate(ctx, TierWorking, TierEpisodic, 0.7)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := m.Get(ctx, x)
	require.NoError(t, err)
	assert.Equal(t, TierEpisodic, got.Kind)
	assert.InDelta(t, 0.88, got.Importance, 1e-9)

	working, _ := m.Tier(TierWorking)
	has, err := working.Has(ctx, x)
	require.NoError(t, err)
	assert.False(t, has)
	has, err = working.Has(ctx, y)
	require.NoError(t, err)
	assert.True(t, has)

	_, err = m.Consolidate(ctx, TierWorking, TierWorking, 0.5)
	assert.ErrorIs(t, err, ErrInvalidValue)

	_, err = m.Consolidate(ctx, TierWorking, TierPerceptual, 0.5)
	assert.ErrorIs(t, err, ErrUnsupportedTier)
}

func TestManagerConsolidateBoostCapsAtOne(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	id, err := m.Add(ctx, AddRequest{Content: "critical fact", Kind: TierEpisodic, Importance: ptr(0.95)})
	require.NoError(t, err)

	_, err = m.Consolidate(ctx, TierEpisodic, TierSemantic, 0.9)
	require.NoError(t, err)

	got, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Importance)
}

func TestManagerConsolidateRestoresOnFailure(t *testing.T) {
	cfg := DefaultConfig()
	dst := &flakyBackend{MemoryBackend: NewMemoryBackend(), failPut: true}
	m := newTestManager(t, nil, WithTier(NewStoreTier(TierEpisodic, dst, cfg)))
	ctx := context.Background()

	id, err := m.Add(ctx, AddRequest{Content: "keep me", Kind: TierWorking, Importance: ptr(0.8)})
	require.NoError(t, err)

	n, err := m.Consolidate(ctx, TierWorking, TierEpisodic, 0.5)
	assert.Zero(t, n)
	var cerr *ConsolidationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, []string{id}, cerr.Restored)
	assert.Empty(t, cerr.Lost)
	assert.ErrorIs(t, err, errFlaky)

	got, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, TierWorking, got.Kind)
	assert.InDelta(t, 0.8, got.Importance, 1e-9)
}

func TestManagerConsolidateKeepsItemEvictedByDestination(t *testing.T) {
	m := newTestManager(t, func(c *Config) { c.WorkingTokenBudget = 3 })
	ctx := context.Background()

	id, err := m.Add(ctx, AddRequest{Content: "one two three four five", Kind: TierEpisodic, Importance: ptr(0.9)})
	require.NoError(t, err)

	n, err := m.Consolidate(ctx, TierEpisodic, TierWorking, 0.5)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, TierEpisodic, got.Kind)
	assert.InDelta(t, 0.9, got.Importance, 1e-9)
}

func TestManagerStatsAndClearAll(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Add(ctx, AddRequest{Content: "one", Kind: TierWorking})
	require.NoError(t, err)
	_, err = m.Add(ctx, AddRequest{Content: "two", Kind: TierSemantic})
	require.NoError(t, err)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "default_user", stats.OwnerID)
	assert.Equal(t, []TierKind{TierWorking, TierEpisodic, TierSemantic}, stats.EnabledTiers)
	assert.Equal(t, 2, stats.TotalMemories)
	assert.Equal(t, 2000, stats.Tiers[TierWorking].TokenBudget)

	require.NoError(t, m.ClearAll(ctx))
	stats, err = m.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalMemories)
}

func TestManagerSummary(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Add(ctx, AddRequest{Content: "Ship on Friday", Kind: TierWorking, Importance: ptr(0.9)})
	require.NoError(t, err)
	_, err = m.Add(ctx, AddRequest{Content: "ship on friday ", Kind: TierEpisodic, Importance: ptr(0.8)})
	require.NoError(t, err)
	_, err = m.Add(ctx, AddRequest{Content: "tabs over spaces", Kind: TierSemantic, Importance: ptr(0.5)})
	require.NoError(t, err)

	sum, err := m.Summary(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.TotalMemories)
	assert.Equal(t, 1, sum.Tiers[TierEpisodic].Count)
	require.Len(t, sum.Important, 2)
	assert.Equal(t, "Ship on Friday", sum.Important[0].Content)
	assert.Equal(t, "tabs over spaces", sum.Important[1].Content)
}

func TestManagerTracing(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	m := newTestManager(t, nil, WithTracer(tp.Tracer("memory-test")))
	ctx := context.Background()

	_, err := m.Add(ctx, AddRequest{Content: "traced"})
	require.NoError(t, err)
	_, err = m.Retrieve(ctx, RetrieveRequest{})
	require.Error(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "memory.add", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, "memory.retrieve", spans[1].Name())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}

func TestManagerConcurrentUse(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorkingCapacity = 50
	m, err := NewManager(cfg)
	require.NoError(t, err)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, err := m.Add(ctx, AddRequest{Content: fmt.Sprintf("worker %d note %d", i, j), AutoClassify: true})
				assert.NoError(t, err)
				_, err = m.Retrieve(ctx, RetrieveRequest{Query: "note"})
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50, stats.Tiers[TierWorking].Count)
}
