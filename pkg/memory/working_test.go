package memory

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestWorking(t *testing.T, mutate func(*Config)) (*WorkingTier, *fakeClock) {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	clock := newFakeClock()
	return NewWorkingTier(cfg, WithClock(clock.Now)), clock
}

func mustAdd(t *testing.T, tier Tier, content string, importance float64) string {
	t.Helper()
	id, err := tier.Add(context.Background(), Item{Content: content, Importance: importance})
	require.NoError(t, err)
	return id
}

func ids(items []Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func TestWorkingClampsImportance(t *testing.T) {
	w, _ := newTestWorking(t, nil)
	ctx := context.Background()

	hi := mustAdd(t, w, "too high", 1.7)
	lo := mustAdd(t, w, "too low", -0.3)

	got, ok, err := w.Get(ctx, hi)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1.0, got.Importance)
	assert.Equal(t, TierWorking, got.Kind)

	got, _, _ = w.Get(ctx, lo)
	assert.Equal(t, 0.0, got.Importance)

	_, err = w.Add(ctx, Item{Content: "nan", Importance: math.NaN()})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestWorkingRejectsDuplicateID(t *testing.T) {
	w, _ := newTestWorking(t, nil)
	ctx := context.Background()

	id := mustAdd(t, w, "first", 0.5)
	_, err := w.Add(ctx, Item{ID: id, Content: "second", Importance: 0.5})
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestWorkingTTLExpiry(t *testing.T) {
	w, clock := newTestWorking(t, func(c *Config) { c.WorkingTTLMinutes = 30 })
	ctx := context.Background()

	mustAdd(t, w, "short lived fact", 0.9)
	stats, err := w.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Count)

	clock.Advance(31 * time.Minute)

	res, err := w.Retrieve(ctx, Query{Text: "fact", Limit: 5})
	require.NoError(t, err)
	assert.Empty(t, res)

	stats, err = w.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Count)
	assert.Equal(t, 0, stats.CurrentTokens)
}

func TestWorkingCapacityEvictsLowestPriority(t *testing.T) {
	w, _ := newTestWorking(t, func(c *Config) { c.WorkingCapacity = 3 })
	ctx := context.Background()

	a := mustAdd(t, w, "alpha", 0.5)
	b := mustAdd(t, w, "beta", 0.2)
	c := mustAdd(t, w, "gamma", 0.9)
	d := mustAdd(t, w, "delta", 0.7)

	all, err := w.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{a, c, d}, ids(all))

	has, err := w.Has(ctx, b)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestWorkingCapacityUsesDecayedPriority(t *testing.T) {
	w, clock := newTestWorking(t, func(c *Config) {
		c.WorkingCapacity = 2
		c.WorkingTTLMinutes = 24 * 60
		c.DecayFactor = 0.5
		c.DecayPeriodHours = 1
	})

	old := mustAdd(t, w, "old but important", 0.9)
	clock.Advance(3 * time.Hour) // 0.9 * 0.5^3 = 0.1125
	fresh := mustAdd(t, w, "fresh", 0.3)
	newest := mustAdd(t, w, "newest", 0.4)

	all, err := w.All(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{fresh, newest}, ids(all))
	assert.NotContains(t, ids(all), old)
}

func TestWorkingEqualPriorityEvictsOldest(t *testing.T) {
	w, _ := newTestWorking(t, func(c *Config) { c.WorkingCapacity = 2 })

	first := mustAdd(t, w, "one", 0.5)
	second := mustAdd(t, w, "two", 0.5)
	third := mustAdd(t, w, "three", 0.5)

	all, err := w.All(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{second, third}, ids(all))
	assert.NotContains(t, ids(all), first)
}

func TestWorkingTokenBudget(t *testing.T) {
	w, _ := newTestWorking(t, func(c *Config) { c.WorkingTokenBudget = 5 })
	ctx := context.Background()

	keep := mustAdd(t, w, "a b c", 0.9)
	dropped := mustAdd(t, w, "d e f", 0.4)
	assert.NotEmpty(t, dropped, "id is returned even when the item is evicted at once")

	all, err := w.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{keep}, ids(all))

	stats, err := w.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.CurrentTokens)
	assert.InDelta(t, 0.6, stats.TokenUsage, 1e-9)
}

func TestWorkingOversizedItemIsEvicted(t *testing.T) {
	w, _ := newTestWorking(t, func(c *Config) { c.WorkingTokenBudget = 3 })

	id := mustAdd(t, w, "one two three four", 1.0)
	require.NotEmpty(t, id)

	has, err := w.Has(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestWorkingNoopSweepDoesNotRebuild(t *testing.T) {
	w, clock := newTestWorking(t, nil)
	ctx := context.Background()

	mustAdd(t, w, "first", 0.5)
	mustAdd(t, w, "second", 0.6)
	_, err := w.Retrieve(ctx, Query{Text: "first"})
	require.NoError(t, err)
	_, err = w.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, w.rebuilds)

	clock.Advance(3 * time.Hour)
	_, err = w.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, w.rebuilds)
}

func TestWorkingRetrieveRanking(t *testing.T) {
	w, _ := newTestWorking(t, nil)
	ctx := context.Background()

	auth := mustAdd(t, w, "the auth service uses JWT", 0.5)
	pay := mustAdd(t, w, "the payment service uses Stripe", 0.5)
	mustAdd(t, w, "lunch is at noon", 0.9)

	res, err := w.Retrieve(ctx, Query{Text: "auth service", Limit: 5})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, []string{auth, pay}, ids(res))

	again, err := w.Retrieve(ctx, Query{Text: "auth service", Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, ids(res), ids(again))

	limited, err := w.Retrieve(ctx, Query{Text: "service", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestWorkingRetrieveFilters(t *testing.T) {
	w, _ := newTestWorking(t, nil)
	ctx := context.Background()

	_, err := w.Add(ctx, Item{Content: "deploy notes", Importance: 0.4, OwnerID: "alice", Metadata: map[string]interface{}{"env": "prod"}})
	require.NoError(t, err)
	bob, err := w.Add(ctx, Item{Content: "deploy checklist", Importance: 0.8, OwnerID: "bob", Metadata: map[string]interface{}{"env": "staging"}})
	require.NoError(t, err)

	res, err := w.Retrieve(ctx, Query{Text: "deploy", OwnerID: "bob"})
	require.NoError(t, err)
	assert.Equal(t, []string{bob}, ids(res))

	res, err = w.Retrieve(ctx, Query{Text: "deploy", MinImportance: 0.5})
	require.NoError(t, err)
	assert.Equal(t, []string{bob}, ids(res))

	res, err = w.Retrieve(ctx, Query{Text: "deploy", Filters: map[string]interface{}{"env": "staging"}})
	require.NoError(t, err)
	assert.Equal(t, []string{bob}, ids(res))
}

type stubSimilarity map[string]float64

func (s stubSimilarity) Similarity(_ context.Context, _ string, content string) (float64, bool) {
	v, ok := s[content]
	return v, ok
}

func TestWorkingRetrieveUsesSimilarity(t *testing.T) {
	clock := newFakeClock()
	sim := stubSimilarity{"the cat sat on the mat": 0.9}
	w := NewWorkingTier(DefaultConfig(), WithClock(clock.Now), WithSimilarity(sim))

	cat := mustAdd(t, w, "the cat sat on the mat", 0.5)
	mustAdd(t, w, "feline", 0.5)

	res, err := w.Retrieve(context.Background(), Query{Text: "kitten", Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, []string{cat}, ids(res))
}

func TestWorkingUpdate(t *testing.T) {
	w, _ := newTestWorking(t, nil)
	ctx := context.Background()

	id, err := w.Add(ctx, Item{Content: "one two", Importance: 0.5, Metadata: map[string]interface{}{"a": 1}})
	require.NoError(t, err)

	content := "one two three four"
	imp := 3.0
	ok, err := w.Update(ctx, id, Patch{Content: &content, Importance: &imp, Metadata: map[string]interface{}{"b": 2}})
	require.NoError(t, err)
	require.True(t, ok)

	got, _, _ := w.Get(ctx, id)
	assert.Equal(t, content, got.Content)
	assert.Equal(t, 1.0, got.Importance)
	assert.Equal(t, map[string]interface{}{"a": 1, "b": 2}, got.Metadata)

	stats, err := w.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.CurrentTokens)

	ok, err = w.Update(ctx, "missing", Patch{Content: &content})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWorkingReturnsCopies(t *testing.T) {
	w, _ := newTestWorking(t, nil)
	ctx := context.Background()

	id, err := w.Add(ctx, Item{Content: "copy me", Importance: 0.5, Metadata: map[string]interface{}{"k": "v"}})
	require.NoError(t, err)

	got, _, _ := w.Get(ctx, id)
	got.Metadata["k"] = "changed"

	again, _, _ := w.Get(ctx, id)
	assert.Equal(t, "v", again.Metadata["k"])
}

func TestWorkingRemoveAndClear(t *testing.T) {
	w, _ := newTestWorking(t, nil)
	ctx := context.Background()

	id := mustAdd(t, w, "one two three", 0.5)
	mustAdd(t, w, "four", 0.5)

	ok, err := w.Remove(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = w.Remove(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	stats, _ := w.Stats(ctx)
	assert.Equal(t, 1, stats.Count)
	assert.Equal(t, 1, stats.CurrentTokens)

	require.NoError(t, w.Clear(ctx))
	stats, _ = w.Stats(ctx)
	assert.Equal(t, 0, stats.Count)
	assert.Equal(t, 0, stats.CurrentTokens)
}

func TestWorkingForget(t *testing.T) {
	ctx := context.Background()

	t.Run("importance based", func(t *testing.T) {
		w, _ := newTestWorking(t, nil)
		mustAdd(t, w, "low", 0.2)
		keep := mustAdd(t, w, "high", 0.8)
		mustAdd(t, w, "lower", 0.1)

		n, err := w.Forget(ctx, ForgetRequest{Strategy: ForgetImportanceBased, Threshold: 0.5})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		all, _ := w.All(ctx)
		assert.Equal(t, []string{keep}, ids(all))
	})

	t.Run("time based", func(t *testing.T) {
		w, clock := newTestWorking(t, nil)
		mustAdd(t, w, "older", 0.9)
		clock.Advance(50 * time.Minute)
		keep := mustAdd(t, w, "newer", 0.1)

		n, err := w.Forget(ctx, ForgetRequest{Strategy: ForgetTimeBased, MaxAge: 30 * time.Minute})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		all, _ := w.All(ctx)
		assert.Equal(t, []string{keep}, ids(all))
	})

	t.Run("time based zero age forgets everything before now", func(t *testing.T) {
		w, clock := newTestWorking(t, nil)
		mustAdd(t, w, "a", 0.9)
		mustAdd(t, w, "b", 0.9)
		clock.Advance(time.Minute)

		n, err := w.Forget(ctx, ForgetRequest{Strategy: ForgetTimeBased})
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("time based negative age", func(t *testing.T) {
		w, _ := newTestWorking(t, nil)
		_, err := w.Forget(ctx, ForgetRequest{Strategy: ForgetTimeBased, MaxAge: -time.Hour})
		assert.ErrorIs(t, err, ErrInvalidValue)
	})

	t.Run("ttl sweep counts", func(t *testing.T) {
		w, clock := newTestWorking(t, func(c *Config) { c.WorkingTTLMinutes = 10 })
		mustAdd(t, w, "stale", 0.9)
		clock.Advance(11 * time.Minute)

		n, err := w.Forget(ctx, ForgetRequest{Strategy: ForgetImportanceBased, Threshold: 0})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("capacity based within capacity", func(t *testing.T) {
		w, _ := newTestWorking(t, nil)
		mustAdd(t, w, "a", 0.5)

		n, err := w.Forget(ctx, ForgetRequest{Strategy: ForgetCapacityBased})
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("unknown strategy", func(t *testing.T) {
		w, _ := newTestWorking(t, nil)
		_, err := w.Forget(ctx, ForgetRequest{Strategy: "random"})
		assert.ErrorIs(t, err, ErrUnknownStrategy)
	})
}

func TestWorkingStats(t *testing.T) {
	w, clock := newTestWorking(t, func(c *Config) { c.WorkingCapacity = 4 })
	ctx := context.Background()

	mustAdd(t, w, "one two", 0.4)
	clock.Advance(15 * time.Minute)
	mustAdd(t, w, "three", 0.8)

	stats, err := w.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, TierWorking, stats.Kind)
	assert.Equal(t, 2, stats.Count)
	assert.InDelta(t, 0.6, stats.AvgImportance, 1e-9)
	assert.InDelta(t, 0.5, stats.CapacityUsage, 1e-9)
	assert.Equal(t, 3, stats.CurrentTokens)
	assert.Equal(t, 120, stats.TTLMinutes)
	assert.InDelta(t, 15.0, stats.SessionMinutes, 1e-9)
	require.NotNil(t, stats.Oldest)
	require.NotNil(t, stats.Newest)
	assert.Equal(t, 15*time.Minute, stats.Newest.Sub(*stats.Oldest))
}

func TestWorkingRecentAndImportant(t *testing.T) {
	w, clock := newTestWorking(t, nil)

	a := mustAdd(t, w, "a", 0.9)
	clock.Advance(time.Minute)
	b := mustAdd(t, w, "b", 0.1)
	clock.Advance(time.Minute)
	c := mustAdd(t, w, "c", 0.5)

	assert.Equal(t, []string{c, b}, ids(w.Recent(2)))
	assert.Equal(t, []string{a, c, b}, ids(w.Important(0)))
}

func TestWorkingContextSummary(t *testing.T) {
	w, clock := newTestWorking(t, nil)
	assert.Equal(t, "No working memories available.", w.ContextSummary(100))

	mustAdd(t, w, "short note", 0.9)
	clock.Advance(time.Minute)
	mustAdd(t, w, "0123456789012345678901234567890123456789012345678901234567890123456789", 0.5)

	assert.Equal(t, "Working Memory Context:\nshort note", w.ContextSummary(40))

	got := w.ContextSummary(70)
	assert.Equal(t, "Working Memory Context:\nshort note\n"+"012345678901234567890123456789012345678901234567890123456789"+"...", got)
}
