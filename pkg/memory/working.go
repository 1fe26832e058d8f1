package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// WorkingTier is the short-lived, in-memory tier. Items expire after a TTL
// and the lowest priority items are evicted whenever the item count or the
// token total goes over its limits.
//
// All methods are serialised by an internal mutex. Expiry and eviction run
// inline in the triggering call; there is no background goroutine.
type WorkingTier struct {
	mu sync.Mutex

	cfg        Config
	decay      Decay
	now        func() time.Time
	similarity SimilarityProvider
	observer   Observer

	items        []*entry // insertion order
	pq           priorityQueue
	tokens       int
	seq          uint64
	rebuilds     int
	sessionStart time.Time
}

var _ Tier = (*WorkingTier)(nil)

// NewWorkingTier creates an empty working tier. It honours WithClock,
// WithSimilarity and WithObserver.
func NewWorkingTier(cfg Config, opts ...Option) *WorkingTier {
	s := newSettings(opts)
	return &WorkingTier{
		cfg:          cfg,
		decay:        Decay{Factor: cfg.DecayFactor, PeriodHours: cfg.DecayPeriodHours},
		now:          s.now,
		similarity:   s.similarity,
		observer:     s.observer,
		sessionStart: s.now(),
	}
}

func (w *WorkingTier) Kind() TierKind { return TierWorking }

// Add inserts item, then evicts the lowest priority items until both the
// capacity and the token budget hold again. The returned id may already be
// evicted if the item alone overflows the token budget.
func (w *WorkingTier) Add(ctx context.Context, item Item) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.expire(now)

	it, err := prepareItem(item, TierWorking, now)
	if err != nil {
		return "", err
	}
	it.Kind = TierWorking
	if w.indexOf(it.ID) >= 0 {
		return "", &ValidationError{Field: "id", Reason: "duplicate id " + it.ID, Err: ErrInvalidValue}
	}

	w.seq++
	e := &entry{item: &it, priority: w.decay.Priority(&it, now), seq: w.seq}
	w.pq.push(e)
	w.items = append(w.items, e)
	w.tokens += countTokens(it.Content)
	w.observer.Added(TierWorking)

	w.enforceLimits(now)
	w.observer.Size(TierWorking, len(w.items))
	return it.ID, nil
}

// Retrieve scores every live item against q and returns the best q.Limit.
func (w *WorkingTier) Retrieve(ctx context.Context, q Query) ([]Item, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.expire(now)

	candidates := make([]scored, 0, len(w.items))
	for _, e := range w.items {
		it := e.item
		if !q.matches(it) {
			continue
		}
		lex := lexicalScore(q.Text, it.Content)
		var sem float64
		var ok bool
		if w.similarity != nil {
			sem, ok = w.similarity.Similarity(ctx, q.Text, it.Content)
		}
		score := relevance(sem, ok, lex) * w.decay.At(it.CreatedAt, now) * importanceWeight(it.Importance)
		candidates = append(candidates, scored{item: it.clone(), score: score})
	}
	return rank(candidates, q.Limit), nil
}

func (w *WorkingTier) Update(ctx context.Context, id string, p Patch) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	i := w.indexOf(id)
	if i < 0 {
		return false, nil
	}
	updated := w.items[i].item.clone()
	delta, err := applyPatch(&updated, p)
	if err != nil {
		return false, err
	}
	*w.items[i].item = updated
	w.tokens = max(0, w.tokens+delta)
	w.rebuild(w.now())
	return true, nil
}

func (w *WorkingTier) Remove(ctx context.Context, id string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	i := w.indexOf(id)
	if i < 0 {
		return false, nil
	}
	w.detachAt(i)
	w.rebuild(w.now())
	w.observer.Size(TierWorking, len(w.items))
	return true, nil
}

func (w *WorkingTier) Has(ctx context.Context, id string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.indexOf(id) >= 0, nil
}

func (w *WorkingTier) Clear(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.items = nil
	w.pq = nil
	w.tokens = 0
	w.observer.Size(TierWorking, 0)
	return nil
}

func (w *WorkingTier) Stats(ctx context.Context) (TierStats, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.expire(now)

	items := w.snapshot()
	stats := TierStats{
		Kind:           TierWorking,
		Count:          len(items),
		AvgImportance:  avgImportance(items),
		Capacity:       w.cfg.WorkingCapacity,
		CurrentTokens:  w.tokens,
		TokenBudget:    w.cfg.WorkingTokenBudget,
		TTLMinutes:     w.cfg.WorkingTTLMinutes,
		SessionMinutes: now.Sub(w.sessionStart).Minutes(),
		Backend:        "memory",
	}
	if w.cfg.WorkingCapacity > 0 {
		stats.CapacityUsage = float64(len(items)) / float64(w.cfg.WorkingCapacity)
	}
	if w.cfg.WorkingTokenBudget > 0 {
		stats.TokenUsage = float64(w.tokens) / float64(w.cfg.WorkingTokenBudget)
	}
	stats.Oldest, stats.Newest = timeBounds(items)
	return stats, nil
}

// Forget always sweeps expired items first, then applies the strategy.
// MaxAge for time_based forgetting is measured from CreatedAt.
func (w *WorkingTier) Forget(ctx context.Context, req ForgetRequest) (int, error) {
	strategy, err := req.strategy()
	if err != nil {
		return 0, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	removed := w.expire(now)

	forgotten := 0
	switch strategy {
	case ForgetImportanceBased:
		forgotten = w.removeWhere(now, func(it *Item) bool { return it.Importance < req.Threshold })
	case ForgetTimeBased:
		forgotten = w.removeWhere(now, func(it *Item) bool { return now.Sub(it.CreatedAt) > req.MaxAge })
	case ForgetCapacityBased:
		if excess := len(w.items) - w.cfg.WorkingCapacity; excess > 0 {
			w.rebuild(now)
			for ; excess > 0; excess-- {
				e := w.pq.pop()
				if e == nil {
					break
				}
				w.detach(e)
				forgotten++
			}
		}
	}
	if forgotten > 0 {
		w.observer.Forgotten(TierWorking, strategy, forgotten)
	}
	w.observer.Size(TierWorking, len(w.items))
	return removed + forgotten, nil
}

// All returns the live items in insertion order after sweeping expired ones.
func (w *WorkingTier) All(ctx context.Context) ([]Item, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.expire(w.now())
	return w.snapshot(), nil
}

// Get returns a copy of the item with the given id.
func (w *WorkingTier) Get(ctx context.Context, id string) (Item, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	i := w.indexOf(id)
	if i < 0 {
		return Item{}, false, nil
	}
	return w.items[i].item.clone(), true, nil
}

// Recent returns up to limit items, newest first.
func (w *WorkingTier) Recent(limit int) []Item {
	w.mu.Lock()
	items := w.snapshot()
	w.mu.Unlock()

	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	return truncate(items, limit)
}

// Important returns up to limit items, most important first.
func (w *WorkingTier) Important(limit int) []Item {
	w.mu.Lock()
	items := w.snapshot()
	w.mu.Unlock()

	sort.SliceStable(items, func(i, j int) bool { return items[i].Importance > items[j].Importance })
	return truncate(items, limit)
}

// ContextSummary renders the most important items, newest first among
// equals, into at most maxLength characters of content. A partially fitting
// item is cut with "..." when more than 50 characters remain.
func (w *WorkingTier) ContextSummary(maxLength int) string {
	w.mu.Lock()
	items := w.snapshot()
	w.mu.Unlock()

	if len(items) == 0 {
		return "No working memories available."
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Importance != items[j].Importance {
			return items[i].Importance > items[j].Importance
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})

	var parts []string
	length := 0
	for _, it := range items {
		content := []rune(it.Content)
		if length+len(content) <= maxLength {
			parts = append(parts, it.Content)
			length += len(content)
			continue
		}
		if remaining := maxLength - length; remaining > 50 {
			parts = append(parts, string(content[:remaining])+"...")
		}
		break
	}
	return "Working Memory Context:\n" + strings.Join(parts, "\n")
}

// expire removes items older than the TTL. When nothing has expired it
// returns without touching the heap.
func (w *WorkingTier) expire(now time.Time) int {
	cutoff := now.Add(-time.Duration(w.cfg.WorkingTTLMinutes) * time.Minute)
	expired := 0
	for _, e := range w.items {
		if e.item.CreatedAt.Before(cutoff) {
			expired++
		}
	}
	if expired == 0 {
		return 0
	}

	kept := make([]*entry, 0, len(w.items)-expired)
	for _, e := range w.items {
		if e.item.CreatedAt.Before(cutoff) {
			w.tokens -= countTokens(e.item.Content)
			continue
		}
		kept = append(kept, e)
	}
	w.items = kept
	w.tokens = max(0, w.tokens)
	w.rebuild(now)
	w.observer.Evicted(TierWorking, EvictTTL, expired)
	return expired
}

func (w *WorkingTier) overLimits() bool {
	return len(w.items) > w.cfg.WorkingCapacity || w.tokens > w.cfg.WorkingTokenBudget
}

// enforceLimits pops the lowest priority entry until neither the capacity
// nor the token budget is exceeded, re-checking after each removal.
func (w *WorkingTier) enforceLimits(now time.Time) {
	if !w.overLimits() {
		return
	}
	w.rebuild(now)
	for w.overLimits() {
		reason := EvictTokens
		if len(w.items) > w.cfg.WorkingCapacity {
			reason = EvictCapacity
		}
		e := w.pq.pop()
		if e == nil {
			return
		}
		w.detach(e)
		w.observer.Evicted(TierWorking, reason, 1)
	}
}

// removeWhere drops every item matching pred and rebuilds the heap once.
func (w *WorkingTier) removeWhere(now time.Time, pred func(*Item) bool) int {
	kept := w.items[:0:0]
	removed := 0
	for _, e := range w.items {
		if pred(e.item) {
			w.tokens -= countTokens(e.item.Content)
			removed++
			continue
		}
		kept = append(kept, e)
	}
	if removed == 0 {
		return 0
	}
	w.items = kept
	w.tokens = max(0, w.tokens)
	w.rebuild(now)
	return removed
}

// rebuild recomputes every priority at now and re-heapifies.
func (w *WorkingTier) rebuild(now time.Time) {
	entries := make([]*entry, len(w.items))
	for i, e := range w.items {
		e.priority = w.decay.Priority(e.item, now)
		entries[i] = e
	}
	w.pq.rebuild(entries)
	w.rebuilds++
}

// detach removes a popped heap entry from the live collection.
func (w *WorkingTier) detach(e *entry) {
	for i, x := range w.items {
		if x == e {
			w.items = append(w.items[:i], w.items[i+1:]...)
			break
		}
	}
	w.tokens = max(0, w.tokens-countTokens(e.item.Content))
}

// detachAt removes items[i]. The caller rebuilds the heap.
func (w *WorkingTier) detachAt(i int) {
	e := w.items[i]
	w.items = append(w.items[:i], w.items[i+1:]...)
	w.tokens = max(0, w.tokens-countTokens(e.item.Content))
}

func (w *WorkingTier) indexOf(id string) int {
	for i, e := range w.items {
		if e.item.ID == id {
			return i
		}
	}
	return -1
}

func (w *WorkingTier) snapshot() []Item {
	out := make([]Item, len(w.items))
	for i, e := range w.items {
		out[i] = e.item.clone()
	}
	return out
}

func truncate(items []Item, limit int) []Item {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

func timeBounds(items []Item) (oldest, newest *time.Time) {
	for i := range items {
		t := items[i].CreatedAt
		if oldest == nil || t.Before(*oldest) {
			oldest = &t
		}
		if newest == nil || t.After(*newest) {
			newest = &t
		}
	}
	return oldest, newest
}
