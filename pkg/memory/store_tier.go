package memory

import (
	"context"
	"sort"
	"sync"
	"time"
)

// candidatePoolFactor widens the backend search so tier-side filters and
// rescoring still leave Limit results.
const candidatePoolFactor = 4

// Backend persists long-term items for one tier kind.
type Backend interface {
	// Name identifies the backend in stats output.
	Name() string

	// Put inserts or replaces an item.
	Put(ctx context.Context, item Item) error

	Get(ctx context.Context, id string) (Item, bool, error)
	Delete(ctx context.Context, id string) (bool, error)

	// Search returns candidate items for a query. Vector backends rank by
	// similarity and set Candidate.Similarity; lexical backends return every
	// item passing the owner and importance pre-filters.
	Search(ctx context.Context, req SearchRequest) ([]Candidate, error)

	// List returns every item in insertion order where the backend keeps one.
	List(ctx context.Context) ([]Item, error)
	Count(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
	Close() error
}

// SearchRequest is the backend side of a tier query.
type SearchRequest struct {
	Text          string
	Limit         int // 0 means no limit
	OwnerID       string
	MinImportance float64
}

// Candidate is a search hit before tier scoring.
type Candidate struct {
	Item          Item
	Similarity    float64
	HasSimilarity bool
}

// StoreTier implements Tier over a Backend. It is used for the episodic,
// semantic and perceptual kinds. Unlike the working tier it never evicts on
// Add; size is controlled through Forget.
type StoreTier struct {
	mu sync.Mutex

	kind       TierKind
	backend    Backend
	cfg        Config
	decay      Decay
	now        func() time.Time
	similarity SimilarityProvider
	observer   Observer
}

var _ Tier = (*StoreTier)(nil)

// NewStoreTier creates a tier of the given kind backed by backend.
func NewStoreTier(kind TierKind, backend Backend, cfg Config, opts ...Option) *StoreTier {
	s := newSettings(opts)
	return &StoreTier{
		kind:       kind,
		backend:    backend,
		cfg:        cfg,
		decay:      Decay{Factor: cfg.DecayFactor, PeriodHours: cfg.DecayPeriodHours},
		now:        s.now,
		similarity: s.similarity,
		observer:   s.observer,
	}
}

func (s *StoreTier) Kind() TierKind { return s.kind }

// Backend returns the underlying store.
func (s *StoreTier) Backend() Backend { return s.backend }

func (s *StoreTier) Add(ctx context.Context, item Item) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, err := prepareItem(item, s.kind, s.now())
	if err != nil {
		return "", err
	}
	it.Kind = s.kind
	if err := s.backend.Put(ctx, it); err != nil {
		return "", s.wrap("put", err)
	}
	s.observer.Added(s.kind)
	s.reportSize(ctx)
	return it.ID, nil
}

func (s *StoreTier) Retrieve(ctx context.Context, q Query) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req := SearchRequest{Text: q.Text, OwnerID: q.OwnerID, MinImportance: q.MinImportance}
	if q.Limit > 0 {
		req.Limit = q.Limit * candidatePoolFactor
	}
	hits, err := s.backend.Search(ctx, req)
	if err != nil {
		return nil, s.wrap("search", err)
	}

	now := s.now()
	candidates := make([]scored, 0, len(hits))
	for _, h := range hits {
		it := h.Item
		if !q.matches(&it) {
			continue
		}
		sem, ok := h.Similarity, h.HasSimilarity
		if !ok && s.similarity != nil {
			sem, ok = s.similarity.Similarity(ctx, q.Text, it.Content)
		}
		lex := lexicalScore(q.Text, it.Content)
		score := relevance(sem, ok, lex) * s.decay.At(it.CreatedAt, now) * importanceWeight(it.Importance)
		candidates = append(candidates, scored{item: it.clone(), score: score})
	}
	return rank(candidates, q.Limit), nil
}

func (s *StoreTier) Update(ctx context.Context, id string, p Patch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok, err := s.backend.Get(ctx, id)
	if err != nil {
		return false, s.wrap("get", err)
	}
	if !ok {
		return false, nil
	}
	if _, err := applyPatch(&it, p); err != nil {
		return false, err
	}
	if err := s.backend.Put(ctx, it); err != nil {
		return false, s.wrap("put", err)
	}
	return true, nil
}

func (s *StoreTier) Remove(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.backend.Delete(ctx, id)
	if err != nil {
		return false, s.wrap("delete", err)
	}
	if ok {
		s.reportSize(ctx)
	}
	return ok, nil
}

func (s *StoreTier) Has(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok, err := s.backend.Get(ctx, id)
	if err != nil {
		return false, s.wrap("get", err)
	}
	return ok, nil
}

// Get returns a copy of the item with the given id.
func (s *StoreTier) Get(ctx context.Context, id string) (Item, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok, err := s.backend.Get(ctx, id)
	if err != nil {
		return Item{}, false, s.wrap("get", err)
	}
	return it, ok, nil
}

func (s *StoreTier) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Clear(ctx); err != nil {
		return s.wrap("clear", err)
	}
	s.observer.Size(s.kind, 0)
	return nil
}

func (s *StoreTier) Stats(ctx context.Context) (TierStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.backend.List(ctx)
	if err != nil {
		return TierStats{}, s.wrap("list", err)
	}
	stats := TierStats{
		Kind:          s.kind,
		Count:         len(items),
		AvgImportance: avgImportance(items),
		Capacity:      s.cfg.MaxCapacity,
		Backend:       s.backend.Name(),
	}
	if s.cfg.MaxCapacity > 0 {
		stats.CapacityUsage = float64(len(items)) / float64(s.cfg.MaxCapacity)
	}
	stats.Oldest, stats.Newest = timeBounds(items)
	return stats, nil
}

func (s *StoreTier) Forget(ctx context.Context, req ForgetRequest) (int, error) {
	strategy, err := req.strategy()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.backend.List(ctx)
	if err != nil {
		return 0, s.wrap("list", err)
	}

	now := s.now()
	var doomed []string
	switch strategy {
	case ForgetImportanceBased:
		for _, it := range items {
			if it.Importance < req.Threshold {
				doomed = append(doomed, it.ID)
			}
		}
	case ForgetTimeBased:
		for _, it := range items {
			if now.Sub(it.CreatedAt) > req.MaxAge {
				doomed = append(doomed, it.ID)
			}
		}
	case ForgetCapacityBased:
		if excess := len(items) - s.cfg.MaxCapacity; excess > 0 {
			sort.SliceStable(items, func(i, j int) bool {
				pi, pj := s.decay.Priority(&items[i], now), s.decay.Priority(&items[j], now)
				if pi != pj {
					return pi < pj
				}
				return items[i].CreatedAt.Before(items[j].CreatedAt)
			})
			for _, it := range items[:excess] {
				doomed = append(doomed, it.ID)
			}
		}
	}

	removed := 0
	for _, id := range doomed {
		ok, err := s.backend.Delete(ctx, id)
		if err != nil {
			if removed > 0 {
				s.observer.Forgotten(s.kind, strategy, removed)
			}
			return removed, s.wrap("delete", err)
		}
		if ok {
			removed++
		}
	}
	if removed > 0 {
		s.observer.Forgotten(s.kind, strategy, removed)
		s.reportSize(ctx)
	}
	return removed, nil
}

func (s *StoreTier) All(ctx context.Context) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.backend.List(ctx)
	if err != nil {
		return nil, s.wrap("list", err)
	}
	return items, nil
}

// Close releases the backend.
func (s *StoreTier) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Close()
}

func (s *StoreTier) wrap(op string, err error) error {
	return &BackendError{Tier: s.kind, Op: op, Err: err}
}

func (s *StoreTier) reportSize(ctx context.Context) {
	if n, err := s.backend.Count(ctx); err == nil {
		s.observer.Size(s.kind, n)
	}
}
