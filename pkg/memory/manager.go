package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultLimit is used when a retrieval does not specify one.
const DefaultLimit = 10

// Manager routes memory operations across the enabled tiers.
//
// Locking: each tier serialises its own state. The Manager holds a
// read-write lock on top; fan-out reads (Retrieve, Get, Stats, Summary) take
// the read lock so tiers are queried in parallel, and operations that inspect
// one tier and then act on it (Add, Update, Remove, Forget, Consolidate,
// ClearAll) take the write lock.
type Manager struct {
	mu sync.RWMutex

	cfg      Config
	tiers    map[TierKind]Tier
	kinds    []TierKind
	logger   *slog.Logger
	tracer   trace.Tracer
	observer Observer
}

// AddRequest is the input to Manager.Add. Importance is estimated from
// content and metadata when nil; OwnerID defaults to Config.OwnerID.
type AddRequest struct {
	Content      string                 `json:"content"`
	Kind         TierKind               `json:"tier_kind,omitempty"`
	OwnerID      string                 `json:"owner_id,omitempty"`
	Importance   *float64               `json:"importance,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	AutoClassify bool                   `json:"auto_classify,omitempty"`
}

// RetrieveRequest is the input to Manager.Retrieve.
type RetrieveRequest struct {
	Query         string                 `json:"query"`
	Kinds         []TierKind             `json:"tier_kinds,omitempty"`
	Limit         int                    `json:"limit,omitempty"`
	MinImportance float64                `json:"min_importance,omitempty"`
	OwnerID       string                 `json:"owner_id,omitempty"`
	Since         time.Time              `json:"since,omitempty"`
	Until         time.Time              `json:"until,omitempty"`
	Filters       map[string]interface{} `json:"filters,omitempty"`
}

// ManagerStats aggregates per-tier statistics.
type ManagerStats struct {
	OwnerID       string                 `json:"owner_id"`
	EnabledTiers  []TierKind             `json:"enabled_tiers"`
	TotalMemories int                    `json:"total_memories"`
	Tiers         map[TierKind]TierStats `json:"tiers"`
	Errors        map[TierKind]string    `json:"errors,omitempty"`
}

// NewManager builds a Manager with a working tier and in-memory store tiers
// for every enabled kind. WithTier replaces the default for its kind.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := newSettings(opts)

	m := &Manager{
		cfg:      cfg,
		tiers:    make(map[TierKind]Tier),
		logger:   s.logger.With("component", "manager"),
		tracer:   s.tracer,
		observer: s.observer,
	}
	for _, t := range s.tiers {
		if !cfg.enabled(t.Kind()) {
			return nil, &ValidationError{Field: "tier", Reason: fmt.Sprintf("tier %s is not enabled", t.Kind()), Err: ErrUnsupportedTier}
		}
		m.tiers[t.Kind()] = t
	}
	for _, kind := range AllTierKinds {
		if !cfg.enabled(kind) {
			continue
		}
		m.kinds = append(m.kinds, kind)
		if _, ok := m.tiers[kind]; ok {
			continue
		}
		if kind == TierWorking {
			m.tiers[kind] = NewWorkingTier(cfg, opts...)
		} else {
			m.tiers[kind] = NewStoreTier(kind, NewMemoryBackend(), cfg, opts...)
		}
	}
	return m, nil
}

// Config returns the configuration the Manager was built with.
func (m *Manager) Config() Config { return m.cfg }

// Kinds returns the enabled tier kinds in canonical order.
func (m *Manager) Kinds() []TierKind {
	return append([]TierKind(nil), m.kinds...)
}

// Tier returns the tier for kind.
func (m *Manager) Tier(kind TierKind) (Tier, bool) {
	t, ok := m.tiers[kind]
	return t, ok
}

func (m *Manager) tier(kind TierKind) (Tier, error) {
	t, ok := m.tiers[kind]
	if !ok {
		return nil, &ValidationError{Field: "tier_kind", Reason: fmt.Sprintf("tier %q is not enabled", kind), Err: ErrUnsupportedTier}
	}
	return t, nil
}

// Add stores content in the requested or classified tier and returns the
// new id.
func (m *Manager) Add(ctx context.Context, req AddRequest) (string, error) {
	ctx, span := m.tracer.Start(ctx, "memory.add")
	defer span.End()

	if strings.TrimSpace(req.Content) == "" {
		return "", fail(span, &ValidationError{Field: "content", Reason: "content is empty", Err: ErrEmptyContent})
	}

	kind := req.Kind
	switch {
	case req.AutoClassify:
		kind = Classify(req.Content, req.Metadata)
	case kind == "":
		kind = TierWorking
	default:
		k, err := ParseTierKind(string(kind))
		if err != nil {
			return "", fail(span, err)
		}
		kind = k
	}
	span.SetAttributes(attribute.String("memory.tier", string(kind)))

	var importance float64
	if req.Importance != nil {
		imp, err := clampImportance(*req.Importance)
		if err != nil {
			return "", fail(span, err)
		}
		importance = imp
	} else {
		importance = EstimateImportance(req.Content, req.Metadata)
	}

	owner := req.OwnerID
	if owner == "" {
		owner = m.cfg.OwnerID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.tier(kind)
	if err != nil {
		return "", fail(span, err)
	}
	id, err := t.Add(ctx, Item{
		Content:    req.Content,
		Kind:       kind,
		OwnerID:    owner,
		Importance: importance,
		Metadata:   mergeMetadata(nil, req.Metadata),
	})
	if err != nil {
		return "", fail(span, fmt.Errorf("add to %s: %w", kind, err))
	}
	span.SetAttributes(attribute.String("memory.id", id))
	m.logger.Debug("memory added", "id", id, "tier", kind, "importance", importance)
	return id, nil
}

type tierResult struct {
	index int
	kind  TierKind
	items []Item
	err   error
}

// Retrieve queries the selected tiers concurrently, each with a quota of
// max(1, limit/len(kinds)), and merges the results by importance. A failing
// tier is logged and skipped.
func (m *Manager) Retrieve(ctx context.Context, req RetrieveRequest) ([]Item, error) {
	ctx, span := m.tracer.Start(ctx, "memory.retrieve")
	defer span.End()

	if strings.TrimSpace(req.Query) == "" {
		return nil, fail(span, &ValidationError{Field: "query", Reason: "query is empty", Err: ErrEmptyQuery})
	}
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	kinds, err := m.selectKinds(req.Kinds)
	if err != nil {
		return nil, fail(span, err)
	}
	span.SetAttributes(attribute.Int("memory.tiers", len(kinds)), attribute.Int("memory.limit", limit))
	if len(kinds) == 0 {
		return []Item{}, nil
	}

	q := Query{
		Text:          req.Query,
		Limit:         max(1, limit/len(kinds)),
		MinImportance: req.MinImportance,
		OwnerID:       req.OwnerID,
		Since:         req.Since,
		Until:         req.Until,
		Filters:       req.Filters,
	}

	p := pool.NewWithResults[tierResult]()
	for i, kind := range kinds {
		t := m.tiers[kind]
		p.Go(func() tierResult {
			items, err := t.Retrieve(ctx, q)
			return tierResult{index: i, kind: kind, items: items, err: err}
		})
	}
	results := p.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i].index < results[j].index })

	var merged []Item
	for _, r := range results {
		if r.err != nil {
			m.logger.Warn("tier retrieve failed", "tier", r.kind, "error", r.err)
			span.AddEvent("tier_error", trace.WithAttributes(attribute.String("memory.tier", string(r.kind))))
			continue
		}
		merged = append(merged, r.items...)
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Importance > merged[j].Importance })
	if len(merged) > limit {
		merged = merged[:limit]
	}
	if merged == nil {
		merged = []Item{}
	}
	span.SetAttributes(attribute.Int("memory.results", len(merged)))
	return merged, nil
}

// selectKinds resolves requested kinds against the enabled set. Kinds that
// are valid but disabled are skipped.
func (m *Manager) selectKinds(requested []TierKind) ([]TierKind, error) {
	if len(requested) == 0 {
		return m.kinds, nil
	}
	seen := make(map[TierKind]bool, len(requested))
	var kinds []TierKind
	for _, r := range requested {
		k, err := ParseTierKind(string(r))
		if err != nil {
			return nil, err
		}
		if _, ok := m.tiers[k]; !ok || seen[k] {
			continue
		}
		seen[k] = true
		kinds = append(kinds, k)
	}
	return kinds, nil
}

type getter interface {
	Get(ctx context.Context, id string) (Item, bool, error)
}

// Get returns the item with the given id from whichever tier owns it.
func (m *Manager) Get(ctx context.Context, id string) (Item, error) {
	ctx, span := m.tracer.Start(ctx, "memory.get", trace.WithAttributes(attribute.String("memory.id", id)))
	defer span.End()

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, kind := range m.kinds {
		it, ok, err := lookup(ctx, m.tiers[kind], id)
		if err != nil {
			m.logger.Warn("tier get failed", "tier", kind, "error", err)
			continue
		}
		if ok {
			span.SetAttributes(attribute.String("memory.tier", string(kind)))
			return it, nil
		}
	}
	return Item{}, fail(span, &NotFoundError{ID: id})
}

func lookup(ctx context.Context, t Tier, id string) (Item, bool, error) {
	if g, ok := t.(getter); ok {
		return g.Get(ctx, id)
	}
	items, err := t.All(ctx)
	if err != nil {
		return Item{}, false, err
	}
	for _, it := range items {
		if it.ID == id {
			return it, true, nil
		}
	}
	return Item{}, false, nil
}

// owner finds the tier holding id. The caller holds the write lock.
func (m *Manager) owner(ctx context.Context, id string) (Tier, error) {
	for _, kind := range m.kinds {
		t := m.tiers[kind]
		ok, err := t.Has(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			return t, nil
		}
	}
	return nil, nil
}

// Update applies p to the item with the given id. It reports false when no
// tier owns the id.
func (m *Manager) Update(ctx context.Context, id string, p Patch) (bool, error) {
	ctx, span := m.tracer.Start(ctx, "memory.update", trace.WithAttributes(attribute.String("memory.id", id)))
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.owner(ctx, id)
	if err != nil {
		return false, fail(span, err)
	}
	if t == nil {
		return false, nil
	}
	span.SetAttributes(attribute.String("memory.tier", string(t.Kind())))
	ok, err := t.Update(ctx, id, p)
	if err != nil {
		return false, fail(span, err)
	}
	return ok, nil
}

// Remove deletes the item with the given id. It reports false when no tier
// owns the id.
func (m *Manager) Remove(ctx context.Context, id string) (bool, error) {
	ctx, span := m.tracer.Start(ctx, "memory.remove", trace.WithAttributes(attribute.String("memory.id", id)))
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.owner(ctx, id)
	if err != nil {
		return false, fail(span, err)
	}
	if t == nil {
		return false, nil
	}
	span.SetAttributes(attribute.String("memory.tier", string(t.Kind())))
	ok, err := t.Remove(ctx, id)
	if err != nil {
		return false, fail(span, err)
	}
	return ok, nil
}

// Forget runs the strategy on every enabled tier and returns the total
// number of removed items. Failing tiers are logged and skipped.
func (m *Manager) Forget(ctx context.Context, req ForgetRequest) (int, error) {
	ctx, span := m.tracer.Start(ctx, "memory.forget")
	defer span.End()

	strategy, err := req.strategy()
	if err != nil {
		return 0, fail(span, err)
	}
	req.Strategy = strategy
	span.SetAttributes(attribute.String("memory.strategy", string(strategy)))

	m.mu.Lock()
	defer m.mu.Unlock()

	total := 0
	for _, kind := range m.kinds {
		n, err := m.tiers[kind].Forget(ctx, req)
		if err != nil {
			m.logger.Warn("tier forget failed", "tier", kind, "strategy", strategy, "error", err)
		}
		total += n
	}
	span.SetAttributes(attribute.Int("memory.removed", total))
	m.logger.Debug("memories forgotten", "strategy", strategy, "removed", total)
	return total, nil
}

// Consolidate moves every item of from with importance >= threshold into
// to, boosting its importance by 10%. Each item is removed from from before
// it is added to to. If the insert fails the item is put back into from and
// the move stops with a *ConsolidationError. An item the destination evicts
// straight away is put back into from and not counted.
func (m *Manager) Consolidate(ctx context.Context, from, to TierKind, threshold float64) (int, error) {
	ctx, span := m.tracer.Start(ctx, "memory.consolidate", trace.WithAttributes(
		attribute.String("memory.from", string(from)),
		attribute.String("memory.to", string(to)),
		attribute.Float64("memory.threshold", threshold),
	))
	defer span.End()

	if from == to {
		return 0, fail(span, &ValidationError{Field: "to_kind", Reason: "source and destination are the same tier", Err: ErrInvalidValue})
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	src, err := m.tier(from)
	if err != nil {
		return 0, fail(span, err)
	}
	dst, err := m.tier(to)
	if err != nil {
		return 0, fail(span, err)
	}

	items, err := src.All(ctx)
	if err != nil {
		return 0, fail(span, fmt.Errorf("list %s: %w", from, err))
	}

	moved := 0
	for _, it := range items {
		if it.Importance < threshold {
			continue
		}
		ok, err := src.Remove(ctx, it.ID)
		if err != nil {
			return moved, m.consolidationFailed(span, &ConsolidationError{From: from, To: to, Moved: moved, Err: err})
		}
		if !ok {
			continue
		}

		promoted := it.clone()
		promoted.Kind = to
		promoted.Importance = math.Min(1, it.Importance*1.1)
		id, err := dst.Add(ctx, promoted)
		if err != nil {
			cerr := &ConsolidationError{From: from, To: to, Moved: moved, Err: err}
			if _, rerr := src.Add(ctx, it); rerr != nil {
				m.logger.Error("consolidation lost item", "id", it.ID, "from", from, "to", to, "error", rerr)
				cerr.Lost = append(cerr.Lost, it.ID)
			} else {
				cerr.Restored = append(cerr.Restored, it.ID)
			}
			return moved, m.consolidationFailed(span, cerr)
		}
		// A working destination may evict the item on arrival.
		if kept, herr := dst.Has(ctx, id); herr == nil && !kept {
			if _, rerr := src.Add(ctx, it); rerr != nil {
				m.logger.Error("consolidation lost item", "id", it.ID, "from", from, "to", to, "error", rerr)
			} else {
				m.logger.Warn("consolidated item evicted by destination, kept in source", "id", it.ID, "from", from, "to", to)
			}
			continue
		}
		moved++
	}

	if moved > 0 {
		m.observer.Consolidated(from, to, moved)
	}
	span.SetAttributes(attribute.Int("memory.moved", moved))
	m.logger.Debug("memories consolidated", "from", from, "to", to, "moved", moved)
	return moved, nil
}

func (m *Manager) consolidationFailed(span trace.Span, err *ConsolidationError) error {
	if err.Moved > 0 {
		m.observer.Consolidated(err.From, err.To, err.Moved)
	}
	return fail(span, err)
}

// Stats collects statistics from every enabled tier.
func (m *Manager) Stats(ctx context.Context) (ManagerStats, error) {
	ctx, span := m.tracer.Start(ctx, "memory.stats")
	defer span.End()

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := ManagerStats{
		OwnerID:      m.cfg.OwnerID,
		EnabledTiers: m.Kinds(),
		Tiers:        make(map[TierKind]TierStats, len(m.kinds)),
	}
	for _, kind := range m.kinds {
		st, err := m.tiers[kind].Stats(ctx)
		if err != nil {
			m.logger.Warn("tier stats failed", "tier", kind, "error", err)
			if out.Errors == nil {
				out.Errors = make(map[TierKind]string)
			}
			out.Errors[kind] = err.Error()
			continue
		}
		out.Tiers[kind] = st
		out.TotalMemories += st.Count
	}
	span.SetAttributes(attribute.Int("memory.total", out.TotalMemories))
	return out, nil
}

// ClearAll empties every enabled tier.
func (m *Manager) ClearAll(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "memory.clear_all")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, kind := range m.kinds {
		if err := m.tiers[kind].Clear(ctx); err != nil {
			errs = append(errs, fmt.Errorf("clear %s: %w", kind, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fail(span, err)
	}
	return nil
}

// Close releases tiers that hold external resources.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, kind := range m.kinds {
		if c, ok := m.tiers[kind].(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", kind, err))
			}
		}
	}
	return errors.Join(errs...)
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
