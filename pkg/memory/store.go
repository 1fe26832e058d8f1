// Package memory implements a layered in-process memory engine for
// conversational agents: a short-lived working tier with priority and TTL
// eviction, long-term tiers over pluggable backends, and a Manager that
// classifies, ranks, consolidates and forgets items across tiers.
package memory

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// TierKind identifies which tier owns an item.
type TierKind string

const (
	TierWorking    TierKind = "working"
	TierEpisodic   TierKind = "episodic"
	TierSemantic   TierKind = "semantic"
	TierPerceptual TierKind = "perceptual"
)

// AllTierKinds lists every kind in canonical order.
var AllTierKinds = []TierKind{TierWorking, TierEpisodic, TierSemantic, TierPerceptual}

// ParseTierKind converts a user supplied name into a TierKind.
func ParseTierKind(s string) (TierKind, error) {
	k := TierKind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case TierWorking, TierEpisodic, TierSemantic, TierPerceptual:
		return k, nil
	}
	return "", &ValidationError{Field: "tier_kind", Reason: fmt.Sprintf("unknown tier %q", s), Err: ErrUnsupportedTier}
}

// Item is the atomic unit of memory.
type Item struct {
	ID         string                 `json:"id"`
	Content    string                 `json:"content"`
	Kind       TierKind               `json:"tier_kind"`
	OwnerID    string                 `json:"owner_id"`
	CreatedAt  time.Time              `json:"created_at"`
	Importance float64                `json:"importance"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// clone returns a copy that shares no mutable state with i.
func (i Item) clone() Item {
	i.Metadata = mergeMetadata(nil, i.Metadata)
	return i
}

// Query describes a tier retrieval.
type Query struct {
	Text          string
	Limit         int
	MinImportance float64
	OwnerID       string

	// Since and Until bound CreatedAt when non-zero.
	Since time.Time
	Until time.Time

	// Filters are metadata equality constraints.
	Filters map[string]interface{}
}

// matches reports whether the item passes the non-scoring constraints of q.
func (q Query) matches(it *Item) bool {
	if q.OwnerID != "" && it.OwnerID != q.OwnerID {
		return false
	}
	if it.Importance < q.MinImportance {
		return false
	}
	if !q.Since.IsZero() && it.CreatedAt.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && it.CreatedAt.After(q.Until) {
		return false
	}
	for k, want := range q.Filters {
		got, ok := it.Metadata[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Content    *string
	Importance *float64
	Metadata   map[string]interface{}
}

// ForgetStrategy names a bulk removal policy.
type ForgetStrategy string

const (
	ForgetImportanceBased ForgetStrategy = "importance_based"
	ForgetTimeBased       ForgetStrategy = "time_based"
	ForgetCapacityBased   ForgetStrategy = "capacity_based"
)

// ParseForgetStrategy validates a strategy name. Empty means importance_based.
func ParseForgetStrategy(s string) (ForgetStrategy, error) {
	switch ForgetStrategy(s) {
	case "":
		return ForgetImportanceBased, nil
	case ForgetImportanceBased, ForgetTimeBased, ForgetCapacityBased:
		return ForgetStrategy(s), nil
	}
	return "", &ValidationError{Field: "strategy", Reason: fmt.Sprintf("unknown strategy %q", s), Err: ErrUnknownStrategy}
}

// ForgetRequest parameterises Tier.Forget. A zero MaxAge with time_based
// forgets everything created before now.
type ForgetRequest struct {
	Strategy  ForgetStrategy `json:"strategy"`
	Threshold float64        `json:"threshold"`
	MaxAge    time.Duration  `json:"max_age"`
}

func (r ForgetRequest) strategy() (ForgetStrategy, error) {
	strategy, err := ParseForgetStrategy(string(r.Strategy))
	if err != nil {
		return "", err
	}
	if strategy == ForgetTimeBased && r.MaxAge < 0 {
		return "", &ValidationError{Field: "max_age", Reason: "max age is negative", Err: ErrInvalidValue}
	}
	return strategy, nil
}

// TierStats summarises a tier. Count, AvgImportance and CapacityUsage are
// always populated; the rest depends on the tier.
type TierStats struct {
	Kind          TierKind `json:"tier_kind"`
	Count         int      `json:"count"`
	AvgImportance float64  `json:"avg_importance"`
	Capacity      int      `json:"capacity"`
	CapacityUsage float64  `json:"capacity_usage"`

	CurrentTokens  int     `json:"current_tokens,omitempty"`
	TokenBudget    int     `json:"token_budget,omitempty"`
	TokenUsage     float64 `json:"token_usage,omitempty"`
	TTLMinutes     int     `json:"ttl_minutes,omitempty"`
	SessionMinutes float64 `json:"session_duration_minutes,omitempty"`
	Backend        string  `json:"backend,omitempty"`

	Oldest *time.Time `json:"oldest,omitempty"`
	Newest *time.Time `json:"newest,omitempty"`
}

// Tier is the capability set shared by every memory kind.
type Tier interface {
	Kind() TierKind

	// Add inserts an item and returns its id. Importance is clamped.
	Add(ctx context.Context, item Item) (string, error)

	// Retrieve returns at most q.Limit items ranked by relevance.
	Retrieve(ctx context.Context, q Query) ([]Item, error)

	// Update applies a partial update. It reports false if id is unknown.
	Update(ctx context.Context, id string, p Patch) (bool, error)

	Remove(ctx context.Context, id string) (bool, error)
	Has(ctx context.Context, id string) (bool, error)
	Clear(ctx context.Context) error
	Stats(ctx context.Context) (TierStats, error)

	// Forget removes items according to a strategy and returns the count.
	Forget(ctx context.Context, req ForgetRequest) (int, error)

	// All returns a snapshot of every live item.
	All(ctx context.Context) ([]Item, error)
}
