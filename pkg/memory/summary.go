package memory

import (
	"context"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Summary is an overview of everything the Manager holds.
type Summary struct {
	OwnerID       string                   `json:"owner_id"`
	TotalMemories int                      `json:"total_memories"`
	Tiers         map[TierKind]TierSummary `json:"tiers"`
	Important     []Item                   `json:"important"`
}

// TierSummary is the per-tier part of a Summary.
type TierSummary struct {
	Count         int     `json:"count"`
	AvgImportance float64 `json:"avg_importance"`
}

// Summary returns per-tier counts and the limit most important memories.
// Memories are deduplicated by id and by case-folded content.
func (m *Manager) Summary(ctx context.Context, limit int) (Summary, error) {
	ctx, span := m.tracer.Start(ctx, "memory.summary")
	defer span.End()

	if limit <= 0 {
		limit = DefaultLimit
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := Summary{
		OwnerID: m.cfg.OwnerID,
		Tiers:   make(map[TierKind]TierSummary, len(m.kinds)),
	}
	var all []Item
	for _, kind := range m.kinds {
		items, err := m.tiers[kind].All(ctx)
		if err != nil {
			m.logger.Warn("tier summary failed", "tier", kind, "error", err)
			continue
		}
		out.Tiers[kind] = TierSummary{Count: len(items), AvgImportance: avgImportance(items)}
		out.TotalMemories += len(items)
		all = append(all, items...)
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].Importance > all[j].Importance })
	out.Important = dedupe(all, limit)
	span.SetAttributes(attribute.Int("memory.total", out.TotalMemories))
	return out, nil
}

// dedupe keeps the first occurrence of every id and normalised content, up
// to limit items.
func dedupe(items []Item, limit int) []Item {
	seenID := make(map[string]bool, len(items))
	seenContent := make(map[string]bool, len(items))
	out := make([]Item, 0, min(limit, len(items)))
	for _, it := range items {
		key := strings.ToLower(strings.TrimSpace(it.Content))
		if seenID[it.ID] || seenContent[key] {
			continue
		}
		seenID[it.ID] = true
		seenContent[key] = true
		out = append(out, it)
		if len(out) == limit {
			break
		}
	}
	return out
}
