package memory

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// generateID returns a random UUID string.
func generateID() string {
	return uuid.NewString()
}

// clampImportance forces v into [0,1]. NaN is reported as invalid.
func clampImportance(v float64) (float64, error) {
	if math.IsNaN(v) {
		return 0, &ValidationError{Field: "importance", Reason: "NaN", Err: ErrInvalidValue}
	}
	return math.Max(0, math.Min(1, v)), nil
}

// countTokens approximates tokens as whitespace delimited words.
func countTokens(text string) int {
	return len(strings.Fields(text))
}

// mergeMetadata overlays src onto a copy of dst.
func mergeMetadata(dst, src map[string]interface{}) map[string]interface{} {
	if len(dst) == 0 && len(src) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}

// prepareItem validates and normalises an item on its way into a tier.
func prepareItem(item Item, kind TierKind, now time.Time) (Item, error) {
	imp, err := clampImportance(item.Importance)
	if err != nil {
		return Item{}, err
	}
	item.Importance = imp
	if item.ID == "" {
		item.ID = generateID()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.Kind == "" {
		item.Kind = kind
	}
	return item.clone(), nil
}

// applyPatch mutates it in place and returns the token delta of the change.
func applyPatch(it *Item, p Patch) (int, error) {
	delta := 0
	if p.Importance != nil {
		imp, err := clampImportance(*p.Importance)
		if err != nil {
			return 0, err
		}
		it.Importance = imp
	}
	if p.Content != nil {
		delta = countTokens(*p.Content) - countTokens(it.Content)
		it.Content = *p.Content
	}
	if p.Metadata != nil {
		it.Metadata = mergeMetadata(it.Metadata, p.Metadata)
	}
	return delta, nil
}

func avgImportance(items []Item) float64 {
	if len(items) == 0 {
		return 0
	}
	var sum float64
	for _, it := range items {
		sum += it.Importance
	}
	return sum / float64(len(items))
}
