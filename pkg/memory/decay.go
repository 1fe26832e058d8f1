package memory

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// decayFloor keeps very old items from collapsing to zero priority.
const decayFloor = 0.1

// Decay computes the exponential age factor shared by priority and
// retrieval scoring:
//
//	max(0.1, factor ^ (hours_since_created / period_hours))
type Decay struct {
	Factor      float64
	PeriodHours float64
}

// At returns the decay factor for an item created at created, seen at now.
func (d Decay) At(created, now time.Time) float64 {
	hours := now.Sub(created).Hours()
	if hours < 0 {
		hours = 0
	}
	return math.Max(decayFloor, math.Pow(d.Factor, hours/d.PeriodHours))
}

// Priority is importance weighted by age.
func (d Decay) Priority(it *Item, now time.Time) float64 {
	return it.Importance * d.At(it.CreatedAt, now)
}

// SimilarityProvider supplies an optional semantic similarity score between
// a query and a piece of content. ok is false when no score is available.
type SimilarityProvider interface {
	Similarity(ctx context.Context, query, content string) (score float64, ok bool)
}

// lexicalScore rates content against query: an exact substring scores by
// relative length, otherwise the word-set Jaccard overlap scaled by 0.8.
func lexicalScore(query, content string) float64 {
	q := strings.ToLower(query)
	c := strings.ToLower(content)
	if c == "" {
		return 0
	}
	if strings.Contains(c, q) {
		return float64(utf8.RuneCountInString(q)) / float64(utf8.RuneCountInString(c))
	}
	qWords := wordSet(q)
	cWords := wordSet(c)
	inter := 0
	for w := range qWords {
		if cWords[w] {
			inter++
		}
	}
	if inter == 0 {
		return 0
	}
	union := len(qWords) + len(cWords) - inter
	return float64(inter) / float64(union) * 0.8
}

func wordSet(s string) map[string]bool {
	words := strings.Fields(s)
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

// relevance blends semantic and lexical relevance. The semantic part only
// counts when a score is available.
func relevance(semantic float64, hasSemantic bool, lexical float64) float64 {
	if hasSemantic && semantic > 0 {
		return 0.7*semantic + 0.3*lexical
	}
	return lexical
}

// importanceWeight maps importance in [0,1] to a multiplier in [0.8,1.2].
func importanceWeight(importance float64) float64 {
	return 0.8 + 0.4*importance
}

// scored pairs an item with its retrieval score.
type scored struct {
	item  Item
	score float64
}

// rank drops non-positive scores, sorts by score descending and truncates.
// The sort is stable so equal scores keep their input order.
func rank(candidates []scored, limit int) []Item {
	kept := candidates[:0]
	for _, c := range candidates {
		if c.score > 0 {
			kept = append(kept, c)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].score > kept[j].score })
	if limit > 0 && len(kept) > limit {
		kept = kept[:limit]
	}
	out := make([]Item, len(kept))
	for i, c := range kept {
		out[i] = c.item
	}
	return out
}
