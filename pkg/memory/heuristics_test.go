package memory

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		metadata map[string]interface{}
		want     TierKind
	}{
		{"plain", "the build is green", nil, TierWorking},
		{"temporal", "Yesterday we shipped the release", nil, TierEpisodic},
		{"definitional", "A closure is a concept from functional languages", nil, TierSemantic},
		{"temporal wins over definitional", "remember the rule about retries", nil, TierEpisodic},
		{"cjk temporal", "昨天我们讨论了发布计划", nil, TierEpisodic},
		{"metadata type wins", "yesterday was fun", map[string]interface{}{"type": "semantic"}, TierSemantic},
		{"metadata type is case folded", "hello", map[string]interface{}{"type": "Perceptual"}, TierPerceptual},
		{"unknown metadata type kept", "a rule of thumb", map[string]interface{}{"type": "Procedural"}, TierKind("procedural")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.content, tt.metadata))
		})
	}
}

func TestEstimateImportance(t *testing.T) {
	long := strings.Repeat("x", 101)
	tests := []struct {
		name     string
		content  string
		metadata map[string]interface{}
		want     float64
	}{
		{"base", "hello", nil, 0.5},
		{"keyword", "this is important", nil, 0.7},
		{"long", long, nil, 0.6},
		{"priority high", "hello", map[string]interface{}{"priority": "high"}, 0.8},
		{"priority low", "hello", map[string]interface{}{"priority": "low"}, 0.3},
		{"clamped", long + " critical", map[string]interface{}{"priority": "high"}, 1.0},
		{"cjk keyword", "这个很重要", nil, 0.7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, EstimateImportance(tt.content, tt.metadata), 1e-9)
		})
	}
}

func TestDefaultImportanceCountsCharacters(t *testing.T) {
	// 60 runes, well over 100 bytes.
	assert.InDelta(t, 0.5, DefaultImportance(strings.Repeat("记", 60)), 1e-9)
}

func TestInferModality(t *testing.T) {
	assert.Equal(t, "image", InferModality("/tmp/cat.PNG"))
	assert.Equal(t, "audio", InferModality("voice.m4a"))
	assert.Equal(t, "text", InferModality("notes.md"))
	assert.Equal(t, "text", InferModality("no_extension"))
}

func TestLexicalScore(t *testing.T) {
	assert.InDelta(t, 4.0/12.0, lexicalScore("Auth", "auth service"), 1e-9)
	assert.InDelta(t, 0.8/3.0, lexicalScore("jwt tokens", "uses jwt"), 1e-9)
	assert.Zero(t, lexicalScore("billing", "auth service"))
	assert.Zero(t, lexicalScore("anything", ""))
}

func TestRelevanceBlend(t *testing.T) {
	assert.InDelta(t, 0.7*0.5+0.3*0.2, relevance(0.5, true, 0.2), 1e-9)
	assert.InDelta(t, 0.2, relevance(0, true, 0.2), 1e-9)
	assert.InDelta(t, 0.2, relevance(0.9, false, 0.2), 1e-9)
}

func TestDecayArithmetic(t *testing.T) {
	d := Decay{Factor: 0.95, PeriodHours: 6}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	it := Item{Importance: 0.9, CreatedAt: now.Add(-6 * time.Hour)}

	assert.InDelta(t, 0.855, d.Priority(&it, now), 1e-9)
	assert.InDelta(t, 1.0, d.At(now, now), 1e-9)
	assert.InDelta(t, 1.0, d.At(now.Add(time.Hour), now), 1e-9, "future timestamps do not boost")
	assert.InDelta(t, 0.1, d.At(now.Add(-1000*time.Hour), now), 1e-9, "decay is floored")
}
