package memory

import (
	"path/filepath"
	"strings"
	"unicode/utf8"
)

var (
	importantKeywords = []string{
		"important", "critical", "must", "note", "warning", "error",
		"重要", "关键", "必须", "注意", "警告", "错误",
	}
	episodicKeywords = []string{
		"yesterday", "today", "tomorrow", "last time", "remember", "happened", "experienced",
		"昨天", "今天", "明天", "上次", "记得", "发生", "经历",
	}
	semanticKeywords = []string{
		"definition", "concept", "rule", "knowledge", "principle", "method",
		"定义", "概念", "规则", "知识", "原理", "方法",
	}
)

func containsAny(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// DefaultImportance is the fallback importance heuristic shared by all
// tiers: 0.5, +0.1 for content over 100 characters, +0.2 for an important
// keyword, clamped to [0,1].
func DefaultImportance(content string) float64 {
	importance := 0.5
	if utf8.RuneCountInString(content) > 100 {
		importance += 0.1
	}
	if containsAny(content, importantKeywords) {
		importance += 0.2
	}
	imp, _ := clampImportance(importance)
	return imp
}

// EstimateImportance extends DefaultImportance with the metadata priority
// adjustment (high +0.3, low -0.2).
func EstimateImportance(content string, metadata map[string]interface{}) float64 {
	importance := DefaultImportance(content)
	switch metadataString(metadata, "priority") {
	case "high":
		importance += 0.3
	case "low":
		importance -= 0.2
	}
	imp, _ := clampImportance(importance)
	return imp
}

// Classify picks a tier for content. A metadata "type" always wins, even
// when it names no known tier, so that Add rejects it; otherwise temporal
// wording means episodic, definitional wording means semantic, and
// everything else is working memory.
func Classify(content string, metadata map[string]interface{}) TierKind {
	if t := strings.TrimSpace(metadataString(metadata, "type")); t != "" {
		return TierKind(strings.ToLower(t))
	}
	switch {
	case containsAny(content, episodicKeywords):
		return TierEpisodic
	case containsAny(content, semanticKeywords):
		return TierSemantic
	default:
		return TierWorking
	}
}

// InferModality guesses a perceptual modality from a file extension.
func InferModality(path string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	switch ext {
	case "png", "jpg", "jpeg", "bmp", "gif", "webp":
		return "image"
	case "mp3", "wav", "flac", "m4a", "ogg":
		return "audio"
	default:
		return "text"
	}
}

func metadataString(metadata map[string]interface{}, key string) string {
	if metadata == nil {
		return ""
	}
	s, _ := metadata[key].(string)
	return s
}
