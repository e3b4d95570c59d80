// Package maturity classifies how deeply a concept is covered by the
// retrieved course material. Classification is transient: it is computed per
// question and never stored.
package maturity

import (
	"strings"

	"github.com/pathlight-learning/pathlight/internal/models"
)

// Classify inspects the chunks that mention the concept and returns the
// deepest supported maturity level. Levels are monotonic by construction:
// evidence for a deeper level always implies the shallower ones.
func Classify(concept string, chunks []models.RankedChunk) models.ConceptMaturity {
	concept = strings.ToLower(strings.TrimSpace(concept))
	result := models.ConceptMaturity{Concept: concept, Level: models.MaturityNotCovered}
	if concept == "" || len(chunks) == 0 {
		return result
	}

	var mentions int
	var introOnly = true
	var hasDedicated, hasDeep bool

	for _, rc := range chunks {
		if !rc.MentionsConcept(concept) {
			continue
		}
		mentions++

		switch rc.CoverageLevel {
		case models.CoverageComprehensive, models.CoverageAdvanced:
			hasDeep = true
			introOnly = false
		case models.CoverageIntermediate:
			introOnly = false
		}

		if rc.DedicatedTopicChapter && strings.Contains(strings.ToLower(rc.PrimaryTopic), concept) {
			hasDedicated = true
			introOnly = false
		}
	}

	if mentions == 0 {
		return result
	}

	switch {
	case hasDeep || (hasDedicated && hasDeepDedicated(concept, chunks)):
		result.Level = models.MaturityImplemented
	case hasDedicated || !introOnly:
		result.Level = models.MaturityApplied
	default:
		result.Level = models.MaturityIntroduced
	}

	result.Confidence = confidence(mentions, result.Level)
	return result
}

// hasDeepDedicated reports whether a dedicated chapter for the concept also
// carries deep coverage, which upgrades applied to implemented.
func hasDeepDedicated(concept string, chunks []models.RankedChunk) bool {
	for _, rc := range chunks {
		if !rc.DedicatedTopicChapter {
			continue
		}
		if !strings.Contains(strings.ToLower(rc.PrimaryTopic), concept) {
			continue
		}
		if rc.CoverageLevel.DepthRank() >= models.CoverageComprehensive.DepthRank() {
			return true
		}
	}
	return false
}

// confidence grows with corroborating mentions and caps below certainty;
// the classifier is a heuristic, not ground truth.
func confidence(mentions int, level models.MaturityLevel) float64 {
	base := 0.5
	if level == models.MaturityNotCovered {
		return 1.0
	}
	base += 0.1 * float64(mentions)
	if base > 0.95 {
		base = 0.95
	}
	return base
}
