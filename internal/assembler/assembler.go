// Package assembler turns ranked retrieval results into the bounded context
// window handed to answer generation. It re-scores for pedagogy, filters for
// access, and enforces the token budget.
package assembler

import (
	"sort"

	"github.com/pathlight-learning/pathlight/config"
	"github.com/pathlight-learning/pathlight/internal/models"
)

// Assembler holds the scoring configuration.
type Assembler struct {
	cfg config.AssemblerConfig
}

// New creates an assembler.
func New(cfg config.AssemblerConfig) *Assembler {
	return &Assembler{cfg: cfg.Normalize()}
}

// firstDaysAllowance lets early learners read slightly ahead before progress
// data accumulates.
const firstDaysAllowance = 3

// Prioritize re-scores chunks for assembly. The base is retrieval
// similarity; pedagogy bonuses favor dedicated chapters, deeper coverage,
// material aligned with the learner's position, and exact reference matches.
// Sorting is stable so equal scores keep retrieval order.
func (a *Assembler) Prioritize(chunks []models.RankedChunk, progress models.LearnerProgress) []models.RankedChunk {
	out := make([]models.RankedChunk, len(chunks))
	copy(out, chunks)

	for i := range out {
		score := out[i].Similarity

		if out[i].DedicatedTopicChapter {
			score += 0.5
		}

		switch out[i].CoverageLevel {
		case models.CoverageComprehensive, models.CoverageAdvanced:
			score += 0.3
		case models.CoverageIntermediate:
			score += 0.15
		case models.CoverageIntroduction:
			if out[i].Completeness < 0.5 {
				score -= 0.1
			}
		}

		if progress.CurrentChapterID != "" && out[i].ChapterID == progress.CurrentChapterID {
			score += 0.2
		} else if containsString(progress.CompletedChapters, out[i].ChapterID) {
			score += 0.1
		} else if containsString(progress.InProgressChapters, out[i].ChapterID) {
			score += 0.15
		}

		if progress.CurrentDay > 0 && out[i].Day == progress.CurrentDay {
			score += 0.1
		}

		if out[i].ExactMatch {
			score += 0.4
		}

		out[i].CombinedScore = score
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].CombinedScore > out[j].CombinedScore })
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// FilterByAccess drops material the learner has not reached yet. Navigation
// questions bypass the filter entirely: telling a learner where something
// lives is always allowed. Lab intents only keep lab material and chapters
// the learner has reached. If filtering would empty the set, the unfiltered
// set is kept; governance decides what to do with it.
func (a *Assembler) FilterByAccess(chunks []models.RankedChunk, intent models.Intent, progress models.LearnerProgress) []models.RankedChunk {
	if intent == models.IntentNavigation {
		return chunks
	}

	var out []models.RankedChunk
	for _, rc := range chunks {
		if !a.accessible(rc, intent, progress) {
			continue
		}
		out = append(out, rc)
	}
	if len(out) == 0 {
		return chunks
	}
	return out
}

func (a *Assembler) accessible(rc models.RankedChunk, intent models.Intent, progress models.LearnerProgress) bool {
	if intent == models.IntentLabGuidance || intent == models.IntentLabStruggle {
		if rc.ContentType == models.ContentTypeLab {
			return true
		}
		return rc.ChapterID == progress.CurrentChapterID ||
			containsString(progress.CompletedChapters, rc.ChapterID) ||
			containsString(progress.InProgressChapters, rc.ChapterID)
	}

	// The first days and course overviews are always readable, however far
	// the learner has progressed.
	if rc.Day <= firstDaysAllowance {
		return true
	}
	if rc.ContentType == models.ContentTypeOverview {
		return true
	}
	// A lab stays readable once the learner has submitted it.
	if rc.ContentType == models.ContentTypeLab && containsString(progress.SubmittedLabs, rc.LabID) {
		return true
	}
	if progress.CurrentDay > 0 && rc.Day <= progress.CurrentDay {
		return true
	}
	return containsString(progress.CompletedChapters, rc.ChapterID) ||
		containsString(progress.InProgressChapters, rc.ChapterID)
}

// SelectWithinBudget greedily takes chunks in priority order until the token
// budget is exhausted. The first chunk is always included even when it alone
// exceeds the budget; an empty context helps nobody.
func (a *Assembler) SelectWithinBudget(chunks []models.RankedChunk, intent models.Intent) []models.RankedChunk {
	if len(chunks) == 0 {
		return nil
	}
	budget := a.cfg.MaxContextTokens
	if intent == models.IntentListRequest {
		budget = a.cfg.ListRequestMaxTokens
	}

	var out []models.RankedChunk
	used := 0
	for i, rc := range chunks {
		tokens := rc.EstimateTokens()
		if i == 0 {
			out = append(out, rc)
			used += tokens
			continue
		}
		if used+tokens > budget {
			continue
		}
		out = append(out, rc)
		used += tokens
	}
	return out
}

// Assemble runs the full pipeline: prioritize, filter, budget.
func (a *Assembler) Assemble(chunks []models.RankedChunk, intent models.Intent, progress models.LearnerProgress) []models.RankedChunk {
	prioritized := a.Prioritize(chunks, progress)
	filtered := a.FilterByAccess(prioritized, intent, progress)
	return a.SelectWithinBudget(filtered, intent)
}
