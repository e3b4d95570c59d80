// Package query validates, normalizes and classifies incoming learner
// questions before retrieval runs. Reference parsing is purely textual; it
// never consults retrieval results.
package query

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pathlight-learning/pathlight/config"
	"github.com/pathlight-learning/pathlight/internal/llm"
	"github.com/pathlight-learning/pathlight/internal/models"
)

const (
	minQuestionLen = 3
	maxQuestionLen = 1000
)

var (
	// ErrNotAllocated means the learner has no active allocation for the course.
	ErrNotAllocated = errors.New("learner is not allocated to this course")
	// ErrQuestionLength means the question falls outside the accepted length range.
	ErrQuestionLength = fmt.Errorf("question must be between %d and %d characters", minQuestionLen, maxQuestionLen)
)

// Depth distinguishes conceptual questions from procedural ones.
type Depth string

const (
	DepthConceptual Depth = "conceptual"
	DepthProcedural Depth = "procedural"
)

// Store is the subset of the content store the processor needs.
type Store interface {
	HasActiveAllocation(ctx context.Context, learnerID, courseID string) (bool, error)
	GetLabMetrics(ctx context.Context, learnerID, courseID string, since time.Time) (models.LabMetrics, error)
	RepeatedQueryCount(ctx context.Context, learnerID, courseID, processedText string, since time.Time) (int, error)
}

// Processor turns raw learner input into a validated, classified Query.
type Processor struct {
	store  Store
	llm    llm.Provider
	cfg    config.EscalationConfig
	logger *log.Logger
}

// NewProcessor creates a query processor.
func NewProcessor(store Store, provider llm.Provider, cfg config.EscalationConfig, logger *log.Logger) *Processor {
	if logger == nil {
		logger = log.Default()
	}
	return &Processor{store: store, llm: provider, cfg: cfg.Normalize(), logger: logger}
}

// Validate checks allocation and question length. It is the only gate that
// rejects a question outright before the pipeline runs.
func (p *Processor) Validate(ctx context.Context, learnerID, courseID, raw string) error {
	trimmed := strings.TrimSpace(raw)
	if len(trimmed) < minQuestionLen || len(trimmed) > maxQuestionLen {
		return ErrQuestionLength
	}
	ok, err := p.store.HasActiveAllocation(ctx, learnerID, courseID)
	if err != nil {
		return fmt.Errorf("allocation check: %w", err)
	}
	if !ok {
		return ErrNotAllocated
	}
	return nil
}

var (
	reWhitespace = regexp.MustCompile(`\s+`)
	// A run of ?!., collapses to its first character. RE2 has no
	// backreferences, so the run is matched as a class repetition.
	rePunctRun = regexp.MustCompile(`([?!.,])[?!.,]+`)
)

// Preprocess collapses whitespace and repeated punctuation. The raw text is
// kept alongside for the audit trail; only the processed form feeds retrieval.
func Preprocess(raw string) string {
	s := strings.TrimSpace(raw)
	s = reWhitespace.ReplaceAllString(s, " ")
	s = rePunctRun.ReplaceAllString(s, "$1")
	return s
}

var (
	reDayChapter = regexp.MustCompile(`(?i)\bday\s*(\d+)\s*,?\s*chapter\s*(\d+)`)
	reStepLabDay = regexp.MustCompile(`(?i)\bstep\s*(\d+)\s+(?:of|in)\s+lab\s*(\d+)\s+on\s+day\s*(\d+)`)
	reDay        = regexp.MustCompile(`(?i)\bday\s*(\d+)\b`)
	reChapter    = regexp.MustCompile(`(?i)\bchapter\s*(\d+)\b`)
	reLab        = regexp.MustCompile(`(?i)\blab\s*(\d+)\b`)
	reStep       = regexp.MustCompile(`(?i)\bstep\s*(\d+)\b`)
)

// ParseReferences extracts day/chapter/lab/step numbers from the question.
// Combined forms take precedence; independent patterns only fill fields the
// combined forms left empty. The first match wins per field.
func ParseReferences(text string) models.StructuralReference {
	var ref models.StructuralReference

	if m := reStepLabDay.FindStringSubmatch(text); m != nil {
		ref.Step = atoiPtr(m[1])
		ref.Lab = atoiPtr(m[2])
		ref.Day = atoiPtr(m[3])
	}
	if m := reDayChapter.FindStringSubmatch(text); m != nil {
		if ref.Day == nil {
			ref.Day = atoiPtr(m[1])
		}
		if ref.Chapter == nil {
			ref.Chapter = atoiPtr(m[2])
		}
	}
	if ref.Day == nil {
		if m := reDay.FindStringSubmatch(text); m != nil {
			ref.Day = atoiPtr(m[1])
		}
	}
	if ref.Chapter == nil {
		if m := reChapter.FindStringSubmatch(text); m != nil {
			ref.Chapter = atoiPtr(m[1])
		}
	}
	if ref.Lab == nil {
		if m := reLab.FindStringSubmatch(text); m != nil {
			ref.Lab = atoiPtr(m[1])
		}
	}
	if ref.Step == nil {
		if m := reStep.FindStringSubmatch(text); m != nil {
			ref.Step = atoiPtr(m[1])
		}
	}
	return ref
}

func atoiPtr(s string) *int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &n
}

var labStruggleMarkers = []string{
	"stuck", "failing", "failed", "doesn't work", "does not work", "not working",
	"keeps erroring", "error", "can't get", "cannot get", "tried", "broken",
}

var labMarkers = []string{"lab", "exercise", "hands-on", "assignment"}

var listMarkers = []string{"list all", "list the", "what are all", "all the topics", "all topics", "enumerate", "every lab", "all labs", "all chapters"}

var navigationMarkers = []string{"where is", "where can i find", "which day", "which chapter", "what day is", "what chapter covers"}

// HeuristicIntent is the fallback classifier used when the model call fails
// or returns an unusable label.
func HeuristicIntent(text string) models.Intent {
	lower := strings.ToLower(text)
	for _, m := range listMarkers {
		if strings.Contains(lower, m) {
			return models.IntentListRequest
		}
	}
	for _, m := range navigationMarkers {
		if strings.Contains(lower, m) {
			return models.IntentNavigation
		}
	}
	if containsAny(lower, labMarkers) {
		if containsAny(lower, labStruggleMarkers) {
			return models.IntentLabStruggle
		}
		return models.IntentLabGuidance
	}
	return models.IntentCourseContent
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// ClassifyIntent asks the model for an intent and falls back to the keyword
// heuristic on any failure. Classification never aborts the pipeline.
func (p *Processor) ClassifyIntent(ctx context.Context, text string, ictx llm.IntentContext) models.Intent {
	intent, err := p.llm.ClassifyIntent(ctx, text, ictx)
	if err != nil {
		p.logger.Printf("[QUERY] intent classification failed, using heuristic: %v", err)
		return HeuristicIntent(text)
	}
	return intent
}

var proceduralMarkers = []string{
	"how do i", "how to", "how can i", "steps", "step by step", "configure",
	"install", "set up", "setup", "run ", "perform", "create a", "deploy", "walk me through",
}

// ClassifyDepth decides whether the learner wants an explanation or a
// procedure. The distinction feeds the answer prompt and governance's
// procedural contract check.
func ClassifyDepth(text string) Depth {
	lower := strings.ToLower(text)
	for _, m := range proceduralMarkers {
		if strings.Contains(lower, m) {
			return DepthProcedural
		}
	}
	return DepthConceptual
}

var (
	reQuoted  = regexp.MustCompile(`"([^"]{2,60})"|'([^']{2,60})'`)
	reAcronym = regexp.MustCompile(`\b[A-Z]{2,8}s?\b`)
	reWhatIs  = regexp.MustCompile(`(?i)\bwhat\s+(?:is|are)\s+(?:an?\s+|the\s+)?([a-zA-Z][a-zA-Z0-9 -]{1,50}?)[?.]?$`)
	reAbout   = regexp.MustCompile(`(?i)\babout\s+([a-zA-Z][a-zA-Z0-9 -]{1,50}?)[?.]?$`)
)

// DetectConcept extracts the concept the learner is asking about, if any.
// Quoted phrases win, then acronyms, then the tail of a "what is" or
// "about" clause. Empty means no single concept was identifiable.
func DetectConcept(text string) string {
	if m := reQuoted.FindStringSubmatch(text); m != nil {
		if m[1] != "" {
			return strings.ToLower(m[1])
		}
		return strings.ToLower(m[2])
	}
	if m := reAcronym.FindString(text); m != "" {
		return strings.ToLower(m)
	}
	if m := reWhatIs.FindStringSubmatch(text); m != nil {
		return strings.ToLower(strings.TrimSpace(m[1]))
	}
	if m := reAbout.FindStringSubmatch(text); m != nil {
		return strings.ToLower(strings.TrimSpace(m[1]))
	}
	return ""
}

var topicModifiers = []string{"technical", "implementation", "audit", "advanced", "security", "compliance"}

// DetectModifiers returns the topic modifiers present in the question.
// Modifiers narrow dedicated-topic retrieval toward specialized chapters.
func DetectModifiers(text string) []string {
	lower := strings.ToLower(text)
	var out []string
	for _, m := range topicModifiers {
		if strings.Contains(lower, m) {
			out = append(out, m)
		}
	}
	return out
}

// StruggleResult carries the struggle decision plus a short description for
// the answer prompt.
type StruggleResult struct {
	Struggling bool
	Score      float64
	Context    string
}

// DetectStruggle aggregates recent lab metrics and repeated-question counts
// into a 0-1 struggle score and compares it against the configured threshold.
func (p *Processor) DetectStruggle(ctx context.Context, learnerID, courseID, processedText string) (StruggleResult, error) {
	since := time.Now().Add(-7 * 24 * time.Hour)
	metrics, err := p.store.GetLabMetrics(ctx, learnerID, courseID, since)
	if err != nil {
		return StruggleResult{}, fmt.Errorf("struggle metrics: %w", err)
	}
	repeats, err := p.store.RepeatedQueryCount(ctx, learnerID, courseID, processedText, since)
	if err != nil {
		return StruggleResult{}, fmt.Errorf("struggle repeats: %w", err)
	}
	metrics.RepeatedQueries = repeats

	var score float64
	var signals []string
	if metrics.RecentFailures > 0 {
		score += 0.4
		signals = append(signals, fmt.Sprintf("%d recent lab failures", metrics.RecentFailures))
	}
	if metrics.Attempts > 0 && metrics.AverageScore < 0.6 {
		score += 0.3
		signals = append(signals, fmt.Sprintf("average lab score %.2f", metrics.AverageScore))
	}
	if metrics.RepeatedQueries >= 2 {
		score += 0.3
		signals = append(signals, fmt.Sprintf("asked the same question %d times", metrics.RepeatedQueries))
	}

	res := StruggleResult{Score: score, Struggling: score >= p.cfg.StruggleThreshold}
	if res.Struggling {
		res.Context = "The learner appears to be struggling: " + strings.Join(signals, "; ") + "."
	}
	return res, nil
}

// Process validates and classifies a raw question into a Query ready for
// retrieval.
func (p *Processor) Process(ctx context.Context, learnerID, courseID, raw string, ictx llm.IntentContext) (models.Query, error) {
	if err := p.Validate(ctx, learnerID, courseID, raw); err != nil {
		return models.Query{}, err
	}
	processed := Preprocess(raw)
	q := models.Query{
		ID:            uuid.NewString(),
		LearnerID:     learnerID,
		CourseID:      courseID,
		RawText:       raw,
		ProcessedText: processed,
		References:    ParseReferences(processed),
		Status:        models.QueryStatusPending,
		CreatedAt:     time.Now().UTC(),
	}
	q.Intent = p.ClassifyIntent(ctx, processed, ictx)
	return q, nil
}
