package models

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Intent categorizes what a learner is asking for.
type Intent string

const (
	IntentCourseContent Intent = "course_content"
	IntentLabGuidance   Intent = "lab_guidance"
	IntentLabStruggle   Intent = "lab_struggle"
	IntentNavigation    Intent = "navigation"
	IntentListRequest   Intent = "list_request"
	IntentOutOfScope    Intent = "out_of_scope"
)

// IsLabIntent reports whether the intent concerns lab work.
func (i Intent) IsLabIntent() bool {
	return i == IntentLabGuidance || i == IntentLabStruggle
}

// QueryStatus tracks the lifecycle of a stored learner query.
type QueryStatus string

const (
	QueryStatusPending   QueryStatus = "pending"
	QueryStatusAnswered  QueryStatus = "answered"
	QueryStatusBlocked   QueryStatus = "blocked"
	QueryStatusEscalated QueryStatus = "escalated"
)

// StructuralReference holds explicit day/chapter/lab/step numbers parsed from
// the question text. It is derived from the text only, never from retrieval
// results.
type StructuralReference struct {
	Day     *int `json:"day,omitempty"`
	Chapter *int `json:"chapter,omitempty"`
	Lab     *int `json:"lab,omitempty"`
	Step    *int `json:"step,omitempty"`
}

// HasSpecificReference reports whether any structural field was parsed.
func (r StructuralReference) HasSpecificReference() bool {
	return r.Day != nil || r.Chapter != nil || r.Lab != nil || r.Step != nil
}

// HasDayAndLab reports whether both day and lab were explicitly named.
func (r StructuralReference) HasDayAndLab() bool {
	return r.Day != nil && r.Lab != nil
}

// Query represents one learner question submission.
type Query struct {
	ID            string              `json:"id"`
	LearnerID     string              `json:"learner_id"`
	CourseID      string              `json:"course_id"`
	RawText       string              `json:"raw_text"`
	ProcessedText string              `json:"processed_text"`
	References    StructuralReference `json:"references"`
	Intent        Intent              `json:"intent"`
	CreatedAt     time.Time           `json:"created_at"`
	Status        QueryStatus         `json:"status"`
}

// CoverageLevel is the author-assigned depth tag for a chunk.
type CoverageLevel string

const (
	CoverageIntroduction  CoverageLevel = "introduction"
	CoverageIntermediate  CoverageLevel = "intermediate"
	CoverageComprehensive CoverageLevel = "comprehensive"
	CoverageAdvanced      CoverageLevel = "advanced"
)

// DepthRank orders coverage levels from shallow to deep.
func (c CoverageLevel) DepthRank() int {
	switch c {
	case CoverageIntroduction:
		return 1
	case CoverageIntermediate:
		return 2
	case CoverageComprehensive:
		return 3
	case CoverageAdvanced:
		return 4
	}
	return 0
}

// ContentType distinguishes course material kinds.
type ContentType string

const (
	ContentTypeChapter  ContentType = "chapter"
	ContentTypeLab      ContentType = "lab"
	ContentTypeOverview ContentType = "overview"
)

// ContentChunk is a unit of course content with retrieval metadata. Chunks
// are produced by an offline ingestion process and are read-only here.
type ContentChunk struct {
	ID                    string        `json:"id"`
	CourseID              string        `json:"course_id"`
	Day                   int           `json:"day"`
	ChapterID             string        `json:"chapter_id"`
	ChapterTitle          string        `json:"chapter_title"`
	LabID                 string        `json:"lab_id,omitempty"`
	ContentType           ContentType   `json:"content_type"`
	Text                  string        `json:"text"`
	Embedding             []float32     `json:"-"`
	CoverageLevel         CoverageLevel `json:"coverage_level"`
	Completeness          float64       `json:"completeness"`
	PrimaryTopic          string        `json:"primary_topic,omitempty"`
	DedicatedTopicChapter bool          `json:"dedicated_topic_chapter"`
	TokenCount            int           `json:"token_count"`
}

var digitsRe = regexp.MustCompile(`\d+`)

// NumberIn extracts the first integer embedded in an identifier such as
// "day4", "chapter-3" or "Lab 2". Returns 0 and false when none exists.
func NumberIn(field string) (int, bool) {
	m := digitsRe.FindString(field)
	if m == "" {
		return 0, false
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return 0, false
	}
	return n, true
}

// MatchesChapter reports whether the chunk's chapter identifier refers to the
// given chapter number, tolerant of "4", "chapter4" and "Chapter 4" forms.
func (c ContentChunk) MatchesChapter(n int) bool {
	if num, ok := NumberIn(c.ChapterID); ok {
		return num == n
	}
	return false
}

// MatchesLab reports whether the chunk's lab identifier refers to the given
// lab number.
func (c ContentChunk) MatchesLab(n int) bool {
	if c.LabID == "" {
		return false
	}
	if num, ok := NumberIn(c.LabID); ok {
		return num == n
	}
	return false
}

// MatchesReference reports whether the chunk satisfies every populated field
// of the reference.
func (c ContentChunk) MatchesReference(ref StructuralReference) bool {
	if ref.Day != nil && c.Day != *ref.Day {
		return false
	}
	if ref.Chapter != nil && !c.MatchesChapter(*ref.Chapter) {
		return false
	}
	if ref.Lab != nil && !c.MatchesLab(*ref.Lab) {
		return false
	}
	return true
}

// HasCourseIdentifier reports whether the chunk carries any day/chapter/lab
// placement metadata.
func (c ContentChunk) HasCourseIdentifier() bool {
	return c.Day > 0 || c.ChapterID != "" || c.LabID != ""
}

// EstimateTokens returns the stored token count, or a character-based
// estimate when none was recorded.
func (c ContentChunk) EstimateTokens() int {
	if c.TokenCount > 0 {
		return c.TokenCount
	}
	if c.Text == "" {
		return 200
	}
	return (len(c.Text) + 3) / 4
}

// MentionsConcept reports a case-insensitive mention of the concept in the
// chunk text, title or primary topic.
func (c ContentChunk) MentionsConcept(concept string) bool {
	concept = strings.ToLower(strings.TrimSpace(concept))
	if concept == "" {
		return false
	}
	return strings.Contains(strings.ToLower(c.Text), concept) ||
		strings.Contains(strings.ToLower(c.ChapterTitle), concept) ||
		strings.Contains(strings.ToLower(c.PrimaryTopic), concept)
}

// Provenance records which retrieval strategy produced a ranked chunk.
type Provenance string

const (
	ProvenanceSemantic  Provenance = "semantic"
	ProvenanceKeyword   Provenance = "keyword"
	ProvenanceExact     Provenance = "exact"
	ProvenanceDedicated Provenance = "dedicated"
	ProvenanceStrictLab Provenance = "strictLab"
)

// Priority orders provenances for the merge rule: higher wins metadata when
// the same chunk id arrives from multiple strategies.
func (p Provenance) Priority() int {
	switch p {
	case ProvenanceStrictLab:
		return 5
	case ProvenanceExact:
		return 4
	case ProvenanceDedicated:
		return 3
	case ProvenanceSemantic:
		return 2
	case ProvenanceKeyword:
		return 1
	}
	return 0
}

// RankedChunk is a ContentChunk scored by a retrieval strategy. It is
// transient and exists only within one question's processing.
type RankedChunk struct {
	ContentChunk
	Similarity    float64    `json:"similarity"`
	CombinedScore float64    `json:"combined_score"`
	Provenance    Provenance `json:"provenance"`
	ExactMatch    bool       `json:"exact_match"`
}

// MaturityLevel describes how deeply a concept is covered by the corpus.
type MaturityLevel string

const (
	MaturityNotCovered  MaturityLevel = "not_covered"
	MaturityIntroduced  MaturityLevel = "introduced"
	MaturityApplied     MaturityLevel = "applied"
	MaturityImplemented MaturityLevel = "implemented"
)

// Rank orders maturity levels; higher means deeper coverage.
func (m MaturityLevel) Rank() int {
	switch m {
	case MaturityIntroduced:
		return 1
	case MaturityApplied:
		return 2
	case MaturityImplemented:
		return 3
	}
	return 0
}

// ConceptMaturity is computed per concept per request and never persisted.
type ConceptMaturity struct {
	Concept    string        `json:"concept"`
	Level      MaturityLevel `json:"level"`
	Confidence float64       `json:"confidence"`
}

// AnswerReference points a generated answer back at course material.
type AnswerReference struct {
	Day          int    `json:"day"`
	Chapter      string `json:"chapter"`
	ChapterTitle string `json:"chapter_title"`
	LabID        string `json:"lab_id,omitempty"`
}

// Answer is created only after governance allows and generation succeeds.
type Answer struct {
	Text       string            `json:"text"`
	Confidence float64           `json:"confidence"`
	References []AnswerReference `json:"references"`
	TokensUsed int64             `json:"tokens_used"`
	ModelUsed  string            `json:"model_used"`
	WordCount  int               `json:"word_count"`
}

// EscalationStatus tracks the human-review ticket lifecycle.
type EscalationStatus string

const (
	EscalationPending   EscalationStatus = "pending"
	EscalationResponded EscalationStatus = "responded"
	EscalationResolved  EscalationStatus = "resolved"
)

// EscalationReason classifies why a question was routed to a trainer.
type EscalationReason string

const (
	ReasonBlocked             EscalationReason = "blocked"
	ReasonLowConfidence       EscalationReason = "low_confidence"
	ReasonInvariantViolation  EscalationReason = "invariant_violation"
	ReasonReferenceValidation EscalationReason = "reference_validation_failed"
)

// ChunkSnapshot is a sanitized view of a chunk persisted with an escalation:
// previews only, never raw embeddings.
type ChunkSnapshot struct {
	ChunkID      string  `json:"chunk_id"`
	Day          int     `json:"day"`
	ChapterID    string  `json:"chapter_id"`
	ChapterTitle string  `json:"chapter_title"`
	LabID        string  `json:"lab_id,omitempty"`
	Preview      string  `json:"preview"`
	Similarity   float64 `json:"similarity"`
}

// Escalation is a durable ticket routing a question to a human trainer.
// QueryID is nil when the query was blocked before being stored.
type Escalation struct {
	ID                 string           `json:"id"`
	QueryID            *string          `json:"query_id,omitempty"`
	LearnerID          string           `json:"learner_id"`
	TrainerID          string           `json:"trainer_id"`
	CourseID           string           `json:"course_id"`
	Question           string           `json:"question"`
	Reason             EscalationReason `json:"reason"`
	ViolatedInvariants []string         `json:"violated_invariants,omitempty"`
	Chunks             []ChunkSnapshot  `json:"chunks,omitempty"`
	Status             EscalationStatus `json:"status"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// LearnerProgress is the read-only progress snapshot consumed by the
// assembler and governance.
type LearnerProgress struct {
	LearnerID          string   `json:"learner_id"`
	CourseID           string   `json:"course_id"`
	CompletedChapters  []string `json:"completed_chapters"`
	InProgressChapters []string `json:"in_progress_chapters"`
	SubmittedLabs      []string `json:"submitted_labs"`
	CurrentChapterID   string   `json:"current_chapter_id"`
	CurrentDay         int      `json:"current_day"`
}

// LabMetrics aggregates recent lab-submission signals used by the struggle
// heuristic.
type LabMetrics struct {
	Attempts        int     `json:"attempts"`
	AverageScore    float64 `json:"average_score"`
	RecentFailures  int     `json:"recent_failures"`
	RepeatedQueries int     `json:"repeated_queries"`
}
