// Package governance decides whether a generated answer may be produced from
// the selected context. It is deliberately pure: every check runs on the
// snapshot it is given and performs no I/O, so a decision is reproducible
// from its input.
package governance

import (
	"fmt"
	"strings"

	"github.com/pathlight-learning/pathlight/config"
	"github.com/pathlight-learning/pathlight/internal/models"
	"github.com/pathlight-learning/pathlight/internal/query"
)

// Action is the outcome of a governance evaluation.
type Action string

const (
	ActionAllow    Action = "allow"
	ActionBlock    Action = "block"
	ActionRetry    Action = "retry"
	ActionClarify  Action = "clarify"
	ActionEscalate Action = "escalate"
)

// Severity grades violations and warnings.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) blocking() bool { return s == SeverityHigh || s == SeverityCritical }

// Violation is a failed invariant. Action carries the outcome the failing
// branch demands; when empty, the severity mapping in decide applies.
type Violation struct {
	Invariant string   `json:"invariant"`
	Severity  Severity `json:"severity"`
	Action    Action   `json:"action,omitempty"`
	Detail    string   `json:"detail"`
}

// Warning is a failed secondary check. Warnings never block on their own but
// can force escalation.
type Warning struct {
	Check    string   `json:"check"`
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail"`
}

// AnchoringInfo describes how firmly the course material anchors the answer.
// It travels to the prompt builder, which turns a disclaimer requirement
// into answer framing.
type AnchoringInfo struct {
	RequiresDisclaimer bool   `json:"requires_disclaimer"`
	ShouldEscalate     bool   `json:"should_escalate"`
	Detail             string `json:"detail,omitempty"`
}

// Decision is the full evaluation result.
type Decision struct {
	Action     Action        `json:"action"`
	Violations []Violation   `json:"violations,omitempty"`
	Warnings   []Warning     `json:"warnings,omitempty"`
	Anchoring  AnchoringInfo `json:"anchoring"`
	// Retryable marks decisions the pipeline may retry with narrowed
	// retrieval before giving up.
	Retryable bool `json:"retryable"`
}

// ViolatedInvariants lists the failed invariant names for the audit trail.
func (d Decision) ViolatedInvariants() []string {
	out := make([]string, 0, len(d.Violations))
	for _, v := range d.Violations {
		out = append(out, v.Invariant)
	}
	return out
}

// Input is the snapshot a single evaluation runs on. StrictLabMatches is the
// isolation query result for the referenced lab, captured before assembly,
// so the lab safety check needs no store access.
type Input struct {
	CourseID          string
	Question          string
	Intent            models.Intent
	References        models.StructuralReference
	Retrieved         []models.RankedChunk
	Selected          []models.RankedChunk
	StrictLabMatches  []models.RankedChunk
	Depth             query.Depth
	Concept           string
	Modifiers         []string
	Maturity          models.ConceptMaturity
	ExhaustiveChapter bool
}

// Engine evaluates governance for one process.
type Engine struct {
	cfg config.GovernanceConfig
}

// New creates a governance engine.
func New(cfg config.GovernanceConfig) *Engine {
	return &Engine{cfg: cfg.Normalize()}
}

// Invariant names, in evaluation order.
const (
	InvariantMinimumChunks      = "minimum_chunks"
	InvariantLabSafety          = "lab_safety"
	InvariantTopicIntegrity     = "topic_integrity"
	InvariantReferenceIntegrity = "reference_integrity"
	InvariantCourseScope        = "course_scope"
	InvariantCourseAnchoring    = "course_anchoring"
	InvariantProceduralContract = "procedural_contract"
)

type invariantCheck struct {
	name string
	// immutable checks short-circuit the evaluation on a blocking failure;
	// nothing downstream can soften them.
	immutable bool
	fn        func(*Engine, *Input, *Decision) *Violation
}

var invariants = []invariantCheck{
	{InvariantMinimumChunks, true, (*Engine).checkMinimumChunks},
	{InvariantLabSafety, true, (*Engine).checkLabSafety},
	{InvariantTopicIntegrity, true, (*Engine).checkTopicIntegrity},
	{InvariantReferenceIntegrity, false, (*Engine).checkReferenceIntegrity},
	{InvariantCourseScope, true, (*Engine).checkCourseScope},
	{InvariantCourseAnchoring, true, (*Engine).checkCourseAnchoring},
	{InvariantProceduralContract, false, (*Engine).checkProceduralContract},
}

// Evaluate runs the ordered invariants and then the secondary checks. The
// first blocking failure of an immutable invariant ends the evaluation;
// later checks never run. Softer failures of immutable invariants (retry,
// escalate) accumulate like any other.
func (e *Engine) Evaluate(in Input) Decision {
	var d Decision

	for _, inv := range invariants {
		v := inv.fn(e, &in, &d)
		if v == nil {
			continue
		}
		v.Invariant = inv.name
		d.Violations = append(d.Violations, *v)
		if inv.immutable && v.Severity.blocking() && (v.Action == "" || v.Action == ActionBlock) {
			d.Action = ActionBlock
			return d
		}
	}

	e.secondaryChecks(&in, &d)
	d.Action = e.decide(&d)
	d.Retryable = e.retryable(&d)
	return d
}

func (e *Engine) checkMinimumChunks(in *Input, _ *Decision) *Violation {
	if len(in.Selected) > 0 {
		return nil
	}
	return &Violation{Severity: SeverityHigh, Detail: "no usable course material was selected for this question"}
}

// checkLabSafety enforces that lab guidance only ever comes from the named
// lab's own material. Naming both a day and a lab is the trigger, whatever
// the classified intent says.
func (e *Engine) checkLabSafety(in *Input, _ *Decision) *Violation {
	if !in.References.HasDayAndLab() {
		return nil
	}
	if len(in.StrictLabMatches) == 0 {
		return &Violation{Severity: SeverityHigh,
			Detail: fmt.Sprintf("no material exists for lab %d on day %d", *in.References.Lab, *in.References.Day)}
	}
	for _, rc := range in.Selected {
		if rc.ContentType == models.ContentTypeLab && !rc.MatchesLab(*in.References.Lab) {
			return &Violation{Severity: SeverityHigh,
				Detail: fmt.Sprintf("selected lab material %s does not belong to lab %d", rc.ID, *in.References.Lab)}
		}
	}
	for _, rc := range in.Selected {
		if rc.Provenance == models.ProvenanceStrictLab || rc.MatchesLab(*in.References.Lab) {
			return nil
		}
	}
	return &Violation{Severity: SeverityMedium, Action: ActionEscalate,
		Detail: "material for the named lab exists but none of it was selected"}
}

// checkTopicIntegrity requires the context to talk about the asked topic at
// the asked depth. A matching chunk that was retrieved but lost during
// assembly is recoverable by a retry; no matching chunk anywhere is not.
func (e *Engine) checkTopicIntegrity(in *Input, _ *Decision) *Violation {
	if in.Concept == "" && len(in.Modifiers) == 0 {
		return nil
	}
	for _, rc := range in.Selected {
		if topicMatch(rc, in.Concept, in.Modifiers) {
			return nil
		}
	}
	topic := in.Concept
	if topic == "" {
		topic = strings.Join(in.Modifiers, ", ")
	}
	for _, rc := range in.Retrieved {
		if topicMatch(rc, in.Concept, in.Modifiers) {
			return &Violation{Severity: SeverityMedium, Action: ActionRetry,
				Detail: fmt.Sprintf("material covering %q was retrieved but not selected", topic)}
		}
	}
	return &Violation{Severity: SeverityHigh,
		Detail: fmt.Sprintf("none of the course material covers %q as asked", topic)}
}

// topicMatch reports whether the chunk covers the concept, honoring topic
// modifiers. A modifier demands more than an introductory mention.
func topicMatch(rc models.RankedChunk, concept string, modifiers []string) bool {
	if concept != "" && !rc.MentionsConcept(concept) {
		return false
	}
	if len(modifiers) == 0 {
		return true
	}
	hit := false
	for _, m := range modifiers {
		if rc.MentionsConcept(m) {
			hit = true
			break
		}
	}
	return hit && rc.CoverageLevel.DepthRank() > models.CoverageIntroduction.DepthRank()
}

// checkReferenceIntegrity verifies the answer context honors explicit
// day/chapter/lab references. Material that contradicts the reference blocks
// outright; material that merely lacks the fields to verify it escalates.
func (e *Engine) checkReferenceIntegrity(in *Input, _ *Decision) *Violation {
	if !in.References.HasSpecificReference() || len(in.Selected) == 0 {
		return nil
	}
	matching := 0
	for _, rc := range in.Selected {
		if rc.MatchesReference(in.References) {
			matching++
			continue
		}
		if disagreesWithReference(rc.ContentChunk, in.References) {
			return &Violation{Severity: SeverityHigh, Action: ActionBlock,
				Detail: fmt.Sprintf("chunk %s contradicts the day/chapter/lab you referenced", rc.ID)}
		}
	}
	if matching == 0 {
		// Nothing contradicts the reference, but nothing confirms it
		// either: the chunks lack the placement fields to verify it.
		return &Violation{Severity: SeverityMedium, Action: ActionEscalate,
			Detail: "the selected material lacks the placement fields to verify your reference"}
	}
	return nil
}

// disagreesWithReference is true when the chunk carries a placement value
// for a referenced field and that value differs. Absent fields never
// disagree; they are merely unverifiable.
func disagreesWithReference(c models.ContentChunk, ref models.StructuralReference) bool {
	if ref.Day != nil && c.Day > 0 && c.Day != *ref.Day {
		return true
	}
	if ref.Chapter != nil && c.ChapterID != "" && !c.MatchesChapter(*ref.Chapter) {
		return true
	}
	if ref.Lab != nil && c.LabID != "" && !c.MatchesLab(*ref.Lab) {
		return true
	}
	return false
}

// Near-empty chunk text cannot support an answer regardless of its score.
const minUsableTextLen = 20

// A similarity this low means retrieval found nothing actually related;
// it sits well below the escalation threshold on average quality.
const scopeSimilarityFloor = 0.1

// checkCourseScope is the always-on grounding invariant: every answer comes
// from this course's material, and that material must be substantial enough
// to answer from.
func (e *Engine) checkCourseScope(in *Input, _ *Decision) *Violation {
	if len(in.Selected) == 0 {
		return nil
	}
	for _, rc := range in.Selected {
		if rc.CourseID != in.CourseID {
			return &Violation{Severity: SeverityHigh,
				Detail: fmt.Sprintf("chunk %s belongs to another course", rc.ID)}
		}
	}

	nearEmpty := 0
	withIdentifier := 0
	dedicated := false
	for _, rc := range in.Selected {
		if len(strings.TrimSpace(rc.Text)) < minUsableTextLen {
			nearEmpty++
		}
		if rc.HasCourseIdentifier() {
			withIdentifier++
		}
		if rc.DedicatedTopicChapter {
			dedicated = true
		}
	}
	if nearEmpty*2 > len(in.Selected) {
		return &Violation{Severity: SeverityHigh,
			Detail: fmt.Sprintf("%d of %d selected chunks carry almost no text", nearEmpty, len(in.Selected))}
	}
	if ratio := float64(withIdentifier) / float64(len(in.Selected)); ratio < e.cfg.IdentifierCoverageRatio {
		return &Violation{Severity: SeverityHigh,
			Detail: fmt.Sprintf("only %d of %d selected chunks are placed in the course structure", withIdentifier, len(in.Selected))}
	}
	if avg, n := averageSimilarity(in.Selected, false); n > 0 && avg < scopeSimilarityFloor && !dedicated {
		return &Violation{Severity: SeverityHigh,
			Detail: fmt.Sprintf("average similarity %.2f means the material is unrelated to the question", avg)}
	}
	return nil
}

// checkCourseAnchoring blocks answers about concepts the course never
// covers. Deep coverage that failed to anchor the answer escalates; shallow
// coverage is answerable with a disclaimer and never escalates on its own.
func (e *Engine) checkCourseAnchoring(in *Input, d *Decision) *Violation {
	if in.Concept == "" {
		return nil
	}
	anchored := false
	for _, rc := range in.Selected {
		if rc.MentionsConcept(in.Concept) && rc.CoverageLevel.DepthRank() > models.CoverageIntroduction.DepthRank() {
			anchored = true
			break
		}
	}
	switch in.Maturity.Level {
	case models.MaturityNotCovered:
		if in.Intent == models.IntentCourseContent {
			return &Violation{Severity: SeverityHigh,
				Detail: fmt.Sprintf("the course does not cover %q", in.Concept)}
		}
	case models.MaturityImplemented:
		if !anchored {
			d.Anchoring.ShouldEscalate = true
			d.Anchoring.Detail = fmt.Sprintf("the course covers %q in depth but none of that material anchors this answer", in.Concept)
			return &Violation{Severity: SeverityHigh, Action: ActionEscalate, Detail: d.Anchoring.Detail}
		}
	case models.MaturityIntroduced, models.MaturityApplied:
		if !anchored {
			d.Anchoring.RequiresDisclaimer = true
			d.Anchoring.Detail = fmt.Sprintf("the course only introduces %q at this point", in.Concept)
		}
	}
	return nil
}

// checkProceduralContract keeps how-to answers honest about what the course
// actually teaches. No implementation material at all is a hard stop: the
// guidance simply is not available yet. Implementation material that was
// retrieved but not selected escalates, and selected material without
// explicit steps asks the learner to narrow the question.
func (e *Engine) checkProceduralContract(in *Input, _ *Decision) *Violation {
	if in.Depth != query.DepthProcedural || len(in.Selected) == 0 {
		return nil
	}
	if !anyImplementation(in.Selected) {
		if anyImplementation(in.Retrieved) {
			return &Violation{Severity: SeverityHigh, Action: ActionEscalate,
				Detail: "implementation material exists but was not selected for this answer"}
		}
		return &Violation{Severity: SeverityCritical,
			Detail: "implementation guidance for this is not available yet in the course"}
	}
	for _, rc := range in.Selected {
		if hasExplicitSteps(rc) {
			return nil
		}
	}
	return &Violation{Severity: SeverityMedium, Action: ActionClarify,
		Detail: "the material covers this topic without spelling out explicit steps"}
}

func anyImplementation(chunks []models.RankedChunk) bool {
	for _, rc := range chunks {
		if rc.ContentType == models.ContentTypeLab {
			return true
		}
		if rc.CoverageLevel.DepthRank() >= models.CoverageIntermediate.DepthRank() {
			return true
		}
	}
	return false
}

// hasExplicitSteps detects step-structured text. Lab material is
// step-structured by construction.
func hasExplicitSteps(rc models.RankedChunk) bool {
	if rc.ContentType == models.ContentTypeLab {
		return true
	}
	t := strings.ToLower(rc.Text)
	if strings.Contains(t, "step") {
		return true
	}
	for _, marker := range []string{"\n1.", "\n1)", "first,", "then,"} {
		if strings.Contains(t, marker) {
			return true
		}
	}
	return false
}

// Secondary check names.
const (
	CheckPartialReferenceMatch = "partial_reference_match"
	CheckWeakTopicCoverage     = "weak_topic_coverage"
	CheckLowQuality            = "low_quality"
	CheckListCompleteness      = "list_completeness"
	CheckDedicatedUnselected   = "dedicated_unselected"
	CheckDedicatedSimilarity   = "dedicated_similarity"
)

func (e *Engine) secondaryChecks(in *Input, d *Decision) {
	// Partial reference coverage.
	if in.References.HasSpecificReference() && len(in.Selected) > 0 {
		matching := 0
		for _, rc := range in.Selected {
			if rc.MatchesReference(in.References) {
				matching++
			}
		}
		ratio := float64(matching) / float64(len(in.Selected))
		if matching > 0 && ratio < e.cfg.IdentifierCoverageRatio {
			d.Warnings = append(d.Warnings, Warning{Check: CheckPartialReferenceMatch, Severity: SeverityLow,
				Detail: fmt.Sprintf("only %d of %d selected chunks match your reference", matching, len(in.Selected))})
		}
	}

	// Weak topic coverage: the concept is mentioned but only in passing.
	if in.Concept != "" && len(in.Selected) > 0 {
		mentions := 0
		for _, rc := range in.Selected {
			if rc.MentionsConcept(in.Concept) {
				mentions++
			}
		}
		if mentions > 0 && float64(mentions)/float64(len(in.Selected)) < 0.34 {
			d.Warnings = append(d.Warnings, Warning{Check: CheckWeakTopicCoverage, Severity: SeverityMedium,
				Detail: fmt.Sprintf("only %d of %d selected chunks mention %q", mentions, len(in.Selected), in.Concept)})
		}
	}

	// Overall retrieval quality over semantically scored chunks.
	if avg, n := averageSimilarity(in.Selected, false); n > 0 && avg <= e.cfg.MinAverageSimilarity {
		d.Warnings = append(d.Warnings, Warning{Check: CheckLowQuality, Severity: SeverityHigh,
			Detail: fmt.Sprintf("average similarity %.2f is too low to answer reliably", avg)})
	}

	// Dedicated chapters demand a tighter similarity bar.
	if avg, n := averageSimilarity(in.Selected, true); n > 0 && avg > 0 && avg < e.cfg.DedicatedMinSimilarity {
		d.Warnings = append(d.Warnings, Warning{Check: CheckDedicatedSimilarity, Severity: SeverityMedium,
			Detail: fmt.Sprintf("dedicated chapter similarity %.2f is below %.2f", avg, e.cfg.DedicatedMinSimilarity)})
	}

	// List requests must be backed by exhaustive or at least broad context.
	if in.Intent == models.IntentListRequest && !in.ExhaustiveChapter && len(in.Selected) < e.cfg.ListRequestMinChunks {
		d.Warnings = append(d.Warnings, Warning{Check: CheckListCompleteness, Severity: SeverityHigh,
			Detail: fmt.Sprintf("a list answer from %d chunks is likely incomplete", len(in.Selected))})
	}

	// A dedicated chapter for the topic was retrieved but did not survive
	// assembly.
	if in.Concept != "" {
		if hasDedicatedFor(in.Retrieved, in.Concept) && !hasDedicatedFor(in.Selected, in.Concept) {
			d.Warnings = append(d.Warnings, Warning{Check: CheckDedicatedUnselected, Severity: SeverityMedium,
				Detail: fmt.Sprintf("a chapter dedicated to %q exists but was not used", in.Concept)})
		}
	}
}

func averageSimilarity(chunks []models.RankedChunk, dedicatedOnly bool) (float64, int) {
	var sum float64
	var n int
	for _, rc := range chunks {
		if dedicatedOnly && !rc.DedicatedTopicChapter {
			continue
		}
		if rc.Similarity <= 0 {
			continue
		}
		sum += rc.Similarity
		n++
	}
	if n == 0 {
		return 0, 0
	}
	return sum / float64(n), n
}

func hasDedicatedFor(chunks []models.RankedChunk, concept string) bool {
	concept = strings.ToLower(concept)
	for _, rc := range chunks {
		if rc.DedicatedTopicChapter && strings.Contains(strings.ToLower(rc.PrimaryTopic), concept) {
			return true
		}
	}
	return false
}

// decide maps accumulated violations, warnings and anchoring into the final
// action. Explicit branch actions win, with block strongest and clarify
// weakest; violations without an explicit action fall back to the severity
// mapping (blocking severity blocks, anything else escalates).
func (e *Engine) decide(d *Decision) Action {
	for _, v := range d.Violations {
		if v.Action == ActionBlock || (v.Action == "" && v.Severity.blocking()) {
			return ActionBlock
		}
	}
	for _, v := range d.Violations {
		if v.Action == ActionEscalate || v.Action == "" {
			return ActionEscalate
		}
	}
	for _, v := range d.Violations {
		if v.Action == ActionRetry {
			return ActionRetry
		}
	}
	for _, v := range d.Violations {
		if v.Action == ActionClarify {
			return ActionClarify
		}
	}
	if d.Anchoring.ShouldEscalate {
		return ActionEscalate
	}
	for _, w := range d.Warnings {
		if w.Severity == SeverityHigh {
			return ActionEscalate
		}
	}
	return ActionAllow
}

// retryable reports whether a failed decision might succeed with narrowed
// retrieval. Retry decisions always are; escalations are only when every
// contributing signal is retrieval-shaped rather than a safety failure.
func (e *Engine) retryable(d *Decision) bool {
	switch d.Action {
	case ActionAllow, ActionBlock, ActionClarify:
		return false
	case ActionRetry:
		return true
	}
	for _, v := range d.Violations {
		if v.Action != ActionRetry {
			return false
		}
	}
	for _, w := range d.Warnings {
		switch w.Check {
		case CheckLowQuality, CheckWeakTopicCoverage, CheckListCompleteness, CheckDedicatedUnselected:
			return true
		}
	}
	return false
}
