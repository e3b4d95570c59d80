package governance

import (
	"testing"

	"github.com/pathlight-learning/pathlight/config"
	"github.com/pathlight-learning/pathlight/internal/models"
	"github.com/pathlight-learning/pathlight/internal/query"
)

func newEngine() *Engine { return New(config.GovernanceConfig{}) }

func contentChunk(id string, opts func(*models.RankedChunk)) models.RankedChunk {
	rc := models.RankedChunk{ContentChunk: models.ContentChunk{
		ID: id, CourseID: "course-a", Day: 2, ChapterID: "chapter-2", ChapterTitle: "Network Policies",
		ContentType: models.ContentTypeChapter, Text: "Network policies restrict pod traffic.",
		CoverageLevel: models.CoverageComprehensive, Completeness: 1,
	}, Similarity: 0.8, Provenance: models.ProvenanceSemantic}
	if opts != nil {
		opts(&rc)
	}
	return rc
}

func intp(n int) *int { return &n }

func TestEvaluateAllowsHealthyInput(t *testing.T) {
	e := newEngine()
	in := Input{
		CourseID: "course-a",
		Question: "how do network policies work?",
		Intent:   models.IntentCourseContent,
		Concept:  "network policies",
		Depth:    query.DepthConceptual,
		Maturity: models.ConceptMaturity{Concept: "network policies", Level: models.MaturityImplemented},
		Selected: []models.RankedChunk{contentChunk("c1", nil), contentChunk("c2", nil)},
	}
	d := e.Evaluate(in)
	if d.Action != ActionAllow {
		t.Fatalf("expected allow, got %s (violations=%v warnings=%v)", d.Action, d.Violations, d.Warnings)
	}
}

func TestEvaluateBlocksEmptySelection(t *testing.T) {
	e := newEngine()
	d := e.Evaluate(Input{CourseID: "course-a", Intent: models.IntentCourseContent})
	if d.Action != ActionBlock {
		t.Fatalf("expected block, got %s", d.Action)
	}
	if len(d.Violations) != 1 || d.Violations[0].Invariant != InvariantMinimumChunks {
		t.Fatalf("unexpected violations: %v", d.Violations)
	}
	// Short-circuit: nothing after the first immutable failure runs.
	if len(d.Warnings) != 0 {
		t.Fatalf("expected no warnings after short-circuit, got %v", d.Warnings)
	}
}

func TestLabSafetyBlocksWhenLabHasNoMaterial(t *testing.T) {
	e := newEngine()
	in := Input{
		CourseID:   "course-a",
		Intent:     models.IntentLabGuidance,
		References: models.StructuralReference{Day: intp(2), Lab: intp(3)},
		Selected:   []models.RankedChunk{contentChunk("c1", nil)},
		// No strict matches: the named lab does not exist in this course.
	}
	d := e.Evaluate(in)
	if d.Action != ActionBlock {
		t.Fatalf("expected block, got %s", d.Action)
	}
	if d.Violations[0].Invariant != InvariantLabSafety {
		t.Fatalf("unexpected violation: %v", d.Violations)
	}
	if d.Retryable {
		t.Fatal("lab safety blocks must not be retryable")
	}
}

func TestLabSafetyTriggeredByReferenceNotIntent(t *testing.T) {
	e := newEngine()
	// Day and lab are named explicitly; the intent classifier got it wrong.
	in := Input{
		CourseID:   "course-a",
		Intent:     models.IntentCourseContent,
		References: models.StructuralReference{Day: intp(2), Lab: intp(3)},
		Selected:   []models.RankedChunk{contentChunk("c1", nil)},
	}
	d := e.Evaluate(in)
	if d.Action != ActionBlock {
		t.Fatalf("expected block regardless of intent, got %s", d.Action)
	}
	if d.Violations[0].Invariant != InvariantLabSafety {
		t.Fatalf("unexpected violation: %v", d.Violations)
	}
}

func TestLabSafetyBlocksWrongLabMaterial(t *testing.T) {
	e := newEngine()
	strict := contentChunk("lab3", func(rc *models.RankedChunk) {
		rc.ContentType = models.ContentTypeLab
		rc.LabID = "lab-3"
		rc.Provenance = models.ProvenanceStrictLab
	})
	wrong := contentChunk("lab7", func(rc *models.RankedChunk) {
		rc.ContentType = models.ContentTypeLab
		rc.LabID = "lab-7"
	})
	in := Input{
		CourseID:         "course-a",
		Intent:           models.IntentLabGuidance,
		References:       models.StructuralReference{Day: intp(2), Lab: intp(3)},
		StrictLabMatches: []models.RankedChunk{strict},
		Selected:         []models.RankedChunk{wrong},
	}
	d := e.Evaluate(in)
	if d.Action != ActionBlock {
		t.Fatalf("expected block for wrong-lab material, got %s", d.Action)
	}
}

func TestLabSafetyEscalatesWhenLabMaterialUnselected(t *testing.T) {
	e := newEngine()
	strict := contentChunk("lab3", func(rc *models.RankedChunk) {
		rc.ContentType = models.ContentTypeLab
		rc.LabID = "lab-3"
		rc.Provenance = models.ProvenanceStrictLab
	})
	in := Input{
		CourseID:         "course-a",
		Intent:           models.IntentLabGuidance,
		References:       models.StructuralReference{Day: intp(2), Lab: intp(3)},
		StrictLabMatches: []models.RankedChunk{strict},
		Selected:         []models.RankedChunk{contentChunk("c1", nil)},
	}
	d := e.Evaluate(in)
	if d.Action != ActionEscalate {
		t.Fatalf("expected escalate, got %s", d.Action)
	}
}

func TestTopicIntegrityBlocksUnrelatedMaterial(t *testing.T) {
	e := newEngine()
	in := Input{
		CourseID: "course-a",
		Intent:   models.IntentCourseContent,
		Concept:  "service mesh",
		Selected: []models.RankedChunk{contentChunk("c1", nil)},
	}
	d := e.Evaluate(in)
	if d.Action != ActionBlock {
		t.Fatalf("expected block, got %s", d.Action)
	}
	if d.Violations[0].Invariant != InvariantTopicIntegrity {
		t.Fatalf("unexpected violation: %v", d.Violations)
	}
}

func TestTopicIntegrityRetriesWhenMatchUnselected(t *testing.T) {
	e := newEngine()
	match := contentChunk("d1", func(rc *models.RankedChunk) {
		rc.Text = "Service mesh routing is covered in depth here."
	})
	in := Input{
		CourseID:  "course-a",
		Intent:    models.IntentCourseContent,
		Concept:   "service mesh",
		Retrieved: []models.RankedChunk{match, contentChunk("c1", nil)},
		Selected:  []models.RankedChunk{contentChunk("c1", nil)},
	}
	d := e.Evaluate(in)
	if d.Action != ActionRetry {
		t.Fatalf("expected retry when matching material was retrieved but not selected, got %s", d.Action)
	}
	if !d.Retryable {
		t.Fatal("retry decisions must be retryable")
	}
}

func TestTopicIntegrityModifierDemandsDepth(t *testing.T) {
	e := newEngine()
	intro := contentChunk("c1", func(rc *models.RankedChunk) {
		rc.Text = "A brief technical note on network policies."
		rc.CoverageLevel = models.CoverageIntroduction
	})
	in := Input{
		CourseID:  "course-a",
		Intent:    models.IntentCourseContent,
		Concept:   "network policies",
		Modifiers: []string{"technical"},
		Retrieved: []models.RankedChunk{intro},
		Selected:  []models.RankedChunk{intro},
	}
	d := e.Evaluate(in)
	if d.Action != ActionBlock {
		t.Fatalf("expected block when only introductory material matches the modifier, got %s", d.Action)
	}
	if d.Violations[0].Invariant != InvariantTopicIntegrity {
		t.Fatalf("unexpected violation: %v", d.Violations)
	}
}

func TestReferenceIntegrityBlocksContradictingChunks(t *testing.T) {
	e := newEngine()
	in := Input{
		CourseID:   "course-a",
		Intent:     models.IntentCourseContent,
		References: models.StructuralReference{Chapter: intp(9)},
		Selected:   []models.RankedChunk{contentChunk("c1", nil)}, // chapter-2
	}
	d := e.Evaluate(in)
	if d.Action != ActionBlock {
		t.Fatalf("expected block for contradicting reference, got %s", d.Action)
	}
	if d.Violations[0].Invariant != InvariantReferenceIntegrity {
		t.Fatalf("unexpected violation: %v", d.Violations)
	}
	if d.Retryable {
		t.Fatal("a contradiction cannot be fixed by retrying retrieval")
	}
}

func TestReferenceIntegrityEscalatesUnverifiableChunks(t *testing.T) {
	e := newEngine()
	// The chunk is placed in the course but carries no lab id, so the lab
	// reference can neither be confirmed nor contradicted.
	in := Input{
		CourseID:   "course-a",
		Intent:     models.IntentCourseContent,
		References: models.StructuralReference{Lab: intp(3)},
		Selected:   []models.RankedChunk{contentChunk("c1", nil)},
	}
	d := e.Evaluate(in)
	if d.Action != ActionEscalate {
		t.Fatalf("expected escalate for unverifiable reference, got %s", d.Action)
	}
	if d.Violations[0].Invariant != InvariantReferenceIntegrity {
		t.Fatalf("unexpected violation: %v", d.Violations)
	}
}

func TestCourseScopeBlocksForeignChunks(t *testing.T) {
	e := newEngine()
	foreign := contentChunk("x", func(rc *models.RankedChunk) { rc.CourseID = "course-b" })
	in := Input{
		CourseID: "course-a",
		Intent:   models.IntentCourseContent,
		Selected: []models.RankedChunk{contentChunk("c1", nil), foreign},
	}
	d := e.Evaluate(in)
	if d.Action != ActionBlock {
		t.Fatalf("expected block, got %s", d.Action)
	}
	if d.Violations[0].Invariant != InvariantCourseScope {
		t.Fatalf("unexpected violation: %v", d.Violations)
	}
}

func TestCourseScopeBlocksNearEmptyText(t *testing.T) {
	e := newEngine()
	empty := contentChunk("c1", func(rc *models.RankedChunk) {
		rc.Text = "see above"
		rc.Similarity = 0.9
	})
	in := Input{
		CourseID: "course-a",
		Intent:   models.IntentCourseContent,
		Selected: []models.RankedChunk{empty},
	}
	d := e.Evaluate(in)
	if d.Action != ActionBlock {
		t.Fatalf("expected block for near-empty material, got %s", d.Action)
	}
	if d.Violations[0].Invariant != InvariantCourseScope {
		t.Fatalf("unexpected violation: %v", d.Violations)
	}
}

func TestCourseScopeBlocksUnplacedChunks(t *testing.T) {
	e := newEngine()
	unplaced := func(id string) models.RankedChunk {
		return contentChunk(id, func(rc *models.RankedChunk) {
			rc.Day = 0
			rc.ChapterID = ""
			rc.LabID = ""
		})
	}
	in := Input{
		CourseID: "course-a",
		Intent:   models.IntentCourseContent,
		Selected: []models.RankedChunk{unplaced("c1"), unplaced("c2"), contentChunk("c3", nil)},
	}
	d := e.Evaluate(in)
	if d.Action != ActionBlock {
		t.Fatalf("expected block when most chunks are unplaced, got %s", d.Action)
	}
	if d.Violations[0].Invariant != InvariantCourseScope {
		t.Fatalf("unexpected violation: %v", d.Violations)
	}
}

func TestCourseScopeBlocksUnrelatedLowSimilarity(t *testing.T) {
	e := newEngine()
	weak := func(id string) models.RankedChunk {
		return contentChunk(id, func(rc *models.RankedChunk) { rc.Similarity = 0.05 })
	}
	in := Input{
		CourseID: "course-a",
		Intent:   models.IntentCourseContent,
		Selected: []models.RankedChunk{weak("c1"), weak("c2")},
	}
	d := e.Evaluate(in)
	if d.Action != ActionBlock {
		t.Fatalf("expected block for unrelated material, got %s", d.Action)
	}
	if d.Violations[0].Invariant != InvariantCourseScope {
		t.Fatalf("unexpected violation: %v", d.Violations)
	}
}

func TestCourseAnchoringBlocksUncoveredConcept(t *testing.T) {
	e := newEngine()
	mentions := contentChunk("c1", func(rc *models.RankedChunk) {
		rc.Text = "a passing mention of service mesh ideas"
	})
	in := Input{
		CourseID: "course-a",
		Intent:   models.IntentCourseContent,
		Concept:  "service mesh",
		Maturity: models.ConceptMaturity{Concept: "service mesh", Level: models.MaturityNotCovered},
		Selected: []models.RankedChunk{mentions},
	}
	d := e.Evaluate(in)
	if d.Action != ActionBlock {
		t.Fatalf("expected block, got %s", d.Action)
	}
	if d.Violations[0].Invariant != InvariantCourseAnchoring {
		t.Fatalf("unexpected violation: %v", d.Violations)
	}
}

func TestCourseAnchoringDisclaimerForIntroducedConcept(t *testing.T) {
	e := newEngine()
	mentions := contentChunk("c1", func(rc *models.RankedChunk) {
		rc.Text = "ingress is introduced briefly here"
		rc.CoverageLevel = models.CoverageIntroduction
	})
	in := Input{
		CourseID: "course-a",
		Intent:   models.IntentCourseContent,
		Concept:  "ingress",
		Depth:    query.DepthConceptual,
		Maturity: models.ConceptMaturity{Concept: "ingress", Level: models.MaturityIntroduced},
		Selected: []models.RankedChunk{mentions},
	}
	d := e.Evaluate(in)
	if !d.Anchoring.RequiresDisclaimer {
		t.Fatal("expected disclaimer for introduced-only concept")
	}
	if d.Anchoring.ShouldEscalate {
		t.Fatal("shallow coverage is answerable with a disclaimer, not an escalation")
	}
	if d.Action != ActionAllow {
		t.Fatalf("introduced concept must be answered with a disclaimer, got %s", d.Action)
	}
}

func TestCourseAnchoringDoesNotEscalateIntroducedProcedural(t *testing.T) {
	e := newEngine()
	lab := contentChunk("c1", func(rc *models.RankedChunk) {
		rc.Text = "ingress is introduced briefly here"
		rc.ContentType = models.ContentTypeLab
		rc.CoverageLevel = models.CoverageIntroduction
	})
	in := Input{
		CourseID: "course-a",
		Intent:   models.IntentCourseContent,
		Concept:  "ingress",
		Depth:    query.DepthProcedural,
		Maturity: models.ConceptMaturity{Concept: "ingress", Level: models.MaturityIntroduced},
		Selected: []models.RankedChunk{lab},
	}
	d := e.Evaluate(in)
	if d.Anchoring.ShouldEscalate {
		t.Fatal("introduced coverage must not escalate through anchoring")
	}
	if !d.Anchoring.RequiresDisclaimer {
		t.Fatal("expected disclaimer for introduced-only concept")
	}
	if d.Action != ActionAllow {
		t.Fatalf("expected allow with disclaimer, got %s (violations=%v)", d.Action, d.Violations)
	}
}

func TestCourseAnchoringEscalatesUnanchoredDeepCoverage(t *testing.T) {
	e := newEngine()
	// The course covers ingress in depth, but only an introductory mention
	// made it into the context.
	intro := contentChunk("c1", func(rc *models.RankedChunk) {
		rc.Text = "ingress routes external traffic into the cluster"
		rc.CoverageLevel = models.CoverageIntroduction
	})
	in := Input{
		CourseID: "course-a",
		Intent:   models.IntentCourseContent,
		Concept:  "ingress",
		Depth:    query.DepthConceptual,
		Maturity: models.ConceptMaturity{Concept: "ingress", Level: models.MaturityImplemented},
		Selected: []models.RankedChunk{intro},
	}
	d := e.Evaluate(in)
	if d.Action != ActionEscalate {
		t.Fatalf("expected escalate for unanchored deep coverage, got %s", d.Action)
	}
	if !d.Anchoring.ShouldEscalate {
		t.Fatal("expected anchoring escalation flag")
	}
}

func TestProceduralContractBlocksIntroOnlyContext(t *testing.T) {
	e := newEngine()
	intro := contentChunk("c1", func(rc *models.RankedChunk) {
		rc.CoverageLevel = models.CoverageIntroduction
	})
	in := Input{
		CourseID:  "course-a",
		Intent:    models.IntentCourseContent,
		Depth:     query.DepthProcedural,
		Retrieved: []models.RankedChunk{intro},
		Selected:  []models.RankedChunk{intro},
	}
	d := e.Evaluate(in)
	if d.Action != ActionBlock {
		t.Fatalf("expected block when the course has no implementation material, got %s", d.Action)
	}
	v := d.Violations[len(d.Violations)-1]
	if v.Invariant != InvariantProceduralContract || v.Severity != SeverityCritical {
		t.Fatalf("unexpected violation: %+v", v)
	}
}

func TestProceduralContractEscalatesUnselectedImplementation(t *testing.T) {
	e := newEngine()
	intro := contentChunk("c1", func(rc *models.RankedChunk) {
		rc.CoverageLevel = models.CoverageIntroduction
	})
	lab := contentChunk("lab", func(rc *models.RankedChunk) {
		rc.ContentType = models.ContentTypeLab
		rc.LabID = "lab-2"
	})
	in := Input{
		CourseID:  "course-a",
		Intent:    models.IntentCourseContent,
		Depth:     query.DepthProcedural,
		Retrieved: []models.RankedChunk{intro, lab},
		Selected:  []models.RankedChunk{intro},
	}
	d := e.Evaluate(in)
	if d.Action != ActionEscalate {
		t.Fatalf("expected escalate when implementation material was not selected, got %s", d.Action)
	}
	v := d.Violations[len(d.Violations)-1]
	if v.Invariant != InvariantProceduralContract || v.Severity != SeverityHigh {
		t.Fatalf("unexpected violation: %+v", v)
	}
}

func TestProceduralContractClarifiesWithoutExplicitSteps(t *testing.T) {
	e := newEngine()
	deep := contentChunk("c1", nil) // comprehensive, but no step-structured text
	in := Input{
		CourseID:  "course-a",
		Intent:    models.IntentCourseContent,
		Depth:     query.DepthProcedural,
		Retrieved: []models.RankedChunk{deep},
		Selected:  []models.RankedChunk{deep},
	}
	d := e.Evaluate(in)
	if d.Action != ActionClarify {
		t.Fatalf("expected clarify when no explicit steps exist, got %s", d.Action)
	}
	if d.Retryable {
		t.Fatal("a clarification request is not retryable")
	}
}

func TestListRequestWarnsWhenTooFewChunks(t *testing.T) {
	e := newEngine()
	in := Input{
		CourseID: "course-a",
		Intent:   models.IntentListRequest,
		Selected: []models.RankedChunk{contentChunk("c1", nil), contentChunk("c2", nil)},
	}
	d := e.Evaluate(in)
	if d.Action != ActionEscalate {
		t.Fatalf("expected escalate for likely-incomplete list, got %s", d.Action)
	}
	if !d.Retryable {
		t.Fatal("list completeness should be retryable")
	}
}

func TestListRequestAllowedWithExhaustiveRetrieval(t *testing.T) {
	e := newEngine()
	in := Input{
		CourseID:          "course-a",
		Intent:            models.IntentListRequest,
		ExhaustiveChapter: true,
		Selected:          []models.RankedChunk{contentChunk("c1", nil), contentChunk("c2", nil)},
	}
	d := e.Evaluate(in)
	if d.Action != ActionAllow {
		t.Fatalf("expected allow with exhaustive retrieval, got %s", d.Action)
	}
}

func TestLowQualityWarningEscalates(t *testing.T) {
	e := newEngine()
	weak := contentChunk("c1", func(rc *models.RankedChunk) { rc.Similarity = 0.15 })
	in := Input{
		CourseID: "course-a",
		Intent:   models.IntentCourseContent,
		Selected: []models.RankedChunk{weak},
	}
	d := e.Evaluate(in)
	if d.Action != ActionEscalate {
		t.Fatalf("expected escalate for low quality, got %s", d.Action)
	}
	if !d.Retryable {
		t.Fatal("low quality should be retryable")
	}
}

func TestDedicatedUnselectedWarning(t *testing.T) {
	e := newEngine()
	dedicated := contentChunk("d1", func(rc *models.RankedChunk) {
		rc.DedicatedTopicChapter = true
		rc.PrimaryTopic = "network policies"
	})
	in := Input{
		CourseID:  "course-a",
		Intent:    models.IntentCourseContent,
		Concept:   "network policies",
		Maturity:  models.ConceptMaturity{Level: models.MaturityApplied},
		Retrieved: []models.RankedChunk{dedicated},
		Selected:  []models.RankedChunk{contentChunk("c1", nil)},
	}
	d := e.Evaluate(in)
	found := false
	for _, w := range d.Warnings {
		if w.Check == CheckDedicatedUnselected {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected dedicated_unselected warning, got %v", d.Warnings)
	}
}

func TestViolatedInvariantNames(t *testing.T) {
	e := newEngine()
	d := e.Evaluate(Input{CourseID: "course-a"})
	names := d.ViolatedInvariants()
	if len(names) != 1 || names[0] != InvariantMinimumChunks {
		t.Fatalf("unexpected names: %v", names)
	}
}
