// Package pipeline orchestrates question handling end to end: processing,
// retrieval, assembly, governance, generation and escalation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/pathlight-learning/pathlight/config"
	"github.com/pathlight-learning/pathlight/internal/assembler"
	"github.com/pathlight-learning/pathlight/internal/escalation"
	"github.com/pathlight-learning/pathlight/internal/governance"
	"github.com/pathlight-learning/pathlight/internal/llm"
	"github.com/pathlight-learning/pathlight/internal/maturity"
	"github.com/pathlight-learning/pathlight/internal/models"
	"github.com/pathlight-learning/pathlight/internal/query"
	"github.com/pathlight-learning/pathlight/internal/retrieval"
	"github.com/pathlight-learning/pathlight/internal/store"
	"github.com/pathlight-learning/pathlight/internal/telemetry"
)

// Store is the persistence surface the pipeline uses. All writes are best
// effort: an audit-trail failure never fails the learner's question.
type Store interface {
	GetLearnerProgress(ctx context.Context, learnerID, courseID string) (models.LearnerProgress, error)
	InsertQuery(ctx context.Context, q models.Query) error
	UpdateQueryStatus(ctx context.Context, queryID string, status models.QueryStatus) error
	InsertResponse(ctx context.Context, rec store.ResponseRecord) error
	InsertConversationEntry(ctx context.Context, rec store.ConversationEntry) error
}

// Pipeline wires the question-handling stages together.
type Pipeline struct {
	processor   *query.Processor
	engine      *retrieval.Engine
	assembler   *assembler.Assembler
	governor    *governance.Engine
	escalations *escalation.Manager
	provider    llm.Provider
	store       Store
	metrics     *telemetry.Metrics
	logger      *log.Logger
	escCfg      config.EscalationConfig
	govCfg      config.GovernanceConfig
}

// New creates a pipeline.
func New(processor *query.Processor, engine *retrieval.Engine, asm *assembler.Assembler,
	governor *governance.Engine, escalations *escalation.Manager, provider llm.Provider,
	st Store, metrics *telemetry.Metrics, logger *log.Logger,
	escCfg config.EscalationConfig, govCfg config.GovernanceConfig) *Pipeline {
	if logger == nil {
		logger = log.Default()
	}
	if metrics == nil {
		metrics = telemetry.NewNop()
	}
	return &Pipeline{
		processor:   processor,
		engine:      engine,
		assembler:   asm,
		governor:    governor,
		escalations: escalations,
		provider:    provider,
		store:       st,
		metrics:     metrics,
		logger:      logger,
		escCfg:      escCfg.Normalize(),
		govCfg:      govCfg.Normalize(),
	}
}

// AskRequest is one learner question.
type AskRequest struct {
	LearnerID   string
	CourseID    string
	CourseTitle string
	Question    string
}

// Response is the learner-facing outcome. Blocked questions carry only
// Error; the query id stays internal for them.
type Response struct {
	Success        bool                     `json:"success"`
	QueryID        string                   `json:"query_id,omitempty"`
	Answer         string                   `json:"answer,omitempty"`
	Error          string                   `json:"error,omitempty"`
	Message        string                   `json:"message,omitempty"`
	References     []models.AnswerReference `json:"references,omitempty"`
	Confidence     float64                  `json:"confidence,omitempty"`
	Escalated      bool                     `json:"escalated"`
	EscalationID   string                   `json:"escalation_id,omitempty"`
	NeedsClarify   bool                     `json:"needs_clarification,omitempty"`
	WordCount      int                      `json:"word_count,omitempty"`
	TokensUsed     int64                    `json:"tokens_used,omitempty"`
	ModelUsed      string                   `json:"model_used,omitempty"`
	ResponseTimeMs int64                    `json:"response_time_ms"`
}

// Ask runs the full pipeline for one question. Validation errors are
// returned to the caller; everything downstream resolves to a Response.
func (p *Pipeline) Ask(ctx context.Context, req AskRequest) (Response, error) {
	start := time.Now()
	defer p.metrics.ResponseDuration.Observe(time.Since(start).Seconds())

	q, err := p.processor.Process(ctx, req.LearnerID, req.CourseID, req.Question,
		llm.IntentContext{CourseTitle: req.CourseTitle})
	if err != nil {
		return Response{}, err
	}
	p.metrics.QuestionsTotal.WithLabelValues(string(q.Intent)).Inc()
	p.persistQuery(ctx, q)

	if q.Intent == models.IntentOutOfScope {
		return p.finishBlocked(ctx, q, start, "This question is outside the scope of your course.",
			models.ReasonBlocked, nil, nil)
	}

	progress, err := p.store.GetLearnerProgress(ctx, q.LearnerID, q.CourseID)
	if err != nil {
		p.logger.Printf("[PIPELINE] progress lookup failed for %s: %v", q.LearnerID, err)
	}

	concept := query.DetectConcept(q.ProcessedText)
	depth := query.ClassifyDepth(q.ProcessedText)

	var struggle query.StruggleResult
	if q.Intent.IsLabIntent() {
		struggle, err = p.processor.DetectStruggle(ctx, q.LearnerID, q.CourseID, q.ProcessedText)
		if err != nil {
			p.logger.Printf("[PIPELINE] struggle detection failed: %v", err)
		}
	}

	in, decision := p.retrieveAndGovern(ctx, q, progress, concept, depth, false)
	p.metrics.DecisionsTotal.WithLabelValues(string(decision.Action)).Inc()

	for attempt := 0; attempt < p.govCfg.MaxRetries; attempt++ {
		if decision.Action == governance.ActionAllow || !decision.Retryable {
			break
		}
		p.metrics.RetriesTotal.Inc()
		p.logger.Printf("[PIPELINE] retrying query %s with narrowed retrieval", q.ID)
		in, decision = p.retrieveAndGovern(ctx, q, progress, concept, depth, true)
		p.metrics.DecisionsTotal.WithLabelValues(string(decision.Action)).Inc()
	}

	switch decision.Action {
	case governance.ActionBlock:
		return p.finishBlocked(ctx, q, start,
			"I can't answer that from your course material. Your trainer has been notified.",
			models.ReasonBlocked, decision.ViolatedInvariants(), in.Selected)

	case governance.ActionClarify:
		p.updateStatus(ctx, q.ID, models.QueryStatusBlocked)
		return Response{
			Error:          "The course material covers this topic but doesn't spell out explicit steps. Could you say which part you're stuck on?",
			NeedsClarify:   true,
			ResponseTimeMs: time.Since(start).Milliseconds(),
		}, nil

	// Retries exhausted without a usable candidate set: a human takes over.
	case governance.ActionRetry, governance.ActionEscalate:
		reason := escalation.ClassifyReason(false, false, decision.ViolatedInvariants(),
			hasInvariant(decision, governance.InvariantReferenceIntegrity))
		return p.finishEscalated(ctx, q, start,
			"I'm not confident I can answer this well from the course material, so I've forwarded it to your trainer.",
			reason, decision.ViolatedInvariants(), in.Selected)
	}

	return p.generate(ctx, q, in, decision, struggle, start)
}

// retrieveAndGovern runs strategy selection, assembly and governance once.
// The narrowed pass restricts retrieval to the most precise strategies.
func (p *Pipeline) retrieveAndGovern(ctx context.Context, q models.Query, progress models.LearnerProgress,
	concept string, depth query.Depth, narrowed bool) (governance.Input, governance.Decision) {

	retrStart := time.Now()
	var groups [][]models.RankedChunk
	var strictMatches []models.RankedChunk
	exhaustive := false

	refs := q.References
	modifiers := query.DetectModifiers(q.ProcessedText)

	// Naming both a day and a lab triggers strict lab isolation whatever
	// the classified intent says.
	if refs.HasDayAndLab() {
		strict, err := p.engine.StrictLab(ctx, q.CourseID, refs)
		if err != nil {
			p.logger.Printf("[PIPELINE] strict lab retrieval failed: %v", err)
		}
		strictMatches = strict
		groups = append(groups, strict)
	}

	if q.Intent == models.IntentListRequest && refs.Chapter != nil {
		chunks, err := p.engine.ChapterExhaustive(ctx, q.CourseID, *refs.Chapter)
		if err != nil {
			p.logger.Printf("[PIPELINE] exhaustive retrieval failed: %v", err)
		}
		if len(chunks) > 0 {
			exhaustive = true
			groups = append(groups, chunks)
		}
	}

	if refs.HasSpecificReference() {
		exact, err := p.engine.ExactReference(ctx, q.CourseID, refs)
		if err != nil {
			p.logger.Printf("[PIPELINE] exact retrieval failed: %v", err)
		}
		groups = append(groups, exact)
	}

	if concept != "" {
		dedicated, err := p.engine.DedicatedTopic(ctx, q.CourseID, concept, modifiers)
		if err != nil {
			p.logger.Printf("[PIPELINE] dedicated retrieval failed: %v", err)
		}
		groups = append(groups, dedicated)
	}

	// The broad pass is skipped when narrowing: precise strategies only,
	// unless they produced nothing at all.
	total := 0
	for _, g := range groups {
		total += len(g)
	}
	if !narrowed || total == 0 {
		hybrid, err := p.engine.Hybrid(ctx, q.CourseID, q.ProcessedText)
		if err != nil {
			p.logger.Printf("[PIPELINE] hybrid retrieval failed: %v", err)
		}
		groups = append(groups, hybrid)
	}

	retrieved := retrieval.Merge(groups...)
	p.metrics.ObserveStage("retrieval", retrStart)

	asmStart := time.Now()
	selected := p.assembler.Assemble(retrieved, q.Intent, progress)
	p.metrics.ObserveStage("assembly", asmStart)

	in := governance.Input{
		CourseID:          q.CourseID,
		Question:          q.ProcessedText,
		Intent:            q.Intent,
		References:        refs,
		Retrieved:         retrieved,
		Selected:          selected,
		StrictLabMatches:  strictMatches,
		Depth:             depth,
		Concept:           concept,
		Modifiers:         modifiers,
		Maturity:          maturity.Classify(concept, retrieved),
		ExhaustiveChapter: exhaustive,
	}

	govStart := time.Now()
	decision := p.governor.Evaluate(in)
	p.metrics.ObserveStage("governance", govStart)
	return in, decision
}

// generate produces the answer after governance allowed it, then applies the
// post-generation confidence gate.
func (p *Pipeline) generate(ctx context.Context, q models.Query, in governance.Input,
	decision governance.Decision, struggle query.StruggleResult, start time.Time) (Response, error) {

	genStart := time.Now()
	gen, err := p.provider.GenerateAnswer(ctx, llm.GenerationRequest{
		Question:           q.ProcessedText,
		SystemPrompt:       p.buildSystemPrompt(q, decision),
		Chunks:             in.Selected,
		IsLabGuidance:      q.Intent.IsLabIntent(),
		LabStruggleContext: struggle.Context,
	})
	p.metrics.ObserveStage("generation", genStart)
	if err != nil {
		p.logger.Printf("[PIPELINE] generation failed for %s: %v", q.ID, err)
		return p.finishEscalated(ctx, q, start,
			"Something went wrong while preparing your answer, so your trainer has been asked to follow up.",
			models.ReasonBlocked, nil, in.Selected)
	}

	if problem := p.validateAnswer(q, in, gen); problem != "" {
		p.logger.Printf("[PIPELINE] answer validation failed for %s: %s", q.ID, problem)
		return p.finishEscalated(ctx, q, start,
			"I couldn't verify the answer against the course structure, so your trainer will take it from here.",
			models.ReasonReferenceValidation, decision.ViolatedInvariants(), in.Selected)
	}

	resp := Response{
		Success:        true,
		QueryID:        q.ID,
		Answer:         gen.Answer,
		References:     buildReferences(in.Selected),
		Confidence:     gen.Confidence,
		WordCount:      gen.WordCount,
		TokensUsed:     gen.TokensUsed,
		ModelUsed:      gen.ModelUsed,
		ResponseTimeMs: time.Since(start).Milliseconds(),
	}

	// Low self-reported confidence keeps the answer but loops in a human.
	if gen.Confidence < p.escCfg.ConfidenceThreshold {
		if e, err := p.escalate(ctx, q, models.ReasonLowConfidence, nil, in.Selected); err == nil {
			resp.Escalated = true
			resp.EscalationID = e.ID
			resp.Message = "I've shared this with your trainer as well, since I'm not fully confident in the answer."
		}
	}

	status := models.QueryStatusAnswered
	if resp.Escalated {
		status = models.QueryStatusEscalated
	}
	p.updateStatus(ctx, q.ID, status)
	p.persistResponse(ctx, q, resp, start)
	return resp, nil
}

func (p *Pipeline) buildSystemPrompt(q models.Query, decision governance.Decision) string {
	prompt := "You are a course tutor. Answer strictly from the provided course material. " +
		"Cite days and chapters when helpful. If the material does not fully answer the question, say so."
	if q.Intent.IsLabIntent() {
		prompt += " Guide the learner toward the solution with hints and the lab's own steps; do not hand over finished answers."
	}
	if decision.Anchoring.RequiresDisclaimer {
		prompt += " The course only touches this topic briefly; open the answer by saying the course introduces it but does not cover it in depth."
	}
	return prompt
}

// buildReferences maps the selected chunks to answer references, one per
// distinct day/chapter pair.
func buildReferences(chunks []models.RankedChunk) []models.AnswerReference {
	seen := make(map[string]bool)
	var out []models.AnswerReference
	for _, rc := range chunks {
		key := fmt.Sprintf("%d/%s/%s", rc.Day, rc.ChapterID, rc.LabID)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, models.AnswerReference{
			Day:          rc.Day,
			Chapter:      rc.ChapterID,
			ChapterTitle: rc.ChapterTitle,
			LabID:        rc.LabID,
		})
	}
	return out
}

// validateAnswer re-checks the generated answer against the question's
// structural contract after the fact: referenced material must actually be
// cited, and a list answer must enumerate enough items to be trusted as
// complete. Governance approved the context; this guards the output.
func (p *Pipeline) validateAnswer(q models.Query, in governance.Input, gen llm.Generation) string {
	if q.References.HasSpecificReference() {
		matched := false
		for _, rc := range in.Selected {
			if rc.MatchesReference(q.References) {
				matched = true
				break
			}
		}
		if !matched {
			return "no cited chunk covers the referenced day/chapter/lab"
		}
	}
	if q.Intent == models.IntentListRequest && !in.ExhaustiveChapter {
		if n := countListItems(gen.Answer); n < p.govCfg.ListRequestMinChunks {
			return fmt.Sprintf("list answer enumerates only %d items", n)
		}
	}
	return ""
}

// countListItems counts bullet or numbered lines in the answer.
func countListItems(answer string) int {
	n := 0
	for _, line := range strings.Split(answer, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "-") || strings.HasPrefix(line, "*") {
			n++
			continue
		}
		if len(line) > 1 && line[0] >= '0' && line[0] <= '9' && (line[1] == '.' || line[1] == ')') {
			n++
		}
	}
	return n
}

func hasInvariant(d governance.Decision, name string) bool {
	for _, v := range d.Violations {
		if v.Invariant == name {
			return true
		}
	}
	return false
}

func (p *Pipeline) finishBlocked(ctx context.Context, q models.Query, start time.Time,
	message string, reason models.EscalationReason, invariants []string, chunks []models.RankedChunk) (Response, error) {
	p.updateStatus(ctx, q.ID, models.QueryStatusBlocked)
	resp := Response{
		Error:          message,
		ResponseTimeMs: time.Since(start).Milliseconds(),
	}
	if e, err := p.escalate(ctx, q, reason, invariants, chunks); err == nil {
		resp.Escalated = true
		resp.EscalationID = e.ID
	}
	p.persistHistory(ctx, q, "", resp.Escalated)
	return resp, nil
}

func (p *Pipeline) finishEscalated(ctx context.Context, q models.Query, start time.Time,
	message string, reason models.EscalationReason, invariants []string, chunks []models.RankedChunk) (Response, error) {
	p.updateStatus(ctx, q.ID, models.QueryStatusEscalated)
	resp := Response{
		QueryID:        q.ID,
		Message:        message,
		ResponseTimeMs: time.Since(start).Milliseconds(),
	}
	if e, err := p.escalate(ctx, q, reason, invariants, chunks); err == nil {
		resp.Escalated = true
		resp.EscalationID = e.ID
	}
	p.persistHistory(ctx, q, "", resp.Escalated)
	return resp, nil
}

func (p *Pipeline) escalate(ctx context.Context, q models.Query, reason models.EscalationReason,
	invariants []string, chunks []models.RankedChunk) (models.Escalation, error) {
	queryID := q.ID
	e, err := p.escalations.Escalate(ctx, escalation.Request{
		QueryID:            &queryID,
		LearnerID:          q.LearnerID,
		CourseID:           q.CourseID,
		Question:           q.RawText,
		Reason:             reason,
		ViolatedInvariants: invariants,
		Chunks:             chunks,
	})
	if err != nil {
		if errors.Is(err, store.ErrNoTrainerAssigned) {
			p.logger.Printf("[PIPELINE] cannot escalate query %s: no trainer assigned", q.ID)
		} else {
			p.logger.Printf("[PIPELINE] escalation failed for query %s: %v", q.ID, err)
		}
		return models.Escalation{}, err
	}
	p.metrics.EscalationsTotal.WithLabelValues(string(reason)).Inc()
	return e, nil
}

// Best-effort persistence helpers. Failures are logged and swallowed; the
// learner still gets their response.

func (p *Pipeline) persistQuery(ctx context.Context, q models.Query) {
	if err := p.store.InsertQuery(ctx, q); err != nil {
		p.logger.Printf("[PIPELINE] persist query %s: %v", q.ID, err)
	}
}

func (p *Pipeline) updateStatus(ctx context.Context, queryID string, status models.QueryStatus) {
	if err := p.store.UpdateQueryStatus(ctx, queryID, status); err != nil {
		p.logger.Printf("[PIPELINE] update status %s: %v", queryID, err)
	}
}

func (p *Pipeline) persistResponse(ctx context.Context, q models.Query, resp Response, start time.Time) {
	if err := p.store.InsertResponse(ctx, store.ResponseRecord{
		QueryID:        q.ID,
		Answer:         resp.Answer,
		Confidence:     resp.Confidence,
		References:     resp.References,
		TokensUsed:     resp.TokensUsed,
		ModelUsed:      resp.ModelUsed,
		WordCount:      resp.WordCount,
		ResponseTimeMs: time.Since(start).Milliseconds(),
	}); err != nil {
		p.logger.Printf("[PIPELINE] persist response %s: %v", q.ID, err)
	}
	p.persistHistory(ctx, q, resp.Answer, resp.Escalated)
}

func (p *Pipeline) persistHistory(ctx context.Context, q models.Query, answer string, escalated bool) {
	if err := p.store.InsertConversationEntry(ctx, store.ConversationEntry{
		LearnerID: q.LearnerID,
		CourseID:  q.CourseID,
		QueryID:   q.ID,
		Question:  q.RawText,
		Answer:    answer,
		Escalated: escalated,
	}); err != nil {
		p.logger.Printf("[PIPELINE] persist history %s: %v", q.ID, err)
	}
}
