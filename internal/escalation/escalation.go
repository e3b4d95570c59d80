// Package escalation routes questions the pipeline cannot answer safely to
// the learner's assigned trainer and tracks the ticket lifecycle.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/pathlight-learning/pathlight/internal/models"
	"github.com/pathlight-learning/pathlight/internal/store"
)

var (
	// ErrNotFound reports a ticket ID that does not exist.
	ErrNotFound = errors.New("escalation not found")
	// ErrBadTransition reports a lifecycle transition from the wrong status.
	ErrBadTransition = errors.New("invalid escalation transition")
)

// Store is the subset of the content store the manager needs.
type Store interface {
	GetAssignedTrainer(ctx context.Context, learnerID, courseID string) (string, error)
	InsertEscalation(ctx context.Context, e models.Escalation) (models.Escalation, error)
	GetEscalation(ctx context.Context, id string) (models.Escalation, bool, error)
	UpdateEscalationStatus(ctx context.Context, id string, status models.EscalationStatus) (models.Escalation, error)
	ListPendingEscalations(ctx context.Context, trainerID string, before time.Time) ([]models.Escalation, error)
}

// Notifier delivers escalation events. Notification is best effort: a
// delivery failure never fails the escalation itself.
type Notifier interface {
	NotifyTrainer(ctx context.Context, e models.Escalation) error
	NotifyLearner(ctx context.Context, e models.Escalation) error
}

// Manager creates and transitions escalation tickets.
type Manager struct {
	store    Store
	notifier Notifier
	logger   *log.Logger
}

// New creates an escalation manager. A nil notifier falls back to logging.
func New(st Store, notifier Notifier, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	if notifier == nil {
		notifier = &LogNotifier{Logger: logger}
	}
	return &Manager{store: st, notifier: notifier, logger: logger}
}

// Request describes an escalation to create.
type Request struct {
	QueryID            *string
	LearnerID          string
	CourseID           string
	Question           string
	Reason             models.EscalationReason
	ViolatedInvariants []string
	Chunks             []models.RankedChunk
}

// Escalate resolves the trainer, snapshots the context and persists the
// ticket. It fails with store.ErrNoTrainerAssigned when no trainer exists;
// escalations must never be silently dropped.
func (m *Manager) Escalate(ctx context.Context, req Request) (models.Escalation, error) {
	trainerID, err := m.store.GetAssignedTrainer(ctx, req.LearnerID, req.CourseID)
	if err != nil {
		if errors.Is(err, store.ErrNoTrainerAssigned) {
			return models.Escalation{}, err
		}
		return models.Escalation{}, fmt.Errorf("resolve trainer: %w", err)
	}

	e := models.Escalation{
		QueryID:            req.QueryID,
		LearnerID:          req.LearnerID,
		TrainerID:          trainerID,
		CourseID:           req.CourseID,
		Question:           req.Question,
		Reason:             req.Reason,
		ViolatedInvariants: req.ViolatedInvariants,
		Chunks:             Snapshot(req.Chunks),
		Status:             models.EscalationPending,
	}
	e, err = m.store.InsertEscalation(ctx, e)
	if err != nil {
		return models.Escalation{}, fmt.Errorf("persist escalation: %w", err)
	}

	if err := m.notifier.NotifyTrainer(ctx, e); err != nil {
		m.logger.Printf("[ESCALATION] trainer notification failed for %s: %v", e.ID, err)
	}
	return e, nil
}

// Respond marks a pending ticket as responded and re-notifies the learner.
func (m *Manager) Respond(ctx context.Context, id string) (models.Escalation, error) {
	e, err := m.transition(ctx, id, models.EscalationPending, models.EscalationResponded)
	if err != nil {
		return e, err
	}
	if err := m.notifier.NotifyLearner(ctx, e); err != nil {
		m.logger.Printf("[ESCALATION] learner notification failed for %s: %v", e.ID, err)
	}
	return e, nil
}

// Resolve closes a responded ticket.
func (m *Manager) Resolve(ctx context.Context, id string) (models.Escalation, error) {
	return m.transition(ctx, id, models.EscalationResponded, models.EscalationResolved)
}

func (m *Manager) transition(ctx context.Context, id string, from, to models.EscalationStatus) (models.Escalation, error) {
	current, ok, err := m.store.GetEscalation(ctx, id)
	if err != nil {
		return models.Escalation{}, err
	}
	if !ok {
		return models.Escalation{}, fmt.Errorf("escalation %s: %w", id, ErrNotFound)
	}
	if current.Status != from {
		return models.Escalation{}, fmt.Errorf("escalation %s is %s, expected %s: %w", id, current.Status, from, ErrBadTransition)
	}
	return m.store.UpdateEscalationStatus(ctx, id, to)
}

// Pending lists a trainer's open tickets older than the given age.
func (m *Manager) Pending(ctx context.Context, trainerID string, olderThan time.Duration) ([]models.Escalation, error) {
	return m.store.ListPendingEscalations(ctx, trainerID, time.Now().Add(-olderThan))
}

// Remind re-notifies trainers about tickets that have sat pending longer
// than the given age. It returns the number of reminders delivered.
func (m *Manager) Remind(ctx context.Context, olderThan time.Duration) (int, error) {
	pending, err := m.store.ListPendingEscalations(ctx, "", time.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, e := range pending {
		if err := m.notifier.NotifyTrainer(ctx, e); err != nil {
			m.logger.Printf("[ESCALATION] reminder for ticket %s failed: %v", e.ID, err)
			continue
		}
		sent++
	}
	return sent, nil
}

const previewLen = 200

// Snapshot reduces ranked chunks to trainer-facing previews. Embeddings and
// full text never leave the pipeline.
func Snapshot(chunks []models.RankedChunk) []models.ChunkSnapshot {
	out := make([]models.ChunkSnapshot, 0, len(chunks))
	for _, rc := range chunks {
		preview := rc.Text
		if len(preview) > previewLen {
			preview = preview[:previewLen] + "…"
		}
		out = append(out, models.ChunkSnapshot{
			ChunkID:      rc.ID,
			Day:          rc.Day,
			ChapterID:    rc.ChapterID,
			ChapterTitle: rc.ChapterTitle,
			LabID:        rc.LabID,
			Preview:      preview,
			Similarity:   rc.Similarity,
		})
	}
	return out
}

// ClassifyReason maps a pipeline outcome to an escalation reason.
func ClassifyReason(blocked bool, lowConfidence bool, invariants []string, referenceFailed bool) models.EscalationReason {
	switch {
	case blocked:
		return models.ReasonBlocked
	case referenceFailed:
		return models.ReasonReferenceValidation
	case len(invariants) > 0:
		return models.ReasonInvariantViolation
	case lowConfidence:
		return models.ReasonLowConfidence
	default:
		return models.ReasonInvariantViolation
	}
}
