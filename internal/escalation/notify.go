package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/pathlight-learning/pathlight/internal/models"
)

// LogNotifier writes escalation events to the process log. It is the
// default when no transport is configured.
type LogNotifier struct {
	Logger *log.Logger
}

func (n *LogNotifier) NotifyTrainer(_ context.Context, e models.Escalation) error {
	n.Logger.Printf("[ESCALATION] ticket %s -> trainer %s (reason=%s course=%s)", e.ID, e.TrainerID, e.Reason, e.CourseID)
	return nil
}

func (n *LogNotifier) NotifyLearner(_ context.Context, e models.Escalation) error {
	n.Logger.Printf("[ESCALATION] ticket %s responded, learner %s notified", e.ID, e.LearnerID)
	return nil
}

// RedisNotifier publishes escalation events on redis channels so interested
// frontends can push them to users.
type RedisNotifier struct {
	Client *redis.Client
}

type event struct {
	EscalationID string                  `json:"escalation_id"`
	Status       models.EscalationStatus `json:"status"`
	Reason       models.EscalationReason `json:"reason"`
	CourseID     string                  `json:"course_id"`
	Question     string                  `json:"question"`
}

func (n *RedisNotifier) publish(ctx context.Context, channel string, e models.Escalation) error {
	payload, err := json.Marshal(event{
		EscalationID: e.ID,
		Status:       e.Status,
		Reason:       e.Reason,
		CourseID:     e.CourseID,
		Question:     e.Question,
	})
	if err != nil {
		return fmt.Errorf("marshal escalation event: %w", err)
	}
	return n.Client.Publish(ctx, channel, payload).Err()
}

func (n *RedisNotifier) NotifyTrainer(ctx context.Context, e models.Escalation) error {
	return n.publish(ctx, "escalations:trainer:"+e.TrainerID, e)
}

func (n *RedisNotifier) NotifyLearner(ctx context.Context, e models.Escalation) error {
	return n.publish(ctx, "escalations:learner:"+e.LearnerID, e)
}
