package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/pathlight-learning/pathlight/config"
	"github.com/pathlight-learning/pathlight/internal/escalation"
)

// Scheduler periodically reminds trainers about stale pending escalations.
type Scheduler struct {
	Escalations *escalation.Manager
	Rdb         *redis.Client
	Cfg         config.EscalationConfig
	Logger      *log.Logger
	Stop        chan struct{}
}

func (s *Scheduler) Start() {
	ticker := time.NewTicker(time.Minute)
	last := time.Now()
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				if !isDue(s.Cfg.ReminderCron, last) {
					continue
				}
				last = time.Now()
				s.tick()
			}
		}
	}()
}

func (s *Scheduler) tick() {
	ctx := context.Background()
	// distributed lock to avoid duplicate reminders across replicas
	if s.Rdb != nil {
		ok, _ := s.Rdb.SetNX(ctx, "sched:lock:reminders", "1", 2*time.Minute).Result()
		if !ok {
			return
		}
		defer s.Rdb.Del(ctx, "sched:lock:reminders")
	}
	sent, err := s.Escalations.Remind(ctx, s.Cfg.ReminderAge)
	if err != nil {
		s.Logger.Printf("reminder sweep failed: %v", err)
		return
	}
	if sent > 0 {
		s.Logger.Printf("sent %d escalation reminders", sent)
	}
}

func isDue(cron string, last time.Time) bool {
	expr, err := cronexpr.Parse(cron)
	if err != nil {
		return false
	}
	next := expr.Next(last)
	return !next.IsZero() && !next.After(time.Now())
}
