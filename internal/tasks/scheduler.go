package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hexleaf/wechat-ai-platform/internal/queue"
)

// publishPayload is the queue message moving a job to the worker.
type publishPayload struct {
	JobID   string `json:"job_id"`
	DraftID string `json:"draft_id"`
	Title   string `json:"title"`
}

// Scheduler periodically moves due jobs from the store onto the queue.
type Scheduler struct {
	jobs       *JobStore
	queue      queue.Client
	pollPeriod time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

func NewScheduler(jobs *JobStore, q queue.Client, pollPeriod time.Duration, logger *slog.Logger) *Scheduler {
	if jobs == nil {
		panic("tasks: job store cannot be nil")
	}
	if q == nil {
		panic("tasks: queue cannot be nil")
	}
	if pollPeriod <= 0 {
		pollPeriod = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		jobs:       jobs,
		queue:      q,
		pollPeriod: pollPeriod,
		logger:     logger,
		now:        time.Now,
	}
}

// Run polls until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.pollPeriod)
	defer ticker.Stop()

	s.logger.Info("publish scheduler started", "poll_period", s.pollPeriod.String())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("publish scheduler stopped")
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("publish scheduler tick failed", "error", err)
			}
		}
	}
}

// Tick enqueues every due job exactly once.
func (s *Scheduler) Tick(ctx context.Context) error {
	due, err := s.jobs.Due(ctx, s.now())
	if err != nil {
		return err
	}
	for _, record := range due {
		body, err := json.Marshal(publishPayload{
			JobID:   record.JobID,
			DraftID: record.DraftID,
			Title:   record.Title,
		})
		if err != nil {
			return fmt.Errorf("tasks: marshal payload: %w", err)
		}
		if err := s.queue.Send(ctx, string(body)); err != nil {
			s.logger.Error("failed to enqueue publish job", "job_id", record.JobID, "error", err)
			continue
		}
		// Mark after the send so a crash re-enqueues rather than drops.
		if err := s.jobs.MarkEnqueued(ctx, record.JobID); err != nil {
			s.logger.Error("failed to mark job enqueued", "job_id", record.JobID, "error", err)
			continue
		}
		s.logger.Info("publish job enqueued", "job_id", record.JobID, "title", record.Title)
	}
	return nil
}
