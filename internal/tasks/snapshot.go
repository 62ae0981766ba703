package tasks

import (
	"context"
	"log/slog"
	"time"
)

// SnapshotFunc produces and stores one analytics snapshot.
type SnapshotFunc func(ctx context.Context) error

// SnapshotJob refreshes the analytics snapshot once a day so reports
// exist even when nobody asks for them.
type SnapshotJob struct {
	builder SnapshotFunc
	hour    int
	logger  *slog.Logger
	now     func() time.Time
}

func NewSnapshotJob(builder SnapshotFunc, hour int, logger *slog.Logger) *SnapshotJob {
	if builder == nil {
		panic("tasks: snapshot builder cannot be nil")
	}
	if hour < 0 || hour > 23 {
		hour = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotJob{
		builder: builder,
		hour:    hour,
		logger:  logger,
		now:     time.Now,
	}
}

// Run fires once per day at the configured hour until ctx is
// cancelled.
func (j *SnapshotJob) Run(ctx context.Context) {
	j.logger.Info("snapshot job started", "hour", j.hour)
	for {
		wait := j.untilNextRun()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			j.logger.Info("snapshot job stopped")
			return
		case <-timer.C:
		}

		if err := j.builder(ctx); err != nil {
			j.logger.Error("daily snapshot failed", "error", err)
			continue
		}
		j.logger.Info("daily snapshot stored")
	}
}

func (j *SnapshotJob) untilNextRun() time.Duration {
	now := j.now()
	next := time.Date(now.Year(), now.Month(), now.Day(), j.hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}
