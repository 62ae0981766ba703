package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/hexleaf/wechat-ai-platform/internal/queue"
	"github.com/hexleaf/wechat-ai-platform/internal/store"
	"github.com/hexleaf/wechat-ai-platform/internal/wechat"
)

// DraftSource resolves the drafts the worker publishes.
type DraftSource interface {
	Get(ctx context.Context, id uuid.UUID) (*store.DraftRecord, error)
	SetPlatformMediaID(ctx context.Context, id uuid.UUID, mediaID string) error
}

// PublishGateway is the platform surface the worker needs.
type PublishGateway interface {
	AddDraft(ctx context.Context, articles []wechat.DraftArticle) (string, error)
	PublishDraft(ctx context.Context, mediaID string) (string, error)
}

// Notifier reports publish outcomes to the operator.
type Notifier interface {
	PublishSucceeded(ctx context.Context, title, publishID string)
	PublishFailed(ctx context.Context, title, errMsg string)
}

// Worker consumes publish jobs from the queue and executes them
// against the platform.
type Worker struct {
	queue    queue.Client
	jobs     *JobStore
	drafts   DraftSource
	gateway  PublishGateway
	notifier Notifier
	logger   *slog.Logger
}

func NewWorker(q queue.Client, jobs *JobStore, drafts DraftSource, gateway PublishGateway, notifier Notifier, logger *slog.Logger) *Worker {
	if q == nil {
		panic("tasks: queue cannot be nil")
	}
	if jobs == nil {
		panic("tasks: job store cannot be nil")
	}
	if drafts == nil {
		panic("tasks: draft source cannot be nil")
	}
	if gateway == nil {
		panic("tasks: publish gateway cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:    q,
		jobs:     jobs,
		drafts:   drafts,
		gateway:  gateway,
		notifier: notifier,
		logger:   logger,
	}
}

// Run consumes until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("publish worker started")
	for {
		if ctx.Err() != nil {
			w.logger.Info("publish worker stopped")
			return
		}
		messages, err := w.queue.Receive(ctx, 5, 10)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("publish worker stopped")
				return
			}
			w.logger.Error("queue receive failed", "error", err)
			continue
		}
		for _, msg := range messages {
			w.handleMessage(ctx, msg)
		}
	}
}

// handleMessage runs one job to a terminal status. The message is
// always deleted; a failed job is recorded in the store, not requeued.
func (w *Worker) handleMessage(ctx context.Context, msg queue.Message) {
	defer func() {
		if err := w.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
			w.logger.Warn("failed to delete queue message", "message_id", msg.ID, "error", err)
		}
	}()

	var payload publishPayload
	if err := json.Unmarshal([]byte(msg.Body), &payload); err != nil {
		w.logger.Error("dropping malformed queue message", "message_id", msg.ID, "error", err)
		return
	}

	publishID, err := w.publish(ctx, payload)
	if err != nil {
		w.logger.Error("publish job failed", "job_id", payload.JobID, "title", payload.Title, "error", err)
		if markErr := w.jobs.MarkFailed(ctx, payload.JobID, err.Error()); markErr != nil {
			w.logger.Error("failed to mark job failed", "job_id", payload.JobID, "error", markErr)
		}
		if w.notifier != nil {
			w.notifier.PublishFailed(ctx, payload.Title, err.Error())
		}
		return
	}

	if err := w.jobs.MarkPublished(ctx, payload.JobID, publishID); err != nil {
		w.logger.Error("failed to mark job published", "job_id", payload.JobID, "error", err)
	}
	if w.notifier != nil {
		w.notifier.PublishSucceeded(ctx, payload.Title, publishID)
	}
	w.logger.Info("publish job completed", "job_id", payload.JobID, "publish_id", publishID)
}

func (w *Worker) publish(ctx context.Context, payload publishPayload) (string, error) {
	draftID, err := uuid.Parse(payload.DraftID)
	if err != nil {
		return "", fmt.Errorf("tasks: bad draft id %q: %w", payload.DraftID, err)
	}
	draft, err := w.drafts.Get(ctx, draftID)
	if err != nil {
		return "", fmt.Errorf("tasks: load draft: %w", err)
	}

	mediaID := draft.PlatformMediaID
	if mediaID == "" {
		mediaID, err = w.gateway.AddDraft(ctx, []wechat.DraftArticle{{
			Title:   draft.Title,
			Content: draft.Body,
		}})
		if err != nil {
			return "", fmt.Errorf("tasks: push draft box: %w", err)
		}
		if err := w.drafts.SetPlatformMediaID(ctx, draftID, mediaID); err != nil {
			w.logger.Warn("failed to record media id", "draft_id", draftID, "error", err)
		}
	}

	publishID, err := w.gateway.PublishDraft(ctx, mediaID)
	if err != nil {
		return "", fmt.Errorf("tasks: submit publication: %w", err)
	}
	return publishID, nil
}
