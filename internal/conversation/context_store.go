package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// TurnArchive is the durable backend behind the Redis window.
type TurnArchive interface {
	SaveTurn(ctx context.Context, openID string, turn Turn) error
	RecentTurns(ctx context.Context, openID string, limit int) ([]Turn, error)
}

// ContextStore serves the recent dialogue window for prompt building.
// Writes land in the durable archive first, then in Redis; a write that
// reached Postgres but missed Redis is only a cache miss, never data
// loss.
type ContextStore struct {
	redis    *redis.Client
	archive  TurnArchive
	maxTurns int
	ttl      time.Duration
	tracer   trace.Tracer
	logger   *slog.Logger
}

func NewContextStore(rdb *redis.Client, archive TurnArchive, maxTurns int, ttl time.Duration, logger *slog.Logger) *ContextStore {
	if rdb == nil {
		panic("conversation: redis client cannot be nil")
	}
	if maxTurns <= 0 {
		maxTurns = 20
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextStore{
		redis:    rdb,
		archive:  archive,
		maxTurns: maxTurns,
		ttl:      ttl,
		tracer:   otel.Tracer("wechat.internal.conversation.context"),
		logger:   logger,
	}
}

// Append records one turn. The Redis list keeps newest first so the
// trim drops the oldest entries.
func (s *ContextStore) Append(ctx context.Context, openID string, turn Turn) error {
	ctx, span := s.tracer.Start(ctx, "conversation.append_turn")
	defer span.End()

	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	if s.archive != nil {
		if err := s.archive.SaveTurn(ctx, openID, turn); err != nil {
			span.RecordError(err)
			return err
		}
	}

	data, err := json.Marshal(turn)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("conversation: marshal turn: %w", err)
	}

	key := contextKey(openID)
	pipe := s.redis.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, int64(s.maxTurns-1))
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		s.logger.Warn("context cache write failed", "open_id", openID, "error", err)
	}
	return nil
}

// Recent returns the latest window in chronological order. A cold cache
// falls back to the archive and refills Redis.
func (s *ContextStore) Recent(ctx context.Context, openID string) ([]Turn, error) {
	ctx, span := s.tracer.Start(ctx, "conversation.recent_turns")
	defer span.End()

	entries, err := s.redis.LRange(ctx, contextKey(openID), 0, int64(s.maxTurns-1)).Result()
	if err != nil && err != redis.Nil {
		span.RecordError(err)
		s.logger.Warn("context cache read failed", "open_id", openID, "error", err)
	}
	if len(entries) > 0 {
		turns := make([]Turn, 0, len(entries))
		// LRange returns newest first.
		for i := len(entries) - 1; i >= 0; i-- {
			var turn Turn
			if err := json.Unmarshal([]byte(entries[i]), &turn); err != nil {
				span.RecordError(err)
				return nil, fmt.Errorf("conversation: decode cached turn: %w", err)
			}
			turns = append(turns, turn)
		}
		return turns, nil
	}

	if s.archive == nil {
		return nil, nil
	}
	turns, err := s.archive.RecentTurns(ctx, openID, s.maxTurns)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if len(turns) > 0 {
		s.refill(ctx, openID, turns)
	}
	return turns, nil
}

// Clear drops the cached window. The archive is untouched.
func (s *ContextStore) Clear(ctx context.Context, openID string) error {
	ctx, span := s.tracer.Start(ctx, "conversation.clear_context")
	defer span.End()

	if err := s.redis.Del(ctx, contextKey(openID)).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("conversation: clear context: %w", err)
	}
	return nil
}

func (s *ContextStore) refill(ctx context.Context, openID string, turns []Turn) {
	key := contextKey(openID)
	pipe := s.redis.TxPipeline()
	// Push oldest first so the list ends up newest first.
	for _, turn := range turns {
		data, err := json.Marshal(turn)
		if err != nil {
			return
		}
		pipe.LPush(ctx, key, data)
	}
	pipe.LTrim(ctx, key, 0, int64(s.maxTurns-1))
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("context cache refill failed", "open_id", openID, "error", err)
	}
}

func contextKey(openID string) string {
	return fmt.Sprintf("conversation:context:%s", openID)
}
