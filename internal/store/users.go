package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// UserRecord is a follower profile keyed by the platform open id.
type UserRecord struct {
	OpenID         string
	Nickname       string
	Subscribed     bool
	SubscribeScene string
	SubscribedAt   time.Time
	UnsubscribedAt *time.Time
	Tags           []string
}

// UserRepo persists follower profiles.
type UserRepo struct {
	pool PgxPool
}

func NewUserRepo(pool PgxPool) *UserRepo {
	if pool == nil {
		panic("store: pool cannot be nil")
	}
	return &UserRepo{pool: pool}
}

// RecordInteraction bumps the message counter for a follower. Unknown
// open ids are a no-op; simulator sessions never hit this table.
func (r *UserRepo) RecordInteraction(ctx context.Context, openID string) error {
	query := `
		UPDATE users
		SET interactions = interactions + 1, updated_at = now()
		WHERE open_id = $1
	`
	if _, err := r.pool.Exec(ctx, query, openID); err != nil {
		return fmt.Errorf("store: record interaction: %w", err)
	}
	return nil
}

// UpsertSubscriber records a follow event. Re-following clears any
// earlier unsubscribe mark.
func (r *UserRepo) UpsertSubscriber(ctx context.Context, rec UserRecord) error {
	if rec.SubscribedAt.IsZero() {
		rec.SubscribedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO users (open_id, nickname, subscribed, subscribe_scene, subscribed_at, tags)
		VALUES ($1, $2, TRUE, $3, $4, $5)
		ON CONFLICT (open_id)
		DO UPDATE SET subscribed = TRUE,
			nickname = COALESCE(NULLIF(EXCLUDED.nickname, ''), users.nickname),
			subscribe_scene = EXCLUDED.subscribe_scene,
			subscribed_at = EXCLUDED.subscribed_at,
			unsubscribed_at = NULL,
			updated_at = now()
	`
	_, err := r.pool.Exec(ctx, query, rec.OpenID, rec.Nickname, rec.SubscribeScene, rec.SubscribedAt, rec.Tags)
	if err != nil {
		return fmt.Errorf("store: upsert subscriber: %w", err)
	}
	return nil
}

// MarkUnsubscribed records an unfollow event without deleting the
// profile or its history.
func (r *UserRepo) MarkUnsubscribed(ctx context.Context, openID string, at time.Time) error {
	query := `
		UPDATE users
		SET subscribed = FALSE, unsubscribed_at = $2, updated_at = now()
		WHERE open_id = $1
	`
	tag, err := r.pool.Exec(ctx, query, openID, at)
	if err != nil {
		return fmt.Errorf("store: mark unsubscribed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: unknown user %s", openID)
	}
	return nil
}

// Get returns the profile for an open id, or pgx.ErrNoRows.
func (r *UserRepo) Get(ctx context.Context, openID string) (*UserRecord, error) {
	query := `
		SELECT open_id, nickname, subscribed, subscribe_scene, subscribed_at, unsubscribed_at, tags
		FROM users
		WHERE open_id = $1
	`
	var rec UserRecord
	err := r.pool.QueryRow(ctx, query, openID).Scan(
		&rec.OpenID,
		&rec.Nickname,
		&rec.Subscribed,
		&rec.SubscribeScene,
		&rec.SubscribedAt,
		&rec.UnsubscribedAt,
		&rec.Tags,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("store: get user: %w", err)
	}
	return &rec, nil
}

// AddTags merges interest tags into the profile, deduplicated in SQL.
func (r *UserRepo) AddTags(ctx context.Context, openID string, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	query := `
		UPDATE users
		SET tags = (
			SELECT ARRAY(SELECT DISTINCT t FROM unnest(users.tags || $2::text[]) AS t)
		), updated_at = now()
		WHERE open_id = $1
	`
	if _, err := r.pool.Exec(ctx, query, openID, tags); err != nil {
		return fmt.Errorf("store: add tags: %w", err)
	}
	return nil
}

// CountSubscribed returns the current follower count.
func (r *UserRepo) CountSubscribed(ctx context.Context) (int64, error) {
	var count int64
	query := `SELECT COUNT(*) FROM users WHERE subscribed`
	if err := r.pool.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("store: count subscribed: %w", err)
	}
	return count, nil
}
