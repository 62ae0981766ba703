package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// DraftRecord is a generated piece of content. PlatformMediaID is set
// once the draft has been pushed to the platform draft box; ArchiveKey
// once a copy has landed in object storage.
type DraftRecord struct {
	ID              uuid.UUID
	OpenID          string
	Topic           string
	Title           string
	Outline         []string
	Body            string
	AltTitles       []string
	PlatformMediaID string
	ArchiveKey      string
	CreatedAt       time.Time
}

// DraftRepo persists generated content drafts.
type DraftRepo struct {
	pool PgxPool
}

func NewDraftRepo(pool PgxPool) *DraftRepo {
	if pool == nil {
		panic("store: pool cannot be nil")
	}
	return &DraftRepo{pool: pool}
}

func (r *DraftRepo) Insert(ctx context.Context, rec DraftRecord) (uuid.UUID, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO content_drafts (id, open_id, topic, title, outline, body, alt_titles, platform_media_id, archive_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), $10)
	`
	_, err := r.pool.Exec(ctx, query,
		rec.ID, rec.OpenID, rec.Topic, rec.Title, rec.Outline, rec.Body,
		rec.AltTitles, rec.PlatformMediaID, rec.ArchiveKey, rec.CreatedAt,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("store: insert draft: %w", err)
	}
	return rec.ID, nil
}

func (r *DraftRepo) Get(ctx context.Context, id uuid.UUID) (*DraftRecord, error) {
	query := `
		SELECT id, open_id, topic, title, outline, body, alt_titles,
			COALESCE(platform_media_id, ''), COALESCE(archive_key, ''), created_at
		FROM content_drafts
		WHERE id = $1
	`
	var rec DraftRecord
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&rec.ID, &rec.OpenID, &rec.Topic, &rec.Title, &rec.Outline, &rec.Body,
		&rec.AltTitles, &rec.PlatformMediaID, &rec.ArchiveKey, &rec.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("store: get draft: %w", err)
	}
	return &rec, nil
}

func (r *DraftRepo) ListRecent(ctx context.Context, limit int) ([]DraftRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, open_id, topic, title, outline, body, alt_titles,
			COALESCE(platform_media_id, ''), COALESCE(archive_key, ''), created_at
		FROM content_drafts
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list drafts: %w", err)
	}
	defer rows.Close()

	var drafts []DraftRecord
	for rows.Next() {
		var rec DraftRecord
		if err := rows.Scan(
			&rec.ID, &rec.OpenID, &rec.Topic, &rec.Title, &rec.Outline, &rec.Body,
			&rec.AltTitles, &rec.PlatformMediaID, &rec.ArchiveKey, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan draft: %w", err)
		}
		drafts = append(drafts, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate drafts: %w", err)
	}
	return drafts, nil
}

// SetPlatformMediaID records the draft box handle after a successful
// push to the platform.
func (r *DraftRepo) SetPlatformMediaID(ctx context.Context, id uuid.UUID, mediaID string) error {
	query := `UPDATE content_drafts SET platform_media_id = $2 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, mediaID)
	if err != nil {
		return fmt.Errorf("store: set platform media id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: unknown draft %s", id)
	}
	return nil
}

// SetArchiveKey records where the draft body was archived.
func (r *DraftRepo) SetArchiveKey(ctx context.Context, id uuid.UUID, key string) error {
	query := `UPDATE content_drafts SET archive_key = $2 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, key)
	if err != nil {
		return fmt.Errorf("store: set archive key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: unknown draft %s", id)
	}
	return nil
}
