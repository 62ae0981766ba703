package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// FAQEntry is a curated question with keywords that trigger it.
type FAQEntry struct {
	ID       uuid.UUID
	Question string
	Answer   string
	Keywords []string
	Enabled  bool
}

// FAQRepo persists curated answers served before the LLM is consulted.
type FAQRepo struct {
	pool PgxPool
}

func NewFAQRepo(pool PgxPool) *FAQRepo {
	if pool == nil {
		panic("store: pool cannot be nil")
	}
	return &FAQRepo{pool: pool}
}

func (r *FAQRepo) Insert(ctx context.Context, entry FAQEntry) (uuid.UUID, error) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	query := `
		INSERT INTO faq_entries (id, question, answer, keywords, enabled)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := r.pool.Exec(ctx, query, entry.ID, entry.Question, entry.Answer, entry.Keywords, entry.Enabled); err != nil {
		return uuid.Nil, fmt.Errorf("store: insert faq entry: %w", err)
	}
	return entry.ID, nil
}

// RecordHit bumps the serve counter for a matched entry.
func (r *FAQRepo) RecordHit(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE faq_entries
		SET hit_count = hit_count + 1
		WHERE id = $1
	`
	if _, err := r.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("store: record faq hit: %w", err)
	}
	return nil
}

// ListEnabled returns the active FAQ entries for keyword matching.
func (r *FAQRepo) ListEnabled(ctx context.Context) ([]FAQEntry, error) {
	query := `
		SELECT id, question, answer, keywords, enabled
		FROM faq_entries
		WHERE enabled
		ORDER BY created_at
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list faq entries: %w", err)
	}
	defer rows.Close()

	var entries []FAQEntry
	for rows.Next() {
		var entry FAQEntry
		if err := rows.Scan(&entry.ID, &entry.Question, &entry.Answer, &entry.Keywords, &entry.Enabled); err != nil {
			return nil, fmt.Errorf("store: scan faq entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate faq entries: %w", err)
	}
	return entries, nil
}
