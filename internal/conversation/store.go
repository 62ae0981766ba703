package conversation

import (
	"context"
	"database/sql"
	"fmt"
)

// MessageStore is the durable Postgres record of every turn. It keeps
// full history even after the Redis window rolls off.
type MessageStore struct {
	db *sql.DB
}

func NewMessageStore(db *sql.DB) *MessageStore {
	if db == nil {
		panic("conversation: db cannot be nil")
	}
	return &MessageStore{db: db}
}

func (s *MessageStore) SaveTurn(ctx context.Context, openID string, turn Turn) error {
	query := `
		INSERT INTO conversation_messages (open_id, role, content, created_at)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := s.db.ExecContext(ctx, query, openID, turn.Role, turn.Content, turn.CreatedAt); err != nil {
		return fmt.Errorf("conversation: save turn: %w", err)
	}
	return nil
}

// RecentTurns returns up to limit turns in chronological order.
func (s *MessageStore) RecentTurns(ctx context.Context, openID string, limit int) ([]Turn, error) {
	query := `
		SELECT role, content, created_at
		FROM conversation_messages
		WHERE open_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, openID, limit)
	if err != nil {
		return nil, fmt.Errorf("conversation: load turns: %w", err)
	}
	defer rows.Close()

	var newestFirst []Turn
	for rows.Next() {
		var turn Turn
		if err := rows.Scan(&turn.Role, &turn.Content, &turn.CreatedAt); err != nil {
			return nil, fmt.Errorf("conversation: scan turn: %w", err)
		}
		newestFirst = append(newestFirst, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation: iterate turns: %w", err)
	}

	turns := make([]Turn, len(newestFirst))
	for i, turn := range newestFirst {
		turns[len(turns)-1-i] = turn
	}
	return turns, nil
}

// CountByOpenID reports how many turns a follower has accumulated.
func (s *MessageStore) CountByOpenID(ctx context.Context, openID string) (int64, error) {
	var count int64
	query := `SELECT COUNT(*) FROM conversation_messages WHERE open_id = $1`
	if err := s.db.QueryRowContext(ctx, query, openID).Scan(&count); err != nil {
		return 0, fmt.Errorf("conversation: count turns: %w", err)
	}
	return count, nil
}
