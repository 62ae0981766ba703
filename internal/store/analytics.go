package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotRecord is one computed analytics report over a date range.
type SnapshotRecord struct {
	ID               uuid.UUID
	PeriodStart      time.Time
	PeriodEnd        time.Time
	NewFollowers     int
	ChurnedFollowers int
	NetGrowth        int
	ChurnRate        float64
	TotalReads       int
	TotalShares      int
	EngagementRate   float64
	Insights         string
	CreatedAt        time.Time
}

// AnalyticsRepo persists computed snapshots and raw churn events.
type AnalyticsRepo struct {
	pool PgxPool
}

func NewAnalyticsRepo(pool PgxPool) *AnalyticsRepo {
	if pool == nil {
		panic("store: pool cannot be nil")
	}
	return &AnalyticsRepo{pool: pool}
}

// InsertSnapshot stores a report. Re-running a period replaces the
// earlier snapshot.
func (r *AnalyticsRepo) InsertSnapshot(ctx context.Context, rec SnapshotRecord) (uuid.UUID, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO analytics_snapshots (
			id, period_start, period_end, new_followers, churned_followers,
			net_growth, churn_rate, total_reads, total_shares, engagement_rate,
			insights, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (period_start, period_end)
		DO UPDATE SET new_followers = EXCLUDED.new_followers,
			churned_followers = EXCLUDED.churned_followers,
			net_growth = EXCLUDED.net_growth,
			churn_rate = EXCLUDED.churn_rate,
			total_reads = EXCLUDED.total_reads,
			total_shares = EXCLUDED.total_shares,
			engagement_rate = EXCLUDED.engagement_rate,
			insights = EXCLUDED.insights,
			created_at = EXCLUDED.created_at
	`
	_, err := r.pool.Exec(ctx, query,
		rec.ID, rec.PeriodStart, rec.PeriodEnd, rec.NewFollowers, rec.ChurnedFollowers,
		rec.NetGrowth, rec.ChurnRate, rec.TotalReads, rec.TotalShares, rec.EngagementRate,
		rec.Insights, rec.CreatedAt,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("store: insert snapshot: %w", err)
	}
	return rec.ID, nil
}

// ListRecentSnapshots returns the latest snapshots, newest first.
func (r *AnalyticsRepo) ListRecentSnapshots(ctx context.Context, limit int) ([]SnapshotRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `
		SELECT id, period_start, period_end, new_followers, churned_followers,
			net_growth, churn_rate, total_reads, total_shares, engagement_rate,
			insights, created_at
		FROM analytics_snapshots
		ORDER BY period_end DESC
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []SnapshotRecord
	for rows.Next() {
		var rec SnapshotRecord
		if err := rows.Scan(
			&rec.ID, &rec.PeriodStart, &rec.PeriodEnd, &rec.NewFollowers, &rec.ChurnedFollowers,
			&rec.NetGrowth, &rec.ChurnRate, &rec.TotalReads, &rec.TotalShares, &rec.EngagementRate,
			&rec.Insights, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan snapshot: %w", err)
		}
		snapshots = append(snapshots, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate snapshots: %w", err)
	}
	return snapshots, nil
}

// RecordChurnEvent stores one unfollow for later churn analysis.
func (r *AnalyticsRepo) RecordChurnEvent(ctx context.Context, openID string, at time.Time) error {
	query := `INSERT INTO churn_events (open_id, occurred_at) VALUES ($1, $2)`
	if _, err := r.pool.Exec(ctx, query, openID, at); err != nil {
		return fmt.Errorf("store: record churn event: %w", err)
	}
	return nil
}

// CountChurnEvents counts unfollows inside a period.
func (r *AnalyticsRepo) CountChurnEvents(ctx context.Context, start, end time.Time) (int64, error) {
	var count int64
	query := `SELECT COUNT(*) FROM churn_events WHERE occurred_at >= $1 AND occurred_at < $2`
	if err := r.pool.QueryRow(ctx, query, start, end).Scan(&count); err != nil {
		return 0, fmt.Errorf("store: count churn events: %w", err)
	}
	return count, nil
}
