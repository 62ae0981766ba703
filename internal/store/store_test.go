package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPool(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestUserRepoUpsertSubscriber(t *testing.T) {
	mock := newMockPool(t)
	subscribedAt := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO users`).
		WithArgs("openid-1", "reader", "ADD_SCENE_SEARCH", subscribedAt, []string(nil)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	repo := NewUserRepo(mock)
	err := repo.UpsertSubscriber(context.Background(), UserRecord{
		OpenID:         "openid-1",
		Nickname:       "reader",
		SubscribeScene: "ADD_SCENE_SEARCH",
		SubscribedAt:   subscribedAt,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepoMarkUnsubscribed(t *testing.T) {
	mock := newMockPool(t)
	at := time.Date(2026, 8, 21, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE users`).
		WithArgs("openid-1", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	repo := NewUserRepo(mock)
	require.NoError(t, repo.MarkUnsubscribed(context.Background(), "openid-1", at))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepoMarkUnsubscribedUnknownUser(t *testing.T) {
	mock := newMockPool(t)
	at := time.Now().UTC()

	mock.ExpectExec(`UPDATE users`).
		WithArgs("missing", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	repo := NewUserRepo(mock)
	assert.Error(t, repo.MarkUnsubscribed(context.Background(), "missing", at))
}

func TestDraftRepoInsertAndGet(t *testing.T) {
	mock := newMockPool(t)
	id := uuid.New()
	createdAt := time.Date(2026, 8, 20, 15, 0, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO content_drafts`).
		WithArgs(id, "openid-1", "spring tea", "Spring Tea Notes", []string{"intro", "body"},
			"draft body", []string{"Alt title"}, "", "", createdAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	repo := NewDraftRepo(mock)
	gotID, err := repo.Insert(context.Background(), DraftRecord{
		ID:        id,
		OpenID:    "openid-1",
		Topic:     "spring tea",
		Title:     "Spring Tea Notes",
		Outline:   []string{"intro", "body"},
		Body:      "draft body",
		AltTitles: []string{"Alt title"},
		CreatedAt: createdAt,
	})
	require.NoError(t, err)
	assert.Equal(t, id, gotID)

	mock.ExpectQuery(`SELECT id, open_id, topic, title, outline, body, alt_titles`).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "open_id", "topic", "title", "outline", "body", "alt_titles",
			"platform_media_id", "archive_key", "created_at",
		}).AddRow(
			id, "openid-1", "spring tea", "Spring Tea Notes", []string{"intro", "body"},
			"draft body", []string{"Alt title"}, "media-1", "drafts/2026/08/key.md", createdAt,
		))

	rec, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "Spring Tea Notes", rec.Title)
	assert.Equal(t, "media-1", rec.PlatformMediaID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAnalyticsRepoInsertSnapshot(t *testing.T) {
	mock := newMockPool(t)
	id := uuid.New()
	start := time.Date(2026, 8, 14, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC)
	createdAt := end.Add(time.Hour)

	mock.ExpectExec(`INSERT INTO analytics_snapshots`).
		WithArgs(id, start, end, 40, 10, 30, 0.25, 1200, 80, 6.67, "growth is steady", createdAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	repo := NewAnalyticsRepo(mock)
	gotID, err := repo.InsertSnapshot(context.Background(), SnapshotRecord{
		ID:               id,
		PeriodStart:      start,
		PeriodEnd:        end,
		NewFollowers:     40,
		ChurnedFollowers: 10,
		NetGrowth:        30,
		ChurnRate:        0.25,
		TotalReads:       1200,
		TotalShares:      80,
		EngagementRate:   6.67,
		Insights:         "growth is steady",
		CreatedAt:        createdAt,
	})
	require.NoError(t, err)
	assert.Equal(t, id, gotID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAnalyticsRepoChurnEvents(t *testing.T) {
	mock := newMockPool(t)
	at := time.Date(2026, 8, 20, 18, 0, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO churn_events`).
		WithArgs("openid-1", at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM churn_events`).
		WithArgs(at.Add(-24*time.Hour), at.Add(24*time.Hour)).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(1)))

	repo := NewAnalyticsRepo(mock)
	require.NoError(t, repo.RecordChurnEvent(context.Background(), "openid-1", at))

	count, err := repo.CountChurnEvents(context.Background(), at.Add(-24*time.Hour), at.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFAQRepoListEnabled(t *testing.T) {
	mock := newMockPool(t)
	id := uuid.New()

	mock.ExpectQuery(`SELECT id, question, answer, keywords, enabled`).
		WillReturnRows(pgxmock.NewRows([]string{"id", "question", "answer", "keywords", "enabled"}).
			AddRow(id, "How do I brew green tea?", "Use 80C water for two minutes.", []string{"brew", "green tea"}, true))

	repo := NewFAQRepo(mock)
	entries, err := repo.ListEnabled(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "How do I brew green tea?", entries[0].Question)
	assert.Equal(t, []string{"brew", "green tea"}, entries[0].Keywords)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFAQRepoRecordHit(t *testing.T) {
	mock := newMockPool(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE faq_entries`).
		WithArgs(id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	repo := NewFAQRepo(mock)
	require.NoError(t, repo.RecordHit(context.Background(), id))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepoRecordInteraction(t *testing.T) {
	mock := newMockPool(t)

	mock.ExpectExec(`UPDATE users`).
		WithArgs("openid-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	repo := NewUserRepo(mock)
	require.NoError(t, repo.RecordInteraction(context.Background(), "openid-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
