package agents

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexleaf/wechat-ai-platform/internal/dispatch"
	"github.com/hexleaf/wechat-ai-platform/internal/store"
	"github.com/hexleaf/wechat-ai-platform/internal/wechat"
)

type stubStats struct {
	summaries []wechat.UserSummary
	articles  []wechat.ArticleTotal
	err       error
}

func (s *stubStats) FetchUserSummary(ctx context.Context, begin, end time.Time) ([]wechat.UserSummary, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.summaries, nil
}

func (s *stubStats) FetchArticleTotal(ctx context.Context, begin, end time.Time) ([]wechat.ArticleTotal, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.articles, nil
}

type memoryAnalytics struct {
	snapshots []store.SnapshotRecord
	churn     []string
}

func (m *memoryAnalytics) InsertSnapshot(ctx context.Context, rec store.SnapshotRecord) (uuid.UUID, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	m.snapshots = append(m.snapshots, rec)
	return rec.ID, nil
}

func (m *memoryAnalytics) RecordChurnEvent(ctx context.Context, openID string, at time.Time) error {
	m.churn = append(m.churn, openID)
	return nil
}

func weekOfStats() *stubStats {
	return &stubStats{
		summaries: []wechat.UserSummary{
			{RefDate: "2026-08-20", NewUser: 30, CancelUser: 5},
			{RefDate: "2026-08-21", NewUser: 10, CancelUser: 5},
		},
		articles: []wechat.ArticleTotal{
			{RefDate: "2026-08-20", IntPageReadCount: 800, ShareCount: 40},
			{RefDate: "2026-08-21", IntPageReadCount: 200, ShareCount: 10},
		},
	}
}

func TestAnalyticsAgentBuildsReport(t *testing.T) {
	client := &scriptedLLM{text: `{"insights":["保持更新频率","多做互动话题"]}`}
	repo := &memoryAnalytics{}
	agent := NewAnalyticsAgent(client, "model-id", weekOfStats(), repo, nil)

	state := messageState("openid-1", "看看最近的数据", "analytics")
	require.NoError(t, agent.Handle(context.Background(), state))

	require.Len(t, repo.snapshots, 1)
	snap := repo.snapshots[0]
	assert.Equal(t, 40, snap.NewFollowers)
	assert.Equal(t, 10, snap.ChurnedFollowers)
	assert.Equal(t, 30, snap.NetGrowth)
	assert.Equal(t, 0.25, snap.ChurnRate)
	assert.Equal(t, 1000, snap.TotalReads)
	assert.Equal(t, 50, snap.TotalShares)
	assert.Equal(t, 5.0, snap.EngagementRate)
	assert.Contains(t, snap.Insights, "保持更新频率")

	reply, due := state.Response()
	assert.True(t, due)
	assert.Contains(t, reply, "新增关注：40")
	assert.Contains(t, reply, "净增长：30")
	assert.Contains(t, reply, "保持更新频率")
	assert.NotEmpty(t, state.Metadata["snapshot_id"])
}

func TestAnalyticsAgentFallbackInsightsOnMalformedOutput(t *testing.T) {
	client := &scriptedLLM{text: "growth looks ok I guess"}
	repo := &memoryAnalytics{}
	agent := NewAnalyticsAgent(client, "model-id", weekOfStats(), repo, nil)

	state := messageState("openid-1", "数据分析", "analytics")
	require.NoError(t, agent.Handle(context.Background(), state))

	require.Len(t, repo.snapshots, 1)
	assert.NotEmpty(t, repo.snapshots[0].Insights)
	reply, _ := state.Response()
	assert.Contains(t, reply, "运营建议")
}

func TestAnalyticsAgentFallbackInsightsOnLLMFailure(t *testing.T) {
	client := &scriptedLLM{err: errors.New("down")}
	repo := &memoryAnalytics{}
	agent := NewAnalyticsAgent(client, "model-id", weekOfStats(), repo, nil)

	state := messageState("openid-1", "数据分析", "analytics")
	require.NoError(t, agent.Handle(context.Background(), state))
	require.Len(t, repo.snapshots, 1)
}

func TestAnalyticsAgentGatewayFailureIsFatal(t *testing.T) {
	client := &scriptedLLM{}
	repo := &memoryAnalytics{}
	agent := NewAnalyticsAgent(client, "model-id", &stubStats{err: errors.New("quota")}, repo, nil)

	state := messageState("openid-1", "数据分析", "analytics")
	assert.Error(t, agent.Handle(context.Background(), state))
	assert.Empty(t, repo.snapshots)
}

func TestAnalyticsAgentRecordsChurnOnUnsubscribe(t *testing.T) {
	client := &scriptedLLM{}
	repo := &memoryAnalytics{}
	agent := NewAnalyticsAgent(client, "model-id", weekOfStats(), repo, nil)

	state := stateForEvent(dispatch.Event{
		ActorID: "openid-1", Kind: dispatch.KindLifecycle, Subkind: dispatch.SubkindUnsubscribe,
	}, dispatch.SubkindUnsubscribe)
	require.NoError(t, agent.Handle(context.Background(), state))

	assert.Equal(t, []string{"openid-1"}, repo.churn)
	_, due := state.Response()
	assert.False(t, due, "unsubscribe produces no reply")
	assert.Empty(t, repo.snapshots, "no report is generated for churn events")
	assert.Equal(t, 0, client.calls)
}

func TestAnalyticsAgentZeroDenominators(t *testing.T) {
	client := &scriptedLLM{text: `{"insights":["ok"]}`}
	repo := &memoryAnalytics{}
	agent := NewAnalyticsAgent(client, "model-id", &stubStats{}, repo, nil)

	state := messageState("openid-1", "数据分析", "analytics")
	require.NoError(t, agent.Handle(context.Background(), state))

	require.Len(t, repo.snapshots, 1)
	snap := repo.snapshots[0]
	assert.Zero(t, snap.ChurnRate)
	assert.Zero(t, snap.EngagementRate)
}
