package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hexleaf/wechat-ai-platform/internal/dispatch"
	"github.com/hexleaf/wechat-ai-platform/internal/llm"
	"github.com/hexleaf/wechat-ai-platform/internal/store"
	"github.com/hexleaf/wechat-ai-platform/internal/wechat"
)

// StatsGateway pulls raw datacube numbers from the platform.
type StatsGateway interface {
	FetchUserSummary(ctx context.Context, begin, end time.Time) ([]wechat.UserSummary, error)
	FetchArticleTotal(ctx context.Context, begin, end time.Time) ([]wechat.ArticleTotal, error)
}

// AnalyticsStore persists snapshots and churn events.
type AnalyticsStore interface {
	InsertSnapshot(ctx context.Context, rec store.SnapshotRecord) (uuid.UUID, error)
	RecordChurnEvent(ctx context.Context, openID string, at time.Time) error
}

const insightsSystemPrompt = `你是一个公众号运营数据分析师。根据给出的指标生成2-3条简短的运营建议。

Respond with ONLY a JSON object, no prose:
{"insights": ["...", "..."]}`

const analyticsPeriodDays = 7

// AnalyticsAgent computes follower and engagement metrics over the
// recent period and stores a snapshot. Insight text comes from the LLM
// through a strict JSON parse with a deterministic fallback.
type AnalyticsAgent struct {
	llm     llm.Client
	modelID string
	gateway StatsGateway
	repo    AnalyticsStore
	logger  *slog.Logger
	now     func() time.Time
}

func NewAnalyticsAgent(client llm.Client, modelID string, gateway StatsGateway, repo AnalyticsStore, logger *slog.Logger) *AnalyticsAgent {
	if gateway == nil {
		panic("agents: stats gateway cannot be nil")
	}
	if repo == nil {
		panic("agents: analytics store cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AnalyticsAgent{
		llm:     client,
		modelID: modelID,
		gateway: gateway,
		repo:    repo,
		logger:  logger,
		now:     time.Now,
	}
}

// Report is the computed metric set for one period.
type Report struct {
	PeriodStart      time.Time
	PeriodEnd        time.Time
	NewFollowers     int
	ChurnedFollowers int
	NetGrowth        int
	ChurnRate        float64
	TotalReads       int
	TotalShares      int
	EngagementRate   float64
}

func (a *AnalyticsAgent) Handle(ctx context.Context, state *dispatch.State) error {
	if state.Event.Kind == dispatch.KindLifecycle && state.Event.Subkind == dispatch.SubkindUnsubscribe {
		if err := a.repo.RecordChurnEvent(ctx, state.Event.ActorID, a.now().UTC()); err != nil {
			return fmt.Errorf("agents: record churn: %w", err)
		}
		// No reply on unsubscribe; the dispatcher enforces it.
		return nil
	}

	report, insights, snapshotID, err := a.Snapshot(ctx)
	if err != nil {
		return err
	}
	state.Metadata["snapshot_id"] = snapshotID.String()

	state.SetResponse(formatReport(report, insights))
	return nil
}

// Snapshot collects the current period, generates insights, and stores
// the result. The background snapshot job calls this directly.
func (a *AnalyticsAgent) Snapshot(ctx context.Context) (Report, []string, uuid.UUID, error) {
	report, err := a.collect(ctx)
	if err != nil {
		return Report{}, nil, uuid.Nil, fmt.Errorf("agents: collect stats: %w", err)
	}

	insights := a.generateInsights(ctx, report)
	snapshotID, err := a.repo.InsertSnapshot(ctx, store.SnapshotRecord{
		PeriodStart:      report.PeriodStart,
		PeriodEnd:        report.PeriodEnd,
		NewFollowers:     report.NewFollowers,
		ChurnedFollowers: report.ChurnedFollowers,
		NetGrowth:        report.NetGrowth,
		ChurnRate:        report.ChurnRate,
		TotalReads:       report.TotalReads,
		TotalShares:      report.TotalShares,
		EngagementRate:   report.EngagementRate,
		Insights:         strings.Join(insights, "\n"),
	})
	if err != nil {
		return Report{}, nil, uuid.Nil, fmt.Errorf("agents: save snapshot: %w", err)
	}
	return report, insights, snapshotID, nil
}

func (a *AnalyticsAgent) collect(ctx context.Context) (Report, error) {
	end := a.now().UTC().Truncate(24 * time.Hour)
	start := end.AddDate(0, 0, -analyticsPeriodDays)

	summaries, err := a.gateway.FetchUserSummary(ctx, start, end)
	if err != nil {
		return Report{}, err
	}
	articles, err := a.gateway.FetchArticleTotal(ctx, start, end)
	if err != nil {
		return Report{}, err
	}

	report := Report{PeriodStart: start, PeriodEnd: end}
	for _, day := range summaries {
		report.NewFollowers += day.NewUser
		report.ChurnedFollowers += day.CancelUser
	}
	report.NetGrowth = report.NewFollowers - report.ChurnedFollowers
	if report.NewFollowers > 0 {
		report.ChurnRate = round2(float64(report.ChurnedFollowers) / float64(report.NewFollowers))
	}

	for _, article := range articles {
		report.TotalReads += article.IntPageReadCount
		report.TotalShares += article.ShareCount
	}
	if report.TotalReads > 0 {
		report.EngagementRate = round2(float64(report.TotalShares) / float64(report.TotalReads) * 100)
	}
	return report, nil
}

type rawInsights struct {
	Insights []string `json:"insights"`
}

// generateInsights asks the LLM for suggestions and parses strict
// JSON. Anything else falls back to deterministic text; insight
// generation never fails the run.
func (a *AnalyticsAgent) generateInsights(ctx context.Context, report Report) []string {
	if a.llm == nil {
		return fallbackInsights(report)
	}

	prompt := fmt.Sprintf(
		"近%d天数据：新增关注 %d，取消关注 %d，净增长 %d，流失率 %.2f，阅读量 %d，分享量 %d，互动率 %.2f%%",
		analyticsPeriodDays, report.NewFollowers, report.ChurnedFollowers, report.NetGrowth,
		report.ChurnRate, report.TotalReads, report.TotalShares, report.EngagementRate,
	)
	resp, err := a.llm.Complete(ctx, llm.Request{
		Model:       a.modelID,
		System:      []string{insightsSystemPrompt},
		Messages:    []llm.ChatMessage{{Role: llm.RoleUser, Content: prompt}},
		MaxTokens:   512,
		Temperature: 0.4,
	})
	if err != nil {
		a.logger.Warn("insight generation failed, using fallback", "error", err)
		return fallbackInsights(report)
	}

	var raw rawInsights
	if err := json.Unmarshal([]byte(stripCodeFences(resp.Text)), &raw); err != nil || len(raw.Insights) == 0 {
		a.logger.Warn("insight output malformed, using fallback")
		return fallbackInsights(report)
	}
	return raw.Insights
}

func fallbackInsights(report Report) []string {
	var insights []string
	if report.NetGrowth > 0 {
		insights = append(insights, fmt.Sprintf("近期净增长 %d 人，保持当前内容节奏。", report.NetGrowth))
	} else {
		insights = append(insights, "近期粉丝增长乏力，建议提高内容更新频率。")
	}
	if report.ChurnRate > 0.5 {
		insights = append(insights, "流失率偏高，建议回顾近期内容质量与推送频率。")
	}
	if report.EngagementRate < 1 {
		insights = append(insights, "互动率较低，可尝试在文末增加互动话题。")
	} else {
		insights = append(insights, fmt.Sprintf("互动率 %.2f%%，读者参与度健康。", report.EngagementRate))
	}
	return insights
}

func formatReport(report Report, insights []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "近%d天运营数据：\n", analyticsPeriodDays)
	fmt.Fprintf(&b, "新增关注：%d\n", report.NewFollowers)
	fmt.Fprintf(&b, "取消关注：%d\n", report.ChurnedFollowers)
	fmt.Fprintf(&b, "净增长：%d\n", report.NetGrowth)
	fmt.Fprintf(&b, "阅读量：%d\n", report.TotalReads)
	fmt.Fprintf(&b, "分享量：%d\n", report.TotalShares)
	fmt.Fprintf(&b, "互动率：%.2f%%\n", report.EngagementRate)
	if len(insights) > 0 {
		b.WriteString("\n运营建议：\n")
		for i, insight := range insights {
			fmt.Fprintf(&b, "%d. %s\n", i+1, insight)
		}
	}
	return b.String()
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
