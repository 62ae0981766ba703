package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hexleaf/wechat-ai-platform/internal/dispatch"
	"github.com/hexleaf/wechat-ai-platform/internal/store"
)

// PublishJob is one scheduled publication of a stored draft.
type PublishJob struct {
	ID      string
	DraftID uuid.UUID
	Title   string
	RunAt   time.Time
	Status  string
}

// PublishPlanner schedules and lists publish jobs.
type PublishPlanner interface {
	Schedule(ctx context.Context, draftID uuid.UUID, title string, runAt time.Time) (PublishJob, error)
	Pending(ctx context.Context) ([]PublishJob, error)
}

// DraftLister exposes the drafts available for scheduling.
type DraftLister interface {
	ListRecent(ctx context.Context, limit int) ([]store.DraftRecord, error)
}

// Publishing after dinner performs best for this audience.
const recommendedPublishHour = 21

// SchedulerAgent answers scheduling requests: book a publish slot for
// the latest draft, show pending publications, or show the weekly
// calendar with recommended slots.
type SchedulerAgent struct {
	planner PublishPlanner
	drafts  DraftLister
	logger  *slog.Logger
	now     func() time.Time
}

func NewSchedulerAgent(planner PublishPlanner, drafts DraftLister, logger *slog.Logger) *SchedulerAgent {
	if planner == nil {
		panic("agents: publish planner cannot be nil")
	}
	if drafts == nil {
		panic("agents: draft lister cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SchedulerAgent{
		planner: planner,
		drafts:  drafts,
		logger:  logger,
		now:     time.Now,
	}
}

func (a *SchedulerAgent) Handle(ctx context.Context, state *dispatch.State) error {
	text := state.Event.Text
	switch {
	case containsAny(text, "日历", "calendar"):
		return a.showCalendar(ctx, state)
	case containsAny(text, "待发布", "pending"):
		return a.showPending(ctx, state)
	default:
		return a.schedulePublish(ctx, state)
	}
}

func (a *SchedulerAgent) schedulePublish(ctx context.Context, state *dispatch.State) error {
	drafts, err := a.drafts.ListRecent(ctx, 1)
	if err != nil {
		return fmt.Errorf("agents: list drafts: %w", err)
	}
	if len(drafts) == 0 {
		state.SetResponse("还没有可发布的草稿。先让我创作一篇内容，再来安排发布吧～")
		return nil
	}
	draft := drafts[0]

	runAt, ok := a.parsePublishTime(state)
	if !ok {
		suggested := a.recommendedSlot()
		state.SetResponse(fmt.Sprintf(
			"请告诉我具体的发布时间，例如「%s 发布」。推荐时间：%s（晚间阅读高峰）。",
			suggested.Format("2006-01-02 15:04"), suggested.Format("2006-01-02 15:04"),
		))
		return nil
	}
	if !runAt.After(a.now()) {
		state.SetResponse("发布时间需要是将来的时间，请重新指定。")
		return nil
	}

	job, err := a.planner.Schedule(ctx, draft.ID, draft.Title, runAt)
	if err != nil {
		return fmt.Errorf("agents: schedule publish: %w", err)
	}
	state.Metadata["publish_job_id"] = job.ID

	state.SetResponse(fmt.Sprintf(
		"已安排发布！\n文章：《%s》\n时间：%s\n回复“待发布”可查看所有计划。",
		draft.Title, runAt.Format("2006-01-02 15:04"),
	))
	return nil
}

func (a *SchedulerAgent) showPending(ctx context.Context, state *dispatch.State) error {
	jobs, err := a.planner.Pending(ctx)
	if err != nil {
		return fmt.Errorf("agents: list pending jobs: %w", err)
	}
	if len(jobs) == 0 {
		state.SetResponse("当前没有待发布的文章。")
		return nil
	}

	var b strings.Builder
	b.WriteString("待发布计划：\n")
	for i, job := range jobs {
		fmt.Fprintf(&b, "%d. 《%s》 %s\n", i+1, job.Title, job.RunAt.Format("2006-01-02 15:04"))
	}
	state.SetResponse(b.String())
	return nil
}

func (a *SchedulerAgent) showCalendar(ctx context.Context, state *dispatch.State) error {
	jobs, err := a.planner.Pending(ctx)
	if err != nil {
		return fmt.Errorf("agents: list pending jobs: %w", err)
	}
	byDay := map[string][]PublishJob{}
	for _, job := range jobs {
		day := job.RunAt.Format("2006-01-02")
		byDay[day] = append(byDay[day], job)
	}

	var b strings.Builder
	b.WriteString("未来一周发布日历：\n")
	today := a.now().Truncate(24 * time.Hour)
	for i := 0; i < 7; i++ {
		day := today.AddDate(0, 0, i)
		key := day.Format("2006-01-02")
		fmt.Fprintf(&b, "%s（%s）", key, weekdayName(day.Weekday()))
		if entries, ok := byDay[key]; ok {
			titles := make([]string, 0, len(entries))
			for _, job := range entries {
				titles = append(titles, "《"+job.Title+"》")
			}
			b.WriteString(" " + strings.Join(titles, " "))
		} else if day.Weekday() == time.Tuesday || day.Weekday() == time.Thursday {
			b.WriteString(" 推荐发布日")
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\n推荐发布时间：%d:00（晚间阅读高峰）", recommendedPublishHour)
	state.SetResponse(b.String())
	return nil
}

// parsePublishTime reads the requested time from classifier entities
// first, then from the message text.
func (a *SchedulerAgent) parsePublishTime(state *dispatch.State) (time.Time, bool) {
	candidates := []string{
		state.Entities["time"],
		state.Entities["datetime"],
		state.Entities["date"],
	}
	for _, candidate := range candidates {
		if t, ok := parseTime(candidate); ok {
			return t, true
		}
	}

	fields := strings.Fields(state.Event.Text)
	for i := range fields {
		// Try the two-field form first so a date followed by a time is
		// not consumed as a bare date.
		if i+1 < len(fields) {
			if t, ok := parseTime(fields[i] + " " + fields[i+1]); ok {
				return t, true
			}
		}
		if t, ok := parseTime(fields[i]); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseTime(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{"2006-01-02 15:04", "2006-01-02T15:04", time.RFC3339, "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, value, time.Local); err == nil {
			if layout == "2006-01-02" {
				t = t.Add(recommendedPublishHour * time.Hour)
			}
			return t, true
		}
	}
	return time.Time{}, false
}

func (a *SchedulerAgent) recommendedSlot() time.Time {
	now := a.now()
	slot := time.Date(now.Year(), now.Month(), now.Day(), recommendedPublishHour, 0, 0, 0, now.Location())
	if !slot.After(now) {
		slot = slot.AddDate(0, 0, 1)
	}
	return slot
}

func weekdayName(day time.Weekday) string {
	names := map[time.Weekday]string{
		time.Monday:    "周一",
		time.Tuesday:   "周二",
		time.Wednesday: "周三",
		time.Thursday:  "周四",
		time.Friday:    "周五",
		time.Saturday:  "周六",
		time.Sunday:    "周日",
	}
	return names[day]
}

func containsAny(text string, keywords ...string) bool {
	lowered := strings.ToLower(text)
	for _, keyword := range keywords {
		if strings.Contains(lowered, strings.ToLower(keyword)) {
			return true
		}
	}
	return false
}
