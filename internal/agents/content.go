package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/hexleaf/wechat-ai-platform/internal/archive"
	"github.com/hexleaf/wechat-ai-platform/internal/dispatch"
	"github.com/hexleaf/wechat-ai-platform/internal/llm"
	"github.com/hexleaf/wechat-ai-platform/internal/store"
	"github.com/hexleaf/wechat-ai-platform/internal/wechat"
)

// DraftStore persists generated drafts.
type DraftStore interface {
	Insert(ctx context.Context, rec store.DraftRecord) (uuid.UUID, error)
	SetPlatformMediaID(ctx context.Context, id uuid.UUID, mediaID string) error
	SetArchiveKey(ctx context.Context, id uuid.UUID, key string) error
}

// DraftPusher pushes finished drafts into the platform draft box.
type DraftPusher interface {
	AddDraft(ctx context.Context, articles []wechat.DraftArticle) (string, error)
}

// Archiver stores immutable copies of drafts.
type Archiver interface {
	Enabled() bool
	ArchiveDraft(ctx context.Context, record archive.DraftRecord) (string, error)
}

const contentSystemPrompt = `你是一个微信公众号的内容创作助手。根据用户给出的主题创作一篇公众号文章。

Respond with ONLY a JSON object, no prose:
{"title": "...", "outline": ["...", "..."], "body": "...", "alt_titles": ["...", "...", "..."]}

The body should be 600-1000 Chinese characters, warm and readable.`

// ContentAgent turns a topic request into a stored draft: outline,
// body, and alternative titles in one structured generation.
type ContentAgent struct {
	llm       llm.Client
	modelID   string
	maxTokens int32
	drafts    DraftStore
	pusher    DraftPusher
	archive   Archiver
	logger    *slog.Logger
}

func NewContentAgent(client llm.Client, modelID string, maxTokens int32, drafts DraftStore, pusher DraftPusher, archiver Archiver, logger *slog.Logger) *ContentAgent {
	if client == nil {
		panic("agents: llm client cannot be nil")
	}
	if drafts == nil {
		panic("agents: draft store cannot be nil")
	}
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ContentAgent{
		llm:       client,
		modelID:   modelID,
		maxTokens: maxTokens,
		drafts:    drafts,
		pusher:    pusher,
		archive:   archiver,
		logger:    logger,
	}
}

type generatedDraft struct {
	Title     string   `json:"title"`
	Outline   []string `json:"outline"`
	Body      string   `json:"body"`
	AltTitles []string `json:"alt_titles"`
}

func (a *ContentAgent) Handle(ctx context.Context, state *dispatch.State) error {
	topic := extractTopic(state)
	if topic == "" {
		state.SetResponse("想创作什么主题的内容呢？告诉我一个主题，我来帮您写～")
		return nil
	}

	draft, err := a.generate(ctx, topic)
	if err != nil {
		return fmt.Errorf("agents: content generation: %w", err)
	}

	rec := store.DraftRecord{
		OpenID:    state.Event.ActorID,
		Topic:     topic,
		Title:     draft.Title,
		Outline:   draft.Outline,
		Body:      draft.Body,
		AltTitles: draft.AltTitles,
	}
	draftID, err := a.drafts.Insert(ctx, rec)
	if err != nil {
		return fmt.Errorf("agents: save draft: %w", err)
	}
	state.Metadata["draft_id"] = draftID.String()

	a.pushToPlatform(ctx, draftID, draft)
	a.archiveDraft(ctx, draftID, state.Event.ActorID, topic, draft)

	state.SetResponse(formatDraftSummary(topic, draft))
	return nil
}

// generate asks for a structured draft. A malformed answer degrades to
// a deterministic skeleton built from the raw text.
func (a *ContentAgent) generate(ctx context.Context, topic string) (generatedDraft, error) {
	resp, err := a.llm.Complete(ctx, llm.Request{
		Model:       a.modelID,
		System:      []string{contentSystemPrompt},
		Messages:    []llm.ChatMessage{{Role: llm.RoleUser, Content: "主题：" + topic}},
		MaxTokens:   a.maxTokens,
		Temperature: 0.8,
	})
	if err != nil {
		return generatedDraft{}, err
	}

	cleaned := stripCodeFences(resp.Text)
	var draft generatedDraft
	if err := json.Unmarshal([]byte(cleaned), &draft); err != nil || draft.Title == "" || draft.Body == "" {
		a.logger.Warn("structured draft parse failed, using fallback layout", "topic", topic)
		return fallbackDraft(topic, resp.Text), nil
	}
	return draft, nil
}

func (a *ContentAgent) pushToPlatform(ctx context.Context, draftID uuid.UUID, draft generatedDraft) {
	if a.pusher == nil {
		return
	}
	mediaID, err := a.pusher.AddDraft(ctx, []wechat.DraftArticle{{
		Title:   draft.Title,
		Digest:  firstLine(draft.Body),
		Content: draft.Body,
	}})
	if err != nil {
		a.logger.Warn("draft box push failed, draft kept locally", "draft_id", draftID, "error", err)
		return
	}
	if err := a.drafts.SetPlatformMediaID(ctx, draftID, mediaID); err != nil {
		a.logger.Warn("failed to record platform media id", "draft_id", draftID, "error", err)
	}
}

func (a *ContentAgent) archiveDraft(ctx context.Context, draftID uuid.UUID, openID, topic string, draft generatedDraft) {
	if a.archive == nil || !a.archive.Enabled() {
		return
	}
	key, err := a.archive.ArchiveDraft(ctx, archive.DraftRecord{
		DraftID:   draftID,
		OpenID:    openID,
		Topic:     topic,
		Title:     draft.Title,
		Outline:   draft.Outline,
		Body:      draft.Body,
		AltTitles: draft.AltTitles,
	})
	if err != nil {
		a.logger.Warn("draft archive failed", "draft_id", draftID, "error", err)
		return
	}
	if err := a.drafts.SetArchiveKey(ctx, draftID, key); err != nil {
		a.logger.Warn("failed to record archive key", "draft_id", draftID, "error", err)
	}
}

// extractTopic prefers the classifier's entity, then falls back to the
// message with common request prefixes stripped.
func extractTopic(state *dispatch.State) string {
	if topic := strings.TrimSpace(state.Entities["topic"]); topic != "" {
		return topic
	}
	text := strings.TrimSpace(state.Event.Text)
	for _, prefix := range []string{"写一篇", "帮我写", "创作一篇", "写篇", "创作"} {
		if strings.HasPrefix(text, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(text, prefix))
		}
	}
	return text
}

func fallbackDraft(topic, rawText string) generatedDraft {
	body := strings.TrimSpace(rawText)
	if body == "" {
		body = "（内容生成中，请稍后重试）"
	}
	return generatedDraft{
		Title:     topic,
		Outline:   []string{"引言", "正文", "结语"},
		Body:      body,
		AltTitles: []string{topic + "，你了解多少？", "关于" + topic + "的几件事"},
	}
}

func formatDraftSummary(topic string, draft generatedDraft) string {
	var b strings.Builder
	fmt.Fprintf(&b, "已为主题「%s」创作完成！\n\n", topic)
	fmt.Fprintf(&b, "标题：%s\n", draft.Title)
	if len(draft.Outline) > 0 {
		b.WriteString("大纲：\n")
		for i, item := range draft.Outline {
			fmt.Fprintf(&b, "%d. %s\n", i+1, item)
		}
	}
	if len(draft.AltTitles) > 0 {
		b.WriteString("备选标题：" + strings.Join(draft.AltTitles, " / ") + "\n")
	}
	b.WriteString("\n草稿已保存，回复“发布计划”可安排发布时间。")
	return b.String()
}

func stripCodeFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

func firstLine(text string) string {
	line := strings.TrimSpace(text)
	if idx := strings.IndexByte(line, '\n'); idx > 0 {
		line = line[:idx]
	}
	runes := []rune(line)
	if len(runes) > 60 {
		line = string(runes[:60])
	}
	return line
}
