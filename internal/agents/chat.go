// Package agents holds the handler implementations the dispatcher
// routes to: conversational replies, content generation, analytics
// reporting, and publish scheduling.
package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hexleaf/wechat-ai-platform/internal/conversation"
	"github.com/hexleaf/wechat-ai-platform/internal/dispatch"
	"github.com/hexleaf/wechat-ai-platform/internal/llm"
	"github.com/hexleaf/wechat-ai-platform/internal/store"
)

const (
	welcomeText  = "感谢关注！我是您的智能助手，可以回答问题、创作内容、查看数据分析，随时找我聊聊吧～"
	degradedText = "收到您的消息啦，系统正忙，请稍后再试～"
)

// ContextStore is the dialogue window the chat agent reads and writes.
type ContextStore interface {
	Recent(ctx context.Context, actorID string) ([]conversation.Turn, error)
	Append(ctx context.Context, actorID string, turn conversation.Turn) error
}

// FAQSource serves curated answers checked before the LLM.
type FAQSource interface {
	ListEnabled(ctx context.Context) ([]store.FAQEntry, error)
	RecordHit(ctx context.Context, id uuid.UUID) error
}

// ProfileTagger records interest tags and message counts per follower.
type ProfileTagger interface {
	AddTags(ctx context.Context, openID string, tags []string) error
	RecordInteraction(ctx context.Context, openID string) error
}

// ChatAgent produces conversational replies. FAQ entries win over the
// LLM for plain questions; an LLM outage degrades to a canned reply
// rather than failing the run.
type ChatAgent struct {
	llm       llm.Client
	modelID   string
	maxTokens int32
	contexts  ContextStore
	faqs      FAQSource
	profiles  ProfileTagger
	logger    *slog.Logger
}

func NewChatAgent(client llm.Client, modelID string, maxTokens int32, contexts ContextStore, faqs FAQSource, profiles ProfileTagger, logger *slog.Logger) *ChatAgent {
	if client == nil {
		panic("agents: llm client cannot be nil")
	}
	if contexts == nil {
		panic("agents: context store cannot be nil")
	}
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatAgent{
		llm:       client,
		modelID:   modelID,
		maxTokens: maxTokens,
		contexts:  contexts,
		faqs:      faqs,
		profiles:  profiles,
		logger:    logger,
	}
}

func (a *ChatAgent) Handle(ctx context.Context, state *dispatch.State) error {
	if state.Event.Kind == dispatch.KindLifecycle {
		state.SetResponse(welcomeText)
		a.saveTurn(ctx, state.Event.ActorID, conversation.RoleAssistant, welcomeText)
		return nil
	}

	text := state.Event.Text
	a.saveTurn(ctx, state.Event.ActorID, conversation.RoleUser, text)
	a.recordInteraction(ctx, state.Event.ActorID)
	a.tagProfile(ctx, state)

	if entry, ok := a.matchFAQ(ctx, state.Intent, text); ok {
		state.SetResponse(entry.Answer)
		state.Metadata["faq_hit"] = true
		if err := a.faqs.RecordHit(ctx, entry.ID); err != nil {
			a.logger.Warn("faq hit count update failed", "faq_id", entry.ID, "error", err)
		}
		a.saveTurn(ctx, state.Event.ActorID, conversation.RoleAssistant, entry.Answer)
		return nil
	}

	reply := a.generateReply(ctx, state, text)
	state.SetResponse(reply)
	a.saveTurn(ctx, state.Event.ActorID, conversation.RoleAssistant, reply)
	return nil
}

// matchFAQ checks curated answers. Only plain questions consult the
// FAQ; complaints and praise always get a generated response.
func (a *ChatAgent) matchFAQ(ctx context.Context, intent, text string) (store.FAQEntry, bool) {
	if a.faqs == nil {
		return store.FAQEntry{}, false
	}
	if intent != "query" && intent != "other" {
		return store.FAQEntry{}, false
	}

	entries, err := a.faqs.ListEnabled(ctx)
	if err != nil {
		a.logger.Warn("faq lookup failed", "error", err)
		return store.FAQEntry{}, false
	}
	lowered := strings.ToLower(text)
	for _, entry := range entries {
		for _, keyword := range entry.Keywords {
			if keyword == "" {
				continue
			}
			if strings.Contains(lowered, strings.ToLower(keyword)) {
				return entry, true
			}
		}
	}
	return store.FAQEntry{}, false
}

func (a *ChatAgent) generateReply(ctx context.Context, state *dispatch.State, text string) string {
	turns, err := a.contexts.Recent(ctx, state.Event.ActorID)
	if err != nil {
		a.logger.Warn("context load failed, replying without history",
			"actor_id", state.Event.ActorID, "error", err)
		turns = nil
	}

	messages := make([]llm.ChatMessage, 0, len(turns))
	for _, turn := range turns {
		role := llm.RoleUser
		if turn.Role == conversation.RoleAssistant {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.ChatMessage{Role: role, Content: turn.Content})
	}
	if len(messages) == 0 || messages[len(messages)-1].Content != text {
		messages = append(messages, llm.ChatMessage{Role: llm.RoleUser, Content: text})
	}

	resp, err := a.llm.Complete(ctx, llm.Request{
		Model:       a.modelID,
		System:      []string{chatSystemPrompt(state.Intent)},
		Messages:    messages,
		MaxTokens:   a.maxTokens,
		Temperature: 0.7,
	})
	if err != nil {
		a.logger.Warn("chat generation failed, sending degraded reply",
			"actor_id", state.Event.ActorID, "error", err)
		state.Metadata["degraded"] = true
		return degradedText
	}
	return resp.Text
}

// chatSystemPrompt tunes tone by intent.
func chatSystemPrompt(intent string) string {
	base := "你是一个微信公众号的智能客服助手，回答要简洁、友好、口语化，不超过200字。"
	switch intent {
	case "complaint":
		return base + "用户在表达不满，先真诚道歉并表示理解，再给出解决建议。"
	case "praise":
		return base + "用户在表扬你，表达感谢并欢迎继续交流。"
	case "purchase":
		return base + "用户有购买意向，介绍相关产品亮点并引导下单，不要过度推销。"
	default:
		return base
	}
}

func (a *ChatAgent) saveTurn(ctx context.Context, actorID, role, content string) {
	if content == "" {
		return
	}
	err := a.contexts.Append(ctx, actorID, conversation.Turn{
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		a.logger.Warn("failed to save turn", "actor_id", actorID, "role", role, "error", err)
	}
}

func (a *ChatAgent) recordInteraction(ctx context.Context, openID string) {
	if a.profiles == nil {
		return
	}
	if err := a.profiles.RecordInteraction(ctx, openID); err != nil {
		a.logger.Warn("interaction count update failed", "actor_id", openID, "error", err)
	}
}

// tagProfile records entity-derived interest tags; failures only log.
func (a *ChatAgent) tagProfile(ctx context.Context, state *dispatch.State) {
	if a.profiles == nil || len(state.Entities) == 0 {
		return
	}
	var tags []string
	for name, value := range state.Entities {
		if value == "" {
			continue
		}
		tags = append(tags, fmt.Sprintf("%s:%s", name, value))
	}
	if len(tags) == 0 {
		return
	}
	if err := a.profiles.AddTags(ctx, state.Event.ActorID, tags); err != nil {
		a.logger.Warn("failed to tag profile", "actor_id", state.Event.ActorID, "error", err)
	}
}
