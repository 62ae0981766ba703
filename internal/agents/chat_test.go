package agents

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexleaf/wechat-ai-platform/internal/conversation"
	"github.com/hexleaf/wechat-ai-platform/internal/dispatch"
	"github.com/hexleaf/wechat-ai-platform/internal/llm"
	"github.com/hexleaf/wechat-ai-platform/internal/store"
)

type scriptedLLM struct {
	text    string
	err     error
	lastReq llm.Request
	calls   int
}

func (s *scriptedLLM) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	s.calls++
	s.lastReq = req
	if s.err != nil {
		return llm.Response{}, s.err
	}
	return llm.Response{Text: s.text}, nil
}

type memoryContexts struct {
	turns map[string][]conversation.Turn
}

func newMemoryContexts() *memoryContexts {
	return &memoryContexts{turns: map[string][]conversation.Turn{}}
}

func (m *memoryContexts) Recent(ctx context.Context, actorID string) ([]conversation.Turn, error) {
	return m.turns[actorID], nil
}

func (m *memoryContexts) Append(ctx context.Context, actorID string, turn conversation.Turn) error {
	m.turns[actorID] = append(m.turns[actorID], turn)
	return nil
}

type stubFAQs struct {
	entries []store.FAQEntry
	hits    []uuid.UUID
}

func (s *stubFAQs) ListEnabled(ctx context.Context) ([]store.FAQEntry, error) {
	return s.entries, nil
}

func (s *stubFAQs) RecordHit(ctx context.Context, id uuid.UUID) error {
	s.hits = append(s.hits, id)
	return nil
}

type stubTagger struct {
	openID       string
	tags         []string
	interactions int
}

func (s *stubTagger) AddTags(ctx context.Context, openID string, tags []string) error {
	s.openID = openID
	s.tags = append(s.tags, tags...)
	return nil
}

func (s *stubTagger) RecordInteraction(ctx context.Context, openID string) error {
	s.openID = openID
	s.interactions++
	return nil
}

func messageState(actorID, text, intent string) *dispatch.State {
	return stateForEvent(dispatch.Event{ActorID: actorID, Text: text, Kind: dispatch.KindMessage}, intent)
}

func stateForEvent(event dispatch.Event, intent string) *dispatch.State {
	state := &dispatch.State{
		Event:        event,
		Intent:       intent,
		Confidence:   0.9,
		Entities:     map[string]string{},
		HandlerChain: []string{"coordinator"},
		Metadata:     map[string]any{},
	}
	return state
}

func TestChatAgentGeneratesReply(t *testing.T) {
	client := &scriptedLLM{text: "很高兴见到你！"}
	contexts := newMemoryContexts()
	agent := NewChatAgent(client, "model-id", 1024, contexts, &stubFAQs{}, nil, nil)

	state := messageState("openid-1", "你好", "greeting")
	require.NoError(t, agent.Handle(context.Background(), state))

	reply, due := state.Response()
	assert.True(t, due)
	assert.Equal(t, "很高兴见到你！", reply)

	// Both the question and the answer were saved.
	turns := contexts.turns["openid-1"]
	require.Len(t, turns, 2)
	assert.Equal(t, conversation.RoleUser, turns[0].Role)
	assert.Equal(t, conversation.RoleAssistant, turns[1].Role)
}

func TestChatAgentFAQWinsForQueries(t *testing.T) {
	client := &scriptedLLM{text: "should not be used"}
	faqID := uuid.New()
	faqs := &stubFAQs{entries: []store.FAQEntry{
		{ID: faqID, Question: "怎么冲泡绿茶", Answer: "80度水温，冲泡两分钟。", Keywords: []string{"绿茶", "冲泡"}},
	}}
	agent := NewChatAgent(client, "model-id", 1024, newMemoryContexts(), faqs, nil, nil)

	state := messageState("openid-1", "请问绿茶怎么泡？", "query")
	require.NoError(t, agent.Handle(context.Background(), state))

	reply, due := state.Response()
	assert.True(t, due)
	assert.Equal(t, "80度水温，冲泡两分钟。", reply)
	assert.Equal(t, true, state.Metadata["faq_hit"])
	assert.Equal(t, 0, client.calls, "faq hit must not consult the llm")
	assert.Equal(t, []uuid.UUID{faqID}, faqs.hits)
}

func TestChatAgentFAQSkippedForComplaints(t *testing.T) {
	client := &scriptedLLM{text: "非常抱歉给您带来不便。"}
	faqs := &stubFAQs{entries: []store.FAQEntry{
		{Answer: "curated", Keywords: []string{"绿茶"}},
	}}
	agent := NewChatAgent(client, "model-id", 1024, newMemoryContexts(), faqs, nil, nil)

	state := messageState("openid-1", "你们的绿茶太难喝了", "complaint")
	require.NoError(t, agent.Handle(context.Background(), state))

	reply, _ := state.Response()
	assert.Equal(t, "非常抱歉给您带来不便。", reply)
	assert.Equal(t, 1, client.calls)
	assert.Contains(t, client.lastReq.System[0], "道歉")
}

func TestChatAgentDegradesWhenLLMFails(t *testing.T) {
	client := &scriptedLLM{err: errors.New("all providers down")}
	agent := NewChatAgent(client, "model-id", 1024, newMemoryContexts(), &stubFAQs{}, nil, nil)

	state := messageState("openid-1", "你好", "greeting")
	require.NoError(t, agent.Handle(context.Background(), state))

	reply, due := state.Response()
	assert.True(t, due)
	assert.Equal(t, degradedText, reply)
	assert.Equal(t, true, state.Metadata["degraded"])
}

func TestChatAgentWelcomesSubscriber(t *testing.T) {
	client := &scriptedLLM{}
	agent := NewChatAgent(client, "model-id", 1024, newMemoryContexts(), &stubFAQs{}, nil, nil)

	state := stateForEvent(dispatch.Event{
		ActorID: "openid-1", Kind: dispatch.KindLifecycle, Subkind: dispatch.SubkindSubscribe,
	}, dispatch.SubkindSubscribe)
	require.NoError(t, agent.Handle(context.Background(), state))

	reply, due := state.Response()
	assert.True(t, due)
	assert.Equal(t, welcomeText, reply)
	assert.Equal(t, 0, client.calls)
}

func TestChatAgentTagsProfileFromEntities(t *testing.T) {
	client := &scriptedLLM{text: "好的"}
	tagger := &stubTagger{}
	agent := NewChatAgent(client, "model-id", 1024, newMemoryContexts(), &stubFAQs{}, tagger, nil)

	state := messageState("openid-1", "我想买些乌龙茶", "purchase")
	state.Entities["product"] = "乌龙茶"
	require.NoError(t, agent.Handle(context.Background(), state))

	assert.Equal(t, "openid-1", tagger.openID)
	assert.Equal(t, []string{"product:乌龙茶"}, tagger.tags)
	assert.Equal(t, 1, tagger.interactions)
}

func TestChatAgentIncludesHistoryInPrompt(t *testing.T) {
	client := &scriptedLLM{text: "大约三千元。"}
	contexts := newMemoryContexts()
	contexts.turns["openid-1"] = []conversation.Turn{
		{Role: conversation.RoleUser, Content: "你们有大红袍吗"},
		{Role: conversation.RoleAssistant, Content: "有的"},
	}
	agent := NewChatAgent(client, "model-id", 1024, contexts, &stubFAQs{}, nil, nil)

	state := messageState("openid-1", "多少钱一斤", "query")
	require.NoError(t, agent.Handle(context.Background(), state))

	// History plus the appended user turn plus the new question.
	require.GreaterOrEqual(t, len(client.lastReq.Messages), 3)
	assert.Equal(t, "你们有大红袍吗", client.lastReq.Messages[0].Content)
	assert.Equal(t, "多少钱一斤", client.lastReq.Messages[len(client.lastReq.Messages)-1].Content)
}
