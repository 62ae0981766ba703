// Package intent labels inbound messages with one of a fixed taxonomy
// of intents using the text-generation backend.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hexleaf/wechat-ai-platform/internal/conversation"
	"github.com/hexleaf/wechat-ai-platform/internal/dispatch"
	"github.com/hexleaf/wechat-ai-platform/internal/llm"
)

// Taxonomy is the closed set of labels the classifier may emit.
var Taxonomy = []string{
	"greeting",
	"query",
	"complaint",
	"praise",
	"purchase",
	"content_creation",
	"analytics",
	"schedule",
	"other",
}

const systemPrompt = `You are an intent classifier for a WeChat Official Account assistant.
Classify the user's message into exactly one of these intents:
greeting, query, complaint, praise, purchase, content_creation, analytics, schedule, other.

Respond with ONLY a JSON object, no prose, in this shape:
{"intent": "<label>", "confidence": <0.0-1.0>, "entities": {"<name>": "<value>"}}`

// Classifier calls the LLM once per message and parses a strict JSON
// result. It never retries; retry policy belongs to the LLM client.
type Classifier struct {
	client    llm.Client
	modelID   string
	maxTokens int32
	logger    *slog.Logger
}

func NewClassifier(client llm.Client, modelID string, maxTokens int32, logger *slog.Logger) *Classifier {
	if client == nil {
		panic("intent: llm client cannot be nil")
	}
	if maxTokens <= 0 {
		maxTokens = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		client:    client,
		modelID:   modelID,
		maxTokens: maxTokens,
		logger:    logger,
	}
}

// Classify labels one message. A malformed model answer degrades to
// {other, 0.5}; a failed call surfaces as an error for the dispatcher
// to absorb.
func (c *Classifier) Classify(ctx context.Context, text string, turns []conversation.Turn) (dispatch.Classification, error) {
	resp, err := c.client.Complete(ctx, llm.Request{
		Model:       c.modelID,
		System:      []string{systemPrompt},
		Messages:    buildMessages(text, turns),
		MaxTokens:   c.maxTokens,
		Temperature: 0,
	})
	if err != nil {
		return dispatch.Classification{}, fmt.Errorf("intent: classification call failed: %w", err)
	}

	result, ok := parseResult(resp.Text)
	if !ok {
		c.logger.Warn("classifier returned malformed output, degrading to other",
			"output", truncate(resp.Text, 200))
		return dispatch.Classification{Intent: "other", Confidence: 0.5}, nil
	}
	return result, nil
}

func buildMessages(text string, turns []conversation.Turn) []llm.ChatMessage {
	messages := make([]llm.ChatMessage, 0, len(turns)+1)
	for _, turn := range turns {
		role := llm.RoleUser
		if turn.Role == conversation.RoleAssistant {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.ChatMessage{Role: role, Content: turn.Content})
	}
	return append(messages, llm.ChatMessage{Role: llm.RoleUser, Content: text})
}

type rawResult struct {
	Intent     string            `json:"intent"`
	Confidence float64           `json:"confidence"`
	Entities   map[string]string `json:"entities"`
}

// parseResult decodes the model answer strictly as JSON. Fenced code
// blocks are tolerated since models often wrap JSON in them.
func parseResult(text string) (dispatch.Classification, bool) {
	cleaned := stripFences(strings.TrimSpace(text))

	var raw rawResult
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return dispatch.Classification{}, false
	}
	if !validLabel(raw.Intent) {
		return dispatch.Classification{}, false
	}
	if raw.Confidence < 0 || raw.Confidence > 1 {
		return dispatch.Classification{}, false
	}
	return dispatch.Classification{
		Intent:     raw.Intent,
		Confidence: raw.Confidence,
		Entities:   raw.Entities,
	}, true
}

func validLabel(label string) bool {
	for _, known := range Taxonomy {
		if label == known {
			return true
		}
	}
	return false
}

func stripFences(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
