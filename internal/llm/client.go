package llm

import "context"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one turn handed to the text-generation backend.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type TokenUsage struct {
	InputTokens  int32
	OutputTokens int32
	TotalTokens  int32
}

type Request struct {
	Model       string
	System      []string
	Messages    []ChatMessage
	MaxTokens   int32
	Temperature float32
	TopP        float32
}

type Response struct {
	Text       string
	Usage      TokenUsage
	StopReason string
}

// Client is the text-generation capability consumed by the intent
// classifier and the content/analytics handlers. Failures are opaque to
// callers; retry policy lives in the implementations, not in callers.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}
