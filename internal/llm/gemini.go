package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiClient implements Client using Google's Gemini API. It serves as
// the fallback provider when Bedrock is unavailable.
type GeminiClient struct {
	client  *genai.Client
	modelID string
}

// NewGeminiClient creates a new Gemini client.
func NewGeminiClient(ctx context.Context, apiKey, modelID string) (*GeminiClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("llm: gemini api key is required")
	}
	if strings.TrimSpace(modelID) == "" {
		modelID = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("llm: failed to create gemini client: %w", err)
	}

	return &GeminiClient{
		client:  client,
		modelID: modelID,
	}, nil
}

// Complete sends a completion request to Gemini and returns the response.
func (c *GeminiClient) Complete(ctx context.Context, req Request) (Response, error) {
	model := c.client.GenerativeModel(c.modelID)

	if req.Temperature >= 0 {
		model.SetTemperature(req.Temperature)
	}
	if req.TopP > 0 {
		model.SetTopP(req.TopP)
	}
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(req.MaxTokens)
	}

	if len(req.System) > 0 {
		systemText := strings.Join(req.System, "\n\n")
		if strings.TrimSpace(systemText) != "" {
			model.SystemInstruction = genai.NewUserContent(genai.Text(systemText))
		}
	}

	cs := model.StartChat()

	// All messages except the last become chat history.
	if len(req.Messages) > 1 {
		for _, msg := range req.Messages[:len(req.Messages)-1] {
			content := strings.TrimSpace(msg.Content)
			if content == "" {
				continue
			}
			if msg.Role == RoleSystem {
				continue
			}

			role := "user"
			if msg.Role == RoleAssistant {
				role = "model"
			}

			cs.History = append(cs.History, &genai.Content{
				Role:  role,
				Parts: []genai.Part{genai.Text(content)},
			})
		}
	}

	if len(req.Messages) == 0 {
		return Response{}, errors.New("llm: gemini requires at least one message")
	}

	lastMsg := req.Messages[len(req.Messages)-1]
	resp, err := cs.SendMessage(ctx, genai.Text(lastMsg.Content))
	if err != nil {
		return Response{}, fmt.Errorf("llm: gemini completion failed: %w", err)
	}

	if len(resp.Candidates) == 0 {
		return Response{}, errors.New("llm: gemini returned no candidates")
	}

	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return Response{}, errors.New("llm: gemini returned empty content")
	}

	var responseText strings.Builder
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			responseText.WriteString(string(text))
		}
	}

	result := Response{
		Text:       strings.TrimSpace(responseText.String()),
		StopReason: string(candidate.FinishReason),
	}

	if resp.UsageMetadata != nil {
		result.Usage = TokenUsage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:  resp.UsageMetadata.TotalTokenCount,
		}
	}

	return result, nil
}

// Close releases resources held by the Gemini client.
func (c *GeminiClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
