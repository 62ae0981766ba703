package intent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexleaf/wechat-ai-platform/internal/conversation"
	"github.com/hexleaf/wechat-ai-platform/internal/llm"
)

type scriptedLLM struct {
	text    string
	err     error
	lastReq llm.Request
}

func (s *scriptedLLM) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	s.lastReq = req
	if s.err != nil {
		return llm.Response{}, s.err
	}
	return llm.Response{Text: s.text}, nil
}

func TestClassifyWellFormedResult(t *testing.T) {
	client := &scriptedLLM{text: `{"intent":"content_creation","confidence":0.87,"entities":{"topic":"spring tea"}}`}
	classifier := NewClassifier(client, "model-id", 256, nil)

	result, err := classifier.Classify(context.Background(), "write me an article about spring tea", nil)
	require.NoError(t, err)
	assert.Equal(t, "content_creation", result.Intent)
	assert.Equal(t, 0.87, result.Confidence)
	assert.Equal(t, "spring tea", result.Entities["topic"])
}

func TestClassifyToleratesCodeFences(t *testing.T) {
	client := &scriptedLLM{text: "```json\n{\"intent\":\"query\",\"confidence\":0.8}\n```"}
	classifier := NewClassifier(client, "model-id", 256, nil)

	result, err := classifier.Classify(context.Background(), "how do I brew this", nil)
	require.NoError(t, err)
	assert.Equal(t, "query", result.Intent)
	assert.Equal(t, 0.8, result.Confidence)
}

func TestClassifyMalformedOutputDegrades(t *testing.T) {
	cases := []string{
		"I think this is a greeting!",
		`{"intent":"greeting"`,
		`{"intent":"not_in_taxonomy","confidence":0.9}`,
		`{"intent":"greeting","confidence":1.7}`,
		"",
	}
	for _, output := range cases {
		client := &scriptedLLM{text: output}
		classifier := NewClassifier(client, "model-id", 256, nil)

		result, err := classifier.Classify(context.Background(), "hello", nil)
		require.NoError(t, err, "output %q", output)
		assert.Equal(t, "other", result.Intent, "output %q", output)
		assert.Equal(t, 0.5, result.Confidence, "output %q", output)
	}
}

func TestClassifyCallFailureSurfacesError(t *testing.T) {
	client := &scriptedLLM{err: errors.New("throttled")}
	classifier := NewClassifier(client, "model-id", 256, nil)

	_, err := classifier.Classify(context.Background(), "hello", nil)
	assert.Error(t, err)
}

func TestClassifyIncludesContextTurns(t *testing.T) {
	client := &scriptedLLM{text: `{"intent":"query","confidence":0.8}`}
	classifier := NewClassifier(client, "model-id", 256, nil)

	turns := []conversation.Turn{
		{Role: conversation.RoleUser, Content: "do you sell oolong"},
		{Role: conversation.RoleAssistant, Content: "we do"},
	}
	_, err := classifier.Classify(context.Background(), "how much is it", turns)
	require.NoError(t, err)

	require.Len(t, client.lastReq.Messages, 3)
	assert.Equal(t, llm.RoleUser, client.lastReq.Messages[0].Role)
	assert.Equal(t, llm.RoleAssistant, client.lastReq.Messages[1].Role)
	assert.Equal(t, "how much is it", client.lastReq.Messages[2].Content)
	require.Len(t, client.lastReq.System, 1)
	assert.Contains(t, client.lastReq.System[0], "content_creation")
}
