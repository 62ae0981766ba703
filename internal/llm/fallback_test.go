package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedClient struct {
	resp  Response
	err   error
	calls int
}

func (s *scriptedClient) Complete(ctx context.Context, req Request) (Response, error) {
	s.calls++
	return s.resp, s.err
}

func TestFallbackClientPrimarySucceeds(t *testing.T) {
	primary := &scriptedClient{resp: Response{Text: "primary"}}
	fallback := &scriptedClient{resp: Response{Text: "fallback"}}
	client := NewFallbackClient(primary, fallback, nil)

	resp, err := client.Complete(context.Background(), Request{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "primary", resp.Text)
	assert.Equal(t, 0, fallback.calls)
}

func TestFallbackClientUsesFallbackOnPrimaryFailure(t *testing.T) {
	primary := &scriptedClient{err: errors.New("throttled")}
	fallback := &scriptedClient{resp: Response{Text: "fallback"}}
	client := NewFallbackClient(primary, fallback, nil)

	resp, err := client.Complete(context.Background(), Request{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "fallback", resp.Text)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, fallback.calls)
}

func TestFallbackClientNoFallbackConfigured(t *testing.T) {
	primary := &scriptedClient{err: errors.New("down")}
	client := NewFallbackClient(primary, nil, nil)

	_, err := client.Complete(context.Background(), Request{Model: "m"})
	assert.EqualError(t, err, "down")
}

func TestFallbackClientBothFail(t *testing.T) {
	primary := &scriptedClient{err: errors.New("primary down")}
	fallback := &scriptedClient{err: errors.New("fallback down")}
	client := NewFallbackClient(primary, fallback, nil)

	_, err := client.Complete(context.Background(), Request{Model: "m"})
	assert.EqualError(t, err, "fallback down")
}
