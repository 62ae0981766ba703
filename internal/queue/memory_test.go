package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySendReceive(t *testing.T) {
	q := NewMemory(8)
	ctx := context.Background()

	require.NoError(t, q.Send(ctx, "first"))
	require.NoError(t, q.Send(ctx, "second"))

	messages, err := q.Receive(ctx, 10, 1)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "first", messages[0].Body)
	assert.Equal(t, "second", messages[1].Body)
	assert.NotEmpty(t, messages[0].ID)
}

func TestMemoryReceiveTimesOut(t *testing.T) {
	q := NewMemory(8)

	start := time.Now()
	messages, err := q.Receive(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Empty(t, messages)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestMemoryReceiveHonorsContext(t *testing.T) {
	q := NewMemory(8)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := q.Receive(ctx, 1, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryRespectsMaxMessages(t *testing.T) {
	q := NewMemory(8)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Send(ctx, "msg"))
	}

	messages, err := q.Receive(ctx, 3, 1)
	require.NoError(t, err)
	assert.Len(t, messages, 3)
}
