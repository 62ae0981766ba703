package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Memory is a Client backed by an in-memory buffered channel.
type Memory struct {
	ch chan Message
}

// NewMemory creates a Memory queue with the provided buffer capacity.
func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = 128
	}
	return &Memory{ch: make(chan Message, buffer)}
}

// Send enqueues a payload or blocks until ctx is done.
func (q *Memory) Send(ctx context.Context, body string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	msg := Message{
		ID:            uuid.NewString(),
		Body:          body,
		ReceiptHandle: uuid.NewString(),
	}
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive blocks until a message is available, ctx is done, or
// waitSeconds elapses.
func (q *Memory) Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if maxMessages <= 0 {
		maxMessages = 1
	}

	var timer *time.Timer
	if waitSeconds > 0 {
		timer = time.NewTimer(time.Duration(waitSeconds) * time.Second)
		defer timer.Stop()
	}

	if timer == nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg := <-q.ch:
			return q.collect(msg, maxMessages), nil
		}
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case msg := <-q.ch:
		return q.collect(msg, maxMessages), nil
	}
}

// Delete is a no-op for the in-memory queue.
func (q *Memory) Delete(ctx context.Context, receiptHandle string) error {
	return nil
}

func (q *Memory) collect(first Message, maxMessages int) []Message {
	messages := []Message{first}
	for len(messages) < maxMessages {
		select {
		case msg := <-q.ch:
			messages = append(messages, msg)
		default:
			return messages
		}
	}
	return messages
}
