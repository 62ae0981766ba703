// Package queue abstracts the publish work queue: SQS in deployment,
// an in-memory channel for local development and tests.
package queue

import "context"

// Message is one unit of queued work.
type Message struct {
	ID            string
	Body          string
	ReceiptHandle string
}

// Client is the transport the publish pipeline runs over.
type Client interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]Message, error)
	Delete(ctx context.Context, receiptHandle string) error
}
