package queue

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// SQSAPI is the subset of the SQS client used by SQS.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQS implements Client backed by AWS SQS.
type SQS struct {
	client   SQSAPI
	queueURL string
}

func NewSQS(client SQSAPI, queueURL string) *SQS {
	if client == nil {
		panic("queue: SQS client cannot be nil")
	}
	if queueURL == "" {
		panic("queue: SQS queueURL cannot be empty")
	}
	return &SQS{client: client, queueURL: queueURL}
}

func (q *SQS) Send(ctx context.Context, body string) error {
	_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(body),
	})
	if err != nil {
		return fmt.Errorf("queue: failed to send SQS message: %w", err)
	}
	return nil
}

func (q *SQS) Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]Message, error) {
	output, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: int32(maxMessages),
		WaitTimeSeconds:     int32(waitSeconds),
	})
	if err != nil {
		return nil, fmt.Errorf("queue: failed to receive SQS messages: %w", err)
	}

	messages := make([]Message, 0, len(output.Messages))
	for _, msg := range output.Messages {
		messages = append(messages, Message{
			ID:            aws.ToString(msg.MessageId),
			Body:          aws.ToString(msg.Body),
			ReceiptHandle: aws.ToString(msg.ReceiptHandle),
		})
	}
	return messages, nil
}

func (q *SQS) Delete(ctx context.Context, receiptHandle string) error {
	if receiptHandle == "" {
		return nil
	}
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("queue: failed to delete SQS message: %w", err)
	}
	return nil
}
