// Package tasks runs the background publishing pipeline: scheduled
// jobs persisted in DynamoDB, moved through SQS, executed by a worker,
// plus the daily analytics snapshot.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/hexleaf/wechat-ai-platform/internal/agents"
)

// JobStatus is the lifecycle of one publish job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusEnqueued  JobStatus = "enqueued"
	JobStatusPublished JobStatus = "published"
	JobStatusFailed    JobStatus = "failed"
)

// ErrJobNotFound indicates the requested job id does not exist.
var ErrJobNotFound = errors.New("tasks: job not found")

type dynamoAPI interface {
	PutItem(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(context.Context, *dynamodb.UpdateItemInput, ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Scan(context.Context, *dynamodb.ScanInput, ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// JobRecord is the persisted state of one scheduled publication.
type JobRecord struct {
	JobID        string    `dynamodbav:"jobId"`
	DraftID      string    `dynamodbav:"draftId"`
	Title        string    `dynamodbav:"title"`
	RunAt        string    `dynamodbav:"runAt"`
	Status       JobStatus `dynamodbav:"status"`
	PublishID    string    `dynamodbav:"publishId,omitempty"`
	ErrorMessage string    `dynamodbav:"errorMessage,omitempty"`
	CreatedAt    string    `dynamodbav:"createdAt"`
	UpdatedAt    string    `dynamodbav:"updatedAt"`
}

// JobStore persists publish jobs to DynamoDB. It is the planner behind
// the scheduler agent.
type JobStore struct {
	client    dynamoAPI
	tableName string
	logger    *slog.Logger
}

var _ agents.PublishPlanner = (*JobStore)(nil)

func NewJobStore(client dynamoAPI, tableName string, logger *slog.Logger) *JobStore {
	if client == nil {
		panic("tasks: dynamodb client cannot be nil")
	}
	if tableName == "" {
		panic("tasks: table name cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JobStore{client: client, tableName: tableName, logger: logger}
}

// Schedule inserts a new pending publish job.
func (s *JobStore) Schedule(ctx context.Context, draftID uuid.UUID, title string, runAt time.Time) (agents.PublishJob, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	record := JobRecord{
		JobID:     uuid.NewString(),
		DraftID:   draftID.String(),
		Title:     title,
		RunAt:     runAt.UTC().Format(time.RFC3339),
		Status:    JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return agents.PublishJob{}, fmt.Errorf("tasks: marshal job: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(jobId)"),
	})
	if err != nil {
		return agents.PublishJob{}, fmt.Errorf("tasks: persist job: %w", err)
	}
	return toPublishJob(record), nil
}

// Pending lists jobs that have not been published yet, soonest first.
func (s *JobStore) Pending(ctx context.Context) ([]agents.PublishJob, error) {
	records, err := s.scanByStatus(ctx, JobStatusPending, JobStatusEnqueued)
	if err != nil {
		return nil, err
	}
	jobs := make([]agents.PublishJob, 0, len(records))
	for _, record := range records {
		jobs = append(jobs, toPublishJob(record))
	}
	sortJobs(jobs)
	return jobs, nil
}

// Due lists pending jobs whose run time has arrived.
func (s *JobStore) Due(ctx context.Context, now time.Time) ([]JobRecord, error) {
	records, err := s.scanByStatus(ctx, JobStatusPending)
	if err != nil {
		return nil, err
	}
	var due []JobRecord
	cutoff := now.UTC().Format(time.RFC3339)
	for _, record := range records {
		if record.RunAt <= cutoff {
			due = append(due, record)
		}
	}
	return due, nil
}

// Get fetches one job by id.
func (s *JobStore) Get(ctx context.Context, jobID string) (*JobRecord, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"jobId": &types.AttributeValueMemberS{Value: jobID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("tasks: get job: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrJobNotFound
	}
	var record JobRecord
	if err := attributevalue.UnmarshalMap(out.Item, &record); err != nil {
		return nil, fmt.Errorf("tasks: unmarshal job: %w", err)
	}
	return &record, nil
}

// MarkEnqueued moves a job from pending to enqueued.
func (s *JobStore) MarkEnqueued(ctx context.Context, jobID string) error {
	return s.setStatus(ctx, jobID, JobStatusEnqueued, "", "")
}

// MarkPublished records a successful publication.
func (s *JobStore) MarkPublished(ctx context.Context, jobID, publishID string) error {
	return s.setStatus(ctx, jobID, JobStatusPublished, publishID, "")
}

// MarkFailed records a failed publication.
func (s *JobStore) MarkFailed(ctx context.Context, jobID, errMsg string) error {
	return s.setStatus(ctx, jobID, JobStatusFailed, "", errMsg)
}

func (s *JobStore) setStatus(ctx context.Context, jobID string, status JobStatus, publishID, errMsg string) error {
	if jobID == "" {
		return errors.New("tasks: job id required")
	}
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"jobId": &types.AttributeValueMemberS{Value: jobID},
		},
		UpdateExpression: aws.String("SET #status = :status, publishId = :publish, errorMessage = :error, updatedAt = :updated"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status":  &types.AttributeValueMemberS{Value: string(status)},
			":publish": &types.AttributeValueMemberS{Value: publishID},
			":error":   &types.AttributeValueMemberS{Value: errMsg},
			":updated": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		return fmt.Errorf("tasks: update job %s: %w", jobID, err)
	}
	return nil
}

func (s *JobStore) scanByStatus(ctx context.Context, statuses ...JobStatus) ([]JobRecord, error) {
	values := map[string]types.AttributeValue{}
	filter := ""
	for i, status := range statuses {
		key := fmt.Sprintf(":s%d", i)
		values[key] = &types.AttributeValueMemberS{Value: string(status)}
		if filter != "" {
			filter += " OR "
		}
		filter += "#status = " + key
	}

	var records []JobRecord
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:                 aws.String(s.tableName),
			FilterExpression:          aws.String(filter),
			ExpressionAttributeNames:  map[string]string{"#status": "status"},
			ExpressionAttributeValues: values,
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("tasks: scan jobs: %w", err)
		}
		var page []JobRecord
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("tasks: unmarshal jobs: %w", err)
		}
		records = append(records, page...)
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return records, nil
}

func toPublishJob(record JobRecord) agents.PublishJob {
	runAt, _ := time.Parse(time.RFC3339, record.RunAt)
	draftID, _ := uuid.Parse(record.DraftID)
	return agents.PublishJob{
		ID:      record.JobID,
		DraftID: draftID,
		Title:   record.Title,
		RunAt:   runAt,
		Status:  string(record.Status),
	}
}

func sortJobs(jobs []agents.PublishJob) {
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].RunAt.Before(jobs[j].RunAt)
	})
}
