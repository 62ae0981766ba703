// Package archive keeps immutable copies of published content in S3.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// S3API is the subset of the S3 client used by Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// DraftRecord is the archived form of one generated draft.
type DraftRecord struct {
	DraftID    uuid.UUID `json:"draft_id"`
	OpenID     string    `json:"open_id"`
	Topic      string    `json:"topic"`
	Title      string    `json:"title"`
	Outline    []string  `json:"outline"`
	Body       string    `json:"body"`
	AltTitles  []string  `json:"alt_titles"`
	ArchivedAt time.Time `json:"archived_at"`
}

// Store archives generated drafts to S3.
type Store struct {
	bucket   string
	s3Client S3API
	logger   *slog.Logger
}

// NewStore creates an archive Store. If bucket is empty, all operations
// are no-ops.
func NewStore(s3Client S3API, bucket string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{bucket: bucket, s3Client: s3Client, logger: logger}
}

// Enabled returns true if archival is configured.
func (s *Store) Enabled() bool {
	return s != nil && s.bucket != "" && s.s3Client != nil
}

// ArchiveDraft writes the record as JSON and returns the object key.
func (s *Store) ArchiveDraft(ctx context.Context, record DraftRecord) (string, error) {
	if !s.Enabled() {
		return "", nil
	}

	if record.ArchivedAt.IsZero() {
		record.ArchivedAt = time.Now().UTC()
	}
	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("archive: marshal draft: %w", err)
	}

	key := fmt.Sprintf("drafts/v1/by-date/%d/%02d/%02d/%s.json",
		record.ArchivedAt.Year(), record.ArchivedAt.Month(), record.ArchivedAt.Day(), record.DraftID)

	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("archive: s3 put %s: %w", key, err)
	}

	s.logger.Info("archived draft to S3",
		"draft_id", record.DraftID,
		"s3_key", key,
	)
	return key, nil
}
