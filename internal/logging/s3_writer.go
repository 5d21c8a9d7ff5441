package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"stage_gateway/internal/models"
)

// PutObjectAPI is the part of the S3 client the writer needs
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Writer archives audit batches to S3 as JSON Lines files
type S3Writer struct {
	client  PutObjectAPI
	bucket  string
	prefix  string
	podName string
	logger  *zap.Logger
	now     func() time.Time
}

// NewS3Writer creates a writer using the default AWS credential chain
func NewS3Writer(ctx context.Context, bucket, region, prefix, podName string, logger *zap.Logger) (*S3Writer, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewS3WriterWithClient(s3.NewFromConfig(cfg), bucket, prefix, podName, logger), nil
}

// NewS3WriterWithClient creates a writer on an existing client
func NewS3WriterWithClient(client PutObjectAPI, bucket, prefix, podName string, logger *zap.Logger) *S3Writer {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if podName == "" {
		podName = "gateway"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &S3Writer{
		client:  client,
		bucket:  bucket,
		prefix:  prefix,
		podName: podName,
		logger:  logger.Named("s3-writer"),
		now:     time.Now,
	}
}

// Name identifies this store in logs and metrics
func (w *S3Writer) Name() string {
	return "s3"
}

// WriteBatch uploads records as one object
func (w *S3Writer) WriteBatch(ctx context.Context, records []*models.AuditRecord) error {
	_, err := w.Upload(ctx, records)
	return err
}

// Upload writes a batch of records to S3 as a JSON Lines file and returns its key
func (w *S3Writer) Upload(ctx context.Context, records []*models.AuditRecord) (string, error) {
	if len(records) == 0 {
		return "", nil
	}

	// Format: audit/2026/10/16/gateway-0-20261016-143022-123456789.jsonl
	now := w.now().UTC()
	key := fmt.Sprintf("%s%04d/%02d/%02d/%s-%s-%d.jsonl",
		w.prefix,
		now.Year(),
		now.Month(),
		now.Day(),
		w.podName,
		now.Format("20060102-150405"),
		now.Nanosecond(),
	)

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	for _, record := range records {
		if err := encoder.Encode(record); err != nil {
			w.logger.Error("failed to encode audit record", zap.String("request_id", record.RequestID), zap.Error(err))
			continue
		}
	}

	_, err := w.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}

	w.logger.Debug("wrote audit batch to S3",
		zap.String("key", key),
		zap.Int("count", len(records)),
		zap.Int("bytes", buf.Len()),
	)
	return key, nil
}
