package logging

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stage_gateway/internal/models"
)

type fakeS3 struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.input = params
	f.body, _ = io.ReadAll(params.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Writer_Upload(t *testing.T) {
	client := &fakeS3{}
	w := NewS3WriterWithClient(client, "audit-bucket", "audit", "gw-0", nil)
	w.now = func() time.Time { return time.Date(2026, 10, 16, 14, 30, 22, 123456789, time.UTC) }

	user := "user-1"
	records := []*models.AuditRecord{
		{RequestID: "r1", UserID: &user, Status: models.AuditSuccess, HTTPStatus: 200},
		{RequestID: "r2", Status: models.AuditRejected, HTTPStatus: 401},
	}

	key, err := w.Upload(context.Background(), records)
	require.NoError(t, err)
	assert.Equal(t, "audit/2026/10/16/gw-0-20261016-143022-123456789.jsonl", key)
	assert.Equal(t, "audit-bucket", aws.ToString(client.input.Bucket))
	assert.Equal(t, "application/x-ndjson", aws.ToString(client.input.ContentType))

	scanner := bufio.NewScanner(bytes.NewReader(client.body))
	var ids []string
	for scanner.Scan() {
		var rec models.AuditRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		ids = append(ids, rec.RequestID)
	}
	assert.Equal(t, []string{"r1", "r2"}, ids)
}

func TestS3Writer_EmptyBatchAndErrors(t *testing.T) {
	client := &fakeS3{}
	w := NewS3WriterWithClient(client, "b", "", "", nil)

	key, err := w.Upload(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, key)
	assert.Nil(t, client.input)

	client.err = errors.New("throttled")
	err = w.WriteBatch(context.Background(), []*models.AuditRecord{{RequestID: "r"}})
	assert.ErrorContains(t, err, "throttled")
	assert.Equal(t, "s3", w.Name())
}
