package logging

import (
	"bufio"
	"bytes"
	"compress/gzip"
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

	"tool_broker/internal/models"
)

type fakePutter struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (p *fakePutter) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if p.err != nil {
		return nil, p.err
	}
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	p.inputs = append(p.inputs, params)
	p.bodies = append(p.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Writer_WriteBatch(t *testing.T) {
	putter := &fakePutter{}
	writer := newS3Writer(putter, S3Config{Bucket: "usage-archive", Prefix: "usage/", PodName: "broker-0"})
	writer.now = func() time.Time { return time.Date(2025, 11, 30, 14, 30, 22, 123456789, time.UTC) }

	records := []*models.UsageRecord{testRecord(), testRecord()}
	key, err := writer.WriteBatch(context.Background(), records)
	require.NoError(t, err)

	assert.Equal(t, "usage/2025/11/30/broker-0-20251130-143022-123456789.jsonl", key)
	require.Len(t, putter.inputs, 1)
	assert.Equal(t, "usage-archive", aws.ToString(putter.inputs[0].Bucket))
	assert.Equal(t, "application/x-ndjson", aws.ToString(putter.inputs[0].ContentType))

	scanner := bufio.NewScanner(bytes.NewReader(putter.bodies[0]))
	var lines int
	for scanner.Scan() {
		var got models.UsageRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &got))
		assert.Equal(t, records[lines].ID, got.ID)
		lines++
	}
	assert.Equal(t, 2, lines)
}

func TestS3Writer_EmptyBatch(t *testing.T) {
	putter := &fakePutter{}
	key, err := newS3Writer(putter, S3Config{Bucket: "b"}).WriteBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, key)
	assert.Empty(t, putter.inputs)
}

func TestS3Writer_UploadError(t *testing.T) {
	putter := &fakePutter{err: errors.New("access denied")}
	_, err := newS3Writer(putter, S3Config{Bucket: "b"}).WriteBatch(context.Background(), []*models.UsageRecord{testRecord()})
	assert.ErrorContains(t, err, "access denied")
}

func TestNewS3Writer_RequiresBucket(t *testing.T) {
	_, err := NewS3Writer(context.Background(), S3Config{Region: "us-east-1"})
	assert.Error(t, err)
}

func TestS3Writer_Gzip(t *testing.T) {
	putter := &fakePutter{}
	writer := newS3Writer(putter, S3Config{Bucket: "b", Prefix: "usage/", PodName: "broker-1", Gzip: true})
	writer.now = func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 6, time.UTC) }

	records := []*models.UsageRecord{testRecord(), testRecord(), testRecord()}
	key, err := writer.WriteBatch(context.Background(), records)
	require.NoError(t, err)
	assert.Equal(t, "usage/2025/01/02/broker-1-20250102-030405-6.jsonl.gz", key)

	input := putter.inputs[0]
	assert.Equal(t, "gzip", aws.ToString(input.ContentEncoding))
	assert.Equal(t, "3", input.Metadata["record-count"])

	zr, err := gzip.NewReader(bytes.NewReader(putter.bodies[0]))
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, 3, bytes.Count(plain, []byte("\n")))
}
