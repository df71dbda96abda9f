package logging

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"tool_broker/internal/models"
	"tool_broker/internal/utils"
)

// objectPutter is the part of the S3 client the writer uses
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config locates the archive bucket. Endpoint and static keys are only
// needed for S3-compatible stores such as MinIO.
type S3Config struct {
	Bucket    string
	Region    string
	Prefix    string
	PodName   string
	Endpoint  string
	AccessKey string
	SecretKey string
	// Gzip compresses each batch and marks the object Content-Encoding: gzip
	Gzip bool
}

// S3Writer handles writing batches of usage records to S3
type S3Writer struct {
	client  objectPutter
	bucket  string
	prefix  string
	podName string
	gzip    bool
	now     func() time.Time
	logger  *utils.Logger
}

// NewS3Writer creates a new S3 writer
func NewS3Writer(ctx context.Context, cfg S3Config) (*S3Writer, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newS3Writer(client, cfg), nil
}

func newS3Writer(client objectPutter, cfg S3Config) *S3Writer {
	return &S3Writer{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		podName: cfg.PodName,
		gzip:    cfg.Gzip,
		now:     time.Now,
		logger:  utils.NewLogger("s3-writer"),
	}
}

// WriteBatch uploads records as one JSON Lines object and returns its key.
// Keys are partitioned by UTC day: <prefix>YYYY/MM/DD/<pod>-<stamp>-<nanos>.jsonl[.gz]
func (w *S3Writer) WriteBatch(ctx context.Context, records []*models.UsageRecord) (string, error) {
	if len(records) == 0 {
		return "", nil
	}

	now := w.now().UTC()
	key := fmt.Sprintf("%s%s/%s-%s-%d.jsonl",
		w.prefix, now.Format("2006/01/02"), w.podName, now.Format("20060102-150405"), now.Nanosecond())

	body, err := encodeJSONLines(records)
	if err != nil {
		return "", err
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		ContentType: aws.String("application/x-ndjson"),
		Metadata: map[string]string{
			"record-count": strconv.Itoa(len(records)),
			"pod":          w.podName,
		},
	}
	if w.gzip {
		if body, err = gzipBytes(body); err != nil {
			return "", err
		}
		key += ".gz"
		input.ContentEncoding = aws.String("gzip")
	}
	input.Key = aws.String(key)
	input.Body = bytes.NewReader(body)

	if _, err := w.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("failed to upload %s to S3: %w", key, err)
	}

	w.logger.Info("Archived usage batch", "key", key, "count", len(records), "bytes", len(body))
	return key, nil
}

func encodeJSONLines(records []*models.UsageRecord) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	for _, record := range records {
		if err := encoder.Encode(record); err != nil {
			return nil, fmt.Errorf("failed to encode usage record %s: %w", record.ID, err)
		}
	}
	return buf.Bytes(), nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("failed to compress batch: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress batch: %w", err)
	}
	return buf.Bytes(), nil
}
