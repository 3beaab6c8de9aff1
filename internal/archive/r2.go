// Package archive keeps a copy of every raw webhook payload in R2.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archiver stores one raw payload.
type Archiver interface {
	Archive(ctx context.Context, source, eventID string, payload []byte) error
}

type Noop struct{}

func (Noop) Archive(context.Context, string, string, []byte) error { return nil }

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	AccessKeySecret string
	BucketName      string
}

func (c R2Config) Enabled() bool {
	return c.AccountID != "" && c.AccessKeyID != "" && c.AccessKeySecret != "" && c.BucketName != ""
}

type putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type R2 struct {
	client putter
	bucket string
	now    func() time.Time
}

func NewR2(ctx context.Context, cfg R2Config) (*R2, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("missing required R2 configuration parameters")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion("auto"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.AccessKeySecret,
			"",
		)),
		config.WithRetryer(func() aws.Retryer {
			return aws.NopRetryer{}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID))
		o.UsePathStyle = true
	})

	_, err = client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(cfg.BucketName),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NotFound") {
			return nil, fmt.Errorf("bucket %s not found or you don't have permission to access it", cfg.BucketName)
		}
		return nil, fmt.Errorf("failed to access bucket: %w", err)
	}

	return &R2{client: client, bucket: cfg.BucketName, now: time.Now}, nil
}

// Key lays payloads out by source and day: webhooks/crm/2024/05/01/<id>.json
func Key(source, eventID string, at time.Time) string {
	id := strings.NewReplacer("/", "_", ":", "_", " ", "_").Replace(eventID)
	return fmt.Sprintf("webhooks/%s/%s/%s.json", source, at.UTC().Format("2006/01/02"), id)
}

func (r *R2) Archive(ctx context.Context, source, eventID string, payload []byte) error {
	_, err := r.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(r.bucket),
		Key:         aws.String(Key(source, eventID, r.now())),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload to R2: %w", err)
	}
	return nil
}
