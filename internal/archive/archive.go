// Package archive keeps raw provider payloads next to the normalized rows so
// records can be re-derived without calling the provider again.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"trailsync/internal/config"
	"trailsync/internal/models"
)

// Archiver stores one payload under key and returns its location.
type Archiver interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// New picks S3 when a bucket is configured, the local directory when one is
// set, and returns nil when archiving is disabled.
func New(ctx context.Context, cfg config.ArchiveConfig, opts ...func(*awsconfig.LoadOptions) error) (Archiver, error) {
	if cfg.S3Bucket != "" {
		return NewS3(ctx, cfg, opts...)
	}
	if cfg.Dir != "" {
		return &Local{baseDir: cfg.Dir}, nil
	}
	return nil, nil
}

// Key builds the object key for a raw record payload.
func Key(src models.DataSource, userID, providerID string) string {
	return sanitizeKey(fmt.Sprintf("raw/%s/%s/%s.json", src, userID, providerID))
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean("/" + key))
	return strings.TrimPrefix(key, "/")
}

// Local writes payloads below a base directory.
type Local struct {
	baseDir string
}

func NewLocal(dir string) *Local {
	return &Local{baseDir: dir}
}

func (l *Local) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(sanitizeKey(key)))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

// S3 writes payloads to a bucket.
type S3 struct {
	client *s3.Client
	bucket string
}

// NewS3 builds an S3 archiver. A custom endpoint (MinIO, LocalStack) may be set
// together with path-style addressing.
func NewS3(ctx context.Context, cfg config.ArchiveConfig, opts ...func(*awsconfig.LoadOptions) error) (*S3, error) {
	loadOpts := append([]func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.S3Region)}, opts...)
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3PathStyle
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
	})
	return &S3{client: client, bucket: cfg.S3Bucket}, nil
}

func (s *S3) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key = sanitizeKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
