package assets

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3 stores content in an S3-compatible bucket via minio-go.
type S3 struct {
	client    *minio.Client
	bucket    string
	signedTTL time.Duration
}

type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
	SignedTTL time.Duration
}

func NewS3(cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	ttl := cfg.SignedTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &S3{client: client, bucket: cfg.Bucket, signedTTL: ttl}, nil
}

func (s *S3) Upload(ctx context.Context, name string, data []byte) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, name, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return "", fmt.Errorf("%w: s3 put: %v", ErrUploadFailed, err)
	}
	return "s3://" + s.bucket + "/" + name, nil
}

func (s *S3) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	bucket, key, err := splitS3URL(rawURL)
	if err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("s3 get %s: %w", rawURL, err)
	}
	return obj, nil
}

// ResolveURL signs a short-lived GET URL; the stored s3:// form is not
// fetchable without credentials.
func (s *S3) ResolveURL(ctx context.Context, rawURL string) (string, error) {
	bucket, key, err := splitS3URL(rawURL)
	if err != nil {
		return "", err
	}
	signed, err := s.client.PresignedGetObject(ctx, bucket, key, s.signedTTL, url.Values{})
	if err != nil {
		return "", fmt.Errorf("s3 presign %s: %w", rawURL, err)
	}
	return signed.String(), nil
}

func splitS3URL(rawURL string) (bucket, key string, err error) {
	trimmed := strings.TrimPrefix(rawURL, "s3://")
	if trimmed == rawURL {
		return "", "", fmt.Errorf("not an s3 url: %q", rawURL)
	}
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed s3 url: %q", rawURL)
	}
	return parts[0], parts[1], nil
}
