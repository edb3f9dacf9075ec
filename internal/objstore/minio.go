package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrNotFound = errors.New("object not found")

// Store is the hot object storage used for inputs and results.
type Store interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Put(ctx context.Context, bucket, key string, data []byte) error
	// Download writes the object to a local file, creating or truncating it.
	Download(ctx context.Context, bucket, key, path string) error
	// Upload stores a local file as an object.
	Upload(ctx context.Context, bucket, key, path string) error
	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, bucket, key string) error
	Presign(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

type MinioOpts func(c *minioConfig)

type minioConfig struct {
	endpoint        string
	region          string
	accessKey       string
	secretAccessKey string
	useSSL          bool
}

func newConfig(opts ...MinioOpts) *minioConfig {
	cfg := &minioConfig{useSSL: true}
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// MinioStore implements Store on any S3-compatible endpoint.
type MinioStore struct {
	client *minio.Client
}

func NewMinioStore(opts ...MinioOpts) (*MinioStore, error) {
	cfg := newConfig(opts...)

	client, err := minio.New(cfg.endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.accessKey, cfg.secretAccessKey, ""),
		Secure: cfg.useSSL,
		Region: cfg.region,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}
	return &MinioStore{client: client}, nil
}

func (s *MinioStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	object, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, wrapErr("get", bucket, key, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, wrapErr("get", bucket, key, err)
	}
	return data, nil
}

func (s *MinioStore) Put(ctx context.Context, bucket, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return wrapErr("put", bucket, key, err)
	}
	return nil
}

func (s *MinioStore) Download(ctx context.Context, bucket, key, path string) error {
	if err := s.client.FGetObject(ctx, bucket, key, path, minio.GetObjectOptions{}); err != nil {
		return wrapErr("download", bucket, key, err)
	}
	return nil
}

func (s *MinioStore) Upload(ctx context.Context, bucket, key, path string) error {
	if _, err := s.client.FPutObject(ctx, bucket, key, path, minio.PutObjectOptions{}); err != nil {
		return wrapErr("upload", bucket, key, err)
	}
	return nil
}

func (s *MinioStore) Delete(ctx context.Context, bucket, key string) error {
	err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
	if err != nil && !isNotFound(err) {
		return wrapErr("delete", bucket, key, err)
	}
	return nil
}

func (s *MinioStore) Presign(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, bucket, key, ttl, nil)
	if err != nil {
		return "", wrapErr("presign", bucket, key, err)
	}
	return u.String(), nil
}

// EnsureBucket creates bucket if it does not exist yet.
func (s *MinioStore) EnsureBucket(ctx context.Context, bucket, region string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	return nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || (resp.StatusCode == http.StatusNotFound && resp.Code != "NoSuchBucket")
}

func wrapErr(op, bucket, key string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%s %s/%s: %w", op, bucket, key, ErrNotFound)
	}
	return fmt.Errorf("%s %s/%s: %w", op, bucket, key, err)
}

func WithEndpoint(endpoint string) MinioOpts {
	return func(c *minioConfig) {
		c.endpoint = endpoint
	}
}

func WithRegion(region string) MinioOpts {
	return func(c *minioConfig) {
		c.region = region
	}
}

func WithAccessKey(accessKey string) MinioOpts {
	return func(c *minioConfig) {
		c.accessKey = accessKey
	}
}

func WithSecretKey(secretKey string) MinioOpts {
	return func(c *minioConfig) {
		c.secretAccessKey = secretKey
	}
}

func WithSSL(useSSL bool) MinioOpts {
	return func(c *minioConfig) {
		c.useSSL = useSSL
	}
}
