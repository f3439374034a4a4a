package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinIOStore uploads detection artifacts and hands back a URL the mobile app
// can open.
type MinIOStore struct {
	client     *minio.Client
	bucket     string
	logger     *zap.Logger
	config     MinIOConfig
	uploadPool chan struct{}

	metrics MinIOMetrics
}

// MinIOConfig contains MinIO configuration
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`

	// PublicBaseURL, when set, is used instead of presigned URLs:
	// <PublicBaseURL>/<bucket>/<key>. The bucket must allow anonymous reads.
	PublicBaseURL string        `mapstructure:"public_base_url"`
	URLExpiry     time.Duration `mapstructure:"url_expiry"`

	MaxUploads     int           `mapstructure:"max_uploads"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`

	// Retry settings (best-effort; MinIO client also retries internally)
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// MinIOMetrics tracks MinIO operations
type MinIOMetrics struct {
	TotalUploads  atomic.Uint64
	UploadBytes   atomic.Uint64
	UploadErrors  atomic.Uint64
	ActiveUploads atomic.Int32
}

func (c *MinIOConfig) setDefaults() {
	if c.MaxUploads <= 0 {
		c.MaxUploads = 10
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	// presigned GET URLs are capped at 7 days by S3
	if c.URLExpiry <= 0 || c.URLExpiry > 7*24*time.Hour {
		c.URLExpiry = 7 * 24 * time.Hour
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
}

// NewMinIOStore creates the client and makes sure the bucket exists.
func NewMinIOStore(config MinIOConfig) (*MinIOStore, error) {
	config.setDefaults()

	minioClient, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := newMinIOStore(minioClient, config)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()

	exists, err := minioClient.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		err = minioClient.MakeBucket(ctx, config.Bucket, minio.MakeBucketOptions{Region: config.Region})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		store.logger.Info("Created MinIO bucket", zap.String("bucket", config.Bucket))
	}

	return store, nil
}

func newMinIOStore(client *minio.Client, config MinIOConfig) *MinIOStore {
	config.setDefaults()
	store := &MinIOStore{
		client:     client,
		bucket:     config.Bucket,
		logger:     zap.L().Named("minio-store"),
		config:     config,
		uploadPool: make(chan struct{}, config.MaxUploads),
	}
	for i := 0; i < config.MaxUploads; i++ {
		store.uploadPool <- struct{}{}
	}
	return store
}

// Upload stores data under name and returns its URL.
func (s *MinIOStore) Upload(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = detectContentType(name)
	}
	if err := s.put(ctx, name, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return "", err
	}
	return s.URL(ctx, name)
}

// UploadFile stores the file at path under name and returns its URL.
func (s *MinIOStore) UploadFile(ctx context.Context, name, path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", &StorageError{Op: "put_file", Key: name, Err: err}
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return "", &StorageError{Op: "put_file", Key: name, Err: err}
	}

	if err := s.put(ctx, name, file, stat.Size(), detectContentType(path)); err != nil {
		return "", err
	}
	return s.URL(ctx, name)
}

func (s *MinIOStore) put(ctx context.Context, key string, reader io.ReadSeeker, size int64, contentType string) error {
	// Acquire upload slot
	select {
	case <-s.uploadPool:
		defer func() { s.uploadPool <- struct{}{} }()
	case <-ctx.Done():
		return &StorageError{Op: "put", Key: key, Err: ctx.Err()}
	}
	s.metrics.ActiveUploads.Add(1)
	defer s.metrics.ActiveUploads.Add(-1)

	putOpts := minio.PutObjectOptions{ContentType: contentType}

	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			if _, err := reader.Seek(0, io.SeekStart); err != nil {
				return backoff.Permanent(fmt.Errorf("seek reset failed: %w", err))
			}
		}

		info, err := s.client.PutObject(ctx, s.bucket, key, reader, size, putOpts)
		if err != nil {
			s.metrics.UploadErrors.Add(1)
			return err
		}

		s.metrics.TotalUploads.Add(1)
		s.metrics.UploadBytes.Add(uint64(info.Size))

		s.logger.Debug("Object uploaded",
			zap.String("key", key),
			zap.Int64("size", info.Size),
			zap.String("etag", info.ETag))
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(s.newBackoff(), ctx)); err != nil {
		return &StorageError{
			Op:         "put",
			Key:        key,
			Err:        err,
			StatusCode: getMinioStatusCode(err),
			Retryable:  true,
		}
	}
	return nil
}

// fresh backoff per operation
func (s *MinIOStore) newBackoff() backoff.BackOff {
	ebo := backoff.NewExponentialBackOff()
	if s.config.RetryBackoff > 0 {
		ebo.InitialInterval = s.config.RetryBackoff
	}
	ebo.Reset()
	if s.config.MaxRetries > 0 {
		return backoff.WithMaxRetries(ebo, uint64(s.config.MaxRetries))
	}
	return ebo
}

// URL returns the address clients use to fetch key: a public URL when
// PublicBaseURL is configured, otherwise a presigned GET URL.
func (s *MinIOStore) URL(ctx context.Context, key string) (string, error) {
	if s.config.PublicBaseURL != "" {
		return publicURL(s.config.PublicBaseURL, s.bucket, key), nil
	}

	reqParams := url.Values{}
	reqParams.Set("response-content-type", detectContentType(key))

	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.config.URLExpiry, reqParams)
	if err != nil {
		return "", &StorageError{Op: "generate_url", Key: key, Err: err}
	}
	return u.String(), nil
}

func publicURL(base, bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.TrimRight(base, "/") + "/" + url.PathEscape(bucket) + "/" + strings.Join(segments, "/")
}

// HealthCheck verifies the storage is accessible
func (s *MinIOStore) HealthCheck(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return &StorageError{Op: "health_check", Err: err}
	}
	if !exists {
		return &StorageError{Op: "health_check", Err: fmt.Errorf("bucket %s does not exist", s.bucket)}
	}
	return nil
}

// UploadStats is a snapshot of MinIOMetrics.
type UploadStats struct {
	TotalUploads  uint64 `json:"total_uploads"`
	UploadBytes   uint64 `json:"upload_bytes"`
	UploadErrors  uint64 `json:"upload_errors"`
	ActiveUploads int32  `json:"active_uploads"`
}

// GetMetrics returns storage metrics
func (s *MinIOStore) GetMetrics() UploadStats {
	return UploadStats{
		TotalUploads:  s.metrics.TotalUploads.Load(),
		UploadBytes:   s.metrics.UploadBytes.Load(),
		UploadErrors:  s.metrics.UploadErrors.Load(),
		ActiveUploads: s.metrics.ActiveUploads.Load(),
	}
}

// getMinioStatusCode extracts HTTP status code from MinIO error
func getMinioStatusCode(err error) int {
	if errResp := minio.ToErrorResponse(err); errResp.Code != "" {
		switch errResp.Code {
		case "NoSuchKey", "NoSuchBucket":
			return 404
		case "AccessDenied":
			return 403
		case "InvalidArgument":
			return 400
		default:
			return 500
		}
	}
	return 500
}
