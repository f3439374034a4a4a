// helper functions for working with recorder and storage configuration: a
// thin layer above the general config that maps it onto package-specific
// types and validates runtime requirements.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mikeyg42/cribwatch/internal/storage"
)

// CreateStorageConfigs maps main config to storage-package-specific types
func CreateStorageConfigs(cfg *Config) (storage.MinIOConfig, storage.PostgresConfig, error) {
	if err := ValidateConfig(cfg); err != nil {
		return storage.MinIOConfig{}, storage.PostgresConfig{}, fmt.Errorf("config failed validation for storage layer: %w", err)
	}

	minioCfg := storage.MinIOConfig{
		Endpoint:        cfg.Storage.MinIO.Endpoint,
		AccessKeyID:     cfg.Storage.MinIO.AccessKeyID,
		SecretAccessKey: cfg.Storage.MinIO.SecretAccessKey,
		UseSSL:          cfg.Storage.MinIO.UseSSL,
		Bucket:          cfg.Storage.MinIO.Bucket,
		Region:          cfg.Storage.MinIO.Region,
		PublicBaseURL:   cfg.Storage.MinIO.PublicBaseURL,
		URLExpiry:       cfg.Storage.MinIO.URLExpiry,
		MaxUploads:      cfg.Storage.MinIO.MaxUploads,
		ConnectTimeout:  cfg.Storage.MinIO.ConnectTimeout,
		MaxRetries:      cfg.Storage.MinIO.MaxRetries,
		RetryBackoff:    cfg.Storage.MinIO.RetryBackoff,
	}

	pgCfg := storage.PostgresConfig{
		Host:            cfg.Storage.Postgres.Host,
		Port:            cfg.Storage.Postgres.Port,
		Database:        cfg.Storage.Postgres.Database,
		Username:        cfg.Storage.Postgres.Username,
		Password:        cfg.Storage.Postgres.Password,
		SSLMode:         cfg.Storage.Postgres.SSLMode,
		MaxConnections:  cfg.Storage.Postgres.MaxConnections,
		MaxIdleConns:    cfg.Storage.Postgres.MaxIdleConns,
		ConnMaxLifetime: cfg.Storage.Postgres.ConnMaxLifetime,
	}

	return minioCfg, pgCfg, nil
}

// GetDatabaseDSN returns the PostgreSQL connection string from main config
func GetDatabaseDSN(cfg *Config) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Storage.Postgres.Username,
		cfg.Storage.Postgres.Password,
		cfg.Storage.Postgres.Host,
		cfg.Storage.Postgres.Port,
		cfg.Storage.Postgres.Database,
		cfg.Storage.Postgres.SSLMode,
	)
}

// Location is the zone detection timestamps are rendered in.
func (c *Config) Location() *time.Location {
	offset := c.Detection.TimezoneOffsetHours
	return time.FixedZone(fmt.Sprintf("UTC%+d", offset), offset*60*60)
}

// ContainerExt maps a container name to a file extension.
func ContainerExt(container string) string {
	if container == "avi" {
		return ".avi"
	}
	return ".mkv"
}

// ValidateConfig checks runtime requirements and creates the recording and
// clip directories.
func ValidateConfig(cfg *Config) error {
	if cfg.Recording.Dir == "" {
		return fmt.Errorf("recording.dir is required")
	}
	if err := os.MkdirAll(cfg.Recording.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create recording directory %s: %w", cfg.Recording.Dir, err)
	}
	if cfg.Sampler.ClipDir == "" {
		return fmt.Errorf("sampler.clip_dir is required")
	}
	if err := os.MkdirAll(cfg.Sampler.ClipDir, 0755); err != nil {
		return fmt.Errorf("failed to create clip directory %s: %w", cfg.Sampler.ClipDir, err)
	}

	for name, c := range map[string]string{"recording.container": cfg.Recording.Container, "sampler.container": cfg.Sampler.Container} {
		if c != "mkv" && c != "avi" {
			return fmt.Errorf("%s must be mkv or avi, got %q", name, c)
		}
	}

	if cfg.Storage.MinIO.Endpoint == "" {
		return fmt.Errorf("storage.minio.endpoint is required")
	}
	if cfg.Storage.MinIO.Bucket == "" {
		return fmt.Errorf("storage.minio.bucket is required")
	}
	if cfg.Storage.Postgres.Host == "" {
		return fmt.Errorf("storage.postgres.host is required")
	}
	if cfg.Storage.Postgres.Database == "" {
		return fmt.Errorf("storage.postgres.database is required")
	}

	if cfg.Video.Width <= 0 || cfg.Video.Height <= 0 {
		return fmt.Errorf("invalid video dimensions: %dx%d", cfg.Video.Width, cfg.Video.Height)
	}
	if cfg.Video.FrameRate <= 0 {
		return fmt.Errorf("invalid frame rate: %d", cfg.Video.FrameRate)
	}
	if cfg.Video.JPEGQuality < 1 || cfg.Video.JPEGQuality > 100 {
		return fmt.Errorf("video.jpeg_quality must be within 1..100")
	}

	if cfg.Sampler.Interval <= 0 {
		return fmt.Errorf("sampler.interval must be positive")
	}
	if cfg.Sampler.Grace < 0 {
		return fmt.Errorf("sampler.grace must not be negative")
	}
	if cfg.Recording.MaxSampleFrames < 0 || cfg.Recording.MaxStreamBacklog < 0 {
		return fmt.Errorf("recording buffer limits must not be negative")
	}

	if cfg.Classifier.URL == "" {
		return fmt.Errorf("classifier.url is required")
	}
	if cfg.Notification.Enabled && cfg.Notification.ProjectID == "" {
		return fmt.Errorf("notification.project_id is required when notifications are enabled")
	}

	return nil
}
