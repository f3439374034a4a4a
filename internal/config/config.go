package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mikeyg42/cribwatch/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g.
// CRIBWATCH_SERVER_ADDR or CRIBWATCH_STORAGE_MINIO_BUCKET.
const EnvPrefix = "CRIBWATCH"

// Config holds all application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Video        VideoConfig        `mapstructure:"video"`
	Recording    RecordingConfig    `mapstructure:"recording"`
	Sampler      SamplerConfig      `mapstructure:"sampler"`
	Detection    DetectionConfig    `mapstructure:"detection"`
	Classifier   ClassifierConfig   `mapstructure:"classifier"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Notification NotificationConfig `mapstructure:"notification"`
	Log          logging.Config     `mapstructure:"log"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	StreamRateLimit int           `mapstructure:"stream_rate_limit"` // stream requests per minute per client
	MaxFrameBytes   int64         `mapstructure:"max_frame_bytes"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type VideoConfig struct {
	Width       int `mapstructure:"width"`
	Height      int `mapstructure:"height"`
	FrameRate   int `mapstructure:"frame_rate"`
	JPEGQuality int `mapstructure:"jpeg_quality"`
}

type RecordingConfig struct {
	Dir              string `mapstructure:"dir"`
	Container        string `mapstructure:"container"` // mkv or avi
	MaxSampleFrames  int    `mapstructure:"max_sample_frames"`
	MaxStreamBacklog int    `mapstructure:"max_stream_backlog"`
}

type SamplerConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	Grace     time.Duration `mapstructure:"grace"`
	ClipDir   string        `mapstructure:"clip_dir"`
	Container string        `mapstructure:"container"`
}

type DetectionConfig struct {
	TimezoneOffsetHours int           `mapstructure:"timezone_offset_hours"`
	StillKind           string        `mapstructure:"still_kind"`
	ClipKind            string        `mapstructure:"clip_kind"`
	NotificationTitle   string        `mapstructure:"notification_title"`
	NotificationBody    string        `mapstructure:"notification_body"`
	FanoutWorkers       int           `mapstructure:"fanout_workers"`
	Timeout             time.Duration `mapstructure:"timeout"`
}

type ClassifierConfig struct {
	URL          string        `mapstructure:"url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

type StorageConfig struct {
	MinIO    MinIOConfig    `mapstructure:"minio"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type MinIOConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	UseSSL          bool          `mapstructure:"use_ssl"`
	Bucket          string        `mapstructure:"bucket"`
	Region          string        `mapstructure:"region"`
	PublicBaseURL   string        `mapstructure:"public_base_url"`
	URLExpiry       time.Duration `mapstructure:"url_expiry"`
	MaxUploads      int           `mapstructure:"max_uploads"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type NotificationConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	ProjectID       string        `mapstructure:"project_id"`
	CredentialsFile string        `mapstructure:"credentials_file"`
	SendTimeout     time.Duration `mapstructure:"send_timeout"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8000",
			AllowedOrigins:  []string{"*"},
			StreamRateLimit: 60,
			MaxFrameBytes:   4 << 20,
			ShutdownTimeout: 10 * time.Second,
		},
		Video: VideoConfig{
			Width:       640,
			Height:      480,
			FrameRate:   25,
			JPEGQuality: 90,
		},
		Recording: RecordingConfig{
			Dir:              "recordings/",
			Container:        "mkv",
			MaxSampleFrames:  250,
			MaxStreamBacklog: 0, // unbounded
		},
		Sampler: SamplerConfig{
			Interval:  time.Second,
			Grace:     5 * time.Second,
			ClipDir:   "recordings/clips/",
			Container: "mkv",
		},
		Detection: DetectionConfig{
			TimezoneOffsetHours: 7,
			StillKind:           "image_crib",
			ClipKind:            "video_crib",
			NotificationTitle:   "Thông báo từ hệ thống",
			NotificationBody:    "Trẻ đang không an toàn. Vui lòng kiểm tra.",
			FanoutWorkers:       8,
			Timeout:             30 * time.Second,
		},
		Classifier: ClassifierConfig{
			URL:          "http://localhost:5000/classify",
			Timeout:      10 * time.Second,
			MaxRetries:   2,
			RetryBackoff: 200 * time.Millisecond,
		},
		Storage: StorageConfig{
			MinIO: MinIOConfig{
				Endpoint:       "localhost:9000",
				Bucket:         "cribwatch",
				Region:         "us-east-1",
				URLExpiry:      7 * 24 * time.Hour,
				MaxUploads:     10,
				ConnectTimeout: 30 * time.Second,
				MaxRetries:     3,
				RetryBackoff:   500 * time.Millisecond,
			},
			Postgres: PostgresConfig{
				Host:            "localhost",
				Port:            5432,
				Database:        "cribwatch",
				Username:        "cribwatch",
				SSLMode:         "disable",
				MaxConnections:  25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Notification: NotificationConfig{
			Enabled:     false,
			SendTimeout: 10 * time.Second,
			MaxAttempts: 3,
		},
		Log: logging.Config{
			Level:  "info",
			Format: "json",
			Stdout: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads an optional YAML/JSON file at path, applies CRIBWATCH_*
// environment overrides and unmarshals the result over the defaults.
func Load(path string) (*Config, error) {
	cfg := NewDefaultConfig()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only resolves keys viper already knows about
	setDefaults(v, "", reflect.ValueOf(cfg).Elem())

	if path != "" {
		v.SetConfigFile(path)
		switch ext := filepath.Ext(path); ext {
		case ".yaml", ".yml":
			v.SetConfigType("yaml")
		case ".json":
			v.SetConfigType("json")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every mapstructure key of rv with its current value.
func setDefaults(v *viper.Viper, prefix string, rv reflect.Value) {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		fv := rv.Field(i)
		if fv.Kind() == reflect.Struct {
			setDefaults(v, key, fv)
			continue
		}
		v.SetDefault(key, fv.Interface())
	}
}
