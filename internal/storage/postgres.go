package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"

	"github.com/mikeyg42/cribwatch/internal/detection"
)

// PostgresStore implements the account directory and the event log on
// PostgreSQL.
type PostgresStore struct {
	db     *sqlx.DB
	logger *zap.Logger
	config PostgresConfig
}

// PostgresConfig contains PostgreSQL configuration
type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"` // disable, require, verify-ca, verify-full
	MaxConnections  int           `mapstructure:"max_connections"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN builds the lib/pq connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.Username, c.Password, c.Database, c.SSLMode,
	)
}

func (c *PostgresConfig) setDefaults() {
	if c.Port == 0 {
		c.Port = 5432
	}
	if c.SSLMode == "" {
		c.SSLMode = "require"
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
}

// NewPostgresStore connects, pings and creates the schema.
func NewPostgresStore(config PostgresConfig) (*PostgresStore, error) {
	config.setDefaults()

	db, err := sqlx.Open("postgres", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := NewPostgresStoreFromDB(db)
	store.config = config

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// NewPostgresStoreFromDB wraps an existing handle without touching the schema.
func NewPostgresStoreFromDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: zap.L().Named("postgres-store"),
	}
}

const schema = `
	CREATE TABLE IF NOT EXISTS accounts (
		id VARCHAR(255) PRIMARY KEY,
		session_key VARCHAR(255) NOT NULL,
		device_token TEXT NOT NULL DEFAULT '',
		enable_notification BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS detection_logs (
		id UUID PRIMARY KEY,
		session_key VARCHAR(255) NOT NULL,
		kind VARCHAR(32) NOT NULL,
		url TEXT,
		result TEXT NOT NULL,
		logged_at VARCHAR(32) NOT NULL,
		created_at TIMESTAMPTZ DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS notifications (
		id UUID PRIMARY KEY,
		session_key VARCHAR(255) NOT NULL,
		account_id VARCHAR(255) NOT NULL,
		content TEXT NOT NULL,
		created_at VARCHAR(32) NOT NULL,
		video_url TEXT
	);

	CREATE TABLE IF NOT EXISTS image_observer (
		session_key VARCHAR(255) PRIMARY KEY,
		image_updated BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at TIMESTAMPTZ DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_accounts_session_key ON accounts(session_key);
	CREATE INDEX IF NOT EXISTS idx_detection_logs_session_kind ON detection_logs(session_key, kind, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_notifications_account ON notifications(account_id);
	`

// initSchema creates the database schema if it doesn't exist
func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// AccountsFor returns every account registered to sessionKey.
func (s *PostgresStore) AccountsFor(ctx context.Context, sessionKey string) ([]detection.Account, error) {
	var accounts []detection.Account
	err := s.db.SelectContext(ctx, &accounts, `
		SELECT id, session_key, device_token, enable_notification
		FROM accounts
		WHERE session_key = $1
		ORDER BY id`, sessionKey)
	if err != nil {
		return nil, &StorageError{Op: "accounts_for", Key: sessionKey, Err: err}
	}
	return accounts, nil
}

// LogEvent appends a detection log entry. An empty URL is stored as NULL.
func (s *PostgresStore) LogEvent(ctx context.Context, e detection.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO detection_logs (id, session_key, kind, url, result, logged_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.NewString(), e.SessionKey, e.Kind, nullString(e.URL), e.Text, e.Timestamp)
	if err != nil {
		return &StorageError{Op: "log_event", Key: e.SessionKey, Err: err}
	}
	s.logger.Debug("Detection logged",
		zap.String("session", e.SessionKey),
		zap.String("kind", e.Kind),
		zap.String("result", e.Text))
	return nil
}

// SaveNotification stores the in-app copy of a push notification.
func (s *PostgresStore) SaveNotification(ctx context.Context, n detection.NotificationRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, session_key, account_id, content, created_at, video_url)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.NewString(), n.SessionKey, n.AccountID, n.Content, n.CreatedAt, nullString(n.VideoURL))
	if err != nil {
		return &StorageError{Op: "save_notification", Key: n.AccountID, Err: err}
	}
	return nil
}

// ToggleImageUpdated flips the image_updated flag for sessionKey, creating
// the row as true on first use.
func (s *PostgresStore) ToggleImageUpdated(ctx context.Context, sessionKey string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO image_observer (session_key, image_updated)
		VALUES ($1, TRUE)
		ON CONFLICT (session_key) DO UPDATE SET
			image_updated = NOT image_observer.image_updated,
			updated_at = NOW()`, sessionKey)
	if err != nil {
		return &StorageError{Op: "toggle_image_updated", Key: sessionKey, Err: err}
	}
	return nil
}

// HealthCheck verifies database connectivity
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

var (
	_ detection.AccountDirectory = (*PostgresStore)(nil)
	_ detection.EventLog         = (*PostgresStore)(nil)
	_ detection.ArtifactStore    = (*MinIOStore)(nil)
)
