// Package notification delivers push notifications to the parents' devices
// through Firebase Cloud Messaging.
package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/oauth2/google"
	fcm "google.golang.org/api/fcm/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/mikeyg42/cribwatch/internal/detection"
)

const fcmScope = "https://www.googleapis.com/auth/firebase.messaging"

// FCMConfig configures the FCM HTTP v1 sender.
type FCMConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	ProjectID       string        `mapstructure:"project_id"`
	CredentialsFile string        `mapstructure:"credentials_file"`
	SendTimeout     time.Duration `mapstructure:"send_timeout"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
}

// FCMNotifier implements detection.Notifier.
type FCMNotifier struct {
	cfg    FCMConfig
	svc    *fcm.Service
	logger *zap.Logger
}

// NewFCMNotifier loads the service account credentials and builds the FCM
// client. Extra client options are appended after the credentials, so tests
// can point the client at a local endpoint.
func NewFCMNotifier(ctx context.Context, cfg FCMConfig, opts ...option.ClientOption) (*FCMNotifier, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("FCM project id is required")
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		data, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read FCM credentials: %w", err)
		}
		creds, err := google.CredentialsFromJSON(ctx, data, fcmScope)
		if err != nil {
			return nil, fmt.Errorf("failed to parse FCM credentials: %w", err)
		}
		clientOpts = append(clientOpts, option.WithTokenSource(creds.TokenSource))
	}
	clientOpts = append(clientOpts, opts...)

	svc, err := fcm.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to init FCM service: %w", err)
	}

	return &FCMNotifier{
		cfg:    cfg,
		svc:    svc,
		logger: zap.L().Named("fcm"),
	}, nil
}

// Notify sends one notification to deviceToken. 5xx and 429 replies are
// retried; an unregistered or malformed token fails immediately.
func (n *FCMNotifier) Notify(ctx context.Context, deviceToken, title, body string) error {
	req := &fcm.SendMessageRequest{
		Message: &fcm.Message{
			Token: deviceToken,
			Notification: &fcm.Notification{
				Title: title,
				Body:  body,
			},
		},
	}
	parent := "projects/" + n.cfg.ProjectID

	return SendWithRetry(ctx, RetryConfig{
		MaxAttempts: n.cfg.MaxAttempts,
		Delay:       n.cfg.RetryDelay,
		MaxDelay:    5 * n.cfg.RetryDelay,
	}, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, n.cfg.SendTimeout)
		defer cancel()

		msg, err := n.svc.Projects.Messages.Send(parent, req).Context(ctx).Do()
		if err != nil {
			if !retryable(err) {
				return backoff.Permanent(fmt.Errorf("fcm send: %w", err))
			}
			return fmt.Errorf("fcm send: %w", err)
		}
		n.logger.Debug("Notification sent", zap.String("message", msg.Name))
		return nil
	})
}

func retryable(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500
	}
	return true
}

// LogNotifier stands in when push delivery is disabled. It only logs.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier returns a notifier that drops every message.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.L().Named("notification")
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, deviceToken, title, body string) error {
	n.logger.Info("Push delivery disabled, notification not sent",
		zap.String("title", title),
		zap.String("body", body),
		zap.Int("token_len", len(deviceToken)))
	return nil
}

var (
	_ detection.Notifier = (*FCMNotifier)(nil)
	_ detection.Notifier = (*LogNotifier)(nil)
)
