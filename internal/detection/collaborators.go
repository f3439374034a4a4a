package detection

import (
	"context"
	"errors"
	"fmt"

	"github.com/mikeyg42/cribwatch/internal/frame"
)

// ErrNoAccounts aborts a run for a session key with no registered accounts.
var ErrNoAccounts = errors.New("no account found for session")

// ErrNoStill aborts a run that has nothing to classify.
var ErrNoStill = errors.New("no still frame to classify")

// Classifier labels a still. An error is turned into an Indeterminate verdict.
type Classifier interface {
	Classify(ctx context.Context, still *frame.Frame) (Verdict, error)
}

// ArtifactStore persists stills and clips and returns a URL clients can open.
type ArtifactStore interface {
	Upload(ctx context.Context, name string, data []byte, contentType string) (string, error)
	UploadFile(ctx context.Context, name, path string) (string, error)
}

// Account is one user subscribed to a session.
type Account struct {
	ID                   string `db:"id"`
	SessionKey           string `db:"session_key"`
	DeviceToken          string `db:"device_token"`
	NotificationsEnabled bool   `db:"enable_notification"`
}

// AccountDirectory resolves the accounts attached to a session key.
type AccountDirectory interface {
	AccountsFor(ctx context.Context, sessionKey string) ([]Account, error)
}

// Event is one detection log entry. An empty URL is stored as null.
type Event struct {
	Kind       string
	URL        string
	Text       string
	SessionKey string
	Timestamp  string
}

// NotificationRecord is the in-app copy of a push notification.
type NotificationRecord struct {
	SessionKey string
	AccountID  string
	Content    string
	CreatedAt  string
	VideoURL   string
}

// EventLog persists detection results.
type EventLog interface {
	LogEvent(ctx context.Context, e Event) error
	SaveNotification(ctx context.Context, n NotificationRecord) error
	// ToggleImageUpdated flips the per-session flag dashboards watch for a
	// new still.
	ToggleImageUpdated(ctx context.Context, sessionKey string) error
}

// Notifier delivers a push notification to one device.
type Notifier interface {
	Notify(ctx context.Context, deviceToken, title, body string) error
}

// CollaboratorError wraps a failure of an external dependency.
type CollaboratorError struct {
	Collaborator string
	Op           string
	Err          error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Collaborator, e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error {
	return e.Err
}
