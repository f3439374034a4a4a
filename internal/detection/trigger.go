package detection

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	ants "github.com/panjf2000/ants/v2"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/mikeyg42/cribwatch/internal/frame"
	"github.com/mikeyg42/cribwatch/internal/metrics"
)

// TimestampLayout is the format of log and notification timestamps.
const TimestampLayout = "2006-01-02T15:04:05.000"

// Config controls log kinds, notification text and timestamps.
type Config struct {
	StillKind         string
	ClipKind          string
	NotificationTitle string
	NotificationBody  string
	// Location used to render timestamps.
	Location *time.Location
	// FanoutWorkers bounds concurrent notification sends.
	FanoutWorkers int
	// RunTimeout bounds one run, including every collaborator call.
	RunTimeout time.Duration
}

// DefaultConfig mirrors the mobile app's expectations.
func DefaultConfig() Config {
	return Config{
		StillKind:         "image_crib",
		ClipKind:          "video_crib",
		NotificationTitle: "Thông báo từ hệ thống",
		NotificationBody:  "Trẻ đang không an toàn. Vui lòng kiểm tra.",
		Location:          time.FixedZone("UTC+7", 7*60*60),
		FanoutWorkers:     8,
		RunTimeout:        30 * time.Second,
	}
}

// Dependencies are the external collaborators a Trigger calls.
type Dependencies struct {
	Accounts   AccountDirectory
	Artifacts  ArtifactStore
	Classifier Classifier
	Events     EventLog
	Notifier   Notifier
}

// Result summarises one run. Errors lists the steps that failed but did not
// abort the run.
type Result struct {
	Verdict  Verdict
	StillURL string
	ClipURL  string
	Notified int
	Errors   []error
}

// Trigger orchestrates detection runs. It is safe for concurrent use by many
// sessions.
type Trigger struct {
	cfg    Config
	deps   Dependencies
	pool   *ants.Pool
	logger *zap.Logger
	now    func() time.Time
}

// Option customises a Trigger.
type Option func(*Trigger)

// WithLogger overrides the default named logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Trigger) { t.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Trigger) { t.now = now }
}

// New validates deps and starts the notification fan-out pool.
func New(cfg Config, deps Dependencies, opts ...Option) (*Trigger, error) {
	if deps.Accounts == nil || deps.Artifacts == nil || deps.Classifier == nil || deps.Events == nil || deps.Notifier == nil {
		return nil, fmt.Errorf("detection: all collaborators are required")
	}
	def := DefaultConfig()
	if cfg.StillKind == "" {
		cfg.StillKind = def.StillKind
	}
	if cfg.ClipKind == "" {
		cfg.ClipKind = def.ClipKind
	}
	if cfg.NotificationTitle == "" {
		cfg.NotificationTitle = def.NotificationTitle
	}
	if cfg.NotificationBody == "" {
		cfg.NotificationBody = def.NotificationBody
	}
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	if cfg.FanoutWorkers <= 0 {
		cfg.FanoutWorkers = def.FanoutWorkers
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = def.RunTimeout
	}

	t := &Trigger{
		cfg:    cfg,
		deps:   deps,
		logger: zap.L().Named("detection"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}

	pool, err := ants.NewPool(cfg.FanoutWorkers,
		ants.WithPanicHandler(func(v any) {
			t.logger.Error("Notification worker panicked", zap.Any("panic", v))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create fan-out pool: %w", err)
	}
	t.pool = pool
	return t, nil
}

// Close releases the fan-out pool.
func (t *Trigger) Close() {
	t.pool.Release()
}

// Run executes one detection cycle for sessionKey. clipPath may be empty when
// there is no clip (one-shot predictions). Only a failed or empty account
// lookup aborts the run; every other failure is logged, recorded in
// Result.Errors and the run continues.
func (t *Trigger) Run(ctx context.Context, still *frame.Frame, clipPath, sessionKey string) (Result, error) {
	if still == nil || len(still.Data) == 0 {
		return Result{}, ErrNoStill
	}
	return t.run(ctx, sessionKey, clipPath, func() (*frame.Frame, error) { return still, nil })
}

// Predict runs a detection without a clip. decode is called only once the
// account lookup has succeeded, and its error is returned unwrapped.
func (t *Trigger) Predict(ctx context.Context, sessionKey string, decode func() (*frame.Frame, error)) (Result, error) {
	return t.run(ctx, sessionKey, "", decode)
}

func (t *Trigger) run(ctx context.Context, sessionKey, clipPath string, load func() (*frame.Frame, error)) (Result, error) {
	var res Result

	ctx, cancel := context.WithTimeout(ctx, t.cfg.RunTimeout)
	defer cancel()

	start := time.Now()
	defer func() { metrics.DetectionDuration.Observe(time.Since(start).Seconds()) }()

	logger := t.logger.With(zap.String("session", sessionKey))

	// 1. accounts
	accounts, err := t.deps.Accounts.AccountsFor(ctx, sessionKey)
	if err != nil {
		logger.Warn("Account lookup failed", zap.Error(err))
		return res, &CollaboratorError{Collaborator: "accounts", Op: "lookup", Err: err}
	}
	if len(accounts) == 0 {
		logger.Info("No accounts for session, skipping detection")
		return res, ErrNoAccounts
	}

	still, err := load()
	if err != nil {
		return res, err
	}
	if still == nil || len(still.Data) == 0 {
		return res, ErrNoStill
	}

	// 2. still upload
	stillName := fmt.Sprintf("%s_image_crib.jpg", sessionKey)
	res.StillURL, err = t.deps.Artifacts.Upload(ctx, stillName, still.Data, "image/jpeg")
	if err != nil {
		res.StillURL = ""
		res.Errors = append(res.Errors, t.fail(logger, "artifacts", "upload_still", err))
	}
	if err := t.deps.Events.ToggleImageUpdated(ctx, sessionKey); err != nil {
		res.Errors = append(res.Errors, t.fail(logger, "events", "toggle_image_updated", err))
	}

	// 3. classify
	res.Verdict, err = t.deps.Classifier.Classify(ctx, still)
	if err != nil {
		res.Verdict = IndeterminateVerdict(err.Error())
		res.Errors = append(res.Errors, t.fail(logger, "classifier", "classify", err))
	}
	metrics.Detections.WithLabelValues(res.Verdict.String()).Inc()

	// 4. still log entry, always before the clip entry
	timestamp := t.timestamp()
	if err := t.deps.Events.LogEvent(ctx, Event{
		Kind:       t.cfg.StillKind,
		URL:        res.StillURL,
		Text:       res.Verdict.Text(),
		SessionKey: sessionKey,
		Timestamp:  timestamp,
	}); err != nil {
		res.Errors = append(res.Errors, t.fail(logger, "events", "log_still", err))
	}

	logger.Info("Detection verdict",
		zap.String("verdict", res.Verdict.String()),
		zap.String("reason", res.Verdict.Reason),
		zap.Uint64("frame", still.Seq))

	if res.Verdict.Kind != NotInCrib {
		return res, nil
	}

	// 5. clip upload, clip log entry, fan-out
	if clipPath != "" {
		clipName := fmt.Sprintf("%s/%s", sessionKey, filepath.Base(clipPath))
		res.ClipURL, err = t.deps.Artifacts.UploadFile(ctx, clipName, clipPath)
		if err != nil {
			res.ClipURL = ""
			res.Errors = append(res.Errors, t.fail(logger, "artifacts", "upload_clip", err))
		}
		if err := t.deps.Events.LogEvent(ctx, Event{
			Kind:       t.cfg.ClipKind,
			URL:        res.ClipURL,
			Text:       res.Verdict.Text(),
			SessionKey: sessionKey,
			Timestamp:  t.timestamp(),
		}); err != nil {
			res.Errors = append(res.Errors, t.fail(logger, "events", "log_clip", err))
		}
	}

	notified, errs := t.fanOut(ctx, logger, accounts, sessionKey, res.ClipURL)
	res.Notified = notified
	res.Errors = append(res.Errors, errs...)
	return res, nil
}

// fanOut notifies every enabled account concurrently and stores an in-app
// record for each. Order across accounts is not defined.
func (t *Trigger) fanOut(ctx context.Context, logger *zap.Logger, accounts []Account, sessionKey, clipURL string) (int, []error) {
	targets := lo.Filter(accounts, func(a Account, _ int) bool {
		return a.NotificationsEnabled && a.DeviceToken != ""
	})
	if len(targets) == 0 {
		return 0, nil
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		errs     []error
		notified atomic.Int32
	)
	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	for _, acct := range targets {
		task := func() {
			defer wg.Done()
			if err := t.deps.Notifier.Notify(ctx, acct.DeviceToken, t.cfg.NotificationTitle, t.cfg.NotificationBody); err != nil {
				metrics.NotificationsSent.WithLabelValues("error").Inc()
				record(t.fail(logger.With(zap.String("account", acct.ID)), "notifier", "notify", err))
			} else {
				metrics.NotificationsSent.WithLabelValues("ok").Inc()
				notified.Add(1)
			}
			if err := t.deps.Events.SaveNotification(ctx, NotificationRecord{
				SessionKey: sessionKey,
				AccountID:  acct.ID,
				Content:    t.cfg.NotificationBody,
				CreatedAt:  t.timestamp(),
				VideoURL:   clipURL,
			}); err != nil {
				record(t.fail(logger, "events", "save_notification", err))
			}
		}

		wg.Add(1)
		if err := t.pool.Submit(task); err != nil {
			if !errors.Is(err, ants.ErrPoolClosed) {
				logger.Debug("Fan-out pool rejected task, running inline", zap.Error(err))
			}
			task()
		}
	}
	wg.Wait()
	return int(notified.Load()), errs
}

func (t *Trigger) fail(logger *zap.Logger, collaborator, op string, err error) error {
	cerr := &CollaboratorError{Collaborator: collaborator, Op: op, Err: err}
	logger.Warn("Detection step failed",
		zap.String("collaborator", collaborator),
		zap.String("op", op),
		zap.Error(err))
	return cerr
}

func (t *Trigger) timestamp() string {
	return t.now().In(t.cfg.Location).Format(TimestampLayout)
}
