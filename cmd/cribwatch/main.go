package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/mikeyg42/cribwatch/internal/api"
	"github.com/mikeyg42/cribwatch/internal/classifier"
	"github.com/mikeyg42/cribwatch/internal/codec"
	"github.com/mikeyg42/cribwatch/internal/config"
	"github.com/mikeyg42/cribwatch/internal/detection"
	"github.com/mikeyg42/cribwatch/internal/logging"
	"github.com/mikeyg42/cribwatch/internal/metrics"
	"github.com/mikeyg42/cribwatch/internal/notification"
	"github.com/mikeyg42/cribwatch/internal/pipeline"
	"github.com/mikeyg42/cribwatch/internal/recorder"
	"github.com/mikeyg42/cribwatch/internal/recorder/cvsink"
	"github.com/mikeyg42/cribwatch/internal/sampler"
	"github.com/mikeyg42/cribwatch/internal/session"
	"github.com/mikeyg42/cribwatch/internal/storage"
)

const dependencyWait = 2 * time.Minute

// Application struct that holds all components
type Application struct {
	config     *config.Config
	logger     *zap.Logger
	restoreLog func()

	artifacts *storage.MinIOStore
	db        *storage.PostgresStore
	trigger   *detection.Trigger
	manager   *pipeline.Manager
	server    *api.Server
}

func main() {
	var configPath, addr string
	flag.StringVar(&configPath, "config", "", "path to a YAML or JSON config file")
	flag.StringVar(&addr, "addr", "", "HTTP listen address, overrides server.addr")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}

	app, err := NewApplication(cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}
	defer app.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Initialize(ctx); err != nil {
		app.logger.Error("Failed to initialize application", zap.Error(err))
		return
	}

	app.Run(ctx)
}

// NewApplication validates cfg and installs the global logger.
func NewApplication(cfg *config.Config) (*Application, error) {
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, restore, err := logging.Init(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return &Application{
		config:     cfg,
		logger:     logger,
		restoreLog: restore,
	}, nil
}

// Initialize connects to the external stores and builds the pipeline.
func (app *Application) Initialize(ctx context.Context) error {
	cfg := app.config

	minioCfg, pgCfg, err := config.CreateStorageConfigs(cfg)
	if err != nil {
		return err
	}

	app.artifacts, err = waitForDependency(ctx, app.logger, "minio", dependencyWait, func() (*storage.MinIOStore, error) {
		return storage.NewMinIOStore(minioCfg)
	})
	if err != nil {
		return err
	}
	app.db, err = waitForDependency(ctx, app.logger, "postgres", dependencyWait, func() (*storage.PostgresStore, error) {
		return storage.NewPostgresStore(pgCfg)
	})
	if err != nil {
		return err
	}

	cls, err := classifier.New(classifier.Config{
		URL:          cfg.Classifier.URL,
		Timeout:      cfg.Classifier.Timeout,
		MaxRetries:   cfg.Classifier.MaxRetries,
		RetryBackoff: cfg.Classifier.RetryBackoff,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to create classifier client: %w", err)
	}

	notifier, err := app.newNotifier(ctx)
	if err != nil {
		return err
	}

	app.trigger, err = detection.New(detection.Config{
		StillKind:         cfg.Detection.StillKind,
		ClipKind:          cfg.Detection.ClipKind,
		NotificationTitle: cfg.Detection.NotificationTitle,
		NotificationBody:  cfg.Detection.NotificationBody,
		Location:          cfg.Location(),
		FanoutWorkers:     cfg.Detection.FanoutWorkers,
		RunTimeout:        cfg.Detection.Timeout,
	}, detection.Dependencies{
		Accounts:   app.db,
		Artifacts:  app.artifacts,
		Classifier: cls,
		Events:     app.db,
		Notifier:   notifier,
	}, detection.WithLogger(app.logger.Named("detection")))
	if err != nil {
		return err
	}

	params := recorder.Params{
		Width:  cfg.Video.Width,
		Height: cfg.Video.Height,
		FPS:    cfg.Video.FrameRate,
	}

	scheduler := sampler.New(sampler.Config{
		Interval: cfg.Sampler.Interval,
		Grace:    cfg.Sampler.Grace,
		ClipDir:  cfg.Sampler.ClipDir,
		ClipExt:  config.ContainerExt(cfg.Sampler.Container),
		Params:   params,
	}, sinkFactory(cfg.Sampler.Container), app.trigger, app.logger.Named("sampler"))

	app.manager, err = pipeline.New(pipeline.Config{
		RecordingDir: cfg.Recording.Dir,
		RecordingExt: config.ContainerExt(cfg.Recording.Container),
		Params:       params,
	}, pipeline.Dependencies{
		Store: session.NewStore(session.Options{
			SampleCacheLimit: cfg.Recording.MaxSampleFrames,
			StreamQueueLimit: cfg.Recording.MaxStreamBacklog,
		}),
		Decoder:   codec.NewJPEGDecoder(cfg.Video.JPEGQuality),
		Sinks:     sinkFactory(cfg.Recording.Container),
		Scheduler: scheduler,
		Detector:  app.trigger,
	}, app.logger.Named("pipeline"))
	if err != nil {
		return err
	}

	apiCfg := api.Config{
		Addr:            cfg.Server.Addr,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		StreamRateLimit: cfg.Server.StreamRateLimit,
		MaxFrameBytes:   cfg.Server.MaxFrameBytes,
		MetricsPath:     cfg.Metrics.Path,
		Storage:         app.artifacts,
		Database:        app.db,
	}
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics.Register(reg)
		apiCfg.Gatherer = reg
	}
	app.server = api.NewServer(apiCfg, app.manager, app.logger.Named("api"))

	return nil
}

func (app *Application) newNotifier(ctx context.Context) (detection.Notifier, error) {
	ncfg := app.config.Notification
	if !ncfg.Enabled {
		app.logger.Warn("Push notifications disabled")
		return notification.NewLogNotifier(app.logger.Named("notification")), nil
	}
	n, err := notification.NewFCMNotifier(ctx, notification.FCMConfig{
		Enabled:         true,
		ProjectID:       ncfg.ProjectID,
		CredentialsFile: ncfg.CredentialsFile,
		SendTimeout:     ncfg.SendTimeout,
		MaxAttempts:     ncfg.MaxAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create FCM notifier: %w", err)
	}
	return n, nil
}

// sinkFactory picks the recorder backend for a container name.
func sinkFactory(container string) recorder.SinkFactory {
	if container == "avi" {
		return cvsink.Open
	}
	return recorder.OpenMatroska
}

// Run serves until ctx is cancelled, then shuts down in order: stop taking
// connections, tear down sessions, stop sampler tasks.
func (app *Application) Run(ctx context.Context) {
	app.server.StartInBackground()
	app.logger.Info("cribwatch started", zap.String("addr", app.config.Server.Addr))

	<-ctx.Done()
	app.logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.config.Server.ShutdownTimeout)
	defer cancel()

	if err := app.server.Shutdown(shutdownCtx); err != nil {
		app.logger.Warn("API server shutdown incomplete", zap.Error(err))
	}
	app.manager.Shutdown(app.config.Server.ShutdownTimeout)
}

func (app *Application) Cleanup() {
	if app.trigger != nil {
		app.trigger.Close()
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Warn("Failed to close database", zap.Error(err))
		}
	}
	if app.restoreLog != nil {
		_ = app.logger.Sync()
		app.restoreLog()
	}
}
