// Package sampler runs the periodic per-session task that flushes the sample
// cache into a clip and hands it to detection.
package sampler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/cribwatch/internal/detection"
	"github.com/mikeyg42/cribwatch/internal/frame"
	"github.com/mikeyg42/cribwatch/internal/metrics"
	"github.com/mikeyg42/cribwatch/internal/recorder"
	"github.com/mikeyg42/cribwatch/internal/session"
)

// Config controls tick cadence and clip output.
type Config struct {
	Interval time.Duration
	Grace    time.Duration
	ClipDir  string
	ClipExt  string
	Params   recorder.Params
}

// Runner is the detection step invoked after each clip.
type Runner interface {
	Run(ctx context.Context, still *frame.Frame, clipPath, sessionKey string) (detection.Result, error)
}

// Outcome is what one tick did.
type Outcome int

const (
	// Stopped means the session is no longer recording; the task exits.
	Stopped Outcome = iota
	// Empty means no frames arrived since the previous tick.
	Empty
	// ClipFailed means the swapped frames were dropped after a clip I/O error.
	ClipFailed
	// Detected means a clip was written and detection ran.
	Detected
)

func (o Outcome) String() string {
	switch o {
	case Stopped:
		return "stopped"
	case Empty:
		return "empty"
	case ClipFailed:
		return "clip_failed"
	default:
		return "detected"
	}
}

// Scheduler owns one goroutine per recording session. Tasks exit when the
// session stops recording, is torn down, or the scheduler is stopped.
type Scheduler struct {
	cfg    Config
	open   recorder.SinkFactory
	runner Runner
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	active atomic.Int32
}

// New creates a scheduler. Zero durations fall back to a 1s interval and a
// 5s grace delay.
func New(cfg Config, open recorder.SinkFactory, runner Runner, logger *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Grace < 0 {
		cfg.Grace = 0
	}
	if cfg.ClipExt == "" {
		cfg.ClipExt = ".mkv"
	}
	if logger == nil {
		logger = zap.L().Named("sampler")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:    cfg,
		open:   open,
		runner: runner,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the task for sess. stopped is the channel returned by
// Session.StartRecording; it wakes the task as soon as recording ends.
func (s *Scheduler) Start(sess *session.Session, stopped <-chan struct{}) {
	s.wg.Add(1)
	s.active.Add(1)
	go s.loop(sess, stopped)
}

func (s *Scheduler) loop(sess *session.Session, stopped <-chan struct{}) {
	defer s.wg.Done()
	defer s.active.Add(-1)

	logger := s.logger.With(zap.String("session", sess.Key()))
	logger.Debug("Sampler started", zap.Duration("interval", s.cfg.Interval))
	defer logger.Debug("Sampler exited")

	grace := time.NewTimer(s.cfg.Grace)
	defer grace.Stop()
	select {
	case <-s.ctx.Done():
		return
	case <-stopped:
		return
	case <-grace.C:
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if s.Tick(s.ctx, sess) == Stopped {
			return
		}
		select {
		case <-s.ctx.Done():
			return
		case <-stopped:
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one sampling iteration for sess. The cache swap is the only work
// done under the session lock; the clip write and detection run after it.
func (s *Scheduler) Tick(ctx context.Context, sess *session.Session) Outcome {
	frames, recording := sess.TakeSamples()
	if !recording {
		return Stopped
	}
	if len(frames) == 0 {
		return Empty
	}

	key := sess.Key()
	path := recorder.TimestampedPath(s.cfg.ClipDir, key, s.cfg.ClipExt, time.Now())
	if err := recorder.WriteClip(path, frames, s.cfg.Params, s.open); err != nil {
		metrics.FramesDropped.WithLabelValues(metrics.BufferSample).Add(float64(len(frames)))
		s.logger.Warn("Failed to write sample clip, dropping frames",
			zap.String("session", key),
			zap.Int("frames", len(frames)),
			zap.Error(err))
		return ClipFailed
	}
	metrics.ClipsWritten.Inc()
	s.logger.Debug("Sample clip written",
		zap.String("session", key),
		zap.String("path", path),
		zap.Int("frames", len(frames)))

	res, err := s.runner.Run(ctx, sess.LatestStill(), path, key)
	if err != nil {
		s.logger.Warn("Detection run aborted", zap.String("session", key), zap.Error(err))
		return Detected
	}
	if len(res.Errors) > 0 {
		s.logger.Info("Detection run completed with errors",
			zap.String("session", key),
			zap.String("verdict", res.Verdict.String()),
			zap.Errors("errors", res.Errors))
	}
	return Detected
}

// Active returns the number of running tasks.
func (s *Scheduler) Active() int {
	return int(s.active.Load())
}

// Stop cancels every task and waits up to timeout for them to exit. It reports
// whether all tasks finished in time.
func (s *Scheduler) Stop(timeout time.Duration) bool {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		s.logger.Warn("Timeout waiting for sampler tasks", zap.Int("active", s.Active()))
		return false
	}
}
