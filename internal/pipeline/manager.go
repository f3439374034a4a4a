// Package pipeline wires decoding, sessions, recording and sampling into the
// operations exposed to clients: ingest, start/rotate recording, teardown,
// live viewing and one-shot prediction.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/cribwatch/internal/detection"
	"github.com/mikeyg42/cribwatch/internal/frame"
	"github.com/mikeyg42/cribwatch/internal/metrics"
	"github.com/mikeyg42/cribwatch/internal/recorder"
	"github.com/mikeyg42/cribwatch/internal/sampler"
	"github.com/mikeyg42/cribwatch/internal/session"
)

// ErrMissingKey rejects events without a session key.
var ErrMissingKey = errors.New("session key is required")

// Config controls where recordings go and how they are encoded.
type Config struct {
	RecordingDir string
	RecordingExt string
	Params       recorder.Params
}

// Dependencies are the components a Manager drives.
type Dependencies struct {
	Store     *session.Store
	Decoder   frame.Decoder
	Sinks     recorder.SinkFactory
	Scheduler *sampler.Scheduler
	Detector  Predictor
}

// Predictor runs one-shot detections. *detection.Trigger implements it.
type Predictor interface {
	Predict(ctx context.Context, sessionKey string, decode func() (*frame.Frame, error)) (detection.Result, error)
}

// Manager is the entry point for every session operation. It is safe for
// concurrent use; per-session ordering is provided by the session itself.
type Manager struct {
	cfg    Config
	deps   Dependencies
	logger *zap.Logger

	// lastStills keeps the final still of torn-down sessions so the image
	// endpoint keeps answering for keys that have seen a frame.
	stillsMu   sync.RWMutex
	lastStills map[string]*frame.Frame

	shutdownOnce sync.Once
}

// New creates a Manager.
func New(cfg Config, deps Dependencies, logger *zap.Logger) (*Manager, error) {
	if deps.Store == nil || deps.Decoder == nil || deps.Sinks == nil || deps.Scheduler == nil || deps.Detector == nil {
		return nil, fmt.Errorf("pipeline: all dependencies are required")
	}
	if cfg.RecordingExt == "" {
		cfg.RecordingExt = ".mkv"
	}
	if logger == nil {
		logger = zap.L().Named("pipeline")
	}
	return &Manager{
		cfg:        cfg,
		deps:       deps,
		logger:     logger,
		lastStills: make(map[string]*frame.Frame),
	}, nil
}

// Ingest decodes payload and fans it out to the session for key, creating
// the session on first use. A decode failure drops the frame and returns a
// *frame.DecodeError; the session is untouched.
func (m *Manager) Ingest(key string, payload []byte) (session.IngestResult, error) {
	if key == "" {
		return session.IngestResult{}, ErrMissingKey
	}

	f, err := m.deps.Decoder.Decode(payload)
	if err != nil {
		metrics.FramesDropped.WithLabelValues(metrics.BufferDecode).Inc()
		m.logger.Warn("Dropping undecodable frame", zap.String("session", key), zap.Error(err))
		return session.IngestResult{}, err
	}

	// A session torn down between lookup and ingest is replaced by a fresh
	// one; the frame belongs to the new session.
	for attempt := 0; attempt < 2; attempt++ {
		sess := m.session(key)
		res, err := sess.Ingest(f)
		if errors.Is(err, session.ErrSessionClosed) {
			continue
		}
		if err != nil {
			return res, err
		}
		m.recordIngest(key, res)
		return res, nil
	}
	return session.IngestResult{}, session.ErrSessionClosed
}

func (m *Manager) recordIngest(key string, res session.IngestResult) {
	metrics.FramesIngested.Inc()
	if res.SampleDropped {
		metrics.FramesDropped.WithLabelValues(metrics.BufferSample).Inc()
	}
	if res.StreamDropped {
		metrics.FramesDropped.WithLabelValues(metrics.BufferStream).Inc()
	}
	if res.RecordErr != nil {
		m.logger.Warn("Recorder write failed, frame not recorded",
			zap.String("session", key),
			zap.Uint64("seq", res.Seq),
			zap.Error(res.RecordErr))
	}
}

func (m *Manager) session(key string) *session.Session {
	sess, created := m.deps.Store.GetOrCreate(key)
	if created {
		m.logger.Info("Session created", zap.String("session", key))
		m.refreshGauges()
	}
	return sess
}

// StartRecording opens a recorder on a new timestamped file for key and
// starts its sampler. It fails with session.ErrAlreadyRecording when a
// recording is active.
func (m *Manager) StartRecording(key string) (string, error) {
	if key == "" {
		return "", ErrMissingKey
	}
	var (
		sess    *session.Session
		path    string
		stopped <-chan struct{}
		err     error
	)
	for attempt := 0; attempt < 2; attempt++ {
		sess = m.session(key)
		path = recorder.TimestampedPath(m.cfg.RecordingDir, key, m.cfg.RecordingExt, time.Now())
		stopped, err = sess.StartRecording(path, m.cfg.Params, m.deps.Sinks)
		if !errors.Is(err, session.ErrSessionClosed) {
			break
		}
	}
	if err != nil {
		return "", err
	}
	m.deps.Scheduler.Start(sess, stopped)
	m.refreshGauges()

	m.logger.Info("Recording started", zap.String("session", key), zap.String("path", path))
	return path, nil
}

// RotateRecording closes the current recording file for key and continues on
// a new one. The sampler keeps running.
func (m *Manager) RotateRecording(key string) (string, error) {
	sess, ok := m.deps.Store.Get(key)
	if !ok {
		return "", session.ErrSessionNotFound
	}

	path := recorder.TimestampedPath(m.cfg.RecordingDir, key, m.cfg.RecordingExt, time.Now())
	if err := sess.RotateRecording(path, m.cfg.Params, m.deps.Sinks); err != nil {
		return "", err
	}
	m.logger.Info("Recording rotated", zap.String("session", key), zap.String("path", path))
	return path, nil
}

// Teardown ends the session for key: the sampler is signalled, viewers
// receive session.ErrSessionClosed, the recorder is closed and the key is
// removed from the registry, in that order. It reports false when there was
// nothing to tear down.
func (m *Manager) Teardown(key string) (bool, error) {
	sess, ok := m.deps.Store.Get(key)
	if !ok {
		return false, nil
	}

	closed, err := sess.Close()
	if still := sess.LatestStill(); still != nil {
		m.stillsMu.Lock()
		m.lastStills[key] = still
		m.stillsMu.Unlock()
	}
	m.deps.Store.RemoveSession(sess)
	m.refreshGauges()

	if err != nil {
		m.logger.Warn("Recorder close failed during teardown", zap.String("session", key), zap.Error(err))
	}
	if closed {
		st := sess.Stats()
		m.logger.Info("Session torn down",
			zap.String("session", key),
			zap.Uint64("frames", st.FramesIngested),
			zap.Duration("age", time.Since(st.CreatedAt)))
	}
	return closed, err
}

// Lookup returns the live session for key, for viewers.
func (m *Manager) Lookup(key string) (*session.Session, error) {
	sess, ok := m.deps.Store.Get(key)
	if !ok || sess.Closed() {
		return nil, session.ErrSessionNotFound
	}
	return sess, nil
}

// LatestStill returns the most recent frame for key. After teardown the
// session's last still is served until a new session produces one.
func (m *Manager) LatestStill(key string) (*frame.Frame, error) {
	if sess, ok := m.deps.Store.Get(key); ok {
		if still := sess.LatestStill(); still != nil {
			return still, nil
		}
	}
	m.stillsMu.RLock()
	still, ok := m.lastStills[key]
	m.stillsMu.RUnlock()
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return still, nil
}

// Predict runs one detection cycle on payload without a clip. Accounts are
// looked up before the payload is decoded. It does not touch any session.
func (m *Manager) Predict(ctx context.Context, key string, payload []byte) (detection.Result, error) {
	if key == "" {
		return detection.Result{}, ErrMissingKey
	}
	return m.deps.Detector.Predict(ctx, key, func() (*frame.Frame, error) {
		return m.deps.Decoder.Decode(payload)
	})
}

// Sessions returns the number of registered sessions.
func (m *Manager) Sessions() int {
	return m.deps.Store.Len()
}

// Shutdown tears down every session and waits up to timeout for sampler
// tasks to exit.
func (m *Manager) Shutdown(timeout time.Duration) {
	m.shutdownOnce.Do(func() {
		for _, key := range m.deps.Store.Keys() {
			_, _ = m.Teardown(key)
		}
		if !m.deps.Scheduler.Stop(timeout) {
			m.logger.Warn("Sampler tasks still running after shutdown", zap.Int("active", m.deps.Scheduler.Active()))
		}
	})
}

func (m *Manager) refreshGauges() {
	recording := 0
	m.deps.Store.Range(func(s *session.Session) bool {
		if s.IsRecording() {
			recording++
		}
		return true
	})
	metrics.SessionsActive.Set(float64(m.deps.Store.Len()))
	metrics.RecordingsActive.Set(float64(recording))
}
