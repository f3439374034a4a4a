package recorder

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/cribwatch/internal/frame"
)

// ErrRecorderClosed is wrapped in the IOError returned by Write after Stop.
var ErrRecorderClosed = errors.New("recorder closed")

// Recorder owns one file-backed sink for one session. It never restarts
// itself: once stopped, callers decide whether to start a new one.
type Recorder struct {
	path      string
	params    Params
	startedAt time.Time
	logger    *zap.Logger

	mu     sync.Mutex
	sink   Sink
	closed bool

	metrics Metrics
}

// Metrics tracks recorder activity.
type Metrics struct {
	FramesWritten atomic.Uint64
	BytesWritten  atomic.Uint64
	WriteErrors   atomic.Uint64
}

// Stats is a snapshot of a recorder.
type Stats struct {
	Path          string
	StartedAt     time.Time
	FramesWritten uint64
	BytesWritten  uint64
	WriteErrors   uint64
	Closed        bool
}

// Start opens a sink at path through open. Failure to open is an IOError.
func Start(path string, p Params, open SinkFactory) (*Recorder, error) {
	sink, err := open(path, p)
	if err != nil {
		return nil, &IOError{Op: "open", Path: path, Err: err}
	}

	r := &Recorder{
		path:      path,
		params:    p,
		startedAt: time.Now(),
		logger:    zap.L().Named("recorder"),
		sink:      sink,
	}
	r.logger.Info("Started recording",
		zap.String("path", path),
		zap.Int("width", p.Width),
		zap.Int("height", p.Height),
		zap.Int("fps", p.FPS))
	return r, nil
}

// Write appends one frame. It fails with an IOError once the recorder has been
// stopped or if the sink rejects the frame; the session should log and carry on.
func (r *Recorder) Write(f *frame.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return &IOError{Op: "write", Path: r.path, Err: ErrRecorderClosed}
	}
	if err := r.sink.WriteFrame(f); err != nil {
		r.metrics.WriteErrors.Add(1)
		return &IOError{Op: "write", Path: r.path, Err: err}
	}

	r.metrics.FramesWritten.Add(1)
	r.metrics.BytesWritten.Add(uint64(f.Size()))
	return nil
}

// Stop flushes and closes the sink exactly once. Later calls return nil.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	sink := r.sink
	r.sink = nil
	if err := sink.Close(); err != nil {
		return &IOError{Op: "close", Path: r.path, Err: err}
	}

	if removed, err := removeIfEmpty(r.path); err == nil && removed {
		r.logger.Warn("Removed empty recording", zap.String("path", r.path))
		return nil
	}

	r.logger.Info("Stopped recording",
		zap.String("path", r.path),
		zap.Uint64("frames", r.metrics.FramesWritten.Load()),
		zap.Uint64("bytes", r.metrics.BytesWritten.Load()),
		zap.Duration("duration", time.Since(r.startedAt)))
	return nil
}

func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()

	return Stats{
		Path:          r.path,
		StartedAt:     r.startedAt,
		FramesWritten: r.metrics.FramesWritten.Load(),
		BytesWritten:  r.metrics.BytesWritten.Load(),
		WriteErrors:   r.metrics.WriteErrors.Load(),
		Closed:        closed,
	}
}
