// Package session holds per-client pipeline state and the process-wide
// registry of sessions.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mikeyg42/cribwatch/internal/frame"
	"github.com/mikeyg42/cribwatch/internal/framestream"
	"github.com/mikeyg42/cribwatch/internal/recorder"
)

// Options bound the in-memory buffers of a session.
type Options struct {
	// SampleCacheLimit caps frames held between sampler flushes; the oldest
	// frame is dropped when exceeded. 0 disables the cap.
	SampleCacheLimit int
	// StreamQueueLimit caps frames waiting for a live viewer.
	StreamQueueLimit int
}

// Session is the unit of isolation for one client key. mu guards the
// recording state and the sample cache and is never held across file or
// network I/O. The stream queue has its own lock.
type Session struct {
	key       string
	createdAt time.Time
	opts      Options

	mu              sync.Mutex
	closed          bool
	recordingActive bool
	recorder        *recorder.Recorder
	recordingDone   chan struct{}
	sampleCache     []*frame.Frame
	writeNext       uint64

	writeMu   sync.Mutex
	writeCond *sync.Cond
	writeTurn uint64

	stream      *framestream.Queue
	latestStill atomic.Pointer[frame.Frame]
	seq         atomic.Uint64

	stats struct {
		ingested      atomic.Uint64
		sampleDropped atomic.Uint64
		recordErrors  atomic.Uint64
	}
}

// IngestResult describes where an ingested frame went. RecordErr carries a
// recorder failure, which is not fatal to the session.
type IngestResult struct {
	Seq           uint64
	Sampled       bool
	SampleDropped bool
	StreamDropped bool
	Recorded      bool
	RecordErr     error
}

// Stats is a point-in-time view of a session.
type Stats struct {
	Key            string
	CreatedAt      time.Time
	Recording      bool
	Closed         bool
	FramesIngested uint64
	SampleCached   int
	SampleDropped  uint64
	RecordErrors   uint64
	Stream         framestream.QueueStats
	Recorder       *recorder.Stats
}

func newSession(key string, opts Options) *Session {
	s := &Session{
		key:       key,
		createdAt: time.Now(),
		opts:      opts,
		stream:    framestream.NewQueue(opts.StreamQueueLimit),
	}
	s.writeCond = sync.NewCond(&s.writeMu)
	return s
}

// Key returns the session identifier.
func (s *Session) Key() string {
	return s.key
}

// Ingest fans f out to the latest still, the stream queue, and, while
// recording, the sample cache and the recorder. Each buffer gets its own
// Frame value; the JPEG bytes are shared read-only.
func (s *Session) Ingest(f *frame.Frame) (IngestResult, error) {
	var res IngestResult
	if f == nil {
		return res, &frame.DecodeError{Reason: "nil frame"}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return res, ErrSessionClosed
	}
	res.Seq = s.seq.Add(1)
	if f.CapturedAt.IsZero() {
		f.CapturedAt = time.Now()
	}
	f.Seq = res.Seq

	var rec *recorder.Recorder
	if s.recordingActive {
		if s.opts.SampleCacheLimit > 0 && len(s.sampleCache) >= s.opts.SampleCacheLimit {
			s.sampleCache[0] = nil
			s.sampleCache = s.sampleCache[1:]
			res.SampleDropped = true
			s.stats.sampleDropped.Add(1)
		}
		s.sampleCache = append(s.sampleCache, f.Clone())
		res.Sampled = true
		rec = s.recorder
	}

	s.latestStill.Store(f.Clone())
	dropped, err := s.stream.Push(f.Clone())
	res.StreamDropped = dropped

	// Recorder writes happen outside mu; a ticket taken under mu keeps them in
	// ingest order.
	var ticket uint64
	if rec != nil {
		ticket = s.writeNext
		s.writeNext++
	}
	s.mu.Unlock()
	s.stats.ingested.Add(1)

	if rec != nil {
		s.awaitWriteTurn(ticket)
		werr := rec.Write(f.Clone())
		s.finishWriteTurn()
		switch {
		case werr == nil:
			res.Recorded = true
		case errors.Is(werr, recorder.ErrRecorderClosed):
			// Recording stopped between the fan-out and the write.
		default:
			s.stats.recordErrors.Add(1)
			res.RecordErr = werr
		}
	}

	if errors.Is(err, framestream.ErrClosed) {
		return res, ErrSessionClosed
	}
	return res, nil
}

func (s *Session) awaitWriteTurn(ticket uint64) {
	s.writeMu.Lock()
	for s.writeTurn != ticket {
		s.writeCond.Wait()
	}
	s.writeMu.Unlock()
}

func (s *Session) finishWriteTurn() {
	s.writeMu.Lock()
	s.writeTurn++
	s.writeCond.Broadcast()
	s.writeMu.Unlock()
}

// StartRecording opens a recorder at path and marks the session as recording.
// The sink is opened outside the session lock. The returned channel is closed
// when this recording ends, by StopRecording or by teardown.
func (s *Session) StartRecording(path string, p recorder.Params, open recorder.SinkFactory) (<-chan struct{}, error) {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return nil, ErrSessionClosed
	case s.recordingActive:
		s.mu.Unlock()
		return nil, ErrAlreadyRecording
	}
	s.mu.Unlock()

	rec, err := recorder.Start(path, p, open)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed || s.recordingActive {
		closed := s.closed
		s.mu.Unlock()
		rec.Stop()
		if closed {
			return nil, ErrSessionClosed
		}
		return nil, ErrAlreadyRecording
	}
	done := make(chan struct{})
	s.recorder = rec
	s.recordingActive = true
	s.recordingDone = done
	s.sampleCache = nil
	s.mu.Unlock()

	return done, nil
}

// StopRecording clears the recording flag, drops the sample cache and closes
// the recorder. It does not start a new one. Stopping an idle session is a
// no-op.
func (s *Session) StopRecording() error {
	s.mu.Lock()
	rec := s.detachRecordingLocked()
	s.mu.Unlock()

	if rec == nil {
		return nil
	}
	return rec.Stop()
}

// RotateRecording swaps the active recorder for a new one at path. The old
// sink is closed after the swap, outside the lock.
func (s *Session) RotateRecording(path string, p recorder.Params, open recorder.SinkFactory) error {
	if !s.IsRecording() {
		return ErrNotRecording
	}

	next, err := recorder.Start(path, p, open)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed || !s.recordingActive {
		closed := s.closed
		s.mu.Unlock()
		next.Stop()
		if closed {
			return ErrSessionClosed
		}
		return ErrNotRecording
	}
	prev := s.recorder
	s.recorder = next
	s.mu.Unlock()

	return prev.Stop()
}

// detachRecordingLocked ends the current recording and returns its recorder
// for the caller to stop outside the lock. s.mu must be held.
func (s *Session) detachRecordingLocked() *recorder.Recorder {
	if !s.recordingActive {
		return nil
	}
	rec := s.recorder
	s.recordingActive = false
	s.recorder = nil
	s.sampleCache = nil
	close(s.recordingDone)
	s.recordingDone = nil
	return rec
}

// TakeSamples swaps the sample cache for an empty one and returns the frames
// gathered since the previous call. recording is false once the session has
// stopped recording or been torn down.
func (s *Session) TakeSamples() (frames []*frame.Frame, recording bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.recordingActive {
		return nil, false
	}
	frames = s.sampleCache
	s.sampleCache = nil
	return frames, true
}

// LatestStill returns the most recently ingested frame, or nil.
func (s *Session) LatestStill() *frame.Frame {
	return s.latestStill.Load()
}

// Next returns the next frame for a live viewer, blocking while the stream
// queue is empty. It fails with ErrSessionClosed after teardown.
func (s *Session) Next(ctx context.Context) (*frame.Frame, error) {
	f, err := s.stream.Next(ctx)
	if errors.Is(err, framestream.ErrClosed) {
		return nil, ErrSessionClosed
	}
	return f, err
}

// Close tears the session down: it ends any recording (waking the sampler),
// closes the stream queue (waking viewers) and closes the recorder. It
// reports false if the session was already closed.
func (s *Session) Close() (bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, nil
	}
	s.closed = true
	rec := s.detachRecordingLocked()
	s.mu.Unlock()

	s.stream.Close()

	if rec != nil {
		return true, rec.Stop()
	}
	return true, nil
}

// IsRecording reports whether a recorder is active.
func (s *Session) IsRecording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordingActive
}

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		Key:          s.key,
		CreatedAt:    s.createdAt,
		Recording:    s.recordingActive,
		Closed:       s.closed,
		SampleCached: len(s.sampleCache),
	}
	rec := s.recorder
	s.mu.Unlock()

	if rec != nil {
		rs := rec.Stats()
		st.Recorder = &rs
	}
	st.FramesIngested = s.stats.ingested.Load()
	st.SampleDropped = s.stats.sampleDropped.Load()
	st.RecordErrors = s.stats.recordErrors.Load()
	st.Stream = s.stream.Stats()
	return st
}
