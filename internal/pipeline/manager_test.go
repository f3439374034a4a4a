package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/cribwatch/internal/config"
	"github.com/mikeyg42/cribwatch/internal/detection"
	"github.com/mikeyg42/cribwatch/internal/frame"
	"github.com/mikeyg42/cribwatch/internal/recorder"
	"github.com/mikeyg42/cribwatch/internal/sampler"
	"github.com/mikeyg42/cribwatch/internal/session"
)

// fakeDecoder accepts any payload except "bad" and keeps the bytes as-is.
type fakeDecoder struct{}

func (fakeDecoder) Decode(payload []byte) (*frame.Frame, error) {
	if string(payload) == "bad" {
		return nil, &frame.DecodeError{Reason: "not a jpeg"}
	}
	return &frame.Frame{Data: payload, Width: 4, Height: 4, CapturedAt: time.Now()}, nil
}

type countingSink struct {
	mu     sync.Mutex
	frames int
	closed bool
}

func (s *countingSink) WriteFrame(*frame.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	return nil
}

func (s *countingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type sinkRecorder struct {
	mu    sync.Mutex
	paths []string
	sinks []*countingSink
}

func (r *sinkRecorder) open(path string, _ recorder.Params) (recorder.Sink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &countingSink{}
	r.paths = append(r.paths, path)
	r.sinks = append(r.sinks, s)
	return s, nil
}

type stubDetector struct {
	mu    sync.Mutex
	clips []string
	keys  []string
}

func (d *stubDetector) Run(_ context.Context, still *frame.Frame, clip, key string) (detection.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clips = append(d.clips, clip)
	d.keys = append(d.keys, key)
	return detection.Result{Verdict: detection.InCribVerdict()}, nil
}

// Predict treats "nobody-home" as a key without accounts and never decodes
// for it.
func (d *stubDetector) Predict(ctx context.Context, key string, decode func() (*frame.Frame, error)) (detection.Result, error) {
	if key == "nobody-home" {
		return detection.Result{}, detection.ErrNoAccounts
	}
	still, err := decode()
	if err != nil {
		return detection.Result{}, err
	}
	return d.Run(ctx, still, "", key)
}

type fixture struct {
	m     *Manager
	sinks *sinkRecorder
	det   *stubDetector
	sched *sampler.Scheduler
}

func newFixture(t *testing.T, opts session.Options) *fixture {
	t.Helper()
	sinks := &sinkRecorder{}
	det := &stubDetector{}
	sched := sampler.New(sampler.Config{Interval: time.Hour, Grace: time.Hour, ClipDir: t.TempDir()}, sinks.open, det, zaptest.NewLogger(t))

	m, err := New(Config{RecordingDir: t.TempDir(), Params: recorder.Params{FPS: 25}}, Dependencies{
		Store:     session.NewStore(opts),
		Decoder:   fakeDecoder{},
		Sinks:     sinks.open,
		Scheduler: sched,
		Detector:  det,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { m.Shutdown(time.Second) })

	return &fixture{m: m, sinks: sinks, det: det, sched: sched}
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{}, Dependencies{}, nil)
	require.Error(t, err)
}

func TestIngestCreatesSessionAndStill(t *testing.T) {
	f := newFixture(t, session.Options{})

	_, err := f.m.LatestStill("nursery")
	require.ErrorIs(t, err, session.ErrSessionNotFound)

	res, err := f.m.Ingest("nursery", []byte("one"))
	require.NoError(t, err)
	assert.False(t, res.Sampled, "not recording yet")

	_, err = f.m.Ingest("nursery", []byte("two"))
	require.NoError(t, err)

	still, err := f.m.LatestStill("nursery")
	require.NoError(t, err)
	assert.Equal(t, "two", string(still.Data))
	assert.Equal(t, 1, f.m.Sessions())
}

func TestIngestRejectsMissingKeyAndBadPayload(t *testing.T) {
	f := newFixture(t, session.Options{})

	_, err := f.m.Ingest("", []byte("x"))
	require.ErrorIs(t, err, ErrMissingKey)

	_, err = f.m.Ingest("nursery", []byte("bad"))
	var decodeErr *frame.DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, 0, f.m.Sessions(), "a dropped frame must not create a session")
}

func TestLiveViewReceivesFramesInOrder(t *testing.T) {
	defaults := config.NewDefaultConfig().Recording
	f := newFixture(t, session.Options{
		SampleCacheLimit: defaults.MaxSampleFrames,
		StreamQueueLimit: defaults.MaxStreamBacklog,
	})

	for i := 0; i < 100; i++ {
		res, err := f.m.Ingest("A", []byte(fmt.Sprintf("frame-%d", i)))
		require.NoError(t, err)
		require.False(t, res.StreamDropped, "frame %d dropped", i)
	}
	sess, err := f.m.Lookup("A")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var last uint64
	for i := 0; i < 100; i++ {
		fr, err := sess.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("frame-%d", i), string(fr.Data))
		if i > 0 {
			assert.Greater(t, fr.Seq, last)
		}
		last = fr.Seq
	}
	assert.Zero(t, sess.Stats().Stream.Dropped)
}

func TestTeardownWakesViewer(t *testing.T) {
	f := newFixture(t, session.Options{})

	_, err := f.m.Ingest("nursery", []byte("x"))
	require.NoError(t, err)
	sess, err := f.m.Lookup("nursery")
	require.NoError(t, err)
	_, err = sess.Next(context.Background())
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := sess.Next(context.Background())
		errc <- err
	}()

	closed, err := f.m.Teardown("nursery")
	require.NoError(t, err)
	assert.True(t, closed)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, session.ErrSessionClosed)
	case <-time.After(time.Second):
		t.Fatal("viewer still blocked after teardown")
	}

	_, err = f.m.Lookup("nursery")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestRecordingLifecycle(t *testing.T) {
	f := newFixture(t, session.Options{})

	path, err := f.m.StartRecording("nursery")
	require.NoError(t, err)
	assert.Contains(t, path, "nursery")
	assert.Equal(t, 1, f.sched.Active())

	_, err = f.m.StartRecording("nursery")
	require.ErrorIs(t, err, session.ErrAlreadyRecording)

	for i := 0; i < 3; i++ {
		res, err := f.m.Ingest("nursery", []byte("x"))
		require.NoError(t, err)
		assert.True(t, res.Sampled)
		assert.True(t, res.Recorded)
	}

	rotated, err := f.m.RotateRecording("nursery")
	require.NoError(t, err)
	_, err = f.m.Ingest("nursery", []byte("y"))
	require.NoError(t, err)

	closed, err := f.m.Teardown("nursery")
	require.NoError(t, err)
	assert.True(t, closed)

	f.sinks.mu.Lock()
	require.Len(t, f.sinks.sinks, 2)
	assert.Equal(t, []string{path, rotated}, f.sinks.paths)
	assert.Equal(t, 3, f.sinks.sinks[0].frames)
	assert.Equal(t, 1, f.sinks.sinks[1].frames)
	assert.True(t, f.sinks.sinks[0].closed)
	assert.True(t, f.sinks.sinks[1].closed)
	f.sinks.mu.Unlock()

	require.Eventually(t, func() bool { return f.sched.Active() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRotateRequiresRecording(t *testing.T) {
	f := newFixture(t, session.Options{})

	_, err := f.m.RotateRecording("nursery")
	require.ErrorIs(t, err, session.ErrSessionNotFound)

	_, err = f.m.Ingest("nursery", []byte("x"))
	require.NoError(t, err)
	_, err = f.m.RotateRecording("nursery")
	require.ErrorIs(t, err, session.ErrNotRecording)
}

func TestTeardownIsIdempotent(t *testing.T) {
	f := newFixture(t, session.Options{})

	closed, err := f.m.Teardown("nursery")
	require.NoError(t, err)
	assert.False(t, closed, "unknown key")

	_, err = f.m.StartRecording("nursery")
	require.NoError(t, err)

	closed, err = f.m.Teardown("nursery")
	require.NoError(t, err)
	assert.True(t, closed)

	closed, err = f.m.Teardown("nursery")
	require.NoError(t, err)
	assert.False(t, closed)
}

func TestIngestAfterTeardownStartsFresh(t *testing.T) {
	f := newFixture(t, session.Options{})

	_, err := f.m.StartRecording("nursery")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := f.m.Ingest("nursery", []byte("old"))
		require.NoError(t, err)
	}
	_, err = f.m.Teardown("nursery")
	require.NoError(t, err)

	res, err := f.m.Ingest("nursery", []byte("new"))
	require.NoError(t, err)
	assert.False(t, res.Sampled)

	sess, err := f.m.Lookup("nursery")
	require.NoError(t, err)
	st := sess.Stats()
	assert.Equal(t, uint64(1), st.FramesIngested)
	assert.Equal(t, 0, st.SampleCached)
	assert.False(t, st.Recording)
}

func TestLatestStillSurvivesTeardown(t *testing.T) {
	f := newFixture(t, session.Options{})

	_, err := f.m.Ingest("nursery", []byte("last-look"))
	require.NoError(t, err)
	_, err = f.m.Teardown("nursery")
	require.NoError(t, err)

	_, err = f.m.Lookup("nursery")
	require.ErrorIs(t, err, session.ErrSessionNotFound)
	still, err := f.m.LatestStill("nursery")
	require.NoError(t, err)
	assert.Equal(t, "last-look", string(still.Data))

	// a fresh session without frames still serves the old still
	_, err = f.m.StartRecording("nursery")
	require.NoError(t, err)
	still, err = f.m.LatestStill("nursery")
	require.NoError(t, err)
	assert.Equal(t, "last-look", string(still.Data))

	_, err = f.m.Ingest("nursery", []byte("next-look"))
	require.NoError(t, err)
	still, err = f.m.LatestStill("nursery")
	require.NoError(t, err)
	assert.Equal(t, "next-look", string(still.Data))

	_, err = f.m.LatestStill("never-seen")
	require.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestPredictRunsDetectionWithoutClip(t *testing.T) {
	f := newFixture(t, session.Options{})

	res, err := f.m.Predict(context.Background(), "nursery", []byte("baby"))
	require.NoError(t, err)
	assert.Equal(t, detection.InCrib, res.Verdict.Kind)

	// the account lookup answers before the image is looked at
	_, err = f.m.Predict(context.Background(), "nobody-home", []byte("bad"))
	require.ErrorIs(t, err, detection.ErrNoAccounts)

	_, err = f.m.Predict(context.Background(), "nursery", []byte("bad"))
	var decodeErr *frame.DecodeError
	require.ErrorAs(t, err, &decodeErr)

	f.det.mu.Lock()
	assert.Equal(t, []string{""}, f.det.clips)
	assert.Equal(t, []string{"nursery"}, f.det.keys)
	f.det.mu.Unlock()

	assert.Equal(t, 0, f.m.Sessions(), "prediction does not create sessions")
}

func TestConcurrentSessionsAreIsolated(t *testing.T) {
	f := newFixture(t, session.Options{SampleCacheLimit: 50, StreamQueueLimit: 10})

	var wg sync.WaitGroup
	for c := 0; c < 8; c++ {
		key := fmt.Sprintf("crib-%d", c)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for round := 0; round < 5; round++ {
				if _, err := f.m.StartRecording(key); err != nil && !errors.Is(err, session.ErrAlreadyRecording) {
					t.Errorf("start %s: %v", key, err)
					return
				}
				for i := 0; i < 20; i++ {
					if _, err := f.m.Ingest(key, []byte(key)); err != nil {
						t.Errorf("ingest %s: %v", key, err)
						return
					}
				}
				if _, err := f.m.Teardown(key); err != nil {
					t.Errorf("teardown %s: %v", key, err)
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, f.m.Sessions())
	require.Eventually(t, func() bool { return f.sched.Active() == 0 }, time.Second, 5*time.Millisecond)
}

func TestShutdownStopsEverything(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t, session.Options{})
	for _, key := range []string{"a", "b", "c"} {
		_, err := f.m.StartRecording(key)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, f.sched.Active())

	f.m.Shutdown(time.Second)
	assert.Equal(t, 0, f.m.Sessions())
	assert.Equal(t, 0, f.sched.Active())
}
