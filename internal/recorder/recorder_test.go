package recorder

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/cribwatch/internal/frame"
)

type memorySink struct {
	mu       sync.Mutex
	frames   []uint64
	closes   int
	writeErr error
	closeErr error
}

func (s *memorySink) WriteFrame(f *frame.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.frames = append(s.frames, f.Seq)
	return nil
}

func (s *memorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return s.closeErr
}

func memoryFactory(s *memorySink) SinkFactory {
	return func(string, Params) (Sink, error) { return s, nil }
}

func jpegFrame(seq uint64) *frame.Frame {
	return &frame.Frame{
		Data:       []byte{0xFF, 0xD8, 0xFF, 0xE0, byte(seq), 0xFF, 0xD9},
		Width:      4,
		Height:     4,
		Seq:        seq,
		CapturedAt: time.Unix(1700000000, 0).Add(time.Duration(seq) * 40 * time.Millisecond),
	}
}

func TestRecorderWritesInOrder(t *testing.T) {
	sink := &memorySink{}
	r, err := Start("mem.mkv", Params{Width: 4, Height: 4, FPS: 25}, memoryFactory(sink))
	require.NoError(t, err)

	for i := uint64(1); i <= 10; i++ {
		require.NoError(t, r.Write(jpegFrame(i)))
	}
	require.NoError(t, r.Stop())

	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, sink.frames)
	stats := r.Stats()
	assert.Equal(t, uint64(10), stats.FramesWritten)
	assert.True(t, stats.Closed)
}

func TestRecorderStopTwiceIsNoop(t *testing.T) {
	sink := &memorySink{}
	r, err := Start("mem.mkv", Params{FPS: 25}, memoryFactory(sink))
	require.NoError(t, err)

	require.NoError(t, r.Stop())
	require.NoError(t, r.Stop())
	assert.Equal(t, 1, sink.closes)
}

func TestRecorderWriteAfterStop(t *testing.T) {
	sink := &memorySink{}
	r, err := Start("mem.mkv", Params{FPS: 25}, memoryFactory(sink))
	require.NoError(t, err)
	require.NoError(t, r.Stop())

	err = r.Write(jpegFrame(1))
	var ioErr *IOError
	require.True(t, errors.As(err, &ioErr))
	assert.Equal(t, "write", ioErr.Op)
	assert.ErrorIs(t, err, ErrRecorderClosed)
}

func TestRecorderStartFailure(t *testing.T) {
	boom := errors.New("disk full")
	_, err := Start("x.mkv", Params{}, func(string, Params) (Sink, error) { return nil, boom })

	var ioErr *IOError
	require.True(t, errors.As(err, &ioErr))
	assert.Equal(t, "open", ioErr.Op)
	assert.ErrorIs(t, err, boom)
}

func TestRecorderSinkWriteError(t *testing.T) {
	sink := &memorySink{writeErr: errors.New("short write")}
	r, err := Start("mem.mkv", Params{FPS: 25}, memoryFactory(sink))
	require.NoError(t, err)

	var ioErr *IOError
	require.True(t, errors.As(r.Write(jpegFrame(1)), &ioErr))
	assert.Equal(t, uint64(1), r.Stats().WriteErrors)
}

func TestWriteClip(t *testing.T) {
	var gotParams Params
	sink := &memorySink{}
	open := func(_ string, p Params) (Sink, error) {
		gotParams = p
		return sink, nil
	}

	frames := []*frame.Frame{jpegFrame(1), jpegFrame(2), jpegFrame(3)}
	require.NoError(t, WriteClip("clip.mkv", frames, Params{Width: 640, Height: 480, FPS: 25}, open))

	assert.Equal(t, []uint64{1, 2, 3}, sink.frames)
	assert.Equal(t, 1, sink.closes)
	assert.Equal(t, Params{Width: 4, Height: 4, FPS: 25}, gotParams)
}

func TestWriteClipEmpty(t *testing.T) {
	err := WriteClip("clip.mkv", nil, Params{}, memoryFactory(&memorySink{}))
	var ioErr *IOError
	assert.True(t, errors.As(err, &ioErr))
}

func TestMatroskaSinkWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clips", "a.mkv")
	frames := []*frame.Frame{jpegFrame(1), jpegFrame(2), jpegFrame(3)}

	require.NoError(t, WriteClip(path, frames, Params{FPS: 25}, OpenMatroska))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestTimestampedPath(t *testing.T) {
	ts := time.Date(2025, 1, 2, 15, 4, 5, 123_000_000, time.UTC)
	a := TimestampedPath("/rec", "nursery/1", "mkv", ts)
	b := TimestampedPath("/rec", "nursery/1", ".mkv", ts)

	assert.True(t, strings.HasPrefix(a, "/rec/nursery_1_20250102T150405.123_"), a)
	assert.True(t, strings.HasSuffix(a, ".mkv"))
	assert.NotEqual(t, a, b)
}
