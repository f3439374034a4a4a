// Package recorder writes session frames to file-backed video sinks: the
// continuous per-session recording and the short sample clips handed to the
// detection pipeline.
package recorder

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mikeyg42/cribwatch/internal/frame"
)

// Sink is an open video file accepting JPEG frames in order.
type Sink interface {
	WriteFrame(f *frame.Frame) error
	Close() error
}

// Params describes the stream written to a sink.
type Params struct {
	Width  int
	Height int
	FPS    int
}

// SinkFactory opens a sink at path. It must create the file before returning.
type SinkFactory func(path string, p Params) (Sink, error)

// IOError reports a recorder or clip file failure. The owning session keeps
// running; only the current write or cycle is lost.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("recorder %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// TimestampedPath builds a unique file name for key under dir, e.g.
// dir/nursery-1_20250102T150405.123_1a2b3c4d.mkv.
func TimestampedPath(dir, key, ext string, t time.Time) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	name := fmt.Sprintf("%s_%s_%s%s",
		sanitizeKey(key),
		t.Format("20060102T150405.000"),
		uuid.NewString()[:8],
		ext,
	)
	return filepath.Join(dir, name)
}

func sanitizeKey(key string) string {
	if key == "" {
		return "session"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, key)
}

// removeIfEmpty deletes a file that ended up with no content.
func removeIfEmpty(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return true, os.Remove(path)
	}
	return false, nil
}
