package recorder

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/at-wat/ebml-go/webm"

	"github.com/mikeyg42/cribwatch/internal/frame"
)

const mjpegTrackUID = 0x63726962

// matroskaSink stores JPEG frames unchanged as V_MJPEG blocks, so writing a
// frame never re-encodes.
type matroskaSink struct {
	path   string
	writer webm.BlockWriteCloser
	fps    int

	first   time.Time
	lastTS  int64
	written int64
}

// OpenMatroska creates path and returns a Matroska MJPEG sink.
func OpenMatroska(path string, p Params) (Sink, error) {
	if p.FPS <= 0 {
		p.FPS = 25
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}

	ws, err := webm.NewSimpleBlockWriter(file,
		[]webm.TrackEntry{
			{
				Name:            "Video",
				TrackNumber:     1,
				TrackUID:        mjpegTrackUID,
				CodecID:         "V_MJPEG",
				TrackType:       1,
				DefaultDuration: uint64(time.Second / time.Duration(p.FPS)),
				Video: &webm.Video{
					PixelWidth:  uint64(p.Width),
					PixelHeight: uint64(p.Height),
				},
			},
		},
	)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create matroska writer: %w", err)
	}

	return &matroskaSink{path: path, writer: ws[0], fps: p.FPS}, nil
}

func (s *matroskaSink) WriteFrame(f *frame.Frame) error {
	ts := s.timestamp(f)
	if _, err := s.writer.Write(true, ts, f.Data); err != nil {
		return err
	}
	s.written++
	return nil
}

// timestamp returns a non-decreasing block time in milliseconds, taken from
// capture time when available and from the frame count otherwise.
func (s *matroskaSink) timestamp(f *frame.Frame) int64 {
	var ts int64
	if !f.CapturedAt.IsZero() {
		if s.first.IsZero() {
			s.first = f.CapturedAt
		}
		ts = f.CapturedAt.Sub(s.first).Milliseconds()
	} else {
		ts = s.written * 1000 / int64(s.fps)
	}
	if ts < s.lastTS {
		ts = s.lastTS
	}
	s.lastTS = ts
	return ts
}

func (s *matroskaSink) Close() error {
	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("failed to close matroska writer: %w", err)
	}
	return nil
}
