// Package cvsink provides an OpenCV VideoWriter backed recorder sink for
// players that do not handle Matroska MJPEG.
package cvsink

import (
	"fmt"
	"image"
	"os"
	"path/filepath"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/cribwatch/internal/codec"
	"github.com/mikeyg42/cribwatch/internal/frame"
	"github.com/mikeyg42/cribwatch/internal/recorder"
)

// Codec is the fourcc handed to VideoWriter. MJPG in an .avi container is
// available in every OpenCV build.
const Codec = "MJPG"

type videoSink struct {
	writer *gocv.VideoWriter
	size   image.Point
}

// Open implements recorder.SinkFactory.
func Open(path string, p recorder.Params) (recorder.Sink, error) {
	if p.Width <= 0 || p.Height <= 0 {
		return nil, fmt.Errorf("invalid video dimensions: %dx%d", p.Width, p.Height)
	}
	if p.FPS <= 0 {
		p.FPS = 25
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	vw, err := gocv.VideoWriterFile(path, Codec, float64(p.FPS), p.Width, p.Height, true)
	if err != nil {
		return nil, fmt.Errorf("failed to open video writer: %w", err)
	}
	if !vw.IsOpened() {
		vw.Close()
		return nil, fmt.Errorf("video writer for %s did not open", path)
	}

	return &videoSink{writer: vw, size: image.Pt(p.Width, p.Height)}, nil
}

func (s *videoSink) WriteFrame(f *frame.Frame) error {
	mat, err := codec.ToMat(f)
	if err != nil {
		return err
	}
	defer mat.Close()

	// VideoWriter silently drops frames whose size differs from the header.
	if mat.Cols() != s.size.X || mat.Rows() != s.size.Y {
		resized := gocv.NewMat()
		defer resized.Close()
		gocv.Resize(mat, &resized, s.size, 0, 0, gocv.InterpolationLinear)
		return s.writer.Write(resized)
	}
	return s.writer.Write(mat)
}

func (s *videoSink) Close() error {
	return s.writer.Close()
}

var _ recorder.SinkFactory = Open
