package recorder

import (
	"errors"
	"os"

	"github.com/mikeyg42/cribwatch/internal/frame"
)

var errNoFrames = errors.New("no frames to write")

// WriteClip writes frames to a new file at path and closes it. Dimensions are
// taken from the first frame when known, falling back to p. A partial clip is
// removed on failure.
func WriteClip(path string, frames []*frame.Frame, p Params, open SinkFactory) error {
	if len(frames) == 0 {
		return &IOError{Op: "clip", Path: path, Err: errNoFrames}
	}
	if first := frames[0]; first.Width > 0 && first.Height > 0 {
		p.Width, p.Height = first.Width, first.Height
	}

	sink, err := open(path, p)
	if err != nil {
		return &IOError{Op: "open", Path: path, Err: err}
	}

	for _, f := range frames {
		if err := sink.WriteFrame(f); err != nil {
			sink.Close()
			os.Remove(path)
			return &IOError{Op: "write", Path: path, Err: err}
		}
	}

	if err := sink.Close(); err != nil {
		os.Remove(path)
		return &IOError{Op: "close", Path: path, Err: err}
	}
	return nil
}
