// Package frame holds the decoded frame value shared by every buffer in a session.
package frame

import "time"

// Frame is one decoded still. Data holds JPEG bytes and is never mutated after
// construction; buffers share the bytes but each receives its own Frame value.
type Frame struct {
	Data       []byte
	Width      int
	Height     int
	Seq        uint64
	CapturedAt time.Time
}

// Clone returns a new Frame header sharing the same immutable pixel data.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	c := *f
	return &c
}

// Size reports the encoded size in bytes.
func (f *Frame) Size() int {
	if f == nil {
		return 0
	}
	return len(f.Data)
}

// Decoder turns an inbound encoded image into a Frame. Implementations are
// stateless and safe for concurrent use.
type Decoder interface {
	Decode(payload []byte) (*Frame, error)
}

// DecodeError reports a malformed inbound image. The frame is dropped and the
// session continues.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return "decode frame: " + e.Reason + ": " + e.Err.Error()
	}
	return "decode frame: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
