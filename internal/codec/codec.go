// Package codec decodes inbound device images with OpenCV and normalises them
// to JPEG so every downstream consumer (recorder, clip writer, live stream,
// classifier) sees a single encoding.
package codec

import (
	"bytes"
	"fmt"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/cribwatch/internal/frame"
)

var jpegMagic = []byte{0xFF, 0xD8, 0xFF}

// JPEGDecoder implements frame.Decoder using gocv.
type JPEGDecoder struct {
	// Quality used when a non-JPEG payload has to be re-encoded.
	Quality int
}

// NewJPEGDecoder returns a decoder that re-encodes non-JPEG input at quality.
func NewJPEGDecoder(quality int) *JPEGDecoder {
	if quality <= 0 || quality > 100 {
		quality = 90
	}
	return &JPEGDecoder{Quality: quality}
}

// Decode validates payload by decoding it, and returns a Frame carrying JPEG
// bytes. The returned Frame never aliases payload.
func (d *JPEGDecoder) Decode(payload []byte) (*frame.Frame, error) {
	if len(payload) == 0 {
		return nil, &frame.DecodeError{Reason: "empty payload"}
	}

	mat, err := gocv.IMDecode(payload, gocv.IMReadColor)
	if err != nil {
		return nil, &frame.DecodeError{Reason: "imdecode failed", Err: err}
	}
	defer mat.Close()

	if mat.Empty() {
		return nil, &frame.DecodeError{Reason: "image could not be decoded"}
	}

	f := &frame.Frame{
		Width:  mat.Cols(),
		Height: mat.Rows(),
	}

	if bytes.HasPrefix(payload, jpegMagic) {
		f.Data = bytes.Clone(payload)
		return f, nil
	}

	data, err := EncodeJPEG(mat, d.Quality)
	if err != nil {
		return nil, &frame.DecodeError{Reason: "jpeg re-encode failed", Err: err}
	}
	f.Data = data
	return f, nil
}

// EncodeJPEG encodes mat as JPEG at the given quality. The returned slice is
// owned by the caller.
func EncodeJPEG(mat gocv.Mat, quality int) ([]byte, error) {
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, mat, []int{int(gocv.IMWriteJpegQuality), quality})
	if err != nil {
		return nil, fmt.Errorf("codec: failed to encode jpeg: %w", err)
	}
	defer buf.Close()
	return bytes.Clone(buf.GetBytes()), nil
}

// ToMat decodes a frame back into a BGR Mat. Caller must Close() it.
func ToMat(f *frame.Frame) (gocv.Mat, error) {
	if f == nil || len(f.Data) == 0 {
		return gocv.NewMat(), fmt.Errorf("codec: empty frame")
	}
	mat, err := gocv.IMDecode(f.Data, gocv.IMReadColor)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("codec: failed to decode frame %d: %w", f.Seq, err)
	}
	if mat.Empty() {
		mat.Close()
		return gocv.NewMat(), fmt.Errorf("codec: frame %d decoded to an empty image", f.Seq)
	}
	return mat, nil
}
