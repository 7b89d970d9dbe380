// Package video decodes and encodes video through ffmpeg child processes and
// samples every Nth decoded frame.
package video

import (
	"errors"
	"fmt"
	"image"
)

// ErrOpen marks failures to open a video source (missing file, no video stream,
// ffmpeg failing to start).
var ErrOpen = errors.New("cannot open video source")

// Info describes the video stream being decoded.
type Info struct {
	FrameCount int // 0 when the container does not report it
	Width      int
	Height     int
	FPS        float64
}

// Size returns the frame dimensions.
func (i Info) Size() image.Point {
	return image.Pt(i.Width, i.Height)
}

// Frame is a decoded frame tagged with its global index.
// Index counts every decoded frame from 0, sampled or not.
type Frame struct {
	Index int
	Image *image.RGBA
}

// Stream is an open, forward-only sequence of frames.
type Stream interface {
	Info() Info
	// Next reads the next frame. When decode is false the pixels are discarded and
	// a nil image is returned. Returns io.EOF at end of stream and *DecodeError when
	// a frame cannot be read completely.
	Next(decode bool) (*image.RGBA, error)
	Close() error
}

// DecodeError reports a frame that could not be decoded.
type DecodeError struct {
	Index int
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame %d: %v", e.Index, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
