package analysis

import (
	"errors"
	"fmt"
)

// ErrBusy is returned when Run is called while another run is streaming.
var ErrBusy = errors.New("pipeline is already running")

// SourceOpenError means the video could not be opened. No frame was processed.
type SourceOpenError struct {
	Path string
	Err  error
}

func (e *SourceOpenError) Error() string {
	return fmt.Sprintf("open video %q: %v", e.Path, e.Err)
}

func (e *SourceOpenError) Unwrap() error {
	return e.Err
}

// CollaboratorError wraps a face locator or classifier failure.
type CollaboratorError struct {
	Op         string // "detect" or "classify"
	FrameIndex int
	Err        error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s failed on frame %d: %v", e.Op, e.FrameIndex, e.Err)
}

func (e *CollaboratorError) Unwrap() error {
	return e.Err
}
