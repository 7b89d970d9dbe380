// Package analysis runs the deepfake analysis pipeline: it samples frames,
// locates and classifies faces, scores temporal consistency and aggregates
// everything into a single verdict.
package analysis

import (
	"context"
	"image"

	"github.com/andresmejia3/deepscan/internal/temporal"
	"github.com/andresmejia3/deepscan/internal/video"
)

// Source opens a video for decoding.
type Source interface {
	Open(ctx context.Context, path string) (video.Stream, error)
}

// FaceLocator finds face bounding boxes in a frame, in a stable order.
type FaceLocator interface {
	Detect(ctx context.Context, img image.Image) ([]image.Rectangle, error)
}

// FaceClassifier returns the probability in [0,1] that a face crop is fake.
type FaceClassifier interface {
	Classify(ctx context.Context, crop image.Image) (float64, error)
}

// Sink receives every analysed frame, typically to render an annotated video.
// The pipeline opens it once per run and always closes it.
type Sink interface {
	Open(path string, info video.Info) error
	WriteFrame(ev FrameEvent) error
	Close() error
}

// Observer is notified after each analysed frame. Implementations must not
// retain ev.Frame.Image beyond the call.
type Observer interface {
	OnFrame(ev FrameEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(FrameEvent)

// OnFrame calls f(ev).
func (f ObserverFunc) OnFrame(ev FrameEvent) { f(ev) }

// FaceDetection is one located face.
type FaceDetection struct {
	Box        image.Rectangle
	FrameIndex int
}

// Center returns the midpoint of the box.
func (d FaceDetection) Center() temporal.Point {
	return temporal.Point{
		X: float64(d.Box.Min.X+d.Box.Max.X) / 2,
		Y: float64(d.Box.Min.Y+d.Box.Max.Y) / 2,
	}
}

// FaceScore is a detection plus its fake probability.
type FaceScore struct {
	FaceDetection
	FakeProbability float64
}

// FrameEvent carries the scores computed for one sampled frame.
type FrameEvent struct {
	Frame         video.Frame
	Faces         []FaceScore
	TemporalScore float64
	Decoded       int // frames read from the stream so far, sampled or not
	Info          video.Info
}

// FaceResult is the serialized form of a FaceScore.
type FaceResult struct {
	FrameIndex      int     `json:"frame_index" yaml:"frame_index"`
	BBox            [4]int  `json:"bbox" yaml:"bbox"`
	FakeProbability float64 `json:"fake_probability" yaml:"fake_probability"`
}

// Result is the outcome of one analysis run.
type Result struct {
	OverallScore            float64      `json:"overall_score" yaml:"overall_score"`
	FramesAnalyzed          int          `json:"frames_analyzed" yaml:"frames_analyzed"`
	FacesDetected           int          `json:"faces_detected" yaml:"faces_detected"`
	TemporalInconsistencies float64      `json:"temporal_inconsistencies" yaml:"temporal_inconsistencies"`
	PerFaceResults          []FaceResult `json:"per_face_results" yaml:"per_face_results"`
	Verdict                 Verdict      `json:"verdict" yaml:"verdict"`

	// Raw accumulators; OverallScore is derived from these and the counts.
	SumFakeProbability float64 `json:"-" yaml:"-"`
	SumTemporalScore   float64 `json:"-" yaml:"-"`
}

func newFaceResult(fs FaceScore) FaceResult {
	b := fs.Box
	return FaceResult{
		FrameIndex:      fs.FrameIndex,
		BBox:            [4]int{b.Min.X, b.Min.Y, b.Max.X, b.Max.Y},
		FakeProbability: fs.FakeProbability,
	}
}
