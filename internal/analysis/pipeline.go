package analysis

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/deepscan/internal/metrics"
	"github.com/andresmejia3/deepscan/internal/temporal"
	"github.com/andresmejia3/deepscan/internal/video"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle state of a Pipeline.
type State int32

const (
	StateIdle State = iota
	StateStreaming
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateFinalized:
		return "finalized"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Options configures a Pipeline. Sink, Observer and Metrics are optional.
type Options struct {
	Source     Source
	Locator    FaceLocator
	Classifier FaceClassifier
	Tracker    *temporal.Tracker
	Sink       Sink
	Observer   Observer
	Metrics    *metrics.Metrics

	// Stride analyses every Stride-th frame. Must be >= 1.
	Stride int
	// Concurrency bounds parallel Classify calls within one frame. 0 means 1.
	Concurrency int
	// SkipFailedFaces logs and drops faces whose classification fails instead
	// of aborting the run.
	SkipFailedFaces bool

	Log *zap.Logger
}

// Pipeline analyses one video at a time. It may be reused for further runs
// once a run has returned.
type Pipeline struct {
	opts  Options
	log   *zap.Logger
	state atomic.Int32
}

// NewPipeline validates opts and returns an idle pipeline.
func NewPipeline(opts Options) (*Pipeline, error) {
	switch {
	case opts.Source == nil:
		return nil, errors.New("pipeline: source is required")
	case opts.Locator == nil:
		return nil, errors.New("pipeline: face locator is required")
	case opts.Classifier == nil:
		return nil, errors.New("pipeline: face classifier is required")
	case opts.Stride < 1:
		return nil, fmt.Errorf("pipeline: sample rate must be at least 1, got %d", opts.Stride)
	case opts.Concurrency < 0:
		return nil, fmt.Errorf("pipeline: concurrency must not be negative, got %d", opts.Concurrency)
	}
	if opts.Concurrency == 0 {
		opts.Concurrency = 1
	}
	if opts.Tracker == nil {
		opts.Tracker = temporal.NewTracker(temporal.DefaultConfig())
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{opts: opts, log: log.Named("pipeline")}, nil
}

// State reports the current lifecycle state.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

func (p *Pipeline) begin() bool {
	return p.state.CompareAndSwap(int32(StateIdle), int32(StateStreaming)) ||
		p.state.CompareAndSwap(int32(StateFinalized), int32(StateStreaming))
}

// Run analyses videoPath and returns the aggregated result. When a Sink is
// configured it is opened with outputPath and receives every analysed frame.
//
// The source and sink are closed on every return path. A failed run leaves no
// partial result behind and returns the pipeline to idle.
func (p *Pipeline) Run(ctx context.Context, videoPath, outputPath string) (res Result, err error) {
	if !p.begin() {
		return Result{}, ErrBusy
	}
	start := time.Now()
	defer func() {
		if err != nil {
			res = Result{}
			p.opts.Metrics.RunDone("error", 0, 0, time.Since(start))
			p.state.Store(int32(StateIdle))
			return
		}
		p.opts.Metrics.RunDone(string(res.Verdict), res.OverallScore, res.TemporalInconsistencies, time.Since(start))
		p.state.Store(int32(StateFinalized))
	}()

	stream, err := p.opts.Source.Open(ctx, videoPath)
	if err != nil {
		return Result{}, &SourceOpenError{Path: videoPath, Err: err}
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			p.log.Warn("closing video stream", zap.String("path", videoPath), zap.Error(cerr))
		}
	}()

	info := stream.Info()
	sampler, err := video.NewSampler(stream, p.opts.Stride, p.log)
	if err != nil {
		return Result{}, err
	}

	if p.opts.Sink != nil {
		if err := p.opts.Sink.Open(outputPath, info); err != nil {
			return Result{}, fmt.Errorf("open output %q: %w", outputPath, err)
		}
		defer func() {
			if cerr := p.opts.Sink.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("close output %q: %w", outputPath, cerr)
			}
		}()
	}

	p.log.Debug("run started",
		zap.String("path", videoPath),
		zap.Int("frames", info.FrameCount),
		zap.Float64("fps", info.FPS),
		zap.Int("stride", p.opts.Stride))

	p.opts.Tracker.Reset()
	var agg Aggregator
	res.PerFaceResults = []FaceResult{}

	for {
		frame, err := sampler.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Result{}, err
		}
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		located, scores, err := p.analyzeFrame(ctx, frame)
		if err != nil {
			return Result{}, err
		}

		for _, fs := range scores {
			agg.RecordFace(fs.FakeProbability)
			res.PerFaceResults = append(res.PerFaceResults, newFaceResult(fs))
		}

		centers := make([]temporal.Point, len(located))
		for i, d := range located {
			centers[i] = d.Center()
		}
		tscore := p.opts.Tracker.Check(centers)
		agg.RecordFrame(tscore)
		p.opts.Metrics.FrameDone(len(scores))

		ev := FrameEvent{
			Frame:         frame,
			Faces:         scores,
			TemporalScore: tscore,
			Decoded:       sampler.Decoded(),
			Info:          info,
		}
		if p.opts.Sink != nil {
			if err := p.opts.Sink.WriteFrame(ev); err != nil {
				return Result{}, fmt.Errorf("write frame %d: %w", frame.Index, err)
			}
		}
		if p.opts.Observer != nil {
			p.opts.Observer.OnFrame(ev)
		}
	}

	// A killed decoder reads as end of stream.
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	agg.fill(&res)
	p.log.Info("run finished",
		zap.String("path", videoPath),
		zap.Int("frames_analyzed", res.FramesAnalyzed),
		zap.Int("faces_detected", res.FacesDetected),
		zap.Float64("overall_score", res.OverallScore),
		zap.String("verdict", string(res.Verdict)),
		zap.Duration("elapsed", time.Since(start)))
	return res, nil
}

// analyzeFrame locates faces in frame and classifies each one. It returns every
// usable detection (for temporal tracking) and the scored faces in locator
// order. With SkipFailedFaces a face may be located but not scored.
func (p *Pipeline) analyzeFrame(ctx context.Context, frame video.Frame) ([]FaceDetection, []FaceScore, error) {
	t0 := time.Now()
	boxes, err := p.opts.Locator.Detect(ctx, frame.Image)
	if err != nil {
		return nil, nil, &CollaboratorError{Op: "detect", FrameIndex: frame.Index, Err: err}
	}
	p.opts.Metrics.ObserveDetect(time.Since(t0))

	bounds := frame.Image.Bounds()
	located := make([]FaceDetection, 0, len(boxes))
	crops := make([]image.Rectangle, 0, len(boxes))
	for _, b := range boxes {
		b = b.Canon()
		clip := b.Intersect(bounds)
		if clip.Empty() {
			p.log.Debug("dropping face outside frame",
				zap.Int("frame", frame.Index), zap.Stringer("box", b))
			continue
		}
		located = append(located, FaceDetection{Box: b, FrameIndex: frame.Index})
		crops = append(crops, clip)
	}
	if len(located) == 0 {
		return located, nil, nil
	}

	probs := make([]float64, len(located))
	scored := make([]bool, len(located))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for i := range located {
		g.Go(func() error {
			t0 := time.Now()
			prob, err := p.opts.Classifier.Classify(gctx, frame.Image.SubImage(crops[i]))
			if err == nil && (math.IsNaN(prob) || prob < 0 || prob > 1) {
				err = fmt.Errorf("probability %v outside [0,1]", prob)
			}
			if err != nil {
				if p.opts.SkipFailedFaces && gctx.Err() == nil {
					p.log.Warn("skipping face after classification failure",
						zap.Int("frame", frame.Index),
						zap.Stringer("box", located[i].Box),
						zap.Error(err))
					p.opts.Metrics.FaceSkipped()
					return nil
				}
				return &CollaboratorError{Op: "classify", FrameIndex: frame.Index, Err: err}
			}
			p.opts.Metrics.ObserveClassify(time.Since(t0))
			probs[i] = prob
			scored[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	scores := make([]FaceScore, 0, len(located))
	for i, d := range located {
		if scored[i] {
			scores = append(scores, FaceScore{FaceDetection: d, FakeProbability: probs[i]})
		}
	}
	return located, scores, nil
}
