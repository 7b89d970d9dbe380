package analysis

import (
	"context"
	"errors"
	"image"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/deepscan/internal/metrics"
	"github.com/andresmejia3/deepscan/internal/temporal"
	"github.com/andresmejia3/deepscan/internal/video"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeStream struct {
	total  int
	read   int
	closes int
}

func (s *fakeStream) Info() video.Info {
	return video.Info{FrameCount: s.total, Width: 100, Height: 100, FPS: 25}
}

func (s *fakeStream) Next(decode bool) (*image.RGBA, error) {
	if s.read >= s.total {
		return nil, io.EOF
	}
	s.read++
	if !decode {
		return nil, nil
	}
	return image.NewRGBA(image.Rect(0, 0, 100, 100)), nil
}

func (s *fakeStream) Close() error {
	s.closes++
	return nil
}

type fakeSource struct {
	stream *fakeStream
	err    error
	opens  int
}

func (s *fakeSource) Open(_ context.Context, _ string) (video.Stream, error) {
	s.opens++
	if s.err != nil {
		return nil, s.err
	}
	return s.stream, nil
}

// scriptedLocator returns boxes[i] on the i-th call.
type scriptedLocator struct {
	boxes  [][]image.Rectangle
	failOn int // call number that fails, 0 for never
	calls  int
}

func (l *scriptedLocator) Detect(_ context.Context, _ image.Image) ([]image.Rectangle, error) {
	l.calls++
	if l.failOn > 0 && l.calls == l.failOn {
		return nil, errors.New("detector crashed")
	}
	i := l.calls - 1
	if i < len(l.boxes) {
		return l.boxes[i], nil
	}
	return nil, nil
}

// keyedClassifier scores a crop by the X coordinate of its top-left corner.
type keyedClassifier struct {
	probs map[int]float64
	fail  map[int]bool
	delay map[int]time.Duration

	mu     sync.Mutex
	seen   []image.Rectangle
	active atomic.Int32
	peak   atomic.Int32
}

func (c *keyedClassifier) Classify(ctx context.Context, crop image.Image) (float64, error) {
	n := c.active.Add(1)
	defer c.active.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}

	b := crop.Bounds()
	c.mu.Lock()
	c.seen = append(c.seen, b)
	c.mu.Unlock()

	if d := c.delay[b.Min.X]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if c.fail[b.Min.X] {
		return 0, errors.New("model error")
	}
	return c.probs[b.Min.X], nil
}

type recordingSink struct {
	opens, closes int
	openErr       error
	writeErrAt    int // frame index that fails to write, -1 for never
	events        []FrameEvent
}

func newRecordingSink() *recordingSink { return &recordingSink{writeErrAt: -1} }

func (s *recordingSink) Open(_ string, _ video.Info) error {
	s.opens++
	return s.openErr
}

func (s *recordingSink) WriteFrame(ev FrameEvent) error {
	if ev.Frame.Index == s.writeErrAt {
		return errors.New("disk full")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Close() error {
	s.closes++
	return nil
}

func (s *recordingSink) indices() []int {
	var out []int
	for _, ev := range s.events {
		out = append(out, ev.Frame.Index)
	}
	return out
}

func newTestPipeline(t *testing.T, opts Options) *Pipeline {
	t.Helper()
	if opts.Stride == 0 {
		opts.Stride = 1
	}
	p, err := NewPipeline(opts)
	require.NoError(t, err)
	return p
}

func TestRunEndToEnd(t *testing.T) {
	src := &fakeSource{stream: &fakeStream{total: 2}}
	loc := &scriptedLocator{boxes: [][]image.Rectangle{{image.Rect(10, 10, 30, 30)}, nil}}
	cls := &keyedClassifier{probs: map[int]float64{10: 0.9}}
	sink := newRecordingSink()

	p := newTestPipeline(t, Options{Source: src, Locator: loc, Classifier: cls, Sink: sink})
	res, err := p.Run(context.Background(), "in.mp4", "out.mp4")
	require.NoError(t, err)

	assert.Equal(t, 2, res.FramesAnalyzed)
	assert.Equal(t, 1, res.FacesDetected)
	assert.InDelta(t, 0.54, res.OverallScore, 1e-9)
	assert.Equal(t, 0.0, res.TemporalInconsistencies)
	assert.Equal(t, VerdictPossibly, res.Verdict)
	assert.Equal(t, []FaceResult{{FrameIndex: 0, BBox: [4]int{10, 10, 30, 30}, FakeProbability: 0.9}}, res.PerFaceResults)

	assert.Equal(t, 1, src.opens)
	assert.Equal(t, 1, src.stream.closes)
	assert.Equal(t, 1, sink.opens)
	assert.Equal(t, 1, sink.closes)
	assert.Equal(t, []int{0, 1}, sink.indices())
	assert.Equal(t, StateFinalized, p.State())
}

func TestRunNoFaces(t *testing.T) {
	src := &fakeSource{stream: &fakeStream{total: 3}}
	p := newTestPipeline(t, Options{Source: src, Locator: &scriptedLocator{}, Classifier: &keyedClassifier{}})

	res, err := p.Run(context.Background(), "in.mp4", "")
	require.NoError(t, err)
	assert.Equal(t, 3, res.FramesAnalyzed)
	assert.Equal(t, 0, res.FacesDetected)
	assert.Equal(t, VerdictAuthentic, res.Verdict)
	assert.NotNil(t, res.PerFaceResults)
	assert.Empty(t, res.PerFaceResults)
}

func TestRunStride(t *testing.T) {
	src := &fakeSource{stream: &fakeStream{total: 61}}
	sink := newRecordingSink()
	var decoded []int
	obs := ObserverFunc(func(ev FrameEvent) { decoded = append(decoded, ev.Decoded) })

	p := newTestPipeline(t, Options{
		Source: src, Locator: &scriptedLocator{}, Classifier: &keyedClassifier{},
		Sink: sink, Observer: obs, Stride: 30,
	})
	res, err := p.Run(context.Background(), "in.mp4", "out.mp4")
	require.NoError(t, err)

	assert.Equal(t, 3, res.FramesAnalyzed)
	assert.Equal(t, []int{0, 30, 60}, sink.indices())
	assert.Equal(t, []int{1, 31, 61}, decoded)
}

func TestRunCollaboratorErrorClosesEverything(t *testing.T) {
	tests := []struct {
		name   string
		loc    *scriptedLocator
		cls    *keyedClassifier
		wantOp string
	}{
		{
			name:   "Detect fails",
			loc:    &scriptedLocator{failOn: 2},
			cls:    &keyedClassifier{},
			wantOp: "detect",
		},
		{
			name: "Classify fails",
			loc: &scriptedLocator{boxes: [][]image.Rectangle{
				{image.Rect(10, 10, 20, 20)},
				{image.Rect(40, 40, 50, 50)},
			}},
			cls:    &keyedClassifier{fail: map[int]bool{40: true}},
			wantOp: "classify",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSource{stream: &fakeStream{total: 5}}
			sink := newRecordingSink()
			p := newTestPipeline(t, Options{Source: src, Locator: tt.loc, Classifier: tt.cls, Sink: sink})

			res, err := p.Run(context.Background(), "in.mp4", "out.mp4")
			require.Error(t, err)

			var cerr *CollaboratorError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tt.wantOp, cerr.Op)
			assert.Equal(t, 1, cerr.FrameIndex)
			assert.Equal(t, Result{}, res, "no partial result")

			assert.Equal(t, 1, src.opens)
			assert.Equal(t, 1, src.stream.closes)
			assert.Equal(t, 1, sink.opens)
			assert.Equal(t, 1, sink.closes)
			assert.Equal(t, StateIdle, p.State())
		})
	}
}

func TestRunSourceOpenError(t *testing.T) {
	src := &fakeSource{err: video.ErrOpen}
	loc := &scriptedLocator{}
	sink := newRecordingSink()
	p := newTestPipeline(t, Options{Source: src, Locator: loc, Classifier: &keyedClassifier{}, Sink: sink})

	_, err := p.Run(context.Background(), "missing.mp4", "out.mp4")

	var oerr *SourceOpenError
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, "missing.mp4", oerr.Path)
	assert.ErrorIs(t, err, video.ErrOpen)
	assert.Equal(t, 0, loc.calls)
	assert.Equal(t, 0, sink.opens)
	assert.Equal(t, 0, sink.closes)
}

func TestRunSinkFailures(t *testing.T) {
	t.Run("Open fails", func(t *testing.T) {
		src := &fakeSource{stream: &fakeStream{total: 2}}
		sink := newRecordingSink()
		sink.openErr = errors.New("read-only filesystem")
		p := newTestPipeline(t, Options{Source: src, Locator: &scriptedLocator{}, Classifier: &keyedClassifier{}, Sink: sink})

		_, err := p.Run(context.Background(), "in.mp4", "out.mp4")
		require.Error(t, err)
		assert.Equal(t, 1, src.stream.closes)
		assert.Equal(t, 0, sink.closes)
	})

	t.Run("Write fails", func(t *testing.T) {
		src := &fakeSource{stream: &fakeStream{total: 4}}
		sink := newRecordingSink()
		sink.writeErrAt = 2
		p := newTestPipeline(t, Options{Source: src, Locator: &scriptedLocator{}, Classifier: &keyedClassifier{}, Sink: sink})

		_, err := p.Run(context.Background(), "in.mp4", "out.mp4")
		require.ErrorContains(t, err, "disk full")
		assert.Equal(t, []int{0, 1}, sink.indices())
		assert.Equal(t, 1, src.stream.closes)
		assert.Equal(t, 1, sink.closes)
	})
}

func TestRunParallelClassifyKeepsLocatorOrder(t *testing.T) {
	var boxes []image.Rectangle
	probs := map[int]float64{}
	delay := map[int]time.Duration{}
	for i := 0; i < 8; i++ {
		x := i * 10
		boxes = append(boxes, image.Rect(x, 0, x+8, 8))
		probs[x] = float64(i) / 10
		// earlier faces finish last
		delay[x] = time.Duration(8-i) * 2 * time.Millisecond
	}
	cls := &keyedClassifier{probs: probs, delay: delay}
	src := &fakeSource{stream: &fakeStream{total: 1}}
	p := newTestPipeline(t, Options{
		Source: src, Locator: &scriptedLocator{boxes: [][]image.Rectangle{boxes}},
		Classifier: cls, Concurrency: 4,
	})

	res, err := p.Run(context.Background(), "in.mp4", "")
	require.NoError(t, err)
	require.Len(t, res.PerFaceResults, 8)
	for i, fr := range res.PerFaceResults {
		assert.Equal(t, i*10, fr.BBox[0])
		assert.InDelta(t, float64(i)/10, fr.FakeProbability, 1e-9)
	}
	assert.LessOrEqual(t, cls.peak.Load(), int32(4))
}

func TestRunWithoutSinkMatches(t *testing.T) {
	run := func(sink Sink) Result {
		src := &fakeSource{stream: &fakeStream{total: 4}}
		loc := &scriptedLocator{boxes: [][]image.Rectangle{
			{image.Rect(10, 10, 30, 30)},
			{image.Rect(12, 10, 32, 30), image.Rect(60, 60, 80, 80)},
			nil,
			{image.Rect(60, 60, 80, 80)},
		}}
		cls := &keyedClassifier{probs: map[int]float64{10: 0.8, 12: 0.7, 60: 0.1}}
		p := newTestPipeline(t, Options{Source: src, Locator: loc, Classifier: cls, Sink: sink})
		res, err := p.Run(context.Background(), "in.mp4", "out.mp4")
		require.NoError(t, err)
		return res
	}

	assert.Equal(t, run(newRecordingSink()), run(nil))
}

func TestRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &fakeSource{stream: &fakeStream{total: 10}}
	sink := newRecordingSink()
	obs := ObserverFunc(func(ev FrameEvent) {
		if ev.Frame.Index == 1 {
			cancel()
		}
	})
	p := newTestPipeline(t, Options{
		Source: src, Locator: &scriptedLocator{}, Classifier: &keyedClassifier{},
		Sink: sink, Observer: obs,
	})

	_, err := p.Run(ctx, "in.mp4", "out.mp4")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []int{0, 1}, sink.indices())
	assert.Equal(t, 1, src.stream.closes)
	assert.Equal(t, 1, sink.closes)
}

func TestRunSkipFailedFaces(t *testing.T) {
	m, err := metrics.New()
	require.NoError(t, err)

	src := &fakeSource{stream: &fakeStream{total: 1}}
	loc := &scriptedLocator{boxes: [][]image.Rectangle{{image.Rect(10, 10, 20, 20), image.Rect(50, 50, 60, 60)}}}
	cls := &keyedClassifier{probs: map[int]float64{50: 0.6}, fail: map[int]bool{10: true}}
	p := newTestPipeline(t, Options{
		Source: src, Locator: loc, Classifier: cls, SkipFailedFaces: true, Metrics: m,
	})

	res, err := p.Run(context.Background(), "in.mp4", "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.FacesDetected)
	require.Len(t, res.PerFaceResults, 1)
	assert.Equal(t, [4]int{50, 50, 60, 60}, res.PerFaceResults[0].BBox)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FacesSkipped))
}

func TestRunClipsBoxes(t *testing.T) {
	src := &fakeSource{stream: &fakeStream{total: 1}}
	loc := &scriptedLocator{boxes: [][]image.Rectangle{{
		image.Rect(200, 200, 220, 220), // fully outside
		image.Rect(90, 90, 120, 120),   // partially outside
	}}}
	cls := &keyedClassifier{probs: map[int]float64{90: 0.4}}
	p := newTestPipeline(t, Options{Source: src, Locator: loc, Classifier: cls})

	res, err := p.Run(context.Background(), "in.mp4", "")
	require.NoError(t, err)
	require.Len(t, res.PerFaceResults, 1)
	assert.Equal(t, [4]int{90, 90, 120, 120}, res.PerFaceResults[0].BBox)
	assert.Equal(t, []image.Rectangle{image.Rect(90, 90, 100, 100)}, cls.seen)
}

func TestRunTemporalScoring(t *testing.T) {
	still := image.Rect(10, 10, 30, 30)
	jumped := image.Rect(70, 70, 90, 90)

	var boxes [][]image.Rectangle
	for i := 0; i < 10; i++ {
		boxes = append(boxes, []image.Rectangle{still})
	}
	boxes = append(boxes, []image.Rectangle{jumped}, []image.Rectangle{jumped})

	src := &fakeSource{stream: &fakeStream{total: 12}}
	sink := newRecordingSink()
	p := newTestPipeline(t, Options{
		Source: src, Locator: &scriptedLocator{boxes: boxes}, Classifier: &keyedClassifier{},
		Sink: sink, Tracker: temporal.NewTracker(temporal.DefaultConfig()),
	})

	res, err := p.Run(context.Background(), "in.mp4", "")
	require.NoError(t, err)

	require.Len(t, sink.events, 12)
	for i := 0; i < 10; i++ {
		assert.Equal(t, 0.0, sink.events[i].TemporalScore, "frame %d", i)
	}
	assert.InDelta(t, 0.3, sink.events[10].TemporalScore, 1e-9)
	// Still farther than the threshold from the older still positions.
	assert.InDelta(t, 0.3, sink.events[11].TemporalScore, 1e-9)
	assert.InDelta(t, 0.6/12, res.TemporalInconsistencies, 1e-9)
	assert.InDelta(t, 0.4*0.6/12, res.OverallScore, 1e-9)
}

func TestRunIsRepeatable(t *testing.T) {
	stream := &fakeStream{total: 12}
	src := &fakeSource{stream: stream}
	var boxes [][]image.Rectangle
	for i := 0; i < 11; i++ {
		boxes = append(boxes, []image.Rectangle{image.Rect(0, 0, 10, 10)})
	}
	boxes = append(boxes, []image.Rectangle{image.Rect(80, 80, 90, 90)})
	loc := &scriptedLocator{boxes: boxes}
	p := newTestPipeline(t, Options{Source: src, Locator: loc, Classifier: &keyedClassifier{}})

	first, err := p.Run(context.Background(), "in.mp4", "")
	require.NoError(t, err)

	stream.read = 0
	loc.calls = 0
	second, err := p.Run(context.Background(), "in.mp4", "")
	require.NoError(t, err)

	assert.Equal(t, first, second, "tracker history is reset between runs")
	assert.Equal(t, 2, src.opens)
}

func TestRunBusy(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	cls := classifierFunc(func(ctx context.Context, _ image.Image) (float64, error) {
		close(entered)
		<-release
		return 0.5, nil
	})
	src := &fakeSource{stream: &fakeStream{total: 1}}
	loc := &scriptedLocator{boxes: [][]image.Rectangle{{image.Rect(0, 0, 10, 10)}}}
	p := newTestPipeline(t, Options{Source: src, Locator: loc, Classifier: cls})

	done := make(chan error, 1)
	go func() {
		_, err := p.Run(context.Background(), "in.mp4", "")
		done <- err
	}()

	<-entered
	assert.Equal(t, StateStreaming, p.State())
	_, err := p.Run(context.Background(), "other.mp4", "")
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateFinalized, p.State())
	assert.Equal(t, 1, src.opens)
}

type classifierFunc func(context.Context, image.Image) (float64, error)

func (f classifierFunc) Classify(ctx context.Context, crop image.Image) (float64, error) {
	return f(ctx, crop)
}

func TestRunRejectsOutOfRangeProbability(t *testing.T) {
	cls := classifierFunc(func(context.Context, image.Image) (float64, error) { return 1.5, nil })
	src := &fakeSource{stream: &fakeStream{total: 1}}
	loc := &scriptedLocator{boxes: [][]image.Rectangle{{image.Rect(0, 0, 10, 10)}}}
	p := newTestPipeline(t, Options{Source: src, Locator: loc, Classifier: cls})

	_, err := p.Run(context.Background(), "in.mp4", "")
	var cerr *CollaboratorError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "classify", cerr.Op)
}

func TestNewPipelineValidation(t *testing.T) {
	valid := Options{Source: &fakeSource{}, Locator: &scriptedLocator{}, Classifier: &keyedClassifier{}, Stride: 1}

	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{name: "Missing source", mutate: func(o *Options) { o.Source = nil }},
		{name: "Missing locator", mutate: func(o *Options) { o.Locator = nil }},
		{name: "Missing classifier", mutate: func(o *Options) { o.Classifier = nil }},
		{name: "Zero stride", mutate: func(o *Options) { o.Stride = 0 }},
		{name: "Negative concurrency", mutate: func(o *Options) { o.Concurrency = -2 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := valid
			tt.mutate(&opts)
			_, err := NewPipeline(opts)
			assert.Error(t, err)
		})
	}

	p, err := NewPipeline(valid)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, p.State())
	assert.Equal(t, 1, p.opts.Concurrency)
	assert.NotNil(t, p.opts.Tracker)
}
