package detector

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/andresmejia3/deepscan/internal/types"
	"github.com/andresmejia3/deepscan/internal/worker"
)

const defaultJPEGQuality = 90

func init() {
	for _, name := range []string{Xception, MesoNet, EfficientNet} {
		Register(name, newPythonEngine)
	}
}

// engineClient is the request surface of worker.Pool.
type engineClient interface {
	Detect(ctx context.Context, jpeg []byte) ([]types.Box, error)
	Classify(ctx context.Context, jpeg []byte) (float64, error)
	Close() error
}

// PythonEngine locates faces with MTCNN and scores them with a PyTorch model,
// both running in pooled Python engine processes.
type PythonEngine struct {
	client  engineClient
	quality int
}

func newPythonEngine(ctx context.Context, opts Options) (Engine, error) {
	pool, err := startPool(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &PythonEngine{client: pool, quality: opts.JPEGQuality}, nil
}

func startPool(ctx context.Context, opts Options) (*worker.Pool, error) {
	spec := types.EngineSpec{
		Python:             opts.Python,
		Script:             opts.Script,
		Model:              opts.Model,
		Weights:            opts.Weights,
		DetectionThreshold: opts.DetectionThreshold,
	}
	return worker.NewPool(ctx, opts.Engines, spec, opts.Timeout, opts.Log.Named("engine"))
}

// Detect implements analysis.FaceLocator.
func (e *PythonEngine) Detect(ctx context.Context, img image.Image) ([]image.Rectangle, error) {
	data, err := encodeJPEG(img, e.quality)
	if err != nil {
		return nil, err
	}
	boxes, err := e.client.Detect(ctx, data)
	if err != nil {
		return nil, err
	}
	return toRects(boxes, img.Bounds().Min), nil
}

// Classify implements analysis.FaceClassifier.
func (e *PythonEngine) Classify(ctx context.Context, crop image.Image) (float64, error) {
	data, err := encodeJPEG(crop, e.quality)
	if err != nil {
		return 0, err
	}
	return e.client.Classify(ctx, data)
}

// Close stops the engine processes.
func (e *PythonEngine) Close() error {
	return e.client.Close()
}

// encodeJPEG serialises img. Sub-images are re-based at (0,0) by the encoder.
func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = defaultJPEGQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// toRects converts engine boxes, which are relative to the encoded image, back
// into the coordinate space of the source image.
func toRects(boxes []types.Box, origin image.Point) []image.Rectangle {
	rects := make([]image.Rectangle, 0, len(boxes))
	for _, b := range boxes {
		r := image.Rect(int(b[0]), int(b[1]), int(b[2]), int(b[3])).Add(origin)
		if r.Empty() {
			continue
		}
		rects = append(rects, r)
	}
	return rects
}
