//go:build tflite

package detector

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/tphakala/go-tflite"
	"github.com/tphakala/go-tflite/delegates/xnnpack"
	"go.uber.org/zap"
	xdraw "golang.org/x/image/draw"
)

func init() {
	Register(TFLite, newTFLiteEngine)
}

// tfliteEngine detects faces with the Python engine in detection-only mode and
// classifies crops in-process with a TensorFlow Lite model.
type tfliteEngine struct {
	*PythonEngine
	classifier *tfliteClassifier
}

func newTFLiteEngine(ctx context.Context, opts Options) (Engine, error) {
	cls, err := newTFLiteClassifier(opts.Weights, opts.Threads, opts.Log)
	if err != nil {
		return nil, err
	}

	detectOpts := opts
	detectOpts.Model = "none"
	detectOpts.Weights = ""
	pool, err := startPool(ctx, detectOpts)
	if err != nil {
		cls.Close()
		return nil, err
	}
	return &tfliteEngine{
		PythonEngine: &PythonEngine{client: pool, quality: opts.JPEGQuality},
		classifier:   cls,
	}, nil
}

func (e *tfliteEngine) Classify(ctx context.Context, crop image.Image) (float64, error) {
	return e.classifier.Classify(ctx, crop)
}

func (e *tfliteEngine) Close() error {
	return errors.Join(e.PythonEngine.Close(), e.classifier.Close())
}

// tfliteClassifier runs a model with a single [1,H,W,3] float32 input and a
// sigmoid (1 value) or softmax (2 values, fake last) output.
type tfliteClassifier struct {
	mu          sync.Mutex
	model       *tflite.Model
	options     *tflite.InterpreterOptions
	interpreter *tflite.Interpreter
	width       int
	height      int
	scratch     *image.RGBA
}

func newTFLiteClassifier(path string, threads int, log *zap.Logger) (*tfliteClassifier, error) {
	model := tflite.NewModelFromFile(path)
	if model == nil {
		return nil, fmt.Errorf("cannot load TensorFlow Lite model %q", path)
	}

	if threads < 1 {
		threads = 1
	}
	options := tflite.NewInterpreterOptions()
	if delegate := xnnpack.New(xnnpack.DelegateOptions{NumThreads: int32(threads)}); delegate != nil {
		options.AddDelegate(delegate)
		options.SetNumThread(1)
	} else {
		log.Warn("XNNPACK delegate unavailable, using default CPU kernels")
		options.SetNumThread(threads)
	}
	options.SetErrorReporter(func(msg string, _ any) {
		log.Error("tflite error", zap.String("message", msg))
	}, nil)

	interpreter := tflite.NewInterpreter(model, options)
	if interpreter == nil {
		options.Delete()
		model.Delete()
		return nil, errors.New("cannot create TensorFlow Lite interpreter")
	}
	if status := interpreter.AllocateTensors(); status != tflite.OK {
		interpreter.Delete()
		options.Delete()
		model.Delete()
		return nil, fmt.Errorf("tensor allocation failed: %v", status)
	}

	input := interpreter.GetInputTensor(0)
	if input.Type() != tflite.Float32 || input.NumDims() != 4 || input.Dim(3) != 3 {
		interpreter.Delete()
		options.Delete()
		model.Delete()
		return nil, fmt.Errorf("model %q needs a [1,H,W,3] float32 input", path)
	}

	c := &tfliteClassifier{
		model:       model,
		options:     options,
		interpreter: interpreter,
		height:      input.Dim(1),
		width:       input.Dim(2),
	}
	c.scratch = image.NewRGBA(image.Rect(0, 0, c.width, c.height))
	log.Info("tflite classifier loaded",
		zap.String("model", path),
		zap.Int("width", c.width),
		zap.Int("height", c.height))
	return c, nil
}

// Classify resizes the crop to the model input, normalises to [0,1] and runs
// inference. The interpreter is not reentrant, so calls are serialised.
func (c *tfliteClassifier) Classify(ctx context.Context, crop image.Image) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	xdraw.ApproxBiLinear.Scale(c.scratch, c.scratch.Bounds(), crop, crop.Bounds(), xdraw.Src, nil)

	in := c.interpreter.GetInputTensor(0).Float32s()
	pix := c.scratch.Pix
	for i, j := 0, 0; j+2 < len(in) && i+3 < len(pix); i, j = i+4, j+3 {
		in[j] = float32(pix[i]) / 255
		in[j+1] = float32(pix[i+1]) / 255
		in[j+2] = float32(pix[i+2]) / 255
	}

	if status := c.interpreter.Invoke(); status != tflite.OK {
		return 0, fmt.Errorf("tflite inference failed: %v", status)
	}

	out := c.interpreter.GetOutputTensor(0).Float32s()
	if len(out) == 0 {
		return 0, errors.New("tflite model produced no output")
	}
	p := float64(out[len(out)-1])
	return min(max(p, 0), 1), nil
}

func (c *tfliteClassifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.interpreter != nil {
		c.interpreter.Delete()
		c.options.Delete()
		c.model.Delete()
		c.interpreter = nil
	}
	return nil
}
