// Package detector provides the face locator and fake-face classifier backends.
// A backend is picked by name when the run starts; the pipeline only sees the
// analysis.FaceLocator and analysis.FaceClassifier capabilities.
package detector

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/andresmejia3/deepscan/internal/analysis"
	"go.uber.org/zap"
)

// Backend names.
const (
	Xception     = "xception"
	MesoNet      = "mesonet"
	EfficientNet = "efficientnet"
	TFLite       = "tflite"
)

// DefaultWeights is used when no weights path is given.
var DefaultWeights = map[string]string{
	Xception:     "pretrained_models/xception_ff++.pth",
	MesoNet:      "pretrained_models/mesonet.pth",
	EfficientNet: "pretrained_models/efficientnet_dfdc.pth",
	TFLite:       "pretrained_models/deepfake_classifier.tflite",
}

// WeightsFor returns weights, or the model's default when weights is empty.
func WeightsFor(model, weights string) string {
	if weights != "" {
		return weights
	}
	return DefaultWeights[model]
}

// Options configures a backend.
type Options struct {
	Model   string
	Weights string

	// Python engine settings.
	Python             string
	Script             string
	Engines            int
	Timeout            time.Duration
	DetectionThreshold float64
	JPEGQuality        int

	// Threads used by in-process inference.
	Threads int

	Log *zap.Logger
}

// Engine bundles both capabilities behind one lifetime.
type Engine interface {
	analysis.FaceLocator
	analysis.FaceClassifier
	io.Closer
}

// Factory builds an Engine.
type Factory func(ctx context.Context, opts Options) (Engine, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a backend available under name. It panics on duplicates.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("detector: duplicate backend " + name)
	}
	registry[name] = f
}

// Names lists the registered backends in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Known reports whether a backend with this name exists.
func Known(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[name]
	return ok
}

// New builds the backend named by opts.Model.
func New(ctx context.Context, opts Options) (Engine, error) {
	registryMu.RLock()
	f, ok := registry[opts.Model]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown model %q (available: %v)", opts.Model, Names())
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	opts.Weights = WeightsFor(opts.Model, opts.Weights)
	return f(ctx, opts)
}
