package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/deepscan/internal/types"
	"github.com/andresmejia3/deepscan/internal/utils"
	"go.uber.org/zap"
)

// ErrPoolClosed is returned by requests made after Close.
var ErrPoolClosed = errors.New("engine pool is closed")

// Pool hands out engine workers one request at a time. A request that outlives
// its context or the per-request timeout kills the worker it was using; the
// slot stays unusable for the rest of the run.
type Pool struct {
	idle    chan *PythonWorker
	all     []*PythonWorker
	timeout time.Duration
	log     *zap.Logger
	done    chan struct{}
}

// NewPool starts n engine processes. If any fails to start, the ones already
// running are shut down.
func NewPool(ctx context.Context, n int, spec types.EngineSpec, timeout time.Duration, log *zap.Logger) (*Pool, error) {
	if n < 1 {
		return nil, fmt.Errorf("engine count must be >= 1, got %d", n)
	}
	if log == nil {
		log = zap.NewNop()
	}

	workers := make([]*PythonWorker, 0, n)
	for i := 0; i < n; i++ {
		w, err := NewPythonWorker(ctx, i, spec)
		if err != nil {
			for _, started := range workers {
				started.Close()
			}
			return nil, err
		}
		workers = append(workers, w)
	}
	log.Info("engines started",
		zap.Int("count", n),
		zap.String("model", spec.Model),
		zap.String("weights", spec.Weights))
	return newPool(workers, timeout, log), nil
}

func newPool(workers []*PythonWorker, timeout time.Duration, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pool{
		idle:    make(chan *PythonWorker, len(workers)),
		all:     workers,
		timeout: timeout,
		log:     log,
		done:    make(chan struct{}),
	}
	for _, w := range workers {
		p.idle <- w
	}
	return p
}

// Size returns the number of engine processes.
func (p *Pool) Size() int { return len(p.all) }

// Detect runs face detection on a JPEG frame.
func (p *Pool) Detect(ctx context.Context, jpeg []byte) ([]types.Box, error) {
	var boxes []types.Box
	err := p.do(ctx, func(w *PythonWorker) (err error) {
		boxes, err = w.Detect(jpeg)
		return err
	})
	return boxes, err
}

// Classify scores a JPEG face crop.
func (p *Pool) Classify(ctx context.Context, jpeg []byte) (float64, error) {
	var prob float64
	err := p.do(ctx, func(w *PythonWorker) (err error) {
		prob, err = w.Classify(jpeg)
		return err
	})
	return prob, err
}

func (p *Pool) do(ctx context.Context, fn func(*PythonWorker) error) error {
	var w *PythonWorker
	select {
	case w = <-p.idle:
	case <-p.done:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { p.idle <- w }()

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	stop := context.AfterFunc(ctx, w.Kill)

	err := fn(w)
	if !stop() {
		p.log.Warn("engine killed mid-request", zap.Int("engine", w.ID), zap.Error(ctx.Err()))
		return fmt.Errorf("engine %d: %w", w.ID, ctx.Err())
	}
	if err != nil {
		if w.Cmd != nil {
			if logs := w.Logs(); logs != "" {
				p.log.Debug("engine stderr", zap.Int("engine", w.ID), zap.String("logs", logs))
			}
		}
		return &EngineError{ID: w.ID, Cmd: w.Cmd, Err: err}
	}
	return nil
}

// EngineError is a failed request. Cmd keeps the engine's stderr for display.
type EngineError struct {
	ID  int
	Cmd *utils.SafeCommand
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine %d: %v", e.ID, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// Close shuts down every engine. It waits for in-flight requests to return
// their workers first.
func (p *Pool) Close() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	close(p.done)

	var errs []error
	for range p.all {
		w := <-p.idle
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
