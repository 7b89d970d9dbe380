package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"sync"

	"github.com/andresmejia3/deepscan/internal/types"
	"github.com/andresmejia3/deepscan/internal/utils" // Using the SafeCommand wrapper
)

// maxResponse bounds a single engine response so a corrupt header cannot make us
// allocate gigabytes.
const maxResponse = 16 * 1024 * 1024

// PythonWorker is one engine process. Requests go in on stdin; responses come
// back on a dedicated pipe (FD 3) so stray prints from Python libraries never
// corrupt the protocol.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	mu     sync.Mutex
	closed bool
}

// NewPythonWorker starts an engine process for spec. The process is killed when
// ctx is cancelled.
func NewPythonWorker(ctx context.Context, id int, spec types.EngineSpec) (*PythonWorker, error) {
	py := utils.NewSafeCommand(ctx, spec.Python,
		"-u", spec.Script,
		"--model", spec.Model,
		"--weights", spec.Weights,
		"--detection-threshold", strconv.FormatFloat(spec.DetectionThreshold, 'f', -1, 64),
	)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("engine %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Communicate sends one request and returns the raw response body.
// Protocol: [Length][Op][Data] out, [Length][Body] back.
func (w *PythonWorker) Communicate(op types.Op, data []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, errors.New("engine is closed")
	}

	req := make([]byte, 5+len(data))
	binary.BigEndian.PutUint32(req, uint32(1+len(data)))
	req[4] = byte(op)
	copy(req[5:], data)
	if _, err := w.Stdin.Write(req); err != nil {
		return nil, fmt.Errorf("send %s request: %w", op, err)
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		// This is where an engine crash (import error, OOM) shows up.
		return nil, fmt.Errorf("read response header: %w", err)
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen == 0 || respLen > maxResponse {
		return nil, fmt.Errorf("invalid response length %d", respLen)
	}
	body := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, body); err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return body, nil
}

// Detect sends a JPEG frame and returns the face boxes the engine found.
func (w *PythonWorker) Detect(jpeg []byte) ([]types.Box, error) {
	body, err := w.Communicate(types.OpDetect, jpeg)
	if err != nil {
		return nil, err
	}
	r, err := checkStatus(body)
	if err != nil {
		return nil, err
	}

	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("malformed detect response: %w", err)
	}
	if int(n)*16 != r.Len() {
		return nil, fmt.Errorf("malformed detect response: %d boxes in %d bytes", n, r.Len())
	}
	boxes := make([]types.Box, n)
	if err := binary.Read(r, binary.BigEndian, boxes); err != nil {
		return nil, fmt.Errorf("malformed detect response: %w", err)
	}
	return boxes, nil
}

// Classify sends a JPEG face crop and returns its fake probability.
func (w *PythonWorker) Classify(jpeg []byte) (float64, error) {
	body, err := w.Communicate(types.OpClassify, jpeg)
	if err != nil {
		return 0, err
	}
	r, err := checkStatus(body)
	if err != nil {
		return 0, err
	}

	var prob float32
	if err := binary.Read(r, binary.BigEndian, &prob); err != nil {
		return 0, fmt.Errorf("malformed classify response: %w", err)
	}
	if math.IsNaN(float64(prob)) {
		return 0, errors.New("engine returned NaN probability")
	}
	return float64(prob), nil
}

// checkStatus consumes the status byte and turns an engine-side failure into an
// error carrying the engine's message.
func checkStatus(body []byte) (*bytes.Reader, error) {
	r := bytes.NewReader(body)
	status, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty engine response: %w", err)
	}
	switch types.Status(status) {
	case types.StatusOK:
		return r, nil
	case types.StatusError:
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("malformed engine error: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("malformed engine error: %w", err)
		}
		return nil, fmt.Errorf("engine error: %s", msg)
	default:
		return nil, fmt.Errorf("unknown engine status %d", status)
	}
}

// Kill stops the process without waiting for in-flight requests. Pending reads
// fail once the pipe closes.
func (w *PythonWorker) Kill() {
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
		return
	}
	w.DataPipe.Close()
}

// Logs returns what the engine printed on stderr.
func (w *PythonWorker) Logs() string {
	return w.Cmd.Logs()
}

// Close shuts the engine down by closing its stdin and waits for it to exit.
func (w *PythonWorker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	if err := w.Cmd.Wait(); err != nil {
		return fmt.Errorf("engine %d exited: %w", w.ID, err)
	}
	return nil
}
