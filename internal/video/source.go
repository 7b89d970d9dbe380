package video

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"

	"github.com/andresmejia3/deepscan/internal/utils"
	"go.uber.org/zap"
)

// FFmpegSource opens videos by piping raw RGBA frames out of ffmpeg.
type FFmpegSource struct {
	Log *zap.Logger
}

// Open validates the path, probes the stream and starts the decoder.
// Every failure wraps ErrOpen.
func (s FFmpegSource) Open(ctx context.Context, path string) (Stream, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrOpen, path)
	}

	meta, err := Probe(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}

	// Added -hide_banner and -loglevel error to prevent memory bloat in stderr buffer
	cmd := utils.NewSafeCommand(ctx, "ffmpeg", "-hide_banner", "-loglevel", "error",
		"-i", path, "-f", "rawvideo", "-pix_fmt", "rgba", "-")
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: decoder pipe: %v", ErrOpen, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start decoder: %v", ErrOpen, err)
	}

	log := s.Log
	if log == nil {
		log = zap.NewNop()
	}
	log.Debug("decoder started",
		zap.String("path", path),
		zap.Int("width", meta.Width),
		zap.Int("height", meta.Height),
		zap.Float64("fps", meta.FPS),
		zap.Int("frames", meta.FrameCount))

	return newRawStream(meta, out, cmd), nil
}

// rawStream reads fixed-size RGBA frames from a reader.
type rawStream struct {
	info    Info
	r       io.ReadCloser
	cmd     *utils.SafeCommand
	scratch []byte
	index   int
	closed  bool
}

func newRawStream(info Info, r io.ReadCloser, cmd *utils.SafeCommand) *rawStream {
	return &rawStream{
		info:    info,
		r:       r,
		cmd:     cmd,
		scratch: make([]byte, info.Width*info.Height*4),
	}
}

func (s *rawStream) Info() Info {
	return s.info
}

func (s *rawStream) Next(decode bool) (*image.RGBA, error) {
	buf := s.scratch
	if decode {
		// Decoded frames escape to the pipeline and the sink; give each its own buffer.
		buf = make([]byte, len(s.scratch))
	}

	n, err := io.ReadFull(s.r, buf)
	idx := s.index
	s.index++
	switch {
	case errors.Is(err, io.EOF) && n == 0:
		return nil, io.EOF
	case err != nil:
		return nil, &DecodeError{Index: idx, Err: err}
	}

	if !decode {
		return nil, nil
	}
	return &image.RGBA{
		Pix:    buf,
		Stride: s.info.Width * 4,
		Rect:   image.Rect(0, 0, s.info.Width, s.info.Height),
	}, nil
}

// Close stops the decoder. Stopping early kills ffmpeg; its exit status is ignored
// in that case since a killed process always reports failure.
func (s *rawStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	s.r.Close()
	if s.cmd == nil {
		return nil
	}
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
	return nil
}
