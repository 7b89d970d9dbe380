package video

import (
	"context"
	"fmt"
	"image"
	"io"
	"strconv"

	"github.com/andresmejia3/deepscan/internal/utils"
)

// DefaultCodec is the ffmpeg encoder used for annotated output (MPEG-4 Part 2,
// the "mp4v" fourcc).
const DefaultCodec = "mpeg4"

// FFmpegEncoder writes raw RGBA frames into an ffmpeg encoder process.
type FFmpegEncoder struct {
	cmd    *utils.SafeCommand
	stdin  io.WriteCloser
	width  int
	height int
	closed bool
}

// NewFFmpegEncoder starts ffmpeg writing path with the given codec, fps and size.
func NewFFmpegEncoder(ctx context.Context, path, codec string, fps float64, size image.Point) (*FFmpegEncoder, error) {
	if size.X <= 0 || size.Y <= 0 {
		return nil, fmt.Errorf("invalid output size %dx%d", size.X, size.Y)
	}
	if codec == "" {
		codec = DefaultCodec
	}

	cmd := utils.NewSafeCommand(ctx, "ffmpeg", "-hide_banner", "-loglevel", "error", "-y",
		"-f", "rawvideo", "-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", size.X, size.Y),
		"-r", strconv.FormatFloat(fps, 'f', -1, 64),
		"-i", "-",
		"-c:v", codec, "-q:v", "5", "-pix_fmt", "yuv420p",
		path)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start encoder: %w", err)
	}

	return &FFmpegEncoder{cmd: cmd, stdin: stdin, width: size.X, height: size.Y}, nil
}

// Write encodes one frame. The image must match the encoder size.
func (e *FFmpegEncoder) Write(img *image.RGBA) error {
	b := img.Bounds()
	if b.Dx() != e.width || b.Dy() != e.height {
		return fmt.Errorf("frame size %dx%d does not match encoder %dx%d", b.Dx(), b.Dy(), e.width, e.height)
	}

	rowLen := e.width * 4
	if img.Stride == rowLen {
		_, err := e.stdin.Write(img.Pix[:rowLen*e.height])
		return err
	}

	// Sub-images carry a wider stride; write row by row.
	for y := 0; y < e.height; y++ {
		off := y * img.Stride
		if _, err := e.stdin.Write(img.Pix[off : off+rowLen]); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes the encoder and waits for ffmpeg to finish writing the file.
func (e *FFmpegEncoder) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true

	e.stdin.Close()
	if err := e.cmd.Wait(); err != nil {
		if logs := e.cmd.Logs(); logs != "" {
			return fmt.Errorf("encoder process failed: %w: %s", err, logs)
		}
		return fmt.Errorf("encoder process failed: %w", err)
	}
	return nil
}
