// Package annotate renders analysis results onto frames and writes them out as
// a video.
package annotate

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/andresmejia3/deepscan/internal/analysis"
	"github.com/andresmejia3/deepscan/internal/video"
	"go.uber.org/zap"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	Red   = color.RGBA{R: 255, A: 255}
	Green = color.RGBA{G: 255, A: 255}
)

const (
	// Thickness of face rectangles in pixels.
	Thickness = 2
	// BannerThreshold is the temporal score above which the anomaly banner shows.
	BannerThreshold = 0.2
	// FakeThreshold is the probability above which a face is drawn red.
	FakeThreshold = 0.5
)

var bannerOrigin = image.Pt(30, 30)

// FrameWriter consumes rendered frames.
type FrameWriter interface {
	Write(img *image.RGBA) error
	Close() error
}

// WriterFactory opens a FrameWriter for an output path.
type WriterFactory func(ctx context.Context, path string, info video.Info) (FrameWriter, error)

// FFmpegWriter encodes with ffmpeg using codec at the source fps and size.
func FFmpegWriter(codec string) WriterFactory {
	return func(ctx context.Context, path string, info video.Info) (FrameWriter, error) {
		return video.NewFFmpegEncoder(ctx, path, codec, info.FPS, info.Size())
	}
}

// Renderer is an analysis.Sink that draws face boxes, probability labels and
// the temporal anomaly banner, then writes the frame. Only analysed frames
// reach it, so the output holds one frame per sampled frame.
type Renderer struct {
	ctx       context.Context
	newWriter WriterFactory
	log       *zap.Logger

	w       FrameWriter
	canvas  *image.RGBA
	path    string
	written int
}

var _ analysis.Sink = (*Renderer)(nil)

// NewRenderer returns a renderer that writes through newWriter. A nil factory
// uses ffmpeg with the default codec.
func NewRenderer(ctx context.Context, newWriter WriterFactory, log *zap.Logger) *Renderer {
	if newWriter == nil {
		newWriter = FFmpegWriter(video.DefaultCodec)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Renderer{ctx: ctx, newWriter: newWriter, log: log.Named("annotate")}
}

// Open starts the output video.
func (r *Renderer) Open(path string, info video.Info) error {
	if r.w != nil {
		return errors.New("renderer already open")
	}
	if path == "" {
		return errors.New("no output path")
	}
	w, err := r.newWriter(r.ctx, path, info)
	if err != nil {
		return err
	}
	r.w = w
	r.path = path
	r.written = 0
	return nil
}

// WriteFrame renders ev onto a copy of the frame and writes it. The source
// frame is left untouched.
func (r *Renderer) WriteFrame(ev analysis.FrameEvent) error {
	if r.w == nil {
		return errors.New("renderer is not open")
	}
	src := ev.Frame.Image
	if src == nil {
		return fmt.Errorf("frame %d has no pixels", ev.Frame.Index)
	}
	if r.canvas == nil || r.canvas.Bounds() != src.Bounds() {
		r.canvas = image.NewRGBA(src.Bounds())
	}
	draw.Draw(r.canvas, r.canvas.Bounds(), src, src.Bounds().Min, draw.Src)

	Draw(r.canvas, ev.Faces, ev.TemporalScore)

	if err := r.w.Write(r.canvas); err != nil {
		return err
	}
	r.written++
	return nil
}

// Close finishes the output file.
func (r *Renderer) Close() error {
	if r.w == nil {
		return nil
	}
	err := r.w.Close()
	r.w = nil
	r.log.Debug("annotated video written",
		zap.String("path", r.path),
		zap.Int("frames", r.written),
		zap.Error(err))
	return err
}

// Written returns how many frames went into the current or last output.
func (r *Renderer) Written() int {
	return r.written
}

// Draw paints the annotations for one frame onto img.
func Draw(img *image.RGBA, faces []analysis.FaceScore, temporalScore float64) {
	for _, f := range faces {
		c := Green
		if f.FakeProbability > FakeThreshold {
			c = Red
		}
		DrawRect(img, f.Box, c, Thickness)
		DrawText(img, image.Pt(f.Box.Min.X, f.Box.Min.Y-10), fmt.Sprintf("Fake: %.2f", f.FakeProbability), c)
	}
	if temporalScore > BannerThreshold {
		DrawText(img, bannerOrigin, fmt.Sprintf("Temporal anomaly: %.2f", temporalScore), Red)
	}
}

// DrawRect outlines rect with a border of the given thickness drawn inward.
// Parts outside the image are clipped.
func DrawRect(img *image.RGBA, rect image.Rectangle, c color.RGBA, thickness int) {
	rect = rect.Canon()
	if thickness < 1 {
		thickness = 1
	}
	edges := []image.Rectangle{
		image.Rect(rect.Min.X, rect.Min.Y, rect.Max.X, rect.Min.Y+thickness), // top
		image.Rect(rect.Min.X, rect.Max.Y-thickness, rect.Max.X, rect.Max.Y), // bottom
		image.Rect(rect.Min.X, rect.Min.Y, rect.Min.X+thickness, rect.Max.Y), // left
		image.Rect(rect.Max.X-thickness, rect.Min.Y, rect.Max.X, rect.Max.Y), // right
	}
	for _, e := range edges {
		fill(img, e.Intersect(rect), c)
	}
}

// fill paints rect directly into the pixel buffer.
func fill(img *image.RGBA, rect image.Rectangle, c color.RGBA) {
	rect = rect.Intersect(img.Bounds())
	if rect.Empty() {
		return
	}
	stride := img.Stride
	pix := img.Pix
	imgMinX, imgMinY := img.Rect.Min.X, img.Rect.Min.Y
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		rowStart := (y-imgMinY)*stride + (rect.Min.X-imgMinX)*4
		for x := 0; x < rect.Dx(); x++ {
			off := rowStart + x*4
			pix[off] = c.R
			pix[off+1] = c.G
			pix[off+2] = c.B
			pix[off+3] = c.A
		}
	}
}

// DrawText writes s with its baseline starting at dot.
func DrawText(img *image.RGBA, dot image.Point, s string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(dot.X, dot.Y),
	}
	d.DrawString(s)
}
