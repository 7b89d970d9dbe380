package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/andresmejia3/deepscan/internal/analysis"
	"github.com/andresmejia3/deepscan/internal/annotate"
	"github.com/andresmejia3/deepscan/internal/config"
	"github.com/andresmejia3/deepscan/internal/detector"
	"github.com/andresmejia3/deepscan/internal/metrics"
	"github.com/andresmejia3/deepscan/internal/notify"
	"github.com/andresmejia3/deepscan/internal/report"
	"github.com/andresmejia3/deepscan/internal/store"
	"github.com/andresmejia3/deepscan/internal/temporal"
	"github.com/andresmejia3/deepscan/internal/upload"
	"github.com/andresmejia3/deepscan/internal/utils"
	"github.com/andresmejia3/deepscan/internal/video"
	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// AnalyzeOptions holds the flags that are not part of the layered config.
type AnalyzeOptions struct {
	InputPath  string
	OutputPath string
	ReportPath string
	Save       bool
	NoProgress bool
}

var analyzeOpts AnalyzeOptions

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Analyze a video for deepfake faces",
	Long: `Samples frames from a video, detects and scores every face, and checks face
positions for temporal jumps. Prints a verdict and optionally writes an annotated
video, a report, a history record, metrics, a broker notification and an upload.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAnalyze(cmd.Context(), analyzeOpts, cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

func init() {
	f := analyzeCmd.Flags()
	f.StringVarP(&analyzeOpts.InputPath, "input", "i", "", "Path to video")
	f.StringVarP(&analyzeOpts.OutputPath, "output", "o", "", "Write an annotated video of the analyzed frames")
	f.StringVarP(&analyzeOpts.ReportPath, "report", "r", "", "Write a JSON or YAML report of the run")
	f.BoolVar(&analyzeOpts.Save, "save", false, "Record the run in the history database")
	f.BoolVar(&analyzeOpts.NoProgress, "no-progress", false, "Hide the progress bar")

	f.StringP("model", "m", "xception", fmt.Sprintf("Classifier backend %v", detector.Names()))
	f.StringP("weights", "w", "", "Model weights (default: the model's pretrained file)")
	f.IntP("sample-rate", "n", 30, "Analyze every n-th frame")
	f.IntP("engines", "e", 1, "Number of parallel engine workers")
	f.IntP("concurrency", "c", 1, "Faces classified in parallel within a frame")
	f.Bool("skip-failed-faces", false, "Drop faces whose classification fails instead of aborting")
	f.Duration("timeout", 30*time.Second, "Per-request engine timeout")
	f.Float64("detection-threshold", 0.9, "Minimum face detector confidence")
	f.String("python", "python3", "Python interpreter for the engine")
	f.String("script", "python/engine.py", "Engine script")
	f.String("codec", video.DefaultCodec, "ffmpeg codec for the annotated video")
	f.String("format", "json", "Report format when --report has no .json/.yaml extension")
	f.String("metrics-file", "", "Write Prometheus metrics in text format to this file")
	f.String("notify", "", "Publish the verdict to a broker (amqp://... or mqtt://...)")
	f.String("notify-topic", "deepscan/results", "MQTT topic or AMQP routing key")
	f.String("upload-endpoint", "", "S3-compatible endpoint for artifact upload")
	f.String("upload-bucket", "", "Bucket for the report and annotated video")

	analyzeCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(analyzeCmd)
}

func validateAnalyzeFlags(opts AnalyzeOptions) error {
	info, err := os.Stat(opts.InputPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("input file does not exist: %w", err)
		}
		return fmt.Errorf("unable to access input file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("input path %s is a directory, expected a video file", opts.InputPath)
	}
	for _, out := range []string{opts.OutputPath, opts.ReportPath} {
		if out == "" {
			continue
		}
		if abs(out) == abs(opts.InputPath) {
			return fmt.Errorf("output %s would overwrite the input video", out)
		}
		if dir := filepath.Dir(out); dir != "." {
			if st, err := os.Stat(dir); err != nil || !st.IsDir() {
				return fmt.Errorf("output directory %s does not exist", dir)
			}
		}
	}
	return nil
}

func abs(p string) string {
	if a, err := filepath.Abs(p); err == nil {
		return a
	}
	return p
}

// progressObserver drives a progress bar from frame events. The bar is created
// on the first event, when the frame count is known.
type progressObserver struct {
	out  io.Writer
	bar  *progressbar.ProgressBar
	last analysis.FrameEvent
}

func (o *progressObserver) OnFrame(ev analysis.FrameEvent) {
	o.last = ev
	if o.out == nil {
		return
	}
	if o.bar == nil {
		total := ev.Info.FrameCount
		if total <= 0 {
			// Fallback to a spinner if ffprobe did not report a count
			total = -1
		}
		o.bar = progressbar.NewOptions(total,
			progressbar.OptionSetDescription("🔍 Deepscan Analyzing"),
			progressbar.OptionSetWriter(o.out),
			progressbar.OptionShowCount(),
		)
	}
	o.bar.Set(ev.Decoded)
}

func (o *progressObserver) finish() {
	if o.bar != nil {
		o.bar.Finish()
		fmt.Fprintln(o.out)
	}
}

// runAnalyze orchestrates one analysis: engines, pipeline, then whatever
// artifacts were asked for.
func runAnalyze(ctx context.Context, opts AnalyzeOptions, c *config.Config, stdout, stderr io.Writer) error {
	if err := validateAnalyzeFlags(opts); err != nil {
		return err
	}

	videoID, err := utils.GenerateVideoID(opts.InputPath)
	if err != nil {
		return fmt.Errorf("failed to generate video ID: %w", err)
	}
	runID := uuid.New()
	runLog := log.With(zap.String("run_id", runID.String()), zap.String("video_id", videoID[:12]))

	fmt.Fprintf(stderr, "📼 Processing Video ID: %s\n", videoID[:12])
	fmt.Fprintf(stderr, "⚙️  Spawning %s (%s)...\n", english.Plural(c.Engine.Count, "engine", "engines"), c.Engine.Model)

	engine, err := detector.New(ctx, detector.Options{
		Model:              c.Engine.Model,
		Weights:            c.Engine.Weights,
		Python:             c.Engine.Python,
		Script:             c.Engine.Script,
		Engines:            c.Engine.Count,
		Timeout:            c.Engine.Timeout,
		DetectionThreshold: c.Engine.DetectionThreshold,
		JPEGQuality:        c.Engine.JPEGQuality,
		Threads:            c.Engine.Threads,
		Log:                runLog,
	})
	if err != nil {
		return fmt.Errorf("failed to start %s engine: %w", c.Engine.Model, err)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			runLog.Warn("engine shutdown", zap.Error(err))
		}
	}()

	m, err := metrics.New()
	if err != nil {
		return err
	}

	progress := &progressObserver{}
	if !opts.NoProgress {
		progress.out = stderr
	}

	popts := analysis.Options{
		Source:          video.FFmpegSource{Log: runLog},
		Locator:         engine,
		Classifier:      engine,
		Tracker:         temporal.NewTracker(c.Tracker),
		Observer:        progress,
		Metrics:         m,
		Stride:          c.Analysis.SampleRate,
		Concurrency:     c.Analysis.Concurrency,
		SkipFailedFaces: c.Analysis.SkipFailedFaces,
		Log:             runLog,
	}
	if opts.OutputPath != "" {
		popts.Sink = annotate.NewRenderer(ctx, annotate.FFmpegWriter(c.Output.Codec), runLog)
	}
	p, err := analysis.NewPipeline(popts)
	if err != nil {
		return err
	}

	start := time.Now()
	res, err := p.Run(ctx, opts.InputPath, opts.OutputPath)
	progress.finish()
	elapsed := time.Since(start)
	if c.Output.MetricsFile != "" {
		// Failed runs are recorded too.
		if werr := m.WriteTextfile(c.Output.MetricsFile); werr != nil {
			runLog.Warn("writing metrics file", zap.Error(werr))
		}
	}
	if err != nil {
		return fmt.Errorf("analysis failed: %w", err)
	}

	printSummary(stdout, res, progress.last, elapsed)

	var artifacts []string
	if opts.ReportPath != "" {
		format, err := report.ParseFormat(c.Output.ReportFormat)
		if err != nil {
			return err
		}
		r, err := report.New(runID, opts.InputPath, c.Engine.Model, c.Analysis.SampleRate, res)
		if err != nil {
			return err
		}
		r.VideoID = videoID
		r.OutputPath = opts.OutputPath
		r.Duration = elapsed
		if err := r.WriteFile(opts.ReportPath, report.FormatFor(opts.ReportPath, format)); err != nil {
			return err
		}
		fmt.Fprintf(stderr, "📝 Report written to %s\n", opts.ReportPath)
		artifacts = append(artifacts, opts.ReportPath)
	}
	if opts.OutputPath != "" {
		artifacts = append(artifacts, opts.OutputPath)
	}

	if opts.Save {
		db, err := openStore(ctx)
		if err != nil {
			return err
		}
		run := &store.Run{
			ID:         runID,
			VideoID:    videoID,
			VideoPath:  opts.InputPath,
			Model:      c.Engine.Model,
			SampleRate: c.Analysis.SampleRate,
			Result:     res,
		}
		if err := db.SaveRun(ctx, run); err != nil {
			return fmt.Errorf("failed to save run: %w", err)
		}
		fmt.Fprintf(stderr, "💾 Saved as run %s\n", runID)
	}

	if c.Upload.Endpoint != "" && len(artifacts) > 0 {
		if err := uploadArtifacts(ctx, c.Upload, runID, artifacts, runLog); err != nil {
			return err
		}
	}

	if c.Notify.URL != "" {
		if err := publishResult(ctx, c.Notify, notify.NewEvent(runID, opts.InputPath, c.Engine.Model, res), runLog); err != nil {
			return err
		}
	}
	return nil
}

func uploadArtifacts(ctx context.Context, uc config.UploadConfig, runID uuid.UUID, paths []string, l *zap.Logger) error {
	up, err := upload.New(upload.Config{
		Endpoint:  uc.Endpoint,
		AccessKey: uc.AccessKey,
		SecretKey: uc.SecretKey,
		UseSSL:    uc.UseSSL,
		Bucket:    uc.Bucket,
		Prefix:    uc.Prefix,
	}, l)
	if err != nil {
		return err
	}
	if err := up.EnsureBucket(ctx); err != nil {
		return err
	}
	if _, err := up.UploadAll(ctx, runID.String(), paths...); err != nil {
		return fmt.Errorf("failed to upload artifacts: %w", err)
	}
	return nil
}

func publishResult(ctx context.Context, nc config.NotifyConfig, ev notify.Event, l *zap.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, nc.Timeout)
	defer cancel()

	pub, err := notify.New(ctx, notify.Options{
		URL:      nc.URL,
		Topic:    nc.Topic,
		Exchange: nc.Exchange,
		Timeout:  nc.Timeout,
		Log:      l,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer pub.Close()
	if err := pub.Publish(ctx, ev); err != nil {
		return fmt.Errorf("failed to publish result: %w", err)
	}
	return nil
}

// printSummary writes the verdict block. last is the final frame event, used
// for the span of video covered.
func printSummary(w io.Writer, res analysis.Result, last analysis.FrameEvent, elapsed time.Duration) {
	fmt.Fprintf(w, "\n🏁 Analysis Complete\n")
	fmt.Fprintf(w, "Verdict:                  %s\n", res.Verdict)
	fmt.Fprintf(w, "Overall score:            %.4f\n", res.OverallScore)
	fmt.Fprintf(w, "Frames analyzed:          %s\n", humanize.Comma(int64(res.FramesAnalyzed)))
	fmt.Fprintf(w, "Faces detected:           %s\n", humanize.Comma(int64(res.FacesDetected)))
	fmt.Fprintf(w, "Temporal inconsistencies: %.4f\n", res.TemporalInconsistencies)
	if last.Info.FPS > 0 {
		fmt.Fprintf(w, "Video covered:            %s\n", utils.FmtTime(float64(last.Decoded)/last.Info.FPS))
	}
	fmt.Fprintf(w, "Elapsed:                  %s\n", elapsed.Round(time.Millisecond))
}
