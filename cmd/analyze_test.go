package cmd

import (
	"bufio"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/deepscan/internal/analysis"
	"github.com/andresmejia3/deepscan/internal/config"
	"github.com/andresmejia3/deepscan/internal/store"
	"github.com/andresmejia3/deepscan/internal/utils"
	"github.com/andresmejia3/deepscan/internal/video"
	"github.com/andresmejia3/deepscan/internal/worker"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAnalyzeFlags(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "video.mp4")
	require.NoError(t, os.WriteFile(input, []byte("not really a video"), 0o644))

	tests := []struct {
		name    string
		opts    AnalyzeOptions
		wantErr bool
	}{
		{name: "Valid options", opts: AnalyzeOptions{InputPath: input}},
		{name: "Valid outputs", opts: AnalyzeOptions{InputPath: input, OutputPath: filepath.Join(dir, "out.mp4"), ReportPath: "report.json"}},
		{name: "Input file does not exist", opts: AnalyzeOptions{InputPath: "nonexistent.mp4"}, wantErr: true},
		{name: "Input is directory", opts: AnalyzeOptions{InputPath: dir}, wantErr: true},
		{name: "Output overwrites input", opts: AnalyzeOptions{InputPath: input, OutputPath: input}, wantErr: true},
		{name: "Missing output directory", opts: AnalyzeOptions{InputPath: input, ReportPath: filepath.Join(dir, "nope", "r.json")}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateAnalyzeFlags(tt.opts)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBindFlagsOverridesConfig(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	c := &cobra.Command{Use: "analyze"}
	c.Flags().IntP("sample-rate", "n", 30, "")
	c.Flags().StringP("model", "m", "xception", "")
	c.Flags().Bool("skip-failed-faces", false, "")
	c.Flags().Duration("timeout", 30*time.Second, "")
	require.NoError(t, c.Flags().Parse([]string{"-n", "5", "--skip-failed-faces", "--timeout", "2s"}))

	v := config.New("")
	require.NoError(t, bindFlags(v, c.Flags()))
	got, err := config.Load(v)
	require.NoError(t, err)

	assert.Equal(t, 5, got.Analysis.SampleRate)
	assert.True(t, got.Analysis.SkipFailedFaces)
	assert.Equal(t, 2*time.Second, got.Engine.Timeout)
	assert.Equal(t, "xception", got.Engine.Model, "unchanged flag keeps the default")
}

func TestEngineCommand(t *testing.T) {
	sc := utils.NewSafeCommand(t.Context(), "python3")
	sc.Stderr.Write([]byte("Traceback: boom"))

	err := &analysis.CollaboratorError{Op: "classify", FrameIndex: 30, Err: &worker.EngineError{ID: 1, Cmd: sc, Err: errors.New("read response header: EOF")}}
	assert.Same(t, sc, engineCommand(err))
	assert.Nil(t, engineCommand(errors.New("plain")))
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	res := analysis.Result{
		OverallScore:            0.54,
		FramesAnalyzed:          1200,
		FacesDetected:           2400,
		TemporalInconsistencies: 0.025,
		Verdict:                 analysis.VerdictPossibly,
	}
	last := analysis.FrameEvent{Decoded: 3661 * 25, Info: video.Info{FPS: 25}}
	printSummary(&buf, res, last, 1500*time.Millisecond)

	out := buf.String()
	assert.Contains(t, out, "Possibly a deepfake")
	assert.Contains(t, out, "0.5400")
	assert.Contains(t, out, "1,200")
	assert.Contains(t, out, "2,400")
	assert.Contains(t, out, "0.0250")
	assert.Contains(t, out, "01:01:01")
	assert.Contains(t, out, "1.5s")
}

func TestProgressObserverTracksLastEvent(t *testing.T) {
	var buf bytes.Buffer
	o := &progressObserver{out: &buf}
	o.OnFrame(analysis.FrameEvent{Decoded: 1, Info: video.Info{FrameCount: 0, FPS: 30}})
	o.OnFrame(analysis.FrameEvent{Decoded: 31, Info: video.Info{FrameCount: 0, FPS: 30}})
	o.finish()

	assert.Equal(t, 31, o.last.Decoded)

	silent := &progressObserver{}
	silent.OnFrame(analysis.FrameEvent{Decoded: 1})
	silent.finish()
	assert.Nil(t, silent.bar)
}

func TestPrintRuns(t *testing.T) {
	var empty bytes.Buffer
	printRuns(&empty, nil, store.LabelStats{})
	assert.Contains(t, empty.String(), "No runs found")

	var buf bytes.Buffer
	runs := []store.Run{{
		ID:        uuid.New(),
		VideoPath: "/v/a.mp4",
		Model:     "mesonet",
		Result:    analysis.Result{OverallScore: 0.81, Verdict: analysis.VerdictHighlyLikely},
		Label:     store.LabelFake,
		CreatedAt: time.Now().Add(-2 * time.Hour),
	}}
	printRuns(&buf, runs, store.LabelStats{Labelled: 4, Correct: 3})

	out := buf.String()
	assert.Contains(t, out, "/v/a.mp4")
	assert.Contains(t, out, "0.8100")
	assert.Contains(t, out, "fake")
	assert.Contains(t, out, "2 hours ago")
	assert.Contains(t, out, "3 of 4 labelled runs match their verdict (75.0%)")
}

func TestPrintRun(t *testing.T) {
	var buf bytes.Buffer
	printRun(&buf, &store.Run{
		ID:        uuid.New(),
		VideoID:   strings.Repeat("ab", 32),
		VideoPath: "/v/a.mp4",
		Model:     "xception",
		Result: analysis.Result{
			Verdict: analysis.VerdictPossibly,
			PerFaceResults: []analysis.FaceResult{
				{FrameIndex: 30, BBox: [4]int{1, 2, 3, 4}, FakeProbability: 0.6},
			},
		},
	})
	out := buf.String()
	assert.Contains(t, out, "abababababab")
	assert.Contains(t, out, "unlabelled")
	assert.Contains(t, out, "(1,2)-(3,4)")
	assert.Contains(t, out, "0.6000")
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		got := confirm(bufio.NewReader(strings.NewReader(tt.input)), &out, "Drop?")
		assert.Equal(t, tt.want, got, "input %q", tt.input)
		assert.Contains(t, out.String(), "Drop? [y/N]")
	}
}
