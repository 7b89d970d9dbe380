// Package report renders a finished analysis as a JSON or YAML document.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andresmejia3/deepscan/internal/analysis"
	"github.com/google/uuid"
	"github.com/montanaflynn/stats"
	"gopkg.in/yaml.v3"
)

// Format is the encoding of a written report.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat accepts json, yaml or yml.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unsupported report format %q, must be json or yaml", s)
	}
}

// FormatFor picks the format from the file extension, falling back to def.
func FormatFor(path string, def Format) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".yaml", ".yml":
		return FormatYAML
	}
	return def
}

// Stats describes the distribution of per-face fake probabilities.
type Stats struct {
	Min    float64 `json:"min" yaml:"min"`
	Max    float64 `json:"max" yaml:"max"`
	Mean   float64 `json:"mean" yaml:"mean"`
	Median float64 `json:"median" yaml:"median"`
	P95    float64 `json:"p95" yaml:"p95"`
	StdDev float64 `json:"stddev" yaml:"stddev"`
}

// Report is the document written for one run.
type Report struct {
	RunID      uuid.UUID       `json:"run_id" yaml:"run_id"`
	VideoID    string          `json:"video_id" yaml:"video_id"`
	VideoPath  string          `json:"video_path" yaml:"video_path"`
	OutputPath string          `json:"output_path,omitempty" yaml:"output_path,omitempty"`
	Model      string          `json:"model" yaml:"model"`
	SampleRate int             `json:"sample_rate" yaml:"sample_rate"`
	CreatedAt  time.Time       `json:"created_at" yaml:"created_at"`
	Duration   time.Duration   `json:"duration_ns" yaml:"duration"`
	Result     analysis.Result `json:"result" yaml:"result"`
	Stats      *Stats          `json:"face_stats,omitempty" yaml:"face_stats,omitempty"`
}

// ComputeStats summarises the probabilities of res. It returns nil when no face
// was scored.
func ComputeStats(res analysis.Result) (*Stats, error) {
	if len(res.PerFaceResults) == 0 {
		return nil, nil
	}
	data := make(stats.Float64Data, len(res.PerFaceResults))
	for i, f := range res.PerFaceResults {
		data[i] = f.FakeProbability
	}

	var s Stats
	var err error
	if s.Min, err = data.Min(); err != nil {
		return nil, err
	}
	if s.Max, err = data.Max(); err != nil {
		return nil, err
	}
	if s.Mean, err = data.Mean(); err != nil {
		return nil, err
	}
	if s.Median, err = data.Median(); err != nil {
		return nil, err
	}
	if s.P95, err = data.Percentile(95); err != nil {
		return nil, err
	}
	if s.StdDev, err = data.StandardDeviationPopulation(); err != nil {
		return nil, err
	}
	return &s, nil
}

// New builds a report and fills in the face statistics.
func New(runID uuid.UUID, videoPath, model string, sampleRate int, res analysis.Result) (*Report, error) {
	st, err := ComputeStats(res)
	if err != nil {
		return nil, fmt.Errorf("face statistics: %w", err)
	}
	if res.PerFaceResults == nil {
		res.PerFaceResults = []analysis.FaceResult{}
	}
	return &Report{
		RunID:      runID,
		VideoPath:  videoPath,
		Model:      model,
		SampleRate: sampleRate,
		CreatedAt:  time.Now().UTC(),
		Result:     res,
		Stats:      st,
	}, nil
}

// Encode writes r to w in the given format.
func (r *Report) Encode(w io.Writer, format Format) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported report format %q", format)
	}
}

// WriteFile writes r to path, creating parent directories.
func (r *Report) WriteFile(path string, format Format) (err error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create report directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	if err := r.Encode(f, format); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}
