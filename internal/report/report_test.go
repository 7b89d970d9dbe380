package report

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/andresmejia3/deepscan/internal/analysis"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func sampleResult() analysis.Result {
	return analysis.Result{
		OverallScore:   0.54,
		FramesAnalyzed: 2,
		FacesDetected:  4,
		Verdict:        analysis.VerdictPossibly,
		PerFaceResults: []analysis.FaceResult{
			{FrameIndex: 0, BBox: [4]int{10, 10, 30, 30}, FakeProbability: 0.2},
			{FrameIndex: 0, BBox: [4]int{50, 10, 70, 30}, FakeProbability: 0.4},
			{FrameIndex: 30, BBox: [4]int{10, 12, 30, 32}, FakeProbability: 0.6},
			{FrameIndex: 30, BBox: [4]int{50, 12, 70, 32}, FakeProbability: 0.8},
		},
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"json": FormatJSON, "YAML": FormatYAML, "yml": FormatYAML} {
		got, err := ParseFormat(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("xml")
	assert.Error(t, err)
}

func TestFormatFor(t *testing.T) {
	assert.Equal(t, FormatYAML, FormatFor("out/report.yml", FormatJSON))
	assert.Equal(t, FormatJSON, FormatFor("report.JSON", FormatYAML))
	assert.Equal(t, FormatYAML, FormatFor("report.txt", FormatYAML))
}

func TestComputeStats(t *testing.T) {
	st, err := ComputeStats(sampleResult())
	require.NoError(t, err)
	require.NotNil(t, st)

	assert.InDelta(t, 0.2, st.Min, 1e-9)
	assert.InDelta(t, 0.8, st.Max, 1e-9)
	assert.InDelta(t, 0.5, st.Mean, 1e-9)
	assert.InDelta(t, 0.5, st.Median, 1e-9)
	assert.InDelta(t, 0.2236, st.StdDev, 1e-4)
	assert.GreaterOrEqual(t, st.P95, st.Median)
	assert.LessOrEqual(t, st.P95, st.Max)
}

func TestComputeStatsEdges(t *testing.T) {
	st, err := ComputeStats(analysis.Result{})
	require.NoError(t, err)
	assert.Nil(t, st, "no faces, no stats")

	single := analysis.Result{PerFaceResults: []analysis.FaceResult{{FakeProbability: 0.7}}}
	st, err = ComputeStats(single)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, st.P95, 1e-9)
	assert.Zero(t, st.StdDev)
}

func TestEncodeJSON(t *testing.T) {
	id := uuid.New()
	r, err := New(id, "/videos/clip.mp4", "xception", 30, sampleResult())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, r.Encode(&buf, FormatJSON))

	var doc map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, id.String(), doc["run_id"])
	result := doc["result"].(map[string]any)
	assert.Equal(t, "Possibly a deepfake", result["verdict"])
	assert.Len(t, result["per_face_results"], 4)
	assert.NotContains(t, result, "SumFakeProbability")
	assert.Contains(t, doc, "face_stats")
}

func TestEncodeYAMLNoFaces(t *testing.T) {
	r, err := New(uuid.New(), "clip.mp4", "mesonet", 10, analysis.Result{Verdict: analysis.VerdictAuthentic})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, r.Encode(&buf, FormatYAML))

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &doc))
	assert.NotContains(t, doc, "face_stats")
	result := doc["result"].(map[string]any)
	assert.Equal(t, "Likely authentic", result["verdict"])
	assert.Empty(t, result["per_face_results"])
}

func TestWriteFile(t *testing.T) {
	r, err := New(uuid.New(), "clip.mp4", "xception", 30, sampleResult())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "nested", "report.json")
	require.NoError(t, r.WriteFile(path, FormatJSON))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, json.Valid(data))
}
