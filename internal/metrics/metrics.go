// Package metrics holds the Prometheus metrics recorded during analysis runs.
//
// A run is a short-lived CLI process, so metrics are exported by writing the
// registry to a node_exporter textfile rather than serving /metrics.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all metrics for the analysis pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	RunsTotal        *prometheus.CounterVec
	FramesAnalyzed   prometheus.Counter
	FacesDetected    prometheus.Counter
	FacesSkipped     prometheus.Counter
	DetectDuration   prometheus.Histogram
	ClassifyDuration prometheus.Histogram
	RunDuration      prometheus.Histogram
	OverallScore     prometheus.Gauge
	TemporalScore    prometheus.Gauge

	registry *prometheus.Registry
}

// New creates the metrics and registers them on a fresh registry.
func New() (*Metrics, error) {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.RunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "deepscan_runs_total",
		Help: "Analysis runs partitioned by outcome (verdict or error).",
	}, []string{"outcome"})
	m.FramesAnalyzed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "deepscan_frames_analyzed_total",
		Help: "Sampled frames that went through face analysis.",
	})
	m.FacesDetected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "deepscan_faces_detected_total",
		Help: "Faces classified across all analysed frames.",
	})
	m.FacesSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "deepscan_faces_skipped_total",
		Help: "Faces dropped because classification failed.",
	})
	m.DetectDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "deepscan_detect_duration_seconds",
		Help:    "Time taken to locate faces in one frame.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~2s
	})
	m.ClassifyDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "deepscan_classify_duration_seconds",
		Help:    "Time taken to classify one face crop.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})
	m.RunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "deepscan_run_duration_seconds",
		Help:    "Wall time of a complete analysis run.",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})
	m.OverallScore = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "deepscan_last_overall_score",
		Help: "Overall score of the most recent run.",
	})
	m.TemporalScore = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "deepscan_last_temporal_inconsistency",
		Help: "Average temporal anomaly score of the most recent run.",
	})

	collectors := []prometheus.Collector{
		m.RunsTotal, m.FramesAnalyzed, m.FacesDetected, m.FacesSkipped,
		m.DetectDuration, m.ClassifyDuration, m.RunDuration, m.OverallScore, m.TemporalScore,
	}
	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return m, nil
}

// Registry returns the registry the metrics live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes all metrics in the text exposition format, atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}

// ObserveDetect records the latency of one face detection call.
func (m *Metrics) ObserveDetect(d time.Duration) {
	if m == nil {
		return
	}
	m.DetectDuration.Observe(d.Seconds())
}

// ObserveClassify records the latency of one face classification call.
func (m *Metrics) ObserveClassify(d time.Duration) {
	if m == nil {
		return
	}
	m.ClassifyDuration.Observe(d.Seconds())
}

// FrameDone records one analysed frame and the faces classified in it.
func (m *Metrics) FrameDone(faces int) {
	if m == nil {
		return
	}
	m.FramesAnalyzed.Inc()
	m.FacesDetected.Add(float64(faces))
}

// FaceSkipped counts a face dropped after a failed classification.
func (m *Metrics) FaceSkipped() {
	if m == nil {
		return
	}
	m.FacesSkipped.Inc()
}

// RunDone records the outcome of a run. outcome is a verdict or "error".
func (m *Metrics) RunDone(outcome string, overall, temporal float64, d time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(outcome).Inc()
	m.RunDuration.Observe(d.Seconds())
	if outcome != "error" {
		m.OverallScore.Set(overall)
		m.TemporalScore.Set(temporal)
	}
}
