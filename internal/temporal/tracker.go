// Package temporal scores abrupt, non-physical movement of face boxes across
// sampled frames.
//
// The tracker keeps no identity information: every face center of the current
// frame is compared against every center seen in the most recent snapshots.
// It is a cheap motion proxy, not landmark tracking.
package temporal

import "math"

// Point is a face center in pixel coordinates.
type Point struct {
	X float64
	Y float64
}

// Dist returns the Euclidean distance between p and q.
func (p Point) Dist(q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

// Snapshot holds the face centers observed in one sampled frame, in detection order.
type Snapshot []Point

// Config controls the sliding window and the scoring constants.
type Config struct {
	WindowSize    int     `mapstructure:"window_size"`    // snapshots held before scoring starts
	RecentSize    int     `mapstructure:"recent_size"`    // most recent snapshots compared against
	JumpThreshold float64 `mapstructure:"jump_threshold"` // pixels
	Penalty       float64 `mapstructure:"penalty"`        // added per offending face

	// EyeBlinkThreshold and MouthMovementThreshold are accepted for
	// configuration compatibility only. Scoring never reads them.
	EyeBlinkThreshold      float64 `mapstructure:"eye_blink_threshold"`
	MouthMovementThreshold float64 `mapstructure:"mouth_movement_threshold"`
}

// DefaultConfig returns the stock window of 10 snapshots, comparing against the
// last 5, with a 50px jump threshold and a 0.3 penalty.
func DefaultConfig() Config {
	return Config{
		WindowSize:             10,
		RecentSize:             5,
		JumpThreshold:          50,
		Penalty:                0.3,
		EyeBlinkThreshold:      0.2,
		MouthMovementThreshold: 0.3,
	}
}

// Tracker maintains a fixed-capacity FIFO of snapshots.
// It is not safe for concurrent use; the pipeline owns a single instance.
type Tracker struct {
	cfg    Config
	window []Snapshot
}

// NewTracker creates a tracker. Non-positive sizes fall back to the defaults.
func NewTracker(cfg Config) *Tracker {
	def := DefaultConfig()
	if cfg.WindowSize < 1 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.RecentSize < 1 {
		cfg.RecentSize = def.RecentSize
	}
	if cfg.RecentSize > cfg.WindowSize {
		cfg.RecentSize = cfg.WindowSize
	}
	return &Tracker{
		cfg:    cfg,
		window: make([]Snapshot, 0, cfg.WindowSize+1),
	}
}

// Config returns the effective configuration.
func (t *Tracker) Config() Config {
	return t.cfg
}

// Len returns the number of snapshots currently held.
func (t *Tracker) Len() int {
	return len(t.window)
}

// Reset drops all history. Called at the start of every analysis run.
func (t *Tracker) Reset() {
	t.window = t.window[:0]
}

// Check scores the current frame's face centers and pushes them into the window.
//
// Until the window is full the score is 0. Afterwards each current center whose
// maximum distance to the flattened recent centers exceeds the jump threshold adds
// the penalty; the sum is clamped to 1.0. Empty snapshots are pushed as well.
func (t *Tracker) Check(centers []Point) float64 {
	score := 0.0

	if len(t.window) >= t.cfg.WindowSize {
		recent := t.recentCenters()
		acc := 0.0
		for _, c := range centers {
			if len(recent) == 0 {
				break
			}
			maxDist := 0.0
			for _, p := range recent {
				if d := c.Dist(p); d > maxDist {
					maxDist = d
				}
			}
			if maxDist > t.cfg.JumpThreshold {
				acc += t.cfg.Penalty
			}
		}
		score = math.Min(acc, 1.0)
	}

	t.push(centers)
	return score
}

func (t *Tracker) recentCenters() []Point {
	start := len(t.window) - t.cfg.RecentSize
	if start < 0 {
		start = 0
	}
	var flat []Point
	for _, snap := range t.window[start:] {
		flat = append(flat, snap...)
	}
	return flat
}

func (t *Tracker) push(centers []Point) {
	snap := make(Snapshot, len(centers))
	copy(snap, centers)
	t.window = append(t.window, snap)

	// Evict oldest first. Shift in place so the backing array stays bounded.
	for len(t.window) > t.cfg.WindowSize {
		copy(t.window, t.window[1:])
		t.window[len(t.window)-1] = nil
		t.window = t.window[:len(t.window)-1]
	}
}
