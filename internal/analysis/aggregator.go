package analysis

// Verdict is the categorical label derived from the overall score.
type Verdict string

const (
	VerdictHighlyLikely Verdict = "Highly likely to be a deepfake"
	VerdictPossibly     Verdict = "Possibly a deepfake"
	VerdictAuthentic    Verdict = "Likely authentic"
)

// Weights of the two signals in the overall score.
const (
	FaceWeight     = 0.6
	TemporalWeight = 0.4
)

// VerdictFor maps a score to a verdict. Both thresholds are strict: exactly 0.7
// is "possibly" and exactly 0.5 is "authentic".
func VerdictFor(score float64) Verdict {
	switch {
	case score > 0.7:
		return VerdictHighlyLikely
	case score > 0.5:
		return VerdictPossibly
	default:
		return VerdictAuthentic
	}
}

// Summary is the finalized view of an Aggregator.
type Summary struct {
	AvgFake      float64
	AvgTemporal  float64
	OverallScore float64
	Verdict      Verdict
}

// Aggregator accumulates face and frame scores. Sums are commutative, so the
// order faces are recorded in does not change the result.
type Aggregator struct {
	sumFake     float64
	faces       int
	sumTemporal float64
	frames      int
}

// RecordFace adds one face's fake probability.
func (a *Aggregator) RecordFace(p float64) {
	a.sumFake += p
	a.faces++
}

// RecordFrame adds one analysed frame's temporal score.
func (a *Aggregator) RecordFrame(s float64) {
	a.sumTemporal += s
	a.frames++
}

// Faces returns the number of faces recorded.
func (a *Aggregator) Faces() int { return a.faces }

// Frames returns the number of frames recorded.
func (a *Aggregator) Frames() int { return a.frames }

// Finalize computes the weighted score. It reads only the accumulated sums and
// counts and may be called any number of times.
func (a *Aggregator) Finalize() Summary {
	var s Summary
	if a.faces > 0 {
		s.AvgFake = a.sumFake / float64(a.faces)
	}
	if a.frames > 0 {
		s.AvgTemporal = a.sumTemporal / float64(a.frames)
	}
	s.OverallScore = FaceWeight*s.AvgFake + TemporalWeight*s.AvgTemporal
	s.Verdict = VerdictFor(s.OverallScore)
	return s
}

// fill copies the accumulated numbers and the summary into r.
func (a *Aggregator) fill(r *Result) {
	s := a.Finalize()
	r.FramesAnalyzed = a.frames
	r.FacesDetected = a.faces
	r.SumFakeProbability = a.sumFake
	r.SumTemporalScore = a.sumTemporal
	r.TemporalInconsistencies = s.AvgTemporal
	r.OverallScore = s.OverallScore
	r.Verdict = s.Verdict
}
