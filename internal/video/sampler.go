package video

import (
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// Sampler yields every stride-th frame of a stream, keeping the global index.
// It is lazy, finite and not restartable.
type Sampler struct {
	stream  Stream
	stride  int
	log     *zap.Logger
	decoded int
	done    bool
}

// NewSampler wraps stream. stride must be at least 1.
func NewSampler(stream Stream, stride int, log *zap.Logger) (*Sampler, error) {
	if stride < 1 {
		return nil, fmt.Errorf("sample stride must be >= 1, got %d", stride)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sampler{stream: stream, stride: stride, log: log}, nil
}

// Next returns the next frame whose index is a multiple of the stride.
// It returns io.EOF once the stream is exhausted. A frame that fails to decode
// ends the stream as well.
func (s *Sampler) Next() (Frame, error) {
	for !s.done {
		idx := s.decoded
		want := idx%s.stride == 0

		img, err := s.stream.Next(want)
		if err != nil {
			s.done = true
			if !errors.Is(err, io.EOF) {
				s.log.Warn("frame decode failed, treating as end of stream",
					zap.Int("frame", idx), zap.Error(err))
			}
			break
		}
		s.decoded++

		if want {
			return Frame{Index: idx, Image: img}, nil
		}
	}
	return Frame{}, io.EOF
}

// Decoded returns how many frames have been read so far, sampled or not.
func (s *Sampler) Decoded() int {
	return s.decoded
}
