package ts

import (
	"fmt"
	"time"

	"github.com/wavecrest/cascade/types"
)

// Sample is one (time, value) tick retained in a series buffer.
type Sample struct {
	T time.Time
	V types.Value
}

// Series is a fixed-capacity ring of the most recent samples on one edge.
// Capacity is the maximum subscriber history depth plus one, chosen at build
// time; Write never allocates.
type Series struct {
	buf  []Sample
	head int // index of the most recent sample
	size int
}

// New returns a series retaining up to depth+1 samples. depth < 0 is
// treated as 0 (last sample only).
func New(depth int) *Series {
	if depth < 0 {
		depth = 0
	}
	return &Series{buf: make([]Sample, depth+1), head: -1}
}

func (s *Series) Cap() int  { return len(s.buf) }
func (s *Series) Size() int { return s.size }

// Write appends a sample. A write at the current last time overwrites the
// last sample in place and reports appended=false so the caller does not
// re-notify consumers. A write earlier than the last time fails.
func (s *Series) Write(t time.Time, v types.Value) (appended bool, err error) {
	if s.size > 0 {
		last := s.buf[s.head].T
		if t.Before(last) {
			return false, fmt.Errorf("%w: write at %s behind last %s",
				types.ErrTimeRegression, t.Format(time.RFC3339Nano), last.Format(time.RFC3339Nano))
		}
		if t.Equal(last) {
			s.buf[s.head].V = v
			return false, nil
		}
	}
	s.head = (s.head + 1) % len(s.buf)
	s.buf[s.head] = Sample{T: t, V: v}
	if s.size < len(s.buf) {
		s.size++
	}
	return true, nil
}

// Last returns the most recent sample; ok is false on an empty series.
func (s *Series) Last() (Sample, bool) {
	if s.size == 0 {
		return Sample{}, false
	}
	return s.buf[s.head], true
}

// At returns the sample k ticks ago (k=0 is the latest).
func (s *Series) At(k int) (Sample, error) {
	if k < 0 || k >= s.size {
		return Sample{}, fmt.Errorf("%w: want %d ticks back, have %d samples", types.ErrHistoryUnderflow, k, s.size)
	}
	idx := s.head - k
	if idx < 0 {
		idx += len(s.buf)
	}
	return s.buf[idx], nil
}

// TickedAt reports whether the series last ticked exactly at t.
func (s *Series) TickedAt(t time.Time) bool {
	return s.size > 0 && s.buf[s.head].T.Equal(t)
}

// LastTime returns the last tick time, or the zero time if empty.
func (s *Series) LastTime() time.Time {
	if s.size == 0 {
		return time.Time{}
	}
	return s.buf[s.head].T
}
