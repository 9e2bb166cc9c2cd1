package audio

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrSegmentActive   = errors.New("audio: a segment is already open")
	ErrNoActiveSegment = errors.New("audio: no segment open")
	ErrSegmentMismatch = errors.New("audio: segment line index mismatch")
)

// Segment is the audio recorded for one lyric line. StartMS/EndMS are
// offsets within the song, not wall-clock times.
type Segment struct {
	LineIndex int
	Samples   []int16
	StartMS   int64
	EndMS     int64
}

// Segmenter assigns incoming frames to at most one open segment. Ownership
// is exclusive: every sample belongs to exactly one segment, and samples
// arriving outside an open segment are discarded, never carried over.
type Segmenter struct {
	mu      sync.Mutex
	active  int
	open    bool
	samples []int16
	startMS int64
}

func NewSegmenter() *Segmenter {
	return &Segmenter{active: -1}
}

// BeginSegment opens the segment for lineIndex at the given song offset.
func (s *Segmenter) BeginSegment(lineIndex int, songOffsetMS int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return fmt.Errorf("%w: line %d", ErrSegmentActive, s.active)
	}
	s.open = true
	s.active = lineIndex
	s.samples = s.samples[:0]
	s.startMS = songOffsetMS
	return nil
}

// Push appends a frame to the open segment. Frames pushed while no segment
// is open are dropped.
func (s *Segmenter) Push(f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return
	}
	s.samples = append(s.samples, f.Samples...)
}

// EndSegment closes the open segment and returns it. The internal buffer is
// handed off, not copied, so the segmenter retains no audio.
func (s *Segmenter) EndSegment(lineIndex int, songOffsetMS int64) (Segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return Segment{}, ErrNoActiveSegment
	}
	if s.active != lineIndex {
		return Segment{}, fmt.Errorf("%w: open %d, got %d", ErrSegmentMismatch, s.active, lineIndex)
	}
	seg := Segment{
		LineIndex: lineIndex,
		Samples:   s.samples,
		StartMS:   s.startMS,
		EndMS:     songOffsetMS,
	}
	s.samples = nil
	s.open = false
	s.active = -1
	return seg, nil
}
