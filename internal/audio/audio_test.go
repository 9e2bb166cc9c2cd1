package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"
)

func sine(n int, freq float64, sampleRate int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(12000 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	return out
}

func TestSegmenterExclusiveOwnership(t *testing.T) {
	s := NewSegmenter()

	// Samples before any segment are dropped.
	s.Push(Frame{Samples: []int16{1, 2, 3}})

	if err := s.BeginSegment(0, 1000); err != nil {
		t.Fatalf("BeginSegment(0) error = %v", err)
	}
	s.Push(Frame{Samples: []int16{10, 11}})
	s.Push(Frame{Samples: []int16{12}})

	if err := s.BeginSegment(1, 2000); !errors.Is(err, ErrSegmentActive) {
		t.Fatalf("nested BeginSegment error = %v, want ErrSegmentActive", err)
	}

	seg, err := s.EndSegment(0, 4000)
	if err != nil {
		t.Fatalf("EndSegment(0) error = %v", err)
	}
	if len(seg.Samples) != 3 {
		t.Fatalf("segment samples = %d, want 3 (pre-segment samples excluded)", len(seg.Samples))
	}
	if seg.StartMS != 1000 || seg.EndMS != 4000 {
		t.Fatalf("timing = [%d,%d], want [1000,4000]", seg.StartMS, seg.EndMS)
	}

	// Samples between segments belong to no one.
	s.Push(Frame{Samples: []int16{99}})
	if err := s.BeginSegment(1, 5000); err != nil {
		t.Fatalf("BeginSegment(1) error = %v", err)
	}
	s.Push(Frame{Samples: []int16{20}})
	seg2, err := s.EndSegment(1, 8000)
	if err != nil {
		t.Fatalf("EndSegment(1) error = %v", err)
	}
	if len(seg2.Samples) != 1 || seg2.Samples[0] != 20 {
		t.Fatalf("segment 1 samples = %v, want [20]", seg2.Samples)
	}
}

func TestSegmenterMismatchedEnd(t *testing.T) {
	s := NewSegmenter()
	if _, err := s.EndSegment(0, 0); !errors.Is(err, ErrNoActiveSegment) {
		t.Fatalf("EndSegment without begin error = %v, want ErrNoActiveSegment", err)
	}
	_ = s.BeginSegment(2, 0)
	if _, err := s.EndSegment(3, 0); !errors.Is(err, ErrSegmentMismatch) {
		t.Fatalf("mismatched EndSegment error = %v, want ErrSegmentMismatch", err)
	}
}

func TestADPCMRoundTripFidelity(t *testing.T) {
	const sampleRate = 48000
	pcm := sine(sampleRate/10, 440, sampleRate) // 100ms of A4

	enc := NewEncoder(sampleRate)
	seg := Segment{LineIndex: 0, Samples: append([]int16(nil), pcm...)}
	payload, err := enc.Encode(&seg)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if seg.Samples != nil {
		t.Fatalf("encoder retained PCM after encoding")
	}

	decoded, rate, err := Decode(payload)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if rate != sampleRate {
		t.Fatalf("sample rate = %d, want %d", rate, sampleRate)
	}
	if len(decoded) != len(pcm) {
		t.Fatalf("decoded %d samples, want %d", len(decoded), len(pcm))
	}

	// Lossy, but close: check signal-to-noise on the reconstruction.
	var sig, noise float64
	for i := range pcm {
		s := float64(pcm[i])
		d := float64(decoded[i]) - s
		sig += s * s
		noise += d * d
	}
	snr := 10 * math.Log10(sig/noise)
	if snr < 20 {
		t.Fatalf("SNR = %.1f dB, want >= 20", snr)
	}
}

func TestEncodedSizeBounded(t *testing.T) {
	const sampleRate = 48000
	enc := NewEncoder(sampleRate)

	durationMS := int64(2000)
	pcm := sine(int(durationMS)*sampleRate/1000, 220, sampleRate)
	seg := Segment{Samples: pcm}
	payload, err := enc.Encode(&seg)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if max := enc.MaxEncodedSize(durationMS); len(payload) > max {
		t.Fatalf("payload %d bytes exceeds bound %d", len(payload), max)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, _, err := Decode([]byte("not audio")); !errors.Is(err, ErrBadPayload) {
		t.Fatalf("Decode(garbage) error = %v, want ErrBadPayload", err)
	}
}

func TestEncodeWAVHeader(t *testing.T) {
	wav, err := EncodeWAVPCM16LE([]int16{0, 1, -1, 2}, 48000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Fatalf("missing RIFF/WAVE markers")
	}
	if got := binary.LittleEndian.Uint32(wav[24:28]); got != 48000 {
		t.Fatalf("sample rate in header = %d, want 48000", got)
	}
	if got := binary.LittleEndian.Uint32(wav[40:44]); got != 8 {
		t.Fatalf("data size = %d, want 8", got)
	}
}

func TestMockDeviceUnavailable(t *testing.T) {
	d := NewMockDevice(nil)
	d.SetUnavailable(true)
	if _, err := d.Start(context.Background()); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("Start() error = %v, want ErrDeviceUnavailable", err)
	}
}

func TestMockDeviceReplaysFrames(t *testing.T) {
	frames := []Frame{{Samples: []int16{1}}, {Samples: []int16{2}}}
	d := NewMockDevice(frames)
	ch, err := d.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	var got int
	for range ch {
		got++
	}
	if got != len(frames) {
		t.Fatalf("received %d frames, want %d", got, len(frames))
	}
}
