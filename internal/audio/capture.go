// Package audio captures microphone PCM, cuts it into per-line segments, and
// encodes segments into a compact lossy payload for transport.
package audio

import (
	"context"
	"errors"
	"sync"
)

var ErrDeviceUnavailable = errors.New("audio: capture device unavailable")

// Frame is one block of mono PCM16 samples with its capture timestamp.
type Frame struct {
	Samples []int16
	TSMS    int64
}

// Device is a microphone source. Implementations must deliver frames in
// capture order with echo cancellation and noise suppression already applied.
type Device interface {
	Start(ctx context.Context) (<-chan Frame, error)
	Stop() error
}

// MockDevice replays scripted frames. Tests drive segment boundaries
// deterministically against it.
type MockDevice struct {
	mu          sync.Mutex
	frames      []Frame
	unavailable bool
	out         chan Frame
	started     bool
}

func NewMockDevice(frames []Frame) *MockDevice {
	return &MockDevice{frames: frames}
}

// SetUnavailable makes Start fail with ErrDeviceUnavailable, simulating a
// missing microphone or denied permission.
func (d *MockDevice) SetUnavailable(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unavailable = v
}

func (d *MockDevice) Start(ctx context.Context) (<-chan Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unavailable {
		return nil, ErrDeviceUnavailable
	}
	if d.started {
		return d.out, nil
	}
	d.started = true
	d.out = make(chan Frame, len(d.frames))
	go func(frames []Frame, out chan Frame) {
		defer close(out)
		for _, f := range frames {
			select {
			case <-ctx.Done():
				return
			case out <- f:
			}
		}
	}(d.frames, d.out)
	return d.out, nil
}

func (d *MockDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = false
	return nil
}
