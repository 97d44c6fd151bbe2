// Package calibration derives a resting-position profile from packet samples.
package calibration

import (
	"context"
	"sync"
	"time"

	"pokeball-mouse/ble"
)

// Sample is one (X, Y) raw byte pair.
type Sample struct {
	X uint8 `json:"x"`
	Y uint8 `json:"y"`
}

// Window is an ordered batch of samples taken at rest.
type Window []Sample

// Sampler accumulates samples from packets until its budget is reached.
// Add is called from the transport goroutine while Collect waits on another,
// so the window is guarded.
type Sampler struct {
	mode   ble.ExtractionMode
	budget int

	mu      sync.Mutex
	window  Window
	skipped int
	full    chan struct{}
	closed  bool
}

// NewSampler returns a Sampler reading bytes with mode. A budget <= 0 means
// no sample limit; collection is then bounded by duration only.
func NewSampler(mode ble.ExtractionMode, budget int) *Sampler {
	s := &Sampler{
		mode:   mode,
		budget: budget,
		full:   make(chan struct{}),
	}
	if budget > 0 {
		s.window = make(Window, 0, budget)
	}
	return s
}

// Add records the packet if it is long enough for the mode. It has the
// ble.PacketHandler signature.
func (s *Sampler) Add(p ble.Packet) {
	x, y, ok := s.mode.Extract(p)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if !ok {
		s.skipped++
		return
	}
	s.window = append(s.window, Sample{X: x, Y: y})
	if s.budget > 0 && len(s.window) >= s.budget {
		s.closed = true
		close(s.full)
	}
}

// Len returns how many samples are held.
func (s *Sampler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.window)
}

// Skipped returns how many packets were too short to sample.
func (s *Sampler) Skipped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipped
}

// Full is closed once the budget is reached.
func (s *Sampler) Full() <-chan struct{} {
	return s.full
}

// Collect waits until the budget is reached, duration elapses (if > 0) or ctx
// is done, then returns a copy of the window. Later packets are ignored. The
// error is ctx's only if the budget was not reached.
func (s *Sampler) Collect(ctx context.Context, duration time.Duration) (Window, error) {
	var timeout <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		timeout = timer.C
	}

	var err error
	select {
	case <-s.full:
	case <-timeout:
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.full)
	}
	// A reached budget wins over a cancellation that raced with it.
	if s.budget > 0 && len(s.window) >= s.budget {
		err = nil
	}
	out := make(Window, len(s.window))
	copy(out, s.window)
	return out, err
}
