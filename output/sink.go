// Package output delivers pointer motion and clicks to the host.
package output

import (
	"errors"
	"log/slog"
	"sync"

	"pokeball-mouse/decode"
)

// DeviceName is the name the virtual mouse registers under.
const DeviceName = "Pokeball Plus Mouse"

// ErrUnsupported is returned where no virtual input backend exists.
var ErrUnsupported = errors.New("virtual mouse not supported on this platform")

// Sink receives relative motion and button transitions.
type Sink interface {
	Move(dx, dy int) error
	Button(b decode.Button, pressed bool) error
	Close() error
}

// LogSink logs every event instead of moving a pointer.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a dry-run sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "output", "sink", "log")}
}

func (s *LogSink) Move(dx, dy int) error {
	s.logger.Debug("move", "dx", dx, "dy", dy)
	return nil
}

func (s *LogSink) Button(b decode.Button, pressed bool) error {
	s.logger.Info("button", "button", b, "pressed", pressed)
	return nil
}

func (s *LogSink) Close() error { return nil }

// Event is one recorded sink call.
type Event struct {
	Move    bool
	DX, DY  int
	Button  decode.Button
	Pressed bool
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (r *Recorder) Move(dx, dy int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Move: true, DX: dx, DY: dy})
	return nil
}

func (r *Recorder) Button(b decode.Button, pressed bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Button: b, Pressed: pressed})
	return nil
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Closed reports whether Close was called.
func (r *Recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Multi fans every call out to all sinks and returns the first error.
type Multi []Sink

func (m Multi) Move(dx, dy int) error {
	var first error
	for _, s := range m {
		if err := s.Move(dx, dy); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m Multi) Button(b decode.Button, pressed bool) error {
	var first error
	for _, s := range m {
		if err := s.Button(b, pressed); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
