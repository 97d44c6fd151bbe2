// Package capture records notification packets as JSON lines and plays
// them back as a packet feed.
package capture

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"pokeball-mouse/ble"
)

// ErrInvalidRecord is returned for a line that is not a packet record.
var ErrInvalidRecord = errors.New("invalid capture record")

type record struct {
	TS         string `json:"ts"`
	Seq        uint64 `json:"seq"`
	Len        int    `json:"len"`
	PayloadHex string `json:"payload_hex"`
}

// Frame is a packet and the time it arrived.
type Frame struct {
	At     time.Time
	Packet ble.Packet
}

// Writer appends one JSON line per packet. It is safe for concurrent use.
type Writer struct {
	mu  sync.Mutex
	enc *json.Encoder
	seq uint64
	err error
}

// NewWriter returns a Writer encoding to w.
func NewWriter(w io.Writer) *Writer {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &Writer{enc: enc}
}

// Write records p as received at at.
func (w *Writer) Write(at time.Time, p ble.Packet) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq++
	err := w.enc.Encode(record{
		TS:         at.UTC().Format(time.RFC3339Nano),
		Seq:        w.seq,
		Len:        len(p),
		PayloadHex: hex.EncodeToString(p),
	})
	if err != nil && w.err == nil {
		w.err = err
	}
	return err
}

// Handle records p with the current time. Write errors are kept for Err.
func (w *Writer) Handle(p ble.Packet) {
	_ = w.Write(time.Now(), p)
}

// Count returns how many packets were written.
func (w *Writer) Count() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Err returns the first write error.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Read parses a capture. Blank lines are skipped.
func Read(r io.Reader) ([]Frame, error) {
	var frames []Frame
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidRecord, line, err)
		}
		at, err := time.Parse(time.RFC3339Nano, rec.TS)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: ts: %v", ErrInvalidRecord, line, err)
		}
		payload, err := hex.DecodeString(rec.PayloadHex)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: payload: %v", ErrInvalidRecord, line, err)
		}
		frames = append(frames, Frame{At: at, Packet: payload})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read capture: %w", err)
	}
	return frames, nil
}

// Replayer feeds recorded frames to the installed packet handler.
type Replayer struct {
	mu      sync.Mutex
	handler ble.PacketHandler
	frames  []Frame

	// Speed scales the recorded gaps; 2 plays twice as fast. Zero or less
	// plays without delay.
	Speed float64
}

// NewReplayer returns a Replayer playing frames at recorded speed.
func NewReplayer(frames []Frame) *Replayer {
	return &Replayer{frames: frames, Speed: 1}
}

// SetPacketHandler installs h for subsequent frames.
func (r *Replayer) SetPacketHandler(h ble.PacketHandler) {
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
}

// Len returns the number of frames.
func (r *Replayer) Len() int { return len(r.frames) }

// Run plays every frame once and returns nil, or ctx's error if cancelled.
func (r *Replayer) Run(ctx context.Context) error {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for i, f := range r.frames {
		if i > 0 && r.Speed > 0 {
			gap := time.Duration(float64(f.At.Sub(r.frames[i-1].At)) / r.Speed)
			if gap > 0 {
				if timer == nil {
					timer = time.NewTimer(gap)
				} else {
					timer.Reset(gap)
				}
				select {
				case <-timer.C:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		r.mu.Lock()
		h := r.handler
		r.mu.Unlock()
		if h != nil {
			h(f.Packet.Clone())
		}
	}
	return nil
}
