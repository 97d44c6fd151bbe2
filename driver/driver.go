// Package driver turns the packet feed into virtual mouse output and keeps
// running statistics for the session.
package driver

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pokeball-mouse/ble"
	"pokeball-mouse/decode"
	"pokeball-mouse/internal/log"
	"pokeball-mouse/output"
)

// DebugEvery is the packet interval of the periodic axis debug line.
const DebugEvery = 30

// State is a snapshot of the driver.
type State struct {
	Connected  bool           `json:"connected"`
	Calibrated bool           `json:"calibrated"`
	Paused     bool           `json:"paused"`
	Profile    decode.Profile `json:"profile"`
	ElapsedSec float64        `json:"elapsed_sec"`

	Packets    uint64 `json:"packets"`
	Processed  uint64 `json:"processed"`
	Moves      uint64 `json:"moves"`
	Clicks     uint64 `json:"clicks"`
	SinkErrors uint64 `json:"sink_errors"`
	Reconnects int    `json:"reconnects"`
	Seq        uint64 `json:"seq"`

	Direction string             `json:"direction"`
	Nibble    uint8              `json:"nibble"`
	YRaw      uint8              `json:"y_raw"`
	YOffset   int                `json:"y_offset"`
	Motion    decode.MotionEvent `json:"motion"`
}

// StateHandler is called when a click happens or the connection changes.
// Snapshots arrive in Seq order; one that loses the race to a newer
// snapshot is dropped.
type StateHandler func(state State)

// Driver feeds packets through a decode.Translator into an output.Sink.
// Handle must be called from a single goroutine; the other methods may be
// called from anywhere.
type Driver struct {
	mu         sync.Mutex
	translator *decode.Translator
	sink       output.Sink
	logger     *slog.Logger
	state      State
	startedAt  time.Time
	onState    StateHandler

	deliverMu sync.Mutex
	delivered uint64
}

// New returns a Driver writing to sink. The driver starts connected and
// unpaused.
func New(settings decode.Settings, profile decode.Profile, sink output.Sink, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		translator: decode.NewTranslator(settings, profile),
		sink:       sink,
		logger:     logger.With("component", "driver"),
		state:      State{Connected: true, Profile: profile},
		startedAt:  time.Now(),
	}
}

// SetStateHandler sets the callback for state changes.
func (d *Driver) SetStateHandler(handler StateHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onState = handler
}

// Handle processes one packet. It has the ble.PacketHandler signature.
func (d *Driver) Handle(p ble.Packet) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.state.Packets++
	log.Trace(d.logger, "packet", "bytes", p)
	if d.state.Paused {
		return
	}

	f := d.translator.OnPacket(p)
	if !f.Processed {
		return
	}
	d.state.Processed++
	d.state.Direction = f.Direction.String()
	d.state.Nibble = f.Nibble
	d.state.YRaw = f.YRaw
	d.state.YOffset = f.YOffset
	d.state.Motion = f.Motion

	if f.HasMotion {
		if d.translator.Frames()%DebugEvery == 0 {
			d.logger.Debug("axes",
				"x", f.Direction,
				"nibble", f.Nibble,
				"bin", fmt.Sprintf("%04b", f.Nibble),
				"y", f.YRaw,
				"offset", fmt.Sprintf("%+d", f.YOffset),
			)
		}
		d.state.Moves++
		if err := d.sink.Move(f.Motion.DX, f.Motion.DY); err != nil {
			d.sinkErrorLocked("move", err)
		}
	}
	for _, c := range f.Clicks {
		d.state.Clicks++
		if err := d.sink.Button(c.Button, c.Pressed); err != nil {
			d.sinkErrorLocked("button", err)
		}
		if c.Pressed {
			d.logger.Info("click pressed", "button", c.Button)
		}
	}
	if len(f.Clicks) > 0 {
		d.broadcastLocked()
	}
}

func (d *Driver) sinkErrorLocked(op string, err error) {
	d.state.SinkErrors++
	d.logger.Warn("output failed", "op", op, "error", err)
}

// Disconnected pauses output until Reconnected is called.
func (d *Driver) Disconnected() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.state.Connected {
		return
	}
	d.state.Connected = false
	d.state.Paused = true
	d.logger.Warn("connection lost, output paused")
	d.broadcastLocked()
}

// Reconnected resets the translator's frame counter and button state and
// resumes output. It may be called without a preceding Disconnected.
func (d *Driver) Reconnected() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.translator.Reset()
	d.state.Connected = true
	d.state.Paused = false
	d.state.Reconnects++
	d.logger.Info("reconnected, output resumed")
	d.broadcastLocked()
}

// SetProfile installs a new calibration.
func (d *Driver) SetProfile(p decode.Profile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.translator.SetProfile(p)
	d.state.Profile = p
	d.state.Calibrated = true
	d.broadcastLocked()
}

// Profile returns the calibration in use.
func (d *Driver) Profile() decode.Profile {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.translator.Profile()
}

// BroadcastTick sends a periodic state update.
func (d *Driver) BroadcastTick() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.broadcastLocked()
}

// State returns the current state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked()
}

func (d *Driver) snapshotLocked() State {
	s := d.state
	s.ElapsedSec = time.Since(d.startedAt).Seconds()
	return s
}

// broadcastLocked hands a snapshot to the state handler.
// Must be called with d.mu held.
func (d *Driver) broadcastLocked() {
	if d.onState == nil {
		return
	}
	d.state.Seq++
	go d.deliver(d.onState, d.snapshotLocked())
}

// deliver calls handler unless a newer snapshot already went out.
func (d *Driver) deliver(handler StateHandler, s State) {
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()
	if s.Seq <= d.delivered {
		return
	}
	d.delivered = s.Seq
	handler(s)
}

// Close releases the sink.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sink.Close()
}
