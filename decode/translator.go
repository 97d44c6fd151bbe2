package decode

import "pokeball-mouse/ble"

// Settings are the tuning constants of the translator.
type Settings struct {
	// XSpeed is the fixed step emitted while the stick is left or right.
	XSpeed int
	// YSensitivity scales the analog Y offset.
	YSensitivity float64
	// Decimation processes one packet out of every Decimation packets.
	Decimation int
}

// DefaultSettings returns the tuned defaults.
func DefaultSettings() Settings {
	return Settings{
		XSpeed:       20,
		YSensitivity: 0.4,
		Decimation:   3,
	}
}

// MotionEvent is a relative pointer displacement.
type MotionEvent struct {
	DX int `json:"dx"`
	DY int `json:"dy"`
}

// Frame is what the translator made of one packet.
type Frame struct {
	// Processed is false for packets skipped by decimation or too short to decode.
	Processed bool
	Direction Direction
	Nibble    uint8
	YRaw      uint8
	YOffset   int
	Motion    MotionEvent
	HasMotion bool
	Clicks    []ClickEvent
}

// Translator converts packets into pointer events. It is not safe for
// concurrent use; packets must be fed in arrival order from one goroutine.
type Translator struct {
	settings Settings
	profile  Profile
	edges    EdgeDetector
	frames   uint64
}

// NewTranslator returns a Translator using settings and profile.
func NewTranslator(settings Settings, profile Profile) *Translator {
	if settings.Decimation < 1 {
		settings.Decimation = 1
	}
	return &Translator{settings: settings, profile: profile}
}

// OnPacket counts the packet and, on every Decimation-th call, decodes it.
// Button edges are only evaluated on processed frames.
func (t *Translator) OnPacket(p ble.Packet) Frame {
	t.frames++
	if t.frames%uint64(t.settings.Decimation) != 0 {
		return Frame{}
	}
	if len(p) < ble.MinDecodeLength {
		return Frame{}
	}

	f := Frame{
		Processed: true,
		Nibble:    p[ble.XOffset] & 0x0F,
		YRaw:      p[ble.YOffset],
	}
	var dx int
	f.Direction, dx = ClassifyX(f.Nibble, t.settings.XSpeed)
	f.YOffset = YOffset(f.YRaw, t.profile)
	dy := YVelocity(f.YRaw, t.profile, t.settings.YSensitivity)
	if dx != 0 || dy != 0 {
		f.Motion = MotionEvent{DX: dx, DY: dy}
		f.HasMotion = true
	}
	f.Clicks = t.edges.Update(p[ble.ButtonsOffset])
	return f
}

// Frames returns how many packets have been fed since the last Reset.
func (t *Translator) Frames() uint64 {
	return t.frames
}

// Profile returns the calibration in use.
func (t *Translator) Profile() Profile {
	return t.profile
}

// SetProfile swaps in a new calibration. Call it between packets.
func (t *Translator) SetProfile(p Profile) {
	t.profile = p
}

// Settings returns the tuning in use.
func (t *Translator) Settings() Settings {
	return t.settings
}

// Reset clears per-connection state: the frame counter and the last button mask.
func (t *Translator) Reset() {
	t.frames = 0
	t.edges.Reset()
}
