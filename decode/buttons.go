package decode

import "pokeball-mouse/ble"

// Button identifies a pointer button.
type Button int

const (
	Primary   Button = iota // top button, left click
	Secondary               // stick click, right click
)

func (b Button) String() string {
	if b == Primary {
		return "primary"
	}
	return "secondary"
}

// Mask returns the bit of the button in the packet's button byte.
func (b Button) Mask() uint8 {
	if b == Primary {
		return ble.ButtonTop
	}
	return ble.ButtonStick
}

// ClickEvent is the pressed state of one button, reported when the button
// mask changes.
type ClickEvent struct {
	Button  Button `json:"button"`
	Pressed bool   `json:"pressed"`
}

var trackedButtons = [...]Button{Primary, Secondary}

// EdgeDetector remembers the last button mask and reports transitions.
// The zero value is ready to use.
type EdgeDetector struct {
	prev uint8
}

// Update compares mask with the previous one. On any change, including a
// change in an untracked bit, it returns the current state of every tracked
// button, primary first. It returns nil when nothing changed.
func (d *EdgeDetector) Update(mask uint8) []ClickEvent {
	if mask == d.prev {
		return nil
	}
	d.prev = mask

	events := make([]ClickEvent, 0, len(trackedButtons))
	for _, b := range trackedButtons {
		events = append(events, ClickEvent{Button: b, Pressed: mask&b.Mask() != 0})
	}
	return events
}

// Previous returns the last mask seen.
func (d *EdgeDetector) Previous() uint8 {
	return d.prev
}

// Reset forgets the last mask. Call it on a fresh connection so the first
// packet cannot produce a release for a button that was never pressed.
func (d *EdgeDetector) Reset() {
	d.prev = 0
}
