// Package decode turns Poké Ball Plus packets into pointer motion and clicks.
package decode

import "fmt"

// Direction is the digital X axis reading.
type Direction int

const (
	Left Direction = iota
	Center
	Right
)

func (d Direction) String() string {
	switch d {
	case Left:
		return "LEFT"
	case Center:
		return "CENTER"
	case Right:
		return "RIGHT"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// Profile holds the calibration shared by the axis decoder and the translator.
// It is replaced as a whole on recalibration, never mutated in place.
type Profile struct {
	CenterY   int `json:"center_y"`
	DeadzoneY int `json:"deadzone_y"`
	// RestNibbleX is the X nibble seen most often at rest. Informational only.
	RestNibbleX int `json:"rest_nibble_x"`
}

// DefaultProfile is used until a calibration has run.
func DefaultProfile() Profile {
	return Profile{CenterY: 118, DeadzoneY: 15, RestNibbleX: 4}
}

// ClassifyX maps the low nibble of the X byte to a direction and a fixed
// signed speed. The stick only reports a bit pattern on X:
//
//	001X (2-3)  left
//	01XX (4-7)  center
//	1XXX (8-15) right
//
// 0 and 1 are never seen in captures and are treated as left.
func ClassifyX(nibble uint8, speed int) (Direction, int) {
	switch n := nibble & 0x0F; {
	case n >= 8:
		return Right, speed
	case n >= 4:
		return Center, 0
	default:
		return Left, -speed
	}
}

// YVelocity converts the analog Y byte into a relative step. Offsets inside
// the deadzone are zero; the scaled value truncates toward zero.
func YVelocity(yRaw uint8, p Profile, sensitivity float64) int {
	offset := YOffset(yRaw, p)
	return int(float64(offset) * sensitivity)
}

// YOffset is the deadzone-clamped distance of yRaw from the calibrated center.
func YOffset(yRaw uint8, p Profile) int {
	offset := int(yRaw) - p.CenterY
	if abs(offset) < p.DeadzoneY {
		return 0
	}
	return offset
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
