// Package diagnostics provides the reverse-engineering tools: a per-byte
// comparator with competing X-axis theories, a phased X-axis capture, and
// renderers for both.
package diagnostics

import (
	"fmt"

	"pokeball-mouse/ble"
)

// yIndicatorThreshold is the baseline distance at which the Y reading is
// shown as moving.
const yIndicatorThreshold = 10

// ByteRecord describes one byte of the current packet.
type ByteRecord struct {
	Index  int    `json:"index"`
	Value  uint8  `json:"value"`
	Hex    string `json:"hex"`
	Binary string `json:"binary"`
	// Changed is true when a previous packet had this byte and it differs.
	Changed   bool `json:"changed"`
	Previous  int  `json:"previous"`
	DeltaPrev int  `json:"delta_prev"`
	DeltaBase int  `json:"delta_base"`
}

// Reading is a derived value next to its baseline.
type Reading struct {
	Name     string `json:"name"`
	Value    int    `json:"value"`
	Baseline int    `json:"baseline"`
	Diff     int    `json:"diff"`
}

func reading(name string, value, baseline int) Reading {
	return Reading{Name: name, Value: value, Baseline: baseline, Diff: value - baseline}
}

// Nibbles splits one byte for display.
type Nibbles struct {
	Index int   `json:"index"`
	Value uint8 `json:"value"`
	High  uint8 `json:"high"`
	Low   uint8 `json:"low"`
}

// Report is the comparator's view of one packet. Interpretation fields are
// only filled when Decodable is true.
type Report struct {
	Seq       uint64       `json:"seq"`
	Length    int          `json:"length"`
	Bytes     []ByteRecord `json:"bytes"`
	Decodable bool         `json:"decodable"`
	// Theories are the competing X readings: combined nibbles, byte 2, byte 3.
	Theories    []Reading `json:"theories,omitempty"`
	Y           Reading   `json:"y"`
	YIndicator  string    `json:"y_indicator,omitempty"`
	Buttons     uint8     `json:"buttons"`
	ButtonTop   bool      `json:"button_top"`
	ButtonStick bool      `json:"button_stick"`
	Nibbles     []Nibbles `json:"nibbles,omitempty"`
}

// Comparator keeps the first packet as a fixed baseline and the last packet
// for change detection. It is not safe for concurrent use.
type Comparator struct {
	baseline ble.Packet
	previous ble.Packet
	seq      uint64
}

// Baseline returns the first packet observed, or nil.
func (c *Comparator) Baseline() ble.Packet {
	return c.baseline
}

// ResetBaseline makes the next observed packet the new baseline.
func (c *Comparator) ResetBaseline() {
	c.baseline = nil
}

// Observe compares p with the previous and baseline packets. The baseline is
// set from the first packet and never replaced.
func (c *Comparator) Observe(p ble.Packet) Report {
	p = p.Clone()
	c.seq++
	if c.baseline == nil {
		c.baseline = p
	}

	r := Report{Seq: c.seq, Length: len(p)}
	head := p.Head()
	r.Bytes = make([]ByteRecord, len(head))
	for i, v := range head {
		rec := ByteRecord{
			Index:  i,
			Value:  v,
			Hex:    fmt.Sprintf("0x%02x", v),
			Binary: fmt.Sprintf("%08b", v),
		}
		if i < len(c.baseline) {
			rec.DeltaBase = int(v) - int(c.baseline[i])
		}
		if i < len(c.previous) {
			rec.Previous = int(c.previous[i])
			rec.DeltaPrev = int(v) - rec.Previous
			rec.Changed = rec.DeltaPrev != 0
		}
		r.Bytes[i] = rec
	}

	if len(p) >= ble.MinDecodeLength {
		c.interpret(&r, p)
	}
	c.previous = p
	return r
}

func (c *Comparator) interpret(r *Report, p ble.Packet) {
	r.Decodable = true
	base := c.baseline
	at := func(pkt ble.Packet, i int) int {
		if i < len(pkt) {
			return int(pkt[i])
		}
		return 0
	}

	r.Theories = []Reading{
		reading("nibbles", CombinedNibbles(p), CombinedNibbles(base)),
		reading("byte2", at(p, 2), at(base, 2)),
		reading("byte3", at(p, 3), at(base, 3)),
	}

	r.Y = reading("y", at(p, ble.YOffset), at(base, ble.YOffset))
	switch {
	case r.Y.Diff < -yIndicatorThreshold:
		r.YIndicator = "up"
	case r.Y.Diff > yIndicatorThreshold:
		r.YIndicator = "down"
	default:
		r.YIndicator = "rest"
	}

	r.Buttons = p[ble.ButtonsOffset]
	r.ButtonTop = r.Buttons&ble.ButtonTop != 0
	r.ButtonStick = r.Buttons&ble.ButtonStick != 0

	for _, i := range []int{2, 3} {
		r.Nibbles = append(r.Nibbles, Nibbles{Index: i, Value: p[i], High: p[i] >> 4, Low: p[i] & 0x0F})
	}
}

// CombinedNibbles joins the low nibble of byte 2 with the high nibble of
// byte 3 into one 8-bit value. Short packets read as 0.
func CombinedNibbles(p ble.Packet) int {
	if len(p) < 4 {
		return 0
	}
	return int(p[2]&0x0F)<<4 | int(p[3]>>4)
}
