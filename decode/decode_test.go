package decode_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pokeball-mouse/ble"
	"pokeball-mouse/decode"
)

func TestClassifyXIsTotal(t *testing.T) {
	const speed = 20
	for n := 0; n <= 15; n++ {
		t.Run(fmt.Sprintf("nibble %d", n), func(t *testing.T) {
			dir, mag := decode.ClassifyX(uint8(n), speed)
			switch {
			case n <= 3:
				assert.Equal(t, decode.Left, dir)
				assert.Equal(t, -speed, mag)
			case n <= 7:
				assert.Equal(t, decode.Center, dir)
				assert.Equal(t, 0, mag)
			default:
				assert.Equal(t, decode.Right, dir)
				assert.Equal(t, speed, mag)
			}
		})
	}
}

func TestClassifyXMasksHighNibble(t *testing.T) {
	dir, _ := decode.ClassifyX(0xF5, 20)
	assert.Equal(t, decode.Center, dir)
}

func TestYVelocity(t *testing.T) {
	profile := decode.Profile{CenterY: 118, DeadzoneY: 15}

	cases := []struct {
		name string
		y    uint8
		want int
	}{
		{name: "at center", y: 118, want: 0},
		{name: "inside deadzone", y: 130, want: 0},
		{name: "deadzone edge is live", y: 133, want: 6},
		{name: "positive", y: 140, want: 8},
		{name: "negative truncates toward zero", y: 90, want: -11},
		{name: "full scale down", y: 255, want: 54},
		{name: "full scale up", y: 0, want: -47},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, decode.YVelocity(tc.y, profile, 0.4))
		})
	}
}

func TestEdgeDetectorSequence(t *testing.T) {
	var d decode.EdgeDetector

	masks := []uint8{0, 1, 1, 3, 3, 0}
	want := [][]decode.ClickEvent{
		nil,
		{{Button: decode.Primary, Pressed: true}, {Button: decode.Secondary, Pressed: false}},
		nil,
		{{Button: decode.Primary, Pressed: true}, {Button: decode.Secondary, Pressed: true}},
		nil,
		{{Button: decode.Primary, Pressed: false}, {Button: decode.Secondary, Pressed: false}},
	}

	groups := 0
	for i, m := range masks {
		got := d.Update(m)
		assert.Equal(t, want[i], got, "mask #%d (%d)", i, m)
		if len(got) > 0 {
			groups++
		}
	}
	assert.Equal(t, 3, groups)
}

func TestEdgeDetectorReportsBothButtonsOnAnyChange(t *testing.T) {
	var d decode.EdgeDetector
	both := func(primary, secondary bool) []decode.ClickEvent {
		return []decode.ClickEvent{
			{Button: decode.Primary, Pressed: primary},
			{Button: decode.Secondary, Pressed: secondary},
		}
	}

	assert.Equal(t, both(true, false), d.Update(0x01))
	assert.Equal(t, both(true, true), d.Update(0x03), "held primary is reported again")
	assert.Equal(t, both(true, true), d.Update(0x07), "untracked bit change")
	assert.Equal(t, uint8(0x07), d.Previous())

	var e decode.EdgeDetector
	e.Update(0x01)
	assert.Equal(t, both(true, false), e.Update(0x05), "only an untracked bit changed")
	assert.Equal(t, both(false, false), e.Update(0x04))
}

func TestEdgeDetectorReset(t *testing.T) {
	var d decode.EdgeDetector
	require.Len(t, d.Update(ble.ButtonTop), 2)

	// Link drops while the button is held, then comes back with nothing pressed.
	d.Reset()
	assert.Nil(t, d.Update(0), "no phantom release after reconnect")
}

func packet(buttons, x, y byte) ble.Packet {
	return ble.Packet{0x00, buttons, 0x00, x, y, 0x00, 0x00, 0x00, 0x00, 0x00}
}

func TestTranslatorDecimation(t *testing.T) {
	tr := decode.NewTranslator(decode.DefaultSettings(), decode.DefaultProfile())

	var processed []int
	for i := 1; i <= 9; i++ {
		f := tr.OnPacket(packet(0, 0x09, 118))
		if f.Processed {
			processed = append(processed, i)
			assert.True(t, f.HasMotion)
			assert.Equal(t, decode.MotionEvent{DX: 20, DY: 0}, f.Motion)
		}
	}
	assert.Equal(t, []int{3, 6, 9}, processed)
	assert.Equal(t, uint64(9), tr.Frames())
}

func TestTranslatorFrame(t *testing.T) {
	settings := decode.DefaultSettings()
	settings.Decimation = 1
	tr := decode.NewTranslator(settings, decode.Profile{CenterY: 118, DeadzoneY: 15})

	f := tr.OnPacket(packet(ble.ButtonTop, 0x52, 90))
	require.True(t, f.Processed)
	assert.Equal(t, decode.Left, f.Direction)
	assert.Equal(t, uint8(2), f.Nibble)
	assert.Equal(t, -28, f.YOffset)
	assert.Equal(t, decode.MotionEvent{DX: -20, DY: -11}, f.Motion)
	assert.Equal(t, []decode.ClickEvent{{Button: decode.Primary, Pressed: true}, {Button: decode.Secondary, Pressed: false}}, f.Clicks)

	f = tr.OnPacket(packet(ble.ButtonTop, 0x05, 120))
	require.True(t, f.Processed)
	assert.False(t, f.HasMotion, "centered stick inside deadzone")
	assert.Empty(t, f.Clicks, "held button is not re-emitted")
}

func TestTranslatorIgnoresShortPackets(t *testing.T) {
	settings := decode.DefaultSettings()
	settings.Decimation = 1
	tr := decode.NewTranslator(settings, decode.DefaultProfile())

	for _, p := range []ble.Packet{nil, {0x01}, {0x00, 0x03, 0x00, 0x09}} {
		f := tr.OnPacket(p)
		assert.False(t, f.Processed)
		assert.False(t, f.HasMotion)
		assert.Empty(t, f.Clicks)
	}
}

func TestTranslatorShortPacketStillCountsTowardDecimation(t *testing.T) {
	tr := decode.NewTranslator(decode.DefaultSettings(), decode.DefaultProfile())
	tr.OnPacket(ble.Packet{0x00})
	tr.OnPacket(ble.Packet{0x00})
	f := tr.OnPacket(packet(0, 0x09, 118))
	assert.True(t, f.Processed)
}

func TestTranslatorSetProfile(t *testing.T) {
	settings := decode.DefaultSettings()
	settings.Decimation = 1
	tr := decode.NewTranslator(settings, decode.DefaultProfile())

	f := tr.OnPacket(packet(0, 0x05, 140))
	assert.Equal(t, decode.MotionEvent{DX: 0, DY: 8}, f.Motion)

	tr.SetProfile(decode.Profile{CenterY: 140, DeadzoneY: 5})
	f = tr.OnPacket(packet(0, 0x05, 140))
	assert.False(t, f.HasMotion)
	assert.Equal(t, 140, tr.Profile().CenterY)
}

func TestTranslatorResetOnReconnect(t *testing.T) {
	settings := decode.DefaultSettings()
	settings.Decimation = 1
	tr := decode.NewTranslator(settings, decode.DefaultProfile())

	f := tr.OnPacket(packet(ble.ButtonTop|ble.ButtonStick, 0x05, 118))
	require.Len(t, f.Clicks, 2)

	tr.Reset()
	assert.Equal(t, uint64(0), tr.Frames())

	f = tr.OnPacket(packet(0, 0x05, 118))
	assert.Empty(t, f.Clicks)
}
