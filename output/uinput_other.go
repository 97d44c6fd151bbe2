//go:build !linux

package output

import "pokeball-mouse/decode"

// DefaultDevicePath is empty where uinput does not exist.
const DefaultDevicePath = ""

// Mouse is unavailable on this platform.
type Mouse struct{}

// NewMouse always fails with ErrUnsupported.
func NewMouse(string) (*Mouse, error) {
	return nil, ErrUnsupported
}

func (*Mouse) Move(int, int) error              { return ErrUnsupported }
func (*Mouse) Button(decode.Button, bool) error { return ErrUnsupported }
func (*Mouse) Close() error                     { return nil }
