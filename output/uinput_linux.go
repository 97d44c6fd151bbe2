//go:build linux

package output

import (
	"fmt"

	"github.com/bendahl/uinput"

	"pokeball-mouse/decode"
)

// DefaultDevicePath is the uinput control node.
const DefaultDevicePath = "/dev/uinput"

// Mouse is a virtual relative mouse backed by uinput.
type Mouse struct {
	dev uinput.Mouse
}

// NewMouse registers a virtual mouse at path. It usually needs root or
// write access to the uinput node.
func NewMouse(path string) (*Mouse, error) {
	if path == "" {
		path = DefaultDevicePath
	}
	dev, err := uinput.CreateMouse(path, []byte(DeviceName))
	if err != nil {
		return nil, fmt.Errorf("create virtual mouse on %s: %w", path, err)
	}
	return &Mouse{dev: dev}, nil
}

// Move emits relative motion; zero components are skipped.
func (m *Mouse) Move(dx, dy int) error {
	switch {
	case dx > 0:
		if err := m.dev.MoveRight(int32(dx)); err != nil {
			return err
		}
	case dx < 0:
		if err := m.dev.MoveLeft(int32(-dx)); err != nil {
			return err
		}
	}
	switch {
	case dy > 0:
		return m.dev.MoveDown(int32(dy))
	case dy < 0:
		return m.dev.MoveUp(int32(-dy))
	}
	return nil
}

// Button presses or releases the mapped mouse button.
func (m *Mouse) Button(b decode.Button, pressed bool) error {
	switch b {
	case decode.Primary:
		if pressed {
			return m.dev.LeftPress()
		}
		return m.dev.LeftRelease()
	case decode.Secondary:
		if pressed {
			return m.dev.RightPress()
		}
		return m.dev.RightRelease()
	}
	return fmt.Errorf("unmapped button %v", b)
}

func (m *Mouse) Close() error {
	return m.dev.Close()
}
