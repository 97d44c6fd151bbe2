package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/muka/go-bluetooth/bluez/profile/gatt"
)

// ErrCharacteristicNotFound is returned when the input characteristic is not
// exported under the device object.
var ErrCharacteristicNotFound = errors.New("characteristic not found")

const (
	bluezService  = "org.bluez"
	deviceIface   = "org.bluez.Device1"
	gattCharIface = "org.bluez.GattCharacteristic1"
)

// devicePath derives the BlueZ object path from a MAC address,
// e.g. "58:2F:40:8D:50:71" on hci0 → "/org/bluez/hci0/dev_58_2F_40_8D_50_71".
func devicePath(adapter, mac string) dbus.ObjectPath {
	devID := strings.ReplaceAll(strings.ToUpper(mac), ":", "_")
	return dbus.ObjectPath("/org/bluez/" + adapter + "/dev_" + devID)
}

// waitForDeviceProperty blocks until the boolean Device1 property reaches want
// or ctx is done.
//
// BlueZ resolves GATT services asynchronously after the ACL link is up, so
// ServicesResolved must be true before the characteristic objects exist. The
// same signal stream reports Connected=false when the link drops.
func waitForDeviceProperty(ctx context.Context, path dbus.ObjectPath, name string, want bool) error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("dbus: %w", err)
	}
	defer conn.Close()

	// Subscribe before the fast-path read so a flip in between is not lost.
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus.Properties"),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchObjectPath(path),
	); err != nil {
		return fmt.Errorf("dbus match: %w", err)
	}
	ch := make(chan *dbus.Signal, 16)
	conn.Signal(ch)

	obj := conn.Object(bluezService, path)
	if v, err := obj.GetProperty(deviceIface + "." + name); err == nil {
		if got, ok := v.Value().(bool); ok && got == want {
			return nil
		}
	}

	for {
		select {
		case sig, ok := <-ch:
			if !ok {
				return errors.New("dbus signal channel closed")
			}
			if changed, ok := deviceChange(sig, name); ok && changed == want {
				return nil
			}
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s=%t: %w", name, want, ctx.Err())
		}
	}
}

// deviceChange extracts a boolean Device1 property from a PropertiesChanged signal.
func deviceChange(sig *dbus.Signal, name string) (bool, bool) {
	if sig == nil || len(sig.Body) < 2 {
		return false, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok || iface != deviceIface {
		return false, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return false, false
	}
	v, ok := changed[name]
	if !ok {
		return false, false
	}
	b, ok := v.Value().(bool)
	return b, ok
}

// discoverCharacteristic calls GetManagedObjects on a fresh system bus
// connection and returns the characteristic with charUUID anywhere under the
// device. The go-bluetooth singleton object manager can serve a stale tree
// right after ServicesResolved flips, so it is bypassed for discovery only.
func discoverCharacteristic(path dbus.ObjectPath, charUUID string, logger *slog.Logger) (*gatt.GattCharacteristic1, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("dbus connect: %w", err)
	}
	defer conn.Close()

	var managed map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	obj := conn.Object(bluezService, "/")
	if err := obj.Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).Store(&managed); err != nil {
		return nil, fmt.Errorf("GetManagedObjects: %w", err)
	}

	charPath, ok := findCharacteristic(managed, path, charUUID)
	if !ok {
		for p := range managed {
			if strings.HasPrefix(string(p), string(path)) {
				logger.Debug("object under device", "path", p)
			}
		}
		return nil, fmt.Errorf("%w: %s under %s", ErrCharacteristicNotFound, charUUID, path)
	}
	logger.Debug("matched characteristic", "path", charPath)

	char, err := gatt.NewGattCharacteristic1(charPath)
	if err != nil {
		return nil, fmt.Errorf("NewGattCharacteristic1(%s): %w", charPath, err)
	}
	return char, nil
}

// findCharacteristic searches a GetManagedObjects reply for a characteristic
// UUID below the device path. UUIDs compare case-insensitively.
func findCharacteristic(managed map[dbus.ObjectPath]map[string]map[string]dbus.Variant, device dbus.ObjectPath, charUUID string) (dbus.ObjectPath, bool) {
	want := strings.ToLower(charUUID)
	prefix := string(device) + "/"
	for p, ifaces := range managed {
		if !strings.HasPrefix(string(p), prefix) {
			continue
		}
		props, ok := ifaces[gattCharIface]
		if !ok {
			continue
		}
		uuidVar, ok := props["UUID"]
		if !ok {
			continue
		}
		uuid, ok := uuidVar.Value().(string)
		if ok && strings.ToLower(uuid) == want {
			return p, true
		}
	}
	return "", false
}
