package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/muka/go-bluetooth/bluez"
	"github.com/muka/go-bluetooth/bluez/profile/gatt"
	"tinygo.org/x/bluetooth"
)

// InputCharUUID is the characteristic that notifies joystick and button state.
const InputCharUUID = "6675e16c-f36d-4567-bb55-6b51e27a23e6"

// DefaultNamePrefix matches the advertised local name of the controller.
const DefaultNamePrefix = "Pokemon PBP"

// ErrNotConnected is returned when an operation needs a live connection.
var ErrNotConnected = errors.New("controller not connected")

// ConnectConfig holds the parameters used to find and connect the controller.
type ConnectConfig struct {
	// Address is the controller MAC. When empty the first device whose local
	// name starts with NamePrefix is used.
	Address    string
	NamePrefix string
	CharUUID   string
	// Adapter is the BlueZ adapter name used to build object paths.
	Adapter string
	// Attempts is how many times Connect tries before giving up.
	Attempts   int
	RetryDelay time.Duration
	// ScanTimeout bounds each discovery attempt (0 = until ctx is done).
	ScanTimeout    time.Duration
	ResolveTimeout time.Duration
}

// DefaultConnectConfig returns sensible defaults for connecting.
func DefaultConnectConfig() ConnectConfig {
	return ConnectConfig{
		NamePrefix:     DefaultNamePrefix,
		CharUUID:       InputCharUUID,
		Adapter:        "hci0",
		Attempts:       3,
		RetryDelay:     2 * time.Second,
		ScanTimeout:    30 * time.Second,
		ResolveTimeout: 15 * time.Second,
	}
}

func (c ConnectConfig) matches(addr, name string) bool {
	if c.Address != "" {
		return strings.EqualFold(addr, c.Address)
	}
	return c.NamePrefix != "" && strings.HasPrefix(name, c.NamePrefix)
}

// Connection represents the connected controller.
type Connection struct {
	Device    *bluetooth.Device
	Address   string
	Name      string
	InputChar *gatt.GattCharacteristic1
	PropCh    chan *bluez.PropertyChanged
	Connected bool
	Packets   uint64

	stopWatch context.CancelFunc
}

// DisconnectHandler is called once when the link to the controller drops.
type DisconnectHandler func(address string)

// Central manages the BLE connection to one controller.
type Central struct {
	adapter *bluetooth.Adapter
	config  ConnectConfig
	logger  *slog.Logger

	mu           sync.RWMutex
	conn         *Connection
	onPacket     PacketHandler
	onDisconnect DisconnectHandler
}

// NewCentral creates a new BLE Central manager.
func NewCentral(config ConnectConfig, logger *slog.Logger) *Central {
	if logger == nil {
		logger = slog.Default()
	}
	return &Central{
		adapter: bluetooth.DefaultAdapter,
		config:  config,
		logger:  logger.With("component", "ble"),
	}
}

// SetPacketHandler sets the callback for incoming notifications. It is safe to
// call while connected; the next packet goes to the new handler.
func (c *Central) SetPacketHandler(handler PacketHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPacket = handler
}

// SetDisconnectHandler sets the callback invoked when the link drops.
func (c *Central) SetDisconnectHandler(handler DisconnectHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = handler
}

// Enable initializes the BLE adapter.
func (c *Central) Enable() error {
	c.logger.Info("enabling adapter")
	if err := c.adapter.Enable(); err != nil {
		return fmt.Errorf("failed to enable BLE adapter: %w", err)
	}
	return nil
}

// IsConnected returns true while the controller is streaming.
func (c *Central) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && c.conn.Connected
}

// Connect scans for the controller and subscribes to its input
// characteristic, retrying up to Attempts times.
func (c *Central) Connect(ctx context.Context) error {
	attempts := c.config.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = c.connectOnce(ctx); err == nil {
			return nil
		}
		c.logger.Warn("connection attempt failed", "attempt", attempt, "of", attempts, "error", err)
		if ctx.Err() != nil || attempt == attempts {
			break
		}
		select {
		case <-time.After(c.config.RetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("connect after %d attempts: %w", attempts, err)
}

func (c *Central) connectOnce(ctx context.Context) error {
	scanCtx := ctx
	if c.config.ScanTimeout > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, c.config.ScanTimeout)
		defer cancel()
	}
	result, err := c.find(scanCtx)
	if err != nil {
		return err
	}
	return c.connectToDevice(ctx, result)
}

// find scans until a matching advertisement is seen.
func (c *Central) find(ctx context.Context) (bluetooth.ScanResult, error) {
	c.logger.Info("scanning", "address", c.config.Address, "name_prefix", c.config.NamePrefix)

	found := make(chan bluetooth.ScanResult, 1)
	scanErr := make(chan error, 1)
	go func() {
		scanErr <- c.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !c.config.matches(result.Address.String(), result.LocalName()) {
				return
			}
			select {
			case found <- result:
				_ = adapter.StopScan()
			default:
			}
		})
	}()

	select {
	case result := <-found:
		if err := <-scanErr; err != nil {
			c.logger.Debug("scan ended with error", "error", err)
		}
		c.logger.Info("found controller", "name", result.LocalName(), "address", result.Address.String())
		return result, nil
	case err := <-scanErr:
		if err == nil {
			err = errors.New("scan stopped before the controller was seen")
		}
		return bluetooth.ScanResult{}, fmt.Errorf("scan: %w", err)
	case <-ctx.Done():
		_ = c.adapter.StopScan()
		<-scanErr
		return bluetooth.ScanResult{}, fmt.Errorf("scan: %w", ctx.Err())
	}
}

// connectToDevice establishes the link and starts streaming notifications.
func (c *Central) connectToDevice(ctx context.Context, result bluetooth.ScanResult) error {
	addr := result.Address.String()
	device, err := c.adapter.Connect(result.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	path := devicePath(c.config.Adapter, addr)

	resolveCtx, cancel := context.WithTimeout(ctx, c.config.ResolveTimeout)
	err = waitForDeviceProperty(resolveCtx, path, "ServicesResolved", true)
	cancel()
	if err != nil {
		device.Disconnect()
		return fmt.Errorf("GATT not resolved on %s: %w", addr, err)
	}

	char, err := discoverCharacteristic(path, c.config.CharUUID, c.logger)
	if err != nil {
		device.Disconnect()
		return err
	}

	propCh, err := char.WatchProperties()
	if err != nil {
		device.Disconnect()
		return fmt.Errorf("WatchProperties failed: %w", err)
	}
	if err := char.StartNotify(); err != nil {
		_ = char.UnwatchProperties(propCh)
		device.Disconnect()
		return fmt.Errorf("StartNotify failed: %w", err)
	}

	watchCtx, stopWatch := context.WithCancel(context.Background())
	conn := &Connection{
		Device:    device,
		Address:   addr,
		Name:      result.LocalName(),
		InputChar: char,
		PropCh:    propCh,
		Connected: true,
		stopWatch: stopWatch,
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.dispatch(conn)
	go c.watchLink(watchCtx, conn, path)

	c.logger.Info("controller connected and streaming", "address", addr)
	return nil
}

// dispatch forwards characteristic value changes to the packet handler, one
// at a time and in arrival order.
func (c *Central) dispatch(conn *Connection) {
	for update := range conn.PropCh {
		if update == nil || update.Interface != gattCharIface || update.Name != "Value" {
			continue
		}
		data, ok := update.Value.([]byte)
		if !ok {
			continue
		}
		c.mu.Lock()
		conn.Packets++
		handler := c.onPacket
		c.mu.Unlock()
		if handler != nil {
			handler(Packet(data))
		}
	}
}

// watchLink marks the connection dead when BlueZ reports Connected=false.
func (c *Central) watchLink(ctx context.Context, conn *Connection, path dbus.ObjectPath) {
	if err := waitForDeviceProperty(ctx, path, "Connected", false); err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("link watch failed", "error", err)
		}
		return
	}

	c.mu.Lock()
	if c.conn != conn || !conn.Connected {
		c.mu.Unlock()
		return
	}
	conn.Connected = false
	handler := c.onDisconnect
	c.mu.Unlock()

	c.release(conn)
	c.logger.Warn("controller disconnected", "address", conn.Address)
	if handler != nil {
		handler(conn.Address)
	}
}

// release stops notifications and the D-Bus subscription.
func (c *Central) release(conn *Connection) {
	if conn.stopWatch != nil {
		conn.stopWatch()
	}
	if conn.InputChar != nil {
		_ = conn.InputChar.StopNotify()
		if conn.PropCh != nil {
			_ = conn.InputChar.UnwatchProperties(conn.PropCh)
		}
	}
}

// Disconnect tears down the connection. It is a no-op when not connected.
func (c *Central) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	wasConnected := conn != nil && conn.Connected
	if conn != nil {
		conn.Connected = false
	}
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	c.release(conn)
	if !wasConnected {
		return nil
	}
	if err := conn.Device.Disconnect(); err != nil {
		return fmt.Errorf("failed to disconnect %s: %w", conn.Address, err)
	}
	c.logger.Info("controller disconnected", "address", conn.Address)
	return nil
}

// Stats returns the address and packet count of the current connection.
func (c *Central) Stats() (address string, packets uint64, err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil || !c.conn.Connected {
		return "", 0, ErrNotConnected
	}
	return c.conn.Address, c.conn.Packets, nil
}
