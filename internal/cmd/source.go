package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"pokeball-mouse/ble"
	"pokeball-mouse/capture"
)

// DeviceFlags select and connect the controller.
type DeviceFlags struct {
	Address     string        `help:"Controller MAC address (default: first device advertising the name prefix)" env:"POKEBALL_ADDRESS"`
	NamePrefix  string        `help:"Advertised name prefix to match" default:"Pokemon PBP" env:"POKEBALL_NAME_PREFIX"`
	Adapter     string        `help:"BlueZ adapter" default:"hci0" env:"POKEBALL_ADAPTER"`
	Attempts    int           `help:"Connection attempts before giving up" default:"3" env:"POKEBALL_ATTEMPTS"`
	RetryDelay  time.Duration `help:"Delay between connection attempts" default:"2s" env:"POKEBALL_RETRY_DELAY"`
	ScanTimeout time.Duration `help:"Scan timeout per attempt (0 = no limit)" default:"30s" env:"POKEBALL_SCAN_TIMEOUT"`
}

// ConnectConfig maps the flags onto the BLE connection parameters.
func (f DeviceFlags) ConnectConfig() ble.ConnectConfig {
	cfg := ble.DefaultConnectConfig()
	cfg.Address = f.Address
	if f.NamePrefix != "" {
		cfg.NamePrefix = f.NamePrefix
	}
	if f.Adapter != "" {
		cfg.Adapter = f.Adapter
	}
	if f.Attempts > 0 {
		cfg.Attempts = f.Attempts
	}
	if f.RetryDelay > 0 {
		cfg.RetryDelay = f.RetryDelay
	}
	cfg.ScanTimeout = f.ScanTimeout
	return cfg
}

// SourceFlags choose between the controller and a recorded capture.
type SourceFlags struct {
	Device      DeviceFlags `embed:"" prefix:"device."`
	Replay      string      `help:"Replay a JSONL packet capture instead of connecting" type:"existingfile" env:"POKEBALL_REPLAY"`
	ReplaySpeed float64     `help:"Replay speed multiplier" default:"1" env:"POKEBALL_REPLAY_SPEED"`
}

// source is a packet feed that runs until ctx is done or it runs dry.
type source interface {
	ble.Feed
	Name() string
	// Run delivers packets. Connect handlers fire before the first packet.
	Run(ctx context.Context) error
	SetConnectHandler(fn func(reconnect bool))
	SetDisconnectHandler(fn func())
	// Hold keeps a replay from delivering until Release. Live sources
	// deliver as soon as they are connected.
	Hold()
	Release()
}

func (f SourceFlags) open(reconnect bool, logger *slog.Logger) (source, error) {
	if f.Replay == "" {
		return newLiveSource(f.Device, reconnect, logger), nil
	}
	file, err := os.Open(f.Replay)
	if err != nil {
		return nil, fmt.Errorf("open capture: %w", err)
	}
	defer file.Close()
	frames, err := capture.Read(file)
	if err != nil {
		return nil, fmt.Errorf("read capture %s: %w", f.Replay, err)
	}
	r := capture.NewReplayer(frames)
	if f.ReplaySpeed > 0 {
		r.Speed = f.ReplaySpeed
	}
	logger.Info("replaying capture", "file", f.Replay, "packets", r.Len(), "speed", r.Speed)
	return &replaySource{Replayer: r, name: f.Replay}, nil
}

type liveSource struct {
	central *ble.Central
	scanner *ble.Scanner
	name    string
}

func newLiveSource(flags DeviceFlags, reconnect bool, logger *slog.Logger) *liveSource {
	cfg := flags.ConnectConfig()
	central := ble.NewCentral(cfg, logger)
	scan := ble.DefaultScanConfig()
	scan.AutoReconnect = reconnect
	scan.RetryDelay = cfg.RetryDelay

	name := cfg.Address
	if name == "" {
		name = cfg.NamePrefix
	}
	return &liveSource{central: central, scanner: ble.NewScanner(central, scan, logger), name: name}
}

func (s *liveSource) Name() string { return s.name }

func (s *liveSource) SetPacketHandler(h ble.PacketHandler) { s.central.SetPacketHandler(h) }

func (s *liveSource) SetConnectHandler(fn func(reconnect bool)) { s.scanner.OnConnect = fn }

func (s *liveSource) SetDisconnectHandler(fn func()) {
	s.scanner.OnDisconnect = func(string) { fn() }
}

func (*liveSource) Hold()    {}
func (*liveSource) Release() {}

// Run enables the adapter and keeps the controller connected until ctx is
// done, then disconnects.
func (s *liveSource) Run(ctx context.Context) error {
	if err := s.central.Enable(); err != nil {
		return err
	}
	err := s.scanner.Run(ctx)
	if derr := s.central.Disconnect(); derr != nil && err == nil {
		err = derr
	}
	return err
}

type replaySource struct {
	*capture.Replayer
	name string

	mu        sync.Mutex
	gate      chan struct{}
	onConnect func(bool)
}

func (s *replaySource) Name() string { return s.name }

func (s *replaySource) SetConnectHandler(fn func(reconnect bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = fn
}

// A capture never drops its link.
func (*replaySource) SetDisconnectHandler(func()) {}

func (s *replaySource) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate == nil {
		s.gate = make(chan struct{})
	}
}

func (s *replaySource) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate != nil {
		close(s.gate)
		s.gate = nil
	}
}

func (s *replaySource) Run(ctx context.Context) error {
	s.mu.Lock()
	gate, onConnect := s.gate, s.onConnect
	s.mu.Unlock()

	if onConnect != nil {
		onConnect(false)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil
		}
	}
	if err := s.Replayer.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// started runs src in the background and waits for its first connection.
// onConnect, if set, also sees every connect. The returned channel yields
// Run's result.
func started(ctx context.Context, src source, onConnect func(reconnect bool)) (<-chan error, error) {
	connected := make(chan struct{})
	var once sync.Once
	src.SetConnectHandler(func(reconnect bool) {
		if onConnect != nil {
			onConnect(reconnect)
		}
		once.Do(func() { close(connected) })
	})

	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	select {
	case <-connected:
		return done, nil
	case err := <-done:
		if err == nil {
			err = ctx.Err()
		}
		if err == nil {
			err = fmt.Errorf("%s ended before connecting", src.Name())
		}
		return nil, err
	}
}
