package ble

import (
	"context"
	"log/slog"
	"time"
)

// Linker is the part of Central the Scanner drives.
type Linker interface {
	IsConnected() bool
	Connect(ctx context.Context) error
	SetDisconnectHandler(handler DisconnectHandler)
}

// ScanConfig holds configuration for the reconnect loop.
type ScanConfig struct {
	// ScanInterval is how often to check for a dropped link.
	ScanInterval time.Duration
	// RetryDelay is how long to wait after a failed reconnect.
	RetryDelay time.Duration
	// AutoReconnect enables reconnection on disconnect.
	AutoReconnect bool
}

// DefaultScanConfig returns sensible defaults for scanning.
func DefaultScanConfig() ScanConfig {
	return ScanConfig{
		ScanInterval:  time.Second,
		RetryDelay:    2 * time.Second,
		AutoReconnect: true,
	}
}

// Scanner keeps the controller connected.
type Scanner struct {
	link   Linker
	config ScanConfig
	logger *slog.Logger
	kick   chan struct{}

	// OnConnect runs after every successful (re)connect, before packets are
	// expected. Callers reset per-connection decoder state here.
	OnConnect func(reconnect bool)
	// OnDisconnect runs when the link reports a drop.
	OnDisconnect func(address string)
}

// NewScanner creates a new Scanner with the given link and config.
func NewScanner(link Linker, config ScanConfig, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	if config.ScanInterval <= 0 {
		config.ScanInterval = time.Second
	}
	return &Scanner{
		link:   link,
		config: config,
		logger: logger.With("component", "scanner"),
		kick:   make(chan struct{}, 1),
	}
}

// Run connects once and then, if AutoReconnect is set, reconnects whenever
// the link drops until ctx is cancelled. The first connection error is
// returned; later ones are logged and retried.
func (s *Scanner) Run(ctx context.Context) error {
	if s.config.AutoReconnect {
		s.link.SetDisconnectHandler(s.onDisconnect)
	}
	if err := s.link.Connect(ctx); err != nil {
		return err
	}
	s.connected(false)
	if !s.config.AutoReconnect {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(s.config.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("stopped")
			return nil
		case <-ticker.C:
		case <-s.kick:
		}
		if s.link.IsConnected() {
			continue
		}
		s.logger.Info("connection lost, reconnecting")
		if err := s.link.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("reconnect failed", "error", err, "retry_in", s.config.RetryDelay)
			select {
			case <-time.After(s.config.RetryDelay):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		s.connected(true)
	}
}

// onDisconnect triggers an immediate check instead of waiting for the next tick.
func (s *Scanner) onDisconnect(address string) {
	s.logger.Info("disconnect reported", "address", address)
	if s.OnDisconnect != nil {
		s.OnDisconnect(address)
	}
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Scanner) connected(reconnect bool) {
	if s.OnConnect != nil {
		s.OnConnect(reconnect)
	}
}
