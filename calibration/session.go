package calibration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pokeball-mouse/ble"
)

// Config bounds a calibration run.
type Config struct {
	Mode ble.ExtractionMode
	// Samples stops collection once this many samples are held (0 = no limit).
	Samples int
	// Duration stops collection after this long (0 = no limit).
	Duration time.Duration
	Margin   int
}

// DefaultConfig is the startup calibration of the pointer driver: two
// seconds of rest using the decode byte layout.
func DefaultConfig() Config {
	return Config{
		Mode:     ble.ModeDecode,
		Duration: 2 * time.Second,
		Margin:   DeadzoneMargin,
	}
}

// ToolConfig is the stand-alone calibration tool: 500 samples read with the
// legacy byte layout.
func ToolConfig() Config {
	return Config{
		Mode:    ble.ModeLegacy,
		Samples: 500,
		Margin:  DeadzoneMargin,
	}
}

// Session runs calibration against a live feed. It can be run again at any
// time to recalibrate.
type Session struct {
	feed   ble.Feed
	config Config
	logger *slog.Logger

	// Progress, if set, is called on the feed goroutine every ProgressEvery samples.
	Progress      func(collected int)
	ProgressEvery int
	// Ready, if set, is called once the sampler is receiving packets.
	Ready func()
}

// NewSession returns a Session sampling from feed.
func NewSession(feed ble.Feed, config Config, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		feed:          feed,
		config:        config,
		logger:        logger.With("component", "calibration"),
		ProgressEvery: 50,
	}
}

// Run detaches the current consumer by routing the feed to a sampler,
// collects a window, reattaches resume and computes the profile. resume is
// reattached even when collection fails.
func (s *Session) Run(ctx context.Context, resume ble.PacketHandler) (Result, error) {
	if s.config.Samples <= 0 && s.config.Duration <= 0 {
		return Result{}, errors.New("calibration needs a sample budget or a duration")
	}
	sampler := NewSampler(s.config.Mode, s.config.Samples)

	s.logger.Info("keep the stick centered and untouched",
		"mode", s.config.Mode, "samples", s.config.Samples, "duration", s.config.Duration)

	s.feed.SetPacketHandler(s.handler(sampler))
	if s.Ready != nil {
		s.Ready()
	}
	window, err := sampler.Collect(ctx, s.config.Duration)
	s.feed.SetPacketHandler(resume)
	if err != nil {
		return Result{}, fmt.Errorf("collect: %w", err)
	}

	res, err := ComputeProfile(window, s.config.Margin)
	if err != nil {
		return Result{}, fmt.Errorf("%w (%d short packets skipped)", err, sampler.Skipped())
	}

	s.logger.Info("calibrated",
		"center_y", res.Profile.CenterY,
		"deadzone", res.Profile.DeadzoneY,
		"samples", res.Samples,
	)
	s.logger.Info("axis statistics", "x", res.X.String(), "y", res.Y.String())
	s.logger.Info("x axis at rest",
		"nibble", res.Profile.RestNibbleX,
		"binary", fmt.Sprintf("%04b", res.Profile.RestNibbleX),
		"position", res.RestDirection(),
	)
	return res, nil
}

func (s *Session) handler(sampler *Sampler) ble.PacketHandler {
	if s.Progress == nil || s.ProgressEvery <= 0 {
		return sampler.Add
	}
	return func(p ble.Packet) {
		before := sampler.Len()
		sampler.Add(p)
		if n := sampler.Len(); n != before && n%s.ProgressEvery == 0 {
			s.Progress(n)
		}
	}
}
