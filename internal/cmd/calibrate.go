package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pokeball-mouse/ble"
	"pokeball-mouse/calibration"
	"pokeball-mouse/internal/configpaths"
)

// Calibrate measures the resting stick and writes the calibration file.
type Calibrate struct {
	Source SourceFlags `embed:""`

	CalibrationSamples int           `help:"Samples to collect" default:"500" env:"POKEBALL_CALIBRATION_SAMPLES"`
	Duration           time.Duration `help:"Stop early after this long (0 = wait for all samples)" default:"0s"`
	DeadzoneMargin     int           `help:"Added to the measured drift to form the deadzone" default:"5" env:"POKEBALL_DEADZONE_MARGIN"`
	Mode               string        `help:"Byte layout to sample: legacy reads bytes 2 and 3, decode reads 3 and 4" enum:"legacy,decode" default:"legacy"`
	Output             string        `help:"Calibration file to write (default: in the config directory)" short:"o"`
}

// Run is called by Kong when the calibrate command is executed.
func (c *Calibrate) Run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return c.run(ctx, logger)
}

func (c *Calibrate) config() (calibration.Config, error) {
	mode, err := ble.ParseExtractionMode(c.Mode)
	if err != nil {
		return calibration.Config{}, err
	}
	cfg := calibration.ToolConfig()
	cfg.Mode = mode
	cfg.Samples = c.CalibrationSamples
	cfg.Duration = c.Duration
	cfg.Margin = c.DeadzoneMargin
	return cfg, nil
}

func (c *Calibrate) outputPath() (string, error) {
	if c.Output != "" {
		return c.Output, nil
	}
	return configpaths.DefaultCalibrationPath()
}

func (c *Calibrate) run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	path, err := c.outputPath()
	if err != nil {
		return fmt.Errorf("resolve calibration file: %w", err)
	}
	src, err := c.Source.open(false, logger)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	src.Hold()
	done, err := started(runCtx, src, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	sess := calibration.NewSession(src, cfg, logger)
	sess.Ready = src.Release
	sess.Progress = func(n int) {
		logger.Info("collecting", "samples", n, "target", cfg.Samples)
	}
	var res calibration.Result
	resCh := make(chan error, 1)
	go func() {
		var err error
		res, err = sess.Run(runCtx, nil)
		resCh <- err
	}()

	select {
	case err = <-resCh:
		cancel()
		<-done
	case srcErr := <-done:
		// The sampler cannot fill up once the source is gone.
		cancel()
		err = <-resCh
		if err != nil {
			if srcErr == nil {
				srcErr = errors.New("packet source ended")
			}
			err = fmt.Errorf("%w: %v", err, srcErr)
		}
	}
	src.Release()
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("calibration cancelled")
			return nil
		}
		return err
	}

	if err := configpaths.EnsureDir(path); err != nil {
		return err
	}
	if err := calibration.WriteFile(path, res, time.Now()); err != nil {
		return err
	}
	logger.Info("calibration saved", "file", path,
		"center_x", res.X.Median, "center_y", res.Profile.CenterY, "deadzone", res.Profile.DeadzoneY)
	return nil
}
