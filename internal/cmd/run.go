package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pokeball-mouse/ble"
	"pokeball-mouse/calibration"
	"pokeball-mouse/decode"
	"pokeball-mouse/diagnostics"
	"pokeball-mouse/driver"
	"pokeball-mouse/internal/configpaths"
	"pokeball-mouse/output"
)

// Run drives the virtual mouse.
type Run struct {
	Source SourceFlags `embed:""`

	XSpeed              int           `help:"Pointer step while the stick is left or right" default:"20" env:"POKEBALL_X_SPEED"`
	YSensitivity        float64       `help:"Scale of the analog Y offset" default:"0.4" env:"POKEBALL_Y_SENSITIVITY"`
	Decimation          int           `help:"Process one packet out of every N" default:"3" env:"POKEBALL_DECIMATION"`
	CalibrationDuration time.Duration `help:"Length of the startup calibration" default:"2s" env:"POKEBALL_CALIBRATION_DURATION"`
	DeadzoneMargin      int           `help:"Added to the measured drift to form the deadzone" default:"5" env:"POKEBALL_DEADZONE_MARGIN"`
	CalibrationFile     string        `help:"Calibration file to start from (default: the one written by 'calibrate', if present)" env:"POKEBALL_CALIBRATION_FILE"`
	NoCalibrate         bool          `help:"Skip the startup calibration" env:"POKEBALL_NO_CALIBRATE"`

	Uinput string `help:"uinput device node" default:"/dev/uinput" env:"POKEBALL_UINPUT"`
	DryRun bool   `help:"Log pointer events instead of creating a virtual mouse" env:"POKEBALL_DRY_RUN"`
	Echo   bool   `help:"Also log every pointer event sent to the virtual mouse"`
	Serve  string `help:"Stream driver state over WebSocket on this address (e.g. 127.0.0.1:8080)" env:"POKEBALL_SERVE"`
}

// Run is called by Kong when the run command is executed.
func (r *Run) Run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return r.run(ctx, logger)
}

func (r *Run) settings() decode.Settings {
	return decode.Settings{XSpeed: r.XSpeed, YSensitivity: r.YSensitivity, Decimation: r.Decimation}
}

func (r *Run) calibrationConfig() calibration.Config {
	cfg := calibration.DefaultConfig()
	cfg.Duration = r.CalibrationDuration
	cfg.Margin = r.DeadzoneMargin
	return cfg
}

// loadProfile reads the calibration file. A missing default file is not an
// error; a missing explicit one is.
func (r *Run) loadProfile(logger *slog.Logger) (decode.Profile, bool, error) {
	path, explicit := r.CalibrationFile, r.CalibrationFile != ""
	if !explicit {
		p, err := configpaths.DefaultCalibrationPath()
		if err != nil {
			return decode.DefaultProfile(), false, nil
		}
		path = p
	}
	profile, err := calibration.ReadFile(path)
	switch {
	case err == nil:
		logger.Info("loaded calibration", "file", path,
			"center_y", profile.CenterY, "deadzone", profile.DeadzoneY, "rest_nibble_x", profile.RestNibbleX)
		return profile, true, nil
	case !explicit && errors.Is(err, fs.ErrNotExist):
		return decode.DefaultProfile(), false, nil
	default:
		return decode.Profile{}, false, fmt.Errorf("load calibration: %w", err)
	}
}

func (r *Run) openSink(logger *slog.Logger) (output.Sink, error) {
	if r.DryRun {
		return output.NewLogSink(logger), nil
	}
	mouse, err := output.NewMouse(r.Uinput)
	if err != nil {
		return nil, fmt.Errorf("create virtual mouse: %w", err)
	}
	logger.Info("virtual mouse created", "name", output.DeviceName, "path", r.Uinput)
	if r.Echo {
		return output.Multi{mouse, output.NewLogSink(logger)}, nil
	}
	return mouse, nil
}

func (r *Run) run(ctx context.Context, logger *slog.Logger) error {
	profile, fromFile, err := r.loadProfile(logger)
	if err != nil {
		return err
	}
	src, err := r.Source.open(true, logger)
	if err != nil {
		return err
	}
	sink, err := r.openSink(logger)
	if err != nil {
		return err
	}

	drv := driver.New(r.settings(), profile, sink, logger)
	defer func() {
		if err := drv.Close(); err != nil {
			logger.Warn("closing output", "error", err)
		}
	}()
	if fromFile {
		drv.SetProfile(profile)
	}

	var ticks <-chan time.Time
	if r.Serve != "" {
		hub := diagnostics.NewHub(logger)
		drv.SetStateHandler(func(s driver.State) { hub.Publish(s) })
		go func() {
			if err := hub.Serve(ctx, r.Serve); err != nil {
				logger.Error("state stream stopped", "error", err)
			}
		}()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		ticks = ticker.C
	}

	src.SetDisconnectHandler(drv.Disconnected)
	calibrate := !r.NoCalibrate
	if calibrate {
		src.Hold()
	} else {
		src.SetPacketHandler(drv.Handle)
	}

	done, err := started(ctx, src, func(reconnect bool) {
		if reconnect {
			drv.Reconnected()
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	logger.Info("packet source ready", "source", src.Name())

	if calibrate {
		r.recalibrate(ctx, src, drv, logger)
	}

	recal := recalibrationSignal()
	defer signal.Stop(recal)
	for {
		select {
		case <-ctx.Done():
			<-done
			logger.Info("stopped", "packets", drv.State().Packets)
			return nil
		case err := <-done:
			if err != nil {
				return err
			}
			logger.Info("packet source finished", "packets", drv.State().Packets)
			return nil
		case <-recal:
			logger.Info("recalibration requested")
			r.recalibrate(ctx, src, drv, logger)
		case <-ticks:
			drv.BroadcastTick()
		}
	}
}

// recalibrate detaches the driver, samples the resting stick and installs
// the new profile. On failure the previous profile stays in use.
func (r *Run) recalibrate(ctx context.Context, src source, drv *driver.Driver, logger *slog.Logger) {
	res, err := runCalibration(ctx, src, r.calibrationConfig(), drv.Handle, logger)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("calibration failed, keeping previous profile", "error", err)
		}
		return
	}
	drv.SetProfile(res.Profile)
}

// runCalibration samples src and then hands it to resume. A held replay is
// released once the sampler is listening.
func runCalibration(ctx context.Context, src source, cfg calibration.Config, resume ble.PacketHandler, logger *slog.Logger) (calibration.Result, error) {
	src.SetPacketHandler(resume)
	sess := calibration.NewSession(src, cfg, logger)
	sess.Ready = src.Release
	res, err := sess.Run(ctx, resume)
	src.Release()
	return res, err
}
