package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pokeball-mouse/ble"
	"pokeball-mouse/diagnostics"
)

// XTest runs the phased X-axis isolation test.
type XTest struct {
	Source SourceFlags `embed:""`

	Output string `help:"Where to write the capture (default: pokeball_x_axis_<unix time>.json)" short:"o"`
}

// Run is called by Kong when the xtest command is executed.
func (x *XTest) Run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return x.run(ctx, logger, diagnostics.DefaultPhases(), os.Stdout)
}

func (x *XTest) outputPath(now time.Time) string {
	if x.Output != "" {
		return x.Output
	}
	return fmt.Sprintf("pokeball_x_axis_%d.json", now.Unix())
}

func (x *XTest) run(ctx context.Context, logger *slog.Logger, phases []diagnostics.Phase, out io.Writer) error {
	src, err := x.Source.open(false, logger)
	if err != nil {
		return err
	}

	srcCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	src.Hold()
	done, err := started(srcCtx, src, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	start := time.Now()
	rec := diagnostics.NewPhaseRecorder(phases, start)
	rec.OnPhase = func(i int, p diagnostics.Phase) {
		logger.Info("phase", "step", i+1, "of", len(phases), "name", p.Name, "do", p.Instruction, "for", p.Duration)
	}
	rec.OnPacket = func(phase string, p ble.Packet) {
		logger.Debug("captured", "phase", phase, "packet", p)
	}
	src.SetPacketHandler(rec.Handle)
	src.Release()

	runErr := rec.Run(ctx, phases)
	cancel()
	if err := <-done; err != nil {
		logger.Warn("packet source", "error", err)
	}
	if runErr != nil {
		logger.Warn("test interrupted, saving what was captured")
	}

	c := rec.Capture()
	path := x.outputPath(start)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create capture file: %w", err)
	}
	if err := c.WriteJSON(f); err != nil {
		f.Close()
		return fmt.Errorf("write capture file: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	total := 0
	for _, entries := range c.Phases {
		total += len(entries)
	}
	logger.Info("capture saved", "file", path, "packets", total)

	fmt.Fprintln(out, "Quick analysis (bytes 2-4):")
	diagnostics.WriteAnalysis(out, diagnostics.AnalyzePhases(c))
	return nil
}
