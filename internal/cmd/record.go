package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pokeball-mouse/capture"
)

// Record writes raw packets to a JSONL capture for later replay.
type Record struct {
	Source SourceFlags `embed:""`

	Output   string        `arg:"" name:"file" help:"Capture file to write"`
	Duration time.Duration `help:"Stop after this long (0 = until interrupted)" default:"0s"`
}

// Run is called by Kong when the record command is executed.
func (r *Record) Run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return r.run(ctx, logger)
}

func (r *Record) run(ctx context.Context, logger *slog.Logger) error {
	src, err := r.Source.open(false, logger)
	if err != nil {
		return err
	}
	f, err := os.Create(r.Output)
	if err != nil {
		return fmt.Errorf("create capture: %w", err)
	}
	defer f.Close()

	w := capture.NewWriter(f)
	src.SetPacketHandler(w.Handle)

	if r.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Duration)
		defer cancel()
	}
	done, err := started(ctx, src, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	logger.Info("recording", "source", src.Name(), "file", r.Output, "duration", r.Duration)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for running := true; running; {
		select {
		case <-ticker.C:
			logger.Info("recording", "packets", w.Count())
		case err = <-done:
			running = false
		}
	}
	if err != nil {
		return err
	}
	if err := w.Err(); err != nil {
		return fmt.Errorf("write capture: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	logger.Info("capture saved", "file", r.Output, "packets", w.Count())
	return nil
}
