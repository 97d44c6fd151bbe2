package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	"pokeball-mouse/ble"
	"pokeball-mouse/diagnostics"
)

// Dashboard shows the live byte comparator.
type Dashboard struct {
	Source SourceFlags `embed:""`

	Serve    string `help:"Also stream comparator reports over WebSocket on this address (e.g. 127.0.0.1:8080)" env:"POKEBALL_SERVE"`
	Headless bool   `help:"Do not draw the terminal view even when stdout is a terminal"`
}

// Run is called by Kong when the dashboard command is executed.
func (d *Dashboard) Run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return d.run(ctx, logger)
}

func (d *Dashboard) run(ctx context.Context, logger *slog.Logger) error {
	interactive := !d.Headless && term.IsTerminal(int(os.Stdout.Fd()))
	if !interactive && d.Serve == "" {
		return errors.New("stdout is not a terminal; use --serve to stream reports instead")
	}
	if interactive {
		// The terminal belongs to the dashboard.
		logger = slog.New(slog.DiscardHandler)
	}

	src, err := d.Source.open(false, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var hub *diagnostics.Hub
	if d.Serve != "" {
		hub = diagnostics.NewHub(logger)
		go func() {
			if err := hub.Serve(ctx, d.Serve); err != nil {
				logger.Error("report stream stopped", "error", err)
			}
		}()
	}

	if !interactive {
		return d.headless(ctx, src, hub, logger)
	}

	model := diagnostics.NewDashboard("source: "+src.Name(), hub)
	prog := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	src.SetPacketHandler(diagnostics.Send(prog))
	src.SetDisconnectHandler(func() { prog.Send(diagnostics.StatusMsg("controller disconnected")) })

	srcDone := make(chan struct{})
	go func() {
		defer close(srcDone)
		err := src.Run(ctx)
		switch {
		case ctx.Err() != nil:
		case err != nil:
			prog.Send(diagnostics.StatusMsg("source failed: " + err.Error()))
		default:
			prog.Send(diagnostics.StatusMsg("source finished, q to exit"))
		}
	}()

	_, err = prog.Run()
	cancel()
	<-srcDone
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return nil
}

// headless publishes comparator reports without drawing them.
func (d *Dashboard) headless(ctx context.Context, src source, hub *diagnostics.Hub, logger *slog.Logger) error {
	var cmp diagnostics.Comparator
	packets := 0
	reports := make(chan diagnostics.Report, 64)
	src.SetPacketHandler(func(p ble.Packet) {
		select {
		case reports <- cmp.Observe(p):
		default:
		}
	})

	done, err := started(ctx, src, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	logger.Info("streaming comparator reports", "source", src.Name(), "addr", d.Serve)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case r := <-reports:
			packets++
			hub.Publish(r)
		case <-ticker.C:
			logger.Info("dashboard", "packets", packets, "clients", hub.Clients())
		case err := <-done:
			return err
		case <-ctx.Done():
			return <-done
		}
	}
}
