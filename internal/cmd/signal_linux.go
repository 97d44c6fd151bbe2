//go:build linux

package cmd

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// recalibrationSignal delivers SIGUSR1.
func recalibrationSignal() chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGUSR1)
	return ch
}
