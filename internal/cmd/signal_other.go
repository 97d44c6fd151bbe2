//go:build !linux

package cmd

import "os"

// recalibrationSignal never fires; recalibration by signal needs Linux.
func recalibrationSignal() chan os.Signal {
	return make(chan os.Signal)
}
