//go:build windows

package lifecycle

import "os"

func TerminationSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// ReloadSignals is empty on Windows; use the refresh endpoint instead.
func ReloadSignals() []os.Signal {
	return nil
}
