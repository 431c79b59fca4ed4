//go:build !windows

package lifecycle

import (
	"os"
	"syscall"
)

func TerminationSignals() []os.Signal {
	return []os.Signal{os.Interrupt, syscall.SIGTERM}
}

// ReloadSignals ask the daemon to rescan its video library.
func ReloadSignals() []os.Signal {
	return []os.Signal{syscall.SIGHUP}
}
