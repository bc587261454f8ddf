//go:build !windows

package syncengine

import (
	"os"
	"syscall"
)

// SIGCONT arrives when a stopped job is resumed with fg; SIGUSR1 is the
// explicit "sync now" request.
func foregroundSignals() []os.Signal {
	return []os.Signal{syscall.SIGCONT, syscall.SIGUSR1}
}
