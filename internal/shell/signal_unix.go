//go:build !windows

package shell

import (
	"os"
	"syscall"
)

// resizeSignals are delivered when the local terminal changes size.
func resizeSignals() []os.Signal {
	return []os.Signal{syscall.SIGWINCH}
}
