//go:build windows

package shell

import "os"

// Windows consoles raise no resize signal; the initial size is all the
// peer gets.
func resizeSignals() []os.Signal { return nil }
