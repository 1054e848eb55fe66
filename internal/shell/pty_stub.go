//go:build windows

package shell

import (
	"context"
	"errors"
)

// Terminal is a command running on a pseudo terminal.
type Terminal interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Resize(rows, cols uint16) error
	Wait() int32
	Close()
}

// StartPty always fails: pty sessions need a Unix pseudo terminal.
func (e *Executor) StartPty(ctx context.Context, line string, peer PeerInfo) (Terminal, error) {
	return nil, errors.New("pty sessions are not supported on windows")
}
