//go:build !windows

package shell

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/creack/pty"
)

// defaultSize is used until Alice advertises her terminal size.
var defaultSize = pty.Winsize{Rows: 24, Cols: 80}

// Terminal is a command running on a pseudo terminal.
type Terminal interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Resize(rows, cols uint16) error
	// Wait blocks until the command exits and returns its status.
	Wait() int32
	Close()
}

type ptyTerminal struct {
	master *os.File
	done   chan struct{}
	status int32
	stop   func()
}

// StartPty runs line on a new pseudo terminal. An empty line starts the
// configured shell.
func (e *Executor) StartPty(ctx context.Context, line string, peer PeerInfo) (Terminal, error) {
	if err := e.Acquire(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := e.command(ctx, line, peer)
	if os.Getenv("TERM") == "" {
		cmd.Env = append(cmd.Env, "TERM=xterm-256color")
	}

	size := defaultSize
	master, err := pty.StartWithSize(cmd, &size)
	if err != nil {
		cancel()
		e.Release()
		return nil, fmt.Errorf("start pty: %w", err)
	}

	t := &ptyTerminal{master: master, done: make(chan struct{}), status: -1}
	t.stop = sync.OnceFunc(func() {
		cancel()
		master.Close()
		e.Release()
	})
	go func() {
		t.status = exitStatus(cmd.Wait())
		close(t.done)
	}()
	return t, nil
}

func (t *ptyTerminal) Read(p []byte) (int, error)  { return t.master.Read(p) }
func (t *ptyTerminal) Write(p []byte) (int, error) { return t.master.Write(p) }

func (t *ptyTerminal) Resize(rows, cols uint16) error {
	return pty.Setsize(t.master, &pty.Winsize{Rows: rows, Cols: cols})
}

func (t *ptyTerminal) Wait() int32 {
	<-t.done
	return t.status
}

// Close kills the command if it still runs and releases the terminal.
func (t *ptyTerminal) Close() { t.stop() }
