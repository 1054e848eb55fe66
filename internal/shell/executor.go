// Package shell runs commands and pty sessions for exchanges opened by the
// peer, and drives them from the initiating side.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// Environment variables exported to spawned commands.
const (
	EnvPeerUser    = "OXY_PEER_USER"
	EnvXAuthCookie = "XAUTHORITY_COOKIE"
)

// ErrDisabled is returned when command execution is turned off.
var ErrDisabled = errors.New("shell is disabled")

// Config controls command execution for the peer.
type Config struct {
	Enabled bool

	// Shell runs every command as `Shell -c COMMAND`; an empty pty command
	// starts Shell itself.
	Shell string

	// MaxSessions limits concurrent pipe and pty sessions. Zero is
	// unlimited.
	MaxSessions int
}

// DefaultConfig returns the default shell configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Shell:   "/bin/sh",
	}
}

// PeerInfo carries what the peer advertised about itself.
type PeerInfo struct {
	Username    string
	XAuthCookie string
}

// Environ returns the process environment extended with the peer's
// advertisements.
func (p PeerInfo) Environ() []string {
	env := os.Environ()
	if p.Username != "" {
		env = append(env, EnvPeerUser+"="+p.Username)
	}
	if p.XAuthCookie != "" {
		env = append(env, EnvXAuthCookie+"="+p.XAuthCookie)
	}
	return env
}

// Executor spawns commands and limits how many pipe and pty sessions run
// at once. One-shot commands do not take a slot.
type Executor struct {
	config Config

	mu     sync.Mutex
	active int
}

// NewExecutor creates an executor; an empty Shell means /bin/sh.
func NewExecutor(cfg Config) *Executor {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	return &Executor{config: cfg}
}

// Acquire takes a session slot.
func (e *Executor) Acquire() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case !e.config.Enabled:
		return ErrDisabled
	case e.config.MaxSessions > 0 && e.active >= e.config.MaxSessions:
		return fmt.Errorf("too many sessions (limit %d)", e.config.MaxSessions)
	}
	e.active++
	return nil
}

// Release returns a slot taken by Acquire.
func (e *Executor) Release() {
	e.mu.Lock()
	if e.active > 0 {
		e.active--
	}
	e.mu.Unlock()
}

// Active returns the number of slots in use.
func (e *Executor) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// command runs line through the shell, or the shell itself for an empty
// line.
func (e *Executor) command(ctx context.Context, line string, peer PeerInfo) *exec.Cmd {
	args := []string{}
	if line != "" {
		args = append(args, "-c", line)
	}
	cmd := exec.CommandContext(ctx, e.config.Shell, args...)
	cmd.Env = peer.Environ()
	return cmd
}

// Output is the captured result of a BasicCommand.
type Output struct {
	Stdout []byte
	Stderr []byte
	Status int32
}

// Run executes line to completion and keeps up to limit bytes of each
// output stream. A non-zero exit is not an error.
func (e *Executor) Run(ctx context.Context, line string, peer PeerInfo, limit int) (*Output, error) {
	if !e.config.Enabled {
		return nil, ErrDisabled
	}

	stdout := &limitedBuffer{limit: limit}
	stderr := &limitedBuffer{limit: limit}
	cmd := e.command(ctx, line, peer)
	cmd.Stdout, cmd.Stderr = stdout, stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return nil, fmt.Errorf("run %q: %w", line, err)
	}
	return &Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), Status: exitStatus(err)}, nil
}

// limitedBuffer keeps the first limit bytes written and discards the rest.
type limitedBuffer struct {
	bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.Len(); room > 0 {
		b.Buffer.Write(p[:min(len(p), room)])
	}
	return len(p), nil
}

// Pipe is a running command with piped stdio.
type Pipe struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	Stderr io.Reader

	cmd  *exec.Cmd
	stop func()
}

// StartPipe starts line with piped stdin, stdout and stderr. The caller
// must Close the pipe.
func (e *Executor) StartPipe(ctx context.Context, line string, peer PeerInfo) (*Pipe, error) {
	if err := e.Acquire(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := e.command(ctx, line, peer)
	p := &Pipe{cmd: cmd}
	p.stop = sync.OnceFunc(func() {
		cancel()
		if p.Stdin != nil {
			p.Stdin.Close()
		}
		e.Release()
	})

	var err error
	if p.Stdin, err = cmd.StdinPipe(); err == nil {
		if p.Stdout, err = cmd.StdoutPipe(); err == nil {
			if p.Stderr, err = cmd.StderrPipe(); err == nil {
				err = cmd.Start()
			}
		}
	}
	if err != nil {
		p.stop()
		return nil, fmt.Errorf("start %q: %w", line, err)
	}
	return p, nil
}

// Wait waits for the command to exit. Stdout and Stderr must be drained
// first.
func (p *Pipe) Wait() int32 {
	return exitStatus(p.cmd.Wait())
}

// Close kills the command if it still runs and releases its slot.
func (p *Pipe) Close() { p.stop() }

// exitStatus maps a Wait error to a status. Processes killed by a signal
// report -1.
func exitStatus(err error) int32 {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return int32(exitErr.ExitCode())
	}
	return -1
}
