package shell

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"

	"golang.org/x/term"

	"github.com/postalsys/oxy/internal/protocol"
	"github.com/postalsys/oxy/internal/session"
)

// Opener starts exchanges on a session.
type Opener interface {
	Open(ctx context.Context, opener protocol.Message) (*session.Exchange, error)
	Advertise(ctx context.Context, m protocol.Message) error
}

// RunBasic runs command on the peer and writes its captured output.
func RunBasic(ctx context.Context, s Opener, command string, stdout, stderr io.Writer) error {
	ex, err := s.Open(ctx, &protocol.BasicCommand{Command: command})
	if err != nil {
		return err
	}
	m, err := ex.Recv(ctx)
	if err != nil {
		return err
	}
	out, ok := m.(*protocol.BasicCommandOutput)
	if !ok {
		return fmt.Errorf("unexpected %s", protocol.TypeName(m.Type()))
	}
	stdout.Write(out.Stdout)
	stderr.Write(out.Stderr)
	return nil
}

// RunPipe runs command on the peer with stdin streamed from in. It returns
// the remote exit status.
func RunPipe(ctx context.Context, s Opener, command string, in io.Reader, stdout, stderr io.Writer) (int32, error) {
	ex, err := s.Open(ctx, &protocol.PipeCommand{Command: command})
	if err != nil {
		return -1, err
	}
	ref := ex.Reference()

	if in != nil {
		go func() {
			buf := make([]byte, protocol.MaxChunkSize)
			for {
				n, err := in.Read(buf)
				if n > 0 {
					chunk := append([]byte(nil), buf[:n]...)
					if ex.Send(ctx, &protocol.PipeCommandInput{Reference: ref, Input: chunk}) != nil {
						return
					}
				}
				if err != nil {
					// Empty input closes the remote stdin.
					ex.Send(ctx, &protocol.PipeCommandInput{Reference: ref})
					return
				}
			}
		}()
	}

	for {
		m, err := ex.Recv(ctx)
		if err != nil {
			return -1, err
		}
		switch m := m.(type) {
		case *protocol.PipeCommandOutput:
			stdout.Write(m.Stdout)
			stderr.Write(m.Stderr)
		case *protocol.PipeCommandExited:
			return m.Status, nil
		}
	}
}

// Client drives an interactive pty on the peer.
type Client struct {
	opener  Opener
	command string
	stdin   io.Reader
	stdout  io.Writer

	exitCode  int32
	exitError error
	mu        sync.Mutex
}

// ClientConfig contains configuration for the pty client.
type ClientConfig struct {
	// Command runs in the pty; empty starts the peer's shell.
	Command string
	// Stdin and Stdout default to the process's own.
	Stdin  io.Reader
	Stdout io.Writer
}

// NewClient creates a new pty client.
func NewClient(s Opener, cfg ClientConfig) *Client {
	c := &Client{
		opener:  s,
		command: cfg.Command,
		stdin:   cfg.Stdin,
		stdout:  cfg.Stdout,
	}
	if c.stdin == nil {
		c.stdin = os.Stdin
	}
	if c.stdout == nil {
		c.stdout = os.Stdout
	}
	return c
}

// terminalFd returns the descriptor of stdin when it is a terminal.
func (c *Client) terminalFd() (int, bool) {
	f, ok := c.stdin.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return 0, false
	}
	return int(f.Fd()), true
}

// Run requests the pty and relays the terminal until the remote process
// exits. It returns the remote exit status.
func (c *Client) Run(ctx context.Context) (int, error) {
	ex, err := c.opener.Open(ctx, &protocol.PtyRequest{Command: c.command})
	if err != nil {
		return 1, err
	}
	ref := ex.Reference()

	// Wait for activation before touching the terminal so errors print
	// normally.
	m, err := ex.Recv(ctx)
	if err != nil {
		return 1, err
	}
	if _, ok := m.(*protocol.Success); !ok {
		return 1, fmt.Errorf("unexpected %s", protocol.TypeName(m.Type()))
	}

	fd, isTerm := c.terminalFd()
	if isTerm {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			ex.Reject("terminal setup failed")
			return 1, fmt.Errorf("failed to set raw mode: %w", err)
		}
		defer term.Restore(fd, oldState)
		c.sendSize(ctx, fd)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if sigs := resizeSignals(); isTerm && len(sigs) > 0 {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, sigs...)
		defer signal.Stop(sigCh)
		go c.handleResize(sessionCtx, fd, sigCh)
	}

	// stdin reads block and ignore cancellation; the goroutine ends with
	// the exchange or the process.
	go c.pumpStdin(sessionCtx, ex, ref)

	for {
		m, err := ex.Recv(sessionCtx)
		if err != nil {
			c.setError(err)
			break
		}
		switch m := m.(type) {
		case *protocol.PtyOutput:
			c.stdout.Write(m.Data)
		case *protocol.PtyExited:
			c.mu.Lock()
			c.exitCode = m.Status
			c.mu.Unlock()
			return int(m.Status), nil
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return 1, c.exitError
}

func (c *Client) pumpStdin(ctx context.Context, ex *session.Exchange, ref uint64) {
	buf := make([]byte, 4096)
	for {
		n, err := c.stdin.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			if ex.Send(ctx, &protocol.PtyInput{Reference: ref, Data: data}) != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *Client) sendSize(ctx context.Context, fd int) {
	width, height, err := term.GetSize(fd)
	if err != nil {
		return
	}
	c.opener.Advertise(ctx, &protocol.PtySizeAdvertisement{W: uint16(width), H: uint16(height)})
}

// handleResize forwards SIGWINCH as size advertisements.
func (c *Client) handleResize(ctx context.Context, fd int, sigCh <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			c.sendSize(ctx, fd)
		}
	}
}

// setError sets the exit error (thread-safe).
func (c *Client) setError(err error) {
	c.mu.Lock()
	if c.exitError == nil {
		c.exitError = err
	}
	c.mu.Unlock()
}
