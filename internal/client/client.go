// Package client is Alice's application layer. It runs the user's
// metacommands over a session and then hands the terminal to an
// interactive pty on the peer.
package client

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/user"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/postalsys/oxy/internal/filetransfer"
	"github.com/postalsys/oxy/internal/forward"
	"github.com/postalsys/oxy/internal/logging"
	"github.com/postalsys/oxy/internal/protocol"
	"github.com/postalsys/oxy/internal/recovery"
	"github.com/postalsys/oxy/internal/session"
	"github.com/postalsys/oxy/internal/shell"
	"github.com/postalsys/oxy/internal/tunnel"
)

// Config controls a client run.
type Config struct {
	// Stdin, Stdout and Stderr default to the process's own. Notices go to
	// Stderr.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Username is advertised to the peer. Empty uses the local user.
	Username string
	// XAuthCookie is advertised when set.
	XAuthCookie string

	// OpenTunnel opens local interfaces for tun and tap. Defaults to
	// tunnel.Open.
	OpenTunnel tunnel.OpenFunc

	Logger *slog.Logger
}

// Client drives one session as Alice.
type Client struct {
	s      *session.Session
	cfg    Config
	logger *slog.Logger
	notice *notifier

	mu         sync.Mutex
	background []func(ctx context.Context)
	wg         sync.WaitGroup
}

// New creates a client for s.
func New(s *session.Session, cfg Config) *Client {
	if cfg.Stdin == nil {
		cfg.Stdin = os.Stdin
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if cfg.OpenTunnel == nil {
		cfg.OpenTunnel = tunnel.Open
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	return &Client{
		s:      s,
		cfg:    cfg,
		logger: logging.Component(cfg.Logger, "client"),
		notice: &notifier{w: cfg.Stderr},
	}
}

// localUsername returns the name of the user running the process.
func localUsername() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}

// Run waits for the preamble, advertises the local user, runs metas in
// order and finally an interactive pty unless a quit metacommand came
// first. It returns the exit status of the pty, or 0 after quit.
func (c *Client) Run(ctx context.Context, metas []Metacommand) (int, error) {
	defer c.Close()

	select {
	case <-c.s.Ready():
	case <-c.s.Done():
		return 1, c.sessionErr()
	case <-ctx.Done():
		return 1, ctx.Err()
	}

	if err := c.advertise(ctx); err != nil {
		return 1, err
	}

	for _, m := range metas {
		if m.Verb == VerbQuit {
			c.logger.Debug("quit requested")
			return 0, nil
		}
		if err := c.Execute(ctx, m); err != nil {
			c.notice.Fail(m, err)
		}
		select {
		case <-c.s.Done():
			return 1, c.sessionErr()
		default:
		}
	}

	return shell.NewClient(c.s, shell.ClientConfig{
		Stdin:  c.cfg.Stdin,
		Stdout: c.cfg.Stdout,
	}).Run(ctx)
}

func (c *Client) sessionErr() error {
	if err := c.s.Err(); err != nil {
		return err
	}
	return session.ErrSessionClosed
}

func (c *Client) advertise(ctx context.Context) error {
	name := c.cfg.Username
	if name == "" {
		name = localUsername()
	}
	if name != "" {
		if err := c.s.Advertise(ctx, &protocol.UsernameAdvertisement{Username: name}); err != nil {
			return fmt.Errorf("advertise username: %w", err)
		}
	}
	if c.cfg.XAuthCookie != "" {
		if err := c.s.Advertise(ctx, &protocol.AdvertiseXAuth{Cookie: c.cfg.XAuthCookie}); err != nil {
			return fmt.Errorf("advertise xauth: %w", err)
		}
	}
	return nil
}

// keep registers a background task to stop on Close.
func (c *Client) keep(stop func(ctx context.Context)) {
	c.mu.Lock()
	c.background = append(c.background, stop)
	c.mu.Unlock()
}

// Close stops every forward and tunnel started by metacommands.
func (c *Client) Close() {
	c.mu.Lock()
	stops := c.background
	c.background = nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(stops) - 1; i >= 0; i-- {
		stops[i](ctx)
	}
	c.wg.Wait()
}

// Execute runs one metacommand. Forwards and tunnels keep running in the
// background until Close.
func (c *Client) Execute(ctx context.Context, m Metacommand) error {
	c.logger.Debug("metacommand", logging.KeyCommand, m.String())

	switch m.Verb {
	case VerbExec:
		return shell.RunBasic(ctx, c.s, m.Line(), c.cfg.Stdout, c.cfg.Stderr)

	case VerbPipe:
		status, err := shell.RunPipe(ctx, c.s, m.Line(), c.cfg.Stdin, c.cfg.Stdout, c.cfg.Stderr)
		if err != nil {
			return err
		}
		if status != 0 {
			c.notice.Info("%s exited with status %d", m, status)
		}
		return nil

	case VerbPty:
		status, err := shell.NewClient(c.s, shell.ClientConfig{
			Command: m.Line(),
			Stdin:   c.cfg.Stdin,
			Stdout:  c.cfg.Stdout,
		}).Run(ctx)
		if err != nil {
			return err
		}
		if status != 0 {
			c.notice.Info("%s exited with status %d", m, status)
		}
		return nil

	case VerbDownload:
		remote := m.Args[0]
		local := filetransfer.RemoteName(remote)
		if len(m.Args) > 1 {
			local = m.Args[1]
		}
		t, err := filetransfer.DownloadFile(ctx, c.s, remote, local, m.Resume)
		if err != nil {
			return err
		}
		c.notice.OK("downloaded %s to %s: %s", remote, local, t)
		return nil

	case VerbUpload:
		local := m.Args[0]
		remote := filetransfer.RemoteName(local)
		if len(m.Args) > 1 {
			remote = m.Args[1]
		}
		t, err := filetransfer.UploadFile(ctx, c.s, local, remote, m.Resume)
		if err != nil {
			return err
		}
		c.notice.OK("uploaded %s to %s: %s", local, remote, t)
		return nil

	case VerbList:
		names, err := filetransfer.ReadDir(ctx, c.s, m.Args[0])
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Fprintln(c.cfg.Stdout, name)
		}
		return nil

	case VerbStat:
		st, err := filetransfer.Stat(ctx, c.s, m.Args[0])
		if err != nil {
			return err
		}
		writeStat(c.cfg.Stdout, m.Args[0], st)
		return nil

	case VerbHash:
		digest, err := filetransfer.Hash(ctx, c.s, m.Args[0], m.Algorithm, nil, nil)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.cfg.Stdout, "%s  %s\n", hex.EncodeToString(digest), m.Args[0])
		return nil

	case VerbTruncate:
		if err := filetransfer.Truncate(ctx, c.s, m.Args[0], m.Length); err != nil {
			return err
		}
		c.notice.OK("truncated %s to %s", m.Args[0], humanize.IBytes(m.Length))
		return nil

	case VerbLocal:
		return c.startLocal(m.Args[0], m.Args[1])

	case VerbRemote:
		return c.startRemote(ctx, m.Args[0], m.Args[1])

	case VerbDynamic:
		return c.startSOCKS(m.Args[0])

	case VerbKnock:
		if err := forward.Knock(ctx, c.s, m.Args[0], m.Knock); err != nil {
			return err
		}
		c.notice.OK("knocked %s with %d bytes", m.Args[0], len(m.Knock))
		return nil

	case VerbTun, VerbTap:
		return c.startTunnel(ctx, m.Args[0], m.Args[1], m.Verb == VerbTap)

	case VerbQuit:
		return nil
	}
	return fmt.Errorf("unknown metacommand %q", m.Verb)
}

func (c *Client) startLocal(local, remote string) error {
	l := forward.NewListener(forward.ListenerConfig{
		Address: local,
		Target:  remote,
		Logger:  c.cfg.Logger,
	}, forward.SessionDialer{Session: c.s})
	if err := l.Start(); err != nil {
		return err
	}
	c.keep(func(context.Context) { l.Stop() })
	c.notice.OK("forwarding %s to %s on the peer", l.Address(), remote)
	return nil
}

func (c *Client) startRemote(ctx context.Context, remote, local string) error {
	rf, err := forward.StartRemoteForward(ctx, c.s, remote, local, c.cfg.Logger)
	if err != nil {
		return err
	}

	// A bind the peer cannot listen on is rejected after this returns.
	m := Metacommand{Verb: VerbRemote, Args: []string{remote, local}}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		<-rf.Done()
		if err := rf.Err(); err != nil {
			c.notice.Fail(m, err)
		}
	}()

	c.keep(func(ctx context.Context) { rf.Close(ctx) })
	c.notice.OK("forwarding %s on the peer to %s", remote, local)
	return nil
}

func (c *Client) startSOCKS(addr string) error {
	srv, err := forward.NewSOCKSServer(forward.SessionDialer{Session: c.s}, c.cfg.Logger)
	if err != nil {
		return err
	}
	if err := srv.Listen(addr); err != nil {
		return err
	}
	c.keep(func(context.Context) { srv.Close() })
	c.notice.OK("socks5 proxy on %s", srv.Address())
	return nil
}

func (c *Client) startTunnel(ctx context.Context, localName, remoteName string, tap bool) error {
	dev, err := c.cfg.OpenTunnel(localName, tap)
	if err != nil {
		return err
	}

	tctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(done)
		defer recovery.RecoverWithLog(c.logger, "client.tunnel")

		stats, err := tunnel.Run(tctx, c.s, dev, remoteName, tap, c.cfg.Logger)
		if err != nil {
			c.notice.Fail(Metacommand{Verb: Verb(tunnel.Kind(tap)), Args: []string{localName, remoteName}}, err)
			return
		}
		c.logger.Info("tunnel closed",
			"device", dev.Name(),
			"packets_in", stats.PacketsIn,
			"packets_out", stats.PacketsOut)
	}()

	c.keep(func(ctx context.Context) {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
		}
	})
	c.notice.OK("%s %s bridged to %s on the peer", tunnel.Kind(tap), dev.Name(), remoteName)
	return nil
}

// writeStat prints a StatResult the way stat(1) lays it out.
func writeStat(w io.Writer, path string, st *protocol.StatResult) {
	kind := "other"
	switch {
	case st.IsDir:
		kind = "directory"
	case st.IsFile:
		kind = "regular file"
	}
	fmt.Fprintf(w, "  File: %s\n", path)
	fmt.Fprintf(w, "  Size: %d (%s)\t%s\n", st.Len, humanize.IBytes(st.Len), kind)
	fmt.Fprintf(w, "Access: %04o\tOwner: %s\tGroup: %s\n", st.OctalPermissions, st.Owner, st.Group)
	for _, t := range []struct {
		label string
		at    *time.Time
	}{
		{"Access", st.Atime},
		{"Modify", st.Mtime},
		{"Change", st.Ctime},
	} {
		if t.at != nil {
			fmt.Fprintf(w, "%s: %s\n", t.label, t.at.Format(time.RFC3339))
		}
	}
}
