// Package node runs one oxy process in a given mode: it establishes the raw
// transport, authenticates the peer and hands the encrypted stream to the
// server or the client.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/postalsys/oxy/internal/client"
	"github.com/postalsys/oxy/internal/config"
	"github.com/postalsys/oxy/internal/crypto"
	"github.com/postalsys/oxy/internal/keys"
	"github.com/postalsys/oxy/internal/logging"
	"github.com/postalsys/oxy/internal/metrics"
	"github.com/postalsys/oxy/internal/mode"
	"github.com/postalsys/oxy/internal/recovery"
	"github.com/postalsys/oxy/internal/server"
	"github.com/postalsys/oxy/internal/session"
	"github.com/postalsys/oxy/internal/sysinfo"
	"github.com/postalsys/oxy/internal/transport"
)

// EnvStaticKey carries the pre-shared key to re-executed children so it
// never shows up in their argument list.
const EnvStaticKey = "OXY_STATIC_KEY"

// SpawnFunc hands an accepted connection to another process.
type SpawnFunc func(ctx context.Context, conn net.Conn) error

// Options holds everything a node needs to run.
type Options struct {
	Bootstrap *mode.Bootstrap
	Config    *config.Config
	Identity  *keys.PrivateKey
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	// Terminal of the client modes. Nil uses the process's own.
	Stdin       io.Reader
	Stdout      io.Writer
	Stderr      io.Writer
	XAuthCookie string

	// FD is the inherited connection of reexec. Zero means stdin/stdout.
	FD int

	// Spawn serves TCP connections of server mode in child processes. Nil
	// serves them in-process.
	Spawn SpawnFunc

	// OnListen is called with the bound address of listening modes.
	OnListen func(net.Addr)
}

// Node is a configured process ready to run.
type Node struct {
	opts      Options
	b         *mode.Bootstrap
	cfg       *config.Config
	logger    *slog.Logger
	transport transport.Transport
	metas     []client.Metacommand
}

// New validates opts and prepares the transport.
func New(opts Options) (*Node, error) {
	if opts.Bootstrap == nil {
		return nil, errors.New("node requires a bootstrap")
	}
	if opts.Identity == nil {
		return nil, errors.New("node requires an identity")
	}
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}

	metas, err := client.ParseAll(opts.Bootstrap.Metacommands)
	if err != nil {
		return nil, err
	}
	t, err := transport.New(opts.Config.Transport.TransportType(), opts.Config.Transport.Options())
	if err != nil {
		return nil, err
	}

	return &Node{
		opts:      opts,
		b:         opts.Bootstrap,
		cfg:       opts.Config,
		logger:    logging.Component(opts.Logger, "node").With(logging.KeyMode, string(opts.Bootstrap.Mode)),
		transport: t,
		metas:     metas,
	}, nil
}

// Run executes the mode until its session ends or ctx is cancelled. It
// returns the exit status for the process.
func (n *Node) Run(ctx context.Context) (int, error) {
	n.logger.Info("starting",
		logging.KeyPerspective, n.b.Perspective.String(),
		logging.KeyAddress, n.b.Address,
		"host", sysinfo.Collect())

	switch n.b.Mode {
	case mode.Client, mode.ReverseServer:
		conn, err := transport.DialWithRetry(ctx, n.transport, n.b.Address, n.cfg.Transport.RetryConfig(), n.opts.Logger)
		if err != nil {
			return 1, err
		}
		return n.handle(ctx, conn)

	case mode.ServeOne, mode.ReverseClient:
		conn, err := n.acceptOne(ctx)
		if err != nil {
			return 1, err
		}
		return n.handle(ctx, conn)

	case mode.Server:
		return 0, n.listen(ctx)

	case mode.Reexec:
		conn, err := n.inherited()
		if err != nil {
			return 1, err
		}
		return n.handle(ctx, conn)
	}
	return 1, fmt.Errorf("mode %s does not run a session", n.b.Mode)
}

// handle runs the session of the local perspective over a raw connection.
func (n *Node) handle(ctx context.Context, conn net.Conn) (int, error) {
	logger := n.logger.With(logging.KeyRemoteAddr, conn.RemoteAddr().String())
	logger.Info("connection established")

	secure, err := n.secure(ctx, conn)
	if err != nil {
		conn.Close()
		return 1, err
	}
	logger.Debug("peer authenticated")

	if n.b.Perspective == mode.Bob {
		err := server.New(n.cfg, n.opts.Metrics, n.opts.Logger).Serve(ctx, secure)
		return exitStatus(ctx, err)
	}
	return n.drive(ctx, secure)
}

// secure runs the handshake, bounded by the session handshake timeout.
func (n *Node) secure(ctx context.Context, conn net.Conn) (*crypto.Conn, error) {
	hctx, cancel := context.WithTimeout(ctx, n.cfg.Session.HandshakeTimeout)
	defer cancel()
	return crypto.Handshake(hctx, conn, crypto.Config{
		Perspective: n.b.Perspective,
		Identity:    n.opts.Identity,
		Peer:        n.b.Peer,
		PSK:         n.b.PSK,
	})
}

// drive runs Alice's session and the client on top of it.
func (n *Node) drive(ctx context.Context, conn io.ReadWriteCloser) (int, error) {
	scfg := session.DefaultConfig(mode.Alice)
	scfg.HandshakeTimeout = n.cfg.Session.HandshakeTimeout
	scfg.KeepaliveInterval = n.cfg.Session.KeepaliveInterval
	scfg.KeepaliveTimeout = n.cfg.Session.KeepaliveTimeout
	scfg.QueueSize = n.cfg.Session.QueueSize
	scfg.Logger = n.opts.Logger
	scfg.Metrics = n.opts.Metrics

	sess := session.New(conn, scfg)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer recovery.RecoverWithLog(n.logger, "node.session")
		sess.Run(runCtx)
	}()

	c := client.New(sess, client.Config{
		Stdin:       n.opts.Stdin,
		Stdout:      n.opts.Stdout,
		Stderr:      n.opts.Stderr,
		XAuthCookie: n.opts.XAuthCookie,
		Logger:      n.opts.Logger,
	})
	status, err := c.Run(ctx, n.metas)

	sess.Close()
	cancel()
	wg.Wait()
	return status, err
}

// acceptOne accepts a single connection and stops listening.
func (n *Node) acceptOne(ctx context.Context) (net.Conn, error) {
	ln, err := n.transport.Listen(n.b.Address)
	if err != nil {
		return nil, err
	}
	defer ln.Close()
	n.listening(ln)
	return ln.Accept(ctx)
}

func (n *Node) listening(ln transport.Listener) {
	n.logger.Info("listening",
		logging.KeyLocalAddr, ln.Addr().String(),
		logging.KeyTransport, n.transport.Type().String())
	if n.opts.OnListen != nil {
		n.opts.OnListen(ln.Addr())
	}
}

// listen serves every connection until ctx is cancelled. TCP connections go
// to Spawn when it is set.
func (n *Node) listen(ctx context.Context) error {
	ln, err := n.transport.Listen(n.b.Address)
	if err != nil {
		return err
	}
	defer ln.Close()
	n.listening(ln)

	spawn := n.opts.Spawn
	if n.transport.Type() != transport.TransportTCP {
		spawn = nil
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if spawn != nil {
			if err := spawn(ctx, conn); err != nil {
				n.logger.Error("spawn failed",
					logging.KeyRemoteAddr, conn.RemoteAddr().String(),
					logging.KeyError, err)
			}
			conn.Close()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer recovery.RecoverWithLog(n.logger, "node.serve")
			if _, err := n.handle(ctx, conn); err != nil {
				n.logger.Warn("session failed",
					logging.KeyRemoteAddr, conn.RemoteAddr().String(),
					logging.KeyError, err)
			}
		}()
	}
}

// inherited returns the connection a server handed to this reexec child.
func (n *Node) inherited() (net.Conn, error) {
	if n.opts.FD == 0 {
		return transport.StdioConn(stdin(), stdout()), nil
	}
	return transport.FileConn(uintptr(n.opts.FD))
}

// exitStatus maps the end of a Bob session to a process status. The peer
// hanging up and a cancelled context are normal ends.
func exitStatus(ctx context.Context, err error) (int, error) {
	if err == nil || errors.Is(err, session.ErrPeerClosed) || (ctx.Err() != nil && errors.Is(err, ctx.Err())) {
		return 0, nil
	}
	return 1, err
}
