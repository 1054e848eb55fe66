package forward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/postalsys/oxy/internal/logging"
	"github.com/postalsys/oxy/internal/protocol"
	"github.com/postalsys/oxy/internal/recovery"
	"github.com/postalsys/oxy/internal/session"
)

// Opener starts exchanges on a session.
type Opener interface {
	Open(ctx context.Context, opener protocol.Message) (*session.Exchange, error)
}

// Dialer opens streams to addresses reachable from the peer.
type Dialer interface {
	DialForward(ctx context.Context, addr string) (net.Conn, error)
}

// SessionDialer dials through the peer with RemoteOpen.
type SessionDialer struct {
	Session Opener
}

// DialForward opens a RemoteOpen exchange and returns it as a connection.
// It fails if the peer rejects the connect.
func (d SessionDialer) DialForward(ctx context.Context, addr string) (net.Conn, error) {
	ex, err := d.Session.Open(ctx, &protocol.RemoteOpen{Addr: addr})
	if err != nil {
		return nil, err
	}
	return NewStreamConn(ex, LocalEnd), nil
}

// ListenerConfig describes a local forward: connections accepted on
// Address are carried to Target on the peer.
type ListenerConfig struct {
	Address string
	Target  string
	Logger  *slog.Logger
}

// Listener runs one local forward (the L metacommand).
type Listener struct {
	cfg    ListenerConfig
	dialer Dialer
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	active atomic.Int64
	wg     sync.WaitGroup
}

// NewListener returns a stopped listener; call Start to accept.
func NewListener(cfg ListenerConfig, dialer Dialer) *Listener {
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		cfg:    cfg,
		dialer: dialer,
		logger: logging.Component(cfg.Logger, "forward").With(logging.KeyAddress, cfg.Target),
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[net.Conn]struct{}),
	}
}

// Start binds the local address and begins accepting.
func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln != nil {
		return fmt.Errorf("forward on %s already started", l.cfg.Address)
	}
	if l.ctx.Err() != nil {
		return fmt.Errorf("forward on %s stopped", l.cfg.Address)
	}
	ln, err := net.Listen(network(l.cfg.Address), l.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", l.cfg.Address, err)
	}
	l.ln = ln

	l.wg.Add(1)
	go l.accept(ln)
	l.logger.Info("local forward started", logging.KeyLocalAddr, ln.Addr().String())
	return nil
}

// Stop closes the listener and every forwarded connection, then waits for
// the relays to finish.
func (l *Listener) Stop() error {
	l.cancel()
	l.mu.Lock()
	var err error
	if l.ln != nil {
		err = l.ln.Close()
	}
	for c := range l.conns {
		c.Close()
	}
	l.mu.Unlock()
	l.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// Address returns the bound address, or nil before Start.
func (l *Listener) Address() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// ConnectionCount returns the number of connections being relayed.
func (l *Listener) ConnectionCount() int64 {
	return l.active.Load()
}

func (l *Listener) track(c net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx.Err() != nil {
		return false
	}
	l.conns[c] = struct{}{}
	l.active.Add(1)
	return true
}

func (l *Listener) untrack(c net.Conn) {
	l.mu.Lock()
	delete(l.conns, c)
	l.mu.Unlock()
	l.active.Add(-1)
}

func (l *Listener) accept(ln net.Listener) {
	defer l.wg.Done()
	defer recovery.RecoverWithLog(l.logger, "forward.Listener.accept")

	for {
		c, err := ln.Accept()
		if err != nil {
			if l.ctx.Err() == nil {
				l.logger.Warn("local forward accept failed", logging.KeyError, err)
			}
			return
		}
		if !l.track(c) {
			c.Close()
			return
		}
		l.wg.Add(1)
		go l.serve(c)
	}
}

func (l *Listener) serve(c net.Conn) {
	defer l.wg.Done()
	defer recovery.RecoverWithLog(l.logger, "forward.Listener.serve")
	defer l.untrack(c)
	defer c.Close()

	from := c.RemoteAddr().String()
	peer, err := l.dialer.DialForward(l.ctx, l.cfg.Target)
	if err != nil {
		l.logger.Debug("forward dial failed", logging.KeyRemoteAddr, from, logging.KeyError, err)
		return
	}
	defer peer.Close()

	out, in := relay(c, peer)
	l.logger.Debug("forward connection closed", logging.KeyRemoteAddr, from, logging.KeyBytes, out+in)
}
