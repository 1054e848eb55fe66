package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

// TCPTransport carries sessions over plain TCP, optionally through a
// SOCKS5 proxy.
type TCPTransport struct {
	opts Options
}

// NewTCPTransport creates a new TCP transport.
func NewTCPTransport(opts Options) *TCPTransport {
	return &TCPTransport{opts: opts}
}

// Type returns the transport type.
func (t *TCPTransport) Type() TransportType {
	return TransportTCP
}

// Dial connects to addr.
func (t *TCPTransport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	ctx, cancel := withTimeout(ctx, t.opts.Timeout)
	defer cancel()

	d, err := tcpDialer(t.opts)
	if err != nil {
		return nil, err
	}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp dial %s: %w", addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
		tc.SetKeepAlive(true)
	}
	return conn, nil
}

// tcpDialer returns a direct dialer or one routed through opts.Proxy.
func tcpDialer(opts Options) (proxy.ContextDialer, error) {
	direct := &net.Dialer{Timeout: opts.Timeout, KeepAlive: 30 * time.Second}
	if opts.Proxy == "" {
		return direct, nil
	}

	u, err := url.Parse(opts.Proxy)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}
	if u.Scheme != "socks5" && u.Scheme != "socks5h" {
		return nil, fmt.Errorf("tcp transport supports socks5 proxies only, got %q", u.Scheme)
	}
	d, err := proxy.FromURL(u, direct)
	if err != nil {
		return nil, fmt.Errorf("proxy dialer: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("proxy dialer does not support contexts")
	}
	return cd, nil
}

// Listen starts a TCP listener on addr.
func (t *TCPTransport) Listen(addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp listen %s: %w", addr, err)
	}
	return &TCPListener{ln: ln.(*net.TCPListener)}, nil
}

// TCPListener accepts TCP connections.
type TCPListener struct {
	ln *net.TCPListener
}

// Accept waits for the next connection. A cancelled ctx interrupts the wait
// without closing the listener.
func (l *TCPListener) Accept(ctx context.Context) (net.Conn, error) {
	stop := context.AfterFunc(ctx, func() {
		l.ln.SetDeadline(time.Unix(1, 0))
	})
	conn, err := l.ln.AcceptTCP()
	if !stop() {
		l.ln.SetDeadline(time.Time{})
		if conn != nil {
			conn.Close()
		}
		return nil, ctx.Err()
	}
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, err
		}
		return nil, fmt.Errorf("tcp accept: %w", err)
	}
	conn.SetNoDelay(true)
	return conn, nil
}

// Addr returns the listener's network address.
func (l *TCPListener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops the listener.
func (l *TCPListener) Close() error {
	return l.ln.Close()
}
