package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
)

// Default QUIC configuration values
const (
	DefaultMaxIdleTimeout  = 60 * time.Second
	DefaultKeepAlivePeriod = 15 * time.Second

	// streamOpenTimeout bounds how long a listener waits for the dialer's
	// first stream.
	streamOpenTimeout = 10 * time.Second

	// streamPreamble is written by the dialer so the listener sees the
	// stream before any session data arrives.
	streamPreamble = 0x6f
)

// QUICTransport carries a session over one bidirectional QUIC stream.
type QUICTransport struct {
	opts Options
}

// NewQUICTransport creates a new QUIC transport.
func NewQUICTransport(opts Options) *QUICTransport {
	return &QUICTransport{opts: opts}
}

// Type returns the transport type.
func (t *QUICTransport) Type() TransportType {
	return TransportQUIC
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:        DefaultMaxIdleTimeout,
		KeepAlivePeriod:       DefaultKeepAlivePeriod,
		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: -1,
	}
}

// Dial connects to addr and opens the session stream.
func (t *QUICTransport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	if t.opts.Proxy != "" {
		return nil, errors.New("quic transport does not support proxies")
	}

	dctx, cancel := withTimeout(ctx, t.opts.Timeout)
	defer cancel()

	conn, err := quic.DialAddr(dctx, addr, clientTLSConfig(ALPNProtocol), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", addr, err)
	}

	stream, err := conn.OpenStreamSync(dctx)
	if err != nil {
		conn.CloseWithError(0, "stream open failed")
		return nil, fmt.Errorf("quic open stream: %w", err)
	}
	if _, err := stream.Write([]byte{streamPreamble}); err != nil {
		conn.CloseWithError(0, "stream open failed")
		return nil, fmt.Errorf("quic open stream: %w", err)
	}

	return &quicConn{conn: conn, stream: stream}, nil
}

// Listen starts a QUIC listener on addr.
func (t *QUICTransport) Listen(addr string) (Listener, error) {
	tlsConfig, err := listenerTLSConfig(t.opts, ALPNProtocol)
	if err != nil {
		return nil, err
	}

	ln, err := quic.ListenAddr(addr, tlsConfig, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic listen %s: %w", addr, err)
	}

	l := &QUICListener{
		ln:      ln,
		connCh:  make(chan net.Conn, 16),
		closeCh: make(chan struct{}),
	}
	go l.acceptLoop()
	return l, nil
}

// QUICListener accepts QUIC connections and their session stream.
type QUICListener struct {
	ln      *quic.Listener
	connCh  chan net.Conn
	closeCh chan struct{}
	closed  atomic.Bool
}

func (l *QUICListener) acceptLoop() {
	for {
		conn, err := l.ln.Accept(context.Background())
		if err != nil {
			return
		}
		go l.acceptStream(conn)
	}
}

func (l *QUICListener) acceptStream(conn quic.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), streamOpenTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "no stream")
		return
	}
	stream.SetReadDeadline(time.Now().Add(streamOpenTimeout))
	var preamble [1]byte
	if _, err := io.ReadFull(stream, preamble[:]); err != nil || preamble[0] != streamPreamble {
		conn.CloseWithError(0, "bad preamble")
		return
	}
	stream.SetReadDeadline(time.Time{})

	select {
	case l.connCh <- &quicConn{conn: conn, stream: stream}:
	case <-l.closeCh:
		conn.CloseWithError(0, "listener closed")
	}
}

// Accept waits for the next session stream.
func (l *QUICListener) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case conn := <-l.connCh:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, net.ErrClosed
	}
}

// Addr returns the listener's address.
func (l *QUICListener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops the listener.
func (l *QUICListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	close(l.closeCh)
	return l.ln.Close()
}

// quicConn adapts a connection's single stream to net.Conn.
type quicConn struct {
	conn   quic.Connection
	stream quic.Stream
	closed atomic.Bool
}

func (c *quicConn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *quicConn) Write(p []byte) (int, error) { return c.stream.Write(p) }

func (c *quicConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.stream.CancelRead(0)
	c.stream.Close()
	return c.conn.CloseWithError(0, "")
}

func (c *quicConn) LocalAddr() net.Addr                { return c.conn.LocalAddr() }
func (c *quicConn) RemoteAddr() net.Addr               { return c.conn.RemoteAddr() }
func (c *quicConn) SetDeadline(t time.Time) error      { return c.stream.SetDeadline(t) }
func (c *quicConn) SetReadDeadline(t time.Time) error  { return c.stream.SetReadDeadline(t) }
func (c *quicConn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }
