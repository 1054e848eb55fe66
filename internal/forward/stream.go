// Package forward carries TCP streams over a session: local and remote port
// forwards, SOCKS5 dynamic forwarding and UDP knocks.
package forward

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/oxy/internal/protocol"
	"github.com/postalsys/oxy/internal/session"
)

// End selects which half of a stream exchange a side serves.
type End uint8

const (
	// RemoteEnd is attached to the socket the stream was opened for: the
	// dialled connection of a RemoteOpen, or the accepted connection of a
	// bind. It sends RemoteStreamData.
	RemoteEnd End = iota
	// LocalEnd is the other side. It sends LocalStreamData.
	LocalEnd
)

func (e End) String() string {
	if e == RemoteEnd {
		return "remote"
	}
	return "local"
}

// streamAddr is the address reported by a StreamConn. It is a TCPAddr so
// callers that expect TCP connections keep working.
var streamAddr = &net.TCPAddr{IP: net.IPv4zero}

// StreamConn adapts a stream exchange to net.Conn. CloseWrite sends this
// end's half-close; Close aborts the exchange unless both halves already
// closed. Deadlines are not supported.
type StreamConn struct {
	ex     *session.Exchange
	end    End
	ctx    context.Context
	cancel context.CancelFunc

	readMu  sync.Mutex
	pending []byte
	readEOF atomic.Bool

	writeMu     sync.Mutex
	writeClosed atomic.Bool

	closeOnce sync.Once
}

// NewStreamConn wraps ex, served as end.
func NewStreamConn(ex *session.Exchange, end End) *StreamConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &StreamConn{ex: ex, end: end, ctx: ctx, cancel: cancel}
}

// Exchange returns the wrapped exchange.
func (c *StreamConn) Exchange() *session.Exchange { return c.ex }

func (c *StreamConn) dataMsg(b []byte) protocol.Message {
	ref := c.ex.Reference()
	if c.end == RemoteEnd {
		return &protocol.RemoteStreamData{Reference: ref, Data: b}
	}
	return &protocol.LocalStreamData{Reference: ref, Data: b}
}

func (c *StreamConn) closeMsg() protocol.Message {
	ref := c.ex.Reference()
	if c.end == RemoteEnd {
		return &protocol.RemoteStreamClosed{Reference: ref}
	}
	return &protocol.LocalStreamClosed{Reference: ref}
}

// Read returns bytes sent by the other end and io.EOF after its half-close.
func (c *StreamConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for len(c.pending) == 0 {
		if c.readEOF.Load() {
			return 0, io.EOF
		}
		m, err := c.ex.Recv(c.ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.readEOF.Store(true)
			}
			return 0, err
		}
		switch m := m.(type) {
		case *protocol.RemoteStreamData:
			c.pending = m.Data
		case *protocol.LocalStreamData:
			c.pending = m.Data
		case *protocol.RemoteStreamClosed, *protocol.LocalStreamClosed:
			c.readEOF.Store(true)
		}
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// Write sends p in chunks of at most MaxChunkSize.
func (c *StreamConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeClosed.Load() {
		return 0, net.ErrClosed
	}
	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > protocol.MaxChunkSize {
			chunk = chunk[:protocol.MaxChunkSize]
		}
		if err := c.ex.Send(c.ctx, c.dataMsg(append([]byte(nil), chunk...))); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

// CloseWrite sends the half-close of this end.
func (c *StreamConn) CloseWrite() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeClosed.Swap(true) {
		return nil
	}
	return c.ex.Send(c.ctx, c.closeMsg())
}

// Close ends the stream. A stream still open in either direction is
// rejected.
func (c *StreamConn) Close() error {
	c.closeOnce.Do(func() {
		if !c.readEOF.Load() || !c.writeClosed.Load() {
			c.ex.Reject("connection closed")
		}
		c.cancel()
	})
	return nil
}

func (c *StreamConn) LocalAddr() net.Addr  { return streamAddr }
func (c *StreamConn) RemoteAddr() net.Addr { return streamAddr }

func (c *StreamConn) SetDeadline(t time.Time) error      { return errors.ErrUnsupported }
func (c *StreamConn) SetReadDeadline(t time.Time) error  { return errors.ErrUnsupported }
func (c *StreamConn) SetWriteDeadline(t time.Time) error { return errors.ErrUnsupported }

// halfCloser is implemented by connections that support half-close.
type halfCloser interface {
	CloseWrite() error
}

// relay copies data between a and b in both directions, passing EOF on as a
// half-close. A failure in either direction closes both.
func relay(a, b net.Conn) (aToB, bToA int64) {
	var wg sync.WaitGroup
	wg.Add(2)

	copyHalf := func(dst, src net.Conn, n *int64) {
		defer wg.Done()
		var err error
		*n, err = io.Copy(dst, src)
		if err != nil {
			dst.Close()
			src.Close()
			return
		}
		if hc, ok := dst.(halfCloser); ok {
			hc.CloseWrite()
		}
	}
	go copyHalf(b, a, &aToB)
	go copyHalf(a, b, &bToA)
	wg.Wait()

	a.Close()
	b.Close()
	return aToB, bToA
}

// Pump joins conn to a stream exchange until both directions have closed or
// either side fails. It returns the bytes sent to and received from the
// peer.
func Pump(ctx context.Context, ex *session.Exchange, conn net.Conn, end End) (sent, received int64) {
	sc := NewStreamConn(ex, end)
	stop := context.AfterFunc(ctx, func() {
		sc.Close()
		conn.Close()
	})
	defer stop()
	return relay(conn, sc)
}
