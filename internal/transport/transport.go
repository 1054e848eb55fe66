// Package transport provides the raw duplex byte streams a session runs
// over. Every transport yields a net.Conn; framing and encryption live
// above this layer.
package transport

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// TransportType identifies a transport protocol.
type TransportType string

const (
	TransportTCP       TransportType = "tcp"
	TransportWebSocket TransportType = "ws"
	TransportQUIC      TransportType = "quic"
)

// String returns the string representation of the transport type.
func (t TransportType) String() string {
	return string(t)
}

// ParseTransportType parses a transport name as used in config files and
// on the command line.
func ParseTransportType(s string) (TransportType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "tcp":
		return TransportTCP, nil
	case "ws", "websocket":
		return TransportWebSocket, nil
	case "quic":
		return TransportQUIC, nil
	default:
		return "", fmt.Errorf("unknown transport %q", s)
	}
}

// Transport dials and listens for raw session streams.
type Transport interface {
	// Dial connects to a remote peer.
	Dial(ctx context.Context, addr string) (net.Conn, error)

	// Listen starts accepting connections on addr.
	Listen(addr string) (Listener, error)

	// Type returns the transport type.
	Type() TransportType
}

// Listener accepts incoming session streams.
type Listener interface {
	// Accept waits for the next connection or until ctx ends.
	Accept(ctx context.Context) (net.Conn, error)

	// Addr returns the listener's network address.
	Addr() net.Addr

	// Close stops the listener.
	Close() error
}

// Options configures a transport.
type Options struct {
	// Timeout bounds a single dial attempt.
	Timeout time.Duration

	// Proxy is an upstream proxy URL, socks5://[user:pass@]host:port for
	// TCP and WebSocket, http(s):// for WebSocket only.
	Proxy string

	// Path is the HTTP path of the WebSocket endpoint.
	Path string

	// CertFile and KeyFile select the listener certificate for QUIC and
	// secure WebSocket. A self-signed certificate is generated when empty.
	CertFile string
	KeyFile  string

	// TLS enables wss:// for the WebSocket transport.
	TLS bool
}

// DefaultOptions returns the default transport options.
func DefaultOptions() Options {
	return Options{
		Timeout: 30 * time.Second,
		Path:    DefaultWSPath,
	}
}

// New returns the transport of the given type.
func New(t TransportType, opts Options) (Transport, error) {
	switch t {
	case TransportTCP:
		return NewTCPTransport(opts), nil
	case TransportWebSocket:
		return NewWebSocketTransport(opts), nil
	case TransportQUIC:
		return NewQUICTransport(opts), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", t)
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}
