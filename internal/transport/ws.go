package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

const (
	// DefaultWSPath is the HTTP path of the WebSocket endpoint.
	DefaultWSPath = "/oxy"

	// WSSubprotocol is the WebSocket subprotocol announced by both sides.
	WSSubprotocol = "oxy/1"

	// wsReadLimit must exceed the largest encrypted record.
	wsReadLimit = 1 << 20
)

// WebSocketTransport carries sessions over a single binary WebSocket.
// Writes map to messages; reads see a plain byte stream.
type WebSocketTransport struct {
	opts Options
}

// NewWebSocketTransport creates a new WebSocket transport.
func NewWebSocketTransport(opts Options) *WebSocketTransport {
	return &WebSocketTransport{opts: opts}
}

// Type returns the transport type.
func (t *WebSocketTransport) Type() TransportType {
	return TransportWebSocket
}

// Dial connects to addr, which is either host:port or a ws:// or wss:// URL.
func (t *WebSocketTransport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	wsURL := parseWebSocketURL(addr, t.opts)

	httpClient, err := buildHTTPClient(t.opts)
	if err != nil {
		return nil, err
	}

	dctx, cancel := withTimeout(ctx, t.opts.Timeout)
	defer cancel()

	conn, _, err := websocket.Dial(dctx, wsURL, &websocket.DialOptions{
		HTTPClient:   httpClient,
		Subprotocols: []string{WSSubprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", wsURL, err)
	}
	conn.SetReadLimit(wsReadLimit)

	return websocket.NetConn(context.Background(), conn, websocket.MessageBinary), nil
}

// Listen starts an HTTP server on addr that upgrades requests on the
// configured path.
func (t *WebSocketTransport) Listen(addr string) (Listener, error) {
	path := t.opts.Path
	if path == "" {
		path = DefaultWSPath
	}

	var tlsConfig *tls.Config
	if t.opts.TLS {
		var err error
		if tlsConfig, err = listenerTLSConfig(t.opts, "http/1.1"); err != nil {
			return nil, err
		}
	}

	l := &WebSocketListener{
		path:    path,
		connCh:  make(chan net.Conn, 16),
		closeCh: make(chan struct{}),
	}
	if err := l.start(addr, tlsConfig); err != nil {
		return nil, err
	}
	return l, nil
}

// WebSocketListener accepts WebSocket upgrades.
type WebSocketListener struct {
	path    string
	server  *http.Server
	netLn   net.Listener
	connCh  chan net.Conn
	closeCh chan struct{}
	closed  atomic.Bool
	mu      sync.Mutex
}

func (l *WebSocketListener) start(addr string, tlsConfig *tls.Config) error {
	mux := http.NewServeMux()
	mux.HandleFunc(l.path, l.handleWebSocket)

	l.server = &http.Server{
		Handler:           mux,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("websocket listen %s: %w", addr, err)
	}
	l.netLn = ln

	go func() {
		if tlsConfig != nil {
			l.server.ServeTLS(ln, "", "")
		} else {
			l.server.Serve(ln)
		}
	}()
	return nil
}

func (l *WebSocketListener) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if l.closed.Load() {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{WSSubprotocol},
	})
	if err != nil {
		return
	}
	if conn.Subprotocol() != WSSubprotocol {
		conn.Close(websocket.StatusPolicyViolation, "unsupported subprotocol")
		return
	}
	conn.SetReadLimit(wsReadLimit)

	// The request context ends when this handler returns.
	nc := websocket.NetConn(context.Background(), conn, websocket.MessageBinary)

	select {
	case l.connCh <- nc:
	case <-l.closeCh:
		conn.Close(websocket.StatusGoingAway, "server closed")
	}
}

// Accept waits for the next upgraded connection.
func (l *WebSocketListener) Accept(ctx context.Context) (net.Conn, error) {
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
func (l *WebSocketListener) Addr() net.Addr {
	return l.netLn.Addr()
}

// Close stops the HTTP server. Connections already accepted stay open.
func (l *WebSocketListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	close(l.closeCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return l.server.Shutdown(ctx)
}

// parseWebSocketURL turns host:port into a URL on the configured path.
func parseWebSocketURL(addr string, opts Options) string {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return addr
	}
	path := opts.Path
	if path == "" {
		path = DefaultWSPath
	}
	scheme := "ws"
	if opts.TLS {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s%s", scheme, addr, path)
}

// buildHTTPClient creates the upgrade client. Certificates are not
// verified; the session handshake authenticates the peer.
func buildHTTPClient(opts Options) (*http.Client, error) {
	transport := &http.Transport{
		TLSClientConfig: clientTLSConfig("http/1.1"),
	}

	if opts.Proxy != "" {
		proxyURL, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &http.Client{Transport: transport}, nil
}
