package forward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/postalsys/oxy/internal/logging"
	"github.com/postalsys/oxy/internal/metrics"
	"github.com/postalsys/oxy/internal/protocol"
	"github.com/postalsys/oxy/internal/recovery"
	"github.com/postalsys/oxy/internal/session"
)

// ErrDisabled is returned when forwarding is switched off.
var ErrDisabled = errors.New("forwarding is disabled")

// HandlerConfig controls the forwarding the peer may request.
type HandlerConfig struct {
	Enabled bool

	// DialTimeout bounds RemoteOpen connects.
	DialTimeout time.Duration
}

// DefaultHandlerConfig returns sensible defaults.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		Enabled:     true,
		DialTimeout: 10 * time.Second,
	}
}

// Handler serves RemoteOpen, RemoteBind and KnockForward exchanges.
type Handler struct {
	cfg     HandlerConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewHandler creates a new forward handler. m may be nil.
func NewHandler(cfg HandlerConfig, m *metrics.Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Handler{
		cfg:     cfg,
		metrics: m,
		logger:  logging.Component(logger, "forward"),
	}
}

// Serve handles ex if it is a forwarding exchange and reports whether it
// did.
func (h *Handler) Serve(ctx context.Context, ex *session.Exchange) bool {
	switch ex.Kind() {
	case session.KindRemoteOpen:
		h.ServeRemoteOpen(ctx, ex)
	case session.KindRemoteBind:
		h.ServeRemoteBind(ctx, ex)
	case session.KindKnock:
		h.ServeKnock(ctx, ex)
	default:
		return false
	}
	return true
}

// network picks the socket family of an address: absolute paths are Unix
// sockets, everything else is TCP.
func network(addr string) string {
	if strings.HasPrefix(addr, "/") {
		return "unix"
	}
	return "tcp"
}

func (h *Handler) recordTransfer(sent, received int64) {
	if h.metrics == nil {
		return
	}
	if sent > 0 {
		h.metrics.RecordTransfer("forward_out", int(sent))
	}
	if received > 0 {
		h.metrics.RecordTransfer("forward_in", int(received))
	}
}

// ServeRemoteOpen dials the requested address and relays it as the remote
// end of the stream.
func (h *Handler) ServeRemoteOpen(ctx context.Context, ex *session.Exchange) {
	req := ex.Opener().(*protocol.RemoteOpen)
	logger := h.logger.With(logging.KeyReference, ex.Reference(), logging.KeyAddress, req.Addr)

	if !h.cfg.Enabled {
		ex.Reject(ErrDisabled.Error())
		return
	}

	d := net.Dialer{Timeout: h.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, network(req.Addr), req.Addr)
	if err != nil {
		logger.Debug("remote open failed", logging.KeyError, err)
		ex.Reject(err.Error())
		return
	}

	logger.Debug("remote open connected")
	start := time.Now()
	sent, received := Pump(ctx, ex, conn, RemoteEnd)
	h.recordTransfer(sent, received)
	logger.Debug("remote open closed",
		logging.KeyBytes, sent+received,
		logging.KeyDuration, time.Since(start))
}

// ServeRemoteBind listens on the requested address and opens a child stream
// per accepted connection until the peer sends CloseRemoteBind.
func (h *Handler) ServeRemoteBind(ctx context.Context, ex *session.Exchange) {
	req := ex.Opener().(*protocol.RemoteBind)
	logger := h.logger.With(logging.KeyReference, ex.Reference(), logging.KeyAddress, req.Addr)

	if !h.cfg.Enabled {
		ex.Reject(ErrDisabled.Error())
		return
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, network(req.Addr), req.Addr)
	if err != nil {
		logger.Debug("remote bind failed", logging.KeyError, err)
		ex.Reject(err.Error())
		return
	}
	logger.Info("remote bind listening", logging.KeyLocalAddr, ln.Addr().String())

	var wg sync.WaitGroup
	var mu sync.Mutex
	conns := make(map[net.Conn]struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer recovery.RecoverWithLog(logger, "forward.Handler.bindAccept")
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			child, err := ex.Spawn()
			if err != nil {
				conn.Close()
				return
			}
			logger.Debug("bind connection accepted",
				logging.KeyRemoteAddr, conn.RemoteAddr().String(),
				"child", child.Reference())

			mu.Lock()
			conns[conn] = struct{}{}
			mu.Unlock()

			wg.Add(1)
			go func() {
				defer wg.Done()
				defer recovery.RecoverWithLog(logger, "forward.Handler.bindStream")
				sent, received := Pump(ctx, child, conn, RemoteEnd)
				h.recordTransfer(sent, received)
				mu.Lock()
				delete(conns, conn)
				mu.Unlock()
			}()
		}
	}()

	// CloseRemoteBind is the only message the initiator sends.
	for {
		if _, err := ex.Recv(ctx); err != nil {
			break
		}
	}

	ln.Close()
	mu.Lock()
	for conn := range conns {
		conn.Close()
	}
	mu.Unlock()
	wg.Wait()
	logger.Info("remote bind closed")
}

// ServeKnock sends the knock bytes as one UDP datagram to the destination.
func (h *Handler) ServeKnock(ctx context.Context, ex *session.Exchange) {
	req := ex.Opener().(*protocol.KnockForward)

	if !h.cfg.Enabled {
		ex.Reject(ErrDisabled.Error())
		return
	}
	if err := sendKnock(ctx, req.Destination, req.Knock, h.cfg.DialTimeout); err != nil {
		h.logger.Debug("knock failed", logging.KeyAddress, req.Destination, logging.KeyError, err)
		ex.Reject(err.Error())
		return
	}
	h.logger.Debug("knock sent", logging.KeyAddress, req.Destination, logging.KeyBytes, len(req.Knock))
	ex.Send(ctx, &protocol.Success{Reference: ex.Reference()})
}

func sendKnock(ctx context.Context, dest string, knock []byte, timeout time.Duration) error {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "udp", dest)
	if err != nil {
		return err
	}
	defer conn.Close()
	n, err := conn.Write(knock)
	if err != nil {
		return err
	}
	if n != len(knock) {
		return fmt.Errorf("short knock write: %d of %d bytes", n, len(knock))
	}
	return nil
}
