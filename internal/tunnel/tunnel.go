// Package tunnel bridges TUN and TAP interfaces over a session. Each
// TunnelData message carries one packet (TUN) or one Ethernet frame (TAP).
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/postalsys/oxy/internal/logging"
	"github.com/postalsys/oxy/internal/metrics"
	"github.com/postalsys/oxy/internal/protocol"
	"github.com/postalsys/oxy/internal/recovery"
	"github.com/postalsys/oxy/internal/session"
)

// maxPacket fits the largest frame a TUN or TAP device hands out.
const maxPacket = 64 * 1024

// closeTimeout bounds the Success sent when a tunnel is stopped locally.
const closeTimeout = 5 * time.Second

// ErrDisabled is returned when tunnels are switched off.
var ErrDisabled = errors.New("tunnels are disabled")

// ErrUnsupported is returned on platforms without TUN/TAP support.
var ErrUnsupported = errors.New("tun/tap interfaces are not supported on this platform")

// Device is an open TUN or TAP interface.
type Device interface {
	io.ReadWriteCloser
	Name() string
}

// OpenFunc opens an interface. An empty name lets the kernel pick one.
type OpenFunc func(name string, tap bool) (Device, error)

// Kind names the interface type for logs.
func Kind(tap bool) string {
	if tap {
		return "tap"
	}
	return "tun"
}

// Handler serves TunnelRequest exchanges.
type Handler struct {
	enabled bool
	open    OpenFunc
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewHandler creates a tunnel handler using the platform's interfaces.
// m may be nil.
func NewHandler(enabled bool, m *metrics.Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Handler{
		enabled: enabled,
		open:    Open,
		metrics: m,
		logger:  logging.Component(logger, "tunnel"),
	}
}

// ServeTunnel opens the requested interface and bridges it until either
// side ends the tunnel.
func (h *Handler) ServeTunnel(ctx context.Context, ex *session.Exchange) {
	req := ex.Opener().(*protocol.TunnelRequest)
	logger := h.logger.With(logging.KeyReference, ex.Reference(), "interface", req.Name, "type", Kind(req.Tap))

	if !h.enabled {
		ex.Reject(ErrDisabled.Error())
		return
	}
	dev, err := h.open(req.Name, req.Tap)
	if err != nil {
		logger.Debug("open interface failed", logging.KeyError, err)
		ex.Reject(err.Error())
		return
	}

	logger.Info("tunnel up", "device", dev.Name())
	stats, err := Pump(ctx, ex, dev, logger)
	h.record(stats)
	logger.Info("tunnel down",
		"packets_in", stats.PacketsIn,
		"packets_out", stats.PacketsOut,
		logging.KeyError, err)
}

func (h *Handler) record(s Stats) {
	if h.metrics == nil {
		return
	}
	if s.BytesOut > 0 {
		h.metrics.RecordTransfer("tunnel_out", int(s.BytesOut))
	}
	if s.BytesIn > 0 {
		h.metrics.RecordTransfer("tunnel_in", int(s.BytesIn))
	}
}

// Stats counts the traffic of one tunnel. Out is towards the peer.
type Stats struct {
	PacketsOut, PacketsIn int64
	BytesOut, BytesIn     int64
}

// Pump bridges dev and a tunnel exchange. It returns nil when the peer
// ends the tunnel or ctx is cancelled, in which case this side ends it with
// Success. dev is closed on return.
func Pump(ctx context.Context, ex *session.Exchange, dev io.ReadWriteCloser, logger *slog.Logger) (Stats, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	ref := ex.Reference()
	var stats Stats

	readCtx, cancel := context.WithCancel(ctx)
	readDone := make(chan struct{})
	recovery.Go(logger, "tunnel read", func() {
		defer close(readDone)
		buf := make([]byte, maxPacket)
		for {
			n, err := dev.Read(buf)
			if err != nil {
				if readCtx.Err() == nil {
					ex.Reject(fmt.Sprintf("interface read: %v", err))
				}
				return
			}
			if n == 0 {
				continue
			}
			pkt := append([]byte(nil), buf[:n]...)
			if err := ex.Send(readCtx, &protocol.TunnelData{Reference: ref, Data: pkt}); err != nil {
				return
			}
			stats.PacketsOut++
			stats.BytesOut += int64(n)
		}
	})

	finish := func(err error) (Stats, error) {
		cancel()
		dev.Close()
		<-readDone
		return stats, err
	}

	for {
		m, err := ex.Recv(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return finish(nil)
			}
			if ctx.Err() != nil {
				sctx, scancel := context.WithTimeout(context.Background(), closeTimeout)
				ex.Send(sctx, &protocol.Success{Reference: ref})
				scancel()
				return finish(nil)
			}
			return finish(err)
		}
		data, ok := m.(*protocol.TunnelData)
		if !ok {
			continue
		}
		if _, err := dev.Write(data.Data); err != nil {
			logger.Debug("interface write failed", logging.KeyError, err)
			continue
		}
		stats.PacketsIn++
		stats.BytesIn += int64(len(data.Data))
	}
}

// Opener starts exchanges on a session.
type Opener interface {
	Open(ctx context.Context, opener protocol.Message) (*session.Exchange, error)
}

// Run asks the peer to open its interface remoteName and bridges dev to it
// until ctx is cancelled or the peer ends the tunnel.
func Run(ctx context.Context, s Opener, dev Device, remoteName string, tap bool, logger *slog.Logger) (Stats, error) {
	ex, err := s.Open(ctx, &protocol.TunnelRequest{Tap: tap, Name: remoteName})
	if err != nil {
		dev.Close()
		return Stats{}, err
	}
	return Pump(ctx, ex, dev, logger)
}
