// Package server is Bob's application layer: it answers the exchanges a
// client opens with the local shell, file, forwarding and tunnel
// capabilities.
package server

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/postalsys/oxy/internal/config"
	"github.com/postalsys/oxy/internal/filetransfer"
	"github.com/postalsys/oxy/internal/forward"
	"github.com/postalsys/oxy/internal/logging"
	"github.com/postalsys/oxy/internal/metrics"
	"github.com/postalsys/oxy/internal/mode"
	"github.com/postalsys/oxy/internal/session"
	"github.com/postalsys/oxy/internal/shell"
	"github.com/postalsys/oxy/internal/tunnel"
)

// Server dispatches inbound exchanges to the capability handlers.
type Server struct {
	cfg     *config.Config
	metrics *metrics.Metrics
	base    *slog.Logger
	logger  *slog.Logger

	shell   *shell.Handler
	files   *filetransfer.Handler
	forward *forward.Handler
	tunnel  *tunnel.Handler
}

// New creates a server from cfg. m may be nil.
func New(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *Server {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = logging.NopLogger()
	}

	executor := shell.NewExecutor(shell.Config{
		Enabled:     cfg.Shell.Enabled,
		Shell:       cfg.Shell.Shell,
		MaxSessions: cfg.Shell.MaxSessions,
	})

	return &Server{
		cfg:     cfg,
		metrics: m,
		base:    logger,
		logger:  logging.Component(logger, "server"),
		shell:   shell.NewHandler(executor, m, logger),
		files: filetransfer.NewHandler(filetransfer.Config{
			Enabled:      cfg.Files.Enabled,
			AllowedPaths: cfg.Files.AllowedPaths,
			RateLimit:    int64(cfg.Files.RateLimitBytes()),
			MaxUpload:    int64(cfg.Files.MaxUploadBytes()),
		}, m, logger),
		forward: forward.NewHandler(forward.HandlerConfig{
			Enabled:     cfg.Forward.Enabled,
			DialTimeout: cfg.Forward.DialTimeout,
		}, m, logger),
		tunnel: tunnel.NewHandler(cfg.Tunnel.Enabled, m, logger),
	}
}

// HandleOpen serves one exchange opened by the peer.
func (s *Server) HandleOpen(ctx context.Context, ex *session.Exchange) {
	s.logger.Debug("exchange opened",
		logging.KeyReference, ex.Reference(),
		logging.KeyKind, ex.Kind().String())

	switch ex.Kind() {
	case session.KindBasicCommand:
		s.shell.ServeBasic(ctx, ex, peerInfo(ctx))
	case session.KindPipeCommand:
		s.shell.ServePipe(ctx, ex, peerInfo(ctx))
	case session.KindPty:
		s.shell.ServePty(ctx, ex, peerInfo(ctx))
	case session.KindTunnel:
		s.tunnel.ServeTunnel(ctx, ex)
	default:
		if s.files.Serve(ctx, ex) || s.forward.Serve(ctx, ex) {
			return
		}
		ex.Reject("operation not supported")
	}
}

// peerInfo collects what the peer advertised on the session serving ctx.
func peerInfo(ctx context.Context) shell.PeerInfo {
	s, ok := session.FromContext(ctx)
	if !ok {
		return shell.PeerInfo{}
	}
	return shell.PeerInfo{
		Username:    s.Username(),
		XAuthCookie: s.XAuthCookie(),
	}
}

// SessionConfig returns the session settings for serving conn as Bob.
func (s *Server) SessionConfig() session.Config {
	scfg := session.DefaultConfig(mode.Bob)
	scfg.HandshakeTimeout = s.cfg.Session.HandshakeTimeout
	scfg.KeepaliveInterval = s.cfg.Session.KeepaliveInterval
	scfg.KeepaliveTimeout = s.cfg.Session.KeepaliveTimeout
	scfg.QueueSize = s.cfg.Session.QueueSize
	scfg.Handler = s
	scfg.Logger = s.base
	scfg.Metrics = s.metrics
	return scfg
}

// Serve runs a Bob session over an established encrypted stream until it
// ends or ctx is cancelled.
func (s *Server) Serve(ctx context.Context, conn io.ReadWriteCloser) error {
	sess := session.New(conn, s.SessionConfig())
	logger := s.logger.With(logging.KeySessionID, sess.ID())

	start := time.Now()
	logger.Info("session started")
	err := sess.Run(ctx)
	logger.Info("session ended",
		logging.KeyDuration, time.Since(start),
		logging.KeyError, err)
	return err
}
