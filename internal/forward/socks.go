package forward

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	socks5 "github.com/armon/go-socks5"

	"github.com/postalsys/oxy/internal/logging"
	"github.com/postalsys/oxy/internal/recovery"
)

// remoteResolver leaves host names unresolved so the peer looks them up.
type remoteResolver struct{}

func (remoteResolver) Resolve(ctx context.Context, name string) (context.Context, net.IP, error) {
	return ctx, nil, nil
}

// SOCKSServer is a local SOCKS5 proxy whose CONNECTs are dialled by the
// peer.
type SOCKSServer struct {
	server   *socks5.Server
	listener net.Listener
	logger   *slog.Logger

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewSOCKSServer creates a SOCKS5 server that dials through dialer.
func NewSOCKSServer(dialer Dialer, logger *slog.Logger) (*SOCKSServer, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	logger = logging.Component(logger, "socks")
	server, err := socks5.New(&socks5.Config{
		Resolver: remoteResolver{},
		Logger:   slog.NewLogLogger(logger.Handler(), slog.LevelDebug),
		Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			logger.Debug("socks connect", logging.KeyAddress, addr)
			return dialer.DialForward(ctx, addr)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create socks server: %w", err)
	}
	return &SOCKSServer{
		server: server,
		logger: logger,
		conns:  make(map[net.Conn]struct{}),
	}, nil
}

// Listen starts accepting SOCKS clients on addr.
func (s *SOCKSServer) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.logger.Info("socks proxy started", logging.KeyLocalAddr, ln.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Address returns the listening address.
func (s *SOCKSServer) Address() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *SOCKSServer) acceptLoop() {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "forward.SOCKSServer.acceptLoop")

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer recovery.RecoverWithLog(s.logger, "forward.SOCKSServer.serve")
			if err := s.server.ServeConn(conn); err != nil {
				s.logger.Debug("socks connection ended", logging.KeyError, err)
			}
			conn.Close()
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

// Close stops the proxy and closes every client connection.
func (s *SOCKSServer) Close() error {
	s.mu.Lock()
	s.closed = true
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.wg.Wait()
	return err
}
