package forward

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/postalsys/oxy/internal/logging"
	"github.com/postalsys/oxy/internal/protocol"
	"github.com/postalsys/oxy/internal/recovery"
	"github.com/postalsys/oxy/internal/session"
)

// RemoteForward asks the peer to listen on an address and connects every
// connection it accepts to a local target.
type RemoteForward struct {
	bind   *session.Exchange
	target string
	dialer net.Dialer
	logger *slog.Logger

	wg   sync.WaitGroup
	done chan struct{}
	err  error
}

// StartRemoteForward opens a RemoteBind for remoteAddr. Accepted
// connections are dialled to localTarget until Close.
func StartRemoteForward(ctx context.Context, s Opener, remoteAddr, localTarget string, logger *slog.Logger) (*RemoteForward, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	bind, err := s.Open(ctx, &protocol.RemoteBind{Addr: remoteAddr})
	if err != nil {
		return nil, err
	}
	rf := &RemoteForward{
		bind:   bind,
		target: localTarget,
		dialer: net.Dialer{Timeout: 10 * time.Second},
		logger: logging.Component(logger, "forward").With(
			logging.KeyReference, bind.Reference(),
			logging.KeyAddress, remoteAddr),
		done: make(chan struct{}),
	}
	go rf.acceptLoop(ctx)
	return rf, nil
}

func (rf *RemoteForward) acceptLoop(ctx context.Context) {
	defer close(rf.done)
	defer recovery.RecoverWithLog(rf.logger, "forward.RemoteForward.acceptLoop")

	for {
		child, err := rf.bind.Accept(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				rf.err = err
			}
			break
		}
		rf.wg.Add(1)
		go rf.serve(ctx, child)
	}
	rf.wg.Wait()
}

func (rf *RemoteForward) serve(ctx context.Context, child *session.Exchange) {
	defer rf.wg.Done()
	defer recovery.RecoverWithLog(rf.logger, "forward.RemoteForward.serve")

	conn, err := rf.dialer.DialContext(ctx, network(rf.target), rf.target)
	if err != nil {
		rf.logger.Debug("local dial failed", logging.KeyLocalAddr, rf.target, logging.KeyError, err)
		child.Reject(err.Error())
		return
	}
	sent, received := Pump(ctx, child, conn, LocalEnd)
	rf.logger.Debug("reverse connection closed", logging.KeyBytes, sent+received)
}

// Done is closed once the bind has ended and every connection finished.
func (rf *RemoteForward) Done() <-chan struct{} { return rf.done }

// Err returns why the bind ended, or nil after a Close or a clean end.
func (rf *RemoteForward) Err() error {
	select {
	case <-rf.done:
		return rf.err
	default:
		return nil
	}
}

// Close stops the remote listener. Open connections are closed with it.
func (rf *RemoteForward) Close(ctx context.Context) error {
	err := rf.bind.Send(ctx, &protocol.CloseRemoteBind{Reference: rf.bind.Reference()})
	select {
	case <-rf.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}
