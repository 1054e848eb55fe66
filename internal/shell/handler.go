package shell

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/postalsys/oxy/internal/logging"
	"github.com/postalsys/oxy/internal/metrics"
	"github.com/postalsys/oxy/internal/protocol"
	"github.com/postalsys/oxy/internal/recovery"
	"github.com/postalsys/oxy/internal/session"
)

// maxBasicOutput bounds each captured stream of a BasicCommand so the
// reply fits in one frame.
const maxBasicOutput = protocol.MaxPayloadSize/2 - 64

// Handler serves command and pty exchanges.
type Handler struct {
	executor *Executor
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewHandler creates a new shell handler. m may be nil.
func NewHandler(executor *Executor, m *metrics.Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Handler{
		executor: executor,
		metrics:  m,
		logger:   logging.Component(logger, "shell"),
	}
}

func (h *Handler) started(kind string) time.Time {
	if h.metrics != nil {
		h.metrics.RecordCommandStart(kind)
	}
	return time.Now()
}

func (h *Handler) ended(start time.Time) {
	if h.metrics != nil {
		h.metrics.RecordCommandEnd(time.Since(start))
	}
}

// ServeBasic runs a BasicCommand to completion and replies with its
// captured output.
func (h *Handler) ServeBasic(ctx context.Context, ex *session.Exchange, peer PeerInfo) {
	req := ex.Opener().(*protocol.BasicCommand)
	logger := h.logger.With(logging.KeyReference, ex.Reference(), logging.KeyCommand, req.Command)

	start := h.started(session.KindBasicCommand.String())
	defer h.ended(start)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-ex.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	out, err := h.executor.Run(runCtx, req.Command, peer, maxBasicOutput)
	if err != nil {
		logger.Debug("command failed", logging.KeyError, err)
		ex.Reject(err.Error())
		return
	}
	logger.Debug("command finished", logging.KeyExitCode, out.Status)
	ex.Send(ctx, &protocol.BasicCommandOutput{
		Reference: ex.Reference(),
		Stdout:    out.Stdout,
		Stderr:    out.Stderr,
	})
}

// ServePipe runs a PipeCommand, streaming its output and feeding it the
// peer's input until the process exits.
func (h *Handler) ServePipe(ctx context.Context, ex *session.Exchange, peer PeerInfo) {
	req := ex.Opener().(*protocol.PipeCommand)
	ref := ex.Reference()
	logger := h.logger.With(logging.KeyReference, ref, logging.KeyCommand, req.Command)

	sess, err := h.executor.StartPipe(ctx, req.Command, peer)
	if err != nil {
		ex.Reject(err.Error())
		return
	}
	defer sess.Close()

	start := h.started(session.KindPipeCommand.String())
	defer h.ended(start)

	// A rejected exchange kills the process.
	go func() {
		<-ex.Done()
		sess.Close()
	}()

	recovery.Go(logger, "pipe input", func() {
		pumpInput(ctx, ex, func(m protocol.Message) (bool, error) {
			in, ok := m.(*protocol.PipeCommandInput)
			if !ok {
				return true, nil
			}
			if len(in.Input) == 0 {
				return false, sess.Stdin.Close()
			}
			_, err := sess.Stdin.Write(in.Input)
			return true, err
		})
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pumpOutput(ctx, sess.Stdout, func(b []byte) protocol.Message {
			return &protocol.PipeCommandOutput{Reference: ref, Stdout: b}
		}, ex)
	}()
	go func() {
		defer wg.Done()
		pumpOutput(ctx, sess.Stderr, func(b []byte) protocol.Message {
			return &protocol.PipeCommandOutput{Reference: ref, Stderr: b}
		}, ex)
	}()
	wg.Wait()

	status := sess.Wait()
	logger.Debug("command exited", logging.KeyExitCode, status)
	ex.Send(ctx, &protocol.PipeCommandExited{Reference: ref, Status: status})
}

// ServePty runs a PtyRequest. Success activates the exchange; size
// advertisements resize the terminal.
func (h *Handler) ServePty(ctx context.Context, ex *session.Exchange, peer PeerInfo) {
	req := ex.Opener().(*protocol.PtyRequest)
	ref := ex.Reference()
	logger := h.logger.With(logging.KeyReference, ref, logging.KeyCommand, req.Command)

	p, err := h.executor.StartPty(ctx, req.Command, peer)
	if err != nil {
		ex.Reject(err.Error())
		return
	}
	defer p.Close()

	if err := ex.Send(ctx, &protocol.Success{Reference: ref}); err != nil {
		return
	}

	start := h.started(session.KindPty.String())
	defer h.ended(start)

	go func() {
		<-ex.Done()
		p.Close()
	}()

	recovery.Go(logger, "pty input", func() {
		pumpInput(ctx, ex, func(m protocol.Message) (bool, error) {
			switch m := m.(type) {
			case *protocol.PtyInput:
				_, err := p.Write(m.Data)
				return true, err
			case *protocol.PtySizeAdvertisement:
				if err := p.Resize(m.H, m.W); err != nil {
					logger.Debug("resize failed", logging.KeyError, err)
				}
			}
			return true, nil
		})
	})

	pumpOutput(ctx, p, func(b []byte) protocol.Message {
		return &protocol.PtyOutput{Reference: ref, Data: b}
	}, ex)

	status := p.Wait()
	logger.Debug("pty exited", logging.KeyExitCode, status)
	ex.Send(ctx, &protocol.PtyExited{Reference: ref, Status: status})
}

// pumpInput feeds inbound messages to handle until it returns false, fails
// or the exchange ends.
func pumpInput(ctx context.Context, ex *session.Exchange, handle func(protocol.Message) (bool, error)) {
	for {
		m, err := ex.Recv(ctx)
		if err != nil {
			return
		}
		more, err := handle(m)
		if err != nil || !more {
			return
		}
	}
}

// pumpOutput sends r to the peer in chunks of at most MaxChunkSize until
// EOF or until the exchange stops accepting data.
func pumpOutput(ctx context.Context, r io.Reader, wrap func([]byte) protocol.Message, ex *session.Exchange) {
	buf := make([]byte, protocol.MaxChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if serr := ex.Send(ctx, wrap(chunk)); serr != nil {
				io.Copy(io.Discard, r)
				return
			}
		}
		if err != nil {
			return
		}
	}
}
