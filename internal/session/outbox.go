package session

import (
	"time"

	"github.com/postalsys/oxy/internal/protocol"
)

// enqueueControl queues a connection-scoped frame ahead of exchange
// traffic.
func (s *Session) enqueueControl(m protocol.Message) {
	s.outMu.Lock()
	s.control = append(s.control, &protocol.Frame{Message: m})
	s.outMu.Unlock()
	s.wakeWriter()
}

// schedule appends ex to the ready ring unless it is already there.
func (s *Session) schedule(ex *Exchange) {
	s.outMu.Lock()
	if !ex.scheduled && ex.pending() {
		ex.scheduled = true
		s.ring = append(s.ring, ex)
	}
	s.outMu.Unlock()
	s.wakeWriter()
}

func (s *Session) wakeWriter() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// nextFrame picks the next frame to write: control frames first, then one
// message from each ready exchange in turn.
func (s *Session) nextFrame() (*protocol.Frame, *Exchange, bool) {
	s.outMu.Lock()
	defer s.outMu.Unlock()

	if len(s.control) > 0 {
		f := s.control[0]
		s.control[0] = nil
		s.control = s.control[1:]
		s.inflight = true
		return f, nil, false
	}

	for len(s.ring) > 0 {
		ex := s.ring[0]
		s.ring[0] = nil
		s.ring = s.ring[1:]

		m, more, final := ex.popOut()
		if more {
			s.ring = append(s.ring, ex)
		} else {
			ex.scheduled = false
		}
		if m == nil {
			continue
		}
		s.inflight = true
		return frameFor(ex, m), ex, final
	}
	return nil, nil, false
}

func frameFor(ex *Exchange, m protocol.Message) *protocol.Frame {
	if protocol.IsOpener(m.Type()) || m.Type() == protocol.TypeBindConnectionAccepted {
		return &protocol.Frame{Reference: ex.ref, Message: m}
	}
	return protocol.NewFrame(m)
}

func (s *Session) writeDone() {
	s.outMu.Lock()
	s.inflight = false
	s.outMu.Unlock()
}

// idle reports whether every queued frame has been written.
func (s *Session) idle() bool {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	return len(s.control) == 0 && len(s.ring) == 0 && !s.inflight
}

// flush waits until the outbox drains, the session ends or the timeout
// passes.
func (s *Session) flush(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for !s.idle() && time.Now().Before(deadline) {
		select {
		case <-s.done:
			return
		case <-time.After(5 * time.Millisecond):
		}
	}
}
