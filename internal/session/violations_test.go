package session

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/postalsys/oxy/internal/mode"
	"github.com/postalsys/oxy/internal/protocol"
)

// rawPeer speaks frames directly so tests can misbehave on purpose.
type rawPeer struct {
	t    *testing.T
	conn net.Conn
	r    *protocol.FrameReader
	w    *protocol.FrameWriter
}

func (p *rawPeer) send(ref uint64, m protocol.Message) {
	p.t.Helper()
	p.conn.SetWriteDeadline(time.Now().Add(testTimeout))
	if _, err := p.w.Write(&protocol.Frame{Reference: ref, Message: m}); err != nil {
		p.t.Fatalf("raw send %s: %v", protocol.TypeName(m.Type()), err)
	}
}

func (p *rawPeer) recv() *protocol.Frame {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(testTimeout))
	f, err := p.r.Read()
	if err != nil {
		p.t.Fatalf("raw recv: %v", err)
	}
	return f
}

// startRaw runs a session for perspective p against a raw peer.
func startRaw(t *testing.T, p mode.Perspective, cfg func(*Config)) (*Session, *rawPeer, <-chan error) {
	t.Helper()
	c1, c2 := net.Pipe()
	config := DefaultConfig(p)
	if cfg != nil {
		cfg(&config)
	}
	s := New(c1, config)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()
	t.Cleanup(func() {
		s.Close()
		c2.Close()
	})

	return s, &rawPeer{t: t, conn: c2, r: protocol.NewFrameReader(c2), w: protocol.NewFrameWriter(c2)}, errCh
}

// handshakeAsAlice completes the preamble against a Bob session.
func (p *rawPeer) handshakeAsAlice() {
	p.t.Helper()
	p.send(0, &protocol.ProtocolVersionQuery{})
	f := p.recv()
	if _, ok := f.Message.(*protocol.ProtocolVersionAnnounce); !ok {
		p.t.Fatalf("expected announce, got %s", f)
	}
}

func waitErr(t *testing.T, errCh <-chan error, want error) {
	t.Helper()
	select {
	case err := <-errCh:
		if !errors.Is(err, want) {
			t.Fatalf("Run() error = %v, want %v", err, want)
		}
	case <-time.After(testTimeout):
		t.Fatalf("timeout waiting for %v", want)
	}
}

func drain(conn net.Conn) {
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()
}

func TestVersionMismatchIsFatal(t *testing.T) {
	_, peer, errCh := startRaw(t, mode.Alice, nil)

	f := peer.recv()
	if _, ok := f.Message.(*protocol.ProtocolVersionQuery); !ok {
		t.Fatalf("expected version query, got %s", f)
	}
	peer.send(0, &protocol.ProtocolVersionAnnounce{Version: protocol.ProtocolVersion + 1})
	waitErr(t, errCh, ErrVersionMismatch)
}

func TestOpenerBeforePreambleIsFatal(t *testing.T) {
	_, peer, errCh := startRaw(t, mode.Bob, nil)

	peer.send(1, &protocol.StatRequest{Path: "/"})
	waitErr(t, errCh, ErrHandshake)
}

func TestAnnounceToBobIsFatal(t *testing.T) {
	_, peer, errCh := startRaw(t, mode.Bob, nil)

	peer.send(0, &protocol.ProtocolVersionAnnounce{Version: protocol.ProtocolVersion})
	waitErr(t, errCh, ErrHandshake)
}

func TestHandshakeTimeout(t *testing.T) {
	_, peer, errCh := startRaw(t, mode.Alice, func(c *Config) {
		c.HandshakeTimeout = 50 * time.Millisecond
	})
	drain(peer.conn)
	waitErr(t, errCh, ErrHandshakeTimeout)
}

func TestUnknownReferenceIsFatal(t *testing.T) {
	_, peer, errCh := startRaw(t, mode.Bob, nil)
	peer.handshakeAsAlice()

	peer.send(99, &protocol.Success{Reference: 99})
	waitErr(t, errCh, ErrUnknownReference)
}

func TestWrongParityIsFatal(t *testing.T) {
	_, peer, errCh := startRaw(t, mode.Bob, nil)
	peer.handshakeAsAlice()

	// Alice may only open odd references.
	peer.send(4, &protocol.StatRequest{Path: "/"})
	waitErr(t, errCh, ErrProtocolViolation)
}

func TestLiveReferenceReuseIsFatal(t *testing.T) {
	_, peer, errCh := startRaw(t, mode.Bob, func(c *Config) {
		c.Handler = HandlerFunc(func(ctx context.Context, ex *Exchange) { <-ctx.Done() })
	})
	peer.handshakeAsAlice()

	peer.send(1, &protocol.PipeCommand{Command: "cat"})
	peer.send(1, &protocol.PipeCommand{Command: "cat"})
	waitErr(t, errCh, ErrReferenceReused)
}

func TestMalformedFrameIsFatal(t *testing.T) {
	_, peer, errCh := startRaw(t, mode.Bob, nil)
	peer.handshakeAsAlice()

	// Unknown message type 0xEE with an empty payload.
	peer.conn.Write([]byte{0xEE, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	waitErr(t, errCh, ErrDecode)
}

func TestKeepaliveTimeout(t *testing.T) {
	_, peer, errCh := startRaw(t, mode.Bob, func(c *Config) {
		c.KeepaliveInterval = 20 * time.Millisecond
		c.KeepaliveTimeout = 20 * time.Millisecond
	})
	peer.handshakeAsAlice()
	// Read pings but never answer them.
	drain(peer.conn)
	waitErr(t, errCh, ErrKeepaliveTimeout)
}

func TestKeepaliveAnswered(t *testing.T) {
	s, peer, _ := startRaw(t, mode.Bob, nil)
	peer.handshakeAsAlice()

	peer.send(0, &protocol.Ping{})
	if f := peer.recv(); f.Message.Type() != protocol.TypePong {
		t.Fatalf("expected pong, got %s", f)
	}
	peer.send(0, &protocol.DummyMessage{Data: []byte("chaff")})
	peer.send(0, &protocol.Ping{})
	if f := peer.recv(); f.Message.Type() != protocol.TypePong {
		t.Fatalf("expected pong after chaff, got %s", f)
	}
	select {
	case <-s.Done():
		t.Fatalf("session ended: %v", s.Err())
	default:
	}
}

func TestViolationRejectsOnlyThatExchange(t *testing.T) {
	s, peer, _ := startRaw(t, mode.Bob, func(c *Config) {
		c.Handler = HandlerFunc(func(ctx context.Context, ex *Exchange) { <-ex.Done() })
	})
	peer.handshakeAsAlice()

	peer.send(1, &protocol.StatRequest{Path: "/"})
	// FileData is not part of a stat exchange.
	peer.send(1, &protocol.FileData{Reference: 1, Data: []byte("x")})

	f := peer.recv()
	rej, ok := f.Message.(*protocol.Reject)
	if !ok || f.Reference != 1 {
		t.Fatalf("expected Reject for 1, got %s", f)
	}
	if rej.Note == "" {
		t.Error("Reject note is empty")
	}

	// Late frames for the rejected exchange are dropped, not fatal.
	peer.send(1, &protocol.FileData{Reference: 1, Data: []byte("y")})
	peer.send(0, &protocol.Ping{})
	if f := peer.recv(); f.Message.Type() != protocol.TypePong {
		t.Fatalf("expected pong, got %s", f)
	}
	select {
	case <-s.Done():
		t.Fatalf("session ended: %v", s.Err())
	default:
	}
}

func TestSecondPtyRequestRejected(t *testing.T) {
	_, peer, _ := startRaw(t, mode.Bob, func(c *Config) {
		c.Handler = HandlerFunc(func(ctx context.Context, ex *Exchange) {
			ex.Send(ctx, &protocol.Success{Reference: ex.Reference()})
			<-ex.Done()
		})
	})
	peer.handshakeAsAlice()

	peer.send(1, &protocol.PtyRequest{Command: "bash"})
	if f := peer.recv(); f.Message.Type() != protocol.TypeSuccess || f.Reference != 1 {
		t.Fatalf("expected Success for 1, got %s", f)
	}
	peer.send(3, &protocol.PtyRequest{Command: "bash"})
	f := peer.recv()
	rej, ok := f.Message.(*protocol.Reject)
	if !ok || f.Reference != 3 {
		t.Fatalf("expected Reject for 3, got %s", f)
	}
	if rej.Note != "pty already active" {
		t.Errorf("Reject note = %q", rej.Note)
	}
}

func TestTombstoneReleasedAfterPong(t *testing.T) {
	s, peer, _ := startRaw(t, mode.Bob, func(c *Config) {
		c.Handler = HandlerFunc(func(ctx context.Context, ex *Exchange) {
			ex.Send(ctx, &protocol.StatResult{Reference: ex.Reference()})
		})
	})
	peer.handshakeAsAlice()

	peer.send(1, &protocol.StatRequest{Path: "/"})
	if f := peer.recv(); f.Message.Type() != protocol.TypeStatResult {
		t.Fatalf("expected StatResult, got %s", f)
	}

	waitFor(t, "tombstone", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		epoch, ok := s.tombs[1]
		return ok && epoch != pendingEpoch
	})

	// A frame sent before the peer saw the result is dropped.
	peer.send(1, &protocol.Reject{Reference: 1, Note: "cancelled"})

	// Bob pings; answering proves the result was processed.
	s.enqueueControl(&protocol.Ping{})
	if f := peer.recv(); f.Message.Type() != protocol.TypePing {
		t.Fatalf("expected ping, got %s", f)
	}
	peer.send(0, &protocol.Pong{})

	waitFor(t, "tombstone release", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, ok := s.tombs[1]
		return !ok
	})
	select {
	case <-s.Done():
		t.Fatalf("session ended: %v", s.Err())
	default:
	}
}

func TestFinalFrameWrittenBeforeClosing(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	s := New(c1, DefaultConfig(mode.Bob))

	ex := newExchange(1, KindStat, Responder, 0, &protocol.StatRequest{Path: "/"}, s.cfg.QueueSize, s)
	s.live[1] = ex
	s.pingsWritten = 3

	// The writer sealed the reference before closing ran.
	s.seal(1)
	if epoch, ok := s.tombs[1]; ok {
		t.Fatalf("tombstone %d before closing", epoch)
	}
	s.closing(ex)

	if epoch, ok := s.tombs[1]; !ok || epoch != 3 {
		t.Fatalf("tombstone = %d, %v; want 3", epoch, ok)
	}
	if len(s.earlySeals) != 0 || len(s.sealWith) != 0 {
		t.Fatalf("leftover seal state: early=%v with=%v", s.earlySeals, s.sealWith)
	}
}

func TestUnencodableMessageRejectsOnlyItsExchange(t *testing.T) {
	_, peer, _ := startRaw(t, mode.Bob, func(c *Config) {
		c.Handler = HandlerFunc(func(ctx context.Context, ex *Exchange) {
			if _, ok := ex.Opener().(*protocol.StatRequest); ok {
				ex.Send(ctx, &protocol.StatResult{Reference: ex.Reference()})
				return
			}
			// Queue a listing Send would have refused.
			ex.mu.Lock()
			ex.out = append(ex.out, &protocol.ReadDirResult{Reference: ex.ref, Answers: []string{"bad\xff"}})
			ex.mu.Unlock()
			ex.mux.schedule(ex)
			ex.Recv(ctx)
		})
	})
	peer.handshakeAsAlice()

	peer.send(1, &protocol.ReadDir{Path: "/"})
	f := peer.recv()
	rej, ok := f.Message.(*protocol.Reject)
	if !ok || f.Reference != 1 || rej.Note != encodeFailureNote {
		t.Fatalf("expected Reject of 1, got %s", f)
	}

	peer.send(3, &protocol.StatRequest{Path: "/"})
	if f := peer.recv(); f.Message.Type() != protocol.TypeStatResult || f.Reference != 3 {
		t.Fatalf("expected StatResult for 3, got %s", f)
	}
}
