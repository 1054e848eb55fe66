// Package session multiplexes exchanges over one ordered, reliable duplex
// byte stream. A Session owns the stream: it runs the version preamble,
// keeps the connection alive, routes inbound frames to their exchanges and
// interleaves outbound traffic fairly.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/postalsys/oxy/internal/logging"
	"github.com/postalsys/oxy/internal/metrics"
	"github.com/postalsys/oxy/internal/mode"
	"github.com/postalsys/oxy/internal/protocol"
	"github.com/postalsys/oxy/internal/recovery"
)

// Default configuration values.
const (
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultKeepaliveInterval = 30 * time.Second
	DefaultKeepaliveTimeout  = 10 * time.Second
	DefaultQueueSize         = 64
)

// encodeFailureNote replaces a message that could not be encoded.
const encodeFailureNote = "internal error: message could not be encoded"

// pendingEpoch marks a tombstone whose terminal frame is not yet written.
const pendingEpoch = math.MaxUint64

// Handler serves exchanges opened by the peer. HandleOpen runs in its own
// goroutine and owns ex until it returns; an exchange that is still open
// when HandleOpen returns is rejected.
type Handler interface {
	HandleOpen(ctx context.Context, ex *Exchange)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ex *Exchange)

// HandleOpen calls f(ctx, ex).
func (f HandlerFunc) HandleOpen(ctx context.Context, ex *Exchange) { f(ctx, ex) }

// Config configures a Session.
type Config struct {
	Perspective       mode.Perspective
	HandshakeTimeout  time.Duration
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
	// QueueSize bounds each exchange's outbound queue.
	QueueSize int
	Handler   Handler
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// DefaultConfig returns a Config with default timeouts for perspective p.
func DefaultConfig(p mode.Perspective) Config {
	return Config{
		Perspective:       p,
		HandshakeTimeout:  DefaultHandshakeTimeout,
		KeepaliveInterval: DefaultKeepaliveInterval,
		KeepaliveTimeout:  DefaultKeepaliveTimeout,
		QueueSize:         DefaultQueueSize,
	}
}

func (c *Config) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.KeepaliveTimeout <= 0 {
		c.KeepaliveTimeout = DefaultKeepaliveTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
}

// Session is one protocol conversation between Alice and Bob.
type Session struct {
	id      string
	cfg     Config
	conn    io.ReadWriteCloser
	counter *countingReader
	reader  *protocol.FrameReader
	writer  *protocol.FrameWriter
	logger  *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	alloc       *allocator
	live        map[uint64]*Exchange
	tombs       map[uint64]uint64
	sealWith    map[uint64][]uint64
	// epochs of final frames written before closing ran
	earlySeals  map[uint64]uint64
	pty         *Exchange
	username    string
	xauth       string
	peerVersion uint64
	pongs       uint64
	err         error

	outMu    sync.Mutex
	control  []*protocol.Frame
	ring     []*Exchange
	inflight bool
	wake     chan struct{}

	// pingsWritten is owned by the writer goroutine.
	pingsWritten uint64
	pingSentAt   atomic.Int64
	lastPong     atomic.Int64

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
	started   atomic.Bool
}

// New creates a session over conn. Call Run to start it.
func New(conn io.ReadWriteCloser, cfg Config) *Session {
	cfg.applyDefaults()
	id := uuid.NewString()
	counter := &countingReader{r: conn}

	s := &Session{
		id:         id,
		cfg:        cfg,
		conn:       conn,
		counter:    counter,
		reader:     protocol.NewFrameReader(counter),
		writer:     protocol.NewFrameWriter(conn),
		alloc:      newAllocator(cfg.Perspective),
		live:       make(map[uint64]*Exchange),
		tombs:      make(map[uint64]uint64),
		sealWith:   make(map[uint64][]uint64),
		earlySeals: make(map[uint64]uint64),
		wake:       make(chan struct{}, 1),
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
		metrics:    cfg.Metrics,
	}
	s.logger = logging.Component(cfg.Logger, "session").With(
		logging.KeySessionID, id,
		logging.KeyPerspective, cfg.Perspective.String())
	s.ctx, s.cancel = context.WithCancel(context.WithValue(context.Background(), sessionKey{}, s))
	return s
}

type sessionKey struct{}

// FromContext returns the session whose handler received ctx.
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string { return s.id }

// Perspective returns the local side of the session.
func (s *Session) Perspective() mode.Perspective { return s.cfg.Perspective }

// Ready is closed once the version preamble has completed.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Done is closed when the session has shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the cause of the shutdown, or nil for a local Close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Live returns the number of exchanges in the table.
func (s *Session) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Username returns the user name advertised by the peer.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// XAuthCookie returns the X authority cookie advertised by the peer.
func (s *Session) XAuthCookie() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.xauth
}

// PeerVersion returns the protocol version the peer announced. Bob reports
// the version it announced itself.
func (s *Session) PeerVersion() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerVersion
}

// Run starts the session and blocks until it ends. It returns the fatal
// cause, or nil after Close.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("session already running")
	}
	if s.metrics != nil {
		s.metrics.RecordSessionStart()
	}
	s.logger.Debug("session started")

	go s.writeLoop()
	go s.readLoop()
	go s.keepaliveLoop()
	go s.handshakeTimer()

	if s.cfg.Perspective == mode.Alice {
		s.enqueueControl(&protocol.ProtocolVersionQuery{})
	}

	select {
	case <-ctx.Done():
		s.shutdown(ctx.Err())
	case <-s.done:
	}
	return s.Err()
}

// Close flushes queued frames for a short while and shuts the session down.
func (s *Session) Close() error {
	s.flush(time.Second)
	s.shutdown(nil)
	return nil
}

// Open starts an exchange with the given opener. It waits for the preamble
// to complete.
func (s *Session) Open(ctx context.Context, opener protocol.Message) (*Exchange, error) {
	kind, ok := KindOf(opener)
	if !ok || !protocol.IsOpener(opener.Type()) {
		return nil, ErrNotOpener
	}
	if _, err := protocol.Marshal(opener); err != nil {
		return nil, err
	}

	select {
	case <-s.ready:
	case <-s.done:
		return nil, s.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	if s.isDone() {
		s.mu.Unlock()
		return nil, s.closedErr()
	}
	if kind == KindPty && s.pty != nil {
		s.mu.Unlock()
		return nil, ErrPtyActive
	}
	ref, err := s.alloc.Next(s.inUseLocked)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	ex := newExchange(ref, kind, Initiator, 0, opener, s.cfg.QueueSize, s)
	ex.out = append(ex.out, opener)
	s.live[ref] = ex
	if kind == KindPty {
		s.pty = ex
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordExchangeOpen(kind.String(), "local")
	}
	s.logger.Debug("exchange opened",
		logging.KeyReference, ref,
		logging.KeyKind, kind.String())
	s.schedule(ex)
	return ex, nil
}

// Advertise sends a connection-scoped advertisement. A pty size
// advertisement requires an active pty opened by this side.
func (s *Session) Advertise(ctx context.Context, m protocol.Message) error {
	if protocol.ClassOf(m.Type()) != protocol.ClassAdvertisement {
		return ErrNotAdvertisement
	}
	if _, err := protocol.Marshal(m); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.isDone() {
		return s.closedErr()
	}
	if m.Type() == protocol.TypePtySizeAdvertisement {
		s.mu.Lock()
		pty := s.pty
		s.mu.Unlock()
		if pty == nil || pty.role != Initiator {
			return ErrNoPty
		}
		if err := pty.record(m); err != nil {
			return err
		}
	}
	s.enqueueControl(m)
	return nil
}

func (s *Session) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) closedErr() error {
	if err := s.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrSessionClosed, err)
	}
	return ErrSessionClosed
}

func (s *Session) inUseLocked(ref uint64) bool {
	if _, ok := s.live[ref]; ok {
		return true
	}
	_, ok := s.tombs[ref]
	return ok
}

// shutdown tears the session down once. A nil cause is a local close.
func (s *Session) shutdown(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = cause
		close(s.done)
		exchanges := make([]*Exchange, 0, len(s.live))
		for _, ex := range s.live {
			exchanges = append(exchanges, ex)
		}
		s.live = make(map[uint64]*Exchange)
		s.pty = nil
		s.mu.Unlock()

		s.cancel()
		_ = s.conn.Close()

		teardown := ErrSessionClosed
		if cause != nil {
			teardown = fmt.Errorf("%w: %w", ErrSessionClosed, cause)
		}
		for _, ex := range exchanges {
			ex.terminate(teardown)
			if s.metrics != nil {
				s.metrics.RecordExchangeClose(ex.kind.String(), false)
			}
		}

		result := "closed"
		if cause != nil {
			result = "error"
			s.logger.Info("session ended", logging.KeyError, cause)
		} else {
			s.logger.Debug("session closed")
		}
		if s.metrics != nil {
			s.metrics.RecordSessionEnd(result)
		}
	})
}

// fatal records a protocol error and tears the session down.
func (s *Session) fatal(reason string, err error) {
	if s.metrics != nil {
		s.metrics.RecordProtocolError(reason)
	}
	s.shutdown(&FatalError{Reason: reason, Err: err})
}

func (s *Session) markReady() {
	s.readyOnce.Do(func() {
		close(s.ready)
		s.logger.Debug("session ready")
	})
}

func (s *Session) isReady() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

func (s *Session) handshakeTimer() {
	timer := time.NewTimer(s.cfg.HandshakeTimeout)
	defer timer.Stop()
	select {
	case <-s.ready:
	case <-s.done:
	case <-timer.C:
		s.fatal("handshake_timeout", ErrHandshakeTimeout)
	}
}

func (s *Session) keepaliveLoop() {
	defer recovery.RecoverWithLog(s.logger, "session.keepalive")

	select {
	case <-s.ready:
	case <-s.done:
		return
	}

	s.lastPong.Store(time.Now().UnixNano())
	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()
	limit := s.cfg.KeepaliveInterval + s.cfg.KeepaliveTimeout

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if time.Since(time.Unix(0, s.lastPong.Load())) > limit {
				s.fatal("keepalive_timeout", ErrKeepaliveTimeout)
				return
			}
			s.pingSentAt.Store(time.Now().UnixNano())
			s.enqueueControl(&protocol.Ping{})
			if s.metrics != nil {
				s.metrics.RecordKeepaliveSent()
			}
		}
	}
}

func (s *Session) writeLoop() {
	defer recovery.RecoverWithCallback(s.logger, "session.writer", func(err error) {
		s.fatal("panic", err)
	})

	for {
		f, ex, final := s.nextFrame()
		if f == nil {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}

		data, err := f.Encode()
		if err != nil && ex != nil {
			if f, final = s.unencodable(ex, f, err); f == nil {
				s.writeDone()
				continue
			}
			data, err = f.Encode()
		}
		if err != nil {
			s.writeDone()
			s.fatal("encode", fmt.Errorf("encode %s: %w", protocol.TypeName(f.Message.Type()), err))
			return
		}

		n, err := s.writer.WriteEncoded(data)
		s.writeDone()
		if err != nil {
			if !s.isDone() {
				s.shutdown(fmt.Errorf("write: %w", err))
			}
			return
		}
		if s.metrics != nil {
			s.metrics.RecordFrameSent(protocol.TypeName(f.Message.Type()), n)
		}
		if f.Message.Type() == protocol.TypePing {
			s.pingsWritten++
		}
		if final {
			s.seal(ex.ref)
		}
	}
}

// unencodable contains a message of ex that failed to encode to ex alone.
// It returns the frame to write in its place, or nil when there is none.
func (s *Session) unencodable(ex *Exchange, f *protocol.Frame, err error) (*protocol.Frame, bool) {
	s.logger.Warn("dropping unencodable message",
		logging.KeyReference, ex.ref,
		logging.KeyMsgType, protocol.TypeName(f.Message.Type()),
		logging.KeyError, err)

	if protocol.IsOpener(f.Message.Type()) || f.Message.Type() == protocol.TypeBindConnectionAccepted {
		// The peer never learns of the reference.
		ex.terminate(fmt.Errorf("encode: %w", err))
		s.remove(ex, false)
		return nil, false
	}
	if ex.Reject(encodeFailureNote) == nil {
		// The queued Reject replaced the rest of ex's messages.
		return nil, false
	}
	// ex already queued its last message; close it on the peer instead.
	ex.terminate(fmt.Errorf("encode: %w", err))
	return protocol.NewFrame(&protocol.Reject{Reference: ex.ref, Note: encodeFailureNote}), true
}

func (s *Session) readLoop() {
	defer recovery.RecoverWithCallback(s.logger, "session.reader", func(err error) {
		s.fatal("panic", err)
	})

	for {
		before := s.counter.n
		f, err := s.reader.Read()
		if err != nil {
			if s.isDone() {
				return
			}
			switch {
			case protocol.IsDecodeError(err):
				s.logger.Warn("malformed frame", logging.KeyError, err)
				s.fatal("decode", fmt.Errorf("%w: %w", ErrDecode, err))
			case errors.Is(err, io.EOF):
				s.shutdown(ErrPeerClosed)
			default:
				s.shutdown(fmt.Errorf("read: %w", err))
			}
			return
		}
		if s.metrics != nil {
			s.metrics.RecordFrameReceived(protocol.TypeName(f.Message.Type()), int(s.counter.n-before))
		}
		if reason, err := s.dispatch(f); err != nil {
			s.logger.Warn("protocol error",
				logging.KeyMsgType, protocol.TypeName(f.Message.Type()),
				logging.KeyReference, f.Reference,
				logging.KeyError, err)
			s.fatal(reason, err)
			return
		}
	}
}

// dispatch routes one inbound frame. A returned error is fatal; reason is
// its metrics label.
func (s *Session) dispatch(f *protocol.Frame) (string, error) {
	switch m := f.Message.(type) {
	case *protocol.ProtocolVersionQuery:
		if s.cfg.Perspective != mode.Bob || s.isReady() {
			return "handshake", fmt.Errorf("%w: unexpected version query", ErrHandshake)
		}
		s.mu.Lock()
		s.peerVersion = protocol.ProtocolVersion
		s.mu.Unlock()
		s.enqueueControl(&protocol.ProtocolVersionAnnounce{Version: protocol.ProtocolVersion})
		s.markReady()
		return "", nil

	case *protocol.ProtocolVersionAnnounce:
		if s.cfg.Perspective != mode.Alice || s.isReady() {
			return "handshake", fmt.Errorf("%w: unexpected version announce", ErrHandshake)
		}
		if m.Version != protocol.ProtocolVersion {
			return "version", fmt.Errorf("%w: peer speaks %d, we speak %d",
				ErrVersionMismatch, m.Version, protocol.ProtocolVersion)
		}
		s.mu.Lock()
		s.peerVersion = m.Version
		s.mu.Unlock()
		s.markReady()
		return "", nil

	case *protocol.Ping:
		s.enqueueControl(&protocol.Pong{})
		return "", nil

	case *protocol.Pong:
		s.handlePong()
		return "", nil

	case *protocol.DummyMessage:
		return "", nil

	case *protocol.UsernameAdvertisement:
		s.mu.Lock()
		s.username = m.Username
		s.mu.Unlock()
		return "", nil

	case *protocol.AdvertiseXAuth:
		s.mu.Lock()
		s.xauth = m.Cookie
		s.mu.Unlock()
		return "", nil

	case *protocol.PtySizeAdvertisement:
		s.handlePtySize(m)
		return "", nil

	case *protocol.BindConnectionAccepted:
		if !s.isReady() {
			return "handshake", fmt.Errorf("%w: stream accepted before preamble", ErrHandshake)
		}
		return s.handleAccepted(f.Reference, m)
	}

	if protocol.IsOpener(f.Message.Type()) {
		if !s.isReady() {
			return "handshake", fmt.Errorf("%w: %s before preamble",
				ErrHandshake, protocol.TypeName(f.Message.Type()))
		}
		return s.handleOpener(f)
	}
	return s.handleContinuation(f)
}

func (s *Session) handleOpener(f *protocol.Frame) (string, error) {
	ref := f.Reference
	if ownsReference(s.cfg.Perspective, ref) {
		return "parity", fmt.Errorf("%w: peer opened reference %d from our range",
			ErrProtocolViolation, ref)
	}
	kind, _ := KindOf(f.Message)

	s.mu.Lock()
	if s.inUseLocked(ref) {
		s.mu.Unlock()
		return "reuse", fmt.Errorf("%w: %d", ErrReferenceReused, ref)
	}
	ex := newExchange(ref, kind, Responder, 0, f.Message, s.cfg.QueueSize, s)
	s.live[ref] = ex
	duplicatePty := false
	if kind == KindPty {
		if s.pty != nil {
			duplicatePty = true
		} else {
			s.pty = ex
		}
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordExchangeOpen(kind.String(), "remote")
	}
	s.logger.Debug("exchange opened by peer",
		logging.KeyReference, ref,
		logging.KeyKind, kind.String())

	switch {
	case duplicatePty:
		_ = ex.Reject(ErrPtyActive.Error())
	case s.cfg.Handler == nil:
		_ = ex.Reject("operation not supported")
	default:
		s.serve(ex)
	}
	return "", nil
}

func (s *Session) serve(ex *Exchange) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("handler panic",
					logging.KeyReference, ex.ref,
					"panic", fmt.Sprintf("%v", r))
				_ = ex.Reject("internal error")
			}
		}()
		s.cfg.Handler.HandleOpen(s.ctx, ex)
		if !ex.State().Terminal() {
			_ = ex.Reject("operation abandoned")
		}
	}()
}

// handleAccepted opens a bind child announced by the peer. childRef comes
// from the frame header; the payload names the bind.
func (s *Session) handleAccepted(childRef uint64, m *protocol.BindConnectionAccepted) (string, error) {
	if ownsReference(s.cfg.Perspective, childRef) {
		return "parity", fmt.Errorf("%w: peer opened reference %d from our range",
			ErrProtocolViolation, childRef)
	}

	s.mu.Lock()
	parent := s.live[m.Reference]
	if parent == nil {
		epoch, tomb := s.tombs[m.Reference]
		if tomb {
			// The bind is closing; keep the child's frames from being
			// mistaken for unknown references.
			s.tombs[childRef] = epoch
			if epoch == pendingEpoch {
				s.sealWith[m.Reference] = append(s.sealWith[m.Reference], childRef)
			}
			s.mu.Unlock()
			return "", nil
		}
		s.mu.Unlock()
		return "unknown_reference", fmt.Errorf("%w: bind %d", ErrUnknownReference, m.Reference)
	}
	if s.inUseLocked(childRef) {
		s.mu.Unlock()
		return "reuse", fmt.Errorf("%w: %d", ErrReferenceReused, childRef)
	}
	child := newExchange(childRef, KindBindStream, Responder, m.Reference, m, s.cfg.QueueSize, s)
	s.live[childRef] = child
	s.mu.Unlock()

	if _, err := parent.deliver(m, child); err != nil {
		s.mu.Lock()
		delete(s.live, childRef)
		s.mu.Unlock()
		if errors.Is(err, errStale) {
			return "", nil
		}
		s.rejectViolation(parent, err)
		return "", nil
	}
	if s.metrics != nil {
		s.metrics.RecordExchangeOpen(KindBindStream.String(), "remote")
	}
	return "", nil
}

func (s *Session) handleContinuation(f *protocol.Frame) (string, error) {
	ref := f.Reference

	s.mu.Lock()
	ex := s.live[ref]
	_, tomb := s.tombs[ref]
	s.mu.Unlock()

	if ex == nil {
		if tomb {
			s.logger.Debug("dropping frame for closed exchange",
				logging.KeyReference, ref,
				logging.KeyMsgType, protocol.TypeName(f.Message.Type()))
			return "", nil
		}
		return "unknown_reference", fmt.Errorf("%w: %d", ErrUnknownReference, ref)
	}

	terminal, err := ex.deliver(f.Message, nil)
	switch {
	case errors.Is(err, errStale):
		return "", nil
	case err != nil:
		s.rejectViolation(ex, err)
		return "", nil
	case terminal:
		_, rejected := f.Message.(*protocol.Reject)
		s.remove(ex, rejected)
	}
	return "", nil
}

func (s *Session) rejectViolation(ex *Exchange, err error) {
	if s.metrics != nil {
		s.metrics.RecordProtocolError("violation")
	}
	s.logger.Warn("rejecting exchange",
		logging.KeyReference, ex.ref,
		logging.KeyKind, ex.kind.String(),
		logging.KeyError, err)
	_ = ex.Reject(err.Error())
}

func (s *Session) handlePong() {
	if sent := s.pingSentAt.Load(); sent != 0 && s.metrics != nil {
		s.metrics.RecordKeepaliveRTT(time.Since(time.Unix(0, sent)))
	}
	s.lastPong.Store(time.Now().UnixNano())

	s.mu.Lock()
	s.pongs++
	for ref, epoch := range s.tombs {
		if epoch != pendingEpoch && epoch < s.pongs {
			delete(s.tombs, ref)
		}
	}
	s.mu.Unlock()
}

func (s *Session) handlePtySize(m *protocol.PtySizeAdvertisement) {
	s.mu.Lock()
	pty := s.pty
	s.mu.Unlock()

	if pty == nil {
		s.logger.Debug("size advertisement without pty")
		return
	}
	if _, err := pty.deliver(m, nil); err != nil {
		s.logger.Debug("size advertisement ignored", logging.KeyError, err)
	}
}

// closing moves ex from the live table to a pending tombstone. Bind
// children are tombstoned with their parent.
func (s *Session) closing(ex *Exchange) {
	s.mu.Lock()
	epoch, sealed := s.earlySeals[ex.ref]
	delete(s.earlySeals, ex.ref)
	if s.live[ex.ref] != ex {
		s.mu.Unlock()
		return
	}
	if !sealed {
		epoch = pendingEpoch
	}
	delete(s.live, ex.ref)
	s.tombs[ex.ref] = epoch
	if s.pty == ex {
		s.pty = nil
	}
	children := s.detachChildrenLocked(ex)
	for _, c := range children {
		s.tombs[c.ref] = epoch
		if !sealed {
			s.sealWith[ex.ref] = append(s.sealWith[ex.ref], c.ref)
		}
	}
	s.mu.Unlock()

	s.closed(ex, ex.Err() != nil, children)
}

// remove drops ex after the peer ended it.
func (s *Session) remove(ex *Exchange, rejected bool) {
	s.mu.Lock()
	delete(s.earlySeals, ex.ref)
	if s.live[ex.ref] != ex {
		s.mu.Unlock()
		return
	}
	delete(s.live, ex.ref)
	if s.pty == ex {
		s.pty = nil
	}
	children := s.detachChildrenLocked(ex)
	s.mu.Unlock()

	s.closed(ex, rejected, children)
}

func (s *Session) detachChildrenLocked(ex *Exchange) []*Exchange {
	if ex.kind != KindRemoteBind {
		return nil
	}
	var children []*Exchange
	for ref, c := range s.live {
		if c.parent == ex.ref {
			children = append(children, c)
			delete(s.live, ref)
		}
	}
	return children
}

func (s *Session) closed(ex *Exchange, rejected bool, children []*Exchange) {
	for _, c := range children {
		c.terminate(ErrBindClosed)
	}
	if s.metrics != nil {
		s.metrics.RecordExchangeClose(ex.kind.String(), rejected)
		for range children {
			s.metrics.RecordExchangeClose(KindBindStream.String(), false)
		}
	}
	s.logger.Debug("exchange closed",
		logging.KeyReference, ex.ref,
		logging.KeyKind, ex.kind.String(),
		"rejected", rejected)
}

// seal fixes the release epoch of a tombstone once its terminal frame is
// written: the tombstone lives until the peer answers a Ping written after
// it.
func (s *Session) seal(ref uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	epoch, ok := s.tombs[ref]
	if !ok {
		// The final frame can be written before closing runs; closing
		// picks the epoch up from here.
		if _, live := s.live[ref]; live {
			s.earlySeals[ref] = s.pingsWritten
		}
		return
	}
	if epoch == pendingEpoch {
		s.tombs[ref] = s.pingsWritten
	}
	for _, child := range s.sealWith[ref] {
		if epoch, ok := s.tombs[child]; ok && epoch == pendingEpoch {
			s.tombs[child] = s.pingsWritten
		}
	}
	delete(s.sealWith, ref)
}

// spawn opens a bind child for a connection accepted locally.
func (s *Session) spawn(parent *Exchange) (*Exchange, error) {
	if parent.kind != KindRemoteBind || parent.role != Responder {
		return nil, fmt.Errorf("spawn on %s exchange", parent.kind)
	}
	accepted := &protocol.BindConnectionAccepted{Reference: parent.ref}

	s.mu.Lock()
	if s.isDone() {
		s.mu.Unlock()
		return nil, s.closedErr()
	}
	if s.live[parent.ref] != parent {
		s.mu.Unlock()
		return nil, ErrExchangeClosed
	}
	if err := parent.record(accepted); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	ref, err := s.alloc.Next(s.inUseLocked)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	child := newExchange(ref, KindBindStream, Initiator, parent.ref, accepted, s.cfg.QueueSize, s)
	child.out = append(child.out, accepted)
	s.live[ref] = child
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordExchangeOpen(KindBindStream.String(), "local")
	}
	s.schedule(child)
	return child, nil
}

// countingReader counts bytes read by the reader goroutine.
type countingReader struct {
	r io.Reader
	n uint64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += uint64(n)
	return n, err
}
