package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/postalsys/oxy/internal/protocol"
)

// mux is the part of the session an exchange talks to.
type mux interface {
	// schedule puts ex on the outbound ring if it has queued messages.
	schedule(ex *Exchange)
	// closing is called once ex has queued its final message.
	closing(ex *Exchange)
	// spawn opens a child stream under a bind exchange.
	spawn(parent *Exchange) (*Exchange, error)
}

// delivery is one inbound entry of an exchange. Bind exchanges receive
// their children this way.
type delivery struct {
	msg   protocol.Message
	child *Exchange
}

// Exchange is one multiplexed request/response or stream conversation.
type Exchange struct {
	ref       uint64
	kind      Kind
	role      Role
	parent    uint64
	opener    protocol.Message
	queueSize int
	mux       mux

	mu         sync.Mutex
	machine    machine
	rejected   *RejectError
	failure    error
	in         []delivery
	out        []protocol.Message
	sendClosed bool
	received   uint64

	// scheduled is guarded by the session's outbox lock.
	scheduled bool

	inNotify chan struct{}
	outSpace chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

func newExchange(ref uint64, kind Kind, role Role, parent uint64, opener protocol.Message, queueSize int, m mux) *Exchange {
	return &Exchange{
		ref:       ref,
		kind:      kind,
		role:      role,
		parent:    parent,
		opener:    opener,
		queueSize: queueSize,
		mux:       m,
		machine:   newMachine(kind, opener),
		inNotify:  make(chan struct{}, 1),
		outSpace:  make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Reference returns the exchange reference.
func (ex *Exchange) Reference() uint64 { return ex.ref }

// Kind returns the operation the exchange carries.
func (ex *Exchange) Kind() Kind { return ex.kind }

// Role returns the local side's role.
func (ex *Exchange) Role() Role { return ex.role }

// Parent returns the bind reference of a bind child, or 0.
func (ex *Exchange) Parent() uint64 { return ex.parent }

// Opener returns the message that started the exchange.
func (ex *Exchange) Opener() protocol.Message { return ex.opener }

// Done is closed when the exchange reaches a terminal state.
func (ex *Exchange) Done() <-chan struct{} { return ex.done }

// State returns the current state.
func (ex *Exchange) State() State {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.stateLocked()
}

func (ex *Exchange) stateLocked() State {
	switch {
	case ex.rejected != nil:
		return StateRejected
	case ex.failure != nil:
		return StateClosed
	}
	return ex.machine.state()
}

// Err returns why the exchange ended: a *RejectError, a session or bind
// failure, or nil for a normal completion.
func (ex *Exchange) Err() error {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.rejected != nil {
		return ex.rejected
	}
	return ex.failure
}

// Listing returns the directory entries accumulated so far.
func (ex *Exchange) Listing() []string {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if l, ok := ex.machine.(*listingMachine); ok {
		return append([]string(nil), l.answers...)
	}
	return nil
}

// Received returns the number of payload bytes delivered to this side.
func (ex *Exchange) Received() uint64 {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.received
}

func (ex *Exchange) closedLocked() bool {
	return ex.sendClosed || ex.rejected != nil || ex.failure != nil || ex.machine.state().Terminal()
}

func (ex *Exchange) closedErrLocked() error {
	if ex.rejected != nil {
		return ex.rejected
	}
	if ex.failure != nil {
		return ex.failure
	}
	return ErrExchangeClosed
}

// Send queues a continuation for the peer. It blocks while the exchange's
// outbound queue is full and fails if the message is not allowed in the
// current state. Use Reject to abort an exchange.
func (ex *Exchange) Send(ctx context.Context, m protocol.Message) error {
	c, ok := m.(protocol.Correlated)
	if !ok || protocol.ClassOf(m.Type()) != protocol.ClassContinuation {
		return fmt.Errorf("%s is not a continuation", protocol.TypeName(m.Type()))
	}
	if c.Ref() != ex.ref {
		return fmt.Errorf("message reference %d does not match exchange %d", c.Ref(), ex.ref)
	}
	if rej, ok := m.(*protocol.Reject); ok {
		return ex.Reject(rej.Note)
	}
	if m.Type() == protocol.TypeBindConnectionAccepted {
		return errors.New("use Spawn to accept bind connections")
	}
	if _, err := protocol.Marshal(m); err != nil {
		return err
	}

	ex.mu.Lock()
	for {
		if ex.closedLocked() {
			err := ex.closedErrLocked()
			ex.mu.Unlock()
			return err
		}
		if len(ex.out) < ex.queueSize {
			break
		}
		ex.mu.Unlock()
		select {
		case <-ex.outSpace:
		case <-ex.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		ex.mu.Lock()
	}

	if err := ex.machine.step(ex.role, m); err != nil {
		ex.mu.Unlock()
		return err
	}
	ex.out = append(ex.out, m)
	final := ex.machine.state().Terminal()
	if final {
		ex.sendClosed = true
	}
	ex.mu.Unlock()

	if final {
		ex.mux.closing(ex)
		ex.finish()
	}
	ex.mux.schedule(ex)
	return nil
}

// Reject aborts the exchange and tells the peer why. Queued messages in both
// directions are discarded. Invalid UTF-8 in note is replaced and notes
// longer than MaxNoteSize are cut.
func (ex *Exchange) Reject(note string) error {
	ex.mu.Lock()
	if ex.closedLocked() {
		err := ex.closedErrLocked()
		ex.mu.Unlock()
		return err
	}
	note = cleanNote(note)
	ex.rejected = &RejectError{Reference: ex.ref, Note: note, Local: true}
	ex.in = nil
	ex.out = append(ex.out[:0], &protocol.Reject{Reference: ex.ref, Note: note})
	ex.sendClosed = true
	ex.mu.Unlock()

	ex.mux.closing(ex)
	ex.finish()
	ex.mux.schedule(ex)
	return nil
}

// Recv returns the next inbound message. After the exchange ends it returns
// io.EOF for a normal completion, a *RejectError after a Reject, or the
// failure that tore it down.
func (ex *Exchange) Recv(ctx context.Context) (protocol.Message, error) {
	for {
		d, err := ex.next(ctx)
		if err != nil {
			return nil, err
		}
		if d.msg != nil {
			return d.msg, nil
		}
	}
}

// Accept returns the next child stream of a bind exchange.
func (ex *Exchange) Accept(ctx context.Context) (*Exchange, error) {
	if ex.kind != KindRemoteBind {
		return nil, fmt.Errorf("accept on %s exchange", ex.kind)
	}
	for {
		d, err := ex.next(ctx)
		if err != nil {
			return nil, err
		}
		if d.child != nil {
			return d.child, nil
		}
	}
}

// Spawn opens a child stream for a connection accepted by a bind listener
// served by this side.
func (ex *Exchange) Spawn() (*Exchange, error) {
	return ex.mux.spawn(ex)
}

func (ex *Exchange) next(ctx context.Context) (delivery, error) {
	for {
		ex.mu.Lock()
		if len(ex.in) > 0 {
			d := ex.in[0]
			ex.in[0] = delivery{}
			ex.in = ex.in[1:]
			ex.mu.Unlock()
			return d, nil
		}
		if ex.rejected != nil || ex.failure != nil || ex.stateLocked().Terminal() {
			err := ex.closedErrLocked()
			if errors.Is(err, ErrExchangeClosed) {
				err = io.EOF
			}
			ex.mu.Unlock()
			return delivery{}, err
		}
		ex.mu.Unlock()

		select {
		case <-ex.inNotify:
		case <-ex.done:
		case <-ctx.Done():
			return delivery{}, ctx.Err()
		}
	}
}

// deliver applies an inbound message sent by the peer. It reports whether
// the exchange reached a terminal state. Messages arriving after the local
// side closed the exchange return errStale.
func (ex *Exchange) deliver(m protocol.Message, child *Exchange) (bool, error) {
	from := ex.role.other()

	ex.mu.Lock()
	if ex.closedLocked() {
		ex.mu.Unlock()
		return false, errStale
	}

	if rej, ok := m.(*protocol.Reject); ok {
		ex.rejected = &RejectError{Reference: ex.ref, Note: rej.Note}
		ex.in = nil
		ex.out = nil
		ex.mu.Unlock()
		ex.notify()
		ex.finish()
		return true, nil
	}

	if err := ex.machine.step(from, m); err != nil {
		ex.mu.Unlock()
		return false, err
	}
	ex.in = append(ex.in, delivery{msg: m, child: child})
	ex.received += uint64(payloadLen(m))
	terminal := ex.machine.state().Terminal()
	if terminal {
		ex.out = nil
	}
	ex.mu.Unlock()

	ex.notify()
	if terminal {
		ex.finish()
	}
	return terminal, nil
}

// record validates a message the local side sends on a queue other than
// this exchange's own, such as BindConnectionAccepted.
func (ex *Exchange) record(m protocol.Message) error {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.closedLocked() {
		return ex.closedErrLocked()
	}
	return ex.machine.step(ex.role, m)
}

// terminate ends the exchange locally without telling the peer.
func (ex *Exchange) terminate(err error) {
	ex.mu.Lock()
	if ex.failure == nil && ex.rejected == nil && !ex.machine.state().Terminal() {
		ex.failure = err
	}
	ex.in = nil
	ex.out = nil
	ex.mu.Unlock()
	ex.notify()
	ex.finish()
}

// popOut removes the next outbound message. final is true when it is the
// last message the exchange will ever send.
func (ex *Exchange) popOut() (m protocol.Message, more, final bool) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if len(ex.out) == 0 {
		return nil, false, false
	}
	m = ex.out[0]
	ex.out[0] = nil
	ex.out = ex.out[1:]
	more = len(ex.out) > 0
	final = !more && ex.sendClosed
	select {
	case ex.outSpace <- struct{}{}:
	default:
	}
	return m, more, final
}

func (ex *Exchange) pending() bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return len(ex.out) > 0
}

func (ex *Exchange) notify() {
	select {
	case ex.inNotify <- struct{}{}:
	default:
	}
}

func (ex *Exchange) finish() {
	ex.doneOnce.Do(func() { close(ex.done) })
}

func payloadLen(m protocol.Message) int {
	switch msg := m.(type) {
	case *protocol.FileData:
		return len(msg.Data)
	case *protocol.RemoteStreamData:
		return len(msg.Data)
	case *protocol.LocalStreamData:
		return len(msg.Data)
	case *protocol.TunnelData:
		return len(msg.Data)
	case *protocol.PtyOutput:
		return len(msg.Data)
	case *protocol.PtyInput:
		return len(msg.Data)
	case *protocol.PipeCommandOutput:
		return len(msg.Stdout) + len(msg.Stderr)
	case *protocol.PipeCommandInput:
		return len(msg.Input)
	}
	return 0
}

// MaxNoteSize bounds the note of a Reject in bytes.
const MaxNoteSize = 1024

// cleanNote makes note encodable: the codec refuses invalid UTF-8, and
// handlers pass OS errors whose paths need not be UTF-8.
func cleanNote(note string) string {
	note = strings.ToValidUTF8(note, "\uFFFD")
	if len(note) > MaxNoteSize {
		note = strings.ToValidUTF8(note[:MaxNoteSize], "")
	}
	return note
}
