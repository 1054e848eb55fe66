package session

import (
	"fmt"

	"github.com/postalsys/oxy/internal/protocol"
)

// Kind identifies the operation an exchange carries.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBasicCommand
	KindPipeCommand
	KindPty
	KindDownload
	KindUpload
	KindRemoteOpen
	KindRemoteBind
	KindBindStream
	KindTunnel
	KindStat
	KindReadDir
	KindFileHash
	KindTruncate
	KindKnock
)

var kindNames = map[Kind]string{
	KindBasicCommand: "basic_command",
	KindPipeCommand:  "pipe_command",
	KindPty:          "pty",
	KindDownload:     "download",
	KindUpload:       "upload",
	KindRemoteOpen:   "remote_open",
	KindRemoteBind:   "remote_bind",
	KindBindStream:   "bind_stream",
	KindTunnel:       "tunnel",
	KindStat:         "stat",
	KindReadDir:      "read_dir",
	KindFileHash:     "file_hash",
	KindTruncate:     "truncate",
	KindKnock:        "knock",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "invalid"
}

// KindOf returns the exchange kind started by an opener.
func KindOf(m protocol.Message) (Kind, bool) {
	switch m.(type) {
	case *protocol.BasicCommand:
		return KindBasicCommand, true
	case *protocol.PipeCommand:
		return KindPipeCommand, true
	case *protocol.PtyRequest:
		return KindPty, true
	case *protocol.DownloadRequest:
		return KindDownload, true
	case *protocol.UploadRequest:
		return KindUpload, true
	case *protocol.RemoteOpen:
		return KindRemoteOpen, true
	case *protocol.RemoteBind:
		return KindRemoteBind, true
	case *protocol.BindConnectionAccepted:
		return KindBindStream, true
	case *protocol.TunnelRequest:
		return KindTunnel, true
	case *protocol.StatRequest:
		return KindStat, true
	case *protocol.ReadDir:
		return KindReadDir, true
	case *protocol.FileHashRequest:
		return KindFileHash, true
	case *protocol.FileTruncateRequest:
		return KindTruncate, true
	case *protocol.KnockForward:
		return KindKnock, true
	}
	return KindInvalid, false
}

// Role is a side's part in one exchange.
type Role uint8

const (
	// Initiator sent the opener.
	Initiator Role = iota
	// Responder received the opener.
	Responder
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

func (r Role) other() Role {
	if r == Initiator {
		return Responder
	}
	return Initiator
}

// State is the position of an exchange in its state machine.
type State uint8

const (
	StateOpening State = iota
	StateRunning
	StateRequested
	StateActive
	StateStreaming
	StateFinishing
	StateListening
	StateOpen
	StateLocalClosed
	StateRemoteClosed
	StateCompleted
	StateExited
	StateClosed
	StateRejected
)

var stateNames = [...]string{
	StateOpening:      "opening",
	StateRunning:      "running",
	StateRequested:    "requested",
	StateActive:       "active",
	StateStreaming:    "streaming",
	StateFinishing:    "finishing",
	StateListening:    "listening",
	StateOpen:         "open",
	StateLocalClosed:  "local_closed",
	StateRemoteClosed: "remote_closed",
	StateCompleted:    "completed",
	StateExited:       "exited",
	StateClosed:       "closed",
	StateRejected:     "rejected",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether no further messages may flow in state s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateExited, StateClosed, StateRejected:
		return true
	}
	return false
}

// machine validates the messages of one exchange. Reject is handled by the
// exchange itself and never reaches a machine.
type machine interface {
	state() State
	// step applies m, sent by from. It returns an error wrapping
	// ErrProtocolViolation when m is not allowed.
	step(from Role, m protocol.Message) error
}

func violation(from Role, m protocol.Message, s State) error {
	return fmt.Errorf("%w: %s from %s in state %s",
		ErrProtocolViolation, protocol.TypeName(m.Type()), from, s)
}

func newMachine(kind Kind, opener protocol.Message) machine {
	switch kind {
	case KindBasicCommand:
		return &replyMachine{current: StateRunning, reply: protocol.TypeBasicCommandOutput}
	case KindStat:
		return &replyMachine{current: StateOpening, reply: protocol.TypeStatResult}
	case KindFileHash:
		return &replyMachine{current: StateOpening, reply: protocol.TypeFileHashData}
	case KindTruncate, KindKnock:
		return &replyMachine{current: StateOpening, reply: protocol.TypeSuccess}
	case KindPipeCommand:
		return &pipeMachine{current: StateRunning}
	case KindPty:
		return &ptyMachine{current: StateRequested}
	case KindDownload:
		d := &downloadMachine{current: StateOpening}
		if req, ok := opener.(*protocol.DownloadRequest); ok && req.OffsetEnd != nil {
			var start uint64
			if req.OffsetStart != nil {
				start = *req.OffsetStart
			}
			if *req.OffsetEnd >= start {
				d.bounded = true
				d.limit = *req.OffsetEnd - start
			}
		}
		return d
	case KindUpload:
		return &uploadMachine{current: StateStreaming}
	case KindReadDir:
		return &listingMachine{current: StateOpening}
	case KindRemoteBind:
		return &bindMachine{current: StateListening}
	case KindRemoteOpen:
		return &streamMachine{remoteEnd: Responder}
	case KindBindStream:
		return &streamMachine{remoteEnd: Initiator}
	case KindTunnel:
		return &tunnelMachine{current: StateOpen}
	}
	return nil
}

// replyMachine covers exchanges answered by exactly one message.
type replyMachine struct {
	current State
	reply   protocol.MessageType
}

func (r *replyMachine) state() State { return r.current }

func (r *replyMachine) step(from Role, m protocol.Message) error {
	if from == Responder && !r.current.Terminal() && m.Type() == r.reply {
		r.current = StateCompleted
		return nil
	}
	return violation(from, m, r.current)
}

type pipeMachine struct {
	current     State
	stdinClosed bool
}

func (p *pipeMachine) state() State { return p.current }

func (p *pipeMachine) step(from Role, m protocol.Message) error {
	if p.current != StateRunning {
		return violation(from, m, p.current)
	}
	switch msg := m.(type) {
	case *protocol.PipeCommandOutput:
		if from == Responder {
			return nil
		}
	case *protocol.PipeCommandExited:
		if from == Responder {
			p.current = StateExited
			return nil
		}
	case *protocol.PipeCommandInput:
		if from == Initiator && !p.stdinClosed {
			if len(msg.Input) == 0 {
				p.stdinClosed = true
			}
			return nil
		}
	}
	return violation(from, m, p.current)
}

type ptyMachine struct {
	current State
}

func (p *ptyMachine) state() State { return p.current }

func (p *ptyMachine) step(from Role, m protocol.Message) error {
	switch m.(type) {
	case *protocol.Success:
		if from == Responder && p.current == StateRequested {
			p.current = StateActive
			return nil
		}
	case *protocol.PtyOutput:
		if from == Responder && p.current == StateActive {
			return nil
		}
	case *protocol.PtyExited:
		if from == Responder && p.current == StateActive {
			p.current = StateExited
			return nil
		}
	case *protocol.PtyInput, *protocol.PtySizeAdvertisement:
		if from == Initiator && p.current == StateActive {
			return nil
		}
	}
	return violation(from, m, p.current)
}

type downloadMachine struct {
	current  State
	bounded  bool
	limit    uint64
	received uint64
}

func (d *downloadMachine) state() State { return d.current }

func (d *downloadMachine) step(from Role, m protocol.Message) error {
	if from != Responder || d.current.Terminal() {
		return violation(from, m, d.current)
	}
	switch msg := m.(type) {
	case *protocol.FileData:
		n := uint64(len(msg.Data))
		if d.bounded && d.received+n > d.limit {
			return fmt.Errorf("%w: %d bytes past the requested range",
				ErrProtocolViolation, d.received+n-d.limit)
		}
		d.received += n
		d.current = StateStreaming
		return nil
	case *protocol.Success:
		d.current = StateCompleted
		return nil
	}
	return violation(from, m, d.current)
}

type uploadMachine struct {
	current State
}

func (u *uploadMachine) state() State { return u.current }

func (u *uploadMachine) step(from Role, m protocol.Message) error {
	switch msg := m.(type) {
	case *protocol.FileData:
		if from == Initiator && u.current == StateStreaming {
			if len(msg.Data) == 0 {
				u.current = StateFinishing
			}
			return nil
		}
	case *protocol.Success:
		if from == Responder && u.current == StateFinishing {
			u.current = StateCompleted
			return nil
		}
	}
	return violation(from, m, u.current)
}

type listingMachine struct {
	current State
	answers []string
}

func (l *listingMachine) state() State { return l.current }

func (l *listingMachine) step(from Role, m protocol.Message) error {
	res, ok := m.(*protocol.ReadDirResult)
	if !ok || from != Responder || l.current.Terminal() {
		return violation(from, m, l.current)
	}
	l.answers = append(l.answers, res.Answers...)
	if res.Complete {
		l.current = StateCompleted
	} else {
		l.current = StateStreaming
	}
	return nil
}

type bindMachine struct {
	current State
}

func (b *bindMachine) state() State { return b.current }

func (b *bindMachine) step(from Role, m protocol.Message) error {
	if b.current == StateListening {
		switch m.(type) {
		case *protocol.BindConnectionAccepted:
			if from == Responder {
				return nil
			}
		case *protocol.CloseRemoteBind:
			if from == Initiator {
				b.current = StateClosed
				return nil
			}
		}
	}
	return violation(from, m, b.current)
}

// streamMachine tracks the two half-closes of a byte stream. The remote end
// is the side attached to the socket the stream was opened for.
type streamMachine struct {
	remoteEnd    Role
	remoteClosed bool
	localClosed  bool
}

func (s *streamMachine) state() State {
	switch {
	case s.remoteClosed && s.localClosed:
		return StateCompleted
	case s.remoteClosed:
		return StateRemoteClosed
	case s.localClosed:
		return StateLocalClosed
	}
	return StateOpen
}

func (s *streamMachine) step(from Role, m protocol.Message) error {
	remote := from == s.remoteEnd
	switch m.(type) {
	case *protocol.RemoteStreamData:
		if remote && !s.remoteClosed {
			return nil
		}
	case *protocol.RemoteStreamClosed:
		if remote && !s.remoteClosed {
			s.remoteClosed = true
			return nil
		}
	case *protocol.LocalStreamData:
		if !remote && !s.localClosed {
			return nil
		}
	case *protocol.LocalStreamClosed:
		if !remote && !s.localClosed {
			s.localClosed = true
			return nil
		}
	}
	return violation(from, m, s.state())
}

type tunnelMachine struct {
	current State
}

func (t *tunnelMachine) state() State { return t.current }

func (t *tunnelMachine) step(from Role, m protocol.Message) error {
	if t.current == StateOpen {
		switch m.(type) {
		case *protocol.TunnelData:
			return nil
		case *protocol.Success:
			t.current = StateCompleted
			return nil
		}
	}
	return violation(from, m, t.current)
}
