package session

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionClosed is returned by operations on a session that has shut
	// down.
	ErrSessionClosed = errors.New("session closed")

	// ErrPeerClosed is the cause recorded when the peer closes the
	// transport.
	ErrPeerClosed = errors.New("connection closed by peer")

	// ErrDecode is the cause recorded when an inbound frame is malformed.
	ErrDecode = errors.New("decode error")

	// ErrVersionMismatch is the cause recorded when the peer announces an
	// incompatible protocol version.
	ErrVersionMismatch = errors.New("protocol version mismatch")

	// ErrHandshake is the cause recorded when the preamble is violated.
	ErrHandshake = errors.New("handshake failed")

	// ErrHandshakeTimeout is the cause recorded when the preamble does not
	// complete in time.
	ErrHandshakeTimeout = errors.New("handshake timeout")

	// ErrKeepaliveTimeout is the cause recorded when the peer stops
	// answering pings.
	ErrKeepaliveTimeout = errors.New("keepalive timeout")

	// ErrUnknownReference is the cause recorded when a continuation names
	// neither a live nor a recently closed exchange.
	ErrUnknownReference = errors.New("unknown reference")

	// ErrReferenceReused is the cause recorded when the peer opens an
	// exchange with a reference that is still live.
	ErrReferenceReused = errors.New("reference reused before teardown")

	// ErrProtocolViolation marks a message that is not allowed by the
	// exchange's state machine.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrExchangeClosed is returned when sending on an exchange that has
	// reached a terminal state.
	ErrExchangeClosed = errors.New("exchange closed")

	// ErrBindClosed ends the children of a bind listener that was closed.
	ErrBindClosed = errors.New("remote bind closed")

	// ErrReferencesExhausted is returned when no reference is free.
	ErrReferencesExhausted = errors.New("no free reference")

	// ErrPtyActive is returned when a second pty exchange is opened.
	ErrPtyActive = errors.New("pty already active")

	// ErrNoPty is returned when a size advertisement has no active pty.
	ErrNoPty = errors.New("no active pty")

	// ErrNotOpener is returned by Open for messages that do not start an
	// exchange.
	ErrNotOpener = errors.New("message does not open an exchange")

	// ErrNotAdvertisement is returned by Advertise for other messages.
	ErrNotAdvertisement = errors.New("message is not an advertisement")

	errStale = errors.New("stale delivery")
)

// RejectError reports an exchange that ended with a Reject.
type RejectError struct {
	Reference uint64
	Note      string
	// Local is true when this side sent the Reject.
	Local bool
}

func (e *RejectError) Error() string {
	if e.Local {
		return fmt.Sprintf("exchange %d rejected locally: %s", e.Reference, e.Note)
	}
	return fmt.Sprintf("rejected by peer: %s", e.Note)
}

// IsRejected reports whether err is a RejectError and returns its note.
func IsRejected(err error) (string, bool) {
	var rej *RejectError
	if errors.As(err, &rej) {
		return rej.Note, true
	}
	return "", false
}

// FatalError is the cause of a session torn down by a protocol failure.
type FatalError struct {
	// Reason is the metrics label of the failure, e.g. "decode".
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	return e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}
