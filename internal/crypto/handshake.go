package crypto

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/postalsys/oxy/internal/keys"
	"github.com/postalsys/oxy/internal/mode"
)

const (
	helloMagic = "OXY1"
	helloSize  = len(helloMagic) + 1 + KeySize + keys.PublicKeySize + 64

	confirmAlice = "oxy confirm alice"
	confirmBob   = "oxy confirm bob"
)

var (
	// ErrBadHello is returned when the peer's hello cannot be parsed.
	ErrBadHello = errors.New("malformed hello")

	// ErrPeerMismatch is returned when the peer presents an identity other
	// than the expected one.
	ErrPeerMismatch = errors.New("peer identity does not match")

	// ErrBadSignature is returned when the peer's hello signature is
	// invalid.
	ErrBadSignature = errors.New("invalid hello signature")

	// ErrPSKMismatch is returned when the peer proves a different
	// pre-shared key.
	ErrPSKMismatch = errors.New("pre-shared key mismatch")
)

// Config holds the inputs of a handshake.
type Config struct {
	Perspective mode.Perspective
	Identity    *keys.PrivateKey
	Peer        keys.PublicKey
	PSK         string
}

type hello struct {
	perspective mode.Perspective
	ephemeral   [KeySize]byte
	static      keys.PublicKey
	signature   []byte
}

func (h *hello) marshal() []byte {
	buf := make([]byte, 0, helloSize)
	buf = append(buf, helloMagic...)
	buf = append(buf, byte(h.perspective))
	buf = append(buf, h.ephemeral[:]...)
	buf = append(buf, h.static[:]...)
	return append(buf, h.signature...)
}

func parseHello(buf []byte) (*hello, error) {
	if len(buf) != helloSize || string(buf[:len(helloMagic)]) != helloMagic {
		return nil, ErrBadHello
	}
	buf = buf[len(helloMagic):]
	h := &hello{perspective: mode.Perspective(buf[0])}
	buf = buf[1:]
	copy(h.ephemeral[:], buf[:KeySize])
	buf = buf[KeySize:]
	copy(h.static[:], buf[:keys.PublicKeySize])
	h.signature = append([]byte(nil), buf[keys.PublicKeySize:]...)
	return h, nil
}

// signedPayload binds the signature to the sender's perspective, its
// ephemeral key and a digest of the pre-shared key.
func signedPayload(p mode.Perspective, ephemeral [KeySize]byte, psk string) []byte {
	digest := sha256.Sum256([]byte("oxy psk " + psk))
	msg := make([]byte, 0, 16+KeySize+len(digest))
	msg = append(msg, "oxy hello"...)
	msg = append(msg, byte(p))
	msg = append(msg, ephemeral[:]...)
	return append(msg, digest[:]...)
}

// Handshake authenticates the peer over rw and returns the encrypted
// stream. Alice writes her hello first. If ctx ends before the handshake
// completes, rw is closed.
func Handshake(ctx context.Context, rw io.ReadWriteCloser, cfg Config) (*Conn, error) {
	if cfg.Identity == nil {
		return nil, errors.New("handshake requires a local identity")
	}

	stop := context.AfterFunc(ctx, func() { rw.Close() })
	conn, err := handshake(rw, cfg)
	if !stop() {
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("handshake: %w", err)
	}
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	return conn, nil
}

func handshake(rw io.ReadWriteCloser, cfg Config) (*Conn, error) {
	priv, pub, err := GenerateEphemeralKeypair()
	if err != nil {
		return nil, err
	}
	defer ZeroKey(&priv)

	local := &hello{
		perspective: cfg.Perspective,
		ephemeral:   pub,
		static:      cfg.Identity.Public(),
	}
	local.signature = cfg.Identity.Sign(signedPayload(cfg.Perspective, pub, cfg.PSK))

	var remote *hello
	if cfg.Perspective == mode.Alice {
		if _, err := rw.Write(local.marshal()); err != nil {
			return nil, fmt.Errorf("write hello: %w", err)
		}
		if remote, err = readHello(rw); err != nil {
			return nil, err
		}
	} else {
		if remote, err = readHello(rw); err != nil {
			return nil, err
		}
		if _, err := rw.Write(local.marshal()); err != nil {
			return nil, fmt.Errorf("write hello: %w", err)
		}
	}

	if remote.perspective != cfg.Perspective.Peer() {
		return nil, fmt.Errorf("%w: peer claims perspective %d", ErrBadHello, remote.perspective)
	}
	if remote.static != cfg.Peer {
		return nil, fmt.Errorf("%w: got %s, expected %s",
			ErrPeerMismatch, remote.static.Fingerprint(), cfg.Peer.Fingerprint())
	}
	if !remote.static.Verify(signedPayload(remote.perspective, remote.ephemeral, cfg.PSK), remote.signature) {
		// Either a forged hello or a different PSK.
		return nil, fmt.Errorf("%w or %w", ErrBadSignature, ErrPSKMismatch)
	}

	secret, err := ComputeECDH(priv, remote.ephemeral)
	if err != nil {
		return nil, err
	}
	defer ZeroKey(&secret)

	alicePub, bobPub := local.ephemeral, remote.ephemeral
	if cfg.Perspective == mode.Bob {
		alicePub, bobPub = bobPub, alicePub
	}
	key := DeriveSessionKey(secret, cfg.PSK, alicePub, bobPub, cfg.Perspective == mode.Alice)
	conn := newConn(rw, key)

	if err := confirm(conn, cfg.Perspective); err != nil {
		return nil, err
	}
	return conn, nil
}

func readHello(r io.Reader) (*hello, error) {
	buf := make([]byte, helloSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	return parseHello(buf)
}

// confirm exchanges one record in each direction so that a key mismatch is
// reported by the handshake rather than by the first session frame.
func confirm(c *Conn, p mode.Perspective) error {
	mine, theirs := confirmAlice, confirmBob
	if p == mode.Bob {
		mine, theirs = theirs, mine
	}

	send := func() error {
		_, err := c.Write([]byte(mine))
		return err
	}
	recv := func() error {
		buf := make([]byte, len(theirs))
		if _, err := io.ReadFull(c, buf); err != nil {
			if errors.Is(err, ErrDecrypt) {
				return fmt.Errorf("%w: %w", ErrPSKMismatch, err)
			}
			return fmt.Errorf("read confirmation: %w", err)
		}
		if !bytes.Equal(buf, []byte(theirs)) {
			return ErrPSKMismatch
		}
		return nil
	}

	if p == mode.Alice {
		if err := send(); err != nil {
			return err
		}
		return recv()
	}
	if err := recv(); err != nil {
		return err
	}
	return send()
}
