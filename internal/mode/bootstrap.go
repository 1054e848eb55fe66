package mode

import (
	"errors"
	"fmt"

	"github.com/postalsys/oxy/internal/keys"
)

var (
	// ErrMissingPeer is returned when a session mode has no peer key.
	ErrMissingPeer = errors.New("you must provide the peer public key (-p)")

	// ErrMissingPSK is returned when Alice has no pre-shared key. A
	// generated key could never reach the passive side.
	ErrMissingPSK = errors.New("you must provide a pre-shared static key (-k)")

	// ErrMissingDestination is returned when a dialing mode has no address.
	ErrMissingDestination = errors.New("a destination address is required")
)

// Options are the raw bootstrap inputs collected from the command line.
type Options struct {
	Mode         Mode
	Peer         string
	StaticKey    string
	Keyfile      string
	Address      string
	Metacommands []string
}

// Bootstrap is a fully resolved session setup.
type Bootstrap struct {
	Mode         Mode
	Perspective  Perspective
	Peer         keys.PublicKey
	PSK          string
	GeneratedPSK bool
	Keyfile      string
	Address      string
	Dial         bool
	Metacommands []string
}

// Resolve validates opts and fills in the defaults of its mode.
func Resolve(opts Options) (*Bootstrap, error) {
	if !opts.Mode.NeedsSession() {
		return nil, fmt.Errorf("mode %s does not run a session", opts.Mode)
	}

	b := &Bootstrap{
		Mode:         opts.Mode,
		Perspective:  opts.Mode.Perspective(),
		Keyfile:      opts.Keyfile,
		Dial:         opts.Mode.DialsOut(),
		Metacommands: opts.Metacommands,
	}

	if opts.Peer == "" {
		return nil, ErrMissingPeer
	}
	peer, err := keys.ParsePublicKey(opts.Peer)
	if err != nil {
		return nil, fmt.Errorf("peer key: %w", err)
	}
	b.Peer = peer

	switch {
	case opts.StaticKey != "":
		b.PSK = opts.StaticKey
	case b.Perspective == Alice:
		return nil, ErrMissingPSK
	default:
		psk, err := keys.MakePSK()
		if err != nil {
			return nil, err
		}
		b.PSK = psk
		b.GeneratedPSK = true
	}

	if b.Keyfile == "" {
		b.Keyfile = opts.Mode.DefaultKeyfile()
	}

	b.Address = opts.Address
	if b.Address == "" {
		b.Address = opts.Mode.DefaultAddress()
	}
	b.Address = NormalizeAddress(b.Address, DefaultPort)
	if b.Dial && b.Address == "" {
		return nil, ErrMissingDestination
	}

	if len(b.Metacommands) > 0 && b.Perspective != Alice {
		return nil, fmt.Errorf("metacommands require an active mode, not %s", opts.Mode)
	}
	return b, nil
}
