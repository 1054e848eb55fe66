// Package mode resolves an operating mode into the protocol perspective,
// the transport direction and the rest of the bootstrap parameters.
//
// Perspective and transport direction are independent: reverse-server dials
// out yet answers the handshake as Bob, and reverse-client listens yet
// drives the handshake as Alice.
package mode

import (
	"fmt"
	"strings"
)

// Perspective is the protocol role of one side of a session.
type Perspective uint8

const (
	// Alice is the active side: it starts the handshake, queries the
	// protocol version and usually opens exchanges.
	Alice Perspective = iota
	// Bob is the passive side: it answers the handshake and serves
	// exchanges.
	Bob
)

// String implements fmt.Stringer.
func (p Perspective) String() string {
	switch p {
	case Alice:
		return "alice"
	case Bob:
		return "bob"
	default:
		return fmt.Sprintf("perspective(%d)", uint8(p))
	}
}

// Peer returns the opposite perspective.
func (p Perspective) Peer() Perspective {
	if p == Alice {
		return Bob
	}
	return Alice
}

// Mode is one of the operating modes of the binary.
type Mode string

// Operating modes.
const (
	Client        Mode = "client"
	Reexec        Mode = "reexec"
	Server        Mode = "server"
	ServeOne      Mode = "serve-one"
	ReverseServer Mode = "reverse-server"
	ReverseClient Mode = "reverse-client"
	Keygen        Mode = "keygen"
	Help          Mode = "help"
)

// All lists every mode in display order.
var All = []Mode{Client, Reexec, Server, ServeOne, ReverseServer, ReverseClient, Keygen, Help}

// Parse returns the mode named by s.
func Parse(s string) (Mode, error) {
	for _, m := range All {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// IsMode reports whether s names a mode.
func IsMode(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// Perspective returns the protocol role of the mode. Server-like modes are
// Bob; everything else, including unknown modes, is Alice.
func (m Mode) Perspective() Perspective {
	switch m {
	case Reexec, Server, ServeOne, ReverseServer:
		return Bob
	default:
		return Alice
	}
}

// DialsOut reports whether the mode establishes the transport by dialing.
func (m Mode) DialsOut() bool {
	return m == Client || m == ReverseServer
}

// Listens reports whether the mode establishes the transport by accepting.
func (m Mode) Listens() bool {
	return m == Server || m == ServeOne || m == ReverseClient
}

// NeedsSession reports whether the mode runs a protocol session.
func (m Mode) NeedsSession() bool {
	return m != Keygen && m != Help
}

// Interactive reports whether the mode drives the user-facing client.
func (m Mode) Interactive() bool {
	return m.Perspective() == Alice && m.NeedsSession()
}

// DefaultAddress returns the address used when none is given.
func (m Mode) DefaultAddress() string {
	switch m {
	case ReverseClient:
		return fmt.Sprintf("0.0.0.0:%d", DefaultReversePort)
	case Server, ServeOne:
		return fmt.Sprintf("0.0.0.0:%d", DefaultPort)
	default:
		return ""
	}
}

// DefaultKeyfile returns the keyfile used when none is given.
func (m Mode) DefaultKeyfile() string {
	if m.Perspective() == Bob {
		return "./server_key"
	}
	return "./client_key"
}

// Default ports.
const (
	DefaultPort        = 2600
	DefaultReversePort = 2601
)

// NormalizeAddress appends the default port to an address without one.
func NormalizeAddress(addr string, defaultPort int) string {
	if addr == "" || strings.Contains(addr, ":") {
		return addr
	}
	return fmt.Sprintf("%s:%d", addr, defaultPort)
}

// NormalizeArgs inserts the implicit client mode. A first positional
// argument that is not a mode is a destination, so "oxy host" means
// "oxy client host". args excludes the program name.
func NormalizeArgs(args []string) []string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if strings.HasPrefix(arg, "-") {
			if flagTakesValue(arg) {
				i++
			}
			continue
		}
		if IsMode(arg) || arg == "completion" || arg == "__complete" {
			return args
		}
		out := make([]string, 0, len(args)+1)
		out = append(out, string(Client))
		return append(out, args...)
	}
	return args
}

// flagTakesValue lists the global flags whose value is a separate argument.
func flagTakesValue(flag string) bool {
	switch flag {
	case "-p", "--peer", "-k", "--static-key", "-m", "--metacommand",
		"--keyfile", "--config", "--log-level", "--log-format", "--transport":
		return true
	}
	return false
}
