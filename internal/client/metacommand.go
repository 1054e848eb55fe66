package client

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/mattn/go-shellwords"

	"github.com/postalsys/oxy/internal/filetransfer"
	"github.com/postalsys/oxy/internal/forward"
)

// Verb names a metacommand.
type Verb string

// Metacommand verbs.
const (
	VerbExec     Verb = "exec"
	VerbPipe     Verb = "pipe"
	VerbPty      Verb = "pty"
	VerbDownload Verb = "download"
	VerbUpload   Verb = "upload"
	VerbList     Verb = "ls"
	VerbStat     Verb = "stat"
	VerbHash     Verb = "hash"
	VerbTruncate Verb = "truncate"
	VerbLocal    Verb = "L"
	VerbRemote   Verb = "R"
	VerbDynamic  Verb = "D"
	VerbKnock    Verb = "knock"
	VerbTun      Verb = "tun"
	VerbTap      Verb = "tap"
	VerbQuit     Verb = "quit"
)

type verbSpec struct {
	min, max int
	usage    string
}

// rest marks a verb whose last argument takes the remainder of the line.
const rest = -1

var verbs = map[Verb]verbSpec{
	VerbExec:     {1, rest, "exec COMMAND"},
	VerbPipe:     {1, rest, "pipe COMMAND"},
	VerbPty:      {0, rest, "pty [COMMAND]"},
	VerbDownload: {1, 2, "download [-c] REMOTE [LOCAL]"},
	VerbUpload:   {1, 2, "upload [-c] LOCAL [REMOTE]"},
	VerbList:     {1, 1, "ls PATH"},
	VerbStat:     {1, 1, "stat PATH"},
	VerbHash:     {1, 1, "hash [-a sha256|sha512|blake2b|md5] PATH"},
	VerbTruncate: {2, 2, "truncate PATH LEN"},
	VerbLocal:    {2, 2, "L LOCALADDR REMOTEADDR"},
	VerbRemote:   {2, 2, "R REMOTEADDR LOCALADDR"},
	VerbDynamic:  {1, 1, "D LOCALADDR"},
	VerbKnock:    {2, 2, "knock DEST HEXDATA"},
	VerbTun:      {2, 2, "tun LOCALNAME REMOTENAME"},
	VerbTap:      {2, 2, "tap LOCALNAME REMOTENAME"},
	VerbQuit:     {0, 0, "quit"},
}

// ErrEmptyMetacommand is returned for a blank metacommand.
var ErrEmptyMetacommand = errors.New("empty metacommand")

// Metacommand is one parsed -m argument.
type Metacommand struct {
	Verb Verb
	Args []string

	// Hash algorithm, set by -a.
	Algorithm filetransfer.Algorithm
	// Truncate length.
	Length uint64
	// Knock payload.
	Knock []byte
	// Resume continues a partial download or upload, set by -c.
	Resume bool

	line string
}

func (m Metacommand) String() string {
	if takesLine(m.Verb) && m.line != "" {
		return string(m.Verb) + " " + m.line
	}
	if len(m.Args) == 0 {
		return string(m.Verb)
	}
	return string(m.Verb) + " " + strings.Join(m.Args, " ")
}

// Line returns the command text of exec, pipe and pty exactly as given.
func (m Metacommand) Line() string {
	return m.line
}

// takesLine reports whether the verb passes the rest of the line to a
// remote shell untouched.
func takesLine(v Verb) bool {
	return v == VerbExec || v == VerbPipe || v == VerbPty
}

// Parse parses one metacommand. Arguments are split the way a shell splits
// words: quotes and backslashes keep spaces inside an argument. Command verbs keep the
// rest of the line verbatim for the remote shell.
func Parse(line string) (Metacommand, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Metacommand{}, ErrEmptyMetacommand
	}
	name, remainder := line, ""
	if i := strings.IndexFunc(line, unicode.IsSpace); i >= 0 {
		name, remainder = line[:i], strings.TrimSpace(line[i:])
	}

	m := Metacommand{Verb: Verb(name)}
	vs, ok := verbs[m.Verb]
	if !ok {
		return Metacommand{}, fmt.Errorf("unknown metacommand %q", name)
	}

	if takesLine(m.Verb) {
		m.line = remainder
		m.Args = strings.Fields(remainder)
	} else {
		args, err := splitFields(remainder)
		if err != nil {
			return Metacommand{}, err
		}
		m.Args = args
	}

	switch m.Verb {
	case VerbHash:
		if err := m.parseHashFlags(); err != nil {
			return Metacommand{}, err
		}
	case VerbDownload, VerbUpload:
		if len(m.Args) > 0 && m.Args[0] == "-c" {
			m.Resume = true
			m.Args = m.Args[1:]
		}
	}
	if len(m.Args) < vs.min || (vs.max != rest && len(m.Args) > vs.max) {
		return Metacommand{}, fmt.Errorf("usage: %s", vs.usage)
	}

	switch m.Verb {
	case VerbTruncate:
		n, err := strconv.ParseUint(m.Args[1], 10, 64)
		if err != nil {
			return Metacommand{}, fmt.Errorf("truncate: invalid length %q", m.Args[1])
		}
		m.Length = n
	case VerbKnock:
		knock, err := forward.ParseKnock(m.Args[1])
		if err != nil {
			return Metacommand{}, fmt.Errorf("knock: %w", err)
		}
		m.Knock = knock
	}
	return m, nil
}

// ParseAll parses every metacommand and fails on the first invalid one.
func ParseAll(lines []string) ([]Metacommand, error) {
	out := make([]Metacommand, 0, len(lines))
	for i, line := range lines {
		m, err := Parse(line)
		if err != nil {
			return nil, fmt.Errorf("metacommand %d: %w", i+1, err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (m *Metacommand) parseHashFlags() error {
	args := m.Args[:0:0]
	for i := 0; i < len(m.Args); i++ {
		if m.Args[i] != "-a" {
			args = append(args, m.Args[i])
			continue
		}
		if i+1 >= len(m.Args) {
			return errors.New("hash: -a needs an algorithm")
		}
		alg, err := filetransfer.ParseAlgorithm(m.Args[i+1])
		if err != nil {
			return err
		}
		m.Algorithm = alg
		i++
	}
	m.Args = args
	return nil
}

// splitFields splits line into words with shell quoting and backslash
// escapes. Variables are not expanded.
func splitFields(line string) ([]string, error) {
	p := shellwords.NewParser()
	fields, err := p.Parse(line)
	if err != nil {
		return nil, fmt.Errorf("split arguments: %w", err)
	}
	if p.Position >= 0 {
		return nil, fmt.Errorf("unquoted shell operator in %q", line)
	}
	return fields, nil
}
