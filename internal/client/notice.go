package client

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/postalsys/oxy/internal/session"
)

var (
	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42"))

	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196"))
)

// notifier writes status lines for the user, separate from remote output.
type notifier struct {
	mu sync.Mutex
	w  io.Writer
}

func (n *notifier) line(style lipgloss.Style, format string, args ...any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fmt.Fprintln(n.w, style.Render(fmt.Sprintf(format, args...)))
}

func (n *notifier) Info(format string, args ...any) {
	n.line(infoStyle, format, args...)
}

func (n *notifier) OK(format string, args ...any) {
	n.line(okStyle, "✓ "+format, args...)
}

// Fail reports a failed metacommand. Peer rejections show the peer's note.
func (n *notifier) Fail(m Metacommand, err error) {
	if note, ok := session.IsRejected(err); ok {
		n.line(errorStyle, "✗ %s: rejected by peer: %s", m, note)
		return
	}
	n.line(errorStyle, "✗ %s: %v", m, err)
}
