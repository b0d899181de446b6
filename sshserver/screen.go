package sshserver

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

type screen struct {
	out io.Writer
}

func newScreen(out io.Writer) *screen {
	return &screen{out: out}
}

func (s *screen) EnterAltScreen() {
	_, _ = io.WriteString(s.out, "\x1b[?1049h\x1b[?25l\x1b[H\x1b[2J")
}

func (s *screen) ExitAltScreen() {
	_, _ = io.WriteString(s.out, "\x1b[?1049l\x1b[?25h")
}

func (s *screen) Render(lines []string, status string, width, height int) error {
	_, err := io.WriteString(s.out, composeFrame(lines, status, width, height))
	return err
}

// composeFrame draws the trailing lines that fit above a reverse-video
// status row. Each row is truncated to width and cleared to the right.
func composeFrame(lines []string, status string, width, height int) string {
	if width <= 0 {
		width = 80
	}
	if height <= 1 {
		height = 2
	}
	body := height - 1
	if len(lines) > body {
		lines = lines[len(lines)-body:]
	}
	var b strings.Builder
	b.WriteString("\x1b[H")
	for row := 0; row < body; row++ {
		b.WriteString(fmt.Sprintf("\x1b[%d;1H", row+1))
		if row < len(lines) {
			b.WriteString(ansi.Truncate(lines[row], width, ""))
		}
		b.WriteString("\x1b[K")
	}
	b.WriteString(fmt.Sprintf("\x1b[%d;1H", height))
	status = ansi.Truncate(status, width, "…")
	if pad := width - ansi.StringWidth(status); pad > 0 {
		status += strings.Repeat(" ", pad)
	}
	b.WriteString("\x1b[7m")
	b.WriteString(status)
	b.WriteString("\x1b[0m")
	return b.String()
}

func statusLine(status statusView) string {
	parts := []string{"termpilot", string(status.Phase)}
	if status.Tag != "" {
		parts = append(parts, "session "+string(status.Tag))
	}
	if status.TerminalID != "" {
		parts = append(parts, "terminal "+string(status.TerminalID))
	}
	if status.ManuallyControlled {
		parts = append(parts, "manual")
	}
	if status.Paused {
		parts = append(parts, "paused")
	}
	if status.last != "" {
		parts = append(parts, "last "+status.last)
	}
	parts = append(parts, "q quit")
	return " " + strings.Join(parts, " │ ")
}
