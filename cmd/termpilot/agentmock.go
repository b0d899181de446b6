package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const clearScreen = "\x1b[H\x1b[2J"

type mockState int

const (
	mockTrust mockState = iota
	mockOption
	mockInput
	mockWorking
)

type agentMockOptions struct {
	trust  bool
	option bool
	work   time.Duration
}

func newAgentMockCmd() *cobra.Command {
	var opts agentMockOptions
	cmd := &cobra.Command{
		Use:           "agent-mock",
		Short:         "Fake interactive assistant TUI for exercising the engine",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgentMock(cmd.Context(), opts, os.Stdin, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&opts.trust, "trust", true, "show the folder trust screen first")
	cmd.Flags().BoolVar(&opts.option, "option", false, "ask a numbered yes/no question after the first prompt")
	cmd.Flags().DurationVar(&opts.work, "work", 3*time.Second, "how long each prompt keeps the agent busy")
	return cmd
}

func runAgentMock(ctx context.Context, opts agentMockOptions, in *os.File, out io.Writer) error {
	if term.IsTerminal(int(in.Fd())) {
		state, err := term.MakeRaw(int(in.Fd()))
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		defer func() { _ = term.Restore(int(in.Fd()), state) }()
	}
	dir, _ := os.Getwd()
	agent := newMockAgent(out, opts, dir)
	agent.render()

	input := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 256)
		for {
			n, err := in.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				select {
				case input <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	for {
		var workDone <-chan time.Time
		if agent.state == mockWorking {
			workDone = agent.workTimer.C
		}
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if err == io.EOF {
				return nil
			}
			return err
		case chunk := <-input:
			if agent.handleInput(chunk) {
				_, _ = io.WriteString(out, clearScreen)
				return nil
			}
		case <-workDone:
			agent.finishWork()
		}
	}
}

// mockAgent renders a small assistant-like TUI. Every change redraws the
// whole screen.
type mockAgent struct {
	out  io.Writer
	opts agentMockOptions
	dir  string

	state       mockState
	askedOption bool
	input       []byte
	transcript  []string
	interrupted bool
	current     string
	workTimer   *time.Timer
}

func newMockAgent(out io.Writer, opts agentMockOptions, dir string) *mockAgent {
	a := &mockAgent{out: out, opts: opts, dir: dir, state: mockInput}
	if opts.trust {
		a.state = mockTrust
	}
	return a
}

// handleInput applies a chunk of keyboard input and reports whether the
// agent should exit.
func (a *mockAgent) handleInput(chunk []byte) bool {
	for i := 0; i < len(chunk); i++ {
		b := chunk[i]
		if b == 0x03 || b == 0x04 {
			return true
		}
		if b == 0x1b {
			if i+1 < len(chunk) && (chunk[i+1] == '[' || chunk[i+1] == 'O') {
				i = skipSequence(chunk, i+1)
				continue
			}
			a.escape()
			continue
		}
		switch a.state {
		case mockTrust:
			if b == '\r' {
				a.state = mockInput
			}
		case mockOption:
			switch b {
			case '1':
				a.transcript = append(a.transcript, "● Proceeding.")
				a.state = mockInput
			case '2':
				a.transcript = append(a.transcript, "● Skipped.")
				a.state = mockInput
			}
		case mockInput:
			a.typeByte(b)
		case mockWorking:
		}
	}
	a.render()
	return false
}

func skipSequence(chunk []byte, i int) int {
	for j := i + 1; j < len(chunk); j++ {
		if chunk[j] >= 0x40 && chunk[j] <= 0x7e {
			return j
		}
	}
	return len(chunk) - 1
}

func (a *mockAgent) typeByte(b byte) {
	switch {
	case b == '\r' || b == '\n':
		if n := len(a.input); n > 0 && a.input[n-1] == '\\' {
			a.input[n-1] = '\n'
			return
		}
		a.submit()
	case b == 0x7f || b == 0x08:
		if len(a.input) > 0 {
			_, size := utf8.DecodeLastRune(a.input)
			a.input = a.input[:len(a.input)-size]
		}
	case b >= 0x20:
		a.input = append(a.input, b)
	}
}

func (a *mockAgent) submit() {
	text := strings.TrimSpace(string(a.input))
	a.input = a.input[:0]
	if text == "" {
		return
	}
	a.interrupted = false
	for i, line := range strings.Split(text, "\n") {
		prefix := "> "
		if i > 0 {
			prefix = "  "
		}
		a.transcript = append(a.transcript, prefix+line)
	}
	a.current = text
	a.state = mockWorking
	a.workTimer = time.NewTimer(a.opts.work)
}

func (a *mockAgent) escape() {
	if a.state != mockWorking {
		return
	}
	a.stopWork()
	a.interrupted = true
	a.transcript = append(a.transcript, "  ⎿  Interrupted by user")
	a.state = mockInput
}

func (a *mockAgent) finishWork() {
	a.stopWork()
	a.transcript = append(a.transcript, "● Done: "+firstLine(a.current))
	a.state = mockInput
	if a.opts.option && !a.askedOption {
		a.askedOption = true
		a.state = mockOption
	}
	a.render()
}

func (a *mockAgent) stopWork() {
	if a.workTimer != nil {
		a.workTimer.Stop()
		a.workTimer = nil
	}
}

func (a *mockAgent) render() {
	_, _ = io.WriteString(a.out, clearScreen+strings.Join(a.lines(), "\r\n"))
}

func (a *mockAgent) lines() []string {
	if a.state == mockTrust {
		return []string{
			"╭──────────────────────────────────────────╮",
			"│ Do you trust this folder?                │",
			"╰──────────────────────────────────────────╯",
			"",
			"  " + a.dir,
			"",
			"  Enter to confirm · Ctrl+C to exit",
		}
	}
	lines := []string{"✻ agent-mock", ""}
	lines = append(lines, a.transcript...)
	switch a.state {
	case mockWorking:
		lines = append(lines, "", "✶ Working… (esc to interrupt)")
	case mockOption:
		lines = append(lines, "", "Apply the suggested change?", "❯ 1. Yes", "  2. No")
	default:
		lines = append(lines, "")
		inputLines := strings.Split(string(a.input), "\n")
		lines = append(lines, "╭──────────────────────────────────────────╮")
		for i, line := range inputLines {
			if i == 0 {
				lines = append(lines, "│ > "+line)
			} else {
				lines = append(lines, "│   "+line)
			}
		}
		lines = append(lines, "╰──────────────────────────────────────────╯")
	}
	return lines
}

func firstLine(text string) string {
	line, _, _ := strings.Cut(text, "\n")
	return line
}
