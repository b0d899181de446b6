package tmuxpane

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// runner executes tmux commands.
type runner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// execRunner runs the tmux binary against a dedicated server socket.
type execRunner struct {
	tmuxPath   string
	socketPath string
}

func (r execRunner) Run(ctx context.Context, args ...string) (string, error) {
	var full []string
	if r.socketPath != "" {
		full = append(full, "-S", r.socketPath)
	}
	full = append(full, args...)
	cmd := exec.CommandContext(ctx, r.tmuxPath, full...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		op := ""
		if len(args) > 0 {
			op = args[0]
		}
		return "", &Error{Op: op, Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}
	return stdout.String(), nil
}

// Error reports a failed tmux invocation.
type Error struct {
	Op     string
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("tmux %s failed: %v", e.Op, e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}
