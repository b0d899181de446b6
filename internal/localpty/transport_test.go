package localpty

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/termpilot/core"
	"pkt.systems/termpilot/schema"
)

func TestTransportRunsShellCommand(t *testing.T) {
	transport := New(Config{Shell: "/bin/sh"})
	ctx := context.Background()
	handle, err := transport.Connect(ctx, core.ConnectSpec{Rows: 24, Cols: 80, WorkingDir: t.TempDir()})
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	defer handle.Kill(ctx)

	screen := core.NewScreen(24)
	var mu sync.Mutex
	unsubscribe, err := handle.Subscribe(func(batch schema.ScreenBatch) {
		mu.Lock()
		screen.ApplyBatch(batch)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsubscribe()

	if err := handle.SendText(ctx, "echo termpilot-$((40+2))\r"); err != nil {
		t.Fatalf("send: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		text := strings.Join(screen.Viewport(24), "\n")
		mu.Unlock()
		if strings.Contains(text, "termpilot-42") {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("command output not seen: %q", screen.Viewport(24))
}

func TestTransportKillClosesTerminal(t *testing.T) {
	transport := New(Config{Shell: "/bin/sh"})
	ctx := context.Background()
	handle, err := transport.Connect(ctx, core.ConnectSpec{})
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	if transport.Count() != 1 {
		t.Fatalf("expected one open terminal, got %d", transport.Count())
	}
	if err := handle.Kill(ctx); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if err := handle.Kill(ctx); err != nil {
		t.Fatalf("second kill: %v", err)
	}
	if transport.Count() != 0 {
		t.Fatalf("expected terminal forgotten, got %d", transport.Count())
	}
	if err := handle.SendText(ctx, "x"); !errors.Is(err, schema.ErrTerminalClosed) {
		t.Fatalf("expected closed terminal, got %v", err)
	}
	if _, err := handle.Subscribe(func(schema.ScreenBatch) {}); !errors.Is(err, schema.ErrTerminalClosed) {
		t.Fatalf("expected closed subscribe, got %v", err)
	}
}

func TestTransportEnforcesLimit(t *testing.T) {
	transport := New(Config{Shell: "/bin/sh", MaxTerminals: 1})
	ctx := context.Background()
	handle, err := transport.Connect(ctx, core.ConnectSpec{})
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	defer handle.Kill(ctx)
	if _, err := transport.Connect(ctx, core.ConnectSpec{}); !errors.Is(err, ErrTooManyTerminals) {
		t.Fatalf("expected limit error, got %v", err)
	}
}

func TestResolveShellFallback(t *testing.T) {
	t.Setenv("SHELL", "")
	orig := lookPath
	defer func() { lookPath = orig }()
	lookPath = func(name string) (string, error) {
		if name == "bash" {
			return "/usr/bin/bash", nil
		}
		return "", errors.New("missing")
	}
	got, err := resolveShell("")
	if err != nil || got != "/usr/bin/bash" {
		t.Fatalf("expected bash fallback, got %q %v", got, err)
	}
	if got, _ := resolveShell("/bin/fish"); got != "/bin/fish" {
		t.Fatalf("expected configured shell, got %q", got)
	}
}

func TestBuildEnvAddsTerminalDefaults(t *testing.T) {
	env := buildEnv([]string{"A=1"}, map[string]string{"B": "2"}, nil)
	joined := strings.Join(env, " ")
	for _, want := range []string{"A=1", "TERM=xterm-256color", "COLORTERM=truecolor", "B=2"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected %q in env %q", want, env)
		}
	}
}
