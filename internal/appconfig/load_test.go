package appconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaultsWhenMissing(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Transport.Kind != TransportPTY {
		t.Fatalf("expected pty transport, got %q", cfg.Transport.Kind)
	}
	if cfg.Engine.PauseAttempts != 5 || cfg.Engine.TickIntervalMS != 1000 {
		t.Fatalf("unexpected engine defaults: %+v", cfg.Engine)
	}
	if cfg.SSH.Addr != "" {
		t.Fatalf("expected ssh viewer disabled by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("TP_SOCK", "/run/tp")
	path := writeConfig(t, `
config_version: 1
engine:
  agent: gemini
  launch_command: gemini --yolo
  tick_interval_ms: 250
  ready_timeout_seconds: 30
transport:
  kind: tmux
  env:
    - FOO=bar
    - BROKEN
  tmux:
    socket_path: ${TP_SOCK}/tmux.sock
http:
  addr: 127.0.0.1:9000
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.Agent != "gemini" || cfg.Engine.LaunchCommand != "gemini --yolo" {
		t.Fatalf("unexpected agent settings: %+v", cfg.Engine)
	}
	if cfg.Transport.Kind != TransportTmux {
		t.Fatalf("expected tmux transport, got %q", cfg.Transport.Kind)
	}
	if cfg.Transport.Tmux.SocketPath != "/run/tp/tmux.sock" {
		t.Fatalf("expected expanded socket path, got %q", cfg.Transport.Tmux.SocketPath)
	}
	env := cfg.Transport.EnvMap()
	if env["FOO"] != "bar" || len(env) != 1 {
		t.Fatalf("expected env override, got %v", env)
	}
	if cfg.Engine.Rows != 24 {
		t.Fatalf("expected default rows to survive, got %d", cfg.Engine.Rows)
	}
	engine := cfg.EngineSettings()
	if engine.TickInterval != 250*time.Millisecond || engine.ReadyTimeout != 30*time.Second {
		t.Fatalf("unexpected engine conversion: %+v", engine)
	}
}

func TestLoadRejectsVersionMismatch(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := writeConfig(t, "config_version: 7\n")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "unsupported config_version 7") {
		t.Fatalf("expected version error, got %v", err)
	}
}

func TestLoadRequiresVersion(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := writeConfig(t, "http:\n  addr: 127.0.0.1:1\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected missing config_version error")
	}
}

func TestLoadRejectsUnknownTransport(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := writeConfig(t, "config_version: 1\ntransport:\n  kind: serial\n")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "transport.kind") {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestLoadRejectsInvertedJitter(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := writeConfig(t, "config_version: 1\nengine:\n  key_jitter_min_ms: 20\n  key_jitter_max_ms: 10\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected jitter error")
	}
}

func TestLoadRejectsBadAddr(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := writeConfig(t, "config_version: 1\nssh:\n  addr: nope\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected addr error")
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("TP_TEST", "value")
	if got := expandEnv("a/${TP_TEST}/b"); got != "a/value/b" {
		t.Fatalf("unexpected expansion: %q", got)
	}
	if got := expandEnv("$TP_MISSING_VAR"); got != "$TP_MISSING_VAR" {
		t.Fatalf("expected unknown var preserved, got %q", got)
	}
	if got := expandEnv("${UID}"); got == "" || got == "$UID" {
		t.Fatalf("expected UID fallback, got %q", got)
	}
}

func TestWriteDefaultRespectsOverwrite(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	if _, err := WriteDefault(path, false); err != nil {
		t.Fatalf("write default: %v", err)
	}
	if _, err := WriteDefault(path, false); err == nil {
		t.Fatalf("expected error when config exists")
	}
	if _, err := WriteDefault(path, true); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600, got %v", info.Mode().Perm())
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load written default: %v", err)
	}
	if cfg.ConfigVersion != CurrentConfigVersion {
		t.Fatalf("unexpected version %d", cfg.ConfigVersion)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimLeft(content, "\n")), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
