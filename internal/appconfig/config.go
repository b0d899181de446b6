package appconfig

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/termpilot/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int             `mapstructure:"config_version" yaml:"config_version"`
	Engine        EngineConfig    `mapstructure:"engine" yaml:"engine"`
	Transport     TransportConfig `mapstructure:"transport" yaml:"transport"`
	HTTP          HTTPConfig      `mapstructure:"http" yaml:"http"`
	SSH           SSHConfig       `mapstructure:"ssh" yaml:"ssh"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// Transport kinds.
const (
	TransportPTY  = "pty"
	TransportTmux = "tmux"
)

// EngineConfig controls automation timing and the launched agent.
type EngineConfig struct {
	Rows                int    `mapstructure:"rows" yaml:"rows"`
	Cols                int    `mapstructure:"cols" yaml:"cols"`
	Agent               string `mapstructure:"agent" yaml:"agent"`
	LaunchCommand       string `mapstructure:"launch_command" yaml:"launch_command"`
	PreflightMarker     string `mapstructure:"preflight_marker" yaml:"preflight_marker"`
	DisablePreflight    bool   `mapstructure:"disable_preflight" yaml:"disable_preflight"`
	TickIntervalMS      int    `mapstructure:"tick_interval_ms" yaml:"tick_interval_ms"`
	PauseAttempts       int    `mapstructure:"pause_attempts" yaml:"pause_attempts"`
	EscapeIntervalMS    int    `mapstructure:"escape_interval_ms" yaml:"escape_interval_ms"`
	KeyJitterMinMS      int    `mapstructure:"key_jitter_min_ms" yaml:"key_jitter_min_ms"`
	KeyJitterMaxMS      int    `mapstructure:"key_jitter_max_ms" yaml:"key_jitter_max_ms"`
	SubmitSettleMS      int    `mapstructure:"submit_settle_ms" yaml:"submit_settle_ms"`
	ResumeSettleMS      int    `mapstructure:"resume_settle_ms" yaml:"resume_settle_ms"`
	StopDelayMS         int    `mapstructure:"stop_delay_ms" yaml:"stop_delay_ms"`
	ReadyTimeoutSeconds int    `mapstructure:"ready_timeout_seconds" yaml:"ready_timeout_seconds"`
	ScreenUpdateLines   int    `mapstructure:"screen_update_lines" yaml:"screen_update_lines"`
}

// TransportConfig selects and configures the terminal transport.
type TransportConfig struct {
	Kind         string     `mapstructure:"kind" yaml:"kind"`
	Shell        string     `mapstructure:"shell" yaml:"shell"`
	Login        bool       `mapstructure:"login" yaml:"login"`
	Env          []string   `mapstructure:"env" yaml:"env"`
	MaxTerminals int        `mapstructure:"max_terminals" yaml:"max_terminals"`
	Tmux         TmuxConfig `mapstructure:"tmux" yaml:"tmux"`
}

// TmuxConfig configures the tmux transport.
type TmuxConfig struct {
	Path           string `mapstructure:"path" yaml:"path"`
	SocketPath     string `mapstructure:"socket_path" yaml:"socket_path"`
	SessionPrefix  string `mapstructure:"session_prefix" yaml:"session_prefix"`
	PollIntervalMS int    `mapstructure:"poll_interval_ms" yaml:"poll_interval_ms"`
}

// HTTPConfig configures the control API. An empty addr disables it.
type HTTPConfig struct {
	Addr        string `mapstructure:"addr" yaml:"addr"`
	HistorySize int    `mapstructure:"history_size" yaml:"history_size"`
}

// SSHConfig configures the live viewer. An empty addr disables it.
type SSHConfig struct {
	Addr               string `mapstructure:"addr" yaml:"addr"`
	HostKeyPath        string `mapstructure:"host_key_path" yaml:"host_key_path"`
	AuthorizedKeysPath string `mapstructure:"authorized_keys_path" yaml:"authorized_keys_path"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		Engine: EngineConfig{
			Rows:                schema.DefaultRows,
			Cols:                schema.DefaultCols,
			Agent:               schema.DefaultAgent,
			LaunchCommand:       schema.DefaultAgent,
			PreflightMarker:     schema.DefaultPreflightMarker,
			DisablePreflight:    false,
			TickIntervalMS:      1000,
			PauseAttempts:       schema.DefaultPauseAttempts,
			EscapeIntervalMS:    500,
			KeyJitterMinMS:      5,
			KeyJitterMaxMS:      10,
			SubmitSettleMS:      1000,
			ResumeSettleMS:      1000,
			StopDelayMS:         500,
			ReadyTimeoutSeconds: 120,
			ScreenUpdateLines:   schema.DefaultRows,
		},
		Transport: TransportConfig{
			Kind:         TransportPTY,
			Shell:        "",
			Login:        true,
			Env:          []string{},
			MaxTerminals: 100,
			Tmux: TmuxConfig{
				Path:           "tmux",
				SocketPath:     filepath.Join(home, ".termpilot", "tmux.sock"),
				SessionPrefix:  "termpilot",
				PollIntervalMS: 200,
			},
		},
		HTTP: HTTPConfig{
			Addr:        "127.0.0.1:27480",
			HistorySize: 512,
		},
		SSH: SSHConfig{
			Addr:               "",
			HostKeyPath:        filepath.Join(home, ".termpilot", "ssh_host_key"),
			AuthorizedKeysPath: filepath.Join(home, ".ssh", "authorized_keys"),
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".termpilot", "config.yaml"), nil
}

// EngineSettings converts the engine section into engine config.
func (c Config) EngineSettings() schema.EngineConfig {
	e := c.Engine
	return schema.EngineConfig{
		Rows:              e.Rows,
		Cols:              e.Cols,
		Agent:             e.Agent,
		LaunchCommand:     e.LaunchCommand,
		PreflightMarker:   e.PreflightMarker,
		DisablePreflight:  e.DisablePreflight,
		TickInterval:      millis(e.TickIntervalMS),
		PauseAttempts:     e.PauseAttempts,
		EscapeInterval:    millis(e.EscapeIntervalMS),
		KeyJitterMin:      millis(e.KeyJitterMinMS),
		KeyJitterMax:      millis(e.KeyJitterMaxMS),
		SubmitSettle:      millis(e.SubmitSettleMS),
		ResumeSettle:      millis(e.ResumeSettleMS),
		StopDelay:         millis(e.StopDelayMS),
		ReadyTimeout:      time.Duration(e.ReadyTimeoutSeconds) * time.Second,
		ScreenUpdateLines: e.ScreenUpdateLines,
	}
}

// EnvMap parses transport.env KEY=VALUE entries. Entries without '=' are skipped.
func (t TransportConfig) EnvMap() map[string]string {
	out := make(map[string]string, len(t.Env))
	for _, entry := range t.Env {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || key == "" {
			continue
		}
		out[key] = value
	}
	return out
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
