package appconfig

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("engine.rows", cfg.Engine.Rows)
	v.SetDefault("engine.cols", cfg.Engine.Cols)
	v.SetDefault("engine.agent", cfg.Engine.Agent)
	v.SetDefault("engine.launch_command", cfg.Engine.LaunchCommand)
	v.SetDefault("engine.preflight_marker", cfg.Engine.PreflightMarker)
	v.SetDefault("engine.disable_preflight", cfg.Engine.DisablePreflight)
	v.SetDefault("engine.tick_interval_ms", cfg.Engine.TickIntervalMS)
	v.SetDefault("engine.pause_attempts", cfg.Engine.PauseAttempts)
	v.SetDefault("engine.escape_interval_ms", cfg.Engine.EscapeIntervalMS)
	v.SetDefault("engine.key_jitter_min_ms", cfg.Engine.KeyJitterMinMS)
	v.SetDefault("engine.key_jitter_max_ms", cfg.Engine.KeyJitterMaxMS)
	v.SetDefault("engine.submit_settle_ms", cfg.Engine.SubmitSettleMS)
	v.SetDefault("engine.resume_settle_ms", cfg.Engine.ResumeSettleMS)
	v.SetDefault("engine.stop_delay_ms", cfg.Engine.StopDelayMS)
	v.SetDefault("engine.ready_timeout_seconds", cfg.Engine.ReadyTimeoutSeconds)
	v.SetDefault("engine.screen_update_lines", cfg.Engine.ScreenUpdateLines)
	v.SetDefault("transport.kind", cfg.Transport.Kind)
	v.SetDefault("transport.shell", cfg.Transport.Shell)
	v.SetDefault("transport.login", cfg.Transport.Login)
	v.SetDefault("transport.env", cfg.Transport.Env)
	v.SetDefault("transport.max_terminals", cfg.Transport.MaxTerminals)
	v.SetDefault("transport.tmux.path", cfg.Transport.Tmux.Path)
	v.SetDefault("transport.tmux.socket_path", cfg.Transport.Tmux.SocketPath)
	v.SetDefault("transport.tmux.session_prefix", cfg.Transport.Tmux.SessionPrefix)
	v.SetDefault("transport.tmux.poll_interval_ms", cfg.Transport.Tmux.PollIntervalMS)
	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("http.history_size", cfg.HTTP.HistorySize)
	v.SetDefault("ssh.addr", cfg.SSH.Addr)
	v.SetDefault("ssh.host_key_path", cfg.SSH.HostKeyPath)
	v.SetDefault("ssh.authorized_keys_path", cfg.SSH.AuthorizedKeysPath)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	switch cfg.Transport.Kind {
	case TransportPTY, TransportTmux:
	default:
		return fmt.Errorf("unsupported transport.kind %q", cfg.Transport.Kind)
	}
	if cfg.Engine.KeyJitterMaxMS < cfg.Engine.KeyJitterMinMS {
		return fmt.Errorf("engine.key_jitter_max_ms must not be below engine.key_jitter_min_ms")
	}
	if cfg.Engine.PauseAttempts < 0 {
		return fmt.Errorf("engine.pause_attempts must not be negative")
	}
	for key, addr := range map[string]string{"http.addr": cfg.HTTP.Addr, "ssh.addr": cfg.SSH.Addr} {
		if addr == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("%s must be host:port: %w", key, err)
		}
	}
	if cfg.SSH.Addr != "" && cfg.SSH.AuthorizedKeysPath == "" {
		return fmt.Errorf("ssh.authorized_keys_path is required when ssh.addr is set")
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.Transport.Shell = expandEnv(cfg.Transport.Shell)
	cfg.Transport.Tmux.Path = expandEnv(cfg.Transport.Tmux.Path)
	cfg.Transport.Tmux.SocketPath = expandEnv(cfg.Transport.Tmux.SocketPath)
	for i, entry := range cfg.Transport.Env {
		cfg.Transport.Env[i] = expandEnv(entry)
	}
	cfg.SSH.HostKeyPath = expandEnv(cfg.SSH.HostKeyPath)
	cfg.SSH.AuthorizedKeysPath = expandEnv(cfg.SSH.AuthorizedKeysPath)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
