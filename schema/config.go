package schema

import (
	"errors"
	"time"
)

// EngineConfig defines timing and geometry for the automation engine.
type EngineConfig struct {
	Rows int
	Cols int
	// Agent is the CLI binary checked and launched on start.
	Agent string
	// LaunchCommand is typed into the shell after the preflight. Defaults to Agent.
	LaunchCommand string
	// PreflightMarker is echoed after the capability check.
	PreflightMarker string
	// DisablePreflight skips the startup preflight and launch command.
	DisablePreflight bool

	TickInterval      time.Duration
	PauseAttempts     int
	EscapeInterval    time.Duration
	KeyJitterMin      time.Duration
	KeyJitterMax      time.Duration
	SubmitSettle      time.Duration
	ResumeSettle      time.Duration
	StopDelay         time.Duration
	ReadyTimeout      time.Duration
	ScreenUpdateLines int
}

const (
	// DefaultRows is the viewport height used until a resize is seen.
	DefaultRows = 24
	// DefaultCols is the terminal width requested on connect.
	DefaultCols = 120
	// DefaultPauseAttempts bounds interrupt negotiation.
	DefaultPauseAttempts = 5
	// DefaultAgent is the assistant CLI binary.
	DefaultAgent = "claude"
	// DefaultPreflightMarker is echoed once the shell preflight has run.
	DefaultPreflightMarker = "__termpilot_ready__"
)

// NormalizeEngineConfig applies defaults and validates the config.
func NormalizeEngineConfig(cfg EngineConfig) (EngineConfig, error) {
	if cfg.Rows <= 0 {
		cfg.Rows = DefaultRows
	}
	if cfg.Cols <= 0 {
		cfg.Cols = DefaultCols
	}
	if cfg.Agent == "" {
		cfg.Agent = DefaultAgent
	}
	if cfg.LaunchCommand == "" {
		cfg.LaunchCommand = cfg.Agent
	}
	if cfg.PreflightMarker == "" {
		cfg.PreflightMarker = DefaultPreflightMarker
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.PauseAttempts <= 0 {
		cfg.PauseAttempts = DefaultPauseAttempts
	}
	if cfg.EscapeInterval <= 0 {
		cfg.EscapeInterval = 500 * time.Millisecond
	}
	if cfg.KeyJitterMin <= 0 && cfg.KeyJitterMax <= 0 {
		cfg.KeyJitterMin = 5 * time.Millisecond
		cfg.KeyJitterMax = 10 * time.Millisecond
	}
	if cfg.SubmitSettle <= 0 {
		cfg.SubmitSettle = time.Second
	}
	if cfg.ResumeSettle <= 0 {
		cfg.ResumeSettle = time.Second
	}
	if cfg.StopDelay <= 0 {
		cfg.StopDelay = 500 * time.Millisecond
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 2 * time.Minute
	}
	if cfg.ScreenUpdateLines <= 0 {
		cfg.ScreenUpdateLines = cfg.Rows
	}
	if cfg.KeyJitterMin < 0 || cfg.KeyJitterMax < cfg.KeyJitterMin {
		return EngineConfig{}, errors.New("key jitter max must not be below min")
	}
	return cfg, nil
}
