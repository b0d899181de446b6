package schema

import "errors"

var (
	// ErrInvalidRequest indicates a malformed request payload.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrEmptyPrompt indicates the prompt was empty.
	ErrEmptyPrompt = errors.New("empty prompt")
	// ErrTaskRunning indicates a task is already active.
	ErrTaskRunning = errors.New("task already running")
	// ErrNoActiveTask indicates an operation needs a running task.
	ErrNoActiveTask = errors.New("no active task")
	// ErrNotPaused indicates resume was requested without a confirmed pause.
	ErrNotPaused = errors.New("agent is not paused")
	// ErrAlreadyPaused indicates pause was requested twice.
	ErrAlreadyPaused = errors.New("agent is already paused")
	// ErrPauseNotConfirmed indicates interrupt negotiation exhausted its attempts.
	ErrPauseNotConfirmed = errors.New("pause not confirmed")
	// ErrTransportUnavailable indicates no terminal transport is configured.
	ErrTransportUnavailable = errors.New("transport not configured")
	// ErrTerminalClosed indicates the terminal is gone.
	ErrTerminalClosed = errors.New("terminal closed")
	// ErrUnknownKey indicates a key name the driver cannot translate.
	ErrUnknownKey = errors.New("unknown key")
)
