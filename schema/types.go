package schema

// TerminalID identifies a terminal owned by a transport.
type TerminalID string

// SessionTag identifies an automation session in logs and signals.
type SessionTag string

// ControlSignal is an out-of-band control sequence delivered to a terminal.
type ControlSignal string

const (
	// ControlInterrupt interrupts the foreground process (ctrl+c).
	ControlInterrupt ControlSignal = "interrupt"
	// ControlEOF closes the foreground input (ctrl+d).
	ControlEOF ControlSignal = "eof"
)

// Phase is the coarse automation phase of a session.
type Phase string

const (
	PhaseIdle              Phase = "idle"
	PhaseConnecting        Phase = "connecting"
	PhaseAwaitingReadiness Phase = "awaiting_readiness"
	PhaseRunning           Phase = "running"
	PhasePaused            Phase = "paused"
	PhaseQueuing           Phase = "queuing"
	PhaseCompleting        Phase = "completing"
	PhaseTornDown          Phase = "torn_down"
)

// SessionStatus is a point-in-time view of automation state.
type SessionStatus struct {
	Tag                SessionTag `json:"tag,omitempty"`
	TerminalID         TerminalID `json:"terminal_id,omitempty"`
	Phase              Phase      `json:"phase"`
	Running            bool       `json:"running"`
	Paused             bool       `json:"paused"`
	ManuallyControlled bool       `json:"manually_controlled"`
	CompletingTask     bool       `json:"completing_task"`
	SeenFirstPrompt    bool       `json:"seen_first_prompt"`
	SeenTrustPrompt    bool       `json:"seen_trust_prompt"`
	Prompt             string     `json:"prompt,omitempty"`
	StartedAt          int64      `json:"started_at,omitempty"`
}
