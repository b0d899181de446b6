package schema

import "time"

// SignalType names a lifecycle signal on the wire.
type SignalType string

const (
	SignalTaskStarted  SignalType = "task_started"
	SignalPromptSent   SignalType = "prompt_sent"
	SignalScreenUpdate SignalType = "screen_update"
	SignalAgentPaused  SignalType = "agent_paused"
	SignalPauseFailed  SignalType = "pause_failed"
	SignalAgentResumed SignalType = "agent_resumed"
	SignalPromptQueued SignalType = "prompt_queued"
	SignalTaskStopped  SignalType = "task_stopped"
	SignalTaskError    SignalType = "task_error"
)

// Signal is a lifecycle notification emitted by the engine.
// The set of implementations is closed and listed below.
type Signal interface {
	SignalType() SignalType
}

// TaskStarted reports that a task connected to its terminal.
type TaskStarted struct {
	Prompt     string     `json:"prompt"`
	TerminalID TerminalID `json:"terminal_id"`
}

// PromptSent reports that the initial prompt was typed and submitted.
type PromptSent struct{}

// ScreenUpdate carries the current viewport after a screen change.
type ScreenUpdate struct {
	Lines []string `json:"lines"`
}

// AgentPaused reports a confirmed interrupt.
type AgentPaused struct{}

// PauseFailed reports that interrupt negotiation gave up.
type PauseFailed struct {
	Attempts int `json:"attempts"`
}

// AgentResumed reports that a paused agent was told to continue.
type AgentResumed struct{}

// PromptQueued reports a follow-up prompt typed into a running session.
type PromptQueued struct {
	Prompt string `json:"prompt"`
}

// TaskStopped reports session teardown.
type TaskStopped struct{}

// TaskError reports a session-level failure.
type TaskError struct {
	Message string `json:"message"`
}

func (TaskStarted) SignalType() SignalType  { return SignalTaskStarted }
func (PromptSent) SignalType() SignalType   { return SignalPromptSent }
func (ScreenUpdate) SignalType() SignalType { return SignalScreenUpdate }
func (AgentPaused) SignalType() SignalType  { return SignalAgentPaused }
func (PauseFailed) SignalType() SignalType  { return SignalPauseFailed }
func (AgentResumed) SignalType() SignalType { return SignalAgentResumed }
func (PromptQueued) SignalType() SignalType { return SignalPromptQueued }
func (TaskStopped) SignalType() SignalType  { return SignalTaskStopped }
func (TaskError) SignalType() SignalType    { return SignalTaskError }

// SignalEnvelope is the serialized form of a signal.
type SignalEnvelope struct {
	Seq     uint64     `json:"seq"`
	Session SessionTag `json:"session,omitempty"`
	Type    SignalType `json:"type"`
	At      time.Time  `json:"at"`
	Payload Signal     `json:"payload"`
}

// Envelope wraps a signal for delivery.
func Envelope(session SessionTag, signal Signal) SignalEnvelope {
	return SignalEnvelope{
		Session: session,
		Type:    signal.SignalType(),
		At:      time.Now().UTC(),
		Payload: signal,
	}
}
