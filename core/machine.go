package core

import (
	"time"

	"pkt.systems/termpilot/schema"
)

// sessionState is the mutable automation state of one session.
type sessionState struct {
	tag                schema.SessionTag
	phase              schema.Phase
	running            bool
	paused             bool
	manuallyControlled bool
	completingTask     bool
	seenFirstPrompt    bool
	seenTrustPrompt    bool
	optionAcknowledged bool
	prompt             string
	startedAt          time.Time
	readyWaitSince     time.Time
	readyTimedOut      bool
}

func (s sessionState) matchState() MatchState {
	return MatchState{
		SeenFirstPrompt:   s.seenFirstPrompt,
		SeenTrustPrompt:   s.seenTrustPrompt,
		HasPendingPrompt:  s.prompt != "",
		OptionAcknowledge: s.optionAcknowledged,
	}
}

func (s sessionState) status(id schema.TerminalID) schema.SessionStatus {
	status := schema.SessionStatus{
		Tag:                s.tag,
		TerminalID:         id,
		Phase:              s.phase,
		Running:            s.running,
		Paused:             s.paused,
		ManuallyControlled: s.manuallyControlled,
		CompletingTask:     s.completingTask,
		SeenFirstPrompt:    s.seenFirstPrompt,
		SeenTrustPrompt:    s.seenTrustPrompt,
		Prompt:             s.prompt,
	}
	if status.Phase == "" {
		status.Phase = schema.PhaseIdle
	}
	if !s.startedAt.IsZero() {
		status.StartedAt = s.startedAt.Unix()
	}
	return status
}

// activePhase is the phase a running session settles in outside of
// explicit operations.
func (s sessionState) activePhase() schema.Phase {
	switch {
	case s.completingTask:
		return schema.PhaseCompleting
	case s.paused:
		return schema.PhasePaused
	case s.seenFirstPrompt || s.prompt == "":
		return schema.PhaseRunning
	default:
		return schema.PhaseAwaitingReadiness
	}
}

type actionKind int

const (
	actionNone actionKind = iota
	actionInjectPrompt
	actionConfirmTrust
	actionSelectOption
)

func (k actionKind) String() string {
	switch k {
	case actionInjectPrompt:
		return "inject_prompt"
	case actionConfirmTrust:
		return "confirm_trust"
	case actionSelectOption:
		return "select_option"
	default:
		return "none"
	}
}

// pendingAction is the keystroke plan for one evaluation.
type pendingAction struct {
	kind   actionKind
	prompt string
}

// decide maps a classified viewport to the action for this cycle.
func decide(s sessionState, kind PatternKind) pendingAction {
	if !s.running || s.paused || s.manuallyControlled || s.completingTask {
		return pendingAction{}
	}
	switch kind {
	case PatternReadyForInput:
		if s.seenFirstPrompt || s.prompt == "" {
			return pendingAction{}
		}
		return pendingAction{kind: actionInjectPrompt, prompt: s.prompt}
	case PatternTrustConfirmation:
		if s.seenTrustPrompt {
			return pendingAction{}
		}
		return pendingAction{kind: actionConfirmTrust}
	case PatternShiftTabOption:
		if s.optionAcknowledged {
			return pendingAction{}
		}
		return pendingAction{kind: actionSelectOption}
	default:
		return pendingAction{}
	}
}

// markAction flips the one-shot gate an action consumes.
func (s *sessionState) markAction(action pendingAction) {
	switch action.kind {
	case actionInjectPrompt:
		s.seenFirstPrompt = true
		s.phase = s.activePhase()
	case actionConfirmTrust:
		s.seenTrustPrompt = true
	case actionSelectOption:
		s.optionAcknowledged = true
	}
}

// resetTask clears every task flag. Manual control is owned by the caller
// and survives.
func (s *sessionState) resetTask(phase schema.Phase) {
	manual := s.manuallyControlled
	*s = sessionState{phase: phase, manuallyControlled: manual}
}
