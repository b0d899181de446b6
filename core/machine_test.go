package core

import "testing"

func TestDecide(t *testing.T) {
	running := sessionState{running: true, prompt: "do it"}
	cases := []struct {
		name  string
		state sessionState
		kind  PatternKind
		want  actionKind
	}{
		{"ready injects", running, PatternReadyForInput, actionInjectPrompt},
		{"busy waits", running, PatternBusy, actionNone},
		{"no match waits", running, PatternNoMatch, actionNone},
		{"trust confirms", running, PatternTrustConfirmation, actionConfirmTrust},
		{"option selects", running, PatternShiftTabOption, actionSelectOption},
		{"not running", sessionState{prompt: "x"}, PatternReadyForInput, actionNone},
		{"paused", sessionState{running: true, paused: true, prompt: "x"}, PatternReadyForInput, actionNone},
		{"manual", sessionState{running: true, manuallyControlled: true, prompt: "x"}, PatternTrustConfirmation, actionNone},
		{"completing", sessionState{running: true, completingTask: true, prompt: "x"}, PatternShiftTabOption, actionNone},
		{"prompt already sent", sessionState{running: true, seenFirstPrompt: true, prompt: "x"}, PatternReadyForInput, actionNone},
		{"no prompt", sessionState{running: true}, PatternReadyForInput, actionNone},
		{"trust seen", sessionState{running: true, seenTrustPrompt: true}, PatternTrustConfirmation, actionNone},
		{"option acknowledged", sessionState{running: true, optionAcknowledged: true}, PatternShiftTabOption, actionNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := decide(tc.state, tc.kind)
			if got.kind != tc.want {
				t.Fatalf("decide: got %s want %s", got.kind, tc.want)
			}
			if got.kind == actionInjectPrompt && got.prompt != tc.state.prompt {
				t.Fatalf("expected prompt %q, got %q", tc.state.prompt, got.prompt)
			}
		})
	}
}

func TestMarkActionFlipsGates(t *testing.T) {
	st := sessionState{running: true, prompt: "x", phase: "awaiting_readiness"}
	st.markAction(pendingAction{kind: actionInjectPrompt, prompt: "x"})
	if !st.seenFirstPrompt || st.phase != "running" {
		t.Fatalf("expected prompt gate and running phase, got %+v", st)
	}
	st.markAction(pendingAction{kind: actionConfirmTrust})
	st.markAction(pendingAction{kind: actionSelectOption})
	if !st.seenTrustPrompt || !st.optionAcknowledged {
		t.Fatalf("expected trust and option gates, got %+v", st)
	}
}

func TestResetTaskKeepsManualControl(t *testing.T) {
	st := sessionState{running: true, paused: true, manuallyControlled: true, seenTrustPrompt: true}
	st.resetTask("idle")
	if st.running || st.paused || st.seenTrustPrompt {
		t.Fatalf("expected task flags cleared, got %+v", st)
	}
	if !st.manuallyControlled {
		t.Fatalf("expected manual control kept")
	}
}
