package core

import "testing"

func TestClassifyBusyShortCircuits(t *testing.T) {
	m := NewMatcher()
	viewport := []string{
		"✻ Thinking… (esc to interrupt)",
		"│ > ",
		"Do you trust this folder? enter to confirm",
		"1. Yes",
	}
	got := m.Classify(viewport, MatchState{HasPendingPrompt: true})
	if got != PatternBusy {
		t.Fatalf("expected busy, got %s", got)
	}
}

func TestClassifyReadyNeedsPendingPrompt(t *testing.T) {
	m := NewMatcher()
	viewport := []string{"╭────╮", "│ > ", "╰────╯"}
	if got := m.Classify(viewport, MatchState{HasPendingPrompt: true}); got != PatternReadyForInput {
		t.Fatalf("expected ready, got %s", got)
	}
	if got := m.Classify(viewport, MatchState{}); got != PatternNoMatch {
		t.Fatalf("expected no match without prompt, got %s", got)
	}
	if got := m.Classify(viewport, MatchState{HasPendingPrompt: true, SeenFirstPrompt: true}); got != PatternNoMatch {
		t.Fatalf("expected no match after first prompt, got %s", got)
	}
}

func TestClassifyNormalizesNonBreakingSpace(t *testing.T) {
	m := NewMatcher()
	viewport := []string{"│\u00a0\u00a0>\u00a0"}
	if got := m.Classify(viewport, MatchState{HasPendingPrompt: true}); got != PatternReadyForInput {
		t.Fatalf("expected ready with nbsp, got %s", got)
	}
}

func TestClassifyTrustGatedOnce(t *testing.T) {
	m := NewMatcher()
	viewport := []string{"Do you Trust This Folder?", "Press Enter to confirm"}
	if got := m.Classify(viewport, MatchState{}); got != PatternTrustConfirmation {
		t.Fatalf("expected trust, got %s", got)
	}
	if got := m.Classify(viewport, MatchState{SeenTrustPrompt: true}); got != PatternNoMatch {
		t.Fatalf("expected no match once trust seen, got %s", got)
	}
	if got := m.Classify([]string{"trust this folder"}, MatchState{}); got != PatternNoMatch {
		t.Fatalf("expected both phrases required, got %s", got)
	}
}

func TestClassifyFallsThroughGuardToOption(t *testing.T) {
	m := NewMatcher()
	viewport := []string{"│ > ", "1. Yes", "2. No"}
	if got := m.Classify(viewport, MatchState{SeenFirstPrompt: true}); got != PatternShiftTabOption {
		t.Fatalf("expected option, got %s", got)
	}
	if got := m.Classify(viewport, MatchState{SeenFirstPrompt: true, OptionAcknowledge: true}); got != PatternNoMatch {
		t.Fatalf("expected no match after ack, got %s", got)
	}
}

func TestIsInterruptConfirmed(t *testing.T) {
	if IsInterruptConfirmed([]string{"⎿ Interrupted by user"}) {
		t.Fatalf("expected input box to be required")
	}
	if !IsInterruptConfirmed([]string{"⎿ Interrupted by user", "│ > "}) {
		t.Fatalf("expected confirmed interrupt")
	}
}
