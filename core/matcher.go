package core

import (
	"regexp"
	"strings"
)

// PatternKind classifies a viewport.
type PatternKind int

const (
	PatternNoMatch PatternKind = iota
	PatternBusy
	PatternReadyForInput
	PatternTrustConfirmation
	PatternShiftTabOption
)

func (k PatternKind) String() string {
	switch k {
	case PatternBusy:
		return "busy"
	case PatternReadyForInput:
		return "ready_for_input"
	case PatternTrustConfirmation:
		return "trust_confirmation"
	case PatternShiftTabOption:
		return "shift_tab_option"
	default:
		return "no_match"
	}
}

// MatchState carries the session flags that gate pattern entries.
type MatchState struct {
	SeenFirstPrompt   bool
	SeenTrustPrompt   bool
	HasPendingPrompt  bool
	OptionAcknowledge bool
}

// Pattern is one prioritized entry of the matcher table.
type Pattern struct {
	Kind  PatternKind
	Match func(text string) bool
	Guard func(state MatchState) bool
}

var (
	busyPattern        = regexp.MustCompile(`(?i)esc\s+to\s+interrupt`)
	inputBoxPattern    = regexp.MustCompile(`│ *>`)
	trustPattern       = regexp.MustCompile(`(?i)trust\s+this\s+folder`)
	enterToConfirm     = regexp.MustCompile(`(?i)enter\s+to\s+confirm`)
	optionYesPattern   = regexp.MustCompile(`1\. Yes`)
	interruptedPattern = regexp.MustCompile(`(?i)interrupted\s+by\s+user`)
)

// DefaultPatterns returns the ordered classification table. The first entry
// whose text matches and whose guard passes wins.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			Kind:  PatternBusy,
			Match: busyPattern.MatchString,
		},
		{
			Kind:  PatternReadyForInput,
			Match: inputBoxPattern.MatchString,
			Guard: func(s MatchState) bool { return !s.SeenFirstPrompt && s.HasPendingPrompt },
		},
		{
			Kind: PatternTrustConfirmation,
			Match: func(text string) bool {
				return trustPattern.MatchString(text) && enterToConfirm.MatchString(text)
			},
			Guard: func(s MatchState) bool { return !s.SeenTrustPrompt },
		},
		{
			Kind:  PatternShiftTabOption,
			Match: optionYesPattern.MatchString,
			Guard: func(s MatchState) bool { return !s.OptionAcknowledge },
		},
	}
}

// Matcher classifies viewport text against an ordered pattern table.
type Matcher struct {
	patterns []Pattern
}

// NewMatcher builds a matcher over patterns, or the default table when empty.
func NewMatcher(patterns ...Pattern) *Matcher {
	if len(patterns) == 0 {
		patterns = DefaultPatterns()
	}
	return &Matcher{patterns: patterns}
}

// Classify returns the first pattern kind matching the viewport.
func (m *Matcher) Classify(viewport []string, state MatchState) PatternKind {
	text := NormalizeViewport(viewport)
	for _, p := range m.patterns {
		if p.Match == nil || !p.Match(text) {
			continue
		}
		if p.Guard != nil && !p.Guard(state) {
			continue
		}
		return p.Kind
	}
	return PatternNoMatch
}

// NormalizeViewport joins viewport lines and replaces non-breaking spaces.
func NormalizeViewport(viewport []string) string {
	return strings.ReplaceAll(strings.Join(viewport, "\n"), "\u00a0", " ")
}

// HasInputBox reports whether the text shows the input box prompt.
func HasInputBox(text string) bool {
	return inputBoxPattern.MatchString(text)
}

// HasOption reports whether the text shows the numbered yes option.
func HasOption(text string) bool {
	return optionYesPattern.MatchString(text)
}

// IsInterruptConfirmed reports whether the viewport shows a confirmed
// interrupt: the interrupted marker plus a fresh input box.
func IsInterruptConfirmed(viewport []string) bool {
	text := NormalizeViewport(viewport)
	return interruptedPattern.MatchString(text) && inputBoxPattern.MatchString(text)
}
