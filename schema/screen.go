package schema

import "strings"

// Item is a rendered text fragment anchored at a column.
type Item struct {
	Column int    `json:"column"`
	Text   string `json:"text"`
}

// Line is an ordered run of items.
type Line []Item

// String renders the line by concatenating item text in order.
func (l Line) String() string {
	switch len(l) {
	case 0:
		return ""
	case 1:
		return l[0].Text
	}
	var b strings.Builder
	for _, item := range l {
		b.WriteString(item.Text)
	}
	return b.String()
}

// TextLine builds a single-item line at column zero.
func TextLine(text string) Line {
	if text == "" {
		return Line{}
	}
	return Line{{Column: 0, Text: text}}
}

// TextLines builds lines from plain strings.
func TextLines(texts ...string) []Line {
	lines := make([]Line, 0, len(texts))
	for _, text := range texts {
		lines = append(lines, TextLine(text))
	}
	return lines
}

// ScreenEvent is one incremental screen update delivered by a transport.
// The set of implementations is closed: FullReplace, AppendLines, PatchLine.
type ScreenEvent interface {
	screenEvent()
}

// FullReplace swaps the entire screen contents.
type FullReplace struct {
	Lines []Line `json:"lines"`
}

// AppendLines adds lines to the end of the screen.
type AppendLines struct {
	Lines []Line `json:"lines"`
}

// PatchLine overwrites the line at Index. Indices past the end back-fill
// empty lines.
type PatchLine struct {
	Index int  `json:"index"`
	Line  Line `json:"line"`
}

func (FullReplace) screenEvent() {}
func (AppendLines) screenEvent() {}
func (PatchLine) screenEvent()   {}

// ScreenBatch is the ordered set of events delivered in one transport callback.
type ScreenBatch []ScreenEvent

// ScreenEventKind returns a short name for logging.
func ScreenEventKind(ev ScreenEvent) string {
	switch ev.(type) {
	case FullReplace, *FullReplace:
		return "full_replace"
	case AppendLines, *AppendLines:
		return "append"
	case PatchLine, *PatchLine:
		return "patch"
	default:
		return "unknown"
	}
}
