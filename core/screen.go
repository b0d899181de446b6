package core

import (
	"sync"

	"pkt.systems/termpilot/schema"
)

// Screen holds the reconstructed terminal contents as an append-growing
// sequence of lines. It is safe for concurrent use.
type Screen struct {
	mu    sync.RWMutex
	lines []schema.Line
	rows  int
}

// NewScreen returns an empty screen with the given viewport height.
func NewScreen(rows int) *Screen {
	if rows <= 0 {
		rows = schema.DefaultRows
	}
	return &Screen{rows: rows}
}

// ApplyFullReplace swaps the entire contents.
func (s *Screen) ApplyFullReplace(lines []schema.Line) {
	s.mu.Lock()
	s.replaceLocked(lines)
	s.mu.Unlock()
}

// AppendLines adds lines at the end.
func (s *Screen) AppendLines(lines []schema.Line) {
	s.mu.Lock()
	s.appendLocked(lines)
	s.mu.Unlock()
}

// PatchLine overwrites the line at index, back-filling empty lines when the
// index is past the end. Negative indices are ignored and reported false.
func (s *Screen) PatchLine(index int, line schema.Line) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.patchLocked(index, line)
}

// ApplyBatch applies one transport delivery atomically. When the batch
// carries a full replace, the last one wins and every other event in the
// batch is dropped. It returns the number of events skipped as malformed.
func (s *Screen) ApplyBatch(batch schema.ScreenBatch) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := lastFullReplace(batch); ok {
		s.replaceLocked(last.Lines)
		return 0
	}
	skipped := 0
	for _, ev := range batch {
		switch e := ev.(type) {
		case schema.AppendLines:
			s.appendLocked(e.Lines)
		case *schema.AppendLines:
			if e == nil {
				skipped++
				continue
			}
			s.appendLocked(e.Lines)
		case schema.PatchLine:
			if !s.patchLocked(e.Index, e.Line) {
				skipped++
			}
		case *schema.PatchLine:
			if e == nil || !s.patchLocked(e.Index, e.Line) {
				skipped++
			}
		default:
			skipped++
		}
	}
	return skipped
}

func (s *Screen) replaceLocked(lines []schema.Line) {
	s.lines = cloneLines(lines)
}

func (s *Screen) appendLocked(lines []schema.Line) {
	if len(lines) == 0 {
		return
	}
	s.lines = append(s.lines, cloneLines(lines)...)
}

func (s *Screen) patchLocked(index int, line schema.Line) bool {
	if index < 0 {
		return false
	}
	for len(s.lines) <= index {
		s.lines = append(s.lines, schema.Line{})
	}
	s.lines[index] = cloneLine(line)
	return true
}

func lastFullReplace(batch schema.ScreenBatch) (schema.FullReplace, bool) {
	var (
		found bool
		last  schema.FullReplace
	)
	for _, ev := range batch {
		switch e := ev.(type) {
		case schema.FullReplace:
			last, found = e, true
		case *schema.FullReplace:
			if e != nil {
				last, found = *e, true
			}
		}
	}
	return last, found
}

// SetRows records the viewport height from the last resize.
func (s *Screen) SetRows(rows int) {
	if rows <= 0 {
		return
	}
	s.mu.Lock()
	s.rows = rows
	s.mu.Unlock()
}

// Rows returns the current viewport height.
func (s *Screen) Rows() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows
}

// Len returns the number of lines held.
func (s *Screen) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.lines)
}

// Viewport returns the rendered text of the trailing min(rows, len) lines.
func (s *Screen) Viewport(rows int) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return viewport(s.lines, rows)
}

// CurrentViewport renders the viewport using the recorded height.
func (s *Screen) CurrentViewport() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return viewport(s.lines, s.rows)
}

// Lines returns a copy of every line held.
func (s *Screen) Lines() []schema.Line {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneLines(s.lines)
}

// Reset drops all contents.
func (s *Screen) Reset() {
	s.mu.Lock()
	s.lines = nil
	s.mu.Unlock()
}

func viewport(lines []schema.Line, rows int) []string {
	if rows <= 0 || len(lines) == 0 {
		return nil
	}
	start := len(lines) - rows
	if start < 0 {
		start = 0
	}
	out := make([]string, 0, len(lines)-start)
	for _, line := range lines[start:] {
		out = append(out, line.String())
	}
	return out
}

func cloneLines(lines []schema.Line) []schema.Line {
	if lines == nil {
		return nil
	}
	out := make([]schema.Line, len(lines))
	for i, line := range lines {
		out[i] = cloneLine(line)
	}
	return out
}

func cloneLine(line schema.Line) schema.Line {
	if line == nil {
		return schema.Line{}
	}
	return append(schema.Line(nil), line...)
}
