package localpty

import (
	"strings"

	"github.com/charmbracelet/x/ansi"
	"pkt.systems/termpilot/schema"
)

// decoder rebuilds terminal lines from a raw pty byte stream. It understands
// the line-oriented subset full-screen assistants use to redraw: carriage
// return, newline, backspace, relative and absolute cursor moves, erase in
// line and erase in display. Everything else is dropped.
//
// Bytes go through an ansi.Parser, which keeps its state between chunks, so
// escape sequences and runes split across reads need no special handling.
type decoder struct {
	rows   int
	lines  [][]rune
	row    int
	col    int
	parser *ansi.Parser

	// per-Feed bookkeeping
	dirty map[int]struct{}
	full  bool
}

func newDecoder(rows int) *decoder {
	if rows <= 0 {
		rows = schema.DefaultRows
	}
	d := &decoder{rows: rows, parser: ansi.NewParser()}
	d.parser.SetHandler(ansi.Handler{
		Print:     d.put,
		Execute:   d.execute,
		HandleCsi: d.csi,
	})
	return d
}

func (d *decoder) setRows(rows int) {
	if rows > 0 {
		d.rows = rows
	}
}

// Feed consumes a chunk and returns the screen events it produced.
func (d *decoder) Feed(chunk []byte) schema.ScreenBatch {
	prevLen := len(d.lines)
	d.dirty = map[int]struct{}{}
	d.full = false
	for _, b := range chunk {
		d.parser.Advance(b)
	}
	batch := d.events(prevLen)
	d.dirty = nil
	return batch
}

// Snapshot returns the current lines as a full replace.
func (d *decoder) Snapshot() schema.ScreenBatch {
	if len(d.lines) == 0 {
		return nil
	}
	return schema.ScreenBatch{schema.FullReplace{Lines: d.render(0, len(d.lines))}}
}

func (d *decoder) events(prevLen int) schema.ScreenBatch {
	if d.full {
		return schema.ScreenBatch{schema.FullReplace{Lines: d.render(0, len(d.lines))}}
	}
	var batch schema.ScreenBatch
	for idx := 0; idx < prevLen && idx < len(d.lines); idx++ {
		if _, ok := d.dirty[idx]; ok {
			batch = append(batch, schema.PatchLine{Index: idx, Line: d.renderLine(idx)})
		}
	}
	if len(d.lines) > prevLen {
		batch = append(batch, schema.AppendLines{Lines: d.render(prevLen, len(d.lines))})
	}
	return batch
}

func (d *decoder) render(from, to int) []schema.Line {
	out := make([]schema.Line, 0, to-from)
	for idx := from; idx < to; idx++ {
		out = append(out, d.renderLine(idx))
	}
	return out
}

func (d *decoder) renderLine(idx int) schema.Line {
	return schema.TextLine(strings.TrimRight(string(d.lines[idx]), " "))
}

func (d *decoder) markDirty() {
	if d.dirty != nil {
		d.dirty[d.row] = struct{}{}
	}
}

func (d *decoder) ensureRow(row int) {
	for len(d.lines) <= row {
		d.lines = append(d.lines, nil)
	}
}

func (d *decoder) put(r rune) {
	d.ensureRow(d.row)
	line := d.lines[d.row]
	for len(line) < d.col {
		line = append(line, ' ')
	}
	if d.col < len(line) {
		line[d.col] = r
	} else {
		line = append(line, r)
	}
	d.lines[d.row] = line
	d.col++
	d.markDirty()
}

func (d *decoder) execute(b byte) {
	switch b {
	case ansi.CR:
		d.col = 0
	case ansi.LF, ansi.VT, ansi.FF:
		d.row++
		d.ensureRow(d.row)
		d.markDirty()
	case ansi.BS:
		if d.col > 0 {
			d.col--
		}
	case ansi.HT:
		d.col = (d.col/8 + 1) * 8
	}
}

// top is the first line of the visible window for absolute addressing.
func (d *decoder) top() int {
	if len(d.lines) <= d.rows {
		return 0
	}
	return len(d.lines) - d.rows
}

func (d *decoder) csi(cmd ansi.Cmd, params ansi.Params) {
	if cmd.Prefix() != 0 || cmd.Intermediate() != 0 {
		return
	}
	count := func(i int) int {
		n, _, _ := params.Param(i, 1)
		return max(n, 1)
	}
	mode, _, _ := params.Param(0, 0)
	switch cmd.Final() {
	case 'A':
		d.row = max(d.top(), d.row-count(0))
	case 'B', 'E':
		d.row += count(0)
		d.ensureRow(d.row)
		if cmd.Final() == 'E' {
			d.col = 0
		}
	case 'F':
		d.row = max(d.top(), d.row-count(0))
		d.col = 0
	case 'C':
		d.col += count(0)
	case 'D':
		d.col = max(0, d.col-count(0))
	case 'G':
		d.col = count(0) - 1
	case 'H', 'f':
		d.row = d.top() + count(0) - 1
		d.col = count(1) - 1
		d.ensureRow(d.row)
	case 'K':
		d.eraseLine(mode)
	case 'J':
		d.eraseDisplay(mode)
	}
}

func (d *decoder) eraseLine(mode int) {
	d.ensureRow(d.row)
	line := d.lines[d.row]
	switch mode {
	case 0:
		if d.col < len(line) {
			d.lines[d.row] = line[:d.col]
		}
	case 1:
		for i := 0; i <= d.col && i < len(line); i++ {
			line[i] = ' '
		}
	case 2:
		d.lines[d.row] = nil
	}
	d.markDirty()
}

func (d *decoder) eraseDisplay(mode int) {
	switch mode {
	case 2, 3:
		d.lines = nil
		d.row, d.col = 0, 0
		d.full = true
	case 0:
		d.ensureRow(d.row)
		if d.col < len(d.lines[d.row]) {
			d.lines[d.row] = d.lines[d.row][:d.col]
		}
		if len(d.lines) > d.row+1 {
			d.lines = d.lines[:d.row+1]
			d.full = true
			return
		}
		d.markDirty()
	}
}
