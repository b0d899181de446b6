package localpty

import (
	"reflect"
	"testing"

	"pkt.systems/termpilot/core"
	"pkt.systems/termpilot/schema"
)

// replay applies every batch to a fresh screen and returns its lines.
func replay(rows int, batches ...schema.ScreenBatch) []string {
	screen := core.NewScreen(rows)
	for _, batch := range batches {
		screen.ApplyBatch(batch)
	}
	return screen.Viewport(rows)
}

func TestDecoderAppendsLines(t *testing.T) {
	d := newDecoder(24)
	batch := d.Feed([]byte("hello\r\nworld"))
	if len(batch) != 1 {
		t.Fatalf("expected one append event, got %d", len(batch))
	}
	if _, ok := batch[0].(schema.AppendLines); !ok {
		t.Fatalf("expected append, got %T", batch[0])
	}
	if got := replay(24, batch); !reflect.DeepEqual(got, []string{"hello", "world"}) {
		t.Fatalf("unexpected lines: %q", got)
	}
}

func TestDecoderPatchesRedrawnLine(t *testing.T) {
	d := newDecoder(24)
	first := d.Feed([]byte("line1\r\nworking"))
	second := d.Feed([]byte("\x1b[1A\r\x1b[2Kline1!\x1b[1B\r\x1b[Kdone"))
	for _, ev := range second {
		if _, ok := ev.(schema.PatchLine); !ok {
			t.Fatalf("expected only patches, got %T", ev)
		}
	}
	if got := replay(24, first, second); !reflect.DeepEqual(got, []string{"line1!", "done"}) {
		t.Fatalf("unexpected lines: %q", got)
	}
}

func TestDecoderClearScreenIsFullReplace(t *testing.T) {
	d := newDecoder(24)
	first := d.Feed([]byte("old\r\nstuff"))
	second := d.Feed([]byte("\x1b[H\x1b[2J│ > "))
	if len(second) != 1 {
		t.Fatalf("expected a single event, got %d", len(second))
	}
	if _, ok := second[0].(schema.FullReplace); !ok {
		t.Fatalf("expected full replace, got %T", second[0])
	}
	if got := replay(24, first, second); !reflect.DeepEqual(got, []string{"│ >"}) {
		t.Fatalf("unexpected lines: %q", got)
	}
}

func TestDecoderCarriesSplitEscape(t *testing.T) {
	d := newDecoder(24)
	first := d.Feed([]byte("abc\x1b[3"))
	second := d.Feed([]byte("1mred\x1b[0m"))
	if got := replay(24, first, second); !reflect.DeepEqual(got, []string{"abcred"}) {
		t.Fatalf("unexpected lines: %q", got)
	}
}

func TestDecoderCarriesSplitRune(t *testing.T) {
	d := newDecoder(24)
	box := []byte("│")
	first := d.Feed(append([]byte("x"), box[:1]...))
	second := d.Feed(box[1:])
	if got := replay(24, first, second); !reflect.DeepEqual(got, []string{"x│"}) {
		t.Fatalf("unexpected lines: %q", got)
	}
}

func TestDecoderDropsOSC(t *testing.T) {
	d := newDecoder(24)
	batch := d.Feed([]byte("\x1b]0;title\x07prompt$ "))
	if got := replay(24, batch); !reflect.DeepEqual(got, []string{"prompt$"}) {
		t.Fatalf("unexpected lines: %q", got)
	}
}

func TestDecoderAbsoluteCursorWithinWindow(t *testing.T) {
	d := newDecoder(2)
	first := d.Feed([]byte("a\r\nb\r\nc"))
	second := d.Feed([]byte("\x1b[1;1HB"))
	if got := replay(10, first, second); !reflect.DeepEqual(got, []string{"a", "B", "c"}) {
		t.Fatalf("unexpected lines: %q", got)
	}
}

func TestDecoderSnapshot(t *testing.T) {
	d := newDecoder(24)
	if d.Snapshot() != nil {
		t.Fatalf("expected empty snapshot")
	}
	d.Feed([]byte("one\r\ntwo"))
	if got := replay(24, d.Snapshot()); !reflect.DeepEqual(got, []string{"one", "two"}) {
		t.Fatalf("unexpected snapshot: %q", got)
	}
}

func TestDecoderIgnoresPrivateModes(t *testing.T) {
	d := newDecoder(24)
	first := d.Feed([]byte("keep\r\nme"))
	second := d.Feed([]byte("\x1b[?25l\x1b[?2J\x1b[>4;1m\x1b[?25h!"))
	if got := replay(24, first, second); !reflect.DeepEqual(got, []string{"keep", "me!"}) {
		t.Fatalf("unexpected lines: %q", got)
	}
}

func TestDecoderDefaultsMissingParams(t *testing.T) {
	d := newDecoder(24)
	first := d.Feed([]byte("abc\r\ndef"))
	second := d.Feed([]byte("\x1b[A\x1b[0G\x1b[;2HX\x1b[0DY"))
	if got := replay(24, first, second); !reflect.DeepEqual(got, []string{"aYc", "def"}) {
		t.Fatalf("unexpected lines: %q", got)
	}
}
