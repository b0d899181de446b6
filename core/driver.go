package core

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"pkt.systems/termpilot/schema"
)

// Key names accepted by Driver.SendKey.
const (
	KeyEnter     = "enter"
	KeyBackspace = "backspace"
	KeyTab       = "tab"
	KeyEscape    = "escape"
	KeyUp        = "up"
	KeyDown      = "down"
	KeyRight     = "right"
	KeyLeft      = "left"
	KeyCtrlC     = "ctrl+c"
	KeyCtrlD     = "ctrl+d"
)

var keySequences = map[string]string{
	KeyEnter:     "\r",
	KeyBackspace: "\x7f",
	KeyTab:       "\t",
	KeyEscape:    "\x1b",
	KeyUp:        "\x1b[A",
	KeyDown:      "\x1b[B",
	KeyRight:     "\x1b[C",
	KeyLeft:      "\x1b[D",
}

var keyControls = map[string]schema.ControlSignal{
	KeyCtrlC: schema.ControlInterrupt,
	KeyCtrlD: schema.ControlEOF,
}

// softNewline continues input on a new line without submitting.
const softNewline = "\\\r"

var sleepCtx = func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Driver translates text and key names into transport writes.
type Driver struct {
	handle    TransportHandle
	jitterMin time.Duration
	jitterMax time.Duration
}

// NewDriver wraps handle with the given per-character delay range.
func NewDriver(handle TransportHandle, jitterMin, jitterMax time.Duration) *Driver {
	if jitterMax < jitterMin {
		jitterMax = jitterMin
	}
	return &Driver{handle: handle, jitterMin: jitterMin, jitterMax: jitterMax}
}

// EncodeText returns the sends TypeText performs for text, one per character.
// CRLF and LF become a backslash followed by a carriage return.
func EncodeText(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	out := make([]string, 0, len(text))
	for _, r := range text {
		if r == '\n' {
			out = append(out, softNewline)
			continue
		}
		out = append(out, string(r))
	}
	return out
}

// TypeText sends text one character at a time with a random delay between sends.
func (d *Driver) TypeText(ctx context.Context, text string) error {
	for i, chunk := range EncodeText(text) {
		if i > 0 {
			if err := sleepCtx(ctx, d.jitter()); err != nil {
				return err
			}
		}
		if err := d.handle.SendText(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

// SendRaw writes text unchanged.
func (d *Driver) SendRaw(ctx context.Context, text string) error {
	return d.handle.SendText(ctx, text)
}

// SendKey writes a named key. Control keys go out of band.
func (d *Driver) SendKey(ctx context.Context, key string) error {
	name := strings.ToLower(strings.TrimSpace(key))
	if signal, ok := keyControls[name]; ok {
		return d.handle.SendControl(ctx, signal)
	}
	seq, ok := keySequences[name]
	if !ok {
		return fmt.Errorf("%w: %q", schema.ErrUnknownKey, key)
	}
	return d.handle.SendText(ctx, seq)
}

// Submit sends a carriage return.
func (d *Driver) Submit(ctx context.Context) error {
	return d.SendKey(ctx, KeyEnter)
}

func (d *Driver) jitter() time.Duration {
	span := d.jitterMax - d.jitterMin
	if span <= 0 {
		return d.jitterMin
	}
	return d.jitterMin + time.Duration(rand.Int64N(int64(span)+1))
}
