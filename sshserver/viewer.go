package sshserver

import (
	"context"
	"io"
	"time"

	gliderssh "github.com/gliderlabs/ssh"
	"pkt.systems/pslog"
	"pkt.systems/termpilot/schema"
)

// Source is the engine surface the viewer renders.
type Source interface {
	RegisterVisualEventHandler(fn func(schema.ScreenBatch)) int
	UnregisterVisualEventHandler(id int)
	CurrentTuiLines() []string
	Status() schema.SessionStatus
}

const (
	// Visual batches arrive before the engine applies them, so a redraw
	// waits briefly for the screen model to catch up.
	redrawDelay   = 15 * time.Millisecond
	refreshPeriod = time.Second
)

type statusView struct {
	schema.SessionStatus
	last string
}

type viewer struct {
	out     io.Writer
	screen  *screen
	source  Source
	signals <-chan schema.SignalEnvelope
	log     pslog.Logger

	width  int
	height int
	last   string
	kick   chan struct{}
}

func newViewer(out io.Writer, source Source, signals <-chan schema.SignalEnvelope, log pslog.Logger) *viewer {
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	return &viewer{
		out:     out,
		screen:  newScreen(out),
		source:  source,
		signals: signals,
		log:     log,
		width:   80,
		height:  24,
		kick:    make(chan struct{}, 1),
	}
}

func (v *viewer) SetSize(width, height int) {
	if width > 0 {
		v.width = width
	}
	if height > 0 {
		v.height = height
	}
}

func (v *viewer) onBatch(schema.ScreenBatch) {
	select {
	case v.kick <- struct{}{}:
	default:
	}
}

func (v *viewer) render() {
	st := statusView{SessionStatus: v.source.Status(), last: v.last}
	if err := v.screen.Render(v.source.CurrentTuiLines(), statusLine(st), v.width, v.height); err != nil {
		v.log.Debug("ssh viewer render failed", "err", err)
	}
}

// Run renders until the client quits, the input closes or ctx ends.
func (v *viewer) Run(ctx context.Context, input io.Reader, winCh <-chan gliderssh.Window) error {
	id := v.source.RegisterVisualEventHandler(v.onBatch)
	defer v.source.UnregisterVisualEventHandler(id)

	v.screen.EnterAltScreen()
	defer v.screen.ExitAltScreen()
	v.render()

	keys := make(chan keyKind, 16)
	go readKeys(input, keys)

	refresh := time.NewTicker(refreshPeriod)
	defer refresh.Stop()
	var pending <-chan time.Time
	signals := v.signals

	for {
		select {
		case <-ctx.Done():
			return nil
		case k, ok := <-keys:
			if !ok || k == keyQuit {
				return nil
			}
			if k == keyRedraw {
				_, _ = io.WriteString(v.out, "\x1b[2J")
				v.render()
			}
		case win, ok := <-winCh:
			if !ok {
				winCh = nil
				continue
			}
			v.SetSize(win.Width, win.Height)
			_, _ = io.WriteString(v.out, "\x1b[2J")
			v.render()
		case env, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			v.last = string(env.Type)
			v.render()
		case <-v.kick:
			if pending == nil {
				pending = time.After(redrawDelay)
			}
		case <-pending:
			pending = nil
			v.render()
		case <-refresh.C:
			v.render()
		}
	}
}
