// Package tmuxpane drives terminals hosted in tmux sessions. Screen contents
// are polled with capture-pane and diffed into screen events; input goes
// through send-keys.
package tmuxpane

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/google/uuid"
	"pkt.systems/pslog"
	"pkt.systems/termpilot/core"
	"pkt.systems/termpilot/internal/logx"
	"pkt.systems/termpilot/schema"
)

// Config controls the tmux transport.
type Config struct {
	TmuxPath      string
	SocketPath    string
	SessionPrefix string
	// Shell is the command the new session runs. Empty uses tmux's default.
	Shell string
	// Env is set on every new session; ConnectSpec.Env overrides it.
	Env          map[string]string
	PollInterval time.Duration
	Logger       pslog.Logger
}

// Transport opens terminals as detached tmux sessions.
type Transport struct {
	cfg Config
	run runner
	log pslog.Logger
}

// New constructs a tmux transport.
func New(cfg Config) *Transport {
	if cfg.TmuxPath == "" {
		cfg.TmuxPath = "tmux"
	}
	return newWithRunner(cfg, execRunner{tmuxPath: cfg.TmuxPath, socketPath: cfg.SocketPath})
}

func newWithRunner(cfg Config, run runner) *Transport {
	if cfg.SessionPrefix == "" {
		cfg.SessionPrefix = "termpilot"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Transport{cfg: cfg, run: run, log: logger}
}

// Connect creates a detached tmux session sized to spec.
func (t *Transport) Connect(ctx context.Context, spec core.ConnectSpec) (core.TransportHandle, error) {
	rows, cols := spec.Rows, spec.Cols
	if rows <= 0 {
		rows = schema.DefaultRows
	}
	if cols <= 0 {
		cols = schema.DefaultCols
	}
	name := t.cfg.SessionPrefix + "-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
	args := []string{"new-session", "-d", "-s", name, "-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows)}
	if spec.WorkingDir != "" {
		args = append(args, "-c", spec.WorkingDir)
	}
	env := make(map[string]string, len(t.cfg.Env)+len(spec.Env))
	for key, value := range t.cfg.Env {
		env[key] = value
	}
	for key, value := range spec.Env {
		env[key] = value
	}
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		args = append(args, "-e", key+"="+env[key])
	}
	if t.cfg.Shell != "" {
		args = append(args, t.cfg.Shell)
	}
	if _, err := t.run.Run(ctx, args...); err != nil {
		return nil, fmt.Errorf("create tmux session: %w", err)
	}
	pane := &pane{
		id:       schema.TerminalID(name),
		target:   name,
		run:      t.run,
		interval: t.cfg.PollInterval,
		subs:     make(map[int]func(schema.ScreenBatch)),
		log:      logx.WithTerminal(t.log, schema.TerminalID(name)),
	}
	pane.log.Info("tmuxpane connect", "rows", rows, "cols", cols, "dir", spec.WorkingDir)
	return pane, nil
}

// Attach wraps an existing tmux target without creating it.
func (t *Transport) Attach(target string) core.TransportHandle {
	return &pane{
		id:       schema.TerminalID(target),
		target:   target,
		run:      t.run,
		interval: t.cfg.PollInterval,
		subs:     make(map[int]func(schema.ScreenBatch)),
		log:      logx.WithTerminal(t.log, schema.TerminalID(target)),
	}
}

type pane struct {
	id       schema.TerminalID
	target   string
	run      runner
	interval time.Duration
	log      pslog.Logger

	mu       sync.Mutex
	subs     map[int]func(schema.ScreenBatch)
	nextSub  int
	last     []string
	polling  bool
	stopPoll context.CancelFunc
	closed   bool

	deliverMu sync.Mutex
}

func (p *pane) ID() schema.TerminalID {
	return p.id
}

func (p *pane) Resize(ctx context.Context, rows, cols int) error {
	if p.isClosed() {
		return schema.ErrTerminalClosed
	}
	_, err := p.run.Run(ctx, "resize-window", "-t", p.target, "-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows))
	return err
}

func (p *pane) SendText(ctx context.Context, text string) error {
	if p.isClosed() {
		return schema.ErrTerminalClosed
	}
	if text == "" {
		return nil
	}
	_, err := p.run.Run(ctx, "send-keys", "-t", p.target, "-l", "--", text)
	return err
}

func (p *pane) SendControl(ctx context.Context, signal schema.ControlSignal) error {
	if p.isClosed() {
		return schema.ErrTerminalClosed
	}
	var key string
	switch signal {
	case schema.ControlInterrupt:
		key = "C-c"
	case schema.ControlEOF:
		key = "C-d"
	default:
		return fmt.Errorf("unsupported control signal %q", signal)
	}
	_, err := p.run.Run(ctx, "send-keys", "-t", p.target, key)
	return err
}

// Subscribe registers fn and starts polling on the first subscriber. A late
// subscriber receives the last capture as a full replace.
func (p *pane) Subscribe(fn func(schema.ScreenBatch)) (func(), error) {
	if fn == nil {
		return nil, errors.New("nil subscriber")
	}
	p.deliverMu.Lock()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.deliverMu.Unlock()
		return nil, schema.ErrTerminalClosed
	}
	p.nextSub++
	id := p.nextSub
	p.subs[id] = fn
	last := append([]string(nil), p.last...)
	start := !p.polling
	if start {
		ctx, cancel := context.WithCancel(context.Background())
		p.polling = true
		p.stopPoll = cancel
		go p.poll(ctx)
	}
	p.mu.Unlock()
	if len(last) > 0 {
		fn(schema.ScreenBatch{schema.FullReplace{Lines: schema.TextLines(last...)}})
	}
	p.deliverMu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		if len(p.subs) == 0 && p.stopPoll != nil {
			p.stopPoll()
			p.stopPoll = nil
			p.polling = false
		}
		p.mu.Unlock()
	}, nil
}

func (p *pane) Kill(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.stopPoll != nil {
		p.stopPoll()
		p.stopPoll = nil
	}
	p.subs = map[int]func(schema.ScreenBatch){}
	p.mu.Unlock()
	if _, err := p.run.Run(ctx, "kill-session", "-t", p.target); err != nil {
		return fmt.Errorf("kill tmux session: %w", err)
	}
	p.log.Info("tmuxpane kill")
	return nil
}

func (p *pane) poll(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if err := p.captureOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Debug("tmuxpane capture failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *pane) captureOnce(ctx context.Context) error {
	out, err := p.run.Run(ctx, "capture-pane", "-p", "-t", p.target)
	if err != nil {
		return err
	}
	lines := splitCapture(out)

	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()
	p.mu.Lock()
	prev := p.last
	p.last = lines
	subs := make([]func(schema.ScreenBatch), 0, len(p.subs))
	ids := make([]int, 0, len(p.subs))
	for id := range p.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		subs = append(subs, p.subs[id])
	}
	p.mu.Unlock()

	batch := diffCapture(prev, lines)
	if len(batch) == 0 {
		return nil
	}
	for _, fn := range subs {
		fn(batch)
	}
	return nil
}

func (p *pane) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// splitCapture turns capture-pane output into clean lines, dropping the
// trailing blank rows tmux pads the pane with.
func splitCapture(out string) []string {
	out = strings.TrimRight(out, "\n")
	if out == "" {
		return nil
	}
	raw := strings.Split(out, "\n")
	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		lines = append(lines, strings.TrimRight(ansi.Strip(line), " "))
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// diffCapture emits a full replace on the first capture or when the pane
// got shorter, and patches plus an append otherwise.
func diffCapture(prev, next []string) schema.ScreenBatch {
	if prev == nil || len(next) < len(prev) {
		if prev == nil && len(next) == 0 {
			return nil
		}
		return schema.ScreenBatch{schema.FullReplace{Lines: schema.TextLines(next...)}}
	}
	var batch schema.ScreenBatch
	for i := range prev {
		if prev[i] != next[i] {
			batch = append(batch, schema.PatchLine{Index: i, Line: schema.TextLine(next[i])})
		}
	}
	if len(next) > len(prev) {
		batch = append(batch, schema.AppendLines{Lines: schema.TextLines(next[len(prev):]...)})
	}
	return batch
}
