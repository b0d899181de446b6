package localpty

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
	"pkt.systems/pslog"
	"pkt.systems/termpilot/core"
	"pkt.systems/termpilot/internal/logx"
	"pkt.systems/termpilot/schema"
)

// DefaultMaxTerminals caps concurrently open terminals.
const DefaultMaxTerminals = 100

// Config controls how local terminals are spawned.
type Config struct {
	// Shell overrides $SHELL. Empty falls back to zsh, bash, then sh.
	Shell string
	// Login starts the shell as a login shell.
	Login bool
	// Env is appended to the inherited environment.
	Env          map[string]string
	MaxTerminals int
	Logger       pslog.Logger
}

// ErrTooManyTerminals indicates the terminal cap was reached.
var ErrTooManyTerminals = errors.New("too many terminals")

var lookPath = exec.LookPath

// Transport spawns shells on local pseudo-terminals.
type Transport struct {
	cfg       Config
	log       pslog.Logger
	mu        sync.Mutex
	terminals map[schema.TerminalID]*terminal
}

// New constructs a local pty transport.
func New(cfg Config) *Transport {
	if cfg.MaxTerminals <= 0 {
		cfg.MaxTerminals = DefaultMaxTerminals
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Transport{
		cfg:       cfg,
		log:       logger,
		terminals: make(map[schema.TerminalID]*terminal),
	}
}

// Connect starts a shell on a new pty.
func (t *Transport) Connect(ctx context.Context, spec core.ConnectSpec) (core.TransportHandle, error) {
	t.mu.Lock()
	if len(t.terminals) >= t.cfg.MaxTerminals {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: limit %d", ErrTooManyTerminals, t.cfg.MaxTerminals)
	}
	t.mu.Unlock()

	shell, err := resolveShell(t.cfg.Shell)
	if err != nil {
		return nil, err
	}
	rows, cols := spec.Rows, spec.Cols
	if rows <= 0 {
		rows = schema.DefaultRows
	}
	if cols <= 0 {
		cols = schema.DefaultCols
	}

	var args []string
	if t.cfg.Login {
		args = append(args, "-l")
	}
	cmd := exec.Command(shell, args...)
	if spec.WorkingDir != "" {
		cmd.Dir = spec.WorkingDir
	}
	cmd.Env = buildEnv(os.Environ(), t.cfg.Env, spec.Env)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	id := schema.TerminalID(uuid.NewString())
	term := &terminal{
		id:      id,
		owner:   t,
		cmd:     cmd,
		ptmx:    ptmx,
		decoder: newDecoder(rows),
		subs:    make(map[int]func(schema.ScreenBatch)),
		done:    make(chan struct{}),
		log:     logx.WithTerminal(t.log, id),
	}
	t.mu.Lock()
	t.terminals[id] = term
	count := len(t.terminals)
	t.mu.Unlock()

	go term.readLoop()
	go term.waitLoop()

	term.log.Info("localpty connect", "shell", shell, "dir", cmd.Dir, "rows", rows, "cols", cols, "open", count)
	return term, nil
}

// Close kills every open terminal.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	terms := make([]*terminal, 0, len(t.terminals))
	for _, term := range t.terminals {
		terms = append(terms, term)
	}
	t.mu.Unlock()
	var errs []error
	for _, term := range terms {
		if err := term.Kill(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Count returns the number of open terminals.
func (t *Transport) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.terminals)
}

func (t *Transport) forget(id schema.TerminalID) {
	t.mu.Lock()
	delete(t.terminals, id)
	t.mu.Unlock()
}

type terminal struct {
	id    schema.TerminalID
	owner *Transport
	cmd   *exec.Cmd
	ptmx  *os.File
	log   pslog.Logger

	// deliverMu orders decoding and delivery against Subscribe snapshots.
	deliverMu sync.Mutex
	decoder   *decoder

	mu      sync.Mutex
	subs    map[int]func(schema.ScreenBatch)
	nextSub int
	closed  bool

	done     chan struct{}
	killOnce sync.Once
}

func (t *terminal) ID() schema.TerminalID {
	return t.id
}

func (t *terminal) Resize(_ context.Context, rows, cols int) error {
	if t.isClosed() {
		return schema.ErrTerminalClosed
	}
	if err := pty.Setsize(t.ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}); err != nil {
		return fmt.Errorf("resize pty: %w", err)
	}
	t.deliverMu.Lock()
	t.decoder.setRows(rows)
	t.deliverMu.Unlock()
	return nil
}

func (t *terminal) SendText(_ context.Context, text string) error {
	if t.isClosed() {
		return schema.ErrTerminalClosed
	}
	if _, err := io.WriteString(t.ptmx, text); err != nil {
		return fmt.Errorf("write pty: %w", err)
	}
	return nil
}

func (t *terminal) SendControl(ctx context.Context, signal schema.ControlSignal) error {
	switch signal {
	case schema.ControlInterrupt:
		return t.SendText(ctx, "\x03")
	case schema.ControlEOF:
		return t.SendText(ctx, "\x04")
	default:
		return fmt.Errorf("unsupported control signal %q", signal)
	}
}

// Subscribe registers fn and replays the current screen to it as a full
// replace, so a reattaching session starts from the live contents.
func (t *terminal) Subscribe(fn func(schema.ScreenBatch)) (func(), error) {
	if fn == nil {
		return nil, errors.New("nil subscriber")
	}
	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, schema.ErrTerminalClosed
	}
	t.nextSub++
	id := t.nextSub
	t.subs[id] = fn
	t.mu.Unlock()

	if snapshot := t.decoder.Snapshot(); len(snapshot) > 0 {
		fn(snapshot)
	}
	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}, nil
}

// Kill terminates the shell's process group and closes the pty.
func (t *terminal) Kill(context.Context) error {
	var err error
	t.killOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.subs = map[int]func(schema.ScreenBatch){}
		t.mu.Unlock()
		if t.cmd.Process != nil {
			// The pty child leads its own session, so its pid is the group id.
			if killErr := unix.Kill(-t.cmd.Process.Pid, unix.SIGKILL); killErr != nil && !errors.Is(killErr, unix.ESRCH) {
				err = fmt.Errorf("kill process group: %w", killErr)
			}
		}
		if closeErr := t.ptmx.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) && err == nil {
			err = closeErr
		}
		t.owner.forget(t.id)
		t.log.Info("localpty kill")
	})
	return err
}

func (t *terminal) readLoop() {
	buf := make([]byte, 8192)
	for {
		n, err := t.ptmx.Read(buf)
		if n > 0 {
			t.deliver(buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				t.log.Debug("localpty read ended", "err", err)
			}
			return
		}
	}
}

func (t *terminal) deliver(chunk []byte) {
	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()
	batch := t.decoder.Feed(chunk)
	if len(batch) == 0 {
		return
	}
	t.mu.Lock()
	ids := make([]int, 0, len(t.subs))
	for id := range t.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]func(schema.ScreenBatch), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, t.subs[id])
	}
	t.mu.Unlock()
	for _, fn := range subs {
		fn(batch)
	}
}

func (t *terminal) waitLoop() {
	err := t.cmd.Wait()
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	close(t.done)
	t.owner.forget(t.id)
	if err != nil {
		t.log.Debug("localpty process exited", "err", err)
		return
	}
	t.log.Debug("localpty process exited")
}

func (t *terminal) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// resolveShell picks the configured shell, then $SHELL, then the first of
// zsh, bash and sh found on PATH.
func resolveShell(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if env := os.Getenv("SHELL"); env != "" {
		return env, nil
	}
	for _, candidate := range []string{"zsh", "bash", "sh"} {
		if path, err := lookPath(candidate); err == nil {
			return path, nil
		}
	}
	return "", errors.New("no shell found")
}

func buildEnv(base []string, layers ...map[string]string) []string {
	env := append([]string(nil), base...)
	env = append(env, "TERM=xterm-256color", "COLORTERM=truecolor")
	for _, layer := range layers {
		keys := make([]string, 0, len(layer))
		for key := range layer {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			env = append(env, key+"="+layer[key])
		}
	}
	return env
}
