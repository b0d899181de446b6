package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/termpilot/internal/logx"
	"pkt.systems/termpilot/schema"
)

var nowFunc = time.Now

// Engine drives one assistant session at a time through its terminal.
// Transport batches mutate the screen as they arrive; a scheduler evaluates
// the viewport on a fixed tick and types the keystrokes the matched pattern
// calls for. External operations and evaluation actions share opMu, so
// keystroke sequences never interleave.
type Engine struct {
	cfg       schema.EngineConfig
	transport Transport
	sink      SignalSink
	matcher   *Matcher
	logger    pslog.Logger
	screen    *Screen

	opMu sync.Mutex

	mu          sync.Mutex
	state       sessionState
	handle      TransportHandle
	driver      *Driver
	unsubscribe func()
	sessionCtx  context.Context
	cancel      context.CancelFunc
	sched       *scheduler

	visualMu   sync.RWMutex
	visual     map[int]func(schema.ScreenBatch)
	nextVisual int
}

// NewEngine constructs an idle engine.
func NewEngine(cfg schema.EngineConfig, deps EngineDeps) (*Engine, error) {
	normalized, err := schema.NormalizeEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	if deps.Transport == nil {
		return nil, schema.ErrTransportUnavailable
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	matcher := deps.Matcher
	if matcher == nil {
		matcher = NewMatcher()
	}
	return &Engine{
		cfg:       normalized,
		transport: deps.Transport,
		sink:      deps.Sink,
		matcher:   matcher,
		logger:    logger,
		screen:    NewScreen(normalized.Rows),
		state:     sessionState{phase: schema.PhaseIdle},
		visual:    make(map[int]func(schema.ScreenBatch)),
	}, nil
}

// Config returns the normalized engine config.
func (e *Engine) Config() schema.EngineConfig {
	return e.cfg
}

// StartTask connects a terminal (or reattaches one), starts the evaluation
// loop and records prompt as the pending task prompt. onReady runs once the
// screen listener is attached and before the startup preflight is typed.
func (e *Engine) StartTask(ctx context.Context, spec ConnectSpec, prompt string, onReady func(schema.TerminalID)) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	if e.state.running {
		e.mu.Unlock()
		return schema.ErrTaskRunning
	}
	attached := e.handle
	if attached != nil && spec.Handle != nil && spec.Handle != attached {
		e.mu.Unlock()
		return fmt.Errorf("%w: terminal %s still attached", schema.ErrTaskRunning, attached.ID())
	}
	e.state.resetTask(schema.PhaseConnecting)
	e.state.tag = newSessionTag()
	e.state.prompt = prompt
	e.state.startedAt = nowFunc()
	tag := e.state.tag
	e.mu.Unlock()

	log := logx.WithSession(e.logger, tag)
	log.Info("engine task start", "prompt_len", len(prompt), "attached", attached != nil, "reattach", spec.Handle != nil)

	if attached != nil {
		e.mu.Lock()
		e.state.running = true
		e.state.phase = e.state.activePhase()
		e.state.readyWaitSince = nowFunc()
		sched := e.sched
		e.mu.Unlock()
		if onReady != nil {
			onReady(attached.ID())
		}
		e.emit(tag, schema.TaskStarted{Prompt: prompt, TerminalID: attached.ID()})
		if sched != nil {
			sched.Kick()
		}
		return nil
	}

	handle := spec.Handle
	reattach := handle != nil
	if handle == nil {
		if spec.Rows <= 0 {
			spec.Rows = e.cfg.Rows
		}
		if spec.Cols <= 0 {
			spec.Cols = e.cfg.Cols
		}
		connected, err := e.transport.Connect(ctx, spec)
		if err != nil {
			log.Error("engine connect failed", "err", err)
			e.emit(tag, schema.TaskError{Message: err.Error()})
			e.mu.Lock()
			e.state.resetTask(schema.PhaseTornDown)
			e.mu.Unlock()
			return fmt.Errorf("connect terminal: %w", err)
		}
		handle = connected
	}
	log = logx.WithTerminal(log, handle.ID())
	if err := handle.Resize(ctx, e.cfg.Rows, e.cfg.Cols); err != nil {
		log.Warn("engine resize failed", "err", err)
	}
	e.screen.Reset()
	e.screen.SetRows(e.cfg.Rows)

	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sched := newScheduler(e.cfg.TickInterval, e.evaluate)
	driver := NewDriver(handle, e.cfg.KeyJitterMin, e.cfg.KeyJitterMax)
	e.mu.Lock()
	e.handle = handle
	e.driver = driver
	e.sessionCtx = sessionCtx
	e.cancel = cancel
	e.sched = sched
	e.state.running = true
	e.mu.Unlock()

	e.attachListener(log)
	if onReady != nil {
		onReady(handle.ID())
	}
	sched.start(sessionCtx)

	if !reattach && !e.cfg.DisablePreflight {
		if err := e.sendPreflight(sessionCtx, driver); err != nil {
			log.Warn("engine preflight failed", "err", err)
		}
	}

	e.mu.Lock()
	e.state.phase = e.state.activePhase()
	e.state.readyWaitSince = nowFunc()
	e.mu.Unlock()
	log.Info("engine task started", "phase", e.Status().Phase)
	e.emit(tag, schema.TaskStarted{Prompt: prompt, TerminalID: handle.ID()})
	return nil
}

// StopTask tears the session down and kills the terminal.
func (e *Engine) StopTask(ctx context.Context) error {
	_, err := e.Cleanup(ctx, false)
	return err
}

// Cleanup stops evaluation, interrupts the agent and detaches listeners. With
// preserveTerminal the live handle is returned to the caller instead of
// killed. Safe to call in any state.
func (e *Engine) Cleanup(ctx context.Context, preserveTerminal bool) (TransportHandle, error) {
	e.mu.Lock()
	cancel := e.cancel
	sched := e.sched
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if sched != nil {
		sched.wait(ctx)
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	handle := e.handle
	unsubscribe := e.unsubscribe
	tag := e.state.tag
	active := e.state.running || handle != nil
	if e.cancel != nil {
		e.cancel()
	}
	e.handle = nil
	e.driver = nil
	e.unsubscribe = nil
	e.sessionCtx = nil
	e.cancel = nil
	e.sched = nil
	if active {
		e.state.resetTask(schema.PhaseTornDown)
	}
	e.mu.Unlock()

	if !active {
		return nil, nil
	}
	log := logx.WithSession(e.logger, tag)
	if handle != nil {
		log = logx.WithTerminal(log, handle.ID())
		if err := handle.SendControl(ctx, schema.ControlInterrupt); err != nil {
			log.Warn("engine stop interrupt failed", "err", err)
		}
		_ = sleepCtx(ctx, e.cfg.StopDelay)
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	e.screen.Reset()

	var errs []error
	if handle != nil && !preserveTerminal {
		if err := handle.Kill(ctx); err != nil {
			errs = append(errs, fmt.Errorf("kill terminal: %w", err))
		}
		handle = nil
	}
	log.Info("engine task stopped", "preserved", preserveTerminal && handle != nil)
	e.emit(tag, schema.TaskStopped{})
	return handle, errors.Join(errs...)
}

// PauseAgent sends escape until the viewport confirms the interrupt, up to
// the configured number of attempts.
func (e *Engine) PauseAgent(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	st, driver, sessionCtx := e.active()
	if !st.running || driver == nil {
		return schema.ErrNoActiveTask
	}
	if st.paused {
		return schema.ErrAlreadyPaused
	}
	opCtx, cancel := mergeContext(ctx, sessionCtx)
	defer cancel()

	log := logx.WithSession(e.logger, st.tag)
	log.Info("engine pause start", "max_attempts", e.cfg.PauseAttempts)
	for attempt := 1; attempt <= e.cfg.PauseAttempts; attempt++ {
		if err := driver.SendKey(opCtx, KeyEscape); err != nil {
			return fmt.Errorf("send escape: %w", err)
		}
		if err := sleepCtx(opCtx, e.cfg.EscapeInterval); err != nil {
			return err
		}
		if IsInterruptConfirmed(e.screen.CurrentViewport()) {
			e.mu.Lock()
			e.state.paused = true
			e.state.phase = schema.PhasePaused
			e.mu.Unlock()
			log.Info("engine pause confirmed", "attempts", attempt)
			e.emit(st.tag, schema.AgentPaused{})
			return nil
		}
		log.Debug("engine pause not yet confirmed", "attempt", attempt)
	}
	log.Warn("engine pause negotiation failed", "attempts", e.cfg.PauseAttempts)
	e.emit(st.tag, schema.PauseFailed{Attempts: e.cfg.PauseAttempts})
	return fmt.Errorf("%w after %d attempts", schema.ErrPauseNotConfirmed, e.cfg.PauseAttempts)
}

// ResumeAgent tells a paused agent to continue.
func (e *Engine) ResumeAgent(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	st, driver, sessionCtx := e.active()
	if !st.running || driver == nil {
		return schema.ErrNoActiveTask
	}
	if !st.paused {
		return schema.ErrNotPaused
	}
	opCtx, cancel := mergeContext(ctx, sessionCtx)
	defer cancel()

	if err := driver.TypeText(opCtx, "continue"); err != nil {
		return fmt.Errorf("type resume: %w", err)
	}
	if err := sleepCtx(opCtx, e.cfg.ResumeSettle); err != nil {
		return err
	}
	if err := driver.Submit(opCtx); err != nil {
		return fmt.Errorf("submit resume: %w", err)
	}
	e.mu.Lock()
	e.state.paused = false
	e.state.phase = e.state.activePhase()
	e.mu.Unlock()
	logx.WithSession(e.logger, st.tag).Info("engine resumed")
	e.emit(st.tag, schema.AgentResumed{})
	return nil
}

// QueuePrompt types a follow-up prompt into the running session.
func (e *Engine) QueuePrompt(ctx context.Context, prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return schema.ErrEmptyPrompt
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()

	st, driver, sessionCtx := e.active()
	if !st.running || driver == nil {
		return schema.ErrNoActiveTask
	}
	opCtx, cancel := mergeContext(ctx, sessionCtx)
	defer cancel()

	e.setPhase(schema.PhaseQueuing)
	defer func() {
		e.mu.Lock()
		if e.state.running {
			e.state.phase = e.state.activePhase()
		}
		e.mu.Unlock()
	}()

	log := logx.WithSession(e.logger, st.tag)
	log.Info("engine queue prompt", "prompt_len", len(prompt))
	if err := e.typeAndSubmit(opCtx, driver, prompt); err != nil {
		log.Warn("engine queue prompt failed", "err", err)
		return err
	}
	e.emit(st.tag, schema.PromptQueued{Prompt: prompt})
	return nil
}

// PrepareManualCommit suspends automation so the caller can handle the
// finished task. The terminal stays attached.
func (e *Engine) PrepareManualCommit() error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.running {
		return schema.ErrNoActiveTask
	}
	e.state.completingTask = true
	e.state.phase = schema.PhaseCompleting
	logx.WithSession(e.logger, e.state.tag).Info("engine prepare manual commit")
	return nil
}

// ResetAfterCommit clears task flags while the terminal stays attached. A
// later StartTask reuses the attached terminal.
func (e *Engine) ResetAfterCommit() {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	e.mu.Lock()
	tag := e.state.tag
	e.state.resetTask(schema.PhaseIdle)
	attached := e.handle != nil
	e.mu.Unlock()
	logx.WithSession(e.logger, tag).Info("engine reset after commit", "attached", attached)
}

// SetManualControl suspends or restores automatic keystrokes.
func (e *Engine) SetManualControl(manual bool) {
	e.mu.Lock()
	e.state.manuallyControlled = manual
	tag := e.state.tag
	e.mu.Unlock()
	logx.WithSession(e.logger, tag).Info("engine manual control", "manual", manual)
}

// ResetGates re-arms the trust and option gates, for a driven program that
// re-prompts after a reconnect within the same session.
func (e *Engine) ResetGates() {
	e.mu.Lock()
	e.state.seenTrustPrompt = false
	e.state.optionAcknowledged = false
	tag := e.state.tag
	e.mu.Unlock()
	logx.WithSession(e.logger, tag).Debug("engine gates reset")
}

// CurrentTuiLines returns the rendered viewport.
func (e *Engine) CurrentTuiLines() []string {
	return e.screen.CurrentViewport()
}

// IsTaskRunning reports whether a session is connected.
func (e *Engine) IsTaskRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.running
}

// IsAgentAvailable reports whether a terminal is attached and the agent sits
// idle at its input box.
func (e *Engine) IsAgentAvailable() bool {
	e.mu.Lock()
	attached := e.handle != nil
	e.mu.Unlock()
	if !attached {
		return false
	}
	text := NormalizeViewport(e.screen.CurrentViewport())
	return HasInputBox(text) && !busyPattern.MatchString(text)
}

// Status returns a snapshot of the session flags.
func (e *Engine) Status() schema.SessionStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	var id schema.TerminalID
	if e.handle != nil {
		id = e.handle.ID()
	}
	return e.state.status(id)
}

// SendKey writes a named key to the attached terminal, for manual control.
func (e *Engine) SendKey(ctx context.Context, key string) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	_, driver, sessionCtx := e.active()
	if driver == nil {
		return schema.ErrNoActiveTask
	}
	opCtx, cancel := mergeContext(ctx, sessionCtx)
	defer cancel()
	return driver.SendKey(opCtx, key)
}

// RegisterVisualEventHandler forwards every raw transport batch to fn before
// the engine applies it. It returns an id for unregistering.
func (e *Engine) RegisterVisualEventHandler(fn func(schema.ScreenBatch)) int {
	e.visualMu.Lock()
	defer e.visualMu.Unlock()
	e.nextVisual++
	e.visual[e.nextVisual] = fn
	return e.nextVisual
}

// UnregisterVisualEventHandler removes a handler registered earlier.
func (e *Engine) UnregisterVisualEventHandler(id int) {
	e.visualMu.Lock()
	delete(e.visual, id)
	e.visualMu.Unlock()
}

func (e *Engine) onBatch(batch schema.ScreenBatch) {
	e.visualMu.RLock()
	handlers := make([]func(schema.ScreenBatch), 0, len(e.visual))
	for _, fn := range e.visual {
		handlers = append(handlers, fn)
	}
	e.visualMu.RUnlock()
	for _, fn := range handlers {
		fn(batch)
	}

	if skipped := e.screen.ApplyBatch(batch); skipped > 0 {
		e.logger.Debug("engine screen events skipped", "skipped", skipped, "batch", len(batch))
	}

	e.mu.Lock()
	tag := e.state.tag
	running := e.state.running
	e.mu.Unlock()
	if running {
		e.emit(tag, schema.ScreenUpdate{Lines: e.screen.Viewport(e.cfg.ScreenUpdateLines)})
	}
}

// evaluate runs one Viewport, Matcher, decide, Driver cycle.
func (e *Engine) evaluate(ctx context.Context) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	if ctx.Err() != nil {
		return
	}

	e.mu.Lock()
	st := e.state
	driver := e.driver
	needsListener := e.handle != nil && e.unsubscribe == nil
	e.mu.Unlock()
	if !st.running || driver == nil {
		return
	}
	log := logx.WithSession(e.logger, st.tag)
	if needsListener {
		e.attachListener(log)
	}

	viewport := e.screen.CurrentViewport()
	if st.optionAcknowledged && !HasOption(NormalizeViewport(viewport)) {
		e.mu.Lock()
		e.state.optionAcknowledged = false
		e.mu.Unlock()
		st.optionAcknowledged = false
	}
	kind := e.matcher.Classify(viewport, st.matchState())
	e.checkReadyTimeout(st, log)

	action := decide(st, kind)
	if action.kind == actionNone {
		log.Trace("engine evaluate idle", "pattern", kind.String(), "phase", st.phase)
		return
	}
	e.mu.Lock()
	e.state.markAction(action)
	e.mu.Unlock()

	log.Info("engine action", "pattern", kind.String(), "action", action.kind.String())
	if err := e.perform(ctx, driver, action); err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn("engine action failed", "action", action.kind.String(), "err", err)
		e.emit(st.tag, schema.TaskError{Message: fmt.Sprintf("%s: %v", action.kind, err)})
		return
	}
	if action.kind == actionInjectPrompt {
		e.emit(st.tag, schema.PromptSent{})
	}
}

func (e *Engine) perform(ctx context.Context, driver *Driver, action pendingAction) error {
	switch action.kind {
	case actionInjectPrompt:
		return e.typeAndSubmit(ctx, driver, action.prompt)
	case actionConfirmTrust:
		return driver.Submit(ctx)
	case actionSelectOption:
		return driver.SendRaw(ctx, "1")
	default:
		return nil
	}
}

func (e *Engine) typeAndSubmit(ctx context.Context, driver *Driver, text string) error {
	if err := driver.TypeText(ctx, text); err != nil {
		return fmt.Errorf("type prompt: %w", err)
	}
	if err := sleepCtx(ctx, e.cfg.SubmitSettle); err != nil {
		return err
	}
	if err := driver.Submit(ctx); err != nil {
		return fmt.Errorf("submit prompt: %w", err)
	}
	return nil
}

func (e *Engine) checkReadyTimeout(st sessionState, log pslog.Logger) {
	if st.seenFirstPrompt || st.prompt == "" || st.readyTimedOut || st.readyWaitSince.IsZero() {
		return
	}
	if st.paused || st.manuallyControlled || st.completingTask {
		return
	}
	if nowFunc().Sub(st.readyWaitSince) < e.cfg.ReadyTimeout {
		return
	}
	e.mu.Lock()
	e.state.readyTimedOut = true
	e.mu.Unlock()
	log.Warn("engine input prompt not seen", "timeout", e.cfg.ReadyTimeout.String())
	e.emit(st.tag, schema.TaskError{Message: fmt.Sprintf("agent input prompt not seen within %s", e.cfg.ReadyTimeout)})
}

func (e *Engine) sendPreflight(ctx context.Context, driver *Driver) error {
	for _, cmd := range preflightCommands(e.cfg) {
		if err := driver.SendRaw(ctx, cmd); err != nil {
			return err
		}
		if err := driver.Submit(ctx); err != nil {
			return err
		}
	}
	return nil
}

// preflightCommands checks the agent binary, echoes the working directory and a
// marker, then launches the agent.
func preflightCommands(cfg schema.EngineConfig) []string {
	return []string{
		fmt.Sprintf("command -v %s >/dev/null 2>&1 || echo 'termpilot: %s not found'", cfg.Agent, cfg.Agent),
		"pwd",
		"echo " + cfg.PreflightMarker,
		cfg.LaunchCommand,
	}
}

func (e *Engine) attachListener(log pslog.Logger) {
	e.mu.Lock()
	handle := e.handle
	already := e.unsubscribe != nil
	e.mu.Unlock()
	if handle == nil || already {
		return
	}
	unsubscribe, err := handle.Subscribe(e.onBatch)
	if err != nil {
		log.Warn("engine subscribe failed", "err", err)
		return
	}
	e.mu.Lock()
	if e.handle != handle || e.unsubscribe != nil {
		e.mu.Unlock()
		unsubscribe()
		return
	}
	e.unsubscribe = unsubscribe
	e.mu.Unlock()
	log.Debug("engine listener attached")
}

func (e *Engine) active() (sessionState, *Driver, context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.driver, e.sessionCtx
}

func (e *Engine) setPhase(phase schema.Phase) {
	e.mu.Lock()
	e.state.phase = phase
	e.mu.Unlock()
}

func (e *Engine) emit(tag schema.SessionTag, signal schema.Signal) {
	if e.sink == nil {
		return
	}
	e.sink.OnSignal(tag, signal)
}

// mergeContext returns a context that ends when either ctx or session ends.
func mergeContext(ctx, session context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	if session == nil {
		return merged, cancel
	}
	stop := context.AfterFunc(session, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}
