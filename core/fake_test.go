package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/termpilot/schema"
)

type fakeTransport struct {
	mu         sync.Mutex
	handle     *fakeHandle
	connectErr error
	connects   int
	lastSpec   ConnectSpec
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handle: newFakeHandle("term-1")}
}

func (t *fakeTransport) Connect(_ context.Context, spec ConnectSpec) (TransportHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connects++
	t.lastSpec = spec
	if t.connectErr != nil {
		return nil, t.connectErr
	}
	return t.handle, nil
}

func (t *fakeTransport) connectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

type fakeHandle struct {
	mu           sync.Mutex
	id           schema.TerminalID
	sends        []string
	controls     []schema.ControlSignal
	subs         map[int]func(schema.ScreenBatch)
	nextSub      int
	subscribes   int
	subscribeErr error
	killed       bool
	rows, cols   int
	onSend       func(text string)
}

func newFakeHandle(id schema.TerminalID) *fakeHandle {
	return &fakeHandle{id: id, subs: make(map[int]func(schema.ScreenBatch))}
}

func (h *fakeHandle) ID() schema.TerminalID { return h.id }

func (h *fakeHandle) Resize(_ context.Context, rows, cols int) error {
	h.mu.Lock()
	h.rows, h.cols = rows, cols
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) SendText(_ context.Context, text string) error {
	h.mu.Lock()
	h.sends = append(h.sends, text)
	hook := h.onSend
	h.mu.Unlock()
	if hook != nil {
		hook(text)
	}
	return nil
}

func (h *fakeHandle) SendControl(_ context.Context, signal schema.ControlSignal) error {
	h.mu.Lock()
	h.controls = append(h.controls, signal)
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) Subscribe(fn func(schema.ScreenBatch)) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribes++
	if h.subscribeErr != nil {
		return nil, h.subscribeErr
	}
	h.nextSub++
	id := h.nextSub
	h.subs[id] = fn
	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}, nil
}

func (h *fakeHandle) Kill(context.Context) error {
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) deliver(batch schema.ScreenBatch) {
	h.mu.Lock()
	subs := make([]func(schema.ScreenBatch), 0, len(h.subs))
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	h.mu.Unlock()
	for _, fn := range subs {
		fn(batch)
	}
}

func (h *fakeHandle) show(lines ...string) {
	h.deliver(schema.ScreenBatch{schema.FullReplace{Lines: schema.TextLines(lines...)}})
}

func (h *fakeHandle) sent() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.sends...)
}

func (h *fakeHandle) resetSends() {
	h.mu.Lock()
	h.sends = nil
	h.mu.Unlock()
}

func (h *fakeHandle) subscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

type signalRecorder struct {
	mu      sync.Mutex
	signals []schema.Signal
	notify  chan schema.Signal
}

func newSignalRecorder() *signalRecorder {
	return &signalRecorder{notify: make(chan schema.Signal, 256)}
}

func (r *signalRecorder) OnSignal(_ schema.SessionTag, signal schema.Signal) {
	r.mu.Lock()
	r.signals = append(r.signals, signal)
	r.mu.Unlock()
	select {
	case r.notify <- signal:
	default:
	}
}

func (r *signalRecorder) count(kind schema.SignalType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, sig := range r.signals {
		if sig.SignalType() == kind {
			n++
		}
	}
	return n
}

func (r *signalRecorder) waitFor(t *testing.T, kind schema.SignalType) schema.Signal {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case sig := <-r.notify:
			if sig.SignalType() == kind {
				return sig
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
			return nil
		}
	}
}

// fastConfig keeps every delay in the low milliseconds and parks the ticker
// so tests drive evaluation explicitly.
func fastConfig() schema.EngineConfig {
	return schema.EngineConfig{
		DisablePreflight: true,
		TickInterval:     time.Hour,
		EscapeInterval:   time.Millisecond,
		KeyJitterMin:     time.Microsecond,
		KeyJitterMax:     time.Microsecond,
		SubmitSettle:     time.Millisecond,
		ResumeSettle:     time.Millisecond,
		StopDelay:        time.Millisecond,
	}
}

func newTestEngine(t *testing.T, cfg schema.EngineConfig) (*Engine, *fakeTransport, *signalRecorder) {
	t.Helper()
	transport := newFakeTransport()
	sink := newSignalRecorder()
	engine, err := NewEngine(cfg, EngineDeps{Transport: transport, Sink: sink})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() {
		_ = engine.StopTask(context.Background())
	})
	return engine, transport, sink
}

func startTask(t *testing.T, engine *Engine, prompt string) {
	t.Helper()
	if err := engine.StartTask(context.Background(), ConnectSpec{}, prompt, nil); err != nil {
		t.Fatalf("start task: %v", err)
	}
}

func evaluateNow(e *Engine) {
	e.mu.Lock()
	ctx := e.sessionCtx
	e.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	e.evaluate(ctx)
}

var errBoom = errors.New("boom")
