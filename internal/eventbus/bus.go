package eventbus

import (
	"context"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/termpilot/schema"
)

// Bus fans lifecycle signals out to channel subscribers. Each subscriber
// receives every signal in emission order; a full subscriber drops signals
// rather than blocking the engine.
type Bus struct {
	mu    sync.Mutex
	seq   uint64
	subs  map[chan schema.SignalEnvelope]struct{}
	log   pslog.Logger
	depth int
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:  make(map[chan schema.SignalEnvelope]struct{}),
		log:   logger,
		depth: 256,
	}
}

// Subscribe registers a subscriber and returns its channel and a cancel func.
func (b *Bus) Subscribe() (<-chan schema.SignalEnvelope, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan schema.SignalEnvelope, b.depth)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	count := len(b.subs)
	b.mu.Unlock()
	b.log.Debug("eventbus subscribe", "subs", count)
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
			b.log.Debug("eventbus unsubscribe")
		})
	}
}

// OnSignal publishes a signal to every subscriber.
func (b *Bus) OnSignal(session schema.SessionTag, signal schema.Signal) {
	if b == nil || signal == nil {
		return
	}
	env := schema.Envelope(session, signal)
	b.mu.Lock()
	b.seq++
	env.Seq = b.seq
	subs := make([]chan schema.SignalEnvelope, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	dropped := 0
	for _, sub := range subs {
		select {
		case sub <- env:
		default:
			dropped++
		}
	}
	b.mu.Unlock()
	if dropped > 0 {
		b.log.With("session", session).Trace("eventbus dropped", "count", dropped, "type", env.Type)
	}
}
