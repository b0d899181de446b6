package httpapi

import (
	"context"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/termpilot/schema"
)

// Hub keeps a bounded signal history and broadcasts signals to stream
// clients. It implements core.SignalSink.
type Hub struct {
	mu          sync.Mutex
	seq         uint64
	history     []schema.SignalEnvelope
	subs        map[chan schema.SignalEnvelope]struct{}
	historySize int
	log         pslog.Logger
}

// NewHub constructs a hub with the given history size.
func NewHub(historySize int, logger pslog.Logger) *Hub {
	if historySize <= 0 {
		historySize = 512
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Hub{
		subs:        make(map[chan schema.SignalEnvelope]struct{}),
		historySize: historySize,
		log:         logger,
	}
}

// OnSignal records and broadcasts a signal.
func (h *Hub) OnSignal(session schema.SessionTag, signal schema.Signal) {
	if signal == nil {
		return
	}
	h.log.With("session", session).Trace("hub signal", "type", signal.SignalType())
	h.publish(schema.Envelope(session, signal))
}

// Subscribe registers a stream subscriber. It returns the channel, an
// unsubscribe func and the seq of the last published signal.
func (h *Hub) Subscribe() (<-chan schema.SignalEnvelope, func(), uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan schema.SignalEnvelope, 256)
	h.subs[ch] = struct{}{}
	seq := h.seq
	h.log.Info("hub subscribe", "subs", len(h.subs), "history", len(h.history))
	var once sync.Once
	unsub := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			close(ch)
			remaining := len(h.subs)
			h.mu.Unlock()
			h.log.Info("hub unsubscribe", "subs", remaining)
		})
	}
	return ch, unsub, seq
}

// Replay returns retained signals with seq greater than after and not
// greater than upTo.
func (h *Hub) Replay(after, upTo uint64) []schema.SignalEnvelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	events := make([]schema.SignalEnvelope, 0, len(h.history))
	for _, event := range h.history {
		if event.Seq > after && event.Seq <= upTo {
			events = append(events, event)
		}
	}
	h.log.Debug("hub replay", "after", after, "count", len(events))
	return events
}

func (h *Hub) publish(event schema.SignalEnvelope) {
	h.mu.Lock()
	h.seq++
	event.Seq = h.seq
	h.history = append(h.history, event)
	if len(h.history) > h.historySize {
		h.history = h.history[len(h.history)-h.historySize:]
	}
	dropped := 0
	for sub := range h.subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	h.mu.Unlock()
	if dropped > 0 {
		h.log.Warn("hub event dropped", "type", event.Type, "dropped", dropped)
	}
}
