package core

import "pkt.systems/termpilot/schema"

// SignalSink receives lifecycle signals from the engine. Implementations must
// not block.
type SignalSink interface {
	OnSignal(session schema.SessionTag, signal schema.Signal)
}

// SignalSinkFunc adapts a function to SignalSink.
type SignalSinkFunc func(session schema.SessionTag, signal schema.Signal)

// OnSignal calls f.
func (f SignalSinkFunc) OnSignal(session schema.SessionTag, signal schema.Signal) {
	f(session, signal)
}
