package termpilot

import (
	"pkt.systems/termpilot/core"
	"pkt.systems/termpilot/schema"
)

type signalFanout struct {
	sinks []core.SignalSink
}

func (f signalFanout) OnSignal(session schema.SessionTag, signal schema.Signal) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnSignal(session, signal)
	}
}

// joinSinks drops nil sinks and avoids the fanout wrapper for a single sink.
func joinSinks(sinks ...core.SignalSink) core.SignalSink {
	kept := make([]core.SignalSink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			kept = append(kept, sink)
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	default:
		return signalFanout{sinks: kept}
	}
}
