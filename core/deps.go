package core

import "pkt.systems/pslog"

// EngineDeps captures the collaborators of the automation engine.
type EngineDeps struct {
	Transport Transport
	Sink      SignalSink
	Matcher   *Matcher
	Logger    pslog.Logger
}
