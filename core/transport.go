package core

import (
	"context"

	"pkt.systems/termpilot/schema"
)

// Transport opens terminals that stream screen events.
type Transport interface {
	Connect(ctx context.Context, spec ConnectSpec) (TransportHandle, error)
}

// ConnectSpec describes the terminal to open.
type ConnectSpec struct {
	WorkingDir string
	Rows       int
	Cols       int
	Env        map[string]string
	// Handle reattaches a terminal preserved by an earlier cleanup.
	Handle TransportHandle
}

// TransportHandle is a live terminal.
type TransportHandle interface {
	ID() schema.TerminalID
	Resize(ctx context.Context, rows, cols int) error
	SendText(ctx context.Context, text string) error
	SendControl(ctx context.Context, signal schema.ControlSignal) error
	// Subscribe registers fn for every screen batch and returns a cancel func.
	// Batches are delivered in order, one at a time.
	Subscribe(fn func(schema.ScreenBatch)) (func(), error)
	Kill(ctx context.Context) error
}
