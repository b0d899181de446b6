package logx

import (
	"context"

	"pkt.systems/pslog"
	"pkt.systems/termpilot/schema"
)

type contextKey int

const (
	sessionKey contextKey = iota
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithSession annotates the logger with a session tag when available.
func WithSession(log pslog.Logger, tag schema.SessionTag) pslog.Logger {
	if tag != "" {
		log = log.With("session", tag)
	}
	return log
}

// WithTerminal annotates the logger with a terminal id when available.
func WithTerminal(log pslog.Logger, id schema.TerminalID) pslog.Logger {
	if id != "" {
		log = log.With("terminal", id)
	}
	return log
}

// SessionFromContext annotates the context logger with the session stored by
// ContextWithSession, once.
func SessionFromContext(ctx context.Context) pslog.Logger {
	log := pslog.Ctx(ctx)
	if tag, ok := ctx.Value(sessionKey).(schema.SessionTag); ok && tag != "" {
		log = log.With("session", tag)
	}
	return log
}

// ContextWithSession stores the session marker on the context.
func ContextWithSession(ctx context.Context, tag schema.SessionTag) context.Context {
	if ctx == nil || tag == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey, tag)
}
