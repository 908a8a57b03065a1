package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds connection-scoped logging context. The *Ctx logging
// functions prepend its fields to every line logged with a context that
// carries one. The adaptor session loop does not install one; its log
// lines pass the connection fields explicitly.
type LogContext struct {
	Conn      string    // connection name (device path or peer host)
	ConnID    string    // connection UUID
	ConnKind  string    // serial, tcp, listener
	Channel   int32     // selected channel code, -1 when none
	StartTime time.Time // for duration calculation
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from a context, or nil
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}
