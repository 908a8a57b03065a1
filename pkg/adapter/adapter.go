// Package adapter defines the contract between the server core and the
// protocol front-ends it manages.
package adapter

import "context"

// Adapter represents a protocol-specific server that can be managed by
// the process-level Server.
//
// Lifecycle:
//  1. Creation with protocol-specific configuration
//  2. Serve() brings up endpoints and blocks until shutdown
//  3. Stop() initiates graceful shutdown with timeout
//
// Implementations must be safe for concurrent use: Stop() may be
// called concurrently with Serve().
type Adapter interface {
	// Serve starts the protocol server and blocks until the context is
	// cancelled or an unrecoverable error occurs. When the context is
	// cancelled, Serve must stop accepting new connections, wait for
	// active sessions to wind down (with timeout), and clean up.
	Serve(ctx context.Context) error

	// Stop initiates graceful shutdown. It must be idempotent and safe
	// to call concurrently with Serve.
	Stop(ctx context.Context) error

	// Protocol returns the human-readable protocol name for logging
	// and metrics.
	Protocol() string
}
