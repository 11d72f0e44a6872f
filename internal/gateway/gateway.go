// Package gateway defines the interface for client-facing entry points.
package gateway

import "context"

// Gateway is a client-facing transport (REST, MCP-over-SSE).
type Gateway interface {
	// Start launches the gateway's event loop and blocks until the
	// gateway exits or the context is canceled.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline
	// for the grace period; in-flight requests drain before returning.
	Stop(ctx context.Context) error
}
