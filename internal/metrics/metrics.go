// Package metrics provides interfaces and implementations for collecting
// relay metrics. This package defines the Collector interface for recording
// metrics and the Server interface for exposing them.
package metrics

import "context"

// Forwarding paths used as label values.
const (
	PathInbound = "inbound"
	PathReply   = "reply"
)

// Collector defines the interface for recording relay metrics.
type Collector interface {
	// Connection metrics
	ConnectionOpened()
	ConnectionClosed()
	TLSConnectionEstablished()

	// Acceptance metrics. path is PathInbound or PathReply.
	RecipientAccepted(path string)
	RecipientRejected(reason string)
	MessageReceived(sizeBytes int64)

	// Forwarding metrics
	// result is "success" or the forwarding error kind
	ForwardCompleted(path string, result string)
	RouteResolved(result string)
	MessageSigned(result string)
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is canceled
	// or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}
