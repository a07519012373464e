package metrics

// NoopCollector is a no-op implementation of the Collector interface.
type NoopCollector struct{}

// ConnectionOpened is a no-op.
func (n *NoopCollector) ConnectionOpened() {}

// ConnectionClosed is a no-op.
func (n *NoopCollector) ConnectionClosed() {}

// TLSConnectionEstablished is a no-op.
func (n *NoopCollector) TLSConnectionEstablished() {}

// RecipientAccepted is a no-op.
func (n *NoopCollector) RecipientAccepted(path string) {}

// RecipientRejected is a no-op.
func (n *NoopCollector) RecipientRejected(reason string) {}

// MessageReceived is a no-op.
func (n *NoopCollector) MessageReceived(sizeBytes int64) {}

// ForwardCompleted is a no-op.
func (n *NoopCollector) ForwardCompleted(path string, result string) {}

// RouteResolved is a no-op.
func (n *NoopCollector) RouteResolved(result string) {}

// MessageSigned is a no-op.
func (n *NoopCollector) MessageSigned(result string) {}
