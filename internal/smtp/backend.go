// Package smtp accepts mail for masked addresses and reply tokens and hands
// accepted messages to the forwarding dispatcher.
package smtp

import (
	"context"
	"log/slog"
	"net"

	"github.com/emersion/go-smtp"

	"github.com/infodancer/carrier/internal/logging"
	"github.com/infodancer/carrier/internal/metrics"
	"github.com/infodancer/carrier/internal/relay"
)

// Gate decides whether a recipient is accepted for a sender.
type Gate interface {
	Check(ctx context.Context, sender, recipient string) relay.Decision
}

// Submitter queues an accepted message for forwarding.
type Submitter interface {
	Submit(job relay.Job) error
}

// Backend implements the go-smtp Backend interface.
// It creates new sessions for each connection.
type Backend struct {
	hostname       string
	gate           Gate
	submitter      Submitter
	collector      metrics.Collector
	forceTLS       bool
	maxMessageSize int64
	logger         *slog.Logger
}

// BackendConfig holds configuration for creating a Backend.
type BackendConfig struct {
	Hostname  string
	Gate      Gate
	Submitter Submitter
	Collector metrics.Collector
	// ForceTLS rejects MAIL until the connection is encrypted.
	ForceTLS       bool
	MaxMessageSize int64
	Logger         *slog.Logger
}

// NewBackend creates a new Backend with the given configuration.
func NewBackend(cfg BackendConfig) *Backend {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	collector := cfg.Collector
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}

	return &Backend{
		hostname:       cfg.Hostname,
		gate:           cfg.Gate,
		submitter:      cfg.Submitter,
		collector:      collector,
		forceTLS:       cfg.ForceTLS,
		maxMessageSize: cfg.MaxMessageSize,
		logger:         logger,
	}
}

// NewSession is called for each new connection.
// It implements the smtp.Backend interface.
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	b.collector.ConnectionOpened()

	clientIP := extractIPFromConn(c.Conn())
	logger := logging.WithConnection(b.logger, clientIP)

	s := &Session{
		backend:  b,
		conn:     c,
		clientIP: clientIP,
		ctx:      logging.NewContext(context.Background(), logger),
	}

	// Implicit TLS listeners hand over an already encrypted connection.
	s.observeTLS()

	return s, nil
}

// extractIPFromConn extracts the IP address string from a net.Conn.
func extractIPFromConn(conn net.Conn) string {
	if conn == nil {
		return ""
	}
	return extractIP(conn.RemoteAddr())
}

func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	switch v := addr.(type) {
	case *net.TCPAddr:
		return v.IP.String()
	case *net.UDPAddr:
		return v.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}
