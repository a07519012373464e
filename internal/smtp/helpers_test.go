package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/infodancer/carrier/internal/config"
	"github.com/infodancer/carrier/internal/metrics"
	"github.com/infodancer/carrier/internal/relay"
)

// fakeGate accepts the recipients it lists, ignoring case.
type fakeGate map[string]relay.Decision

func (g fakeGate) Check(ctx context.Context, sender, recipient string) relay.Decision {
	if d, ok := g[strings.ToLower(recipient)]; ok {
		return d
	}
	return relay.Decision{Reason: relay.ReasonUnknownRecipient}
}

// recordingSubmitter keeps submitted jobs.
type recordingSubmitter struct {
	mu   sync.Mutex
	jobs []relay.Job
	err  error
}

func (s *recordingSubmitter) Submit(job relay.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.jobs = append(s.jobs, job)
	return nil
}

func (s *recordingSubmitter) Jobs() []relay.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]relay.Job(nil), s.jobs...)
}

// countingCollector counts the acceptance metrics.
type countingCollector struct {
	metrics.NoopCollector

	mu       sync.Mutex
	opened   int
	closed   int
	tls      int
	accepted map[string]int
	rejected map[string]int
	received int64
}

func newCountingCollector() *countingCollector {
	return &countingCollector{accepted: map[string]int{}, rejected: map[string]int{}}
}

func (c *countingCollector) ConnectionOpened() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opened++
}

func (c *countingCollector) ConnectionClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
}

func (c *countingCollector) TLSConnectionEstablished() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tls++
}

func (c *countingCollector) RecipientAccepted(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accepted[path]++
}

func (c *countingCollector) RecipientRejected(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejected[reason]++
}

func (c *countingCollector) MessageReceived(sizeBytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received += sizeBytes
}

func (c *countingCollector) snapshot() (tls int, accepted, rejected map[string]int, received int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	accepted = make(map[string]int)
	for k, v := range c.accepted {
		accepted[k] = v
	}
	rejected = make(map[string]int)
	for k, v := range c.rejected {
		rejected[k] = v
	}
	return c.tls, accepted, rejected, c.received
}

// startServer runs a Server for backend on a loopback port and returns its address.
func startServer(t *testing.T, backend *Backend, mode config.ListenerMode, tlsConfig *tls.Config, maxSize int) string {
	t.Helper()

	srv, err := NewServer(ServerConfig{
		Backend:         backend,
		Listeners:       []config.ListenerConfig{{Address: "127.0.0.1:0", Mode: mode}},
		Hostname:        "relay.test",
		TLSConfig:       tlsConfig,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		MaxMessageSize:  maxSize,
		ShutdownTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return srv.Addrs()[0].String()
}

// smtpCode returns the reply code carried by err, or 0.
func smtpCode(err error) int {
	var smtpErr *gosmtp.SMTPError
	if errors.As(err, &smtpErr) {
		return smtpErr.Code
	}
	return 0
}

// sendData writes msg in a DATA command and returns the server's verdict.
func sendData(c *gosmtp.Client, msg string) error {
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte(msg)); err != nil {
		return err
	}
	return w.Close()
}
