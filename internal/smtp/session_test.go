package smtp

import (
	"crypto/tls"
	"strings"
	"testing"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/infodancer/carrier/internal/config"
	"github.com/infodancer/carrier/internal/metrics"
	"github.com/infodancer/carrier/internal/relay"
	"github.com/infodancer/carrier/internal/testutil"
)

const testMessage = "From: Them <them@ext.example>\r\n" +
	"To: shop@mask.example\r\n" +
	"Subject: Order 42\r\n" +
	"\r\n" +
	"Your order has shipped.\r\n"

var testGate = fakeGate{
	"shop@mask.example":   {Accepted: true, Path: metrics.PathInbound},
	"t1@relay.example":    {Accepted: true, Path: metrics.PathReply},
	"broken@mask.example": {Reason: relay.ReasonStoreError},
}

type sessionHarness struct {
	addr      string
	submitter *recordingSubmitter
	collector *countingCollector
}

func newSessionHarness(t *testing.T, forceTLS bool, tlsConfig *tls.Config, maxSize int) *sessionHarness {
	t.Helper()
	h := &sessionHarness{
		submitter: &recordingSubmitter{},
		collector: newCountingCollector(),
	}
	backend := NewBackend(BackendConfig{
		Hostname:       "relay.test",
		Gate:           testGate,
		Submitter:      h.submitter,
		Collector:      h.collector,
		ForceTLS:       forceTLS,
		MaxMessageSize: int64(maxSize),
	})
	h.addr = startServer(t, backend, config.ModeSmtp, tlsConfig, maxSize)
	return h
}

func dial(t *testing.T, addr string) *gosmtp.Client {
	t.Helper()
	c, err := gosmtp.Dial(addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	if err := c.Hello("client.test"); err != nil {
		t.Fatalf("hello: %v", err)
	}
	return c
}

func TestSessionQueuesAcceptedMessage(t *testing.T) {
	h := newSessionHarness(t, false, nil, 1<<20)
	c := dial(t, h.addr)

	if err := c.Mail("them@ext.example", nil); err != nil {
		t.Fatalf("MAIL: %v", err)
	}
	if err := c.Rcpt("Shop@Mask.example", nil); err != nil {
		t.Fatalf("RCPT: %v", err)
	}
	if err := sendData(c, testMessage); err != nil {
		t.Fatalf("DATA: %v", err)
	}
	_ = c.Quit()

	jobs := h.submitter.Jobs()
	if len(jobs) != 1 {
		t.Fatalf("submitted %d jobs, want 1", len(jobs))
	}
	job := jobs[0]
	if job.Sender != "them@ext.example" {
		t.Errorf("Sender = %q", job.Sender)
	}
	if job.Recipient != "Shop@Mask.example" {
		t.Errorf("Recipient = %q", job.Recipient)
	}
	if job.Message.Subject != "Order 42" || job.Message.From != "them@ext.example" {
		t.Errorf("Message = %+v", job.Message)
	}
	if !strings.Contains(job.Message.Text, "shipped") {
		t.Errorf("Text = %q", job.Message.Text)
	}

	_, accepted, _, received := h.collector.snapshot()
	if accepted[metrics.PathInbound] != 1 {
		t.Errorf("accepted = %v", accepted)
	}
	if received == 0 {
		t.Error("message size not recorded")
	}
}

func TestSessionRecipientRejections(t *testing.T) {
	tests := []struct {
		name      string
		recipient string
		code      int
		reason    string
	}{
		{"unknown recipient", "nobody@mask.example", 550, relay.ReasonUnknownRecipient},
		{"store failure", "broken@mask.example", 451, relay.ReasonStoreError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newSessionHarness(t, false, nil, 1<<20)
			c := dial(t, h.addr)

			if err := c.Mail("them@ext.example", nil); err != nil {
				t.Fatalf("MAIL: %v", err)
			}
			err := c.Rcpt(tt.recipient, nil)
			if code := smtpCode(err); code != tt.code {
				t.Fatalf("RCPT code = %d (%v), want %d", code, err, tt.code)
			}

			_, _, rejected, _ := h.collector.snapshot()
			if rejected[tt.reason] != 1 {
				t.Errorf("rejected = %v, want one %q", rejected, tt.reason)
			}
			if len(h.submitter.Jobs()) != 0 {
				t.Error("rejected recipient produced a job")
			}
		})
	}
}

func TestSessionSingleRecipient(t *testing.T) {
	h := newSessionHarness(t, false, nil, 1<<20)
	c := dial(t, h.addr)

	if err := c.Mail("me@real.example", nil); err != nil {
		t.Fatalf("MAIL: %v", err)
	}
	if err := c.Rcpt("t1@relay.example", nil); err != nil {
		t.Fatalf("first RCPT: %v", err)
	}
	err := c.Rcpt("shop@mask.example", nil)
	if code := smtpCode(err); code != 452 {
		t.Fatalf("second RCPT code = %d (%v), want 452", code, err)
	}

	// The first recipient still completes.
	if err := sendData(c, testMessage); err != nil {
		t.Fatalf("DATA: %v", err)
	}
	jobs := h.submitter.Jobs()
	if len(jobs) != 1 || jobs[0].Recipient != "t1@relay.example" {
		t.Fatalf("jobs = %+v", jobs)
	}

	// A new transaction on the same connection accepts a recipient again.
	if err := c.Mail("them@ext.example", nil); err != nil {
		t.Fatalf("second MAIL: %v", err)
	}
	if err := c.Rcpt("shop@mask.example", nil); err != nil {
		t.Fatalf("RCPT in second transaction: %v", err)
	}

	_, accepted, rejected, _ := h.collector.snapshot()
	if accepted[metrics.PathReply] != 1 || accepted[metrics.PathInbound] != 1 {
		t.Errorf("accepted = %v", accepted)
	}
	if rejected[ReasonTooManyRecipients] != 1 {
		t.Errorf("rejected = %v", rejected)
	}
}

func TestSessionDataFailures(t *testing.T) {
	tests := []struct {
		name      string
		submitErr error
		maxSize   int
		body      string
		code      int
	}{
		{"unparsable message", nil, 1 << 20, "this is not a header line\r\n\r\nbody\r\n", 554},
		{"queue full", relay.ErrQueueFull, 1 << 20, testMessage, 451},
		{"dispatcher closed", relay.ErrDispatcherClosed, 1 << 20, testMessage, 451},
		{"too large", nil, 64, testMessage + strings.Repeat("padding line\r\n", 20), 552},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newSessionHarness(t, false, nil, tt.maxSize)
			h.submitter.mu.Lock()
			h.submitter.err = tt.submitErr
			h.submitter.mu.Unlock()
			c := dial(t, h.addr)

			if err := c.Mail("them@ext.example", nil); err != nil {
				t.Fatalf("MAIL: %v", err)
			}
			if err := c.Rcpt("shop@mask.example", nil); err != nil {
				t.Fatalf("RCPT: %v", err)
			}
			err := sendData(c, tt.body)
			if code := smtpCode(err); code != tt.code {
				t.Fatalf("DATA code = %d (%v), want %d", code, err, tt.code)
			}
			if len(h.submitter.Jobs()) != 0 {
				t.Error("failed DATA produced a job")
			}
		})
	}
}

func TestSessionForceTLS(t *testing.T) {
	pair := testutil.NewTLSPair(t)
	h := newSessionHarness(t, true, pair.Server, 1<<20)
	c := dial(t, h.addr)

	err := c.Mail("them@ext.example", nil)
	if code := smtpCode(err); code != 530 {
		t.Fatalf("MAIL before STARTTLS code = %d (%v), want 530", code, err)
	}

	_ = c.Quit()

	c, err = gosmtp.DialStartTLS(h.addr, pair.Client)
	if err != nil {
		t.Fatalf("STARTTLS: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	if err := c.Hello("client.test"); err != nil {
		t.Fatalf("hello: %v", err)
	}
	if err := c.Mail("them@ext.example", nil); err != nil {
		t.Fatalf("MAIL after STARTTLS: %v", err)
	}
	if err := c.Rcpt("shop@mask.example", nil); err != nil {
		t.Fatalf("RCPT: %v", err)
	}
	if err := sendData(c, testMessage); err != nil {
		t.Fatalf("DATA: %v", err)
	}

	if tlsCount, _, _, _ := h.collector.snapshot(); tlsCount != 1 {
		t.Errorf("tls connections = %d, want 1", tlsCount)
	}
}

func TestSessionReset(t *testing.T) {
	h := newSessionHarness(t, false, nil, 1<<20)
	c := dial(t, h.addr)

	if err := c.Mail("them@ext.example", nil); err != nil {
		t.Fatalf("MAIL: %v", err)
	}
	if err := c.Rcpt("shop@mask.example", nil); err != nil {
		t.Fatalf("RCPT: %v", err)
	}
	if err := c.Reset(); err != nil {
		t.Fatalf("RSET: %v", err)
	}
	if err := c.Mail("me@real.example", nil); err != nil {
		t.Fatalf("MAIL after RSET: %v", err)
	}
	if err := c.Rcpt("t1@relay.example", nil); err != nil {
		t.Fatalf("RCPT after RSET: %v", err)
	}
}
