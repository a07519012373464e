package transport_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/infodancer/carrier/internal/testutil"
	"github.com/infodancer/carrier/internal/transport"
)

const testMessage = "From: a@relay.example\r\nTo: b@dest.example\r\nSubject: hi\r\n\r\nhello\r\n"

func TestSMTPSenderSend(t *testing.T) {
	mx := testutil.NewMX(t, nil)
	s := transport.NewSMTPSender(transport.Config{Hostname: "relay.example", Port: mx.Port})

	env := transport.Envelope{From: "a@relay.example", To: "b@dest.example"}
	if err := s.Send(context.Background(), mx.Host, env, []byte(testMessage)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := mx.Deliveries()
	if len(got) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(got))
	}
	if got[0].From != env.From {
		t.Errorf("From = %q, want %q", got[0].From, env.From)
	}
	if len(got[0].To) != 1 || got[0].To[0] != env.To {
		t.Errorf("To = %v, want [%s]", got[0].To, env.To)
	}
	if !strings.Contains(string(got[0].Data), "Subject: hi") {
		t.Errorf("message body not delivered: %q", got[0].Data)
	}
	if got[0].TLS {
		t.Error("expected plain connection")
	}
}

func TestSMTPSenderRcptRejected(t *testing.T) {
	mx := testutil.NewMX(t, nil)
	mx.RejectRecipients(true)
	s := transport.NewSMTPSender(transport.Config{Port: mx.Port})

	err := s.Send(context.Background(), mx.Host, transport.Envelope{From: "a@x.example", To: "b@y.example"}, []byte(testMessage))
	if err == nil {
		t.Fatal("expected error for rejected recipient")
	}
	if !strings.Contains(err.Error(), "RCPT TO") {
		t.Errorf("unexpected error: %v", err)
	}
	if n := len(mx.Deliveries()); n != 0 {
		t.Errorf("expected no deliveries, got %d", n)
	}
}

func TestSMTPSenderStartTLS(t *testing.T) {
	pair := testutil.NewTLSPair(t)
	mx := testutil.NewMX(t, pair.Server)
	s := transport.NewSMTPSender(transport.Config{
		Port:      mx.Port,
		StartTLS:  true,
		TLSConfig: pair.Client,
	})

	if err := s.Send(context.Background(), mx.Host, transport.Envelope{From: "a@x.example", To: "b@y.example"}, []byte(testMessage)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := mx.Deliveries()
	if len(got) != 1 || !got[0].TLS {
		t.Fatalf("expected one delivery over TLS, got %+v", got)
	}
}

func TestSMTPSenderRequireTLS(t *testing.T) {
	mx := testutil.NewMX(t, nil)
	s := transport.NewSMTPSender(transport.Config{Port: mx.Port, RequireTLS: true})

	err := s.Send(context.Background(), mx.Host, transport.Envelope{From: "a@x.example", To: "b@y.example"}, []byte(testMessage))
	if !errors.Is(err, transport.ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}
	if n := len(mx.Deliveries()); n != 0 {
		t.Errorf("expected no deliveries, got %d", n)
	}
}

func TestSMTPSenderRequireTLSUpgrades(t *testing.T) {
	pair := testutil.NewTLSPair(t)
	mx := testutil.NewMX(t, pair.Server)
	s := transport.NewSMTPSender(transport.Config{
		Hostname:   "relay.example",
		Port:       mx.Port,
		RequireTLS: true,
		TLSConfig:  pair.Client,
	})

	if err := s.Send(context.Background(), mx.Host, transport.Envelope{From: "a@x.example", To: "b@y.example"}, []byte(testMessage)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := mx.Deliveries()
	if len(got) != 1 || !got[0].TLS {
		t.Fatalf("expected one delivery over TLS, got %+v", got)
	}
}

func TestSMTPSenderStartTLSBadCertificate(t *testing.T) {
	pair := testutil.NewTLSPair(t)
	mx := testutil.NewMX(t, pair.Server)

	// Without the test CA the server certificate does not verify.
	s := transport.NewSMTPSender(transport.Config{Port: mx.Port, RequireTLS: true})

	err := s.Send(context.Background(), mx.Host, transport.Envelope{From: "a@x.example", To: "b@y.example"}, []byte(testMessage))
	if err == nil {
		t.Fatal("expected certificate verification error")
	}
	if errors.Is(err, transport.ErrTLSRequired) {
		t.Errorf("handshake failure reported as missing STARTTLS: %v", err)
	}
	if n := len(mx.Deliveries()); n != 0 {
		t.Errorf("expected no deliveries, got %d", n)
	}
}

func TestSMTPSenderOpportunisticWithoutSTARTTLS(t *testing.T) {
	mx := testutil.NewMX(t, nil)
	s := transport.NewSMTPSender(transport.Config{Port: mx.Port, StartTLS: true})

	if err := s.Send(context.Background(), mx.Host, transport.Envelope{From: "a@x.example", To: "b@y.example"}, []byte(testMessage)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n := len(mx.Deliveries()); n != 1 {
		t.Errorf("expected 1 delivery, got %d", n)
	}
}

func TestSMTPSenderDialFailure(t *testing.T) {
	// Port 1 on loopback is closed in any sane test environment.
	s := transport.NewSMTPSender(transport.Config{Port: 1, DialTimeout: time.Second})
	if err := s.Send(context.Background(), "127.0.0.1", transport.Envelope{From: "a@x.example", To: "b@y.example"}, []byte(testMessage)); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestSMTPSenderCanceledContext(t *testing.T) {
	mx := testutil.NewMX(t, nil)
	s := transport.NewSMTPSender(transport.Config{Port: mx.Port})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Send(ctx, mx.Host, transport.Envelope{From: "a@x.example", To: "b@y.example"}, []byte(testMessage)); err == nil {
		t.Fatal("expected error for canceled context")
	}
}

func TestLoadClientCertificate(t *testing.T) {
	cfg, err := transport.LoadClientCertificate("", "")
	if err != nil {
		t.Fatalf("LoadClientCertificate(empty): %v", err)
	}
	if len(cfg.Certificates) != 0 {
		t.Error("expected no client certificate")
	}

	pair := testutil.NewTLSPair(t)
	cfg, err = transport.LoadClientCertificate(pair.CertFile, pair.KeyFile)
	if err != nil {
		t.Fatalf("LoadClientCertificate: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Error("expected one client certificate")
	}

	if _, err := transport.LoadClientCertificate("/nonexistent/cert.pem", "/nonexistent/key.pem"); err == nil {
		t.Error("expected error for missing files")
	}
}
