package testutil

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
)

// Delivery is one message received by an MX.
type Delivery struct {
	From string
	To   []string
	Data []byte
	TLS  bool
}

// MX is an in-process SMTP server standing in for a remote mail host.
type MX struct {
	Host string
	Port int

	rejectRcpt atomic.Bool

	mu         sync.Mutex
	deliveries []Delivery
	server     *smtp.Server
}

// NewMX starts an MX on 127.0.0.1. A non-nil tlsConfig enables STARTTLS.
// The server is shut down when the test ends.
func NewMX(t *testing.T, tlsConfig *tls.Config) *MX {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	mx := &MX{Host: "127.0.0.1", Port: l.Addr().(*net.TCPAddr).Port}
	s := smtp.NewServer(mx)
	s.Domain = "mx.test"
	s.ReadTimeout = 10 * time.Second
	s.WriteTimeout = 10 * time.Second
	s.AllowInsecureAuth = true
	s.TLSConfig = tlsConfig
	mx.server = s

	go func() {
		if err := s.Serve(l); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
			t.Logf("mx serve: %v", err)
		}
	}()
	t.Cleanup(func() { _ = s.Close() })

	return mx
}

// Addr returns host:port.
func (mx *MX) Addr() string {
	return net.JoinHostPort(mx.Host, strconv.Itoa(mx.Port))
}

// Deliveries returns a copy of every message received so far.
func (mx *MX) Deliveries() []Delivery {
	mx.mu.Lock()
	defer mx.mu.Unlock()
	out := make([]Delivery, len(mx.deliveries))
	copy(out, mx.deliveries)
	return out
}

// RejectRecipients makes every subsequent RCPT fail with 550 when on is true.
func (mx *MX) RejectRecipients(on bool) {
	mx.rejectRcpt.Store(on)
}

// NewSession implements smtp.Backend.
func (mx *MX) NewSession(c *smtp.Conn) (smtp.Session, error) {
	_, isTLS := c.TLSConnectionState()
	return &mxSession{mx: mx, tls: isTLS, conn: c}, nil
}

type mxSession struct {
	mx   *MX
	conn *smtp.Conn
	tls  bool
	cur  Delivery
}

func (s *mxSession) Mail(from string, opts *smtp.MailOptions) error {
	s.cur = Delivery{From: from}
	return nil
}

func (s *mxSession) Rcpt(to string, opts *smtp.RcptOptions) error {
	if s.mx.rejectRcpt.Load() {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "no such user",
		}
	}
	s.cur.To = append(s.cur.To, to)
	return nil
}

func (s *mxSession) Data(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.cur.Data = b
	_, s.cur.TLS = s.conn.TLSConnectionState()

	s.mx.mu.Lock()
	s.mx.deliveries = append(s.mx.deliveries, s.cur)
	s.mx.mu.Unlock()
	return nil
}

func (s *mxSession) Reset() {
	s.cur = Delivery{}
}

func (s *mxSession) Logout() error {
	return nil
}
