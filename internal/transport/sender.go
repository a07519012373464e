// Package transport delivers composed messages to a remote mail host over
// SMTP.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-smtp"
)

// DefaultPort is the SMTP relay port.
const DefaultPort = 25

// ErrTLSRequired is returned when TLS is required but the remote host does
// not offer STARTTLS.
var ErrTLSRequired = errors.New("remote host does not support STARTTLS")

// Envelope carries the SMTP envelope for one message.
type Envelope struct {
	From string
	To   string
}

// Sender delivers one message to an explicit host.
type Sender interface {
	Send(ctx context.Context, host string, env Envelope, msg []byte) error
}

// Config configures an SMTPSender.
type Config struct {
	// Hostname is announced in EHLO.
	Hostname string
	Port     int

	// SSL dials with implicit TLS.
	SSL bool
	// StartTLS upgrades when the remote advertises STARTTLS.
	StartTLS bool
	// RequireTLS fails the send when STARTTLS is not available.
	RequireTLS bool

	// TLSConfig is cloned for every connection. ServerName is set to the host.
	TLSConfig *tls.Config

	// DialTimeout bounds the TCP connect when ctx carries no deadline.
	DialTimeout time.Duration
}

// SMTPSender is a Sender speaking SMTP through go-smtp's client.
type SMTPSender struct {
	cfg    Config
	dialer net.Dialer
}

// NewSMTPSender creates an SMTPSender.
func NewSMTPSender(cfg Config) *SMTPSender {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	return &SMTPSender{
		cfg:    cfg,
		dialer: net.Dialer{Timeout: cfg.DialTimeout},
	}
}

// Send implements Sender. The whole SMTP exchange is bounded by ctx.
func (s *SMTPSender) Send(ctx context.Context, host string, env Envelope, msg []byte) error {
	addr := net.JoinHostPort(host, strconv.Itoa(s.cfg.Port))

	c, release, err := s.open(ctx, host, addr)
	if err != nil {
		return err
	}
	defer release()

	if err := c.Mail(env.From, nil); err != nil {
		return fmt.Errorf("MAIL FROM:<%s>: %w", env.From, err)
	}
	if err := c.Rcpt(env.To, nil); err != nil {
		return fmt.Errorf("RCPT TO:<%s>: %w", env.To, err)
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := io.Copy(w, bytes.NewReader(msg)); err != nil {
		_ = w.Close()
		return fmt.Errorf("writing message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("DATA: %w", err)
	}

	// The message is accepted at this point; a failed QUIT changes nothing.
	_ = c.Quit()
	return nil
}

// noStartTLS is the error text go-smtp reports when the remote host does not
// advertise STARTTLS.
const noStartTLS = "doesn't support STARTTLS"

// open connects to addr and returns a client past EHLO, encrypted as the
// configuration asks. release closes the connection.
func (s *SMTPSender) open(ctx context.Context, host, addr string) (*smtp.Client, func(), error) {
	switch {
	case s.cfg.SSL:
		conn, stop, err := s.dial(ctx, addr)
		if err != nil {
			return nil, nil, err
		}
		tconn := tls.Client(conn, s.tlsConfig(host))
		if err := tconn.HandshakeContext(ctx); err != nil {
			stop()
			_ = conn.Close()
			return nil, nil, fmt.Errorf("tls handshake with %s: %w", addr, err)
		}
		return s.hello(smtp.NewClient(tconn), stop, addr)

	case s.cfg.RequireTLS:
		return s.openStartTLS(ctx, host, addr)

	case s.cfg.StartTLS:
		conn, stop, err := s.dial(ctx, addr)
		if err != nil {
			return nil, nil, err
		}
		c, release, err := s.hello(smtp.NewClient(conn), stop, addr)
		if err != nil {
			return nil, nil, err
		}
		if ok, _ := c.Extension("STARTTLS"); !ok {
			return c, release, nil
		}
		// go-smtp upgrades only while constructing a client, so the upgrade
		// runs on a fresh connection.
		_ = c.Quit()
		release()
		return s.openStartTLS(ctx, host, addr)

	default:
		conn, stop, err := s.dial(ctx, addr)
		if err != nil {
			return nil, nil, err
		}
		return s.hello(smtp.NewClient(conn), stop, addr)
	}
}

func (s *SMTPSender) openStartTLS(ctx context.Context, host, addr string) (*smtp.Client, func(), error) {
	conn, stop, err := s.dial(ctx, addr)
	if err != nil {
		return nil, nil, err
	}
	c, err := smtp.NewClientStartTLS(conn, s.tlsConfig(host))
	if err != nil {
		stop()
		_ = conn.Close()
		if strings.Contains(err.Error(), noStartTLS) {
			return nil, nil, fmt.Errorf("%s: %w", addr, ErrTLSRequired)
		}
		return nil, nil, fmt.Errorf("STARTTLS %s: %w", addr, err)
	}
	return s.hello(c, stop, addr)
}

// dial opens a TCP connection that is closed when ctx ends.
func (s *SMTPSender) dial(ctx context.Context, addr string) (net.Conn, func() bool, error) {
	conn, err := s.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	return conn, stop, nil
}

func (s *SMTPSender) hello(c *smtp.Client, stop func() bool, addr string) (*smtp.Client, func(), error) {
	release := func() {
		stop()
		_ = c.Close()
	}
	if err := c.Hello(s.cfg.Hostname); err != nil {
		release()
		return nil, nil, fmt.Errorf("EHLO %s: %w", addr, err)
	}
	return c, release, nil
}

func (s *SMTPSender) tlsConfig(host string) *tls.Config {
	var cfg *tls.Config
	if s.cfg.TLSConfig != nil {
		cfg = s.cfg.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	return cfg
}

// LoadClientCertificate builds a client TLS configuration presenting the
// certificate in certFile/keyFile. Empty paths yield a configuration without
// a client certificate.
func LoadClientCertificate(certFile, keyFile string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if certFile == "" && keyFile == "" {
		return cfg, nil
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("loading client certificate: %w", err)
	}
	cfg.Certificates = []tls.Certificate{cert}
	return cfg, nil
}
