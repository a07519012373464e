package smtp

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/emersion/go-smtp"

	"github.com/infodancer/carrier/internal/logging"
	"github.com/infodancer/carrier/internal/message"
	"github.com/infodancer/carrier/internal/relay"
)

// Rejection reasons recorded by the session in addition to the gate's.
const (
	ReasonTooManyRecipients = "too_many_recipients"
	ReasonNoTransaction     = "no_transaction"
)

var (
	errTLSRequired = &smtp.SMTPError{
		Code:         530,
		EnhancedCode: smtp.EnhancedCode{5, 7, 0},
		Message:      "Must issue a STARTTLS command first",
	}
	errTooManyRecipients = &smtp.SMTPError{
		Code:         452,
		EnhancedCode: smtp.EnhancedCode{4, 5, 3},
		Message:      "Too many recipients",
	}
	errUnknownRecipient = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 1},
		Message:      "No such recipient",
	}
	errLookupFailed = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Recipient lookup failed, try again later",
	}
	errReadFailed = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Error reading message",
	}
	errUnparsable = &smtp.SMTPError{
		Code:         554,
		EnhancedCode: smtp.EnhancedCode{5, 6, 0},
		Message:      "Message could not be parsed",
	}
	errQueueUnavailable = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Forwarding queue unavailable, try again later",
	}
	errNoRecipient = &smtp.SMTPError{
		Code:         554,
		EnhancedCode: smtp.EnhancedCode{5, 5, 1},
		Message:      "No valid recipients",
	}
)

// Session implements the go-smtp Session interface.
// A session accepts exactly one recipient per transaction.
type Session struct {
	backend   *Backend
	conn      *smtp.Conn
	clientIP  string
	ctx       context.Context
	tls       bool
	from      string
	recipient string
}

// observeTLS records the first time the connection is seen encrypted.
func (s *Session) observeTLS() {
	if s.tls || s.conn == nil {
		return
	}
	if _, ok := s.conn.TLSConnectionState(); ok {
		s.tls = true
		s.backend.collector.TLSConnectionEstablished()
	}
}

// Mail handles the MAIL FROM command.
// Implements smtp.Session interface.
func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	logger := logging.FromContext(s.ctx)

	s.observeTLS()
	if s.backend.forceTLS && !s.tls {
		logger.Debug("MAIL rejected before STARTTLS", slog.String("from", from))
		return errTLSRequired
	}

	s.from = from
	s.recipient = ""

	logger.Debug("MAIL FROM", slog.String("from", from))
	return nil
}

// Rcpt handles the RCPT TO command.
// Implements smtp.Session interface.
func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	logger := logging.FromContext(s.ctx)

	if s.recipient != "" {
		s.backend.collector.RecipientRejected(ReasonTooManyRecipients)
		return errTooManyRecipients
	}

	decision := s.backend.gate.Check(s.ctx, s.from, to)
	if !decision.Accepted {
		s.backend.collector.RecipientRejected(decision.Reason)
		logger.Info("recipient rejected",
			slog.String("from", s.from),
			slog.String("to", to),
			slog.String("reason", decision.Reason))
		if decision.Reason == relay.ReasonStoreError {
			return errLookupFailed
		}
		return errUnknownRecipient
	}

	s.recipient = to
	s.backend.collector.RecipientAccepted(decision.Path)

	logger.Debug("RCPT TO", slog.String("to", to), slog.String("path", decision.Path))
	return nil
}

// Data reads and parses the message and queues it for forwarding.
// Forwarding happens after the reply, so its failures never reach the client.
// Implements smtp.Session interface.
func (s *Session) Data(r io.Reader) error {
	logger := logging.FromContext(s.ctx)

	if s.recipient == "" {
		s.backend.collector.RecipientRejected(ReasonNoTransaction)
		return errNoRecipient
	}

	if s.backend.maxMessageSize > 0 {
		r = io.LimitReader(r, s.backend.maxMessageSize+1)
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		var smtpErr *smtp.SMTPError
		if errors.As(err, &smtpErr) {
			return smtpErr
		}
		logger.Debug("failed to read message data", slog.String("error", err.Error()))
		return errReadFailed
	}
	if s.backend.maxMessageSize > 0 && int64(len(raw)) > s.backend.maxMessageSize {
		return smtp.ErrDataTooLarge
	}

	s.backend.collector.MessageReceived(int64(len(raw)))

	msg, err := message.ParseBytes(raw)
	if err != nil {
		logger.Info("message rejected", slog.String("error", err.Error()))
		return errUnparsable
	}

	job := relay.Job{Sender: s.from, Recipient: s.recipient, Message: msg}
	if err := s.backend.submitter.Submit(job); err != nil {
		logger.Warn("message not queued",
			slog.String("to", s.recipient),
			slog.String("error", err.Error()))
		return errQueueUnavailable
	}

	logger.Debug("message queued",
		slog.Int("size", len(raw)),
		slog.String("to", s.recipient))
	return nil
}

// Reset is called when the client sends RSET.
// Implements smtp.Session interface.
func (s *Session) Reset() {
	s.from = ""
	s.recipient = ""
	logging.FromContext(s.ctx).Debug("session reset")
}

// Logout is called when the client quits or the connection closes.
// Implements smtp.Session interface.
func (s *Session) Logout() error {
	s.backend.collector.ConnectionClosed()
	logging.FromContext(s.ctx).Debug("session logout")
	return nil
}
