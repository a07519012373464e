// Package message parses inbound mail and composes the outbound copy.
package message

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	gomessage "github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset" // decode non-UTF-8 charsets
	"github.com/emersion/go-message/mail"
)

// ErrNoSender is returned when a message has no usable From address.
var ErrNoSender = errors.New("message has no From address")

// Attachment is a file carried by a message.
type Attachment struct {
	Filename string
	Data     []byte
}

// Message is the relay's view of a mail message.
type Message struct {
	// From is the bare address of the first From mailbox.
	From        string
	Subject     string
	Text        string
	HTML        string
	Attachments []Attachment
}

// Parse reads a message in Internet Message Format. Only the first text/plain
// and the first text/html bodies are kept.
func Parse(r io.Reader) (*Message, error) {
	mr, err := mail.CreateReader(r)
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return nil, fmt.Errorf("reading message: %w", err)
	}
	defer mr.Close() //nolint:errcheck

	msg := &Message{}

	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = from[0].Address
	} else if raw := strings.TrimSpace(mr.Header.Get("From")); raw != "" {
		// Tolerate a bare address that the strict parser rejects.
		msg.From = strings.Trim(raw, "<>")
	}

	if subject, err := mr.Header.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = mr.Header.Get("Subject")
	}

	var haveText, haveHTML bool
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !gomessage.IsUnknownCharset(err) {
			return nil, fmt.Errorf("reading part: %w", err)
		}
		if p == nil {
			continue
		}

		var h gomessage.Header
		switch ph := p.Header.(type) {
		case *mail.InlineHeader:
			h = ph.Header
		case *mail.AttachmentHeader:
			h = ph.Header
		default:
			continue
		}

		disp, _, _ := h.ContentDisposition()
		ct, _, _ := h.ContentType()
		if ct == "" {
			ct = "text/plain"
		}

		if disp != "attachment" && (ct == "text/plain" || ct == "text/html") {
			if (ct == "text/plain" && haveText) || (ct == "text/html" && haveHTML) {
				continue
			}
			b, err := io.ReadAll(p.Body)
			if err != nil {
				return nil, fmt.Errorf("reading %s body: %w", ct, err)
			}
			if ct == "text/plain" {
				msg.Text, haveText = string(b), true
			} else {
				msg.HTML, haveHTML = string(b), true
			}
			continue
		}

		ah := mail.AttachmentHeader{Header: h}
		filename, _ := ah.Filename()
		b, err := io.ReadAll(p.Body)
		if err != nil {
			return nil, fmt.Errorf("reading attachment %q: %w", filename, err)
		}
		msg.Attachments = append(msg.Attachments, Attachment{Filename: filename, Data: b})
	}

	return msg, nil
}

// ParseBytes is Parse over an in-memory message.
func ParseBytes(b []byte) (*Message, error) {
	return Parse(bytes.NewReader(b))
}
