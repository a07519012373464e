package message

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-msgauth/dkim"
)

// ErrSign wraps every DKIM signing failure returned by Compose.
var ErrSign = errors.New("dkim signing failed")

// ComposerConfig configures a Composer.
type ComposerConfig struct {
	// Domain is used for Message-ID generation and as the DKIM d= tag.
	Domain string

	// DKIM enables signing. KeyPath is ignored when Signer is set.
	DKIM     bool
	Selector string
	KeyPath  string
	Signer   crypto.Signer
}

// Composer builds outbound messages and optionally signs them.
type Composer struct {
	domain   string
	selector string
	signer   crypto.Signer
	now      func() time.Time
}

// NewComposer creates a Composer. When signing is enabled the private key is
// loaded here so a bad key fails at startup.
func NewComposer(cfg ComposerConfig) (*Composer, error) {
	c := &Composer{
		domain: cfg.Domain,
		now:    time.Now,
	}
	if !cfg.DKIM {
		return c, nil
	}

	if cfg.Domain == "" {
		return nil, errors.New("dkim signing requires a domain")
	}
	if cfg.Selector == "" {
		return nil, errors.New("dkim signing requires a selector")
	}

	signer := cfg.Signer
	if signer == nil {
		var err error
		signer, err = LoadSigningKey(cfg.KeyPath)
		if err != nil {
			return nil, err
		}
	}

	if _, ok := signer.Public().(*rsa.PublicKey); !ok {
		return nil, fmt.Errorf("dkim signing requires an RSA key, got %T", signer.Public())
	}

	c.selector = cfg.Selector
	c.signer = signer
	return c, nil
}

// Signing reports whether composed messages are DKIM-signed.
func (c *Composer) Signing() bool {
	return c.signer != nil
}

// Compose renders msg addressed from -> to. The HTML body is used when
// present, otherwise the plain text body. Attachments are carried as
// application/octet-stream.
func (c *Composer) Compose(msg *Message, from *mail.Address, to string) ([]byte, error) {
	var h mail.Header
	h.SetDate(c.now())
	h.SetAddressList("From", []*mail.Address{from})
	h.SetAddressList("To", []*mail.Address{{Address: to}})
	h.SetSubject(msg.Subject)
	h.Set("MIME-Version", "1.0")
	if err := c.messageID(&h); err != nil {
		return nil, err
	}

	bodyType, body := "text/plain", msg.Text
	if msg.HTML != "" {
		bodyType, body = "text/html", msg.HTML
	}

	var buf bytes.Buffer
	var err error
	if len(msg.Attachments) == 0 {
		err = writeSingle(&buf, h, bodyType, body)
	} else {
		err = writeMultipart(&buf, h, bodyType, body, msg.Attachments)
	}
	if err != nil {
		return nil, fmt.Errorf("composing message: %w", err)
	}

	if c.signer == nil {
		return buf.Bytes(), nil
	}
	return c.sign(buf.Bytes(), from.Address)
}

func (c *Composer) messageID(h *mail.Header) error {
	if c.domain == "" {
		return h.GenerateMessageID()
	}
	return h.GenerateMessageIDWithHostname(c.domain)
}

func (c *Composer) sign(raw []byte, identity string) ([]byte, error) {
	opts := &dkim.SignOptions{
		Domain:                 c.domain,
		Selector:               c.selector,
		Signer:                 c.signer,
		Hash:                   crypto.SHA256,
		HeaderCanonicalization: dkim.CanonicalizationSimple,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
	}
	// i= must sit inside d=; a From outside the signing domain falls back to
	// the default @domain identity.
	if inDomain(identity, c.domain) {
		opts.Identifier = identity
	}

	var signed bytes.Buffer
	if err := dkim.Sign(&signed, bytes.NewReader(raw), opts); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSign, err)
	}
	return signed.Bytes(), nil
}

func inDomain(address, domain string) bool {
	address = strings.ToLower(address)
	domain = strings.ToLower(domain)
	return strings.HasSuffix(address, "@"+domain) || strings.HasSuffix(address, "."+domain)
}

func writeSingle(w io.Writer, h mail.Header, bodyType, body string) error {
	h.SetContentType(bodyType, map[string]string{"charset": "utf-8"})
	bw, err := mail.CreateSingleInlineWriter(w, h)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(bw, body); err != nil {
		return err
	}
	return bw.Close()
}

func writeMultipart(w io.Writer, h mail.Header, bodyType, body string, attachments []Attachment) error {
	mw, err := mail.CreateWriter(w, h)
	if err != nil {
		return err
	}

	iw, err := mw.CreateInline()
	if err != nil {
		return err
	}
	var ih mail.InlineHeader
	ih.SetContentType(bodyType, map[string]string{"charset": "utf-8"})
	pw, err := iw.CreatePart(ih)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(pw, body); err != nil {
		return err
	}
	if err := pw.Close(); err != nil {
		return err
	}
	if err := iw.Close(); err != nil {
		return err
	}

	for _, a := range attachments {
		var ah mail.AttachmentHeader
		ah.Set("Content-Type", "application/octet-stream")
		ah.SetFilename(a.Filename)
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return err
		}
		if _, err := aw.Write(a.Data); err != nil {
			return err
		}
		if err := aw.Close(); err != nil {
			return err
		}
	}

	return mw.Close()
}
