package relay

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/infodancer/carrier/internal/logging"
	"github.com/infodancer/carrier/internal/message"
	"github.com/infodancer/carrier/internal/metrics"
	"github.com/infodancer/carrier/internal/store"
	"github.com/infodancer/carrier/internal/transport"
)

const (
	tracerName = "github.com/infodancer/carrier/internal/relay"

	// DefaultForwardTimeout bounds route lookup and send for one message.
	DefaultForwardTimeout = 2 * time.Minute

	tokenBytes        = 17
	tokenAttempts     = 3
	compensateTimeout = 10 * time.Second
)

var tokenEncoding = base32.HexEncoding.WithPadding(base32.NoPadding)

// Router resolves the outbound host for an address.
type Router interface {
	Resolve(ctx context.Context, address string) (string, error)
}

// Composer renders the outbound message.
type Composer interface {
	Compose(msg *message.Message, from *mail.Address, to string) ([]byte, error)
	Signing() bool
}

// ForwarderConfig holds the dependencies of a Forwarder.
type ForwarderConfig struct {
	Store    store.Store
	Router   Router
	Composer Composer
	Sender   transport.Sender

	// Domain is the domain of generated reply tokens.
	Domain string
	// Timeout bounds route lookup and send. Zero means DefaultForwardTimeout.
	Timeout time.Duration

	Collector      metrics.Collector
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
}

// Forwarder carries accepted mail to its destination.
type Forwarder struct {
	store     store.Store
	router    Router
	composer  Composer
	sender    transport.Sender
	domain    string
	timeout   time.Duration
	collector metrics.Collector
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewForwarder creates a Forwarder.
func NewForwarder(cfg ForwarderConfig) *Forwarder {
	f := &Forwarder{
		store:     cfg.Store,
		router:    cfg.Router,
		composer:  cfg.Composer,
		sender:    cfg.Sender,
		domain:    strings.ToLower(cfg.Domain),
		timeout:   cfg.Timeout,
		collector: cfg.Collector,
		logger:    cfg.Logger,
	}
	if f.timeout <= 0 {
		f.timeout = DefaultForwardTimeout
	}
	if f.collector == nil {
		f.collector = &metrics.NoopCollector{}
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	f.tracer = tp.Tracer(tracerName)
	return f
}

// outbound is a forwarding decision whose store mutation has already been
// applied. undo reverts that mutation.
type outbound struct {
	path         string
	from         *mail.Address
	to           string
	envelopeFrom string
	undo         func(ctx context.Context) error
}

// Forward delivers msg, accepted from sender for recipient. The reply token
// namespace is consulted before the masking address namespace. Any failure is
// a *ForwardingError; the message is sent at most once.
func (f *Forwarder) Forward(ctx context.Context, sender, recipient string, msg *message.Message) error {
	forwardID := ulid.Make().String()
	logger := logging.WithForward(f.logger, forwardID, recipient)

	ctx, span := f.tracer.Start(ctx, "relay.Forward",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("carrier.forward_id", forwardID),
			attribute.String("carrier.recipient", recipient),
		),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	out, ferr := f.classify(ctx, sender, recipient, msg)
	if ferr == nil {
		span.SetAttributes(attribute.String("carrier.path", out.path))
		if ferr = f.deliver(ctx, recipient, msg, out); ferr != nil {
			f.compensate(ctx, logger, out)
		}
	}

	path := "none"
	if out != nil {
		path = out.path
	}

	if ferr != nil {
		span.RecordError(ferr)
		span.SetStatus(codes.Error, string(ferr.Kind))
		f.collector.ForwardCompleted(path, string(ferr.Kind))
		logger.Warn("forwarding failed", "kind", string(ferr.Kind), "path", path, "error", ferr.Err)
		return ferr
	}

	span.SetStatus(codes.Ok, "forwarded")
	f.collector.ForwardCompleted(path, "success")
	logger.Info("message forwarded", "path", path, "to", out.to)
	return nil
}

// classify resolves the recipient and applies the token mutation.
func (f *Forwarder) classify(ctx context.Context, sender, recipient string, msg *message.Message) (*outbound, *ForwardingError) {
	out, err := f.replyPath(ctx, sender, recipient)
	if err != nil {
		return nil, forwardingError(KindUnresolvedAddress, recipient, err)
	}
	if out != nil {
		return out, nil
	}

	out, err = f.inboundPath(ctx, sender, recipient, msg)
	if err != nil {
		return nil, forwardingError(KindUnresolvedAddress, recipient, err)
	}
	return out, nil
}

// replyPath returns nil, nil when recipient is not a token usable by sender.
func (f *Forwarder) replyPath(ctx context.Context, sender, recipient string) (*outbound, error) {
	owner, err := f.store.FindByToken(ctx, recipient)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !sameAddress(sender, owner.Destination) {
		return nil, nil
	}

	owner, correspondent, err := f.store.ConsumeToken(ctx, recipient)
	if err != nil {
		// Lost the race against a concurrent reply.
		return nil, err
	}

	token := store.Canonical(recipient)
	return &outbound{
		path:         metrics.PathReply,
		from:         &mail.Address{Address: owner.Address},
		to:           correspondent,
		envelopeFrom: owner.Address,
		undo: func(ctx context.Context) error {
			return f.store.AddToken(ctx, owner.Address, owner.ID, token, correspondent)
		},
	}, nil
}

func (f *Forwarder) inboundPath(ctx context.Context, sender, recipient string, msg *message.Message) (*outbound, error) {
	correspondent := msg.From
	if correspondent == "" {
		correspondent = sender
	}
	if correspondent == "" {
		return nil, message.ErrNoSender
	}
	correspondent = store.Canonical(correspondent)

	var lastErr error
	for attempt := 0; attempt < tokenAttempts; attempt++ {
		owner, err := f.store.FindByAddress(ctx, recipient)
		if err != nil {
			return nil, err
		}

		token, err := f.newToken()
		if err != nil {
			return nil, err
		}

		err = f.store.AddToken(ctx, owner.Address, owner.ID, token, correspondent)
		switch {
		case err == nil:
			return &outbound{
				path:         metrics.PathInbound,
				from:         &mail.Address{Name: correspondent, Address: token},
				to:           owner.Destination,
				envelopeFrom: token,
				undo: func(ctx context.Context) error {
					_, _, err := f.store.ConsumeToken(ctx, token)
					if errors.Is(err, store.ErrNotFound) {
						return nil
					}
					return err
				},
			}, nil
		case errors.Is(err, store.ErrTokenExists), errors.Is(err, store.ErrStale):
			// Collision or the owner was replaced in between; start over.
			lastErr = err
		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("creating reply token: %w", lastErr)
}

func (f *Forwarder) deliver(ctx context.Context, recipient string, msg *message.Message, out *outbound) *ForwardingError {
	host, err := f.resolve(ctx, out.to)
	if err != nil {
		return forwardingError(KindUnresolvedRoute, recipient, err)
	}

	raw, err := f.composer.Compose(msg, out.from, out.to)
	if f.composer.Signing() {
		switch {
		case err == nil:
			f.collector.MessageSigned("success")
		case errors.Is(err, message.ErrSign):
			f.collector.MessageSigned("failure")
		}
	}
	if err != nil {
		return forwardingError(KindComposeFailure, recipient, err)
	}

	if err := f.send(ctx, host, transport.Envelope{From: out.envelopeFrom, To: out.to}, raw); err != nil {
		return forwardingError(KindTransportFailure, recipient, err)
	}
	return nil
}

func (f *Forwarder) resolve(ctx context.Context, address string) (string, error) {
	ctx, span := f.tracer.Start(ctx, "route.Resolve",
		trace.WithAttributes(attribute.String("carrier.address", address)))
	defer span.End()

	host, err := f.router.Resolve(ctx, address)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "no route")
		f.collector.RouteResolved("failure")
		return "", err
	}
	span.SetAttributes(attribute.String("carrier.host", host))
	f.collector.RouteResolved("success")
	return host, nil
}

func (f *Forwarder) send(ctx context.Context, host string, env transport.Envelope, raw []byte) error {
	ctx, span := f.tracer.Start(ctx, "transport.Send",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("carrier.host", host),
			attribute.Int("carrier.size", len(raw)),
		),
	)
	defer span.End()

	if err := f.sender.Send(ctx, host, env, raw); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		return err
	}
	return nil
}

// compensate reverts the token mutation of a failed forward. It runs on a
// fresh deadline since ctx may already be expired.
func (f *Forwarder) compensate(ctx context.Context, logger *slog.Logger, out *outbound) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
	defer cancel()

	if err := out.undo(ctx); err != nil {
		logger.Error("token compensation failed", "path", out.path, "error", err)
		return
	}
	logger.Debug("token mutation reverted", "path", out.path)
}

// newToken returns a fresh reply token address in the relay's domain.
func (f *Forwarder) newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating reply token: %w", err)
	}
	return strings.ToLower(tokenEncoding.EncodeToString(b)) + "@" + f.domain, nil
}
