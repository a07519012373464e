// Package relay decides which mail is accepted and forwards it between
// external correspondents and the hidden destinations behind masked
// addresses.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/infodancer/carrier/internal/metrics"
	"github.com/infodancer/carrier/internal/store"
)

// Rejection reasons reported by Gate.Check.
const (
	ReasonUnknownRecipient = "unknown_recipient"
	ReasonStoreError       = "store_error"
)

// Decision is the outcome of an acceptance check.
type Decision struct {
	Accepted bool
	// Path is metrics.PathReply or metrics.PathInbound when accepted.
	Path string
	// Reason is set when rejected.
	Reason string
}

// Gate decides, per (sender, recipient), whether mail may enter the relay.
// It never mutates the store.
type Gate struct {
	store  store.Store
	logger *slog.Logger
}

// NewGate creates a Gate over s.
func NewGate(s store.Store, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{store: s, logger: logger}
}

// Accept reports whether mail from sender to recipient is admitted.
func (g *Gate) Accept(ctx context.Context, sender, recipient string) bool {
	return g.Check(ctx, sender, recipient).Accepted
}

// Check is Accept with the reason attached. A live reply token is admitted
// only when sender is the destination of its owner; a live masking address
// is admitted from anyone.
func (g *Gate) Check(ctx context.Context, sender, recipient string) Decision {
	owner, err := g.store.FindByToken(ctx, recipient)
	switch {
	case err == nil:
		if sameAddress(sender, owner.Destination) {
			return Decision{Accepted: true, Path: metrics.PathReply}
		}
	case !errors.Is(err, store.ErrNotFound):
		g.logger.Error("token lookup failed", "recipient", recipient, "error", err)
		return Decision{Reason: ReasonStoreError}
	}

	_, err = g.store.FindByAddress(ctx, recipient)
	switch {
	case err == nil:
		return Decision{Accepted: true, Path: metrics.PathInbound}
	case errors.Is(err, store.ErrNotFound):
		return Decision{Reason: ReasonUnknownRecipient}
	default:
		g.logger.Error("address lookup failed", "recipient", recipient, "error", err)
		return Decision{Reason: ReasonStoreError}
	}
}

func sameAddress(a, b string) bool {
	a = strings.TrimSpace(a)
	return a != "" && strings.EqualFold(a, strings.TrimSpace(b))
}
