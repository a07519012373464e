// Package store holds masked addresses and their outstanding reply tokens.
//
// Masking addresses and reply tokens live in disjoint namespaces in every
// implementation. A token is resolved only through the token namespace and a
// masking address only through the address namespace, so an administrator
// choosing an address that looks like a token can never shadow a live token.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Common errors returned by Store implementations.
var (
	ErrNotFound    = errors.New("not found")
	ErrStale       = errors.New("masked address was replaced")
	ErrTokenExists = errors.New("reply token already exists")
	ErrInvalid     = errors.New("invalid address")
)

// MaskedAddress binds a masking address to the destination mailbox it hides.
type MaskedAddress struct {
	// ID changes every time the address is (re)created.
	ID          string            `json:"-"`
	Address     string            `json:"address"`
	Destination string            `json:"destination"`
	ReplyTokens map[string]string `json:"reply_tokens"`
	CreatedAt   time.Time         `json:"created_at"`
}

// New returns a fresh MaskedAddress with a new ID and no reply tokens.
// Both addresses are canonicalized.
func New(address, destination string) (MaskedAddress, error) {
	addr := Canonical(address)
	dest := Canonical(destination)
	if !validAddress(addr) {
		return MaskedAddress{}, fmt.Errorf("%w: %q", ErrInvalid, address)
	}
	if !validAddress(dest) {
		return MaskedAddress{}, fmt.Errorf("%w: %q", ErrInvalid, destination)
	}
	return MaskedAddress{
		ID:          ulid.Make().String(),
		Address:     addr,
		Destination: dest,
		ReplyTokens: make(map[string]string),
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Clone returns a deep copy so callers never share the token map with a store.
func (m MaskedAddress) Clone() MaskedAddress {
	c := m
	c.ReplyTokens = make(map[string]string, len(m.ReplyTokens))
	for k, v := range m.ReplyTokens {
		c.ReplyTokens[k] = v
	}
	return c
}

// Store is the persistence contract for masked addresses.
//
// Every mutation touching a single masked address is atomic with respect to
// all other mutations on that address.
type Store interface {
	// FindByAddress looks up a masked address by its masking address.
	FindByAddress(ctx context.Context, address string) (MaskedAddress, error)

	// FindByToken returns the masked address owning a live reply token.
	FindByToken(ctx context.Context, token string) (MaskedAddress, error)

	// Put creates or atomically replaces the masked address keyed by m.Address.
	// Replacing discards every token of the previous instance.
	Put(ctx context.Context, m MaskedAddress) error

	// Delete removes a masked address and all of its tokens.
	Delete(ctx context.Context, address string) (MaskedAddress, error)

	// AddToken binds token to correspondent inside the owner's token map.
	// It fails with ErrStale when the owner is no longer the instance ownerID.
	AddToken(ctx context.Context, owner, ownerID, token, correspondent string) error

	// ConsumeToken removes a live token and returns its owner (without the
	// token) and the correspondent it was bound to. For any token at most one
	// call succeeds.
	ConsumeToken(ctx context.Context, token string) (MaskedAddress, string, error)

	// Ping checks that the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}

// Canonical normalizes an address for use as a key.
func Canonical(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// ValidAddress reports whether address has a non-empty local part and domain.
func ValidAddress(address string) bool {
	return validAddress(Canonical(address))
}

func validAddress(addr string) bool {
	i := strings.LastIndex(addr, "@")
	return i > 0 && i < len(addr)-1 && !strings.ContainsAny(addr, " \t\r\n<>")
}
