package store

import (
	"context"
	"sync"
)

// MemoryStore is a Store kept entirely in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	addresses map[string]*MaskedAddress
	// tokens maps a reply token to the masking address owning it.
	tokens map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		addresses: make(map[string]*MaskedAddress),
		tokens:    make(map[string]string),
	}
}

// FindByAddress implements Store.
func (s *MemoryStore) FindByAddress(ctx context.Context, address string) (MaskedAddress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.addresses[Canonical(address)]
	if !ok {
		return MaskedAddress{}, ErrNotFound
	}
	return m.Clone(), nil
}

// FindByToken implements Store.
func (s *MemoryStore) FindByToken(ctx context.Context, token string) (MaskedAddress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owner, ok := s.tokens[Canonical(token)]
	if !ok {
		return MaskedAddress{}, ErrNotFound
	}
	m, ok := s.addresses[owner]
	if !ok {
		return MaskedAddress{}, ErrNotFound
	}
	return m.Clone(), nil
}

// Put implements Store.
func (s *MemoryStore) Put(ctx context.Context, m MaskedAddress) error {
	c := m.Clone()
	c.Address = Canonical(c.Address)
	c.Destination = Canonical(c.Destination)

	s.mu.Lock()
	defer s.mu.Unlock()

	for token := range c.ReplyTokens {
		if owner, ok := s.tokens[token]; ok && owner != c.Address {
			return ErrTokenExists
		}
	}
	if old, ok := s.addresses[c.Address]; ok {
		for token := range old.ReplyTokens {
			delete(s.tokens, token)
		}
	}
	for token := range c.ReplyTokens {
		s.tokens[token] = c.Address
	}
	s.addresses[c.Address] = &c
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, address string) (MaskedAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := Canonical(address)
	m, ok := s.addresses[key]
	if !ok {
		return MaskedAddress{}, ErrNotFound
	}
	for token := range m.ReplyTokens {
		delete(s.tokens, token)
	}
	delete(s.addresses, key)
	return *m, nil
}

// AddToken implements Store.
func (s *MemoryStore) AddToken(ctx context.Context, owner, ownerID, token, correspondent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.addresses[Canonical(owner)]
	if !ok {
		return ErrNotFound
	}
	if m.ID != ownerID {
		return ErrStale
	}
	token = Canonical(token)
	if _, exists := s.tokens[token]; exists {
		return ErrTokenExists
	}
	m.ReplyTokens[token] = correspondent
	s.tokens[token] = m.Address
	return nil
}

// ConsumeToken implements Store.
func (s *MemoryStore) ConsumeToken(ctx context.Context, token string) (MaskedAddress, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token = Canonical(token)
	owner, ok := s.tokens[token]
	if !ok {
		return MaskedAddress{}, "", ErrNotFound
	}
	delete(s.tokens, token)

	m, ok := s.addresses[owner]
	if !ok {
		return MaskedAddress{}, "", ErrNotFound
	}
	correspondent := m.ReplyTokens[token]
	delete(m.ReplyTokens, token)
	return m.Clone(), correspondent, nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}
