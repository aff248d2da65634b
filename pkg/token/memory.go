package token

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/txn2/live-gateway/pkg/errcode"
)

// MemoryStore implements Store using an in-memory map. Every mutation runs
// under one lock, which makes counter increments atomic.
type MemoryStore struct {
	mu      sync.RWMutex
	tokens  map[string]*Token
	byOwner map[string]map[string]struct{}
}

// NewMemoryStore creates an empty in-memory token store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens:  make(map[string]*Token),
		byOwner: make(map[string]map[string]struct{}),
	}
}

// Create persists a new token.
func (s *MemoryStore) Create(_ context.Context, t *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokens[t.Secret]; exists {
		return errcode.New(errcode.Internal, "token secret already exists")
	}
	stored := *t
	s.tokens[t.Secret] = &stored

	owned, ok := s.byOwner[t.OwnerID]
	if !ok {
		owned = make(map[string]struct{})
		s.byOwner[t.OwnerID] = owned
	}
	owned[t.Secret] = struct{}{}
	return nil
}

// Get returns a copy of the token for secret.
func (s *MemoryStore) Get(_ context.Context, secret string) (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tokens[secret]
	if !ok {
		return nil, errcode.ErrNotFound
	}
	out := *t
	return &out, nil
}

// ListByOwner returns the owner's tokens, newest first.
func (s *MemoryStore) ListByOwner(_ context.Context, ownerID string) ([]*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Token, 0, len(s.byOwner[ownerID]))
	for secret := range s.byOwner[ownerID] {
		t := *s.tokens[secret]
		result = append(result, &t)
	}
	slices.SortFunc(result, func(a, b *Token) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return result, nil
}

// AddUsage adds the increments to the stored counters.
func (s *MemoryStore) AddUsage(_ context.Context, secret string, sessions, messages int, now time.Time) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[secret]
	if !ok {
		return nil, errcode.ErrNotFound
	}
	t.SessionsUsed += sessions
	t.MessagesUsed += messages
	t.LastUsedAt = now
	t.Version++
	out := *t
	return &out, nil
}

// Extend moves ExpiresAt forward by delta from the later of now and the
// current expiry.
func (s *MemoryStore) Extend(_ context.Context, secret string, delta time.Duration, now time.Time) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[secret]
	if !ok {
		return nil, errcode.ErrNotFound
	}
	if !t.Active {
		return nil, errcode.ErrDeactivated
	}
	base := t.ExpiresAt
	if now.After(base) {
		base = now
	}
	t.ExpiresAt = base.Add(delta)
	t.LastUsedAt = now
	t.Version++
	out := *t
	return &out, nil
}

// Deactivate marks the token inactive. Already inactive tokens are returned
// unchanged.
func (s *MemoryStore) Deactivate(_ context.Context, secret string, now time.Time) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[secret]
	if !ok {
		return nil, errcode.ErrNotFound
	}
	if t.Active {
		t.Active = false
		at := now
		t.DeactivatedAt = &at
		t.Version++
	}
	out := *t
	return &out, nil
}

// DeleteStale removes expired or inactive tokens.
func (s *MemoryStore) DeleteStale(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for secret, t := range s.tokens {
		if !t.IsStale(now) {
			continue
		}
		delete(s.tokens, secret)
		if owned, ok := s.byOwner[t.OwnerID]; ok {
			delete(owned, secret)
			if len(owned) == 0 {
				delete(s.byOwner, t.OwnerID)
			}
		}
		deleted++
	}
	return deleted, nil
}

// Close is a no-op for the memory store.
func (*MemoryStore) Close() error { return nil }

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)
