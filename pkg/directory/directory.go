// Package directory resolves owner identities against the user directory.
// The directory is an external collaborator; this package only reads it.
package directory

import (
	"context"
	"sync"

	"github.com/txn2/live-gateway/pkg/errcode"
)

// User is a directory entry.
type User struct {
	ID    string `json:"id" yaml:"id"`
	Email string `json:"email,omitempty" yaml:"email"`

	// Plan names the entitlement tier used to pick default token quotas.
	Plan string `json:"plan,omitempty" yaml:"plan"`
}

// Directory looks up users by stable identity.
type Directory interface {
	// Lookup returns the user, or an errcode.NotFound error.
	Lookup(ctx context.Context, id string) (*User, error)
}

// Static is a Directory backed by a fixed list, typically from config.
type Static struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewStatic creates a static directory containing users.
func NewStatic(users []User) *Static {
	s := &Static{users: make(map[string]User, len(users))}
	for _, u := range users {
		s.users[u.ID] = u
	}
	return s
}

// Lookup returns a copy of the user with id.
func (s *Static) Lookup(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, errcode.Wrap(errcode.NotFound, "user not found", nil)
	}
	return &u, nil
}

// Put adds or replaces a user.
func (s *Static) Put(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// Verify interface compliance.
var _ Directory = (*Static)(nil)
