// Package token issues, validates and meters ephemeral capability tokens.
// A token lets an untrusted client open realtime sessions without ever seeing
// the provider credential; its quotas bound how many sessions and messages it
// may authorize before it is rejected.
package token

import (
	"context"
	"time"
)

// Token is a persisted capability grant.
type Token struct {
	// ID is the stable record identifier, surfaced to clients as tokenId.
	ID string `json:"id"`

	// Secret is the bearer value in the glt_ format. Unique across records.
	Secret string `json:"secret"`

	// OwnerID references a user in the directory. Not owned by the token.
	OwnerID string `json:"owner_id"`

	ExpiresAt    time.Time `json:"expires_at"`
	SessionsUsed int       `json:"sessions_used"`
	MessagesUsed int       `json:"messages_used"`
	MaxSessions  int       `json:"max_sessions"`
	MaxMessages  int       `json:"max_messages"`

	// Active becomes false on deactivation and never flips back.
	Active bool `json:"is_active"`

	CreatedAt     time.Time  `json:"created_at"`
	LastUsedAt    time.Time  `json:"last_used_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`

	// Version is incremented by every mutation.
	Version int64 `json:"version"`
}

// IsExpired reports whether the token is past its expiry at now.
func (t *Token) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// IsStale reports whether the cleanup sweep should delete the record.
func (t *Token) IsStale(now time.Time) bool {
	return !t.Active || t.IsExpired(now)
}

// Summary is a display-safe view of a token; the secret is truncated.
type Summary struct {
	TokenID      string     `json:"tokenId"`
	Token        string     `json:"token"`
	ExpiresAt    time.Time  `json:"expiresAt"`
	SessionsUsed int        `json:"sessionsUsed"`
	MessagesUsed int        `json:"messagesUsed"`
	MaxSessions  int        `json:"maxSessions"`
	MaxMessages  int        `json:"maxMessages"`
	IsActive     bool       `json:"isActive"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastUsedAt   time.Time  `json:"lastUsedAt"`
	Deactivated  *time.Time `json:"deactivatedAt,omitempty"`
}

// Summarize builds the redacted summary of t.
func (t *Token) Summarize() Summary {
	return Summary{
		TokenID:      t.ID,
		Token:        Redact(t.Secret),
		ExpiresAt:    t.ExpiresAt,
		SessionsUsed: t.SessionsUsed,
		MessagesUsed: t.MessagesUsed,
		MaxSessions:  t.MaxSessions,
		MaxMessages:  t.MaxMessages,
		IsActive:     t.Active,
		CreatedAt:    t.CreatedAt,
		LastUsedAt:   t.LastUsedAt,
		Deactivated:  t.DeactivatedAt,
	}
}

// Store persists tokens. Mutating methods must be atomic per secret:
// concurrent AddUsage calls for the same secret never lose an increment.
// Methods return a copy of the stored record; callers may not mutate the
// stored state through it.
type Store interface {
	// Create persists a new token. Fails if the secret already exists.
	Create(ctx context.Context, t *Token) error

	// Get returns the token for a secret, or an errcode.NotFound error.
	Get(ctx context.Context, secret string) (*Token, error)

	// ListByOwner returns the owner's tokens, newest first.
	ListByOwner(ctx context.Context, ownerID string) ([]*Token, error)

	// AddUsage adds the increments to the counters and sets LastUsedAt.
	AddUsage(ctx context.Context, secret string, sessions, messages int, now time.Time) (*Token, error)

	// Extend moves ExpiresAt to max(now, ExpiresAt) + delta on an active
	// token. Returns an errcode.Deactivated error for inactive tokens.
	Extend(ctx context.Context, secret string, delta time.Duration, now time.Time) (*Token, error)

	// Deactivate clears Active and records DeactivatedAt. Deactivating an
	// inactive token leaves it unchanged and succeeds.
	Deactivate(ctx context.Context, secret string, now time.Time) (*Token, error)

	// DeleteStale removes every expired or inactive token and returns the count.
	DeleteStale(ctx context.Context, now time.Time) (int, error)

	// Close releases resources.
	Close() error
}
