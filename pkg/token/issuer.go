package token

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/txn2/live-gateway/pkg/clock"
	"github.com/txn2/live-gateway/pkg/directory"
	"github.com/txn2/live-gateway/pkg/errcode"
)

const (
	// DefaultMaxSessions is the session quota when neither config nor caller sets one.
	DefaultMaxSessions = 10

	// DefaultMaxMessages is the message quota when neither config nor caller sets one.
	DefaultMaxMessages = 1000

	// DefaultExpiration is the token lifetime when neither config nor caller sets one.
	DefaultExpiration = 60 * time.Minute
)

// Quota holds the bounds a new token is issued with.
type Quota struct {
	MaxSessions int           `yaml:"max_sessions"`
	MaxMessages int           `yaml:"max_messages"`
	Expiration  time.Duration `yaml:"expiration"`
}

// Options are caller overrides for Generate. Zero fields fall back to defaults.
type Options struct {
	MaxSessions       int
	MaxMessages       int
	ExpirationMinutes int
}

// Issued is the result of Generate.
type Issued struct {
	Token       string    `json:"token"`
	TokenID     string    `json:"tokenId"`
	ExpiresAt   time.Time `json:"expiresAt"`
	MaxSessions int       `json:"maxSessions"`
	MaxMessages int       `json:"maxMessages"`

	// Degraded is set when the secret came from a non-cryptographic source.
	Degraded bool `json:"degraded,omitempty"`
}

// IssuerConfig configures an Issuer.
type IssuerConfig struct {
	Store     Store
	Directory directory.Directory
	Clock     clock.Clock
	Logger    *slog.Logger

	// Defaults apply to every owner; Plans override them per user plan.
	Defaults Quota
	Plans    map[string]Quota

	// Random is the secure random source. Defaults to crypto/rand.
	Random io.Reader
}

// Issuer creates tokens.
type Issuer struct {
	store    Store
	dir      directory.Directory
	clock    clock.Clock
	logger   *slog.Logger
	defaults Quota
	plans    map[string]Quota
	random   io.Reader
}

// NewIssuer creates an Issuer, filling unset config with package defaults.
func NewIssuer(cfg IssuerConfig) *Issuer {
	iss := &Issuer{
		store:    cfg.Store,
		dir:      cfg.Directory,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		defaults: withQuotaDefaults(cfg.Defaults),
		plans:    cfg.Plans,
		random:   cfg.Random,
	}
	if iss.clock == nil {
		iss.clock = clock.System{}
	}
	if iss.logger == nil {
		iss.logger = slog.Default()
	}
	if iss.random == nil {
		iss.random = defaultRandom
	}
	return iss
}

func withQuotaDefaults(q Quota) Quota {
	if q.MaxSessions <= 0 {
		q.MaxSessions = DefaultMaxSessions
	}
	if q.MaxMessages <= 0 {
		q.MaxMessages = DefaultMaxMessages
	}
	if q.Expiration <= 0 {
		q.Expiration = DefaultExpiration
	}
	return q
}

// Generate issues a token for ownerID. The owner must exist in the directory.
func (i *Issuer) Generate(ctx context.Context, ownerID string, opts Options) (*Issued, error) {
	if ownerID == "" {
		return nil, errcode.New(errcode.MalformedRequest, "owner id is required")
	}
	if opts.MaxSessions < 0 || opts.MaxMessages < 0 || opts.ExpirationMinutes < 0 {
		return nil, errcode.New(errcode.MalformedRequest, "quota and expiration overrides must be positive")
	}

	user, err := i.dir.Lookup(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("looking up owner: %w", err)
	}

	quota := i.resolveQuota(user, opts)
	now := i.clock.Now()
	secret, degraded := newSecret(i.random, now)
	if degraded {
		i.logger.Warn("token: secure random source unavailable, issued degraded secret", "owner_id", ownerID)
	}

	t := &Token{
		ID:          uuid.NewString(),
		Secret:      secret,
		OwnerID:     ownerID,
		ExpiresAt:   now.Add(quota.Expiration),
		MaxSessions: quota.MaxSessions,
		MaxMessages: quota.MaxMessages,
		Active:      true,
		CreatedAt:   now,
		LastUsedAt:  now,
		Version:     1,
	}
	if err := i.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("storing token: %w", err)
	}

	i.logger.Debug("token: issued", "owner_id", ownerID, "token_id", t.ID, "expires_at", t.ExpiresAt)

	return &Issued{
		Token:       t.Secret,
		TokenID:     t.ID,
		ExpiresAt:   t.ExpiresAt,
		MaxSessions: t.MaxSessions,
		MaxMessages: t.MaxMessages,
		Degraded:    degraded,
	}, nil
}

// resolveQuota layers caller overrides over the plan quota over the defaults.
func (i *Issuer) resolveQuota(user *directory.User, opts Options) Quota {
	q := i.defaults
	if plan, ok := i.plans[user.Plan]; ok && user.Plan != "" {
		if plan.MaxSessions > 0 {
			q.MaxSessions = plan.MaxSessions
		}
		if plan.MaxMessages > 0 {
			q.MaxMessages = plan.MaxMessages
		}
		if plan.Expiration > 0 {
			q.Expiration = plan.Expiration
		}
	}
	if opts.MaxSessions > 0 {
		q.MaxSessions = opts.MaxSessions
	}
	if opts.MaxMessages > 0 {
		q.MaxMessages = opts.MaxMessages
	}
	if opts.ExpirationMinutes > 0 {
		q.Expiration = time.Duration(opts.ExpirationMinutes) * time.Minute
	}
	return q
}
