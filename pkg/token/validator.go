package token

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/txn2/live-gateway/pkg/clock"
	"github.com/txn2/live-gateway/pkg/errcode"
)

// Validation is the structured outcome of Validate. Reason is empty when
// Valid is true. The quota fields are filled whenever the record exists.
type Validation struct {
	Valid        bool         `json:"isValid"`
	Reason       errcode.Code `json:"error,omitempty"`
	TokenID      string       `json:"tokenId,omitempty"`
	OwnerID      string       `json:"ownerId,omitempty"`
	SessionsUsed int          `json:"sessionsUsed"`
	MessagesUsed int          `json:"messagesUsed"`
	MaxSessions  int          `json:"maxSessions"`
	MaxMessages  int          `json:"maxMessages"`
	ExpiresAt    *time.Time   `json:"expiresAt,omitempty"`
}

// Err converts a failed validation into a coded error, or nil when valid.
func (v Validation) Err() error {
	if v.Valid {
		return nil
	}
	switch v.Reason {
	case errcode.NotFound:
		return errcode.New(errcode.NotFound, "token not found")
	case errcode.Deactivated:
		return errcode.ErrDeactivated
	case errcode.Expired:
		return errcode.ErrExpired
	case errcode.SessionQuotaExceeded:
		return errcode.ErrSessionQuotaExceeded
	case errcode.MessageQuotaExceeded:
		return errcode.ErrMessageQuotaExceeded
	default:
		return errcode.New(v.Reason, "token validation failed")
	}
}

// Validator checks tokens against stored state. It never mutates.
type Validator struct {
	store  Store
	clock  clock.Clock
	logger *slog.Logger
}

// NewValidator creates a Validator. A nil clock uses the system clock.
func NewValidator(store Store, clk clock.Clock, logger *slog.Logger) *Validator {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{store: store, clock: clk, logger: logger}
}

// Validate runs the checks in a fixed order; the first failure wins:
// existence, active, expiry, session quota, message quota.
func (v *Validator) Validate(ctx context.Context, secret string) Validation {
	return v.validate(ctx, secret, true)
}

// ValidateMessage admits a message on an already open session. It runs the
// Validate checks except the session quota, which only gates new sessions.
func (v *Validator) ValidateMessage(ctx context.Context, secret string) Validation {
	return v.validate(ctx, secret, false)
}

func (v *Validator) validate(ctx context.Context, secret string, sessionQuota bool) Validation {
	if !IsWellFormed(secret) {
		return Validation{Reason: errcode.NotFound}
	}

	t, err := v.store.Get(ctx, secret)
	if err != nil {
		if !errors.Is(err, errcode.ErrNotFound) {
			// A store failure cannot prove the token exists.
			v.logger.Error("token: validation lookup failed", "error", err)
		}
		return Validation{Reason: errcode.NotFound}
	}

	expires := t.ExpiresAt
	result := Validation{
		TokenID:      t.ID,
		OwnerID:      t.OwnerID,
		SessionsUsed: t.SessionsUsed,
		MessagesUsed: t.MessagesUsed,
		MaxSessions:  t.MaxSessions,
		MaxMessages:  t.MaxMessages,
		ExpiresAt:    &expires,
	}

	switch {
	case !t.Active:
		result.Reason = errcode.Deactivated
	case t.IsExpired(v.clock.Now()):
		result.Reason = errcode.Expired
	case sessionQuota && t.SessionsUsed >= t.MaxSessions:
		result.Reason = errcode.SessionQuotaExceeded
	case t.MessagesUsed >= t.MaxMessages:
		result.Reason = errcode.MessageQuotaExceeded
	default:
		result.Valid = true
	}
	return result
}
