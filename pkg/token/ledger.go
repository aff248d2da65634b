package token

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/txn2/live-gateway/pkg/clock"
	"github.com/txn2/live-gateway/pkg/errcode"
)

// DefaultRefreshMinutes is the extension applied when refresh is called
// without an explicit amount.
const DefaultRefreshMinutes = 60

// DefaultCleanupInterval is used when StartCleanupRoutine gets a
// non-positive interval.
const DefaultCleanupInterval = time.Hour

// Usage is the counter state returned by UpdateUsage.
type Usage struct {
	SessionsUsed int `json:"sessionsUsed"`
	MessagesUsed int `json:"messagesUsed"`
	MaxSessions  int `json:"maxSessions"`
	MaxMessages  int `json:"maxMessages"`
}

// Refreshed is the result of Refresh.
type Refreshed struct {
	Token        string    `json:"token"`
	ExpiresAt    time.Time `json:"expiresAt"`
	SessionsUsed int       `json:"sessionsUsed"`
	MessagesUsed int       `json:"messagesUsed"`
}

// Ledger mutates token counters and expiry.
//
// UpdateUsage does not check quotas. Callers validate first; a race between
// validation and increment can overshoot a bound by one unit per concurrent
// caller, which is accepted.
type Ledger struct {
	store  Store
	clock  clock.Clock
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewLedger creates a Ledger. A nil clock uses the system clock.
func NewLedger(store Store, clk clock.Clock, logger *slog.Logger) *Ledger {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, clock: clk, logger: logger}
}

// UpdateUsage atomically adds the increments to the token's counters.
func (l *Ledger) UpdateUsage(ctx context.Context, secret string, sessions, messages int) (*Usage, error) {
	if sessions < 0 || messages < 0 {
		return nil, errcode.New(errcode.MalformedRequest, "usage increments must not be negative")
	}
	t, err := l.store.AddUsage(ctx, secret, sessions, messages, l.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("updating token usage: %w", err)
	}
	return &Usage{
		SessionsUsed: t.SessionsUsed,
		MessagesUsed: t.MessagesUsed,
		MaxSessions:  t.MaxSessions,
		MaxMessages:  t.MaxMessages,
	}, nil
}

// Refresh extends an active token. The new expiry is additionalMinutes past
// the later of now and the current expiry, so a refresh never shortens the
// token's lifetime. Zero minutes uses DefaultRefreshMinutes.
func (l *Ledger) Refresh(ctx context.Context, secret string, additionalMinutes int) (*Refreshed, error) {
	if additionalMinutes < 0 {
		return nil, errcode.New(errcode.MalformedRequest, "additional minutes must not be negative")
	}
	if additionalMinutes == 0 {
		additionalMinutes = DefaultRefreshMinutes
	}
	delta := time.Duration(additionalMinutes) * time.Minute

	t, err := l.store.Extend(ctx, secret, delta, l.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("refreshing token: %w", err)
	}
	return &Refreshed{
		Token:        t.Secret,
		ExpiresAt:    t.ExpiresAt,
		SessionsUsed: t.SessionsUsed,
		MessagesUsed: t.MessagesUsed,
	}, nil
}

// Deactivate revokes a token. Revoking an already inactive token succeeds.
func (l *Ledger) Deactivate(ctx context.Context, secret string) (*Token, error) {
	t, err := l.store.Deactivate(ctx, secret, l.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("deactivating token: %w", err)
	}
	return t, nil
}

// ListByOwner returns redacted summaries of the owner's tokens.
func (l *Ledger) ListByOwner(ctx context.Context, ownerID string) ([]Summary, error) {
	tokens, err := l.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing tokens: %w", err)
	}
	out := make([]Summary, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, t.Summarize())
	}
	return out, nil
}

// CleanupExpired deletes every expired or inactive token.
func (l *Ledger) CleanupExpired(ctx context.Context) (int, error) {
	n, err := l.store.DeleteStale(ctx, l.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("cleaning up tokens: %w", err)
	}
	if n > 0 {
		l.logger.Info("token: cleaned up stale tokens", "count", n)
	}
	return n, nil
}

// StartCleanupRoutine starts a background goroutine that periodically runs
// CleanupExpired. The goroutine is stopped when Close is called.
func (l *Ledger) StartCleanupRoutine(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := l.CleanupExpired(ctx); err != nil {
					l.logger.Warn("token: cleanup failed", "error", err)
				}
			}
		}
	}()
}

// Close stops the cleanup goroutine and waits for it to exit.
// It is safe to call Close even if StartCleanupRoutine was never called.
func (l *Ledger) Close() error {
	if l.cancel != nil {
		l.cancel()
		<-l.done
		l.cancel = nil
	}
	return nil
}
