package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/txn2/live-gateway/pkg/clock"
)

const (
	// DefaultRefreshMargin is how long before expiry renewal runs.
	DefaultRefreshMargin = 5 * time.Minute

	// DefaultRenewTimeout bounds one renewal call.
	DefaultRenewTimeout = 30 * time.Second
)

// GenerateFunc obtains a fresh token.
type GenerateFunc func(ctx context.Context) (*Info, error)

// RefreshFunc extends the token identified by secret.
type RefreshFunc func(ctx context.Context, secret string) (*Info, error)

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	Cache        *Cache
	Generate     GenerateFunc
	Refresh      RefreshFunc
	Margin       time.Duration
	RenewTimeout time.Duration
	Clock        clock.Clock
	Logger       *slog.Logger
}

// Scheduler keeps a token available on demand and renews it a fixed margin
// before expiry. A failed renewal clears the cache; the next Token call
// generates a new one.
type Scheduler struct {
	cache        *Cache
	generate     GenerateFunc
	refresh      RefreshFunc
	margin       time.Duration
	renewTimeout time.Duration
	clock        clock.Clock
	logger       *slog.Logger

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	stopped bool
}

// NewScheduler creates a Scheduler. Nothing is scheduled until Token.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Margin <= 0 {
		cfg.Margin = DefaultRefreshMargin
	}
	if cfg.RenewTimeout <= 0 {
		cfg.RenewTimeout = DefaultRenewTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		cache:        cfg.Cache,
		generate:     cfg.Generate,
		refresh:      cfg.Refresh,
		margin:       cfg.Margin,
		renewTimeout: cfg.RenewTimeout,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
	}
}

// Token returns the cached token, generating one when none is cached or the
// cached one has expired.
func (s *Scheduler) Token(ctx context.Context) (*Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if info, ok := s.cache.GetInfo(); ok {
		if s.timer == nil {
			s.scheduleLocked(*info)
		}
		return info, nil
	}

	info, err := s.generate(ctx)
	if err != nil {
		return nil, fmt.Errorf("generating token: %w", err)
	}
	if err := s.cache.Store(*info); err != nil {
		return nil, err
	}
	s.scheduleLocked(*info)
	return info, nil
}

// Stop cancels any pending renewal. Later Token calls still work but no
// longer schedule renewals.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.cancelLocked()
}

// scheduleLocked arms a single-shot renewal margin before info expires.
// Caller must hold s.mu.
func (s *Scheduler) scheduleLocked(info Info) {
	s.cancelLocked()
	if s.stopped {
		return
	}
	delay := max(info.ExpiresAt.Sub(s.clock.Now())-s.margin, 0)
	s.gen++
	gen := s.gen
	s.timer = time.AfterFunc(delay, func() { s.renew(gen) })
}

func (s *Scheduler) cancelLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// renew runs when the timer of generation gen fires. A timer superseded
// while waiting for the lock does nothing.
func (s *Scheduler) renew(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || s.stopped {
		return
	}
	s.timer = nil

	current, ok := s.cache.GetInfo()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.renewTimeout)
	defer cancel()

	refreshed, err := s.refresh(ctx, current.Token)
	if err != nil {
		s.logger.Warn("client: token renewal failed, clearing cache", "error", err)
		if clearErr := s.cache.Clear(); clearErr != nil {
			s.logger.Warn("client: clearing cached token failed", "error", clearErr)
		}
		return
	}

	next := *current
	if refreshed.Token != "" {
		next.Token = refreshed.Token
	}
	next.ExpiresAt = refreshed.ExpiresAt
	if err := s.cache.Store(next); err != nil {
		s.logger.Warn("client: storing renewed token failed", "error", err)
		return
	}
	s.logger.Debug("client: token renewed", "expires_at", next.ExpiresAt)
	s.scheduleLocked(next)
}
