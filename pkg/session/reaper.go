package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/txn2/live-gateway/pkg/clock"
)

const (
	// DefaultReapInterval is how often the reaper sweeps.
	DefaultReapInterval = 5 * time.Minute

	// DefaultIdleTimeout is how long a session may go without activity.
	DefaultIdleTimeout = 15 * time.Minute
)

// ReaperConfig configures a Reaper.
type ReaperConfig struct {
	Interval    time.Duration
	IdleTimeout time.Duration
	Clock       clock.Clock
	Logger      *slog.Logger
}

// Reaper periodically closes sessions idle longer than IdleTimeout.
type Reaper struct {
	registry    *Registry
	interval    time.Duration
	idleTimeout time.Duration
	clock       clock.Clock
	logger      *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReaper creates a Reaper over reg. It does not start until Start.
func NewReaper(reg *Registry, cfg ReaperConfig) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReapInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = reg.clock
	}
	if cfg.Logger == nil {
		cfg.Logger = reg.logger
	}
	return &Reaper{
		registry:    reg,
		interval:    cfg.Interval,
		idleTimeout: cfg.IdleTimeout,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
	}
}

// Sweep closes every idle session and returns how many were removed. A
// failure closing one session is logged and does not stop the sweep.
func (r *Reaper) Sweep(ctx context.Context) int {
	cutoff := r.clock.Now().Add(-r.idleTimeout)

	reaped := 0
	for _, s := range r.registry.snapshot() {
		removed, err := r.registry.reap(ctx, s, cutoff)
		if err != nil {
			r.logger.Warn("session: reaping session failed", "session_id", s.ID, slogKeyError, err)
		}
		if removed {
			reaped++
		}
	}

	if reaped > 0 {
		r.logger.Info("session: reaped idle sessions", "count", reaped)
	}
	return reaped
}

// Start runs Sweep every interval until Stop.
func (r *Reaper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep(ctx)
			}
		}
	}()
}

// Stop ends the sweep loop and waits for an in-flight sweep to finish.
// It is safe to call more than once or without Start.
func (r *Reaper) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}
