package platform

import (
	"database/sql"
	"log/slog"

	"github.com/txn2/live-gateway/pkg/audit"
	"github.com/txn2/live-gateway/pkg/clock"
	"github.com/txn2/live-gateway/pkg/directory"
	"github.com/txn2/live-gateway/pkg/realtime"
)

// Options configures the platform.
type Options struct {
	// Config is the gateway configuration.
	Config *Config

	// DB is an open database (optional, opened from Config.Database.DSN if
	// not provided). A provided DB is not closed by the platform.
	DB *sql.DB

	// Adapter (optional, a websocket adapter is built from Config.Realtime if
	// not provided).
	Adapter realtime.Adapter

	// Directory (optional, built from the database or the static user list
	// if not provided).
	Directory directory.Directory

	// AuditLogger (optional, built from Config.Audit if not provided).
	AuditLogger audit.Logger

	Clock  clock.Clock
	Logger *slog.Logger
}

// Option is a functional option for configuring the platform.
type Option func(*Options)

// WithConfig sets the configuration.
func WithConfig(cfg *Config) Option {
	return func(o *Options) {
		o.Config = cfg
	}
}

// WithDB sets the database connection.
func WithDB(db *sql.DB) Option {
	return func(o *Options) {
		o.DB = db
	}
}

// WithAdapter sets the realtime provider adapter.
func WithAdapter(a realtime.Adapter) Option {
	return func(o *Options) {
		o.Adapter = a
	}
}

// WithDirectory sets the user directory.
func WithDirectory(d directory.Directory) Option {
	return func(o *Options) {
		o.Directory = d
	}
}

// WithAuditLogger sets the audit logger.
func WithAuditLogger(l audit.Logger) Option {
	return func(o *Options) {
		o.AuditLogger = l
	}
}

// WithClock sets the clock used for token expiry and session activity.
func WithClock(c clock.Clock) Option {
	return func(o *Options) {
		o.Clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}
