package platform

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/txn2/live-gateway/pkg/audit"
	auditpostgres "github.com/txn2/live-gateway/pkg/audit/postgres"
	"github.com/txn2/live-gateway/pkg/clock"
	"github.com/txn2/live-gateway/pkg/database/migrate"
	"github.com/txn2/live-gateway/pkg/directory"
	"github.com/txn2/live-gateway/pkg/health"
	"github.com/txn2/live-gateway/pkg/httpapi"
	"github.com/txn2/live-gateway/pkg/metrics"
	"github.com/txn2/live-gateway/pkg/realtime"
	"github.com/txn2/live-gateway/pkg/realtime/websocket"
	"github.com/txn2/live-gateway/pkg/session"
	"github.com/txn2/live-gateway/pkg/token"
	tokenpostgres "github.com/txn2/live-gateway/pkg/token/postgres"
)

// auditCleanupInterval is how often expired audit rows are purged.
const auditCleanupInterval = 24 * time.Hour

// Platform is the gateway facade. It owns every component built from the
// configuration and their startup and shutdown order.
type Platform struct {
	config *Config
	logger *slog.Logger
	clock  clock.Clock

	lifecycle *Lifecycle
	health    *health.Checker
	metrics   *metrics.Recorder

	db     *sql.DB
	ownsDB bool

	tokenStore  token.Store
	directory   directory.Directory
	issuer      *token.Issuer
	validator   *token.Validator
	ledger      *token.Ledger
	auditLogger audit.Logger
	adapter     realtime.Adapter
	registry    *session.Registry
	reaper      *session.Reaper
	handler     *httpapi.Handler
}

// New creates a new platform instance.
func New(opts ...Option) (*Platform, error) {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}

	if options.Config == nil {
		return nil, errors.New("config is required")
	}

	p := &Platform{
		config:  options.Config,
		logger:  options.Logger,
		clock:   options.Clock,
		health:  health.NewChecker(),
		metrics: metrics.New(),
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.clock == nil {
		p.clock = clock.System{}
	}
	p.lifecycle = NewLifecycle(p.logger)

	if err := p.initializeComponents(options); err != nil {
		_ = p.lifecycle.Stop(context.Background())
		return nil, fmt.Errorf("initializing components: %w", err)
	}
	return p, nil
}

// initializeComponents builds components bottom-up and registers their
// lifecycle hooks in dependency order.
func (p *Platform) initializeComponents(opts *Options) error {
	if err := p.initDatabase(opts); err != nil {
		return err
	}
	if err := p.initTokens(opts); err != nil {
		return err
	}
	p.initAudit(opts)
	p.initSessions(opts)
	p.initHandler()
	return nil
}

// initDatabase opens and migrates the database when one is configured.
func (p *Platform) initDatabase(opts *Options) error {
	switch {
	case opts.DB != nil:
		p.db = opts.DB
	case p.config.Database.DSN != "":
		db, err := sql.Open("postgres", p.config.Database.DSN)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		db.SetMaxOpenConns(p.config.Database.MaxOpenConns)
		if p.config.Database.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(p.config.Database.ConnMaxLifetime)
		}
		p.db = db
		p.ownsDB = true
	default:
		p.logger.Info("platform: no database configured, using in-memory stores")
		return nil
	}

	if p.ownsDB {
		p.lifecycle.RegisterCloser("database", p.db)
	}
	p.health.AddCheck("database", p.db.PingContext)

	if p.config.Database.AutoMigrate {
		if err := migrate.Run(p.db); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		p.logger.Info("platform: database migrations applied")
	}
	return nil
}

// initTokens builds the token store, directory, issuer, validator and ledger.
func (p *Platform) initTokens(opts *Options) error {
	if p.db != nil {
		p.tokenStore = tokenpostgres.New(p.db)
	} else {
		p.tokenStore = token.NewMemoryStore()
	}

	dir := opts.Directory
	if dir == nil {
		var inner directory.Directory
		if p.db != nil {
			inner = directory.NewPostgres(p.db)
		} else {
			inner = directory.NewStatic(p.config.Directory.Users)
		}
		cached, err := directory.NewCached(inner, p.config.Directory.CacheTTL)
		if err != nil {
			return fmt.Errorf("creating directory: %w", err)
		}
		p.lifecycle.RegisterCloser("directory", cached)
		dir = cached
	}
	p.directory = dir

	p.issuer = token.NewIssuer(token.IssuerConfig{
		Store:     p.tokenStore,
		Directory: p.directory,
		Clock:     p.clock,
		Logger:    p.logger,
		Defaults:  p.config.Tokens.Defaults,
		Plans:     p.config.Tokens.Plans,
	})
	p.validator = token.NewValidator(p.tokenStore, p.clock, p.logger)
	p.ledger = token.NewLedger(p.tokenStore, p.clock, p.logger)

	interval := p.config.Tokens.CleanupInterval
	p.lifecycle.Append(Hook{
		Name: "token-cleanup",
		Start: func(context.Context) error {
			p.ledger.StartCleanupRoutine(interval)
			return nil
		},
		Stop: func(context.Context) error { return p.ledger.Close() },
	})
	return nil
}

// initAudit selects the audit sink: postgres with a database, a bounded
// in-memory log without one, and a no-op logger when auditing is disabled.
func (p *Platform) initAudit(opts *Options) {
	if opts.AuditLogger != nil {
		p.auditLogger = opts.AuditLogger
		return
	}

	cfg := p.config.Audit
	switch {
	case !cfg.Enabled:
		p.auditLogger = audit.NopLogger{}
	case p.db != nil:
		store := auditpostgres.New(p.db, auditpostgres.Config{
			RetentionDays: cfg.RetentionDays,
			Logger:        p.logger,
		})
		p.lifecycle.Append(Hook{
			Name: "audit",
			Start: func(context.Context) error {
				store.StartCleanupRoutine(auditCleanupInterval)
				return nil
			},
			Stop: func(context.Context) error { return store.Close() },
		})
		p.auditLogger = store
	default:
		p.auditLogger = audit.NewMemoryLogger(cfg.MemoryCapacity, p.logger)
	}
}

// initSessions builds the provider adapter, session registry and reaper.
func (p *Platform) initSessions(opts *Options) {
	p.adapter = opts.Adapter
	if p.adapter == nil {
		rt := p.config.Realtime
		p.adapter = websocket.New(websocket.Config{
			URL:              rt.URL,
			APIKey:           rt.APIKey,
			Model:            rt.Model,
			HandshakeTimeout: rt.HandshakeTimeout,
			WriteTimeout:     rt.WriteTimeout,
			PongWait:         rt.PongWait,
		}, p.logger)
	}

	p.registry = session.NewRegistry(session.Config{
		Adapter:      p.adapter,
		Validator:    p.validator,
		Meter:        p.ledger,
		Metrics:      p.metrics,
		Audit:        p.auditLogger,
		Clock:        p.clock,
		Logger:       p.logger,
		RequireToken: p.config.Sessions.RequireToken,
		InboxSize:    p.config.Sessions.InboxSize,
	})
	p.reaper = session.NewReaper(p.registry, session.ReaperConfig{
		Interval:    p.config.Sessions.ReapInterval,
		IdleTimeout: p.config.Sessions.IdleTimeout,
	})

	p.lifecycle.Append(Hook{
		Name: "sessions",
		Start: func(context.Context) error {
			p.reaper.Start()
			return nil
		},
		Stop: func(ctx context.Context) error {
			p.reaper.Stop()
			return p.registry.Close(ctx)
		},
	})
}

func (p *Platform) initHandler() {
	deps := httpapi.Deps{
		Issuer:    p.issuer,
		Validator: p.validator,
		Ledger:    p.ledger,
		Sessions:  p.registry,
		Audit:     p.auditLogger,
		Metrics:   p.metrics,
		Health:    p.health,
	}
	if p.config.Metrics.Enabled {
		deps.MetricsHandler = p.metrics.Handler()
	}

	p.handler = httpapi.NewHandler(deps, httpapi.Config{
		AllowedOrigin: p.config.Server.AllowedOrigin,
		Auth:          httpapi.NewKeyAuthenticator(p.config.Auth.APIKeys),
		Logger:        p.logger,
	})
}

// Start starts background routines and marks the gateway ready.
func (p *Platform) Start(ctx context.Context) error {
	if err := p.lifecycle.Start(ctx); err != nil {
		return fmt.Errorf("starting platform: %w", err)
	}
	p.health.SetReady()
	p.logger.Info("platform: started",
		"model", p.adapter.Model(),
		"database", p.db != nil,
		"require_token", p.config.Sessions.RequireToken,
	)
	return nil
}

// Stop marks the gateway draining, closes every session and releases
// resources in reverse startup order.
func (p *Platform) Stop(ctx context.Context) error {
	p.health.SetDraining()
	err := p.lifecycle.Stop(ctx)
	p.logger.Info("platform: stopped")
	return err
}

// Handler returns the HTTP handler.
func (p *Platform) Handler() http.Handler {
	return p.handler
}

// Config returns the platform configuration.
func (p *Platform) Config() *Config {
	return p.config
}

// Health returns the readiness checker.
func (p *Platform) Health() *health.Checker {
	return p.health
}

// Metrics returns the metrics recorder.
func (p *Platform) Metrics() *metrics.Recorder {
	return p.metrics
}

// Sessions returns the session registry.
func (p *Platform) Sessions() *session.Registry {
	return p.registry
}

// AuditLogger returns the audit logger.
func (p *Platform) AuditLogger() audit.Logger {
	return p.auditLogger
}
