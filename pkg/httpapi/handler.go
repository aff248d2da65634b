// Package httpapi maps the token and session operations onto HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/txn2/live-gateway/pkg/audit"
	"github.com/txn2/live-gateway/pkg/errcode"
	"github.com/txn2/live-gateway/pkg/health"
	"github.com/txn2/live-gateway/pkg/session"
	"github.com/txn2/live-gateway/pkg/token"
)

// maxBodyBytes bounds request bodies; audio chunks arrive base64 encoded.
const maxBodyBytes = 4 << 20

// Issuer issues tokens.
type Issuer interface {
	Generate(ctx context.Context, ownerID string, opts token.Options) (*token.Issued, error)
}

// Validator validates tokens.
type Validator interface {
	Validate(ctx context.Context, secret string) token.Validation
}

// Ledger mutates token state.
type Ledger interface {
	UpdateUsage(ctx context.Context, secret string, sessions, messages int) (*token.Usage, error)
	Refresh(ctx context.Context, secret string, additionalMinutes int) (*token.Refreshed, error)
	Deactivate(ctx context.Context, secret string) (*token.Token, error)
	ListByOwner(ctx context.Context, ownerID string) ([]token.Summary, error)
	CleanupExpired(ctx context.Context) (int, error)
}

// Sessions is the session registry surface.
type Sessions interface {
	CreateSession(ctx context.Context, ownerID, secret string) (*session.Created, error)
	SendMessage(ctx context.Context, sessionID string, msg session.Message, secret string) error
	CloseSession(ctx context.Context, sessionID string) error
	GetStatus(sessionID string) session.Status
	ListSessions() []session.Summary
	Drain(sessionID string) ([]session.Inbound, error)
}

// Metrics receives boundary instrumentation. *metrics.Recorder satisfies it.
type Metrics interface {
	RecordTokenIssued()
	RecordTokenRefreshed()
	RecordTokenDeactivated()
	RecordTokensCleaned(n int)
	RecordValidationFailure(reason string)
	RecordHTTPRequest(method, route, statusCode string, durationSeconds float64)
}

// Deps holds the handler's collaborators. Audit, Metrics, Health and
// MetricsHandler are optional.
type Deps struct {
	Issuer    Issuer
	Validator Validator
	Ledger    Ledger
	Sessions  Sessions
	Audit     audit.Logger
	Metrics   Metrics

	Health         *health.Checker
	MetricsHandler http.Handler
}

// Config configures the handler.
type Config struct {
	// AllowedOrigin is the single front-end origin granted CORS access.
	AllowedOrigin string

	// Auth gates issuance, cleanup, session listing and audit endpoints.
	// Nil or keyless leaves them open.
	Auth *KeyAuthenticator

	Logger *slog.Logger
}

// Handler serves the gateway API.
type Handler struct {
	mux    *http.ServeMux
	deps   Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewHandler creates the API handler.
func NewHandler(deps Deps, cfg Config) *Handler {
	if deps.Audit == nil {
		deps.Audit = audit.NopLogger{}
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := &Handler{
		mux:    http.NewServeMux(),
		deps:   deps,
		cfg:    cfg,
		logger: cfg.Logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	h.registerRoutes()
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.instrument(h.cors(h.mux)).ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	gated := RequireAPIKey(h.cfg.Auth)

	h.mux.Handle("POST /api/v1/tokens", gated(http.HandlerFunc(h.issueToken)))
	h.mux.HandleFunc("POST /api/v1/tokens/validate", h.validateToken)
	h.mux.HandleFunc("POST /api/v1/tokens/usage", h.updateUsage)
	h.mux.HandleFunc("POST /api/v1/tokens/refresh", h.refreshToken)
	h.mux.HandleFunc("POST /api/v1/tokens/deactivate", h.deactivateToken)
	h.mux.Handle("GET /api/v1/tokens", gated(http.HandlerFunc(h.listTokens)))
	h.mux.Handle("POST /api/v1/tokens/cleanup", gated(http.HandlerFunc(h.cleanupTokens)))

	h.mux.HandleFunc("POST /api/v1/live", h.live)

	h.mux.Handle("GET /api/v1/audit", gated(http.HandlerFunc(h.listAuditEvents)))
	h.mux.Handle("GET /api/v1/audit/breakdown", gated(http.HandlerFunc(h.getAuditBreakdown)))

	if h.deps.Health != nil {
		h.mux.HandleFunc("GET /healthz", h.deps.Health.LivenessHandler())
		h.mux.HandleFunc("GET /readyz", h.deps.Health.ReadinessHandler())
	}
	if h.deps.MetricsHandler != nil {
		h.mux.Handle("GET /metrics", h.deps.MetricsHandler)
	}
}

// decodeJSON reads a JSON body into v, reporting MalformedRequest on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errcode.Wrap(errcode.MalformedRequest, "invalid request body", err)
	}
	return nil
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string       `json:"error"`
	Code  errcode.Code `json:"code"`
}

// writeError maps err onto its status and writes {"error","code"}. Uncoded
// errors are logged and reported as Internal without detail.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := errcode.Of(err)
	msg := err.Error()

	var coded *errcode.Error
	if errors.As(err, &coded) {
		msg = coded.Message
	}
	if code == errcode.Internal {
		h.logger.Error("httpapi: request failed", "error", err)
		msg = "internal error"
	}
	writeJSON(w, errcode.HTTPStatus(code), errorBody{Error: msg, Code: code})
}

func (h *Handler) logAudit(ctx context.Context, e *audit.Event) {
	if err := h.deps.Audit.Log(ctx, *e); err != nil {
		h.logger.Warn("httpapi: audit log failed", "action", e.Action, "error", err)
	}
}

type nopMetrics struct{}

func (nopMetrics) RecordTokenIssued()                                {}
func (nopMetrics) RecordTokenRefreshed()                             {}
func (nopMetrics) RecordTokenDeactivated()                           {}
func (nopMetrics) RecordTokensCleaned(int)                           {}
func (nopMetrics) RecordValidationFailure(string)                    {}
func (nopMetrics) RecordHTTPRequest(string, string, string, float64) {}
