package httpapi

import (
	"net/http"
	"time"

	"github.com/txn2/live-gateway/pkg/audit"
	"github.com/txn2/live-gateway/pkg/errcode"
	"github.com/txn2/live-gateway/pkg/token"
)

type issueRequest struct {
	OwnerID           string `json:"ownerId"`
	MaxSessions       int    `json:"maxSessions"`
	MaxMessages       int    `json:"maxMessages"`
	ExpirationMinutes int    `json:"expirationMinutes"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type usageRequest struct {
	Token             string `json:"token"`
	IncrementSessions int    `json:"incrementSessions"`
	IncrementMessages int    `json:"incrementMessages"`
}

type refreshRequest struct {
	Token             string `json:"token"`
	AdditionalMinutes int    `json:"additionalMinutes"`
}

type deactivateResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token"`
}

type listTokensResponse struct {
	Tokens []token.Summary `json:"tokens"`
	Count  int             `json:"count"`
}

type cleanupResponse struct {
	Cleaned   int       `json:"cleaned"`
	Timestamp time.Time `json:"timestamp"`
}

func errTokenRequired() error {
	return errcode.New(errcode.MalformedRequest, "token is required")
}

// issueToken handles POST /api/v1/tokens.
func (h *Handler) issueToken(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	issued, err := h.deps.Issuer.Generate(r.Context(), req.OwnerID, token.Options{
		MaxSessions:       req.MaxSessions,
		MaxMessages:       req.MaxMessages,
		ExpirationMinutes: req.ExpirationMinutes,
	})
	if err != nil {
		h.logAudit(r.Context(), audit.NewEvent(audit.ActionTokenIssued).WithOwner(req.OwnerID).WithError(err))
		h.writeError(w, err)
		return
	}

	h.deps.Metrics.RecordTokenIssued()
	h.logAudit(r.Context(), audit.NewEvent(audit.ActionTokenIssued).
		WithOwner(req.OwnerID).
		WithToken(issued.TokenID).
		WithDetail(map[string]any{
			"maxSessions": issued.MaxSessions,
			"maxMessages": issued.MaxMessages,
			"degraded":    issued.Degraded,
		}))
	writeJSON(w, http.StatusCreated, issued)
}

// validateToken handles POST /api/v1/tokens/validate. A failed validation is
// a 200 with isValid false.
func (h *Handler) validateToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if req.Token == "" {
		h.writeError(w, errTokenRequired())
		return
	}

	v := h.deps.Validator.Validate(r.Context(), req.Token)
	if !v.Valid {
		h.deps.Metrics.RecordValidationFailure(string(v.Reason))
	}
	writeJSON(w, http.StatusOK, v)
}

// updateUsage handles POST /api/v1/tokens/usage.
func (h *Handler) updateUsage(w http.ResponseWriter, r *http.Request) {
	var req usageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if req.Token == "" {
		h.writeError(w, errTokenRequired())
		return
	}

	usage, err := h.deps.Ledger.UpdateUsage(r.Context(), req.Token, req.IncrementSessions, req.IncrementMessages)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

// refreshToken handles POST /api/v1/tokens/refresh.
func (h *Handler) refreshToken(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if req.Token == "" {
		h.writeError(w, errTokenRequired())
		return
	}

	refreshed, err := h.deps.Ledger.Refresh(r.Context(), req.Token, req.AdditionalMinutes)
	if err != nil {
		h.logAudit(r.Context(), audit.NewEvent(audit.ActionTokenRefreshed).WithError(err))
		h.writeError(w, err)
		return
	}

	h.deps.Metrics.RecordTokenRefreshed()
	h.logAudit(r.Context(), audit.NewEvent(audit.ActionTokenRefreshed).
		WithDetail(map[string]any{"expiresAt": refreshed.ExpiresAt}))
	writeJSON(w, http.StatusOK, refreshed)
}

// deactivateToken handles POST /api/v1/tokens/deactivate.
func (h *Handler) deactivateToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if req.Token == "" {
		h.writeError(w, errTokenRequired())
		return
	}

	t, err := h.deps.Ledger.Deactivate(r.Context(), req.Token)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.deps.Metrics.RecordTokenDeactivated()
	h.logAudit(r.Context(), audit.NewEvent(audit.ActionTokenDeactivated).WithOwner(t.OwnerID).WithToken(t.ID))
	writeJSON(w, http.StatusOK, deactivateResponse{Success: true, Token: req.Token})
}

// listTokens handles GET /api/v1/tokens?ownerId=.
func (h *Handler) listTokens(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("ownerId")
	if ownerID == "" {
		h.writeError(w, errcode.New(errcode.MalformedRequest, "ownerId is required"))
		return
	}

	tokens, err := h.deps.Ledger.ListByOwner(r.Context(), ownerID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listTokensResponse{Tokens: tokens, Count: len(tokens)})
}

// cleanupTokens handles POST /api/v1/tokens/cleanup.
func (h *Handler) cleanupTokens(w http.ResponseWriter, r *http.Request) {
	n, err := h.deps.Ledger.CleanupExpired(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.deps.Metrics.RecordTokensCleaned(n)
	h.logAudit(r.Context(), audit.NewEvent(audit.ActionTokenCleanup).WithDetail(map[string]any{"cleaned": n}))
	writeJSON(w, http.StatusOK, cleanupResponse{Cleaned: n, Timestamp: h.now()})
}
