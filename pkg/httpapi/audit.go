package httpapi

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/txn2/live-gateway/pkg/audit"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500

	paramStartTime = "start_time"
	paramEndTime   = "end_time"
)

// auditEventResponse wraps a page of audit events.
type auditEventResponse struct {
	Data    []audit.Event `json:"data"`
	Page    int           `json:"page"`
	PerPage int           `json:"perPage"`
}

// listAuditEvents handles GET /api/v1/audit.
func (h *Handler) listAuditEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.QueryFilter{
		Action:    audit.Action(q.Get("action")),
		OwnerID:   q.Get("owner_id"),
		SessionID: q.Get("session_id"),
		StartTime: parseTimeParam(q, paramStartTime),
		EndTime:   parseTimeParam(q, paramEndTime),
	}

	if v := q.Get("success"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			filter.Success = &b
		}
	}

	filter.Limit = parseLimit(q)
	if filter.Limit <= 0 {
		filter.Limit = defaultAuditLimit
	}
	filter.Limit = min(filter.Limit, maxAuditLimit)
	filter.Offset = parsePageOffset(q, filter.Limit)

	events, err := h.deps.Audit.Query(r.Context(), filter)
	if err != nil {
		h.logger.Error("httpapi: querying audit events failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to query audit events"})
		return
	}
	if events == nil {
		events = []audit.Event{}
	}

	writeJSON(w, http.StatusOK, auditEventResponse{
		Data:    events,
		Page:    filter.Offset/filter.Limit + 1,
		PerPage: filter.Limit,
	})
}

// getAuditBreakdown handles GET /api/v1/audit/breakdown.
func (h *Handler) getAuditBreakdown(w http.ResponseWriter, r *http.Request) {
	analyzer, ok := h.deps.Audit.(audit.Analyzer)
	if !ok {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "audit breakdown is not available"})
		return
	}

	q := r.URL.Query()
	groupBy := audit.BreakdownDimension(q.Get("group_by"))
	if groupBy == "" {
		groupBy = audit.BreakdownByAction
	}
	if !audit.ValidBreakdownDimensions[groupBy] {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid group_by: must be action or owner_id"})
		return
	}

	limit := 0
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	entries, err := analyzer.Breakdown(r.Context(), audit.BreakdownFilter{
		GroupBy:   groupBy,
		Limit:     audit.ClampBreakdownLimit(limit),
		StartTime: parseTimeParam(q, paramStartTime),
		EndTime:   parseTimeParam(q, paramEndTime),
	})
	if err != nil {
		h.logger.Error("httpapi: audit breakdown failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to query breakdown"})
		return
	}
	if entries == nil {
		entries = []audit.BreakdownEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// parseTimeParam parses an RFC 3339 query parameter, ignoring bad input.
func parseTimeParam(q url.Values, key string) *time.Time {
	v := q.Get(key)
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil
	}
	return &t
}

// parseLimit parses the per_page query parameter.
func parseLimit(q url.Values) int {
	if v := q.Get("per_page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

// parsePageOffset converts the 1-based page parameter into an offset.
func parsePageOffset(q url.Values, limit int) int {
	if v := q.Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return (n - 1) * limit
		}
	}
	return 0
}
