package audit

import (
	"time"

	"github.com/google/uuid"
)

// Action names an audited operation.
type Action string

const (
	ActionTokenIssued      Action = "token_issued"
	ActionTokenRefreshed   Action = "token_refreshed"
	ActionTokenDeactivated Action = "token_deactivated"
	ActionTokenCleanup     Action = "token_cleanup"
	ActionSessionCreated   Action = "session_created"
	ActionSessionClosed    Action = "session_closed"
	ActionSessionErrored   Action = "session_errored"
	ActionSessionReaped    Action = "session_reaped"
)

// NewEvent creates a successful event for action, stamped now.
func NewEvent(action Action) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Action:    action,
		Success:   true,
	}
}

// WithOwner sets the owner.
func (e *Event) WithOwner(ownerID string) *Event {
	e.OwnerID = ownerID
	return e
}

// WithSession sets the session.
func (e *Event) WithSession(sessionID string) *Event {
	e.SessionID = sessionID
	return e
}

// WithToken sets the token record id. Never pass the secret.
func (e *Event) WithToken(tokenID string) *Event {
	e.TokenID = tokenID
	return e
}

// WithError marks the event failed.
func (e *Event) WithError(err error) *Event {
	if err == nil {
		return e
	}
	e.Success = false
	e.ErrorMessage = err.Error()
	return e
}

// WithDetail attaches detail after redacting sensitive keys.
func (e *Event) WithDetail(detail map[string]any) *Event {
	e.Detail = SanitizeDetail(detail)
	return e
}

// SanitizeDetail removes sensitive values from detail.
func SanitizeDetail(detail map[string]any) map[string]any {
	if detail == nil {
		return nil
	}

	sensitiveKeys := map[string]bool{
		"secret":        true,
		"token":         true,
		"api_key":       true,
		"apiKey":        true,
		"authorization": true,
	}

	sanitized := make(map[string]any, len(detail))
	for k, v := range detail {
		if sensitiveKeys[k] {
			sanitized[k] = "[REDACTED]"
		} else {
			sanitized[k] = v
		}
	}
	return sanitized
}
