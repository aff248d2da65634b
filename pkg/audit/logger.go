// Package audit records token and session lifecycle events.
package audit

import (
	"context"
	"time"
)

// Logger defines the interface for audit logging.
type Logger interface {
	// Log records an audit event.
	Log(ctx context.Context, event Event) error

	// Query retrieves audit events matching the filter, newest first.
	Query(ctx context.Context, filter QueryFilter) ([]Event, error)

	// Close releases resources.
	Close() error
}

// Analyzer is implemented by loggers that can aggregate events.
type Analyzer interface {
	Breakdown(ctx context.Context, filter BreakdownFilter) ([]BreakdownEntry, error)
}

// Event represents an auditable event.
type Event struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Action       Action         `json:"action"`
	OwnerID      string         `json:"ownerId,omitempty"`
	SessionID    string         `json:"sessionId,omitempty"`
	TokenID      string         `json:"tokenId,omitempty"`
	Success      bool           `json:"success"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	Detail       map[string]any `json:"detail,omitempty"`
}

// QueryFilter defines criteria for querying audit events.
type QueryFilter struct {
	StartTime *time.Time
	EndTime   *time.Time
	Action    Action
	OwnerID   string
	SessionID string
	Success   *bool
	Limit     int
	Offset    int
}

// Matches reports whether e satisfies every set criterion of f.
// Limit and Offset are ignored.
func (f QueryFilter) Matches(e Event) bool {
	switch {
	case f.StartTime != nil && e.Timestamp.Before(*f.StartTime):
		return false
	case f.EndTime != nil && e.Timestamp.After(*f.EndTime):
		return false
	case f.Action != "" && e.Action != f.Action:
		return false
	case f.OwnerID != "" && e.OwnerID != f.OwnerID:
		return false
	case f.SessionID != "" && e.SessionID != f.SessionID:
		return false
	case f.Success != nil && e.Success != *f.Success:
		return false
	}
	return true
}

// Config configures audit logging.
type Config struct {
	Enabled       bool `yaml:"enabled"`
	RetentionDays int  `yaml:"retention_days"`

	// MemoryCapacity bounds the in-memory logger used without a database.
	MemoryCapacity int `yaml:"memory_capacity"`
}
