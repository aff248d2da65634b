package audit

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

const defaultMemoryCapacity = 1000

// MemoryLogger keeps the most recent events in memory and mirrors each one
// to slog. Used when no database is configured.
type MemoryLogger struct {
	mu       sync.RWMutex
	events   []Event
	capacity int
	logger   *slog.Logger
}

// NewMemoryLogger creates a MemoryLogger holding at most capacity events.
func NewMemoryLogger(capacity int, logger *slog.Logger) *MemoryLogger {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryLogger{capacity: capacity, logger: logger}
}

// Log appends the event, evicting the oldest when full.
func (m *MemoryLogger) Log(_ context.Context, event Event) error {
	m.mu.Lock()
	if len(m.events) == m.capacity {
		m.events = slices.Delete(m.events, 0, 1)
	}
	m.events = append(m.events, event)
	m.mu.Unlock()

	m.logger.Debug("audit: event",
		"action", event.Action,
		"owner_id", event.OwnerID,
		"session_id", event.SessionID,
		"success", event.Success,
	)
	return nil
}

// Query returns matching events, newest first.
func (m *MemoryLogger) Query(_ context.Context, filter QueryFilter) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Event, 0)
	skipped := 0
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if !filter.Matches(e) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Breakdown groups held events by dimension, largest count first.
func (m *MemoryLogger) Breakdown(_ context.Context, filter BreakdownFilter) ([]BreakdownEntry, error) {
	if !ValidBreakdownDimensions[filter.GroupBy] {
		return nil, fmt.Errorf("invalid breakdown dimension: %q", filter.GroupBy)
	}
	start, end := DefaultTimeRange(filter.StartTime, filter.EndTime)
	within := QueryFilter{StartTime: &start, EndTime: &end}

	type tally struct{ count, success int }
	tallies := make(map[string]*tally)

	m.mu.RLock()
	for _, e := range m.events {
		if !within.Matches(e) {
			continue
		}
		key := string(e.Action)
		if filter.GroupBy == BreakdownByOwnerID {
			key = e.OwnerID
		}
		t, ok := tallies[key]
		if !ok {
			t = &tally{}
			tallies[key] = t
		}
		t.count++
		if e.Success {
			t.success++
		}
	}
	m.mu.RUnlock()

	entries := make([]BreakdownEntry, 0, len(tallies))
	for dim, t := range tallies {
		entries = append(entries, BreakdownEntry{
			Dimension:   dim,
			Count:       t.count,
			SuccessRate: float64(t.success) / float64(t.count),
		})
	}
	slices.SortFunc(entries, func(a, b BreakdownEntry) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Dimension, b.Dimension)
	})

	limit := ClampBreakdownLimit(filter.Limit)
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Close is a no-op.
func (*MemoryLogger) Close() error { return nil }

// NopLogger discards events.
type NopLogger struct{}

// Log discards the event.
func (NopLogger) Log(context.Context, Event) error { return nil }

// Query returns no events.
func (NopLogger) Query(context.Context, QueryFilter) ([]Event, error) { return []Event{}, nil }

// Close is a no-op.
func (NopLogger) Close() error { return nil }

// Verify interface compliance.
var (
	_ Logger   = (*MemoryLogger)(nil)
	_ Analyzer = (*MemoryLogger)(nil)
	_ Logger   = NopLogger{}
)
