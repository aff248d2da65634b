package audit

import "time"

// BreakdownDimension defines valid group-by dimensions.
type BreakdownDimension string

const (
	// BreakdownByAction groups by action.
	BreakdownByAction BreakdownDimension = "action"

	// BreakdownByOwnerID groups by owner.
	BreakdownByOwnerID BreakdownDimension = "owner_id"
)

// ValidBreakdownDimensions is the set of allowed group-by values.
var ValidBreakdownDimensions = map[BreakdownDimension]bool{
	BreakdownByAction:  true,
	BreakdownByOwnerID: true,
}

// BreakdownFilter controls breakdown query parameters.
type BreakdownFilter struct {
	GroupBy   BreakdownDimension
	Limit     int
	StartTime *time.Time
	EndTime   *time.Time
}

// BreakdownEntry holds aggregated stats for a single dimension value.
type BreakdownEntry struct {
	Dimension   string  `json:"dimension"`
	Count       int     `json:"count"`
	SuccessRate float64 `json:"successRate"`
}

const (
	defaultBreakdownLimit = 10
	maxBreakdownLimit     = 100
	defaultMetricsWindow  = 24 * time.Hour
)

// ClampBreakdownLimit applies default and max bounds to a breakdown limit.
func ClampBreakdownLimit(limit int) int {
	if limit <= 0 {
		return defaultBreakdownLimit
	}
	if limit > maxBreakdownLimit {
		return maxBreakdownLimit
	}
	return limit
}

// DefaultTimeRange returns the start and end times, defaulting to the last 24h.
func DefaultTimeRange(start, end *time.Time) (startTime, endTime time.Time) {
	now := time.Now()
	startTime = now.Add(-defaultMetricsWindow)
	endTime = now
	if start != nil {
		startTime = *start
	}
	if end != nil {
		endTime = *end
	}
	return startTime, endTime
}

