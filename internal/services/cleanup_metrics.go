package services

import (
	"sync"
	"time"
)

const (
	criticalFailureStreak = 2
	stalledEmptyStreak    = 3
)

// CleanupSnapshot is the JSON view served at /admin/cleanup-metrics.
type CleanupSnapshot struct {
	TotalRuns            int64      `json:"totalRuns"`
	SuccessfulRuns       int64      `json:"successfulRuns"`
	FailedRuns           int64      `json:"failedRuns"`
	TotalTokensDeleted   int64      `json:"totalTokensDeleted"`
	AverageCleanupMs     float64    `json:"averageCleanupMs"`
	LastRun              *time.Time `json:"lastRun"`
	LastSuccess          *time.Time `json:"lastSuccess"`
	LastFailure          *time.Time `json:"lastFailure"`
	LastErrorMessage     string     `json:"lastErrorMessage,omitempty"`
	LastErrorStack       string     `json:"lastErrorStack,omitempty"`
	LastDeleted          int64      `json:"lastDeleted"`
	LastDurationMs       float64    `json:"lastDurationMs"`
	ConsecutiveFailures  int        `json:"consecutiveFailures"`
	ConsecutiveEmptyRuns int        `json:"consecutiveEmptyRuns"`
	Status               string     `json:"status"`
}

// CleanupMetrics aggregates revoked-token sweep outcomes for the life of
// the process. It is owned by whoever constructs it and shared explicitly
// with the scheduler and the admin handler.
type CleanupMetrics struct {
	mu     sync.RWMutex
	alerts AlertPublisher
	s      CleanupSnapshot
}

func NewCleanupMetrics(alerts AlertPublisher) *CleanupMetrics {
	return &CleanupMetrics{alerts: alerts}
}

func (m *CleanupMetrics) RecordSuccess(at time.Time, duration time.Duration, deleted int64) {
	var alert *Alert

	m.mu.Lock()
	ms := float64(duration.Microseconds()) / 1000
	m.s.TotalRuns++
	m.s.SuccessfulRuns++
	m.s.TotalTokensDeleted += deleted
	n := float64(m.s.SuccessfulRuns)
	m.s.AverageCleanupMs = (m.s.AverageCleanupMs*(n-1) + ms) / n
	m.s.LastRun = timePtr(at)
	m.s.LastSuccess = timePtr(at)
	m.s.LastErrorMessage = ""
	m.s.LastErrorStack = ""
	m.s.LastDeleted = deleted
	m.s.LastDurationMs = ms
	m.s.ConsecutiveFailures = 0

	if deleted == 0 {
		m.s.ConsecutiveEmptyRuns++
	} else {
		m.s.ConsecutiveEmptyRuns = 0
	}
	if m.s.ConsecutiveEmptyRuns > stalledEmptyStreak {
		alert = &Alert{
			Topic:    TopicCleanupStalled,
			Severity: SeverityWarning,
			Message:  "possible stalled revocation pipeline: cleanup keeps deleting nothing",
			Details:  map[string]interface{}{"consecutiveEmptyRuns": m.s.ConsecutiveEmptyRuns},
		}
	}
	m.mu.Unlock()

	if alert != nil {
		alert.Timestamp = at
		publishAlert(m.alerts, *alert)
	}
}

// RecordFailure counts a failed sweep. It does not touch the empty-run
// streak, which only successful runs move.
func (m *CleanupMetrics) RecordFailure(at time.Time, duration time.Duration, err error, stack string) {
	var alert *Alert

	m.mu.Lock()
	m.s.TotalRuns++
	m.s.FailedRuns++
	m.s.LastRun = timePtr(at)
	m.s.LastFailure = timePtr(at)
	m.s.LastErrorMessage = err.Error()
	m.s.LastErrorStack = stack
	m.s.LastDurationMs = float64(duration.Microseconds()) / 1000
	m.s.ConsecutiveFailures++

	if m.s.ConsecutiveFailures >= criticalFailureStreak {
		alert = &Alert{
			Topic:    TopicCleanupCritical,
			Severity: SeverityCritical,
			Message:  "revoked token cleanup chronically failing",
			Details: map[string]interface{}{
				"consecutiveFailures": m.s.ConsecutiveFailures,
				"error":               err.Error(),
			},
		}
	}
	m.mu.Unlock()

	if alert != nil {
		alert.Timestamp = at
		publishAlert(m.alerts, *alert)
	}
}

func (m *CleanupMetrics) Snapshot() CleanupSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := m.s
	snap.Status = "healthy"
	if snap.ConsecutiveFailures > 0 {
		snap.Status = "degraded"
	}
	return snap
}

func timePtr(t time.Time) *time.Time {
	return &t
}
