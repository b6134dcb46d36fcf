package services

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCleanupMetrics_RunningAverage(t *testing.T) {
	m := NewCleanupMetrics(nil)
	now := time.Now()

	m.RecordSuccess(now, 10*time.Millisecond, 1)
	m.RecordSuccess(now, 20*time.Millisecond, 1)
	m.RecordFailure(now, 500*time.Millisecond, errors.New("boom"), "")
	m.RecordSuccess(now, 30*time.Millisecond, 1)

	snap := m.Snapshot()
	assert.InDelta(t, 20.0, snap.AverageCleanupMs, 0.001, "failed runs do not move the average")
	assert.EqualValues(t, 3, snap.TotalTokensDeleted)
	assert.Equal(t, snap.TotalRuns, snap.SuccessfulRuns+snap.FailedRuns)
	assert.NotNil(t, snap.LastFailure)
	assert.Equal(t, "healthy", snap.Status)
}

func TestCleanupMetrics_CriticalAfterTwoConsecutiveFailures(t *testing.T) {
	bus := &recordingBus{}
	m := NewCleanupMetrics(bus)
	now := time.Now()

	m.RecordFailure(now, time.Millisecond, errors.New("a"), "")
	assert.Empty(t, bus.topics())

	m.RecordSuccess(now, time.Millisecond, 1)
	m.RecordFailure(now, time.Millisecond, errors.New("b"), "")
	assert.Empty(t, bus.topics(), "a success resets the streak")

	m.RecordFailure(now, time.Millisecond, errors.New("c"), "")
	assert.Equal(t, []string{TopicCleanupCritical}, bus.topics())
	assert.Equal(t, "degraded", m.Snapshot().Status)
}

func TestCleanupMetrics_StalledAfterMoreThanThreeEmptyRuns(t *testing.T) {
	bus := &recordingBus{}
	m := NewCleanupMetrics(bus)
	now := time.Now()

	for i := 0; i < 3; i++ {
		m.RecordSuccess(now, time.Millisecond, 0)
	}
	assert.Empty(t, bus.topics())

	m.RecordFailure(now, time.Millisecond, errors.New("x"), "")
	m.RecordSuccess(now, time.Millisecond, 0)
	assert.Equal(t, []string{TopicCleanupStalled}, bus.topics(), "failures do not reset the empty streak")

	m.RecordSuccess(now, time.Millisecond, 5)
	m.RecordSuccess(now, time.Millisecond, 0)
	assert.Len(t, bus.topics(), 1)
}
