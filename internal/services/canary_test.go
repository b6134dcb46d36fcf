package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rupaya/backend/internal/services/featureflags"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const paymentCanary = "canary.new-payment-processor"

func newTestCanaryScheduler(t *testing.T) (*CanaryScheduler, *featureflags.Registry, *SyncQueue) {
	t.Helper()
	reg := featureflags.NewRegistry(featureflags.EnvStaging, nil, nil)
	queue := NewSyncQueue()
	t.Cleanup(func() { _ = queue.Close() })
	return NewCanaryScheduler(reg, queue), reg, queue
}

func currentStage(t *testing.T, reg *featureflags.Registry, key string) int {
	t.Helper()
	def, err := reg.Get(context.Background(), key)
	require.NoError(t, err)
	return def.CurrentStage
}

func TestCanaryScheduler_ScheduleRunsAfterDelay(t *testing.T) {
	s, reg, queue := newTestCanaryScheduler(t)

	task, delay, err := s.Schedule(context.Background(), paymentCanary, 10*time.Millisecond, false, "admin")
	require.NoError(t, err)
	assert.Equal(t, 0, task.FromStage)
	assert.Equal(t, 10*time.Millisecond, delay)
	assert.Equal(t, 1, queue.Pending())

	require.Eventually(t, func() bool { return currentStage(t, reg, paymentCanary) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return queue.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestCanaryScheduler_DefaultDelayIsStageDuration(t *testing.T) {
	s, _, queue := newTestCanaryScheduler(t)

	_, delay, err := s.Schedule(context.Background(), paymentCanary, 0, false, "admin")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, delay)
	assert.Equal(t, 1, queue.Pending())
}

func TestCanaryScheduler_DuplicateSchedule(t *testing.T) {
	s, _, _ := newTestCanaryScheduler(t)
	ctx := context.Background()

	_, _, err := s.Schedule(ctx, paymentCanary, time.Hour, false, "admin")
	require.NoError(t, err)
	_, _, err = s.Schedule(ctx, paymentCanary, time.Hour, false, "admin")
	assert.True(t, errors.Is(err, ErrAdvanceAlreadyScheduled))
}

func TestCanaryScheduler_Rejections(t *testing.T) {
	s, reg, _ := newTestCanaryScheduler(t)
	ctx := context.Background()

	_, _, err := s.Schedule(ctx, "feature.new-dashboard", time.Minute, false, "admin")
	assert.True(t, errors.Is(err, featureflags.ErrNotCanary))

	_, _, err = s.Schedule(ctx, "canary.missing", time.Minute, false, "admin")
	assert.True(t, errors.Is(err, featureflags.ErrUnknownFlag))

	for i := 0; i < 4; i++ {
		_, err := reg.AdvanceCanary(ctx, paymentCanary, "admin")
		require.NoError(t, err)
	}
	_, _, err = s.Schedule(ctx, paymentCanary, time.Minute, false, "admin")
	assert.True(t, errors.Is(err, featureflags.ErrFinalStage))
}

func TestCanaryScheduler_ProcessDropsStaleTasks(t *testing.T) {
	s, reg, _ := newTestCanaryScheduler(t)
	ctx := context.Background()

	_, err := reg.AdvanceCanary(ctx, paymentCanary, "admin")
	require.NoError(t, err)

	// stage already moved past 0
	require.NoError(t, s.Process(ctx, &CanaryAdvanceTask{FlagKey: paymentCanary, FromStage: 0}))
	assert.Equal(t, 1, currentStage(t, reg, paymentCanary))

	// rolled back flags stay put
	_, err = reg.RollbackCanary(ctx, paymentCanary, "manual", "admin")
	require.NoError(t, err)
	require.NoError(t, s.Process(ctx, &CanaryAdvanceTask{FlagKey: paymentCanary, FromStage: 1}))
	assert.Equal(t, 1, currentStage(t, reg, paymentCanary))

	require.NoError(t, s.Process(ctx, &CanaryAdvanceTask{FlagKey: "canary.gone", FromStage: 0}))
}

func TestCanaryScheduler_ProcessContinueSchedulesNextStage(t *testing.T) {
	s, reg, queue := newTestCanaryScheduler(t)
	ctx := context.Background()

	require.NoError(t, s.Process(ctx, &CanaryAdvanceTask{FlagKey: paymentCanary, FromStage: 0, RequestedBy: "admin", Continue: true}))
	assert.Equal(t, 1, currentStage(t, reg, paymentCanary))
	assert.Equal(t, 1, queue.Pending(), "next stage scheduled after its duration")

	require.NoError(t, s.Process(ctx, &CanaryAdvanceTask{FlagKey: paymentCanary, FromStage: 1, RequestedBy: "admin"}))
	assert.Equal(t, 2, currentStage(t, reg, paymentCanary))
}
