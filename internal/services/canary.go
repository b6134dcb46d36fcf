package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rupaya/backend/internal/services/featureflags"
	"github.com/rupaya/backend/pkg/logger"
)

// CanaryRegistry is the registry surface the canary controller drives.
type CanaryRegistry interface {
	Get(ctx context.Context, key string) (*featureflags.Definition, error)
	Effective(ctx context.Context, key string) (*featureflags.Definition, error)
	AdvanceCanary(ctx context.Context, key, updatedBy string) (*featureflags.Definition, error)
}

// CanaryScheduler schedules and applies stage advancement. Advancement
// only happens through Advance or a scheduled task; evaluation never moves
// a stage.
type CanaryScheduler struct {
	registry CanaryRegistry
	queue    TaskQueue
	log      zerolog.Logger
}

func NewCanaryScheduler(registry CanaryRegistry, queue TaskQueue) *CanaryScheduler {
	s := &CanaryScheduler{
		registry: registry,
		queue:    queue,
		log:      logger.Component("canary"),
	}
	if sq, ok := queue.(*SyncQueue); ok {
		sq.SetProcessor(s.Process)
	}
	return s
}

// Schedule queues an advance of key past its current stage. A zero delay
// uses the current stage's configured duration.
func (s *CanaryScheduler) Schedule(ctx context.Context, key string, delay time.Duration, continueRollout bool, requestedBy string) (*CanaryAdvanceTask, time.Duration, error) {
	def, err := s.registry.Get(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	if def.Type != featureflags.TypeCanary {
		return nil, 0, fmt.Errorf("%w: %s", featureflags.ErrNotCanary, key)
	}
	if def.CurrentStage >= len(def.Stages)-1 {
		return nil, 0, fmt.Errorf("%w: %s", featureflags.ErrFinalStage, key)
	}
	if delay <= 0 {
		delay = time.Duration(def.Stages[def.CurrentStage].DurationMinutes) * time.Minute
	}

	task := &CanaryAdvanceTask{
		FlagKey:     key,
		FromStage:   def.CurrentStage,
		RequestedBy: requestedBy,
		Continue:    continueRollout,
	}
	if err := s.queue.Enqueue(task, delay); err != nil {
		return nil, 0, err
	}
	s.log.Info().Str("flag", key).Int("from_stage", task.FromStage).Dur("delay", delay).
		Bool("continue", continueRollout).Msg("canary advance scheduled")
	return task, delay, nil
}

// Process applies a due task. Stale tasks (stage already moved, flag
// rolled back) are dropped without error so the queue does not retry them.
func (s *CanaryScheduler) Process(ctx context.Context, task *CanaryAdvanceTask) error {
	def, err := s.registry.Effective(ctx, task.FlagKey)
	if errors.Is(err, featureflags.ErrUnknownFlag) {
		s.log.Warn().Str("flag", task.FlagKey).Msg("dropping advance for unknown flag")
		return nil
	}
	if err != nil {
		return err
	}
	if def.CurrentStage != task.FromStage {
		s.log.Info().Str("flag", task.FlagKey).Int("from_stage", task.FromStage).
			Int("current_stage", def.CurrentStage).Msg("dropping stale canary advance")
		return nil
	}
	if !def.Enabled {
		s.log.Warn().Str("flag", task.FlagKey).Msg("canary disabled, not advancing")
		return nil
	}

	next, err := s.registry.AdvanceCanary(ctx, task.FlagKey, task.RequestedBy)
	if errors.Is(err, featureflags.ErrFinalStage) {
		return nil
	}
	if err != nil {
		return err
	}

	if task.Continue && next.CurrentStage < len(next.Stages)-1 {
		if _, _, err := s.Schedule(ctx, task.FlagKey, 0, true, task.RequestedBy); err != nil && !errors.Is(err, ErrAdvanceAlreadyScheduled) {
			s.log.Error().Err(err).Str("flag", task.FlagKey).Msg("failed to schedule next canary stage")
		}
	}
	return nil
}
