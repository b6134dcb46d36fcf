package services

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rupaya/backend/internal/config"
	"github.com/rupaya/backend/pkg/logger"
)

var (
	ErrCleanupInProgress = errors.New("token cleanup already in progress")
	ErrCleanupLockHeld   = errors.New("token cleanup lock held by another instance")
)

const (
	cleanupLockName = "token_cleanup"
	cleanupLockKey  = "global"
)

type CleanupState string

const (
	CleanupIdle      CleanupState = "idle"
	CleanupRunning   CleanupState = "running"
	CleanupSucceeded CleanupState = "succeeded"
	CleanupFailed    CleanupState = "failed"
)

// TokenCleaner is the sweep the scheduler drives.
type TokenCleaner interface {
	CleanupRevokedTokens(ctx context.Context) (int64, error)
}

// CleanupStatus is the metrics snapshot plus scheduler state.
type CleanupStatus struct {
	CleanupSnapshot
	Enabled          bool         `json:"enabled"`
	State            CleanupState `json:"state"`
	LastOutcome      CleanupState `json:"lastOutcome,omitempty"`
	NextScheduledRun *time.Time   `json:"nextScheduledRun"`
}

// CleanupScheduler runs the revoked-token sweep on a fixed interval plus
// once at start. Runs never overlap and a failed run never stops the
// schedule.
type CleanupScheduler struct {
	cleaner TokenCleaner
	metrics *CleanupMetrics
	cfg     config.CleanupConfig
	locker  *SchedulerLocker

	cron    *cron.Cron
	entryID cron.EntryID

	running     atomic.Bool
	mu          sync.RWMutex
	lastOutcome CleanupState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    zerolog.Logger
}

func NewCleanupScheduler(cleaner TokenCleaner, metrics *CleanupMetrics, cfg config.CleanupConfig, locker *SchedulerLocker) *CleanupScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &CleanupScheduler{
		cleaner: cleaner,
		metrics: metrics,
		cfg:     cfg,
		locker:  locker,
		ctx:     ctx,
		cancel:  cancel,
		log:     logger.Component("cleanup"),
	}
}

func (s *CleanupScheduler) Start() error {
	if !s.cfg.Enabled {
		s.log.Info().Msg("token cleanup scheduler disabled")
		return nil
	}

	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	spec := fmt.Sprintf("@every %s", s.cfg.Interval)
	entryID, err := s.cron.AddFunc(spec, func() {
		s.runScheduled()
	})
	if err != nil {
		return fmt.Errorf("schedule token cleanup: %w", err)
	}
	s.entryID = entryID
	s.cron.Start()

	if s.cfg.RunOnStart {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runScheduled()
		}()
	}

	s.log.Info().
		Dur("interval", s.cfg.Interval).
		Dur("retention", s.cfg.Retention).
		Bool("run_on_start", s.cfg.RunOnStart).
		Msg("token cleanup scheduler started")
	return nil
}

// Stop halts the timer and waits for an in-flight run to return.
func (s *CleanupScheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.cancel()
	s.wg.Wait()
}

// runScheduled drops the outcome: RunOnce has already counted and logged it.
func (s *CleanupScheduler) runScheduled() {
	_, _ = s.RunOnce(s.ctx)
}

// RunOnce performs a single sweep and records its outcome. It returns
// ErrCleanupInProgress without running if a sweep is already active.
func (s *CleanupScheduler) RunOnce(ctx context.Context) (int64, error) {
	if !s.running.CompareAndSwap(false, true) {
		return 0, ErrCleanupInProgress
	}
	defer s.running.Store(false)

	if s.locker != nil && s.cfg.DistributedLock {
		ttl := s.cfg.Interval
		if ttl <= 0 {
			ttl = time.Hour
		}
		acquired, err := s.locker.TryAcquire(ctx, cleanupLockName, cleanupLockKey, ttl)
		if err != nil {
			s.log.Warn().Err(err).Msg("cleanup lock unavailable, running without it")
		} else if !acquired {
			s.log.Info().Msg("cleanup skipped, another instance holds the lock")
			return 0, ErrCleanupLockHeld
		} else {
			defer func() {
				if err := s.locker.Release(context.Background(), cleanupLockName, cleanupLockKey); err != nil {
					s.log.Warn().Err(err).Msg("failed to release cleanup lock")
				}
			}()
		}
	}

	start := time.Now()
	deleted, stack, err := s.sweep(ctx)
	duration := time.Since(start)
	finished := time.Now().UTC()

	if err != nil {
		s.metrics.RecordFailure(finished, duration, err, stack)
		s.setOutcome(CleanupFailed)
		s.log.Error().Err(err).Str("stack", stack).Dur("duration", duration).Msg("token cleanup failed")
		return 0, err
	}

	s.metrics.RecordSuccess(finished, duration, deleted)
	s.setOutcome(CleanupSucceeded)
	s.log.Info().Int64("deleted", deleted).Dur("duration", duration).Msg("token cleanup completed")
	return deleted, nil
}

// sweep converts a panic in the store into an ordinary failed run.
func (s *CleanupScheduler) sweep(ctx context.Context) (deleted int64, stack string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cleanup panicked: %v", r)
			stack = string(debug.Stack())
		}
	}()
	deleted, err = s.cleaner.CleanupRevokedTokens(ctx)
	return deleted, "", err
}

func (s *CleanupScheduler) setOutcome(state CleanupState) {
	s.mu.Lock()
	s.lastOutcome = state
	s.mu.Unlock()
}

func (s *CleanupScheduler) State() CleanupState {
	if s.running.Load() {
		return CleanupRunning
	}
	return CleanupIdle
}

func (s *CleanupScheduler) NextScheduledRun() *time.Time {
	if s.cron == nil || s.entryID == 0 {
		return nil
	}
	next := s.cron.Entry(s.entryID).Next
	if next.IsZero() {
		return nil
	}
	next = next.UTC()
	return &next
}

func (s *CleanupScheduler) Status() CleanupStatus {
	s.mu.RLock()
	outcome := s.lastOutcome
	s.mu.RUnlock()

	return CleanupStatus{
		CleanupSnapshot:  s.metrics.Snapshot(),
		Enabled:          s.cfg.Enabled,
		State:            s.State(),
		LastOutcome:      outcome,
		NextScheduledRun: s.NextScheduledRun(),
	}
}
