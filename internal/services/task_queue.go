package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rupaya/backend/internal/config"
	"github.com/rupaya/backend/pkg/logger"
)

const (
	TaskTypeCanaryAdvance = "canary:advance"
)

var ErrAdvanceAlreadyScheduled = errors.New("canary advance already scheduled for this stage")

// CanaryAdvanceTask asks the worker to move FlagKey past FromStage.
// A task whose flag has already left FromStage is dropped.
type CanaryAdvanceTask struct {
	FlagKey     string `json:"flag_key"`
	FromStage   int    `json:"from_stage"`
	RequestedBy string `json:"requested_by"`
	// Continue re-schedules the following stage after its duration.
	Continue bool `json:"continue"`
}

func (t *CanaryAdvanceTask) id() string {
	return fmt.Sprintf("canary-advance:%s:%d", t.FlagKey, t.FromStage)
}

// TaskQueue defines the interface for delayed canary advancement
type TaskQueue interface {
	// Enqueue schedules task to run after delay
	Enqueue(task *CanaryAdvanceTask, delay time.Duration) error
	// IsAsync returns true if tasks survive a restart (Redis-backed)
	IsAsync() bool
	// Close gracefully shuts down the queue
	Close() error
}

// NewTaskQueue picks the Redis queue when Redis is configured and
// reachable, and the in-process queue otherwise.
func NewTaskQueue(cfg *config.RedisConfig) TaskQueue {
	if !cfg.Enabled {
		logger.Infof("[TaskQueue] Sync queue initialized (Redis disabled)")
		return NewSyncQueue()
	}
	queue, err := NewAsyncQueue(cfg)
	if err != nil {
		logger.Warnf("[TaskQueue] Redis unavailable, falling back to sync mode: %v", err)
		return NewSyncQueue()
	}
	logger.Infof("[TaskQueue] Async queue initialized with Redis at %s", cfg.Addr)
	return queue
}

func redisClientOpt(cfg *config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// AsyncQueue implements TaskQueue using asynq (Redis-based)
type AsyncQueue struct {
	client *asynq.Client
}

func NewAsyncQueue(cfg *config.RedisConfig) (*AsyncQueue, error) {
	redisOpt := redisClientOpt(cfg)
	client := asynq.NewClient(redisOpt)

	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()

	if _, err := inspector.Queues(); err != nil {
		client.Close()
		return nil, err
	}

	return &AsyncQueue{client: client}, nil
}

func (q *AsyncQueue) Enqueue(task *CanaryAdvanceTask, delay time.Duration) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}

	t := asynq.NewTask(TaskTypeCanaryAdvance, payload)
	info, err := q.client.Enqueue(t,
		asynq.Queue("default"),
		asynq.MaxRetry(3),
		asynq.ProcessIn(delay),
		asynq.TaskID(task.id()),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return ErrAdvanceAlreadyScheduled
	}
	if err != nil {
		return err
	}

	logger.Infof("[AsyncQueue] Task enqueued: id=%s, queue=%s, process_at=%s", info.ID, info.Queue, info.NextProcessAt.Format(time.RFC3339))
	return nil
}

func (q *AsyncQueue) IsAsync() bool {
	return true
}

func (q *AsyncQueue) Close() error {
	return q.client.Close()
}

// SyncQueue implements TaskQueue with in-process timers (no Redis).
// Pending tasks are lost on restart.
type SyncQueue struct {
	mu        sync.Mutex
	processor func(context.Context, *CanaryAdvanceTask) error
	timers    map[string]*time.Timer
	closed    bool
}

func NewSyncQueue() *SyncQueue {
	return &SyncQueue{timers: make(map[string]*time.Timer)}
}

// SetProcessor sets the function that runs due tasks
func (q *SyncQueue) SetProcessor(processor func(context.Context, *CanaryAdvanceTask) error) {
	q.mu.Lock()
	q.processor = processor
	q.mu.Unlock()
}

func (q *SyncQueue) Enqueue(task *CanaryAdvanceTask, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return errors.New("task queue closed")
	}
	if q.processor == nil {
		logger.Warnf("[SyncQueue] Warning: no processor set, task will be dropped")
		return nil
	}
	id := task.id()
	if _, ok := q.timers[id]; ok {
		return ErrAdvanceAlreadyScheduled
	}

	processor := q.processor
	q.timers[id] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, id)
		q.mu.Unlock()

		if err := processor(context.Background(), task); err != nil {
			logger.Errorf("[SyncQueue] Task processing failed: %v", err)
		}
	})
	return nil
}

// Pending returns the number of scheduled, not yet run tasks.
func (q *SyncQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers)
}

func (q *SyncQueue) IsAsync() bool {
	return false
}

// Close cancels every pending timer.
func (q *SyncQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	q.closed = true
	return nil
}
