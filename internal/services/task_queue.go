package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/hibiken/asynq"
	"github.com/huangang/featurehub/internal/config"
	"github.com/huangang/featurehub/pkg/logger"
)

const (
	TaskTypeSync = "sync:outbound"
)

// Sync task kinds. Each one is a best-effort side effect of a local write
// that already committed.
const (
	SyncKindPushComment    = "push_comment"
	SyncKindPushFields     = "push_fields"
	SyncKindCreateWorkItem = "create_work_item"
)

// ErrTaskPermanent marks a task failure that retrying cannot fix (bad token,
// missing configuration, deleted work item).
var ErrTaskPermanent = errors.New("task failed permanently")

// SyncTask is one outbound sync job.
type SyncTask struct {
	Kind      string `json:"kind"`
	FeatureID uint   `json:"feature_id"`
	CommentID uint   `json:"comment_id,omitempty"`
}

func (t *SyncTask) String() string {
	if t.CommentID != 0 {
		return fmt.Sprintf("%s feature=%d comment=%d", t.Kind, t.FeatureID, t.CommentID)
	}
	return fmt.Sprintf("%s feature=%d", t.Kind, t.FeatureID)
}

// TaskProcessor runs a sync task.
type TaskProcessor func(context.Context, *SyncTask) error

// TaskQueue accepts sync tasks. Enqueue never blocks on the provider.
type TaskQueue interface {
	Enqueue(task *SyncTask) error
	IsAsync() bool
	Close() error
}

// NewTaskQueue picks the asynq queue when Redis is enabled and reachable,
// else the in-process queue.
func NewTaskQueue(cfg *config.RedisConfig) TaskQueue {
	if cfg.Enabled {
		queue, err := NewAsyncQueue(cfg)
		if err == nil {
			logger.Infof("[TaskQueue] Async queue initialized with Redis at %s", cfg.Addr)
			return queue
		}
		logger.Warnf("[TaskQueue] Redis unavailable, falling back to in-process queue: %v", err)
	}
	logger.Infof("[TaskQueue] In-process queue initialized")
	return NewSyncQueue()
}

// AsyncQueue hands tasks to asynq workers.
type AsyncQueue struct {
	client *asynq.Client
}

func redisClientOpt(cfg *config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

func NewAsyncQueue(cfg *config.RedisConfig) (*AsyncQueue, error) {
	opt := redisClientOpt(cfg)
	client := asynq.NewClient(opt)

	inspector := asynq.NewInspector(opt)
	defer inspector.Close()
	if _, err := inspector.Queues(); err != nil {
		client.Close()
		return nil, err
	}

	return &AsyncQueue{client: client}, nil
}

func (q *AsyncQueue) Enqueue(task *SyncTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}

	info, err := q.client.Enqueue(asynq.NewTask(TaskTypeSync, payload),
		asynq.Queue("default"),
		asynq.MaxRetry(3),
	)
	if err != nil {
		return err
	}

	logger.Debug().Str("task_id", info.ID).Str("task", task.String()).Msg("[AsyncQueue] task enqueued")
	return nil
}

func (q *AsyncQueue) IsAsync() bool { return true }

func (q *AsyncQueue) Close() error {
	return q.client.Close()
}

// SyncQueue runs each task on its own goroutine in this process. Failures
// are logged; there is no retry, the next sweep picks up what was missed.
type SyncQueue struct {
	mu        sync.RWMutex
	processor TaskProcessor
	wg        sync.WaitGroup
}

func NewSyncQueue() *SyncQueue {
	return &SyncQueue{}
}

func (q *SyncQueue) SetProcessor(processor TaskProcessor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processor = processor
}

func (q *SyncQueue) Enqueue(task *SyncTask) error {
	q.mu.RLock()
	processor := q.processor
	q.mu.RUnlock()

	if processor == nil {
		logger.Warnf("[SyncQueue] no processor set, dropping %s", task)
		return nil
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		if err := processor(context.Background(), task); err != nil {
			logger.Warn().Err(err).Str("task", task.String()).Msg("[SyncQueue] task failed")
		}
	}()
	return nil
}

// Wait blocks until every enqueued task has finished.
func (q *SyncQueue) Wait() {
	q.wg.Wait()
}

func (q *SyncQueue) IsAsync() bool { return false }

// Close waits for in-flight tasks.
func (q *SyncQueue) Close() error {
	q.wg.Wait()
	return nil
}
