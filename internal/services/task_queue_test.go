package services

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/huangang/featurehub/internal/config"
)

func TestSyncTask_String(t *testing.T) {
	tests := []struct {
		task SyncTask
		want string
	}{
		{SyncTask{Kind: SyncKindPushFields, FeatureID: 3}, "push_fields feature=3"},
		{SyncTask{Kind: SyncKindPushComment, FeatureID: 3, CommentID: 9}, "push_comment feature=3 comment=9"},
	}
	for _, tt := range tests {
		if got := tt.task.String(); got != tt.want {
			t.Errorf("String() = %q, expected %q", got, tt.want)
		}
	}
}

func TestSyncQueue_RunsProcessor(t *testing.T) {
	queue := NewSyncQueue()
	var processed int32
	queue.SetProcessor(func(ctx context.Context, task *SyncTask) error {
		atomic.AddInt32(&processed, 1)
		if task.FeatureID == 2 {
			return errors.New("provider down")
		}
		return nil
	})

	for i := uint(1); i <= 3; i++ {
		if err := queue.Enqueue(&SyncTask{Kind: SyncKindPushFields, FeatureID: i}); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}
	queue.Wait()

	if got := atomic.LoadInt32(&processed); got != 3 {
		t.Errorf("processed %d tasks, expected 3", got)
	}
}

func TestSyncQueue_WithoutProcessor(t *testing.T) {
	queue := NewSyncQueue()
	if err := queue.Enqueue(&SyncTask{Kind: SyncKindPushComment, FeatureID: 1}); err != nil {
		t.Errorf("Enqueue without processor should not error, got %v", err)
	}
	if queue.IsAsync() {
		t.Error("SyncQueue.IsAsync() should return false")
	}
	if err := queue.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestNewTaskQueue_FallsBackWithoutRedis(t *testing.T) {
	queue := NewTaskQueue(&config.RedisConfig{Enabled: false})
	if _, ok := queue.(*SyncQueue); !ok {
		t.Errorf("expected *SyncQueue, got %T", queue)
	}
}

func TestNewWorker_DisabledRedis(t *testing.T) {
	if w := NewWorker(&config.RedisConfig{Enabled: false}); w != nil {
		t.Error("NewWorker should return nil when Redis is disabled")
	}
}

func TestRetryPolicy(t *testing.T) {
	transient := errors.New("timeout")
	permanent := fmt.Errorf("bad token: %w", ErrTaskPermanent)

	if err := retryPolicy(nil); err != nil {
		t.Errorf("retryPolicy(nil) = %v", err)
	}
	if err := retryPolicy(transient); errors.Is(err, asynq.SkipRetry) {
		t.Error("transient errors should be retried")
	}
	if err := retryPolicy(permanent); !errors.Is(err, asynq.SkipRetry) {
		t.Error("permanent errors should skip retry")
	}
}
