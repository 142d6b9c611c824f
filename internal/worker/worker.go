package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/narrativekit/canon-engine/internal/services/events"
	"github.com/narrativekit/canon-engine/internal/services/queue"
	queuePkg "github.com/narrativekit/canon-engine/pkg/queue"
)

const (
	// dequeueTimeout bounds one blocking pop so shutdown is noticed.
	dequeueTimeout = 5 * time.Second

	// storyLockTTL caps how long a crashed worker can hold a story.
	storyLockTTL = 30 * time.Second
)

// Worker consumes turn tasks from the queue and runs them through the
// TurnProcessor. Multiple workers can share a queue; a Redis lock keeps
// two workers off the same story.
type Worker struct {
	id          string
	queue       *queue.TurnQueue
	processor   *TurnProcessor
	broadcaster *events.Broadcaster
	redisClient *redis.Client
	log         *slog.Logger
	ctx         context.Context
	cancel      context.CancelFunc
}

// New creates a worker. An empty workerID gets a generated one.
func New(turnQueue *queue.TurnQueue, processor *TurnProcessor, redisClient *redis.Client, log *slog.Logger, workerID string) *Worker {
	ctx, cancel := context.WithCancel(context.Background())

	if workerID == "" {
		workerID = fmt.Sprintf("worker-%s", uuid.NewString()[:8])
	}

	return &Worker{
		id:          workerID,
		queue:       turnQueue,
		processor:   processor,
		broadcaster: events.NewBroadcaster(redisClient, log),
		redisClient: redisClient,
		log:         log,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start begins processing tasks from the queue. It returns when Stop
// is called.
func (w *Worker) Start() error {
	w.log.Info("worker starting", "worker_id", w.id)

	for {
		select {
		case <-w.ctx.Done():
			w.log.Info("worker shutting down", "worker_id", w.id)
			return nil
		default:
			if err := w.processNextTask(); err != nil {
				w.log.Error("error processing task", "error", err, "worker_id", w.id)
				time.Sleep(1 * time.Second)
			}
		}
	}
}

// Stop shuts the worker down and cancels any in-flight turn.
func (w *Worker) Stop() {
	w.log.Info("worker stop requested", "worker_id", w.id)
	w.cancel()
	w.processor.CancelInFlight()
}

// processNextTask pulls the next task and runs it. An empty queue is
// not an error.
func (w *Worker) processNextTask() error {
	task, err := w.queue.BlockingDequeue(w.ctx, dequeueTimeout)
	if err != nil {
		if w.ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to dequeue turn task: %w", err)
	}
	if task == nil {
		return nil
	}

	storyID := task.Request.StoryID
	w.log.Info("received turn task",
		"worker_id", w.id,
		"task_id", task.TaskID,
		"story_id", storyID)

	locked, err := w.acquireStoryLock(storyID)
	if err != nil {
		return fmt.Errorf("failed to acquire story lock: %w", err)
	}
	if !locked {
		// Another worker holds this story. Put the task back and
		// move on.
		w.log.Info("story already locked, re-queueing task",
			"worker_id", w.id,
			"task_id", task.TaskID,
			"story_id", storyID)
		task.Attempts++
		if err := w.queue.Enqueue(w.ctx, task); err != nil {
			return fmt.Errorf("failed to re-queue task: %w", err)
		}
		return nil
	}

	defer w.releaseStoryLock(storyID)
	return w.processTask(task)
}

// processTask runs one task through the pipeline and stores the result.
func (w *Worker) processTask(task *queuePkg.TurnTask) error {
	storyID := task.Request.StoryID
	start := time.Now()

	if err := w.broadcaster.PublishTaskProcessing(w.ctx, storyID, task.TaskID); err != nil {
		w.log.Error("failed to publish processing notification", "error", err)
	}

	resp, err := w.processor.ProcessTurn(w.ctx, task.Request)
	if err != nil {
		w.log.Error("turn task failed",
			"worker_id", w.id,
			"task_id", task.TaskID,
			"story_id", storyID,
			"error", err)

		if pubErr := w.broadcaster.PublishTaskFailed(w.ctx, storyID, task.TaskID, err.Error()); pubErr != nil {
			w.log.Error("failed to publish failure notification", "error", pubErr)
		}
		w.storeResult(&queuePkg.TaskResult{
			TaskID:      task.TaskID,
			StoryID:     storyID,
			Status:      queuePkg.StatusFailed,
			Error:       err.Error(),
			CompletedAt: time.Now().UTC(),
		})
		return fmt.Errorf("failed to process turn task: %w", err)
	}

	w.storeResult(&queuePkg.TaskResult{
		TaskID:      task.TaskID,
		StoryID:     storyID,
		Status:      queuePkg.StatusDone,
		Response:    resp,
		CompletedAt: time.Now().UTC(),
	})

	w.log.Info("turn task completed",
		"worker_id", w.id,
		"task_id", task.TaskID,
		"story_id", storyID,
		"final_action", resp.FinalAction,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// storeResult is best-effort: the turn outcome is already durable.
func (w *Worker) storeResult(res *queuePkg.TaskResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.queue.SetResult(ctx, res); err != nil {
		w.log.Error("failed to store task result",
			"task_id", res.TaskID,
			"error", err)
	}
}

// acquireStoryLock attempts to take the cross-worker lock for a story.
func (w *Worker) acquireStoryLock(storyID string) (bool, error) {
	lockKey := fmt.Sprintf("story-lock:%s", storyID)

	result, err := w.redisClient.SetNX(w.ctx, lockKey, w.id, storyLockTTL).Result()
	if err != nil {
		return false, err
	}
	return result, nil
}

// releaseStoryLock releases the lock for a story.
func (w *Worker) releaseStoryLock(storyID string) {
	lockKey := fmt.Sprintf("story-lock:%s", storyID)

	// Only delete if we own the lock
	script := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)

	if err := script.Run(context.Background(), w.redisClient, []string{lockKey}, w.id).Err(); err != nil {
		w.log.Error("failed to release story lock", "error", err, "story_id", storyID)
	}
}
