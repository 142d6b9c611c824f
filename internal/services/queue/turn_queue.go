package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/narrativekit/canon-engine/pkg/queue"
)

const (
	// turnTasksKey is the global list every pending turn task lands on.
	turnTasksKey = "turn-tasks"

	// resultKeyPrefix namespaces stored task results.
	resultKeyPrefix = "turn-result:"

	// ResultTTL bounds how long a task result stays pollable.
	ResultTTL = 1 * time.Hour
)

// TurnQueue manages the pending-turn list and per-task results in
// Redis. Tasks are processed in FIFO order.
type TurnQueue struct {
	client *Client
}

func NewTurnQueue(client *Client) *TurnQueue {
	return &TurnQueue{
		client: client,
	}
}

// Enqueue appends a task to the end of the pending list.
func (q *TurnQueue) Enqueue(ctx context.Context, task *queue.TurnTask) error {
	data, err := task.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize turn task: %w", err)
	}
	if err := q.client.rdb.RPush(ctx, turnTasksKey, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue turn task: %w", err)
	}
	return nil
}

// Dequeue removes and returns the next task. Returns nil when the list
// is empty.
func (q *TurnQueue) Dequeue(ctx context.Context) (*queue.TurnTask, error) {
	result, err := q.client.rdb.LPop(ctx, turnTasksKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to dequeue turn task: %w", err)
	}

	task, err := queue.TaskFromJSON([]byte(result))
	if err != nil {
		return nil, fmt.Errorf("failed to parse turn task: %w", err)
	}
	return task, nil
}

// BlockingDequeue waits up to timeout for a task. Returns nil on
// timeout so callers can loop and check for shutdown.
func (q *TurnQueue) BlockingDequeue(ctx context.Context, timeout time.Duration) (*queue.TurnTask, error) {
	result, err := q.client.rdb.BLPop(ctx, timeout, turnTasksKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to dequeue turn task: %w", err)
	}

	// BLPop returns [key, value]
	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected BLPop result: %v", result)
	}

	task, err := queue.TaskFromJSON([]byte(result[1]))
	if err != nil {
		return nil, fmt.Errorf("failed to parse turn task: %w", err)
	}
	return task, nil
}

// Depth returns the number of pending tasks.
func (q *TurnQueue) Depth(ctx context.Context) (int, error) {
	count, err := q.client.rdb.LLen(ctx, turnTasksKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue depth: %w", err)
	}
	return int(count), nil
}

// Clear drops every pending task.
func (q *TurnQueue) Clear(ctx context.Context) error {
	if err := q.client.rdb.Del(ctx, turnTasksKey).Err(); err != nil {
		return fmt.Errorf("failed to clear turn queue: %w", err)
	}
	return nil
}

// SetResult stores the outcome of a processed task under its id.
func (q *TurnQueue) SetResult(ctx context.Context, res *queue.TaskResult) error {
	data, err := res.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize task result: %w", err)
	}
	key := resultKeyPrefix + res.TaskID
	if err := q.client.rdb.Set(ctx, key, data, ResultTTL).Err(); err != nil {
		return fmt.Errorf("failed to store task result: %w", err)
	}
	return nil
}

// GetResult returns the stored outcome for a task id, or nil when the
// task hasn't completed (or the result expired).
func (q *TurnQueue) GetResult(ctx context.Context, taskID string) (*queue.TaskResult, error) {
	result, err := q.client.rdb.Get(ctx, resultKeyPrefix+taskID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get task result: %w", err)
	}

	res, err := queue.ResultFromJSON([]byte(result))
	if err != nil {
		return nil, fmt.Errorf("failed to parse task result: %w", err)
	}
	return res, nil
}
