package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/narrativekit/canon-engine/pkg/chat"
)

// Task statuses reported in a TaskResult.
const (
	StatusDone   = "done"
	StatusFailed = "failed"
)

// TurnTask is one queued draft-processing request. Tasks travel through
// Redis as JSON.
type TurnTask struct {
	TaskID     string           `json:"task_id"`
	Request    chat.TurnRequest `json:"request"`
	Attempts   int              `json:"attempts,omitempty"`
	EnqueuedAt time.Time        `json:"enqueued_at"`
}

// NewTurnTask wraps a turn request into a queue task with a fresh id.
func NewTurnTask(req chat.TurnRequest) *TurnTask {
	return &TurnTask{
		TaskID:     fmt.Sprintf("task_%s", uuid.NewString()),
		Request:    req,
		EnqueuedAt: time.Now().UTC(),
	}
}

// ToJSON converts the task to JSON bytes for Redis.
func (t *TurnTask) ToJSON() ([]byte, error) {
	return json.Marshal(t)
}

// TaskFromJSON parses a task from JSON bytes.
func TaskFromJSON(data []byte) (*TurnTask, error) {
	var task TurnTask
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// TaskResult is the stored outcome of a processed task. Callers poll it
// by task id after enqueueing.
type TaskResult struct {
	TaskID      string             `json:"task_id"`
	StoryID     string             `json:"story_id"`
	Status      string             `json:"status"`
	Error       string             `json:"error,omitempty"`
	Response    *chat.TurnResponse `json:"response,omitempty"`
	CompletedAt time.Time          `json:"completed_at"`
}

// ToJSON converts the result to JSON bytes for Redis.
func (r *TaskResult) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// ResultFromJSON parses a result from JSON bytes.
func ResultFromJSON(data []byte) (*TaskResult, error) {
	var res TaskResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
