package queue

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/narrativekit/canon-engine/pkg/chat"
	"github.com/narrativekit/canon-engine/pkg/queue"
	"github.com/narrativekit/canon-engine/pkg/rules"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	client, err := NewClient(mr.Addr(), logger)
	if err != nil {
		mr.Close()
		t.Fatalf("Failed to create queue client: %v", err)
	}

	return client, mr
}

func testTask(storyID string) *queue.TurnTask {
	return queue.NewTurnTask(chat.TurnRequest{
		StoryID:        storyID,
		UserMessage:    "I offer the seal.",
		AssistantDraft: "Cao Cao weighs the seal in his palm.",
	})
}

func TestTurnQueue_EnqueueAndDequeue(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	q := NewTurnQueue(client)
	ctx := context.Background()

	first := testTask("s1")
	second := testTask("s2")

	if err := q.Enqueue(ctx, first); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, second); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("Failed to get depth: %v", err)
	}
	if depth != 2 {
		t.Errorf("Expected depth 2, got %d", depth)
	}

	got, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if got == nil {
		t.Fatal("Expected a task, got nil")
	}
	if got.TaskID != first.TaskID {
		t.Errorf("Expected FIFO order: wanted '%s', got '%s'", first.TaskID, got.TaskID)
	}
	if got.Request.StoryID != "s1" {
		t.Errorf("Expected story 's1', got '%s'", got.Request.StoryID)
	}
	if got.Request.AssistantDraft != first.Request.AssistantDraft {
		t.Error("Draft did not survive the round trip")
	}

	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}

	empty, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue on empty queue errored: %v", err)
	}
	if empty != nil {
		t.Errorf("Expected nil on empty queue, got %+v", empty)
	}
}

func TestTurnQueue_BlockingDequeue(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	q := NewTurnQueue(client)
	ctx := context.Background()

	task := testTask("s1")
	if err := q.Enqueue(ctx, task); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}

	got, err := q.BlockingDequeue(ctx, 1*time.Second)
	if err != nil {
		t.Fatalf("Failed to blocking-dequeue: %v", err)
	}
	if got == nil || got.TaskID != task.TaskID {
		t.Errorf("Expected task '%s', got %+v", task.TaskID, got)
	}
}

func TestTurnQueue_Clear(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	q := NewTurnQueue(client)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(ctx, testTask("s1")); err != nil {
			t.Fatalf("Failed to enqueue: %v", err)
		}
	}

	if err := q.Clear(ctx); err != nil {
		t.Fatalf("Failed to clear: %v", err)
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("Failed to get depth: %v", err)
	}
	if depth != 0 {
		t.Errorf("Expected empty queue after clear, got depth %d", depth)
	}
}

func TestTurnQueue_Results(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	q := NewTurnQueue(client)
	ctx := context.Background()

	missing, err := q.GetResult(ctx, "task_unknown")
	if err != nil {
		t.Fatalf("GetResult on missing id errored: %v", err)
	}
	if missing != nil {
		t.Errorf("Expected nil for unknown task, got %+v", missing)
	}

	res := &queue.TaskResult{
		TaskID:  "task_abc",
		StoryID: "s1",
		Status:  queue.StatusDone,
		Response: &chat.TurnResponse{
			StoryID:     "s1",
			FinalAction: rules.ActionPass,
		},
		CompletedAt: time.Now().UTC(),
	}
	if err := q.SetResult(ctx, res); err != nil {
		t.Fatalf("Failed to set result: %v", err)
	}

	got, err := q.GetResult(ctx, "task_abc")
	if err != nil {
		t.Fatalf("Failed to get result: %v", err)
	}
	if got == nil {
		t.Fatal("Expected a result, got nil")
	}
	if got.Status != queue.StatusDone {
		t.Errorf("Expected status '%s', got '%s'", queue.StatusDone, got.Status)
	}
	if got.Response == nil || got.Response.FinalAction != rules.ActionPass {
		t.Errorf("Response did not survive the round trip: %+v", got.Response)
	}

	// Results expire
	mr.FastForward(ResultTTL + time.Minute)
	expired, err := q.GetResult(ctx, "task_abc")
	if err != nil {
		t.Fatalf("GetResult after expiry errored: %v", err)
	}
	if expired != nil {
		t.Errorf("Expected expired result to be nil, got %+v", expired)
	}
}

func TestTurnQueue_FailedResult(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	q := NewTurnQueue(client)
	ctx := context.Background()

	res := &queue.TaskResult{
		TaskID:      "task_fail",
		StoryID:     "s1",
		Status:      queue.StatusFailed,
		Error:       "extraction failed for story s1: extraction response could not be parsed",
		CompletedAt: time.Now().UTC(),
	}
	if err := q.SetResult(ctx, res); err != nil {
		t.Fatalf("Failed to set result: %v", err)
	}

	got, err := q.GetResult(ctx, "task_fail")
	if err != nil {
		t.Fatalf("Failed to get result: %v", err)
	}
	if got.Status != queue.StatusFailed {
		t.Errorf("Expected status '%s', got '%s'", queue.StatusFailed, got.Status)
	}
	if got.Error == "" {
		t.Error("Expected error message on failed result")
	}
	if got.Response != nil {
		t.Errorf("Expected no response on failed result, got %+v", got.Response)
	}
}
