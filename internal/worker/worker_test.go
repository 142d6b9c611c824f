package worker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narrativekit/canon-engine/internal/services"
	"github.com/narrativekit/canon-engine/internal/services/queue"
	"github.com/narrativekit/canon-engine/internal/storage"
	"github.com/narrativekit/canon-engine/pkg/chat"
	queuePkg "github.com/narrativekit/canon-engine/pkg/queue"
	"github.com/narrativekit/canon-engine/pkg/rules"
)

func setupWorker(t *testing.T, store storage.Store, llm *services.MockLLMService) (*Worker, *queue.TurnQueue, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := queue.NewClient(mr.Addr(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	turnQueue := queue.NewTurnQueue(client)
	processor := newTestProcessor(t, store, llm)
	w := New(turnQueue, processor, rdb, testLogger(), "worker-test")
	return w, turnQueue, mr
}

func TestWorkerProcessesQueuedTask(t *testing.T) {
	store := storage.NewMockStore()
	cs := seededState("s1")
	cs.Entities.Items["seal_001"].LocationID = "luoyang"
	require.NoError(t, store.SaveState(context.Background(), "s1", cs))

	llm := services.NewMockLLMService()
	llm.SetExtractResponse(ownershipResponse("liubei", 11))

	w, turnQueue, _ := setupWorker(t, store, llm)
	ctx := context.Background()

	task := queuePkg.NewTurnTask(chat.TurnRequest{
		StoryID:        "s1",
		UserMessage:    "I hand the seal to Liu Bei.",
		AssistantDraft: "Cao Cao passes the imperial seal to Liu Bei.",
	})
	require.NoError(t, turnQueue.Enqueue(ctx, task))

	require.NoError(t, w.processNextTask())

	res, err := turnQueue.GetResult(ctx, task.TaskID)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, queuePkg.StatusDone, res.Status)
	require.NotNil(t, res.Response)
	assert.Equal(t, rules.ActionPass, res.Response.FinalAction)
	assert.Equal(t, 3, res.Response.State.Meta.Turn)

	cs, err := store.GetState(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, cs.Meta.Turn)
}

func TestWorkerStoresFailedResult(t *testing.T) {
	store := storage.NewMockStore()
	require.NoError(t, store.SaveState(context.Background(), "s1", seededState("s1")))

	llm := services.NewMockLLMService()
	llm.SetExtractResponse("not json at all")

	w, turnQueue, _ := setupWorker(t, store, llm)
	ctx := context.Background()

	task := queuePkg.NewTurnTask(chat.TurnRequest{
		StoryID:        "s1",
		UserMessage:    "hello",
		AssistantDraft: "The hall falls silent.",
	})
	require.NoError(t, turnQueue.Enqueue(ctx, task))

	err := w.processNextTask()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to process turn task")

	res, resErr := turnQueue.GetResult(ctx, task.TaskID)
	require.NoError(t, resErr)
	require.NotNil(t, res)
	assert.Equal(t, queuePkg.StatusFailed, res.Status)
	assert.NotEmpty(t, res.Error)
	assert.Nil(t, res.Response)
}

func TestWorkerEmptyQueueIsQuiet(t *testing.T) {
	store := storage.NewMockStore()
	llm := services.NewMockLLMService()
	w, _, _ := setupWorker(t, store, llm)

	// Shorten the wait by cancelling; an empty pop is not an error.
	go func() {
		time.Sleep(50 * time.Millisecond)
		w.cancel()
	}()
	assert.NoError(t, w.processNextTask())
}

func TestWorkerRequeuesLockedStory(t *testing.T) {
	store := storage.NewMockStore()
	llm := services.NewMockLLMService()
	w, turnQueue, mr := setupWorker(t, store, llm)
	ctx := context.Background()

	// Another worker holds the story.
	require.NoError(t, mr.Set("story-lock:s1", "worker-other"))

	task := queuePkg.NewTurnTask(chat.TurnRequest{
		StoryID:        "s1",
		UserMessage:    "hello",
		AssistantDraft: "The hall falls silent.",
	})
	require.NoError(t, turnQueue.Enqueue(ctx, task))

	require.NoError(t, w.processNextTask())

	depth, err := turnQueue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth, "task should be back on the queue")

	requeued, err := turnQueue.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, requeued)
	assert.Equal(t, task.TaskID, requeued.TaskID)
	assert.Equal(t, 1, requeued.Attempts)

	// No result was stored.
	res, err := turnQueue.GetResult(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestWorkerReleasesStoryLock(t *testing.T) {
	store := storage.NewMockStore()
	cs := seededState("s1")
	cs.Entities.Items["seal_001"].LocationID = "luoyang"
	require.NoError(t, store.SaveState(context.Background(), "s1", cs))

	llm := services.NewMockLLMService()
	llm.SetExtractResponse(ownershipResponse("liubei", 11))

	w, turnQueue, mr := setupWorker(t, store, llm)
	ctx := context.Background()

	task := queuePkg.NewTurnTask(chat.TurnRequest{
		StoryID:        "s1",
		UserMessage:    "I hand the seal to Liu Bei.",
		AssistantDraft: "Cao Cao passes the imperial seal to Liu Bei.",
	})
	require.NoError(t, turnQueue.Enqueue(ctx, task))
	require.NoError(t, w.processNextTask())

	assert.False(t, mr.Exists("story-lock:s1"), "lock should be released after processing")
}

func TestWorkerStopCancelsLoop(t *testing.T) {
	store := storage.NewMockStore()
	llm := services.NewMockLLMService()
	w, _, _ := setupWorker(t, store, llm)

	done := make(chan error, 1)
	go func() {
		done <- w.Start()
	}()

	time.Sleep(50 * time.Millisecond)
	w.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not stop")
	}
}
