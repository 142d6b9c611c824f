package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/narrativekit/canon-engine/internal/services/queue"
	"github.com/narrativekit/canon-engine/pkg/chat"
	queuePkg "github.com/narrativekit/canon-engine/pkg/queue"
)

func main() {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))

	client, err := queue.NewClient(redisAddr, logger)
	if err != nil {
		log.Fatal("Failed to connect to Redis:", err)
	}
	defer client.Close()

	fmt.Println("Connected to Redis successfully!")

	turnQueue := queue.NewTurnQueue(client)
	ctx := context.Background()

	// A draft that commits cleanly against a fresh story.
	passTask := queuePkg.NewTurnTask(chat.TurnRequest{
		StoryID:        "test_story",
		UserMessage:    "I walk into the hall and look around.",
		AssistantDraft: "The hall is empty. Dust hangs in the torchlight.",
	})
	if err := turnQueue.Enqueue(ctx, passTask); err != nil {
		log.Fatal("Failed to enqueue task:", err)
	}
	fmt.Printf("✅ Enqueued turn task: %s\n", passTask.TaskID)

	// A second turn on the same story, so the worker exercises the
	// story lock on back-to-back tasks.
	followTask := queuePkg.NewTurnTask(chat.TurnRequest{
		StoryID:        "test_story",
		UserMessage:    "I call out a greeting.",
		AssistantDraft: "Your voice echoes back from the rafters. Nobody answers.",
	})
	if err := turnQueue.Enqueue(ctx, followTask); err != nil {
		log.Fatal("Failed to enqueue task:", err)
	}
	fmt.Printf("✅ Enqueued turn task: %s\n", followTask.TaskID)

	depth, err := turnQueue.Depth(ctx)
	if err != nil {
		log.Fatal("Failed to get queue depth:", err)
	}

	fmt.Printf("\n📊 Queue depth: %d tasks\n", depth)
	fmt.Println("\n💡 Now start the worker to see it process these tasks!")
	fmt.Println("   Run: go run cmd/worker/main.go")
}
