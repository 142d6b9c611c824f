package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/narrativekit/canon-engine/pkg/state"
)

// EventType represents the type of notification being broadcast.
type EventType string

const (
	EventTypeTaskQueued     EventType = "task.queued"
	EventTypeTaskProcessing EventType = "task.processing"
	EventTypeTaskFailed     EventType = "task.failed"
	EventTypeTurnCommitted  EventType = "turn.committed"
)

// Notification is the generic envelope published on a story channel.
type Notification struct {
	Type    EventType              `json:"type"`
	TaskID  string                 `json:"task_id,omitempty"`
	StoryID string                 `json:"story_id,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// Broadcaster publishes turn lifecycle notifications to Redis Pub/Sub
// so frontends can follow a story without polling.
type Broadcaster struct {
	redisClient *redis.Client
	logger      *slog.Logger
}

func NewBroadcaster(redisClient *redis.Client, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		redisClient: redisClient,
		logger:      logger,
	}
}

// StoryChannel is the Pub/Sub channel name for a story.
func StoryChannel(storyID string) string {
	return fmt.Sprintf("story-events:%s", storyID)
}

// PublishTaskQueued publishes a task.queued notification.
func (b *Broadcaster) PublishTaskQueued(ctx context.Context, storyID, taskID string) error {
	return b.publishToStory(ctx, storyID, Notification{
		Type:    EventTypeTaskQueued,
		TaskID:  taskID,
		StoryID: storyID,
		Data: map[string]interface{}{
			"status": "queued",
		},
	})
}

// PublishTaskProcessing publishes a task.processing notification.
func (b *Broadcaster) PublishTaskProcessing(ctx context.Context, storyID, taskID string) error {
	return b.publishToStory(ctx, storyID, Notification{
		Type:    EventTypeTaskProcessing,
		TaskID:  taskID,
		StoryID: storyID,
		Data: map[string]interface{}{
			"status": "processing",
		},
	})
}

// PublishTaskFailed publishes a task.failed notification.
func (b *Broadcaster) PublishTaskFailed(ctx context.Context, storyID, taskID, errorMsg string) error {
	return b.publishToStory(ctx, storyID, Notification{
		Type:    EventTypeTaskFailed,
		TaskID:  taskID,
		StoryID: storyID,
		Data: map[string]interface{}{
			"status": "failed",
			"error":  errorMsg,
		},
	})
}

// PublishTurnCommitted publishes a turn.committed notification carrying
// the committed event ids and summaries.
func (b *Broadcaster) PublishTurnCommitted(ctx context.Context, storyID string, events []*state.Event) error {
	summaries := make([]map[string]interface{}, 0, len(events))
	turn := 0
	for _, ev := range events {
		summaries = append(summaries, map[string]interface{}{
			"event_id": ev.EventID,
			"type":     ev.Type,
			"summary":  ev.Summary,
		})
		if ev.Turn > turn {
			turn = ev.Turn
		}
	}

	return b.publishToStory(ctx, storyID, Notification{
		Type:    EventTypeTurnCommitted,
		StoryID: storyID,
		Data: map[string]interface{}{
			"turn":   turn,
			"events": summaries,
		},
	})
}

// publishToStory publishes a notification on the story channel.
func (b *Broadcaster) publishToStory(ctx context.Context, storyID string, n Notification) error {
	channel := StoryChannel(storyID)

	data, err := json.Marshal(n)
	if err != nil {
		b.logger.Error("failed to marshal notification", "error", err, "type", n.Type)
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	if err := b.redisClient.Publish(ctx, channel, data).Err(); err != nil {
		b.logger.Error("failed to publish notification", "error", err, "channel", channel)
		return fmt.Errorf("failed to publish notification: %w", err)
	}

	b.logger.Debug("notification published",
		"channel", channel,
		"type", n.Type,
		"task_id", n.TaskID)

	return nil
}
