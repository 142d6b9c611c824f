package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/narrativekit/canon-engine/pkg/state"
)

const (
	stateKeyPrefix = "canonstate:"
	stateCacheTTL  = time.Hour
)

// StateCache keeps the latest committed snapshot of each story in
// Redis so readers can skip the durable store on the hot path. The
// cache is advisory: a miss falls through to the store.
type StateCache struct {
	client *redis.Client
	logger *slog.Logger
}

// NewStateCache creates a Redis-backed snapshot cache.
func NewStateCache(addr string, logger *slog.Logger) *StateCache {
	if logger == nil {
		logger = slog.Default()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	return &StateCache{client: rdb, logger: logger}
}

// Ping tests the cache connection.
func (c *StateCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close closes the cache connection.
func (c *StateCache) Close() error {
	if err := c.client.Close(); err != nil {
		c.logger.Error("Failed to close Redis connection", "error", err)
		return err
	}
	return nil
}

// WaitForConnection waits for Redis to become available (used during startup)
func (c *StateCache) WaitForConnection(ctx context.Context) error {
	maxRetries := 30
	retryDelay := 2 * time.Second

	for i := 0; i < maxRetries; i++ {
		if err := c.Ping(ctx); err != nil {
			c.logger.Debug("Redis not ready yet", "error", err, "attempt", i+1)

			select {
			case <-ctx.Done():
				return fmt.Errorf("context cancelled while waiting for redis: %w", ctx.Err())
			case <-time.After(retryDelay):
				continue
			}
		}

		c.logger.Info("Redis connection established")
		return nil
	}

	return fmt.Errorf("redis did not become available after %d attempts", maxRetries)
}

// GetState returns the cached snapshot for a story, or nil on a miss.
func (c *StateCache) GetState(ctx context.Context, storyID string) (*state.CanonicalState, error) {
	data, err := c.client.Get(ctx, stateKeyPrefix+storyID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached state for %s: %w", storyID, err)
	}

	var cs state.CanonicalState
	if err := json.Unmarshal([]byte(data), &cs); err != nil {
		// A stale or corrupt entry is just a miss.
		c.logger.Warn("dropping unreadable cached state", "story_id", storyID, "error", err)
		_ = c.client.Del(ctx, stateKeyPrefix+storyID).Err()
		return nil, nil
	}
	return &cs, nil
}

// SetState caches the snapshot for a story.
func (c *StateCache) SetState(ctx context.Context, storyID string, cs *state.CanonicalState) error {
	data, err := json.Marshal(cs)
	if err != nil {
		return fmt.Errorf("failed to marshal state for cache: %w", err)
	}
	if err := c.client.Set(ctx, stateKeyPrefix+storyID, string(data), stateCacheTTL).Err(); err != nil {
		return fmt.Errorf("failed to cache state for %s: %w", storyID, err)
	}
	return nil
}

// Invalidate drops the cached snapshot for a story.
func (c *StateCache) Invalidate(ctx context.Context, storyID string) error {
	if err := c.client.Del(ctx, stateKeyPrefix+storyID).Err(); err != nil {
		return fmt.Errorf("failed to invalidate cached state for %s: %w", storyID, err)
	}
	return nil
}
