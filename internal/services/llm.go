package services

import (
	"context"

	"github.com/narrativekit/canon-engine/pkg/chat"
)

// LLMService defines the interface for interacting with an LLM provider.
// Extract returns the raw completion text; parsing is the extractor's job.
type LLMService interface {
	// InitModel initializes the model on startup
	InitModel(ctx context.Context, modelName string) error

	// Extract runs an extraction conversation and returns the raw completion
	Extract(ctx context.Context, messages []chat.ChatMessage) (string, error)

	// IsModelReady checks if the specified model is ready for use
	IsModelReady(ctx context.Context, modelName string) (bool, error)
}
