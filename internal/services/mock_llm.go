package services

import (
	"context"
	"sync"

	"github.com/narrativekit/canon-engine/pkg/chat"
)

// MockLLMService is a mock implementation of LLMService for testing
type MockLLMService struct {
	InitModelFunc    func(ctx context.Context, modelName string) error
	ExtractFunc      func(ctx context.Context, messages []chat.ChatMessage) (string, error)
	IsModelReadyFunc func(ctx context.Context, modelName string) (bool, error)

	// Track calls for testing
	InitModelCalls    []string
	ExtractCalls      []ExtractCall
	IsModelReadyCalls []string

	mu sync.Mutex // protects all fields above
}

var _ LLMService = (*MockLLMService)(nil)

type ExtractCall struct {
	Messages []chat.ChatMessage
}

// NewMockLLMService creates a new mock LLM service
func NewMockLLMService() *MockLLMService {
	return &MockLLMService{
		InitModelCalls:    make([]string, 0),
		ExtractCalls:      make([]ExtractCall, 0),
		IsModelReadyCalls: make([]string, 0),
	}
}

// InitModel mocks model initialization
func (m *MockLLMService) InitModel(ctx context.Context, modelName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.InitModelCalls = append(m.InitModelCalls, modelName)

	if m.InitModelFunc != nil {
		return m.InitModelFunc(ctx, modelName)
	}
	return nil
}

// Extract mocks an extraction completion. The default response carries
// no events and no open questions, so the extractor falls back to its
// default OTHER event and pipelines keep moving.
func (m *MockLLMService) Extract(ctx context.Context, messages []chat.ChatMessage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ExtractCalls = append(m.ExtractCalls, ExtractCall{Messages: messages})

	if m.ExtractFunc != nil {
		return m.ExtractFunc(ctx, messages)
	}
	return `{"events": [], "open_questions": []}`, nil
}

// IsModelReady mocks model readiness check
func (m *MockLLMService) IsModelReady(ctx context.Context, modelName string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.IsModelReadyCalls = append(m.IsModelReadyCalls, modelName)

	if m.IsModelReadyFunc != nil {
		return m.IsModelReadyFunc(ctx, modelName)
	}
	return true, nil
}

// Reset clears all call tracking
func (m *MockLLMService) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InitModelCalls = make([]string, 0)
	m.ExtractCalls = make([]ExtractCall, 0)
	m.IsModelReadyCalls = make([]string, 0)
}

// SetExtractResponse sets up the mock to return a fixed completion
func (m *MockLLMService) SetExtractResponse(content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ExtractFunc = func(ctx context.Context, messages []chat.ChatMessage) (string, error) {
		return content, nil
	}
}

// SetExtractError sets up the mock to return an error on Extract
func (m *MockLLMService) SetExtractError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ExtractFunc = func(ctx context.Context, messages []chat.ChatMessage) (string, error) {
		return "", err
	}
}

// SetModelNotReady sets up the mock to return false for IsModelReady
func (m *MockLLMService) SetModelNotReady() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.IsModelReadyFunc = func(ctx context.Context, modelName string) (bool, error) {
		return false, nil
	}
}

// GetCalls returns a copy of the call tracking data in a thread-safe way
func (m *MockLLMService) GetCalls() ([]string, []ExtractCall, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	initCalls := make([]string, len(m.InitModelCalls))
	copy(initCalls, m.InitModelCalls)

	extractCalls := make([]ExtractCall, len(m.ExtractCalls))
	copy(extractCalls, m.ExtractCalls)

	readyCalls := make([]string, len(m.IsModelReadyCalls))
	copy(readyCalls, m.IsModelReadyCalls)

	return initCalls, extractCalls, readyCalls
}
