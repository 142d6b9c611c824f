package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/narrativekit/canon-engine/internal/storage"
)

func testHandlerLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError, // Reduce noise in tests
	}))
}

type pingChecker struct {
	err error
}

func (p *pingChecker) Ping(ctx context.Context) error { return p.err }

func TestHealthHandler_ServeHTTP(t *testing.T) {
	logger := testHandlerLogger()

	tests := []struct {
		name           string
		setupStore     func() storage.HealthChecker
		setupCache     func() storage.HealthChecker
		expectedStatus int
		expectedHealth string
		expectedStore  string
		expectedCache  string
	}{
		{
			name: "all healthy",
			setupStore: func() storage.HealthChecker {
				return storage.NewMockStore()
			},
			setupCache: func() storage.HealthChecker {
				return &pingChecker{}
			},
			expectedStatus: http.StatusOK,
			expectedHealth: "healthy",
			expectedStore:  "healthy",
			expectedCache:  "healthy",
		},
		{
			name: "unhealthy store",
			setupStore: func() storage.HealthChecker {
				store := storage.NewMockStore()
				store.PingFunc = func(ctx context.Context) error {
					return errors.New("database locked")
				}
				return store
			},
			setupCache: func() storage.HealthChecker {
				return &pingChecker{}
			},
			expectedStatus: http.StatusServiceUnavailable,
			expectedHealth: "degraded",
			expectedStore:  "unhealthy",
			expectedCache:  "healthy",
		},
		{
			name: "unhealthy cache",
			setupStore: func() storage.HealthChecker {
				return storage.NewMockStore()
			},
			setupCache: func() storage.HealthChecker {
				return &pingChecker{err: errors.New("connection refused")}
			},
			expectedStatus: http.StatusServiceUnavailable,
			expectedHealth: "degraded",
			expectedStore:  "healthy",
			expectedCache:  "unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHealthHandler(tt.setupStore(), tt.setupCache(), logger)

			req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
			rr := httptest.NewRecorder()

			handler.ServeHTTP(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, rr.Code)
			}

			if rr.Header().Get("Content-Type") != "application/json" {
				t.Errorf("Expected Content-Type application/json, got %s", rr.Header().Get("Content-Type"))
			}

			var response HealthResponse
			if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}

			if response.Status != tt.expectedHealth {
				t.Errorf("Expected status '%s', got '%s'", tt.expectedHealth, response.Status)
			}

			if response.Service != "canon-engine" {
				t.Errorf("Expected service 'canon-engine', got '%s'", response.Service)
			}

			storeComponent, exists := response.Components["store"]
			if !exists {
				t.Error("Expected store component in response")
			} else if storeComponent != tt.expectedStore {
				t.Errorf("Expected store status '%s', got '%v'", tt.expectedStore, storeComponent)
			}

			cacheComponent, exists := response.Components["cache"]
			if !exists {
				t.Error("Expected cache component in response")
			} else if cacheComponent != tt.expectedCache {
				t.Errorf("Expected cache status '%s', got '%v'", tt.expectedCache, cacheComponent)
			}

			timeDiff := time.Since(response.Timestamp)
			if timeDiff > time.Second {
				t.Errorf("Health check timestamp seems old: %v", timeDiff)
			}
		})
	}
}

func TestHealthHandler_NoCache(t *testing.T) {
	handler := NewHealthHandler(storage.NewMockStore(), nil, testHandlerLogger())

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, rr.Code)
	}

	var response HealthResponse
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if response.Status != "healthy" {
		t.Errorf("Expected status 'healthy', got '%s'", response.Status)
	}

	if _, exists := response.Components["cache"]; exists {
		t.Error("Did not expect cache component when no cache is attached")
	}
}
