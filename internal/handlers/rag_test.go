package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func writeLoreFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write lore file: %v", err)
	}
}

func postRAG(t *testing.T, handler http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/rag/query", bytes.NewBufferString(body))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestRAGHandler_ServeHTTP(t *testing.T) {
	baseDir := t.TempDir()
	storyDir := filepath.Join(baseDir, "s1")
	if err := os.MkdirAll(storyDir, 0o755); err != nil {
		t.Fatalf("Failed to create story dir: %v", err)
	}
	writeLoreFile(t, storyDir, "factions.txt",
		"The Wei faction controls the northern plains.\n\n"+
			"Cao Cao leads Wei from his seat at Luoyang. The imperial seal rests in his vault.\n\n"+
			"Shu holds the western passes.")
	writeLoreFile(t, storyDir, "items.md",
		"The imperial seal is a unique jade artifact. Whoever holds the seal commands legitimacy.")
	writeLoreFile(t, storyDir, "ignored.json", `{"seal": true}`)

	handler := NewRAGHandler(baseDir, testHandlerLogger())

	rr := postRAG(t, handler, `{"story_id":"s1","query":"imperial seal","top_k":2}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, rr.Code)
	}

	var resp RAGQueryResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(resp.Snippets) != 2 {
		t.Fatalf("Expected 2 snippets, got %d", len(resp.Snippets))
	}
	if resp.Snippets[0].Score < resp.Snippets[1].Score {
		t.Error("Expected snippets ordered by descending score")
	}
	if resp.Snippets[0].Source != "items.md" {
		t.Errorf("Expected best match from items.md, got '%s'", resp.Snippets[0].Source)
	}
	for _, s := range resp.Snippets {
		if s.Source == "ignored.json" {
			t.Error("Non-text files must not be indexed")
		}
		if s.Score <= 0 {
			t.Errorf("Expected positive score, got %f", s.Score)
		}
	}
}

func TestRAGHandler_MissingIndexIsEmpty(t *testing.T) {
	handler := NewRAGHandler(t.TempDir(), testHandlerLogger())

	rr := postRAG(t, handler, `{"story_id":"nobody","query":"seal"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, rr.Code)
	}

	var resp RAGQueryResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(resp.Snippets) != 0 {
		t.Errorf("Expected no snippets, got %d", len(resp.Snippets))
	}
}

func TestRAGHandler_NoBaseDirIsEmpty(t *testing.T) {
	handler := NewRAGHandler("", testHandlerLogger())

	rr := postRAG(t, handler, `{"story_id":"s1","query":"seal"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, rr.Code)
	}

	var resp RAGQueryResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(resp.Snippets) != 0 {
		t.Errorf("Expected no snippets, got %d", len(resp.Snippets))
	}
}

func TestRAGHandler_BadRequests(t *testing.T) {
	handler := NewRAGHandler(t.TempDir(), testHandlerLogger())

	tests := []struct {
		name           string
		method         string
		body           string
		expectedStatus int
		expectedCode   string
	}{
		{
			name:           "method not allowed",
			method:         http.MethodGet,
			body:           "",
			expectedStatus: http.StatusMethodNotAllowed,
			expectedCode:   CodeMethodNotAllowed,
		},
		{
			name:           "malformed body",
			method:         http.MethodPost,
			body:           "{not json",
			expectedStatus: http.StatusBadRequest,
			expectedCode:   CodeInvalidRequest,
		},
		{
			name:           "missing query",
			method:         http.MethodPost,
			body:           `{"story_id":"s1"}`,
			expectedStatus: http.StatusBadRequest,
			expectedCode:   CodeInvalidRequest,
		},
		{
			name:           "missing story id",
			method:         http.MethodPost,
			body:           `{"query":"seal"}`,
			expectedStatus: http.StatusBadRequest,
			expectedCode:   CodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/rag/query", bytes.NewBufferString(tt.body))
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Fatalf("Expected status %d, got %d", tt.expectedStatus, rr.Code)
			}
			var errResp ErrorResponse
			if err := json.NewDecoder(rr.Body).Decode(&errResp); err != nil {
				t.Fatalf("Failed to decode error response: %v", err)
			}
			if errResp.Code != tt.expectedCode {
				t.Errorf("Expected code '%s', got '%s'", tt.expectedCode, errResp.Code)
			}
		})
	}
}
