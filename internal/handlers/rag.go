package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	// DefaultRAGTopK is the snippet count when the client doesn't ask.
	DefaultRAGTopK = 5

	// ragSnippetLimit truncates long paragraphs before they travel.
	ragSnippetLimit = 500
)

type RAGQueryRequest struct {
	StoryID string `json:"story_id"`
	Query   string `json:"query"`
	TopK    int    `json:"top_k,omitempty"`
}

type RAGSnippet struct {
	Source string  `json:"source"`
	Text   string  `json:"text"`
	Score  float64 `json:"score"`
}

type RAGQueryResponse struct {
	StoryID  string       `json:"story_id"`
	Query    string       `json:"query"`
	Snippets []RAGSnippet `json:"snippets"`
}

// RAGHandler handles POST /rag/query. It serves keyword-scored
// paragraph snippets from the story's lore directory. An empty or
// missing index dir yields an empty snippet list, not an error.
type RAGHandler struct {
	baseDir string
	logger  *slog.Logger
}

func NewRAGHandler(baseDir string, logger *slog.Logger) *RAGHandler {
	return &RAGHandler{
		baseDir: baseDir,
		logger:  logger,
	}
}

func (h *RAGHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		h.logger.Warn("method not allowed for rag endpoint",
			"method", r.Method,
			"path", r.URL.Path)
		writeError(w, h.logger, http.StatusMethodNotAllowed, CodeMethodNotAllowed,
			"Method not allowed. Only POST is supported.")
		return
	}

	var req RAGQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("invalid rag request body", "error", err)
		writeError(w, h.logger, http.StatusBadRequest, CodeInvalidRequest,
			"Invalid request body. Expected JSON with story_id and query.")
		return
	}
	if req.StoryID == "" || req.Query == "" {
		writeError(w, h.logger, http.StatusBadRequest, CodeInvalidRequest,
			"story_id and query are required.")
		return
	}
	if req.TopK <= 0 {
		req.TopK = DefaultRAGTopK
	}

	snippets := h.search(req.StoryID, req.Query, req.TopK)
	writeJSON(w, h.logger, http.StatusOK, RAGQueryResponse{
		StoryID:  req.StoryID,
		Query:    req.Query,
		Snippets: snippets,
	})
}

// search scores every paragraph in the story's index dir by query term
// frequency and returns the top k.
func (h *RAGHandler) search(storyID, query string, topK int) []RAGSnippet {
	snippets := []RAGSnippet{}
	if h.baseDir == "" {
		return snippets
	}

	terms := queryTerms(query)
	if len(terms) == 0 {
		return snippets
	}

	dir := filepath.Join(h.baseDir, storyID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			h.logger.Warn("rag index dir unreadable", "dir", dir, "error", err)
		}
		return snippets
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".txt" && ext != ".md" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			h.logger.Warn("rag index file unreadable", "file", name, "error", err)
			continue
		}
		for _, para := range strings.Split(string(data), "\n\n") {
			para = strings.TrimSpace(para)
			if para == "" {
				continue
			}
			score := scoreParagraph(para, terms)
			if score == 0 {
				continue
			}
			text := para
			if len(text) > ragSnippetLimit {
				text = text[:ragSnippetLimit]
			}
			snippets = append(snippets, RAGSnippet{
				Source: name,
				Text:   text,
				Score:  score,
			})
		}
	}

	sort.SliceStable(snippets, func(i, j int) bool {
		return snippets[i].Score > snippets[j].Score
	})
	if len(snippets) > topK {
		snippets = snippets[:topK]
	}
	return snippets
}

func queryTerms(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'()")
		if len(f) >= 2 {
			terms = append(terms, f)
		}
	}
	return terms
}

func scoreParagraph(para string, terms []string) float64 {
	lower := strings.ToLower(para)
	var score float64
	for _, term := range terms {
		score += float64(strings.Count(lower, term))
	}
	return score
}
