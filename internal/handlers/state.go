package handlers

import (
	"log/slog"
	"net/http"
	"strings"
)

// StateHandler handles GET /state/{story_id}. First touch of a story
// returns the empty scaffold.
type StateHandler struct {
	service TurnService
	logger  *slog.Logger
}

func NewStateHandler(service TurnService, logger *slog.Logger) *StateHandler {
	return &StateHandler{
		service: service,
		logger:  logger,
	}
}

func (h *StateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		h.logger.Warn("method not allowed for state endpoint",
			"method", r.Method,
			"path", r.URL.Path)
		writeError(w, h.logger, http.StatusMethodNotAllowed, CodeMethodNotAllowed,
			"Method not allowed. Only GET is supported.")
		return
	}

	storyID := strings.TrimPrefix(r.URL.Path, "/state/")
	if storyID == "" || strings.Contains(storyID, "/") {
		writeError(w, h.logger, http.StatusBadRequest, CodeInvalidRequest,
			"Story id is required in the path.")
		return
	}

	cs, err := h.service.GetState(r.Context(), storyID)
	if err != nil {
		h.logger.Error("failed to load state", "story_id", storyID, "error", err)
		writeError(w, h.logger, http.StatusInternalServerError, CodeStorageFailed,
			"Failed to load story state.")
		return
	}

	writeJSON(w, h.logger, http.StatusOK, cs)
}
