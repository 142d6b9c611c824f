package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/narrativekit/canon-engine/pkg/chat"
	"github.com/narrativekit/canon-engine/pkg/extract"
	"github.com/narrativekit/canon-engine/pkg/state"
)

// TurnService runs drafts through the consistency pipeline and serves
// canonical state. *worker.TurnProcessor satisfies it.
type TurnService interface {
	ProcessTurn(ctx context.Context, req chat.TurnRequest) (*chat.TurnResponse, error)
	GetState(ctx context.Context, storyID string) (*state.CanonicalState, error)
}

// DraftHandler handles POST /draft/process. Gate dispositions are part
// of a successful response; only extractor and store failures map to
// error statuses.
type DraftHandler struct {
	service TurnService
	logger  *slog.Logger
}

func NewDraftHandler(service TurnService, logger *slog.Logger) *DraftHandler {
	return &DraftHandler{
		service: service,
		logger:  logger,
	}
}

func (h *DraftHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		h.logger.Warn("method not allowed for draft endpoint",
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr)
		writeError(w, h.logger, http.StatusMethodNotAllowed, CodeMethodNotAllowed,
			"Method not allowed. Only POST is supported.")
		return
	}

	var req chat.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("invalid draft request body", "error", err)
		writeError(w, h.logger, http.StatusBadRequest, CodeInvalidRequest,
			"Invalid request body. Expected JSON with story_id, user_message and assistant_draft.")
		return
	}
	if err := req.Validate(); err != nil {
		h.logger.Warn("draft request failed validation", "error", err)
		writeError(w, h.logger, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}

	h.logger.Info("processing draft",
		"story_id", req.StoryID,
		"draft_len", len(req.AssistantDraft))

	resp, err := h.service.ProcessTurn(r.Context(), req)
	if err != nil {
		status, code := draftErrorStatus(err)
		h.logger.Error("turn processing failed",
			"story_id", req.StoryID,
			"code", code,
			"error", err)
		writeError(w, h.logger, status, code, "Failed to process draft.")
		return
	}

	writeJSON(w, h.logger, http.StatusOK, resp)
}

// draftErrorStatus maps pipeline failures to a status and stable code.
func draftErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, extract.ErrExtractionTimeout):
		return http.StatusGatewayTimeout, CodeExtractionTimeout
	case errors.Is(err, extract.ErrExtractionParse):
		return http.StatusBadGateway, CodeExtractionParse
	default:
		return http.StatusInternalServerError, CodeTurnFailed
	}
}
