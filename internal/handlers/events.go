package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/narrativekit/canon-engine/internal/storage"
	"github.com/narrativekit/canon-engine/pkg/state"
)

// DefaultEventsLimit caps a recent-events listing when the client
// doesn't ask for a specific window.
const DefaultEventsLimit = 50

// EventsResponse is the body for an event-log listing.
type EventsResponse struct {
	StoryID string         `json:"story_id"`
	Events  []*state.Event `json:"events"`
	Count   int            `json:"count"`
}

// EventsHandler handles GET /events/{story_id}. Query parameters select
// the lookup: event_id for a single event, turn for one turn's events,
// min_order/max_order for a time range, limit/offset for the recent
// tail (descending).
type EventsHandler struct {
	store  storage.Store
	logger *slog.Logger
}

func NewEventsHandler(store storage.Store, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{
		store:  store,
		logger: logger,
	}
}

func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		h.logger.Warn("method not allowed for events endpoint",
			"method", r.Method,
			"path", r.URL.Path)
		writeError(w, h.logger, http.StatusMethodNotAllowed, CodeMethodNotAllowed,
			"Method not allowed. Only GET is supported.")
		return
	}

	storyID := strings.TrimPrefix(r.URL.Path, "/events/")
	if storyID == "" || strings.Contains(storyID, "/") {
		writeError(w, h.logger, http.StatusBadRequest, CodeInvalidRequest,
			"Story id is required in the path.")
		return
	}

	q := r.URL.Query()

	if eventID := q.Get("event_id"); eventID != "" {
		ev, err := h.store.GetEvent(r.Context(), eventID)
		if err != nil {
			h.logger.Error("failed to get event", "event_id", eventID, "error", err)
			writeError(w, h.logger, http.StatusInternalServerError, CodeStorageFailed,
				"Failed to load event.")
			return
		}
		if ev == nil {
			writeError(w, h.logger, http.StatusNotFound, CodeNotFound, "Event not found.")
			return
		}
		writeJSON(w, h.logger, http.StatusOK, ev)
		return
	}

	events, err := h.listEvents(r, storyID)
	if err != nil {
		if be, ok := err.(*badQueryError); ok {
			writeError(w, h.logger, http.StatusBadRequest, CodeInvalidRequest, be.msg)
			return
		}
		h.logger.Error("failed to list events", "story_id", storyID, "error", err)
		writeError(w, h.logger, http.StatusInternalServerError, CodeStorageFailed,
			"Failed to list events.")
		return
	}

	writeJSON(w, h.logger, http.StatusOK, EventsResponse{
		StoryID: storyID,
		Events:  events,
		Count:   len(events),
	})
}

type badQueryError struct{ msg string }

func (e *badQueryError) Error() string { return e.msg }

func (h *EventsHandler) listEvents(r *http.Request, storyID string) ([]*state.Event, error) {
	q := r.URL.Query()

	if turnStr := q.Get("turn"); turnStr != "" {
		turn, err := strconv.Atoi(turnStr)
		if err != nil {
			return nil, &badQueryError{msg: "turn must be an integer"}
		}
		return h.store.ListEventsByTurn(r.Context(), storyID, turn)
	}

	minOrder, err := intParam(q.Get("min_order"), "min_order")
	if err != nil {
		return nil, err
	}
	maxOrder, err := intParam(q.Get("max_order"), "max_order")
	if err != nil {
		return nil, err
	}
	if minOrder != nil || maxOrder != nil {
		return h.store.ListEventsByTimeRange(r.Context(), storyID, minOrder, maxOrder)
	}

	limit := DefaultEventsLimit
	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			return nil, &badQueryError{msg: "limit must be a positive integer"}
		}
	}
	offset := 0
	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			return nil, &badQueryError{msg: "offset must be a non-negative integer"}
		}
	}
	return h.store.ListRecentEvents(r.Context(), storyID, limit, offset)
}

func intParam(raw, name string) (*int, error) {
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil, &badQueryError{msg: name + " must be an integer"}
	}
	return &n, nil
}
