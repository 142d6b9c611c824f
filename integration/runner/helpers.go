package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/narrativekit/canon-engine/pkg/chat"
	"github.com/narrativekit/canon-engine/pkg/state"
)

// ProcessDraft posts one turn to the draft endpoint and returns the
// disposition. REWRITE and ASK_USER come back as 200s like committed
// turns; only transport and server failures are errors.
func ProcessDraft(ctx context.Context, client *http.Client, baseURL string, turnReq chat.TurnRequest) (*chat.TurnResponse, error) {
	reqBody, err := json.Marshal(turnReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal turn request: %w", err)
	}

	url := fmt.Sprintf("%s/draft/process", baseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create draft request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send draft request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("draft endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var turnResp chat.TurnResponse
	if err := json.NewDecoder(resp.Body).Decode(&turnResp); err != nil {
		return nil, fmt.Errorf("failed to parse turn response: %w", err)
	}

	return &turnResp, nil
}

// GetStoryState retrieves the current canonical state. Unknown stories
// come back as a fresh turn-0 scaffold, so this also seeds a story.
func GetStoryState(ctx context.Context, client *http.Client, baseURL, storyID string) (*state.CanonicalState, error) {
	url := fmt.Sprintf("%s/state/%s", baseURL, storyID)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create state request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send state request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("state endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var cs state.CanonicalState
	if err := json.NewDecoder(resp.Body).Decode(&cs); err != nil {
		return nil, fmt.Errorf("failed to decode state: %w", err)
	}

	return &cs, nil
}

// eventsResponse mirrors the events endpoint envelope.
type eventsResponse struct {
	StoryID string         `json:"story_id"`
	Events  []*state.Event `json:"events"`
	Count   int            `json:"count"`
}

// GetRecentEvents retrieves the newest events for a story.
func GetRecentEvents(ctx context.Context, client *http.Client, baseURL, storyID string, limit int) ([]*state.Event, error) {
	url := fmt.Sprintf("%s/events/%s?limit=%d", baseURL, storyID, limit)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create events request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send events request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("events endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var envelope eventsResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("failed to decode events: %w", err)
	}

	return envelope.Events, nil
}
