package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narrativekit/canon-engine/pkg/chat"
	"github.com/narrativekit/canon-engine/pkg/state"
)

// stubCompleter scripts responses per call and records the messages it saw.
type stubCompleter struct {
	mu        sync.Mutex
	responses []string
	err       error
	calls     [][]chat.ChatMessage
}

func (s *stubCompleter) Extract(ctx context.Context, messages []chat.ChatMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, messages)
	if s.err != nil {
		return "", s.err
	}
	idx := len(s.calls) - 1
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	return s.responses[idx], nil
}

func extractState() *state.CanonicalState {
	cs := state.NewCanonicalState("s1")
	cs.Player = state.PlayerState{ID: "player_001", Name: "Player", LocationID: "luoyang"}
	cs.Time = state.TimeState{
		Calendar: "day 3",
		Anchor:   state.TimeAnchor{Label: "evening", Order: 10},
	}
	cs.Entities.Locations["luoyang"] = &state.Location{ID: "luoyang", Name: "Luoyang"}
	cs.Entities.Characters["caocao"] = &state.Character{
		ID: "caocao", Name: "Cao Cao", LocationID: "luoyang", Alive: true, FactionID: "wei",
	}
	cs.Entities.Items["seal_001"] = &state.Item{
		ID: "seal_001", Name: "Imperial Seal", OwnerID: "caocao", Unique: true,
	}
	cs.Entities.Factions["wei"] = &state.Faction{ID: "wei", Name: "Wei"}
	return cs
}

func goodResponse() string {
	return `{
		"events": [
			{
				"turn": 1,
				"time": {"label": "evening", "order": 10},
				"where": {"location_id": "luoyang"},
				"who": {"actors": ["caocao"]},
				"type": "OWNERSHIP_CHANGE",
				"summary": "Cao Cao gives the seal to the player",
				"payload": {"item_id": "seal_001", "old_owner_id": "caocao", "new_owner_id": "player_001"},
				"state_patch": {
					"entity_updates": {
						"seal_001": {"entity_type": "item", "entity_id": "seal_001", "updates": {"owner_id": "player_001"}}
					}
				},
				"confidence": 0.9
			}
		],
		"open_questions": []
	}`
}

func TestExtractEventsHappyPath(t *testing.T) {
	stub := &stubCompleter{responses: []string{goodResponse()}}
	ex := NewExtractor(stub, 1, nil)
	cs := extractState()

	res, err := ex.ExtractEvents(context.Background(), cs, "I accept the seal.", "Cao Cao hands over the Imperial Seal.", 1)
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.False(t, res.RequiresUserInput)

	ev := res.Events[0]
	assert.True(t, strings.HasPrefix(ev.EventID, "evt_1_"))
	assert.Equal(t, "s1", ev.StoryID)
	assert.Equal(t, 1, ev.Turn)
	assert.Equal(t, state.EventOwnershipChange, ev.Type)
	assert.Equal(t, "seal_001", ev.PayloadString("item_id"))
	assert.Equal(t, "draft_turn_1", ev.Evidence.Source)
	assert.Equal(t, "Cao Cao hands over the Imperial Seal.", ev.Evidence.TextSpan)
	require.Len(t, stub.calls, 1)
}

func TestExtractEventsRetryCarriesParseError(t *testing.T) {
	stub := &stubCompleter{responses: []string{"I could not produce JSON, sorry.", goodResponse()}}
	ex := NewExtractor(stub, 1, nil)
	cs := extractState()

	res, err := ex.ExtractEvents(context.Background(), cs, "", "Cao Cao hands over the Imperial Seal.", 1)
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	require.Len(t, stub.calls, 2)

	var retryNote string
	for _, m := range stub.calls[1] {
		if m.Role == chat.ChatRoleSystem && strings.Contains(m.Content, "could not be parsed") {
			retryNote = m.Content
		}
	}
	require.NotEmpty(t, retryNote)
	assert.Contains(t, retryNote, "failed to parse extraction response")
}

func TestExtractEventsParseFailureAfterRetries(t *testing.T) {
	stub := &stubCompleter{responses: []string{"nope", "still nope"}}
	ex := NewExtractor(stub, 1, nil)
	cs := extractState()

	_, err := ex.ExtractEvents(context.Background(), cs, "", "Something happens.", 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExtractionParse))
	assert.Len(t, stub.calls, 2)
}

func TestExtractEventsRequestError(t *testing.T) {
	stub := &stubCompleter{err: fmt.Errorf("connection refused")}
	ex := NewExtractor(stub, 1, nil)
	cs := extractState()

	_, err := ex.ExtractEvents(context.Background(), cs, "", "Something happens.", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extraction request failed")
}

func TestExtractEventsTimeout(t *testing.T) {
	stub := &stubCompleter{err: fmt.Errorf("request aborted: %w", context.DeadlineExceeded)}
	ex := NewExtractor(stub, 1, nil)
	cs := extractState()

	_, err := ex.ExtractEvents(context.Background(), cs, "", "Something happens.", 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExtractionTimeout))
}

func TestExtractEventsDefaultEvent(t *testing.T) {
	stub := &stubCompleter{responses: []string{`{"events": [], "open_questions": []}`}}
	ex := NewExtractor(stub, 1, nil)
	cs := extractState()

	draft := "The evening passes quietly.\nNothing stirs in the courtyard."
	res, err := ex.ExtractEvents(context.Background(), cs, "", draft, 3)
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.False(t, res.RequiresUserInput)

	ev := res.Events[0]
	assert.Equal(t, state.EventOther, ev.Type)
	assert.Equal(t, "The evening passes quietly.", ev.Summary)
	assert.Equal(t, "luoyang", ev.Where.LocationID)
	assert.Equal(t, []string{"player_001"}, ev.Who.Actors)
	assert.Equal(t, 10, ev.Time.Order)
	require.NotNil(t, ev.StatePatch)
	meta, ok := ev.StatePatch.PlayerUpdates["metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 3, meta["last_turn"])
	assert.NoError(t, ev.Validate())
}

func TestExtractEventsOpenQuestionsSkipDefault(t *testing.T) {
	stub := &stubCompleter{responses: []string{`{"events": [], "open_questions": ["Which sword does the stranger carry?"]}`}}
	ex := NewExtractor(stub, 1, nil)
	cs := extractState()

	res, err := ex.ExtractEvents(context.Background(), cs, "", "A stranger draws an unfamiliar blade.", 2)
	require.NoError(t, err)
	assert.Empty(t, res.Events)
	assert.True(t, res.RequiresUserInput)
	require.Len(t, res.OpenQuestions, 1)
}

func TestExtractEventsSkipsInvalidCandidates(t *testing.T) {
	stub := &stubCompleter{responses: []string{`{
		"events": [
			{
				"turn": 1,
				"time": {"label": "evening", "order": 10},
				"where": {"location_id": "luoyang"},
				"type": "TRAVEL",
				"summary": "A journey with no payload",
				"payload": {},
				"state_patch": {
					"entity_updates": {
						"caocao": {"entity_type": "character", "entity_id": "caocao", "updates": {"location_id": "xuchang"}}
					}
				}
			},
			{
				"turn": 1,
				"time": {"label": "evening", "order": 10},
				"where": {"location_id": "luoyang"},
				"who": {"actors": ["caocao"]},
				"type": "OTHER",
				"summary": "Cao Cao muses by the window",
				"payload": {},
				"state_patch": {"player_updates": {"metadata": {"last_turn": 1}}}
			}
		],
		"open_questions": []
	}`}}
	ex := NewExtractor(stub, 1, nil)
	cs := extractState()

	res, err := ex.ExtractEvents(context.Background(), cs, "", "Cao Cao muses by the window.", 1)
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, state.EventOther, res.Events[0].Type)
}

func TestPromptBuilderRequiresState(t *testing.T) {
	_, err := NewPromptBuilder().WithDraft("d").Build()
	assert.Error(t, err)
}

func TestPromptBuilderSummaryNamesEntities(t *testing.T) {
	cs := extractState()
	messages, err := NewPromptBuilder().
		WithState(cs, 4).
		WithUserMessage("I bow.").
		WithDraft("The player bows.").
		Build()
	require.NoError(t, err)
	require.Len(t, messages, 2)

	system := messages[0]
	assert.Equal(t, chat.ChatRoleSystem, system.Role)
	assert.Contains(t, system.Content, "Turn: 4")
	assert.Contains(t, system.Content, "caocao: Cao Cao, alive, at Luoyang (luoyang)")
	assert.Contains(t, system.Content, "seal_001: Imperial Seal, owned by caocao")
	assert.Contains(t, system.Content, "Unique items (exactly one owner each): seal_001")

	user := messages[1]
	assert.Equal(t, chat.ChatRoleUser, user.Role)
	assert.Contains(t, user.Content, "Player message:\nI bow.")
	assert.Contains(t, user.Content, "Assistant draft:\nThe player bows.")
}
