package state

import (
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validOwnershipEvent() *Event {
	return &Event{
		EventID: NewEventID(3),
		Turn:    3,
		Time:    EventTime{Label: "spring", Order: 5},
		Where:   EventLocation{LocationID: "xuchang"},
		Who:     EventParticipants{Actors: []string{"caocao"}},
		Type:    EventOwnershipChange,
		Summary: "Cao Cao gifts the sword to the player",
		Payload: map[string]any{
			"item_id":      "sword_001",
			"old_owner_id": "caocao",
			"new_owner_id": "player_001",
		},
		StatePatch: &StatePatch{
			EntityUpdates: map[string]*EntityUpdate{
				"sword_001": {
					EntityType: EntityItem,
					EntityID:   "sword_001",
					Updates:    map[string]any{"owner_id": "player_001"},
				},
			},
		},
		Evidence:  EventEvidence{Source: "draft_turn_3"},
		CreatedAt: time.Now().UTC(),
	}
}

func TestNewEventID(t *testing.T) {
	id := NewEventID(7)
	assert.Regexp(t, regexp.MustCompile(`^evt_7_\d+_[0-9a-f]{8}$`), id)

	fix := NewFixEventID(7)
	assert.Regexp(t, regexp.MustCompile(`^evt_fix_7_\d+_[0-9a-f]{8}$`), fix)

	assert.NotEqual(t, NewEventID(7), NewEventID(7))
}

func TestEventValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(e *Event)
		wantErr string
	}{
		{
			name:   "valid ownership change",
			mutate: func(e *Event) {},
		},
		{
			name:    "bad id prefix",
			mutate:  func(e *Event) { e.EventID = "event_1" },
			wantErr: "must start with evt_",
		},
		{
			name:    "negative turn",
			mutate:  func(e *Event) { e.Turn = -1 },
			wantErr: "turn must be non-negative",
		},
		{
			name:    "unknown type",
			mutate:  func(e *Event) { e.Type = "TELEPORT" },
			wantErr: "unknown type",
		},
		{
			name:    "empty summary",
			mutate:  func(e *Event) { e.Summary = "" },
			wantErr: "summary is required",
		},
		{
			name:    "missing payload key",
			mutate:  func(e *Event) { delete(e.Payload, "new_owner_id") },
			wantErr: `missing "new_owner_id"`,
		},
		{
			name:    "empty patch",
			mutate:  func(e *Event) { e.StatePatch = &StatePatch{} },
			wantErr: "state_patch must contain at least one update",
		},
		{
			name:    "nil patch",
			mutate:  func(e *Event) { e.StatePatch = nil },
			wantErr: "state_patch must contain at least one update",
		},
		{
			name: "nullable payload value present as null",
			mutate: func(e *Event) {
				e.Payload["old_owner_id"] = nil
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := validOwnershipEvent()
			tc.mutate(e)
			err := e.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestEventValidatePayloadByType(t *testing.T) {
	tests := []struct {
		eventType string
		payload   map[string]any
		wantKey   string
	}{
		{EventDeath, map[string]any{}, "character_id"},
		{EventTravel, map[string]any{"character_id": "z", "from_location_id": "a"}, "to_location_id"},
		{EventFactionChange, map[string]any{"character_id": "z", "old_faction_id": nil}, "new_faction_id"},
		{EventQuestStart, map[string]any{}, "quest_id"},
		{EventItemDestroy, map[string]any{}, "item_id"},
		{EventTimeAdvance, map[string]any{}, "time_anchor"},
	}

	for _, tc := range tests {
		t.Run(tc.eventType, func(t *testing.T) {
			e := validOwnershipEvent()
			e.Type = tc.eventType
			e.Payload = tc.payload
			err := e.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantKey)
		})
	}
}

func TestEventPayloadString(t *testing.T) {
	e := validOwnershipEvent()
	assert.Equal(t, "sword_001", e.PayloadString("item_id"))
	assert.Equal(t, "", e.PayloadString("missing"))

	e.Payload["old_owner_id"] = nil
	assert.Equal(t, "", e.PayloadString("old_owner_id"))
}

func TestEventRoundTrip(t *testing.T) {
	e := validOwnershipEvent()
	data, err := json.Marshal(e)
	require.NoError(t, err)

	var back Event
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, e.EventID, back.EventID)
	assert.Equal(t, e.Type, back.Type)
	require.NotNil(t, back.StatePatch)
	assert.Equal(t, "player_001", back.StatePatch.EntityUpdates["sword_001"].Updates["owner_id"])
	assert.NoError(t, back.Validate())
}
