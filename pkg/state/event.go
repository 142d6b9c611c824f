package state

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event types. Each type constrains the payload keys it must carry.
const (
	EventOwnershipChange    = "OWNERSHIP_CHANGE"
	EventDeath              = "DEATH"
	EventRevival            = "REVIVAL"
	EventTravel             = "TRAVEL"
	EventFactionChange      = "FACTION_CHANGE"
	EventQuestStart         = "QUEST_START"
	EventQuestComplete      = "QUEST_COMPLETE"
	EventQuestFail          = "QUEST_FAIL"
	EventItemCreate         = "ITEM_CREATE"
	EventItemDestroy        = "ITEM_DESTROY"
	EventTimeAdvance        = "TIME_ADVANCE"
	EventRelationshipChange = "RELATIONSHIP_CHANGE"
	EventOther              = "OTHER"
)

var validEventTypes = map[string]struct{}{
	EventOwnershipChange:    {},
	EventDeath:              {},
	EventRevival:            {},
	EventTravel:             {},
	EventFactionChange:      {},
	EventQuestStart:         {},
	EventQuestComplete:      {},
	EventQuestFail:          {},
	EventItemCreate:         {},
	EventItemDestroy:        {},
	EventTimeAdvance:        {},
	EventRelationshipChange: {},
	EventOther:              {},
}

// requiredPayloadKeys maps an event type to the payload keys it must
// carry. Nullable keys still must be present.
var requiredPayloadKeys = map[string][]string{
	EventOwnershipChange: {"item_id", "old_owner_id", "new_owner_id"},
	EventDeath:           {"character_id"},
	EventRevival:         {"character_id"},
	EventTravel:          {"character_id", "from_location_id", "to_location_id"},
	EventFactionChange:   {"character_id", "old_faction_id", "new_faction_id"},
	EventQuestStart:      {"quest_id"},
	EventQuestComplete:   {"quest_id"},
	EventQuestFail:       {"quest_id"},
	EventItemCreate:      {"item_id"},
	EventItemDestroy:     {"item_id"},
	EventTimeAdvance:     {"time_anchor"},
}

// EventTime places an event on the story timeline.
type EventTime struct {
	Label string `json:"label"`
	Order int    `json:"order"`
}

// EventLocation is where an event happened.
type EventLocation struct {
	LocationID string `json:"location_id"`
}

// EventParticipants names who acted and who watched.
type EventParticipants struct {
	Actors    []string `json:"actors,omitempty"`
	Witnesses []string `json:"witnesses,omitempty"`
}

// EventEvidence ties an event back to the draft text it came from.
type EventEvidence struct {
	Source   string `json:"source"`
	TextSpan string `json:"text_span,omitempty"`
}

// Event is the immutable unit of state change. Once appended to the
// log it is never modified or deleted.
type Event struct {
	EventID    string            `json:"event_id"`
	StoryID    string            `json:"story_id,omitempty"`
	Turn       int               `json:"turn"`
	Time       EventTime         `json:"time"`
	Where      EventLocation     `json:"where"`
	Who        EventParticipants `json:"who"`
	Type       string            `json:"type"`
	Summary    string            `json:"summary"`
	Payload    map[string]any    `json:"payload,omitempty"`
	StatePatch *StatePatch       `json:"state_patch"`
	Evidence   EventEvidence     `json:"evidence"`
	CreatedAt  time.Time         `json:"created_at"`
}

// NewEventID builds an event id of the form
// evt_{turn}_{unix_seconds}_{8-hex}.
func NewEventID(turn int) string {
	return fmt.Sprintf("evt_%d_%d_%s", turn, time.Now().Unix(), shortHex())
}

// NewFixEventID builds the id for a gate-synthesized fix event.
func NewFixEventID(turn int) string {
	return fmt.Sprintf("evt_fix_%d_%d_%s", turn, time.Now().Unix(), shortHex())
}

func shortHex() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Validate checks id format, type, per-type payload keys, and that the
// patch carries at least one change (traceability).
func (e *Event) Validate() error {
	if !strings.HasPrefix(e.EventID, "evt_") {
		return fmt.Errorf("event_id %q must start with evt_", e.EventID)
	}
	if e.Turn < 0 {
		return fmt.Errorf("event %s: turn must be non-negative", e.EventID)
	}
	if _, ok := validEventTypes[e.Type]; !ok {
		return fmt.Errorf("event %s: unknown type %q", e.EventID, e.Type)
	}
	if e.Summary == "" {
		return fmt.Errorf("event %s: summary is required", e.EventID)
	}
	for _, key := range requiredPayloadKeys[e.Type] {
		if _, ok := e.Payload[key]; !ok {
			return fmt.Errorf("event %s: %s payload missing %q", e.EventID, e.Type, key)
		}
	}
	if e.StatePatch == nil || e.StatePatch.IsEmpty() {
		return fmt.Errorf("event %s: state_patch must contain at least one update", e.EventID)
	}
	return nil
}

// PayloadString reads a payload value as a string. Missing keys and
// JSON nulls both come back as the empty string.
func (e *Event) PayloadString(key string) string {
	v, ok := e.Payload[key]
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}
