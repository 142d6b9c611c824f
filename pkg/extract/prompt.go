package extract

import (
	"fmt"
	"strings"

	"github.com/narrativekit/canon-engine/pkg/chat"
	"github.com/narrativekit/canon-engine/pkg/state"
)

const maxSummaryEntities = 10

const extractionRolePrompt = `You are an event extraction system for an interactive narrative engine. Given the current canonical world state, the user's message, and the assistant's draft narration, identify every concrete event that happened in the draft and describe how it changes the world state.

Respond with a single JSON object of the form:
{
  "events": [ ... ],
  "open_questions": [ ... ]
}

Each event object must have: "turn" (int), "time" {"label": string, "order": int}, "where" {"location_id": string}, "who" {"actors": [ids], "witnesses": [ids]}, "type" (string), "summary" (string), "payload" (object), "state_patch" (object), "confidence" (0.0-1.0).`

const extractionTypePrompt = `Event types and their required payload keys (nullable keys must still be present):
- OWNERSHIP_CHANGE: item_id, old_owner_id, new_owner_id
- DEATH: character_id
- REVIVAL: character_id
- TRAVEL: character_id, from_location_id, to_location_id
- FACTION_CHANGE: character_id, old_faction_id, new_faction_id
- QUEST_START / QUEST_COMPLETE / QUEST_FAIL: quest_id
- ITEM_CREATE / ITEM_DESTROY: item_id
- TIME_ADVANCE: time_anchor
- RELATIONSHIP_CHANGE, OTHER: no required keys`

const extractionPatchPrompt = `The state_patch describes the sparse state changes the event causes:
{
  "entity_updates": {
    "<entity_id>": {"entity_type": "character|item|location|faction", "entity_id": "<entity_id>", "updates": {"<field>": <value>}}
  },
  "time_update": {"calendar": string, "anchor": {"label": string, "order": int}},
  "quest_updates": [{"quest_id": string, "status": "active|completed|failed"}],
  "player_updates": {"<field>": <value>}
}
entity_updates MUST be an object keyed by entity id, never an array. Patch fields by event type:
- OWNERSHIP_CHANGE: set "owner_id" (and usually "location_id") on the item
- DEATH: set "alive": false on the character
- REVIVAL: set "alive": true on the character
- TRAVEL: set "location_id" on the character
- FACTION_CHANGE: set "faction_id" on the character
- TIME_ADVANCE: use "time_update"`

const extractionExamplePrompt = `Example. Draft: "Cao Cao slides the Imperial Seal across the table to Liu Bei." Response:
{
  "events": [
    {
      "turn": 4,
      "time": {"label": "evening, day 3", "order": 12},
      "where": {"location_id": "luoyang"},
      "who": {"actors": ["caocao", "liubei"], "witnesses": []},
      "type": "OWNERSHIP_CHANGE",
      "summary": "Cao Cao gives the Imperial Seal to Liu Bei",
      "payload": {"item_id": "seal_001", "old_owner_id": "caocao", "new_owner_id": "liubei"},
      "state_patch": {
        "entity_updates": {
          "seal_001": {"entity_type": "item", "entity_id": "seal_001", "updates": {"owner_id": "liubei"}}
        }
      },
      "confidence": 0.95
    }
  ],
  "open_questions": []
}`

const extractionRulesPrompt = `Rules:
1. Extract at least one event. If nothing of consequence happened, emit a single OTHER event summarizing the turn.
2. Use only entity ids that appear in the world state. If the draft introduces an item or character you cannot match to a known id, do not guess: add a question to "open_questions" instead.
3. Every event must carry a state_patch with at least one update.
4. Keep summaries to one sentence of plain prose.
5. Respond with the JSON object only. No markdown fences, no commentary.`

// PromptBuilder assembles the extraction conversation for one turn
// using a fluent interface.
type PromptBuilder struct {
	cs          *state.CanonicalState
	turn        int
	userMessage string
	draft       string
	retryNotes  []string
}

func NewPromptBuilder() *PromptBuilder {
	return &PromptBuilder{}
}

// WithState sets the canonical state snapshot and the turn being processed.
func (b *PromptBuilder) WithState(cs *state.CanonicalState, turn int) *PromptBuilder {
	b.cs = cs
	b.turn = turn
	return b
}

// WithUserMessage sets the player's message for the turn.
func (b *PromptBuilder) WithUserMessage(message string) *PromptBuilder {
	b.userMessage = message
	return b
}

// WithDraft sets the assistant narration to extract events from.
func (b *PromptBuilder) WithDraft(draft string) *PromptBuilder {
	b.draft = draft
	return b
}

// WithRetryContext appends a parse failure from a previous attempt so
// the model can correct its output format.
func (b *PromptBuilder) WithRetryContext(parseErr string) *PromptBuilder {
	b.retryNotes = append(b.retryNotes, parseErr)
	return b
}

// Build constructs the final message array for LLM consumption.
func (b *PromptBuilder) Build() ([]chat.ChatMessage, error) {
	if b.cs == nil {
		return nil, fmt.Errorf("canonical state is required")
	}
	if b.draft == "" {
		return nil, fmt.Errorf("draft is required")
	}

	var sb strings.Builder
	sb.WriteString(extractionRolePrompt)
	sb.WriteString("\n\n")
	sb.WriteString(extractionTypePrompt)
	sb.WriteString("\n\n")
	sb.WriteString(extractionPatchPrompt)
	sb.WriteString("\n\n")
	sb.WriteString(extractionExamplePrompt)
	sb.WriteString("\n\n")
	sb.WriteString(extractionRulesPrompt)
	sb.WriteString("\n\nCurrent world state:\n")
	sb.WriteString(formatStateSummary(b.cs, b.turn))

	messages := []chat.ChatMessage{
		{Role: chat.ChatRoleSystem, Content: sb.String()},
	}

	for _, note := range b.retryNotes {
		messages = append(messages, chat.ChatMessage{
			Role:    chat.ChatRoleSystem,
			Content: "Your previous response could not be parsed: " + note + "\nRespond again with only the JSON object, exactly in the format specified.",
		})
	}

	var ub strings.Builder
	if b.userMessage != "" {
		ub.WriteString("Player message:\n")
		ub.WriteString(b.userMessage)
		ub.WriteString("\n\n")
	}
	ub.WriteString("Assistant draft:\n")
	ub.WriteString(b.draft)
	messages = append(messages, chat.ChatMessage{
		Role:    chat.ChatRoleUser,
		Content: ub.String(),
	})

	return messages, nil
}

// formatStateSummary renders the slice of canonical state the model
// needs to resolve entity ids. Entity lists are capped so large worlds
// do not blow out the prompt.
func formatStateSummary(cs *state.CanonicalState, turn int) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Turn: %d\n", turn)
	fmt.Fprintf(&sb, "Time: %s (anchor %q, order %d)\n",
		cs.Time.Calendar, cs.Time.Anchor.Label, cs.Time.Anchor.Order)

	fmt.Fprintf(&sb, "Player: %s (%s) at %s\n",
		cs.Player.Name, cs.Player.ID, locationName(cs, cs.Player.LocationID))
	if len(cs.Player.Party) > 0 {
		fmt.Fprintf(&sb, "Party: %s\n", strings.Join(cs.Player.Party, ", "))
	}
	if len(cs.Player.Inventory) > 0 {
		fmt.Fprintf(&sb, "Inventory: %s\n", strings.Join(cs.Player.Inventory, ", "))
	}

	charIDs := sortedKeys(cs.Entities.Characters)
	if len(charIDs) > 0 {
		sb.WriteString("Characters:\n")
		for i, id := range charIDs {
			if i == maxSummaryEntities {
				fmt.Fprintf(&sb, "  ... and %d more\n", len(charIDs)-maxSummaryEntities)
				break
			}
			c := cs.Entities.Characters[id]
			status := "alive"
			if !c.Alive {
				status = "dead"
			}
			fmt.Fprintf(&sb, "  %s: %s, %s, at %s", id, c.Name, status, locationName(cs, c.LocationID))
			if c.FactionID != "" {
				fmt.Fprintf(&sb, ", faction %s", c.FactionID)
			}
			sb.WriteString("\n")
		}
	}

	itemIDs := sortedKeys(cs.Entities.Items)
	if len(itemIDs) > 0 {
		sb.WriteString("Items:\n")
		for i, id := range itemIDs {
			if i == maxSummaryEntities {
				fmt.Fprintf(&sb, "  ... and %d more\n", len(itemIDs)-maxSummaryEntities)
				break
			}
			it := cs.Entities.Items[id]
			fmt.Fprintf(&sb, "  %s: %s, ", id, it.Name)
			if it.OwnerID != "" {
				fmt.Fprintf(&sb, "owned by %s", it.OwnerID)
			} else {
				fmt.Fprintf(&sb, "at %s", locationName(cs, it.LocationID))
			}
			sb.WriteString("\n")
		}
	}

	locIDs := sortedKeys(cs.Entities.Locations)
	if len(locIDs) > 0 {
		sb.WriteString("Locations: ")
		parts := make([]string, 0, len(locIDs))
		for _, id := range locIDs {
			parts = append(parts, fmt.Sprintf("%s (%s)", id, cs.Entities.Locations[id].Name))
		}
		sb.WriteString(strings.Join(parts, ", "))
		sb.WriteString("\n")
	}

	facIDs := sortedKeys(cs.Entities.Factions)
	if len(facIDs) > 0 {
		sb.WriteString("Factions: ")
		parts := make([]string, 0, len(facIDs))
		for _, id := range facIDs {
			parts = append(parts, fmt.Sprintf("%s (%s)", id, cs.Entities.Factions[id].Name))
		}
		sb.WriteString(strings.Join(parts, ", "))
		sb.WriteString("\n")
	}

	unique := sortedKeys(cs.UniqueItemIDSet())
	if len(unique) > 0 {
		fmt.Fprintf(&sb, "Unique items (exactly one owner each): %s\n", strings.Join(unique, ", "))
	}
	if n := len(cs.Constraints.ImmutableEvents); n > 0 {
		fmt.Fprintf(&sb, "Immutable events on record: %d\n", n)
	}

	return sb.String()
}

func locationName(cs *state.CanonicalState, id string) string {
	if loc, ok := cs.Entities.Locations[id]; ok && loc.Name != "" {
		return fmt.Sprintf("%s (%s)", loc.Name, id)
	}
	if id == "" {
		return state.UnknownLocationID
	}
	return id
}
