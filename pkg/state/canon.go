package state

import (
	"fmt"
	"strings"
	"time"
)

// Meta carries bookkeeping for a story's canonical state.
type Meta struct {
	StoryID      string    `json:"story_id"`
	CanonVersion string    `json:"canon_version"`
	Turn         int       `json:"turn"`
	LastEventID  string    `json:"last_event_id,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TimeAnchor orders the story's internal chronology. Order is
// independent of wall-clock time.
type TimeAnchor struct {
	Label string `json:"label"`
	Order int    `json:"order"`
}

// TimeState is the story's current time-point.
type TimeState struct {
	Calendar string     `json:"calendar"`
	Anchor   TimeAnchor `json:"anchor"`
}

// PlayerState tracks the player character.
type PlayerState struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	LocationID string         `json:"location_id"`
	Party      []string       `json:"party,omitempty"`
	Inventory  []string       `json:"inventory,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Character is a world character.
type Character struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	LocationID string         `json:"location_id"`
	Alive      bool           `json:"alive"`
	FactionID  string         `json:"faction_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Item is a world item. Unique items must have an owner.
type Item struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	OwnerID    string         `json:"owner_id,omitempty"`
	LocationID string         `json:"location_id,omitempty"`
	Unique     bool           `json:"unique"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Location is a place in the world. Locations may nest.
type Location struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	ParentLocationID string         `json:"parent_location_id,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Faction is a group of characters.
type Faction struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	LeaderID string         `json:"leader_id,omitempty"`
	Members  []string       `json:"members,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Entities holds the four world entity maps.
type Entities struct {
	Characters map[string]*Character `json:"characters"`
	Items      map[string]*Item      `json:"items"`
	Locations  map[string]*Location  `json:"locations"`
	Factions   map[string]*Faction   `json:"factions"`
}

// Quest statuses.
const (
	QuestActive    = "active"
	QuestCompleted = "completed"
	QuestFailed    = "failed"
)

// Quest is a story objective.
type Quest struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	Status        string         `json:"status"`
	Prerequisites []string       `json:"prerequisites,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// QuestState splits quests by completion.
type QuestState struct {
	Active    []*Quest `json:"active"`
	Completed []*Quest `json:"completed"`
}

// Constraint types.
const (
	ConstraintImmutableEvent = "immutable_event"
	ConstraintUniqueItem     = "unique_item"
	ConstraintEntityState    = "entity_state"
	ConstraintRelationship   = "relationship"
)

// Constraint is a hard rule the world must keep satisfying.
type Constraint struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	EntityID    string         `json:"entity_id,omitempty"`
	Value       map[string]any `json:"value,omitempty"`
}

// Constraints collects the hard rules for a story.
type Constraints struct {
	UniqueItemIDs   []string      `json:"unique_item_ids,omitempty"`
	ImmutableEvents []string      `json:"immutable_events,omitempty"`
	Constraints     []*Constraint `json:"constraints,omitempty"`
}

// CanonicalState is the authoritative factual snapshot of a story world.
// It is mutated only through patch application.
type CanonicalState struct {
	Meta        Meta        `json:"meta"`
	Time        TimeState   `json:"time"`
	Player      PlayerState `json:"player"`
	Entities    Entities    `json:"entities"`
	Quest       QuestState  `json:"quest"`
	Constraints Constraints `json:"constraints"`
}

// UnknownLocationID is the placeholder location every scaffold starts with.
const UnknownLocationID = "unknown"

// NewCanonicalState returns an empty, internally consistent scaffold
// for a story seen for the first time.
func NewCanonicalState(storyID string) *CanonicalState {
	return &CanonicalState{
		Meta: Meta{
			StoryID:      storyID,
			CanonVersion: "1.0.0",
			Turn:         0,
			UpdatedAt:    time.Now().UTC(),
		},
		Time: TimeState{
			Calendar: "start",
			Anchor:   TimeAnchor{Label: "start", Order: 0},
		},
		Player: PlayerState{
			ID:         "player_001",
			Name:       "Player",
			LocationID: UnknownLocationID,
		},
		Entities: Entities{
			Characters: make(map[string]*Character),
			Items:      make(map[string]*Item),
			Locations: map[string]*Location{
				UnknownLocationID: {ID: UnknownLocationID, Name: UnknownLocationID},
			},
			Factions: make(map[string]*Faction),
		},
		Quest: QuestState{
			Active:    make([]*Quest, 0),
			Completed: make([]*Quest, 0),
		},
	}
}

// Validate checks referential integrity: player references resolve,
// character locations and factions exist, items are placed somewhere,
// faction membership is real. Returns all problems at once.
func (cs *CanonicalState) Validate() error {
	var errs []string

	if _, ok := cs.Entities.Locations[cs.Player.LocationID]; !ok {
		errs = append(errs, fmt.Sprintf("player location %q not found", cs.Player.LocationID))
	}
	for _, id := range cs.Player.Party {
		if _, ok := cs.Entities.Characters[id]; !ok {
			errs = append(errs, fmt.Sprintf("party member %q not found", id))
		}
	}
	for _, id := range cs.Player.Inventory {
		if _, ok := cs.Entities.Items[id]; !ok {
			errs = append(errs, fmt.Sprintf("inventory item %q not found", id))
		}
	}

	for id, c := range cs.Entities.Characters {
		if c.LocationID != "" {
			if _, ok := cs.Entities.Locations[c.LocationID]; !ok {
				errs = append(errs, fmt.Sprintf("character %q location %q not found", id, c.LocationID))
			}
		}
		if c.FactionID != "" {
			if _, ok := cs.Entities.Factions[c.FactionID]; !ok {
				errs = append(errs, fmt.Sprintf("character %q faction %q not found", id, c.FactionID))
			}
		}
	}

	for id, it := range cs.Entities.Items {
		if it.OwnerID == "" && it.LocationID == "" {
			errs = append(errs, fmt.Sprintf("item %q has neither owner nor location", id))
		}
		if it.Unique && it.OwnerID == "" {
			errs = append(errs, fmt.Sprintf("unique item %q has no owner", id))
		}
		if it.OwnerID != "" {
			_, isChar := cs.Entities.Characters[it.OwnerID]
			_, isLoc := cs.Entities.Locations[it.OwnerID]
			if !isChar && !isLoc && it.OwnerID != cs.Player.ID {
				errs = append(errs, fmt.Sprintf("item %q owner %q not found", id, it.OwnerID))
			}
		}
		if it.LocationID != "" {
			if _, ok := cs.Entities.Locations[it.LocationID]; !ok {
				errs = append(errs, fmt.Sprintf("item %q location %q not found", id, it.LocationID))
			}
		}
	}

	for id, loc := range cs.Entities.Locations {
		if loc.ParentLocationID != "" {
			if _, ok := cs.Entities.Locations[loc.ParentLocationID]; !ok {
				errs = append(errs, fmt.Sprintf("location %q parent %q not found", id, loc.ParentLocationID))
			}
		}
	}

	for id, f := range cs.Entities.Factions {
		if f.LeaderID != "" {
			if _, ok := cs.Entities.Characters[f.LeaderID]; !ok {
				errs = append(errs, fmt.Sprintf("faction %q leader %q not found", id, f.LeaderID))
			}
		}
		for _, m := range f.Members {
			if _, ok := cs.Entities.Characters[m]; !ok {
				errs = append(errs, fmt.Sprintf("faction %q member %q not found", id, m))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("state reference validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// HealLocationRefs synthesizes a placeholder Location for every
// location id referenced by the player, a character, or an item that
// does not exist in the location map. Returns the ids created.
// Recovery is additive only.
func (cs *CanonicalState) HealLocationRefs() []string {
	needed := make(map[string]struct{})

	if cs.Player.LocationID != "" {
		needed[cs.Player.LocationID] = struct{}{}
	}
	for _, c := range cs.Entities.Characters {
		if c.LocationID != "" {
			needed[c.LocationID] = struct{}{}
		}
	}
	for _, it := range cs.Entities.Items {
		if it.LocationID != "" {
			needed[it.LocationID] = struct{}{}
		}
	}

	var created []string
	for id := range needed {
		if _, ok := cs.Entities.Locations[id]; !ok {
			cs.Entities.Locations[id] = &Location{ID: id, Name: id}
			created = append(created, id)
		}
	}
	return created
}

// UniqueItemIDSet returns the union of items flagged unique and ids
// listed in constraints, for quick membership checks.
func (cs *CanonicalState) UniqueItemIDSet() map[string]struct{} {
	set := make(map[string]struct{}, len(cs.Constraints.UniqueItemIDs))
	for _, id := range cs.Constraints.UniqueItemIDs {
		set[id] = struct{}{}
	}
	for id, it := range cs.Entities.Items {
		if it.Unique {
			set[id] = struct{}{}
		}
	}
	return set
}
