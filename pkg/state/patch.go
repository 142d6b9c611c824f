package state

// Entity types accepted in an EntityUpdate.
const (
	EntityCharacter = "character"
	EntityItem      = "item"
	EntityLocation  = "location"
	EntityFaction   = "faction"
)

// EntityUpdate is a sparse field overlay for a single entity. A nil
// value in Updates explicitly unsets the field; a missing key leaves
// it untouched. Unknown ids create new entities of EntityType.
type EntityUpdate struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Updates    map[string]any `json:"updates"`
}

// TimeUpdate replaces the calendar and/or anchor.
type TimeUpdate struct {
	Calendar string      `json:"calendar,omitempty"`
	Anchor   *TimeAnchor `json:"anchor,omitempty"`
}

// QuestUpdate moves a quest between the active and completed lists,
// creating it if unknown.
type QuestUpdate struct {
	QuestID  string         `json:"quest_id"`
	Status   string         `json:"status"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// StatePatch is a sparse overlay of updates to a CanonicalState.
// Patches are additive: unset sections are no-ops.
type StatePatch struct {
	EntityUpdates       map[string]*EntityUpdate `json:"entity_updates,omitempty"`
	TimeUpdate          *TimeUpdate              `json:"time_update,omitempty"`
	QuestUpdates        []*QuestUpdate           `json:"quest_updates,omitempty"`
	ConstraintAdditions []*Constraint            `json:"constraint_additions,omitempty"`
	PlayerUpdates       map[string]any           `json:"player_updates,omitempty"`
}

// IsEmpty reports whether the patch carries no changes at all.
func (p *StatePatch) IsEmpty() bool {
	return p == nil ||
		(len(p.EntityUpdates) == 0 &&
			p.TimeUpdate == nil &&
			len(p.QuestUpdates) == 0 &&
			len(p.ConstraintAdditions) == 0 &&
			len(p.PlayerUpdates) == 0)
}

// Merge overlays other on top of p, returning a new patch. Entity
// updates for the same id are field-merged with other winning;
// time updates are replaced wholesale; quest updates and constraint
// additions are concatenated; player updates are key-merged.
func (p *StatePatch) Merge(other *StatePatch) *StatePatch {
	if other.IsEmpty() {
		return p
	}
	if p.IsEmpty() {
		return other
	}

	merged := &StatePatch{
		EntityUpdates: make(map[string]*EntityUpdate, len(p.EntityUpdates)+len(other.EntityUpdates)),
		TimeUpdate:    p.TimeUpdate,
	}
	for id, u := range p.EntityUpdates {
		merged.EntityUpdates[id] = u
	}
	for id, u := range other.EntityUpdates {
		if existing, ok := merged.EntityUpdates[id]; ok && existing.EntityType == u.EntityType {
			combined := &EntityUpdate{
				EntityType: existing.EntityType,
				EntityID:   existing.EntityID,
				Updates:    make(map[string]any, len(existing.Updates)+len(u.Updates)),
			}
			for k, v := range existing.Updates {
				combined.Updates[k] = v
			}
			for k, v := range u.Updates {
				combined.Updates[k] = v
			}
			merged.EntityUpdates[id] = combined
			continue
		}
		merged.EntityUpdates[id] = u
	}

	if other.TimeUpdate != nil {
		merged.TimeUpdate = other.TimeUpdate
	}
	merged.QuestUpdates = append(append([]*QuestUpdate{}, p.QuestUpdates...), other.QuestUpdates...)
	merged.ConstraintAdditions = append(append([]*Constraint{}, p.ConstraintAdditions...), other.ConstraintAdditions...)

	if len(p.PlayerUpdates) > 0 || len(other.PlayerUpdates) > 0 {
		merged.PlayerUpdates = make(map[string]any, len(p.PlayerUpdates)+len(other.PlayerUpdates))
		for k, v := range p.PlayerUpdates {
			merged.PlayerUpdates[k] = v
		}
		for k, v := range other.PlayerUpdates {
			merged.PlayerUpdates[k] = v
		}
	}
	return merged
}
