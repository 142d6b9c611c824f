package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"time"
)

// Clone deep-copies the state through its JSON form. Turn processing
// is human-paced, so the round-trip cost is acceptable.
func (cs *CanonicalState) Clone() (*CanonicalState, error) {
	data, err := json.Marshal(cs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state for clone: %w", err)
	}
	var out CanonicalState
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cloned state: %w", err)
	}
	if out.Entities.Characters == nil {
		out.Entities.Characters = make(map[string]*Character)
	}
	if out.Entities.Items == nil {
		out.Entities.Items = make(map[string]*Item)
	}
	if out.Entities.Locations == nil {
		out.Entities.Locations = make(map[string]*Location)
	}
	if out.Entities.Factions == nil {
		out.Entities.Factions = make(map[string]*Faction)
	}
	return &out, nil
}

// PatchWorker applies state patches to a canonical state. The worker
// owns a working copy; callers read the result from State.
type PatchWorker struct {
	cs     *CanonicalState
	logger *slog.Logger
}

// NewPatchWorker creates a worker over a deep copy of cs.
func NewPatchWorker(cs *CanonicalState, logger *slog.Logger) (*PatchWorker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	working, err := cs.Clone()
	if err != nil {
		return nil, err
	}
	return &PatchWorker{cs: working, logger: logger}, nil
}

// State returns the working state.
func (pw *PatchWorker) State() *CanonicalState {
	return pw.cs
}

// Apply folds a single patch into the working state and stamps the
// meta fields with the driving event's id and turn. Missing location
// references are healed afterwards.
func (pw *PatchWorker) Apply(patch *StatePatch, eventID string, turn int) {
	if patch.IsEmpty() {
		return
	}

	for id, update := range patch.EntityUpdates {
		pw.applyEntityUpdate(id, update)
	}
	pw.applyPlayerUpdates(patch.PlayerUpdates)
	if patch.TimeUpdate != nil {
		if patch.TimeUpdate.Calendar != "" {
			pw.cs.Time.Calendar = patch.TimeUpdate.Calendar
		}
		if patch.TimeUpdate.Anchor != nil {
			pw.cs.Time.Anchor = *patch.TimeUpdate.Anchor
		}
	}
	for _, qu := range patch.QuestUpdates {
		pw.applyQuestUpdate(qu)
	}
	for _, c := range patch.ConstraintAdditions {
		pw.addConstraint(c)
	}

	pw.cs.Meta.Turn = max(pw.cs.Meta.Turn, turn)
	pw.cs.Meta.LastEventID = eventID
	pw.cs.Meta.UpdatedAt = time.Now().UTC()

	if created := pw.cs.HealLocationRefs(); len(created) > 0 {
		pw.logger.Warn("synthesized missing locations during patch apply",
			"event_id", eventID,
			"locations", created)
	}
}

// ApplyEvents folds every event's patch in order. The final meta turn
// is the max event turn and last_event_id points at the final event.
func (pw *PatchWorker) ApplyEvents(events []*Event) {
	for _, ev := range events {
		if ev.StatePatch == nil {
			continue
		}
		pw.Apply(ev.StatePatch, ev.EventID, ev.Turn)
	}
}

func (pw *PatchWorker) applyEntityUpdate(id string, update *EntityUpdate) {
	switch update.EntityType {
	case EntityCharacter:
		c, ok := pw.cs.Entities.Characters[id]
		if !ok {
			c = &Character{ID: id, Name: id, Alive: true}
			pw.cs.Entities.Characters[id] = c
		}
		for key, value := range update.Updates {
			pw.setCharacterField(c, key, value)
		}
	case EntityItem:
		it, ok := pw.cs.Entities.Items[id]
		if !ok {
			it = &Item{ID: id, Name: id}
			pw.cs.Entities.Items[id] = it
		}
		for key, value := range update.Updates {
			pw.setItemField(it, key, value)
		}
	case EntityLocation:
		loc, ok := pw.cs.Entities.Locations[id]
		if !ok {
			loc = &Location{ID: id, Name: id}
			pw.cs.Entities.Locations[id] = loc
		}
		for key, value := range update.Updates {
			pw.setLocationField(loc, key, value)
		}
	case EntityFaction:
		f, ok := pw.cs.Entities.Factions[id]
		if !ok {
			f = &Faction{ID: id, Name: id}
			pw.cs.Entities.Factions[id] = f
		}
		for key, value := range update.Updates {
			pw.setFactionField(f, key, value)
		}
	default:
		pw.logger.Warn("skipping update for unknown entity type",
			"entity_type", update.EntityType,
			"entity_id", id)
	}
}

func (pw *PatchWorker) setCharacterField(c *Character, key string, value any) {
	switch key {
	case "name":
		c.Name = asString(value)
	case "alive":
		if b, ok := value.(bool); ok {
			c.Alive = b
		}
	case "location_id":
		c.LocationID = asString(value)
	case "faction_id":
		c.FactionID = asString(value)
	case "metadata":
		c.Metadata = mergeMetadata(c.Metadata, value)
	default:
		pw.logger.Debug("ignoring unknown character field", "field", key, "character_id", c.ID)
	}
}

func (pw *PatchWorker) setItemField(it *Item, key string, value any) {
	switch key {
	case "name":
		it.Name = asString(value)
	case "owner_id":
		it.OwnerID = asString(value)
	case "location_id":
		it.LocationID = asString(value)
	case "unique":
		if b, ok := value.(bool); ok {
			it.Unique = b
		}
	case "metadata":
		it.Metadata = mergeMetadata(it.Metadata, value)
	default:
		pw.logger.Debug("ignoring unknown item field", "field", key, "item_id", it.ID)
	}
}

func (pw *PatchWorker) setLocationField(loc *Location, key string, value any) {
	switch key {
	case "name":
		loc.Name = asString(value)
	case "parent_location_id":
		loc.ParentLocationID = asString(value)
	case "metadata":
		loc.Metadata = mergeMetadata(loc.Metadata, value)
	default:
		pw.logger.Debug("ignoring unknown location field", "field", key, "location_id", loc.ID)
	}
}

func (pw *PatchWorker) setFactionField(f *Faction, key string, value any) {
	switch key {
	case "name":
		f.Name = asString(value)
	case "leader_id":
		f.LeaderID = asString(value)
	case "members":
		f.Members = asStringSlice(value)
	case "metadata":
		f.Metadata = mergeMetadata(f.Metadata, value)
	default:
		pw.logger.Debug("ignoring unknown faction field", "field", key, "faction_id", f.ID)
	}
}

func (pw *PatchWorker) applyPlayerUpdates(updates map[string]any) {
	for key, value := range updates {
		switch key {
		case "inventory_add":
			for _, id := range asStringSlice(value) {
				if !slices.Contains(pw.cs.Player.Inventory, id) {
					pw.cs.Player.Inventory = append(pw.cs.Player.Inventory, id)
				}
			}
		case "inventory_remove":
			remove := asStringSlice(value)
			pw.cs.Player.Inventory = slices.DeleteFunc(pw.cs.Player.Inventory, func(id string) bool {
				return slices.Contains(remove, id)
			})
		case "party_add":
			for _, id := range asStringSlice(value) {
				if !slices.Contains(pw.cs.Player.Party, id) {
					pw.cs.Player.Party = append(pw.cs.Player.Party, id)
				}
			}
		case "party_remove":
			remove := asStringSlice(value)
			pw.cs.Player.Party = slices.DeleteFunc(pw.cs.Player.Party, func(id string) bool {
				return slices.Contains(remove, id)
			})
		case "location_id":
			pw.cs.Player.LocationID = asString(value)
		case "name":
			pw.cs.Player.Name = asString(value)
		case "party":
			pw.cs.Player.Party = asStringSlice(value)
		case "inventory":
			pw.cs.Player.Inventory = asStringSlice(value)
		case "metadata":
			pw.cs.Player.Metadata = mergeMetadata(pw.cs.Player.Metadata, value)
		default:
			pw.logger.Debug("ignoring unknown player field", "field", key)
		}
	}
}

func (pw *PatchWorker) applyQuestUpdate(qu *QuestUpdate) {
	find := func(list []*Quest) *Quest {
		for _, q := range list {
			if q.ID == qu.QuestID {
				return q
			}
		}
		return nil
	}

	quest := find(pw.cs.Quest.Active)
	if quest == nil {
		quest = find(pw.cs.Quest.Completed)
	}
	if quest == nil {
		title := qu.QuestID
		if t, ok := qu.Metadata["title"].(string); ok && t != "" {
			title = t
		}
		quest = &Quest{ID: qu.QuestID, Title: title, Metadata: qu.Metadata}
		if qu.Status == QuestActive {
			pw.cs.Quest.Active = append(pw.cs.Quest.Active, quest)
		} else {
			pw.cs.Quest.Completed = append(pw.cs.Quest.Completed, quest)
		}
	}

	quest.Status = qu.Status
	if len(qu.Metadata) > 0 {
		quest.Metadata = mergeMetadata(quest.Metadata, qu.Metadata)
	}

	switch qu.Status {
	case QuestCompleted, QuestFailed:
		pw.cs.Quest.Active = slices.DeleteFunc(pw.cs.Quest.Active, func(q *Quest) bool {
			return q.ID == qu.QuestID
		})
		if find(pw.cs.Quest.Completed) == nil {
			pw.cs.Quest.Completed = append(pw.cs.Quest.Completed, quest)
		}
	case QuestActive:
		pw.cs.Quest.Completed = slices.DeleteFunc(pw.cs.Quest.Completed, func(q *Quest) bool {
			return q.ID == qu.QuestID
		})
		if find(pw.cs.Quest.Active) == nil {
			pw.cs.Quest.Active = append(pw.cs.Quest.Active, quest)
		}
	}
}

func (pw *PatchWorker) addConstraint(c *Constraint) {
	for _, existing := range pw.cs.Constraints.Constraints {
		if reflect.DeepEqual(existing, c) {
			return
		}
	}
	pw.cs.Constraints.Constraints = append(pw.cs.Constraints.Constraints, c)
	if c.Type == ConstraintUniqueItem && c.EntityID != "" {
		if !slices.Contains(pw.cs.Constraints.UniqueItemIDs, c.EntityID) {
			pw.cs.Constraints.UniqueItemIDs = append(pw.cs.Constraints.UniqueItemIDs, c.EntityID)
		}
	}
	if c.Type == ConstraintImmutableEvent && c.EntityID != "" {
		if !slices.Contains(pw.cs.Constraints.ImmutableEvents, c.EntityID) {
			pw.cs.Constraints.ImmutableEvents = append(pw.cs.Constraints.ImmutableEvents, c.EntityID)
		}
	}
}

func asString(value any) string {
	if value == nil {
		return ""
	}
	s, _ := value.(string)
	return s
}

func asStringSlice(value any) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func mergeMetadata(existing map[string]any, value any) map[string]any {
	incoming, ok := value.(map[string]any)
	if !ok {
		if value == nil {
			return nil
		}
		return existing
	}
	if existing == nil {
		existing = make(map[string]any, len(incoming))
	}
	for k, v := range incoming {
		if v == nil {
			delete(existing, k)
			continue
		}
		existing[k] = v
	}
	return existing
}
