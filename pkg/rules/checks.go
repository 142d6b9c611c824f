package rules

import (
	"fmt"
	"slices"
	"strings"

	"github.com/narrativekit/canon-engine/pkg/state"
)

// R1: a unique item has at most one owner across the pending events.
// Owners are collected both from OWNERSHIP_CHANGE payloads and from
// item patches, so a clash is caught whichever way it was expressed.
func checkUniqueOwnership(current *state.CanonicalState, events []*state.Event) []Violation {
	unique := current.UniqueItemIDSet()
	owners := make(map[string]map[string]struct{})
	record := func(itemID, owner string) {
		if itemID == "" || owner == "" {
			return
		}
		if _, ok := unique[itemID]; !ok {
			return
		}
		set, ok := owners[itemID]
		if !ok {
			set = make(map[string]struct{})
			owners[itemID] = set
		}
		set[owner] = struct{}{}
	}

	for _, ev := range events {
		if ev.Type == state.EventOwnershipChange {
			record(ev.PayloadString("item_id"), ev.PayloadString("new_owner_id"))
		}
		if ev.StatePatch == nil {
			continue
		}
		for id, u := range ev.StatePatch.EntityUpdates {
			if u.EntityType != state.EntityItem {
				continue
			}
			if owner, ok := u.Updates["owner_id"].(string); ok {
				record(id, owner)
			}
		}
	}

	var out []Violation
	for _, itemID := range sortedKeys(owners) {
		set := owners[itemID]
		if len(set) < 2 {
			continue
		}
		name := itemID
		if it := current.Entities.Items[itemID]; it != nil && it.Name != "" {
			name = it.Name
		}
		out = append(out, Violation{
			RuleID:   "R1",
			RuleName: "unique_ownership",
			Severity: SeverityError,
			EntityID: itemID,
			Message: fmt.Sprintf("unique item %q assigned to multiple owners (%s)",
				name, strings.Join(sortedKeys(set), ", ")),
		})
	}
	return out
}

// R2: an owned item sits where its owner sits. Drift is a warning the
// gate can repair itself.
func checkOwnerLocation(projected *state.CanonicalState) []Violation {
	var out []Violation
	for _, id := range sortedKeys(projected.Entities.Items) {
		it := projected.Entities.Items[id]
		if it.OwnerID == "" {
			continue
		}
		expected := ownerLocation(projected, it.OwnerID)
		if expected == "" || it.LocationID == expected {
			continue
		}
		out = append(out, Violation{
			RuleID:   "R2",
			RuleName: "owner_location",
			Severity: SeverityWarning,
			EntityID: id,
			Fixable:  true,
			Message: fmt.Sprintf("item %q is at %q but its owner %q is at %q",
				id, it.LocationID, it.OwnerID, expected),
		})
	}
	return out
}

// R3: dead characters cannot act, and coming back to life takes a
// REVIVAL event. Death and revival events themselves are exempt from
// the actor check so a character can die or return on screen.
func checkDeadActors(current *state.CanonicalState, events []*state.Event) []Violation {
	dead := make(map[string]struct{})
	for id, c := range current.Entities.Characters {
		if !c.Alive {
			dead[id] = struct{}{}
		}
	}
	if len(dead) == 0 {
		return nil
	}

	var out []Violation
	for _, ev := range events {
		if ev.Type != state.EventDeath && ev.Type != state.EventRevival {
			for _, actor := range ev.Who.Actors {
				if _, ok := dead[actor]; ok {
					out = append(out, Violation{
						RuleID:   "R3",
						RuleName: "dead_actor",
						Severity: SeverityError,
						EntityID: actor,
						Message:  fmt.Sprintf("dead character %q acts in event %s", actor, ev.EventID),
					})
				}
			}
		}
		if ev.StatePatch == nil {
			continue
		}
		for _, id := range sortedKeys(ev.StatePatch.EntityUpdates) {
			u := ev.StatePatch.EntityUpdates[id]
			if u.EntityType != state.EntityCharacter {
				continue
			}
			alive, ok := u.Updates["alive"].(bool)
			if !ok || !alive {
				continue
			}
			if _, wasDead := dead[id]; wasDead && ev.Type != state.EventRevival {
				out = append(out, Violation{
					RuleID:   "R3",
					RuleName: "dead_actor",
					Severity: SeverityError,
					EntityID: id,
					Message:  fmt.Sprintf("character %q revived without a REVIVAL event (%s)", id, ev.EventID),
				})
			}
		}
	}
	return out
}

// R4: alive and faction transitions need the matching event type.
func checkStateTransitions(current *state.CanonicalState, events []*state.Event) []Violation {
	var out []Violation
	for _, ev := range events {
		if ev.StatePatch == nil {
			continue
		}
		for _, id := range sortedKeys(ev.StatePatch.EntityUpdates) {
			u := ev.StatePatch.EntityUpdates[id]
			if u.EntityType != state.EntityCharacter {
				continue
			}
			c, exists := current.Entities.Characters[id]
			if !exists {
				continue
			}
			if alive, ok := u.Updates["alive"].(bool); ok && alive != c.Alive {
				if !alive && ev.Type != state.EventDeath {
					out = append(out, Violation{
						RuleID:   "R4",
						RuleName: "state_transition",
						Severity: SeverityError,
						EntityID: id,
						Message:  fmt.Sprintf("alive=false on %q requires a DEATH event, got %s", id, ev.Type),
					})
				}
				if alive && ev.Type != state.EventRevival {
					out = append(out, Violation{
						RuleID:   "R4",
						RuleName: "state_transition",
						Severity: SeverityError,
						EntityID: id,
						Message:  fmt.Sprintf("alive=true on %q requires a REVIVAL event, got %s", id, ev.Type),
					})
				}
			}
			if faction, ok := u.Updates["faction_id"].(string); ok && faction != c.FactionID {
				if ev.Type != state.EventFactionChange {
					out = append(out, Violation{
						RuleID:   "R4",
						RuleName: "state_transition",
						Severity: SeverityError,
						EntityID: id,
						Message:  fmt.Sprintf("faction change on %q requires a FACTION_CHANGE event, got %s", id, ev.Type),
					})
				}
			}
		}
	}
	return out
}

// R5: moving a character takes a TRAVEL event naming that character.
// Characters the state has never seen may be placed freely.
func checkTravel(current *state.CanonicalState, events []*state.Event) []Violation {
	var out []Violation
	for _, ev := range events {
		if ev.StatePatch == nil {
			continue
		}
		for _, id := range sortedKeys(ev.StatePatch.EntityUpdates) {
			u := ev.StatePatch.EntityUpdates[id]
			if u.EntityType != state.EntityCharacter {
				continue
			}
			loc, ok := u.Updates["location_id"].(string)
			if !ok {
				continue
			}
			c, exists := current.Entities.Characters[id]
			if !exists || loc == c.LocationID {
				continue
			}
			if ev.Type != state.EventTravel {
				out = append(out, Violation{
					RuleID:   "R5",
					RuleName: "travel_required",
					Severity: SeverityError,
					EntityID: id,
					Message: fmt.Sprintf("character %q moved from %q to %q without a TRAVEL event",
						id, c.LocationID, loc),
				})
				continue
			}
			if named := ev.PayloadString("character_id"); named != id {
				out = append(out, Violation{
					RuleID:   "R5",
					RuleName: "travel_required",
					Severity: SeverityError,
					EntityID: id,
					Message: fmt.Sprintf("TRAVEL event %s moves %q but names %q",
						ev.EventID, id, named),
				})
			}
		}
	}
	return out
}

// R6: a character is in exactly one location at any time order. Patched
// locations count first; actors of non-travel events inherit the event
// location if nothing moved them.
func checkSingleLocation(events []*state.Event) []Violation {
	byOrder := make(map[int][]*state.Event)
	for _, ev := range events {
		byOrder[ev.Time.Order] = append(byOrder[ev.Time.Order], ev)
	}

	var out []Violation
	for _, order := range sortedKeys(byOrder) {
		group := byOrder[order]
		locs := make(map[string]map[string]struct{})
		patched := make(map[string]struct{})
		place := func(charID, loc string) {
			if loc == "" {
				return
			}
			set, ok := locs[charID]
			if !ok {
				set = make(map[string]struct{})
				locs[charID] = set
			}
			set[loc] = struct{}{}
		}

		for _, ev := range group {
			if ev.StatePatch == nil {
				continue
			}
			for id, u := range ev.StatePatch.EntityUpdates {
				if u.EntityType != state.EntityCharacter {
					continue
				}
				if loc, ok := u.Updates["location_id"].(string); ok && loc != "" {
					place(id, loc)
					patched[id] = struct{}{}
				}
			}
		}
		for _, ev := range group {
			if ev.Type == state.EventTravel || ev.Where.LocationID == "" {
				continue
			}
			for _, actor := range ev.Who.Actors {
				if _, moved := patched[actor]; moved {
					continue
				}
				place(actor, ev.Where.LocationID)
			}
		}

		for _, id := range sortedKeys(locs) {
			set := locs[id]
			if len(set) < 2 {
				continue
			}
			out = append(out, Violation{
				RuleID:   "R6",
				RuleName: "single_location",
				Severity: SeverityError,
				EntityID: id,
				Message: fmt.Sprintf("character %q is in multiple locations (%s) at time order %d",
					id, strings.Join(sortedKeys(set), ", "), order),
			})
		}
	}
	return out
}

// R7: story time only moves forward. Events may not precede the
// current anchor, may not be listed out of order within a turn, and
// may not rewind the anchor itself.
func checkChronology(current, projected *state.CanonicalState, events []*state.Event) []Violation {
	var out []Violation

	sorted := slices.Clone(events)
	slices.SortStableFunc(sorted, func(a, b *state.Event) int {
		if a.Turn != b.Turn {
			return a.Turn - b.Turn
		}
		return a.Time.Order - b.Time.Order
	})
	running := current.Time.Anchor.Order
	for _, ev := range sorted {
		if ev.Time.Order < running {
			out = append(out, Violation{
				RuleID:   "R7",
				RuleName: "chronology",
				Severity: SeverityError,
				Message: fmt.Sprintf("event %s at time order %d precedes the story anchor (%d)",
					ev.EventID, ev.Time.Order, running),
			})
			continue
		}
		running = ev.Time.Order
	}

	for i := range events {
		for j := i + 1; j < len(events); j++ {
			if events[i].Turn != events[j].Turn {
				continue
			}
			if events[i].Time.Order > events[j].Time.Order {
				out = append(out, Violation{
					RuleID:   "R7",
					RuleName: "chronology",
					Severity: SeverityError,
					Message: fmt.Sprintf("event %s is listed before %s but happens later",
						events[i].EventID, events[j].EventID),
				})
				break
			}
		}
	}

	if projected.Time.Anchor.Order < current.Time.Anchor.Order {
		out = append(out, Violation{
			RuleID:   "R7",
			RuleName: "chronology",
			Severity: SeverityError,
			Message: fmt.Sprintf("time anchor would rewind from %d to %d",
				current.Time.Anchor.Order, projected.Time.Anchor.Order),
		})
	}
	return out
}

// R8: declared constraints hold in the projected state, and immutable
// events are never contradicted by a pending event reusing their id.
func checkImmutableConstraints(current, projected *state.CanonicalState, events []*state.Event) []Violation {
	var out []Violation
	for _, ev := range events {
		if slices.Contains(current.Constraints.ImmutableEvents, ev.EventID) {
			out = append(out, Violation{
				RuleID:   "R8",
				RuleName: "immutable_constraints",
				Severity: SeverityError,
				EntityID: ev.EventID,
				Message:  fmt.Sprintf("event %s conflicts with an immutable event", ev.EventID),
			})
		}
	}

	for _, c := range current.Constraints.Constraints {
		switch c.Type {
		case state.ConstraintEntityState:
			want, ok := c.Value["alive"].(bool)
			if !ok {
				continue
			}
			if ch, exists := projected.Entities.Characters[c.EntityID]; exists && ch.Alive != want {
				out = append(out, Violation{
					RuleID:   "R8",
					RuleName: "immutable_constraints",
					Severity: SeverityError,
					EntityID: c.EntityID,
					Message:  fmt.Sprintf("constraint %s pins %q to alive=%t", c.ID, c.EntityID, want),
				})
			}
		case state.ConstraintRelationship:
			want, ok := c.Value["faction_id"].(string)
			if !ok {
				continue
			}
			if ch, exists := projected.Entities.Characters[c.EntityID]; exists && ch.FactionID != want {
				out = append(out, Violation{
					RuleID:   "R8",
					RuleName: "immutable_constraints",
					Severity: SeverityError,
					EntityID: c.EntityID,
					Message:  fmt.Sprintf("constraint %s pins %q to faction %q", c.ID, c.EntityID, want),
				})
			}
		case state.ConstraintUniqueItem:
			want, ok := c.Value["owner_id"].(string)
			if !ok {
				continue
			}
			if it, exists := projected.Entities.Items[c.EntityID]; exists && it.OwnerID != want {
				out = append(out, Violation{
					RuleID:   "R8",
					RuleName: "immutable_constraints",
					Severity: SeverityError,
					EntityID: c.EntityID,
					Message:  fmt.Sprintf("constraint %s pins item %q to owner %q", c.ID, c.EntityID, want),
				})
			}
		}
	}
	return out
}

// R9: faction and relationship changes are traceable. A FACTION_CHANGE
// must name its character; relationship deltas in character metadata
// need a RELATIONSHIP_CHANGE event.
func checkRelationshipTraceability(events []*state.Event) []Violation {
	var out []Violation
	for _, ev := range events {
		if ev.Type == state.EventFactionChange && ev.PayloadString("character_id") == "" {
			out = append(out, Violation{
				RuleID:   "R9",
				RuleName: "relationship_traceability",
				Severity: SeverityError,
				Message:  fmt.Sprintf("FACTION_CHANGE event %s does not name a character", ev.EventID),
			})
		}
		if ev.StatePatch == nil {
			continue
		}
		for _, id := range sortedKeys(ev.StatePatch.EntityUpdates) {
			u := ev.StatePatch.EntityUpdates[id]
			if u.EntityType != state.EntityCharacter {
				continue
			}
			meta, ok := u.Updates["metadata"].(map[string]any)
			if !ok {
				continue
			}
			if _, has := meta["relationship_changes"]; has && ev.Type != state.EventRelationshipChange {
				out = append(out, Violation{
					RuleID:   "R9",
					RuleName: "relationship_traceability",
					Severity: SeverityError,
					EntityID: id,
					Message: fmt.Sprintf("relationship change on %q requires a RELATIONSHIP_CHANGE event, got %s",
						id, ev.Type),
				})
			}
		}
	}
	return out
}
