package rules

import (
	"fmt"
	"log/slog"

	"github.com/narrativekit/canon-engine/pkg/state"
)

// Gate validates pending events and narrative drafts against the
// canonical state. It is a pure checker: inputs are never mutated and
// every verdict comes back as a Result, never an error. An internal
// failure degrades to REWRITE so a broken projection can't slip a bad
// turn through.
type Gate struct {
	logger *slog.Logger
}

// NewGate creates a consistency gate.
func NewGate(logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{logger: logger}
}

// ValidateEvents checks a batch of pending events against the current
// state. The events are folded into a projected copy of the state and
// the rules run over (current, projected, events).
func (g *Gate) ValidateEvents(current *state.CanonicalState, events []*state.Event) *Result {
	pw, err := state.NewPatchWorker(current, g.logger)
	if err != nil {
		g.logger.Error("state projection failed, forcing rewrite", "error", err)
		return &Result{
			Action:  ActionRewrite,
			Reasons: []string{"internal: " + err.Error()},
		}
	}
	pw.ApplyEvents(events)
	projected := pw.State()

	var violations []Violation
	violations = append(violations, checkUniqueOwnership(current, events)...)
	violations = append(violations, checkOwnerLocation(projected)...)
	violations = append(violations, checkDeadActors(current, events)...)
	violations = append(violations, checkStateTransitions(current, events)...)
	violations = append(violations, checkTravel(current, events)...)
	violations = append(violations, checkSingleLocation(events)...)
	violations = append(violations, checkChronology(current, projected, events)...)
	violations = append(violations, checkImmutableConstraints(current, projected, events)...)
	violations = append(violations, checkRelationshipTraceability(events)...)

	return g.decide(violations, projected)
}

// ValidateDraft runs the prose fidelity checks over a narrative draft
// before extraction. These checks are deliberately coarse; a false
// positive costs a rewrite, not a corrupted state.
func (g *Gate) ValidateDraft(current *state.CanonicalState, draft string) *Result {
	var violations []Violation
	violations = append(violations, checkDraftDeadActors(current, draft)...)
	violations = append(violations, checkDraftFidelity(current, draft)...)
	return g.decide(violations, current)
}

// decide maps violations to a disposition. Errors force REWRITE unless
// every error is an ambiguous-ownership clash, which asks the user to
// pick the canonical outcome. Warnings that are all fixable produce an
// AUTO_FIX with a merged repair patch.
func (g *Gate) decide(violations []Violation, projected *state.CanonicalState) *Result {
	res := &Result{Action: ActionPass, Violations: violations}
	for _, v := range violations {
		res.Reasons = append(res.Reasons, v.RuleID+": "+v.Message)
	}

	var errs, warns []Violation
	for _, v := range violations {
		if v.Severity == SeverityError {
			errs = append(errs, v)
		} else {
			warns = append(warns, v)
		}
	}

	if len(errs) > 0 {
		allAmbiguous := true
		for _, v := range errs {
			if v.RuleID != "R1" {
				allAmbiguous = false
				break
			}
		}
		if allAmbiguous {
			res.Action = ActionAskUser
			for _, v := range errs {
				res.Questions = append(res.Questions,
					fmt.Sprintf("Rule %s violated: %s. Which is canonical?", v.RuleID, v.Message))
			}
			return res
		}
		res.Action = ActionRewrite
		return res
	}

	if len(warns) > 0 {
		for _, v := range warns {
			if !v.Fixable {
				res.Action = ActionRewrite
				return res
			}
		}
		res.Action = ActionAutoFix
		res.Fixes = g.buildFixPatch(warns, projected)
	}
	return res
}

// buildFixPatch composes the repair patch for fixable warnings. Only
// owner-location drift is repairable today: the item snaps to wherever
// its owner stands in the projected state.
func (g *Gate) buildFixPatch(warns []Violation, projected *state.CanonicalState) *state.StatePatch {
	updates := make(map[string]*state.EntityUpdate)
	for _, v := range warns {
		if v.RuleID != "R2" || !v.Fixable {
			continue
		}
		it := projected.Entities.Items[v.EntityID]
		if it == nil {
			continue
		}
		expected := ownerLocation(projected, it.OwnerID)
		if expected == "" || expected == it.LocationID {
			continue
		}
		updates[it.ID] = &state.EntityUpdate{
			EntityType: state.EntityItem,
			EntityID:   it.ID,
			Updates:    map[string]any{"location_id": expected},
		}
	}
	if len(updates) == 0 {
		return nil
	}
	return &state.StatePatch{EntityUpdates: updates}
}

// ownerLocation resolves where an owner currently is: a character's
// location, a location itself, or the player's location. Unresolvable
// owners return "".
func ownerLocation(cs *state.CanonicalState, ownerID string) string {
	if ownerID == "" {
		return ""
	}
	if c, ok := cs.Entities.Characters[ownerID]; ok {
		return c.LocationID
	}
	if _, ok := cs.Entities.Locations[ownerID]; ok {
		return ownerID
	}
	if ownerID == cs.Player.ID {
		return cs.Player.LocationID
	}
	return ""
}
