package rules

import (
	"fmt"
	"strings"

	"github.com/narrativekit/canon-engine/pkg/state"
)

// Keyword stems for the prose checks. Stems catch conjugations
// ("draws", "drawing") without a real tokenizer.
var (
	actionStems = []string{
		"speak", "spoke", "says", "said", "walk", "ran", "run",
		"attack", "draw", "drew", "charge", "shout", "laugh",
		"smile", "nod", "swing", "swung", "stride", "strode", "repl",
	}
	deathPhrases = []string{
		" dead", " died", " dies", " killed", " slain", " perished",
		" lifeless", " corpse", " breathed their last",
	}
	lifePhrases = []string{
		"is alive", "still alive", "lives on", "draws breath",
	}
	placeStems = []string{
		" at ", " in ", " inside ", "arrive", "reach", "enter",
		"stood", "stands", "stand",
	}
)

const (
	actorWindow = 40
	deathWindow = 50
)

// checkDraftDeadActors flags dead characters doing things in the draft
// prose. An action stem within a small window of the character's name
// is enough; nuance is the extractor's job, not the gate's.
func checkDraftDeadActors(current *state.CanonicalState, draft string) []Violation {
	lower := strings.ToLower(draft)
	var out []Violation
	for _, id := range sortedKeys(current.Entities.Characters) {
		c := current.Entities.Characters[id]
		if c.Alive || c.Name == "" {
			continue
		}
		name := strings.ToLower(c.Name)
		for _, idx := range indicesOf(lower, name) {
			window := clip(lower, idx-actorWindow, idx+len(name)+actorWindow)
			if containsAny(window, actionStems) {
				out = append(out, Violation{
					RuleID:   "R3",
					RuleName: "dead_actor",
					Severity: SeverityError,
					EntityID: id,
					Message:  fmt.Sprintf("dead character %q acts in the draft", c.Name),
				})
				break
			}
		}
	}
	return out
}

// checkDraftFidelity compares the draft prose against canonical facts:
// alive characters described as dead, dead characters described as
// alive, and characters narrated in a location canon disagrees with.
func checkDraftFidelity(current *state.CanonicalState, draft string) []Violation {
	lower := strings.ToLower(draft)
	sentences := splitSentences(lower)
	var out []Violation

	for _, id := range sortedKeys(current.Entities.Characters) {
		c := current.Entities.Characters[id]
		if c.Name == "" {
			continue
		}
		name := strings.ToLower(c.Name)
		nameIdxs := indicesOf(lower, name)
		if len(nameIdxs) == 0 {
			continue
		}

		if c.Alive {
			if phraseNear(lower, nameIdxs, len(name), deathPhrases) {
				out = append(out, Violation{
					RuleID:   "R10",
					RuleName: "draft_fidelity",
					Severity: SeverityError,
					EntityID: id,
					Message:  fmt.Sprintf("draft describes %q as dead but canon has them alive", c.Name),
				})
			}
		} else if phraseNear(lower, nameIdxs, len(name), lifePhrases) {
			out = append(out, Violation{
				RuleID:   "R10",
				RuleName: "draft_fidelity",
				Severity: SeverityError,
				EntityID: id,
				Message:  fmt.Sprintf("draft describes %q as alive but canon has them dead", c.Name),
			})
		}

		if v, ok := locationMismatch(current, c, name, sentences); ok {
			out = append(out, v)
		}
	}
	return out
}

func locationMismatch(current *state.CanonicalState, c *state.Character, name string, sentences []string) (Violation, bool) {
	if c.LocationID == "" || c.LocationID == state.UnknownLocationID {
		return Violation{}, false
	}
	var here string
	if loc, ok := current.Entities.Locations[c.LocationID]; ok {
		here = strings.ToLower(loc.Name)
	}

	for _, sent := range sentences {
		if !strings.Contains(sent, name) || !containsAny(sent, placeStems) {
			continue
		}
		if here != "" && strings.Contains(sent, here) {
			continue
		}
		for _, locID := range sortedKeys(current.Entities.Locations) {
			if locID == c.LocationID || locID == state.UnknownLocationID {
				continue
			}
			loc := current.Entities.Locations[locID]
			if loc.Name == "" {
				continue
			}
			if strings.Contains(sent, strings.ToLower(loc.Name)) {
				return Violation{
					RuleID:   "R10",
					RuleName: "draft_fidelity",
					Severity: SeverityError,
					EntityID: c.ID,
					Message: fmt.Sprintf("draft places %q in %q but canon has them in %q",
						c.Name, loc.Name, c.LocationID),
				}, true
			}
		}
	}
	return Violation{}, false
}

func phraseNear(text string, nameIdxs []int, nameLen int, phrases []string) bool {
	for _, phrase := range phrases {
		for _, pi := range indicesOf(text, phrase) {
			for _, ni := range nameIdxs {
				if pi >= ni-deathWindow && pi <= ni+nameLen+deathWindow {
					return true
				}
			}
		}
	}
	return false
}

func splitSentences(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return strings.ContainsRune(".!?。！？", r)
	})
}

func indicesOf(text, sub string) []int {
	var out []int
	for from := 0; ; {
		i := strings.Index(text[from:], sub)
		if i < 0 {
			return out
		}
		out = append(out, from+i)
		from += i + len(sub)
	}
}

func containsAny(text string, subs []string) bool {
	for _, s := range subs {
		if strings.Contains(text, s) {
			return true
		}
	}
	return false
}

func clip(text string, from, to int) string {
	if from < 0 {
		from = 0
	}
	if to > len(text) {
		to = len(text)
	}
	return text[from:to]
}
