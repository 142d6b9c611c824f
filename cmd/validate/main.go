package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/narrativekit/canon-engine/pkg/state"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <state.json>\n", os.Args[0])
		os.Exit(1)
	}

	filename := os.Args[1]
	validator := &StateValidator{}

	if err := validator.validateFile(filename); err != nil {
		fmt.Fprintf(os.Stderr, "Validation failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("State file is valid!")
}

type StateValidator struct {
	errors []string
}

func (v *StateValidator) validateFile(filename string) error {
	fmt.Printf("Validating %s...\n", filename)

	// Validate filename format
	baseName := filepath.Base(filename)
	if !strings.HasSuffix(baseName, ".json") {
		return fmt.Errorf("state file must have .json extension: %s", baseName)
	}

	nameWithoutExt := strings.TrimSuffix(baseName, ".json")
	if !isValidStateFilename(nameWithoutExt) {
		return fmt.Errorf("state filename '%s' must be lowercase snake_case (e.g., my_story.json, not my-story.json or MyStory.json)", baseName)
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file %s: %w", filename, err)
	}

	v.errors = nil

	if !json.Valid(data) {
		return fmt.Errorf("file %s contains invalid JSON", filename)
	}

	var cs state.CanonicalState
	decoder := json.NewDecoder(strings.NewReader(string(data)))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(&cs); err != nil {
		return fmt.Errorf("file %s failed strict JSON unmarshaling: %w", filename, err)
	}

	v.validateState(&cs)

	if len(v.errors) > 0 {
		return fmt.Errorf("validation errors in %s:\n%s", filename, strings.Join(v.errors, "\n"))
	}

	return nil
}

func (v *StateValidator) validateState(cs *state.CanonicalState) {
	if cs.Meta.StoryID == "" {
		v.addError("meta.story_id is empty")
	} else {
		v.validateIDFormat("story ID", cs.Meta.StoryID)
	}

	if cs.Meta.Turn < 0 {
		v.addError(fmt.Sprintf("meta.turn is negative: %d", cs.Meta.Turn))
	}

	v.validateIDFormat("player ID", cs.Player.ID)

	// Validate entity registry IDs
	for characterID, c := range cs.Entities.Characters {
		v.validateIDFormat("character ID", characterID)
		if c != nil && c.ID != "" && c.ID != characterID {
			v.addError(fmt.Sprintf("character '%s' carries mismatched id '%s'", characterID, c.ID))
		}
	}

	for itemID, it := range cs.Entities.Items {
		v.validateIDFormat("item ID", itemID)
		if it != nil && it.ID != "" && it.ID != itemID {
			v.addError(fmt.Sprintf("item '%s' carries mismatched id '%s'", itemID, it.ID))
		}
	}

	for locationID, loc := range cs.Entities.Locations {
		v.validateIDFormat("location ID", locationID)
		if loc != nil && loc.ID != "" && loc.ID != locationID {
			v.addError(fmt.Sprintf("location '%s' carries mismatched id '%s'", locationID, loc.ID))
		}
	}

	for factionID, f := range cs.Entities.Factions {
		v.validateIDFormat("faction ID", factionID)
		if f != nil && f.ID != "" && f.ID != factionID {
			v.addError(fmt.Sprintf("faction '%s' carries mismatched id '%s'", factionID, f.ID))
		}
	}

	for _, q := range cs.Quest.Active {
		v.validateQuest(q, "active")
	}
	for _, q := range cs.Quest.Completed {
		v.validateQuest(q, "completed")
	}

	for _, id := range cs.Constraints.UniqueItemIDs {
		v.validateIDFormat("unique item constraint", id)
	}

	// Referential integrity comes from the state package itself.
	if err := cs.Validate(); err != nil {
		v.addError(err.Error())
	}
}

func (v *StateValidator) validateQuest(q *state.Quest, list string) {
	if q == nil {
		v.addError(fmt.Sprintf("%s quest list contains a null entry", list))
		return
	}
	v.validateIDFormat("quest ID", q.ID)
	for _, prereq := range q.Prerequisites {
		v.validateIDFormat("quest prerequisite", prereq)
	}
	switch q.Status {
	case state.QuestActive, state.QuestCompleted, state.QuestFailed, "":
	default:
		v.addError(fmt.Sprintf("quest '%s' has unknown status '%s'", q.ID, q.Status))
	}
}

func (v *StateValidator) validateIDFormat(fieldName, id string) {
	if id == "" {
		return
	}

	if !isValidID(id) {
		v.addError(fmt.Sprintf("%s '%s' should be lowercase snake_case", fieldName, id))
	}
}

func (v *StateValidator) addError(msg string) {
	v.errors = append(v.errors, "  - "+msg)
}

var (
	validIDRegex       = regexp.MustCompile(`^[a-z][a-z0-9_]*[a-z0-9]$|^[a-z]$`)
	validFilenameRegex = regexp.MustCompile(`^[a-z][a-z0-9_]*[a-z0-9]$|^[a-z]$`)
)

func isValidID(id string) bool {
	return validIDRegex.MatchString(id)
}

func isValidStateFilename(name string) bool {
	// Allow 'x.' prefix for experimental fixtures
	name = strings.TrimPrefix(name, "x.")
	return validFilenameRegex.MatchString(name)
}
