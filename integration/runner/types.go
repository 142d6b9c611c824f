package runner

import (
	"time"
)

// Special assistant_draft values that trigger non-turn actions
const (
	// NewStoryDraft switches the suite to a fresh story mid-run.
	NewStoryDraft = "NEW_STORY"
)

// TestSuite defines a complete integration test scenario
// Can either be a regular test with Steps, or a suite that references other Cases
type TestSuite struct {
	Name  string     `json:"name"`
	Steps []TestStep `json:"steps,omitempty"` // Used for regular tests
	Cases []string   `json:"cases,omitempty"` // Used for suite tests (list of case files)
}

// IsSequence returns true if this is a suite that sequences other cases
func (ts *TestSuite) IsSequence() bool {
	return len(ts.Cases) > 0
}

// TestStep defines a single test interaction and its expected outcomes
// Use assistant_draft: "NEW_STORY" to start over on a fresh story
type TestStep struct {
	Name           string       `json:"name,omitempty"`
	UserMessage    string       `json:"user_message,omitempty"`
	AssistantDraft string       `json:"assistant_draft"`
	Expectations   Expectations `json:"expect"`
}

// Expectations defines what to check after a test step executes
type Expectations struct {
	// Turn outcome - aligned with pkg/chat.TurnResponse
	FinalAction     *string  `json:"final_action,omitempty"`     // PASS, AUTO_FIX, REWRITE or ASK_USER
	ViolationRules  []string `json:"violation_rules,omitempty"`  // Rule IDs that must appear in violations
	AppliedFixes    *int     `json:"applied_fixes,omitempty"`    // Number of auto-fixes applied
	QuestionCount   *int     `json:"question_count,omitempty"`   // Number of open questions returned
	RewriteContains []string `json:"rewrite_contains,omitempty"` // Substrings of the rewrite instructions

	// Story state after the step - aligned with pkg/state.CanonicalState
	Turn           *int     `json:"turn,omitempty"`            // Committed turn count
	PlayerLocation *string  `json:"player_location,omitempty"` // Player location ID
	Inventory      []string `json:"inventory,omitempty"`       // Full inventory contents (order independent)
	ActiveQuests   []string `json:"active_quests,omitempty"`   // Quest IDs that must be active
	EventTypes     []string `json:"event_types,omitempty"`     // Types that must appear in recent events
}

// TestResult contains the outcome of running a test step
type TestResult struct {
	TestName    string
	StepName    string
	Success     bool
	Error       error
	Duration    time.Duration
	FinalAction string
	IsNewStory  bool // True if this was a NEW_STORY step (should not count toward pass/fail metrics)
}

// TestJob represents a test suite to be executed
type TestJob struct {
	Name     string
	Suite    TestSuite
	CaseFile string
}

// TestRunResult contains the results of running an entire test suite
type TestRunResult struct {
	Job      TestJob
	Results  []TestResult
	Error    error
	Duration time.Duration
	StoryID  string // ID of the story used for this test
}
