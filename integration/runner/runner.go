package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/narrativekit/canon-engine/pkg/chat"
	"github.com/narrativekit/canon-engine/pkg/rules"
	"github.com/narrativekit/canon-engine/pkg/state"
)

type ErrorHandlingMode string

const ErrorHandlingExit ErrorHandlingMode = "exit"
const ErrorHandlingContinue ErrorHandlingMode = "continue"

// recentEventWindow is how many trailing events are fetched for
// event_types expectations.
const recentEventWindow = 10

// Runner executes integration tests against a running canon-engine API
type Runner struct {
	BaseURL           string
	Client            *http.Client
	Timeout           time.Duration
	Logger            func(format string, args ...interface{})
	ErrorHandlingMode ErrorHandlingMode
}

// NewRunner creates a new test runner
func NewRunner(baseURL string) *Runner {
	return &Runner{
		BaseURL:           strings.TrimSuffix(baseURL, "/"),
		Client:            &http.Client{Timeout: 60 * time.Second},
		Timeout:           30 * time.Second,
		ErrorHandlingMode: ErrorHandlingContinue,
	}
}

// LoadTestSuite loads a test suite from a JSON file
func LoadTestSuite(filename string) (TestSuite, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return TestSuite{}, fmt.Errorf("failed to read test file %s: %w", filename, err)
	}

	var suite TestSuite
	if err := json.Unmarshal(content, &suite); err != nil {
		return TestSuite{}, fmt.Errorf("failed to parse JSON in %s: %w", filename, err)
	}

	return suite, nil
}

// LoadTestSuiteWithExpansion loads a test suite and expands it if it's a sequence
// Returns a list of actual test suites (expanded from the sequence if needed)
func LoadTestSuiteWithExpansion(filename string, casesDir string) ([]TestJob, error) {
	suite, err := LoadTestSuite(filename)
	if err != nil {
		return nil, err
	}

	// If this is not a sequence, return it as-is
	if !suite.IsSequence() {
		return []TestJob{{
			Name:     suite.Name,
			Suite:    suite,
			CaseFile: filename,
		}}, nil
	}

	// This is a sequence - load all referenced cases
	var jobs []TestJob
	for _, caseFile := range suite.Cases {
		casePath := filepath.Join(casesDir, caseFile)

		// Recursively load (in case a sequence references another sequence)
		subJobs, err := LoadTestSuiteWithExpansion(casePath, casesDir)
		if err != nil {
			return nil, fmt.Errorf("failed to load case '%s' referenced by sequence '%s': %w", caseFile, suite.Name, err)
		}

		jobs = append(jobs, subJobs...)
	}

	return jobs, nil
}

// newStoryID generates a unique snake_case story ID so test runs never
// collide with each other or with earlier runs.
func newStoryID() string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "itest_" + suffix[:12]
}

// RunSuite executes a complete test suite against a fresh story
func (r *Runner) RunSuite(ctx context.Context, suite TestSuite) (TestRunResult, error) {
	start := time.Now()
	result := TestRunResult{
		Job: TestJob{
			Name:  suite.Name,
			Suite: suite,
		},
		Results: make([]TestResult, 0, len(suite.Steps)),
	}

	storyID := newStoryID()
	result.StoryID = storyID

	// First touch scaffolds the story at turn 0
	if _, err := GetStoryState(ctx, r.Client, r.BaseURL, storyID); err != nil {
		result.Error = fmt.Errorf("failed to seed story: %w", err)
		result.Duration = time.Since(start)
		return result, result.Error
	}

	// Execute each test step
	for i, step := range suite.Steps {
		r.Logger("    [%d/%d] Running step: %s", i+1, len(suite.Steps), step.Name)
		stepResult, nextStoryID := r.runStep(ctx, storyID, step)
		result.Results = append(result.Results, stepResult)
		storyID = nextStoryID
		result.StoryID = storyID

		if stepResult.Error != nil {
			r.Logger("    [%d/%d] ✗ %s: %v", i+1, len(suite.Steps), step.Name, stepResult.Error)
			if result.Error == nil {
				result.Error = fmt.Errorf("step %d (%s) failed: %w", i, step.Name, stepResult.Error)
			}
			// Break only if error handling mode is "exit"
			if r.ErrorHandlingMode == ErrorHandlingExit {
				break
			}
			continue
		}

		r.Logger("    [%d/%d] ✓ %s (%v)", i+1, len(suite.Steps), step.Name, stepResult.Duration)
	}

	result.Duration = time.Since(start)
	return result, result.Error
}

// runStep executes a single test step and checks expectations.
// If step.AssistantDraft is NewStoryDraft, switches to a fresh story.
// Will retry once on timeout errors without backoff.
func (r *Runner) runStep(ctx context.Context, storyID string, step TestStep) (TestResult, string) {
	// Try once, then retry on timeout
	for attempt := 1; attempt <= 2; attempt++ {
		result, nextStoryID := r.executeStep(ctx, storyID, step)

		if result.Success || result.Error == nil {
			return result, nextStoryID
		}

		isTimeout := strings.Contains(result.Error.Error(), "timed out") ||
			strings.Contains(result.Error.Error(), "deadline exceeded")

		if isTimeout && attempt == 1 {
			r.Logger("    Timeout detected, retrying step: %s", step.Name)
			continue
		}

		return result, nextStoryID
	}

	return TestResult{StepName: step.Name, Error: fmt.Errorf("unexpected error in retry logic")}, storyID
}

// executeStep performs the actual step execution. Returns the story ID
// subsequent steps should use, which changes only on NEW_STORY steps.
func (r *Runner) executeStep(ctx context.Context, storyID string, step TestStep) (TestResult, string) {
	start := time.Now()
	result := TestResult{
		StepName: step.Name,
	}

	// Check if this is a new-story step
	if step.AssistantDraft == NewStoryDraft {
		freshID := newStoryID()
		freshState, err := GetStoryState(ctx, r.Client, r.BaseURL, freshID)
		if err != nil {
			result.Error = fmt.Errorf("failed to start fresh story: %w", err)
			result.Duration = time.Since(start)
			return result, storyID
		}

		// New-story steps can still assert on the scaffold
		if err := r.checkStateExpectations(step.Expectations, freshState); err != nil {
			result.Error = fmt.Errorf("fresh story expectation failed: %w", err)
			result.Duration = time.Since(start)
			return result, storyID
		}

		result.Success = true
		result.IsNewStory = true
		result.Duration = time.Since(start)
		return result, freshID
	}

	stepCtx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	turnResp, err := ProcessDraft(stepCtx, r.Client, r.BaseURL, chat.TurnRequest{
		StoryID:        storyID,
		UserMessage:    step.UserMessage,
		AssistantDraft: step.AssistantDraft,
	})
	if err != nil {
		result.Error = fmt.Errorf("failed to process draft: %w", err)
		result.Duration = time.Since(start)
		return result, storyID
	}
	result.FinalAction = turnResp.FinalAction

	// Rejected turns carry no state, so always refetch for state checks
	postState, err := GetStoryState(ctx, r.Client, r.BaseURL, storyID)
	if err != nil {
		result.Error = fmt.Errorf("failed to get state after turn: %w", err)
		result.Duration = time.Since(start)
		return result, storyID
	}

	if err := r.checkExpectations(ctx, step.Expectations, turnResp, postState, storyID); err != nil {
		result.Error = fmt.Errorf("expectation failed: %w", err)
		result.Duration = time.Since(start)
		return result, storyID
	}

	result.Success = true
	result.Duration = time.Since(start)
	return result, storyID
}

// checkExpectations validates the test expectations against the turn
// response and the refetched story state
func (r *Runner) checkExpectations(ctx context.Context, exp Expectations, resp *chat.TurnResponse, postState *state.CanonicalState, storyID string) error {
	// Disposition check
	if exp.FinalAction != nil {
		if resp.FinalAction != *exp.FinalAction {
			return fmt.Errorf("expected final_action %s, got %s", *exp.FinalAction, resp.FinalAction)
		}
	}

	// Violation rule checks (cited rules may include warnings beyond
	// the expected set, so this is containment, not equality)
	if len(exp.ViolationRules) > 0 {
		cited := make(map[string]bool)
		for _, v := range resp.Violations {
			if v != nil {
				cited[v.RuleID] = true
			}
		}
		for _, ruleID := range exp.ViolationRules {
			if !cited[ruleID] {
				return fmt.Errorf("expected violation of rule %s, but it wasn't cited. Cited rules: %v", ruleID, ruleIDs(resp.Violations))
			}
		}
	}

	if exp.AppliedFixes != nil {
		if len(resp.AppliedFixes) != *exp.AppliedFixes {
			return fmt.Errorf("expected %d applied fixes, got %d: %v", *exp.AppliedFixes, len(resp.AppliedFixes), resp.AppliedFixes)
		}
	}

	if exp.QuestionCount != nil {
		if len(resp.Questions) != *exp.QuestionCount {
			return fmt.Errorf("expected %d open questions, got %d: %v", *exp.QuestionCount, len(resp.Questions), resp.Questions)
		}
	}

	// Rewrite instruction checks
	if len(exp.RewriteContains) > 0 {
		lowerInstructions := strings.ToLower(resp.RewriteInstructions)
		for _, expectedText := range exp.RewriteContains {
			if !strings.Contains(lowerInstructions, strings.ToLower(expectedText)) {
				return fmt.Errorf("expected rewrite instructions to contain '%s', got: %s", expectedText, resp.RewriteInstructions)
			}
		}
	}

	if err := r.checkStateExpectations(exp, postState); err != nil {
		return err
	}

	// Recent event type checks
	if len(exp.EventTypes) > 0 {
		events, err := GetRecentEvents(ctx, r.Client, r.BaseURL, storyID, recentEventWindow)
		if err != nil {
			return fmt.Errorf("failed to fetch events for expectations: %w", err)
		}
		seen := make(map[string]bool)
		for _, ev := range events {
			if ev != nil {
				seen[ev.Type] = true
			}
		}
		for _, eventType := range exp.EventTypes {
			if !seen[eventType] {
				return fmt.Errorf("expected recent events to include type '%s', got: %v", eventType, eventTypeList(events))
			}
		}
	}

	return nil
}

// checkStateExpectations validates the story-state half of the
// expectations against a fetched canonical state
func (r *Runner) checkStateExpectations(exp Expectations, cs *state.CanonicalState) error {
	if exp.Turn != nil {
		if cs.Meta.Turn != *exp.Turn {
			return fmt.Errorf("expected turn %d, got %d", *exp.Turn, cs.Meta.Turn)
		}
	}

	if exp.PlayerLocation != nil {
		if cs.Player.LocationID != *exp.PlayerLocation {
			return fmt.Errorf("expected player location %s, got %s", *exp.PlayerLocation, cs.Player.LocationID)
		}
	}

	// Full inventory check (order independent)
	if len(exp.Inventory) > 0 {
		expected := make(map[string]bool)
		for _, item := range exp.Inventory {
			expected[item] = true
		}

		actual := make(map[string]bool)
		for _, item := range cs.Player.Inventory {
			actual[item] = true
		}

		for expectedItem := range expected {
			if !actual[expectedItem] {
				return fmt.Errorf("expected inventory to contain '%s', but it's missing. Actual inventory: %v", expectedItem, cs.Player.Inventory)
			}
		}
		for actualItem := range actual {
			if !expected[actualItem] {
				return fmt.Errorf("inventory contains unexpected item '%s'. Expected: %v, Actual: %v", actualItem, exp.Inventory, cs.Player.Inventory)
			}
		}
	}

	if len(exp.ActiveQuests) > 0 {
		active := make(map[string]bool)
		for _, q := range cs.Quest.Active {
			if q != nil {
				active[q.ID] = true
			}
		}
		for _, questID := range exp.ActiveQuests {
			if !active[questID] {
				return fmt.Errorf("expected quest '%s' to be active, but it isn't", questID)
			}
		}
	}

	return nil
}

// ruleIDs flattens violations to their rule IDs for error messages
func ruleIDs(violations []*rules.Violation) []string {
	out := make([]string, 0, len(violations))
	for _, v := range violations {
		if v != nil {
			out = append(out, v.RuleID)
		}
	}
	return out
}

// eventTypeList flattens events to their types for error messages
func eventTypeList(events []*state.Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		if ev != nil {
			out = append(out, ev.Type)
		}
	}
	return out
}
