package chat

import (
	"fmt"

	"github.com/narrativekit/canon-engine/pkg/rules"
	"github.com/narrativekit/canon-engine/pkg/state"
)

// TurnRequest is a draft-processing request made by the narrative
// frontend to the canon-engine api.
type TurnRequest struct {
	StoryID        string `json:"story_id"`
	UserMessage    string `json:"user_message"`
	AssistantDraft string `json:"assistant_draft"`
}

// TurnResponse reports the outcome of one processed turn. State and
// RecentEvents are set only when the turn committed; RewriteInstructions
// only on a rewrite; Questions only on ask-user. Violations carries the
// gate's findings for every action, including auto-fixed warnings.
type TurnResponse struct {
	StoryID             string                `json:"story_id"`
	FinalAction         string                `json:"final_action"`
	State               *state.CanonicalState `json:"state,omitempty"`
	RecentEvents        []*state.Event        `json:"recent_events,omitempty"`
	Violations          []*rules.Violation    `json:"violations,omitempty"`
	RewriteInstructions string                `json:"rewrite_instructions,omitempty"`
	AppliedFixes        []string              `json:"applied_fixes,omitempty"`
	Questions           []string              `json:"questions,omitempty"`
}

const (
	ChatRoleUser   = "user"
	ChatRoleAgent  = "assistant"
	ChatRoleSystem = "system"
)

// ChatMessage is a single message in an LLM conversation. The shape
// follows the OpenAI chat API and is what providers accept on the wire.
type ChatMessage struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

func (tr *TurnRequest) Validate() error {
	if tr.StoryID == "" {
		return fmt.Errorf("story_id cannot be empty")
	}
	if tr.AssistantDraft == "" {
		return fmt.Errorf("assistant_draft cannot be empty")
	}
	return nil
}
