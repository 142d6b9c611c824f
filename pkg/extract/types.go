package extract

import (
	"github.com/narrativekit/canon-engine/pkg/state"
)

// ExtractedEvent is the wire shape the model returns for one candidate
// event, before an event id is assigned. Confidence is the model's own
// estimate and is carried through for observability only.
type ExtractedEvent struct {
	Turn       int                     `json:"turn"`
	Time       state.EventTime         `json:"time"`
	Where      state.EventLocation     `json:"where"`
	Who        state.EventParticipants `json:"who"`
	Type       string                  `json:"type"`
	Summary    string                  `json:"summary"`
	Payload    map[string]any          `json:"payload"`
	StatePatch *state.StatePatch       `json:"state_patch"`
	Confidence float64                 `json:"confidence"`
}

// extractionPayload is the top-level JSON envelope from the model.
type extractionPayload struct {
	Events        []*ExtractedEvent `json:"events"`
	OpenQuestions []string          `json:"open_questions"`
}

// Result is the outcome of one extraction pass: canonical events with
// assigned ids, plus any clarification questions the model raised.
type Result struct {
	Events            []*state.Event `json:"events"`
	OpenQuestions     []string       `json:"open_questions,omitempty"`
	RequiresUserInput bool           `json:"requires_user_input"`
}
