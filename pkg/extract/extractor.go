package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/narrativekit/canon-engine/pkg/chat"
	"github.com/narrativekit/canon-engine/pkg/draft"
	"github.com/narrativekit/canon-engine/pkg/state"
)

// Sentinel errors surfaced to the HTTP layer.
var (
	ErrExtractionParse   = errors.New("extraction response could not be parsed")
	ErrExtractionTimeout = errors.New("extraction timed out")
)

const evidenceSpanLimit = 200

// Completer produces a raw completion for an extraction conversation.
// Implemented by the LLM services; tests substitute a stub.
type Completer interface {
	Extract(ctx context.Context, messages []chat.ChatMessage) (string, error)
}

// Extractor turns a narration draft into candidate canonical events.
type Extractor struct {
	llm     Completer
	retries int
	logger  *slog.Logger
}

// NewExtractor creates an extractor. retries is the number of re-asks
// after a parse failure; negative values fall back to one.
func NewExtractor(llm Completer, retries int, logger *slog.Logger) *Extractor {
	if retries < 0 {
		retries = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		llm:     llm,
		retries: retries,
		logger:  logger,
	}
}

// ExtractEvents runs one extraction pass over the draft. Candidate
// events that fail validation are logged and skipped. A parse failure
// is retried with the parse error included as context; after the
// retries are exhausted the error carries ErrExtractionParse.
func (e *Extractor) ExtractEvents(ctx context.Context, cs *state.CanonicalState, userMessage, draftText string, turn int) (*Result, error) {
	builder := NewPromptBuilder().
		WithState(cs, turn).
		WithUserMessage(userMessage).
		WithDraft(draftText)

	var payload *extractionPayload
	for attempt := 0; ; attempt++ {
		messages, err := builder.Build()
		if err != nil {
			return nil, fmt.Errorf("failed to build extraction prompt: %w", err)
		}

		content, err := e.llm.Extract(ctx, messages)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %v", ErrExtractionTimeout, err)
			}
			return nil, fmt.Errorf("extraction request failed: %w", err)
		}

		payload, err = parseExtraction(content)
		if err == nil {
			break
		}
		if attempt >= e.retries {
			e.logger.Error("extraction parse failed after retries",
				"turn", turn, "attempts", attempt+1, "error", err)
			return nil, fmt.Errorf("%w: %v", ErrExtractionParse, err)
		}
		e.logger.Warn("extraction parse failed, retrying",
			"turn", turn, "attempt", attempt+1, "error", err)
		builder.WithRetryContext(err.Error())
	}

	result := &Result{
		Events:            make([]*state.Event, 0, len(payload.Events)),
		OpenQuestions:     payload.OpenQuestions,
		RequiresUserInput: len(payload.OpenQuestions) > 0,
	}

	for i, cand := range payload.Events {
		if cand == nil {
			continue
		}
		ev := e.convertEvent(cand, cs, turn, draftText)
		if err := ev.Validate(); err != nil {
			e.logger.Warn("skipping invalid extracted event",
				"turn", turn, "index", i, "type", cand.Type, "error", err)
			continue
		}
		e.logger.Debug("extracted event",
			"event_id", ev.EventID, "type", ev.Type, "confidence", cand.Confidence)
		result.Events = append(result.Events, ev)
	}

	if len(result.Events) == 0 && !result.RequiresUserInput {
		result.Events = append(result.Events, e.defaultEvent(cs, draftText, turn))
	}
	return result, nil
}

// convertEvent assigns an id and evidence to a candidate, producing a
// canonical event ready for validation.
func (e *Extractor) convertEvent(cand *ExtractedEvent, cs *state.CanonicalState, turn int, draftText string) *state.Event {
	payload := cand.Payload
	if payload == nil {
		payload = make(map[string]any)
	}
	return &state.Event{
		EventID:    state.NewEventID(turn),
		StoryID:    cs.Meta.StoryID,
		Turn:       turn,
		Time:       cand.Time,
		Where:      cand.Where,
		Who:        cand.Who,
		Type:       cand.Type,
		Summary:    cand.Summary,
		Payload:    payload,
		StatePatch: cand.StatePatch,
		Evidence: state.EventEvidence{
			Source:   fmt.Sprintf("draft_turn_%d", turn),
			TextSpan: clipSpan(draftText),
		},
		CreatedAt: time.Now().UTC(),
	}
}

// defaultEvent records an uneventful turn so the log stays gapless.
func (e *Extractor) defaultEvent(cs *state.CanonicalState, draftText string, turn int) *state.Event {
	summary := draft.FirstSentence(draftText)
	if summary == "" {
		summary = "Uneventful turn"
	}
	return &state.Event{
		EventID: state.NewEventID(turn),
		StoryID: cs.Meta.StoryID,
		Turn:    turn,
		Time: state.EventTime{
			Label: cs.Time.Anchor.Label,
			Order: cs.Time.Anchor.Order,
		},
		Where:   state.EventLocation{LocationID: cs.Player.LocationID},
		Who:     state.EventParticipants{Actors: []string{cs.Player.ID}},
		Type:    state.EventOther,
		Summary: summary,
		Payload: make(map[string]any),
		StatePatch: &state.StatePatch{
			PlayerUpdates: map[string]any{
				"metadata": map[string]any{"last_turn": turn},
			},
		},
		Evidence: state.EventEvidence{
			Source:   fmt.Sprintf("draft_turn_%d", turn),
			TextSpan: clipSpan(draftText),
		},
		CreatedAt: time.Now().UTC(),
	}
}

func clipSpan(draftText string) string {
	if len(draftText) > evidenceSpanLimit {
		return draftText[:evidenceSpanLimit]
	}
	return draftText
}
