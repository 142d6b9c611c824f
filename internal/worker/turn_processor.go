package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/narrativekit/canon-engine/internal/storage"
	"github.com/narrativekit/canon-engine/pkg/chat"
	"github.com/narrativekit/canon-engine/pkg/draft"
	"github.com/narrativekit/canon-engine/pkg/extract"
	"github.com/narrativekit/canon-engine/pkg/rules"
	"github.com/narrativekit/canon-engine/pkg/state"
)

const (
	// RecentEventsLimit caps the event tail returned with a committed turn.
	RecentEventsLimit = 10

	// DefaultTurnTimeout bounds one full turn, extraction included.
	DefaultTurnTimeout = 30 * time.Second
)

// SnapshotCache is the optional hot-path cache consulted before the
// durable store. A nil cache is valid.
type SnapshotCache interface {
	GetState(ctx context.Context, storyID string) (*state.CanonicalState, error)
	SetState(ctx context.Context, storyID string, cs *state.CanonicalState) error
	Invalidate(ctx context.Context, storyID string) error
}

// TurnBroadcaster publishes committed-turn notifications to interested
// listeners. A nil broadcaster is valid.
type TurnBroadcaster interface {
	PublishTurnCommitted(ctx context.Context, storyID string, events []*state.Event) error
}

// TurnProcessor runs the turn pipeline: draft checks, event
// extraction, the consistency gate, then the state manager for the
// dispositions that commit. It is used by both the HTTP handler
// (synchronously) and the queue worker (asynchronously).
type TurnProcessor struct {
	store       storage.Store
	manager     *StateManager
	extractor   *extract.Extractor
	gate        *rules.Gate
	cache       SnapshotCache
	broadcaster TurnBroadcaster
	filter      *draft.ContentFilter
	logger      *slog.Logger
	turnTimeout time.Duration

	// In-flight turn cancellation, for worker shutdown
	cancelMu sync.Mutex
	inFlight map[uuid.UUID]context.CancelFunc
}

// NewTurnProcessor creates a turn processor over the given store and
// extractor. Cache and broadcaster are attached with the With methods.
func NewTurnProcessor(store storage.Store, extractor *extract.Extractor, logger *slog.Logger) *TurnProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &TurnProcessor{
		store:       store,
		manager:     NewStateManager(store, logger),
		extractor:   extractor,
		gate:        rules.NewGate(logger),
		logger:      logger,
		turnTimeout: DefaultTurnTimeout,
		inFlight:    make(map[uuid.UUID]context.CancelFunc),
	}
}

// WithCache attaches a snapshot cache.
func (p *TurnProcessor) WithCache(cache SnapshotCache) *TurnProcessor {
	p.cache = cache
	return p
}

// WithBroadcaster attaches a committed-turn broadcaster.
func (p *TurnProcessor) WithBroadcaster(b TurnBroadcaster) *TurnProcessor {
	p.broadcaster = b
	return p
}

// WithContentFilter attaches a content filter applied to drafts for
// family-rated stories.
func (p *TurnProcessor) WithContentFilter(f *draft.ContentFilter) *TurnProcessor {
	p.filter = f
	return p
}

// WithTurnTimeout overrides the per-turn budget.
func (p *TurnProcessor) WithTurnTimeout(d time.Duration) *TurnProcessor {
	if d > 0 {
		p.turnTimeout = d
	}
	return p
}

// ProcessTurn runs one draft through the pipeline and returns the
// disposition. REWRITE and ASK_USER come back as successful responses
// with no state change; only extractor and store failures are errors.
func (p *TurnProcessor) ProcessTurn(ctx context.Context, req chat.TurnRequest) (*chat.TurnResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid turn request: %w", err)
	}

	req.AssistantDraft = draft.Normalize(req.AssistantDraft)
	if p.filter != nil {
		req.AssistantDraft = p.filter.Clean(req.AssistantDraft)
	}

	turnCtx, cancel := context.WithTimeout(ctx, p.turnTimeout)
	defer cancel()
	id := p.trackTurn(cancel)
	defer p.releaseTurn(id)

	cs, err := p.loadState(turnCtx, req.StoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to load state for story %s: %w", req.StoryID, err)
	}

	if res := p.gate.ValidateDraft(cs, req.AssistantDraft); res.Action != rules.ActionPass {
		p.logger.Info("draft rejected before extraction",
			"story_id", req.StoryID,
			"action", res.Action,
			"violations", len(res.Violations))
		return rejectionResponse(req.StoryID, res), nil
	}

	turn := cs.Meta.Turn + 1
	p.logger.Debug("extracting events from draft", "story_id", req.StoryID, "turn", turn)
	extracted, err := p.extractor.ExtractEvents(turnCtx, cs, req.UserMessage, req.AssistantDraft, turn)
	if err != nil {
		return nil, fmt.Errorf("extraction failed for story %s: %w", req.StoryID, err)
	}

	if extracted.RequiresUserInput {
		p.logger.Info("extraction needs user input",
			"story_id", req.StoryID,
			"questions", len(extracted.OpenQuestions))
		return &chat.TurnResponse{
			StoryID:     req.StoryID,
			FinalAction: rules.ActionAskUser,
			Questions:   extracted.OpenQuestions,
		}, nil
	}

	res := p.gate.ValidateEvents(cs, extracted.Events)
	if res.Action == rules.ActionRewrite || res.Action == rules.ActionAskUser {
		p.logger.Info("events rejected by gate",
			"story_id", req.StoryID,
			"turn", turn,
			"action", res.Action,
			"violations", len(res.Violations))
		return rejectionResponse(req.StoryID, res), nil
	}

	var fix *state.StatePatch
	var appliedFixes []string
	if res.Action == rules.ActionAutoFix {
		fix = res.Fixes
		appliedFixes = res.Reasons
	}

	next, committed, err := p.manager.ApplyEvents(turnCtx, req.StoryID, extracted.Events, fix)
	if err != nil {
		return nil, fmt.Errorf("failed to apply turn %d for story %s: %w", turn, req.StoryID, err)
	}

	p.afterCommit(req.StoryID, next, committed)

	recent, err := p.store.ListRecentEvents(turnCtx, req.StoryID, RecentEventsLimit, 0)
	if err != nil {
		p.logger.Error("failed to list recent events after commit",
			"story_id", req.StoryID,
			"error", err)
	}

	return &chat.TurnResponse{
		StoryID:      req.StoryID,
		FinalAction:  res.Action,
		State:        next,
		RecentEvents: recent,
		Violations:   violationRefs(res.Violations),
		AppliedFixes: appliedFixes,
	}, nil
}

// GetState returns the story state, serving from the cache when it can
// and initializing the scaffold on first touch.
func (p *TurnProcessor) GetState(ctx context.Context, storyID string) (*state.CanonicalState, error) {
	return p.loadState(ctx, storyID)
}

// CancelInFlight cancels every turn currently processing. Used on
// worker shutdown; turns cancelled before apply leave no trace.
func (p *TurnProcessor) CancelInFlight() {
	p.cancelMu.Lock()
	defer p.cancelMu.Unlock()
	for id, cancel := range p.inFlight {
		cancel()
		delete(p.inFlight, id)
	}
}

func (p *TurnProcessor) trackTurn(cancel context.CancelFunc) uuid.UUID {
	p.cancelMu.Lock()
	defer p.cancelMu.Unlock()
	id := uuid.New()
	p.inFlight[id] = cancel
	return id
}

func (p *TurnProcessor) releaseTurn(id uuid.UUID) {
	p.cancelMu.Lock()
	defer p.cancelMu.Unlock()
	delete(p.inFlight, id)
}

func (p *TurnProcessor) loadState(ctx context.Context, storyID string) (*state.CanonicalState, error) {
	if storyID == "" {
		return nil, fmt.Errorf("story id is required")
	}
	if p.cache != nil {
		cached, err := p.cache.GetState(ctx, storyID)
		if err != nil {
			p.logger.Warn("state cache read failed, falling back to store",
				"story_id", storyID,
				"error", err)
		} else if cached != nil {
			return cached, nil
		}
	}

	cs, err := p.store.InitializeState(ctx, storyID)
	if err != nil {
		return nil, err
	}
	if p.cache != nil {
		if err := p.cache.SetState(ctx, storyID, cs); err != nil {
			p.logger.Warn("state cache write failed", "story_id", storyID, "error", err)
		}
	}
	return cs, nil
}

// afterCommit refreshes the cache and notifies listeners. Both are
// best-effort: the turn is already durable.
func (p *TurnProcessor) afterCommit(storyID string, cs *state.CanonicalState, events []*state.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if p.cache != nil {
		if err := p.cache.SetState(ctx, storyID, cs); err != nil {
			p.logger.Warn("failed to refresh cached state", "story_id", storyID, "error", err)
		}
	}
	if p.broadcaster != nil {
		if err := p.broadcaster.PublishTurnCommitted(ctx, storyID, events); err != nil {
			p.logger.Warn("failed to publish committed turn", "story_id", storyID, "error", err)
		}
	}
}

// rejectionResponse shapes a REWRITE or ASK_USER verdict for the wire.
// No state travels with a rejection.
func rejectionResponse(storyID string, res *rules.Result) *chat.TurnResponse {
	out := &chat.TurnResponse{
		StoryID:     storyID,
		FinalAction: res.Action,
		Violations:  violationRefs(res.Violations),
		Questions:   res.Questions,
	}
	if res.Action == rules.ActionRewrite {
		out.RewriteInstructions = rewriteInstructions(res)
	}
	return out
}

// rewriteInstructions turns rule citations into one instruction string
// the narrator model can act on.
func rewriteInstructions(res *rules.Result) string {
	if len(res.Reasons) == 0 {
		return "Rewrite the draft so it stays consistent with the established canon."
	}
	return "Rewrite the draft so it stays consistent with the established canon. Problems found: " +
		strings.Join(res.Reasons, "; ")
}

func violationRefs(violations []rules.Violation) []*rules.Violation {
	if len(violations) == 0 {
		return nil
	}
	out := make([]*rules.Violation, len(violations))
	for i := range violations {
		out[i] = &violations[i]
	}
	return out
}
