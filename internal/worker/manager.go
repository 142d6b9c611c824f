package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/narrativekit/canon-engine/internal/storage"
	"github.com/narrativekit/canon-engine/pkg/state"
)

// StateManager is the single writer of canonical state. Every mutation
// goes through ApplyEvents, which serializes per story, folds the
// turn's patches, checks the resulting state, and commits state plus
// events in one atomic unit.
type StateManager struct {
	store  storage.Store
	logger *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewStateManager creates a state manager over the given store.
func NewStateManager(store storage.Store, logger *slog.Logger) *StateManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateManager{
		store:  store,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

// storyLock returns the mutex for a story, creating it on first use.
func (sm *StateManager) storyLock(storyID string) *sync.Mutex {
	sm.locksMu.Lock()
	defer sm.locksMu.Unlock()

	lock, ok := sm.locks[storyID]
	if !ok {
		lock = &sync.Mutex{}
		sm.locks[storyID] = lock
	}
	return lock
}

// ApplyEvents folds the turn's events into the story's canonical state
// and commits atomically. When mergedFix is non-empty a fix event
// carrying it is appended after the originals, so the fix lands in the
// log like any other change. Returns the committed state and the full
// event list as written, fix included.
//
// Cancellation is honored up to the moment apply begins. After that
// the turn runs to completion so the log and state cannot diverge.
func (sm *StateManager) ApplyEvents(ctx context.Context, storyID string, events []*state.Event, mergedFix *state.StatePatch) (*state.CanonicalState, []*state.Event, error) {
	if storyID == "" {
		return nil, nil, fmt.Errorf("story id is required")
	}
	if len(events) == 0 {
		return nil, nil, fmt.Errorf("no events to apply for story %s", storyID)
	}

	lock := sm.storyLock(storyID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, nil, fmt.Errorf("turn abandoned before apply: %w", err)
	}

	cs, err := sm.store.InitializeState(ctx, storyID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load state for story %s: %w", storyID, err)
	}

	turn := maxEventTurn(events)
	commitEvents := events
	if mergedFix != nil && !mergedFix.IsEmpty() {
		fix := newFixEvent(storyID, turn, events[len(events)-1], mergedFix)
		commitEvents = append(append([]*state.Event(nil), events...), fix)
		sm.logger.Info("appending consistency fix event",
			"story_id", storyID,
			"event_id", fix.EventID,
			"turn", turn)
	}

	pw, err := state.NewPatchWorker(cs, sm.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to prepare state copy for story %s: %w", storyID, err)
	}
	pw.ApplyEvents(commitEvents)
	next := pw.State()

	if err := next.Validate(); err != nil {
		sm.logger.Error("turn aborted, applied state failed validation",
			"story_id", storyID,
			"turn", turn,
			"error", err)
		return nil, nil, fmt.Errorf("turn %d aborted for story %s: %w", turn, storyID, err)
	}

	if err := sm.store.CommitTurn(ctx, storyID, next, commitEvents); err != nil {
		return nil, nil, fmt.Errorf("failed to commit turn %d for story %s: %w", turn, storyID, err)
	}

	sm.logger.Info("turn committed",
		"story_id", storyID,
		"turn", next.Meta.Turn,
		"events", len(commitEvents),
		"last_event_id", next.Meta.LastEventID)
	return next, commitEvents, nil
}

// newFixEvent synthesizes the event that carries a gate fix patch. It
// borrows time and place from the last original event so the log reads
// in order.
func newFixEvent(storyID string, turn int, last *state.Event, fix *state.StatePatch) *state.Event {
	return &state.Event{
		EventID: state.NewFixEventID(turn),
		StoryID: storyID,
		Turn:    turn,
		Time:    last.Time,
		Where:   last.Where,
		Type:    state.EventOther,
		Summary: "Automatic consistency fix",
		Payload: map[string]any{
			"fix_type": "auto_fix",
		},
		StatePatch: fix,
		Evidence: state.EventEvidence{
			Source: "consistency_gate",
		},
		CreatedAt: time.Now().UTC(),
	}
}

func maxEventTurn(events []*state.Event) int {
	turn := 0
	for _, ev := range events {
		if ev.Turn > turn {
			turn = ev.Turn
		}
	}
	return turn
}
