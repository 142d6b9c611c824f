package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narrativekit/canon-engine/internal/storage"
	"github.com/narrativekit/canon-engine/pkg/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// seededState builds a small world: the player in Luoyang with Cao Cao,
// who holds the unique imperial seal.
func seededState(storyID string) *state.CanonicalState {
	cs := state.NewCanonicalState(storyID)
	cs.Meta.Turn = 2
	cs.Time = state.TimeState{
		Calendar: "day 3",
		Anchor:   state.TimeAnchor{Label: "evening", Order: 10},
	}
	cs.Player.LocationID = "luoyang"
	cs.Entities.Locations["luoyang"] = &state.Location{ID: "luoyang", Name: "Luoyang"}
	cs.Entities.Characters["caocao"] = &state.Character{
		ID: "caocao", Name: "Cao Cao", LocationID: "luoyang", Alive: true, FactionID: "wei",
	}
	cs.Entities.Characters["liubei"] = &state.Character{
		ID: "liubei", Name: "Liu Bei", LocationID: "luoyang", Alive: true,
	}
	cs.Entities.Factions["wei"] = &state.Faction{ID: "wei", Name: "Wei"}
	cs.Entities.Items["seal_001"] = &state.Item{
		ID: "seal_001", Name: "Imperial Seal", OwnerID: "caocao", Unique: true,
	}
	return cs
}

func travelEvent(storyID string, turn int) *state.Event {
	return &state.Event{
		EventID: state.NewEventID(turn),
		StoryID: storyID,
		Turn:    turn,
		Time:    state.EventTime{Label: "night", Order: 11},
		Where:   state.EventLocation{LocationID: "luoyang"},
		Who:     state.EventParticipants{Actors: []string{"caocao"}},
		Type:    state.EventTravel,
		Summary: "Cao Cao rides for Xuchang.",
		Payload: map[string]any{
			"character_id":     "caocao",
			"from_location_id": "luoyang",
			"to_location_id":   "xuchang",
		},
		StatePatch: &state.StatePatch{
			EntityUpdates: map[string]*state.EntityUpdate{
				"caocao": {
					EntityType: state.EntityCharacter,
					Updates:    map[string]any{"location_id": "xuchang"},
				},
				"xuchang": {
					EntityType: state.EntityLocation,
					Updates:    map[string]any{"name": "Xuchang"},
				},
			},
		},
		Evidence:  state.EventEvidence{Source: "draft_turn_3"},
		CreatedAt: time.Now().UTC(),
	}
}

func TestApplyEventsCommitsTurn(t *testing.T) {
	store := storage.NewMockStore()
	ctx := context.Background()
	require.NoError(t, store.SaveState(ctx, "s1", seededState("s1")))

	sm := NewStateManager(store, testLogger())
	ev := travelEvent("s1", 3)

	next, committed, err := sm.ApplyEvents(ctx, "s1", []*state.Event{ev}, nil)
	require.NoError(t, err)
	require.Len(t, committed, 1)

	assert.Equal(t, 3, next.Meta.Turn)
	assert.Equal(t, ev.EventID, next.Meta.LastEventID)
	assert.Equal(t, "xuchang", next.Entities.Characters["caocao"].LocationID)

	stored, err := store.GetState(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, stored.Meta.Turn)
	assert.Equal(t, 1, store.CommitTurnCalls)

	logged, err := store.GetEvent(ctx, ev.EventID)
	require.NoError(t, err)
	require.NotNil(t, logged)
	assert.Equal(t, state.EventTravel, logged.Type)
}

func TestApplyEventsAppendsFixEvent(t *testing.T) {
	store := storage.NewMockStore()
	ctx := context.Background()
	require.NoError(t, store.SaveState(ctx, "s1", seededState("s1")))

	sm := NewStateManager(store, testLogger())
	ev := travelEvent("s1", 3)
	fix := &state.StatePatch{
		EntityUpdates: map[string]*state.EntityUpdate{
			"seal_001": {
				EntityType: state.EntityItem,
				Updates:    map[string]any{"owner_id": "liubei"},
			},
		},
	}

	next, committed, err := sm.ApplyEvents(ctx, "s1", []*state.Event{ev}, fix)
	require.NoError(t, err)
	require.Len(t, committed, 2)

	fixEvent := committed[1]
	assert.True(t, strings.HasPrefix(fixEvent.EventID, "evt_fix_3_"), "unexpected fix id %s", fixEvent.EventID)
	assert.Equal(t, state.EventOther, fixEvent.Type)
	assert.Equal(t, "auto_fix", fixEvent.Payload["fix_type"])
	assert.Equal(t, "consistency_gate", fixEvent.Evidence.Source)
	assert.Equal(t, ev.Time, fixEvent.Time)
	assert.Equal(t, ev.Where, fixEvent.Where)
	require.NoError(t, fixEvent.Validate())

	assert.Equal(t, fixEvent.EventID, next.Meta.LastEventID)
	assert.Equal(t, "liubei", next.Entities.Items["seal_001"].OwnerID)

	logged, err := store.GetEvent(ctx, fixEvent.EventID)
	require.NoError(t, err)
	require.NotNil(t, logged)
}

func TestApplyEventsEmptyFixSkipsSynthesis(t *testing.T) {
	store := storage.NewMockStore()
	ctx := context.Background()
	require.NoError(t, store.SaveState(ctx, "s1", seededState("s1")))

	sm := NewStateManager(store, testLogger())
	_, committed, err := sm.ApplyEvents(ctx, "s1", []*state.Event{travelEvent("s1", 3)}, &state.StatePatch{})
	require.NoError(t, err)
	assert.Len(t, committed, 1)
}

func TestApplyEventsDuplicateEventIDRollsBack(t *testing.T) {
	store := storage.NewMockStore()
	ctx := context.Background()
	require.NoError(t, store.SaveState(ctx, "s1", seededState("s1")))

	ev := travelEvent("s1", 3)
	require.NoError(t, store.AppendEvent(ctx, "s1", ev))

	sm := NewStateManager(store, testLogger())
	_, _, err := sm.ApplyEvents(ctx, "s1", []*state.Event{ev}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrDuplicateEventID)

	stored, getErr := store.GetState(ctx, "s1")
	require.NoError(t, getErr)
	assert.Equal(t, 2, stored.Meta.Turn, "failed commit must leave state untouched")
}

func TestApplyEventsInvariantViolationAborts(t *testing.T) {
	store := storage.NewMockStore()
	ctx := context.Background()
	require.NoError(t, store.SaveState(ctx, "s1", seededState("s1")))

	ev := travelEvent("s1", 3)
	ev.StatePatch = &state.StatePatch{
		EntityUpdates: map[string]*state.EntityUpdate{
			"seal_001": {
				EntityType: state.EntityItem,
				Updates:    map[string]any{"owner_id": "ghost"},
			},
		},
	}

	sm := NewStateManager(store, testLogger())
	_, _, err := sm.ApplyEvents(ctx, "s1", []*state.Event{ev}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "turn 3 aborted")

	assert.Equal(t, 0, store.CommitTurnCalls)
	stored, getErr := store.GetState(ctx, "s1")
	require.NoError(t, getErr)
	assert.Equal(t, "caocao", stored.Entities.Items["seal_001"].OwnerID)
}

func TestApplyEventsCancelledBeforeApply(t *testing.T) {
	store := storage.NewMockStore()
	require.NoError(t, store.SaveState(context.Background(), "s1", seededState("s1")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sm := NewStateManager(store, testLogger())
	_, _, err := sm.ApplyEvents(ctx, "s1", []*state.Event{travelEvent("s1", 3)}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, store.CommitTurnCalls)
}

func TestApplyEventsRejectsEmptyInput(t *testing.T) {
	sm := NewStateManager(storage.NewMockStore(), testLogger())

	_, _, err := sm.ApplyEvents(context.Background(), "", []*state.Event{travelEvent("s1", 1)}, nil)
	require.Error(t, err)

	_, _, err = sm.ApplyEvents(context.Background(), "s1", nil, nil)
	require.Error(t, err)
}

func TestApplyEventsInitializesFirstStory(t *testing.T) {
	store := storage.NewMockStore()
	sm := NewStateManager(store, testLogger())

	ev := &state.Event{
		EventID: state.NewEventID(1),
		Turn:    1,
		Time:    state.EventTime{Label: "start", Order: 1},
		Where:   state.EventLocation{LocationID: state.UnknownLocationID},
		Type:    state.EventOther,
		Summary: "The story begins.",
		Payload: map[string]any{},
		StatePatch: &state.StatePatch{
			PlayerUpdates: map[string]any{"name": "Wanderer"},
		},
		Evidence:  state.EventEvidence{Source: "draft_turn_1"},
		CreatedAt: time.Now().UTC(),
	}

	next, _, err := sm.ApplyEvents(context.Background(), "fresh", []*state.Event{ev}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Wanderer", next.Player.Name)
	assert.Equal(t, 1, next.Meta.Turn)
	assert.Equal(t, "fresh", next.Meta.StoryID)
}

func TestApplyEventsSerializesPerStory(t *testing.T) {
	store := storage.NewMockStore()
	ctx := context.Background()
	require.NoError(t, store.SaveState(ctx, "s1", seededState("s1")))

	var inFlight, maxInFlight int
	var mu sync.Mutex
	store.CommitTurnFunc = commitSleep(store, &mu, &inFlight, &maxInFlight)

	sm := NewStateManager(store, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		turn := 3 + i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := sm.ApplyEvents(ctx, "s1", []*state.Event{travelEvent("s1", turn)}, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxInFlight, "commits for one story must not overlap")

	stored, err := store.GetState(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 6, stored.Meta.Turn)
}

// commitSleep replays the mock commit with an overlap counter so the
// test can see whether two turns ever committed concurrently.
func commitSleep(store *storage.MockStore, mu *sync.Mutex, inFlight, maxInFlight *int) func(context.Context, string, *state.CanonicalState, []*state.Event) error {
	return func(ctx context.Context, storyID string, cs *state.CanonicalState, events []*state.Event) error {
		mu.Lock()
		*inFlight++
		if *inFlight > *maxInFlight {
			*maxInFlight = *inFlight
		}
		mu.Unlock()
		defer func() {
			mu.Lock()
			*inFlight--
			mu.Unlock()
		}()

		time.Sleep(5 * time.Millisecond)
		for _, ev := range events {
			if err := store.AppendEvent(ctx, storyID, ev); err != nil {
				return err
			}
		}
		return store.SaveState(ctx, storyID, cs)
	}
}

func TestApplyEventsStoreErrorSurfaces(t *testing.T) {
	store := storage.NewMockStore()
	store.InitializeStateFunc = func(ctx context.Context, storyID string) (*state.CanonicalState, error) {
		return nil, fmt.Errorf("disk full")
	}

	sm := NewStateManager(store, testLogger())
	_, _, err := sm.ApplyEvents(context.Background(), "s1", []*state.Event{travelEvent("s1", 3)}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load state")
	assert.False(t, errors.Is(err, storage.ErrDuplicateEventID))
}

func TestApplyEventsDeathCommit(t *testing.T) {
	store := storage.NewMockStore()
	ctx := context.Background()
	require.NoError(t, store.SaveState(ctx, "s1", seededState("s1")))

	ev := &state.Event{
		EventID: state.NewEventID(3),
		StoryID: "s1",
		Turn:    3,
		Time:    state.EventTime{Label: "night", Order: 11},
		Where:   state.EventLocation{LocationID: "luoyang"},
		Who:     state.EventParticipants{Actors: []string{"liubei"}},
		Type:    state.EventDeath,
		Summary: "Liu Bei falls in the night ambush.",
		Payload: map[string]any{"character_id": "liubei"},
		StatePatch: &state.StatePatch{
			EntityUpdates: map[string]*state.EntityUpdate{
				"liubei": {
					EntityType: state.EntityCharacter,
					Updates:    map[string]any{"alive": false},
				},
			},
		},
		Evidence:  state.EventEvidence{Source: "draft_turn_3"},
		CreatedAt: time.Now().UTC(),
	}

	sm := NewStateManager(store, testLogger())
	next, _, err := sm.ApplyEvents(ctx, "s1", []*state.Event{ev}, nil)
	require.NoError(t, err)
	assert.False(t, next.Entities.Characters["liubei"].Alive)

	byTurn, err := store.ListEventsByTurn(ctx, "s1", 3)
	require.NoError(t, err)
	require.Len(t, byTurn, 1)
	assert.Equal(t, state.EventDeath, byTurn[0].Type)
}
