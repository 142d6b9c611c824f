package storage

import (
	"context"
	"slices"
	"sync"

	"github.com/narrativekit/canon-engine/pkg/state"
)

// MockStore is a configurable in-memory Store for tests. Behavior can
// be overridden per method with the Func fields; unset methods fall
// back to the in-memory maps.
type MockStore struct {
	mu sync.RWMutex

	states map[string]*state.CanonicalState
	events map[string]*state.Event
	order  []string // event ids in append order

	GetStateFunc        func(ctx context.Context, storyID string) (*state.CanonicalState, error)
	SaveStateFunc       func(ctx context.Context, storyID string, cs *state.CanonicalState) error
	InitializeStateFunc func(ctx context.Context, storyID string) (*state.CanonicalState, error)
	AppendEventFunc     func(ctx context.Context, storyID string, ev *state.Event) error
	CommitTurnFunc      func(ctx context.Context, storyID string, cs *state.CanonicalState, events []*state.Event) error
	GetEventFunc        func(ctx context.Context, eventID string) (*state.Event, error)
	PingFunc            func(ctx context.Context) error

	CommitTurnCalls int
	PingCalls       int
}

var _ Store = (*MockStore)(nil)

// NewMockStore creates an empty in-memory mock store.
func NewMockStore() *MockStore {
	return &MockStore{
		states: make(map[string]*state.CanonicalState),
		events: make(map[string]*state.Event),
	}
}

// Ping mocks the health check.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	m.PingCalls++
	m.mu.Unlock()
	if m.PingFunc != nil {
		return m.PingFunc(ctx)
	}
	return nil
}

// Close is a no-op.
func (m *MockStore) Close() error { return nil }

func (m *MockStore) GetState(ctx context.Context, storyID string) (*state.CanonicalState, error) {
	if m.GetStateFunc != nil {
		return m.GetStateFunc(ctx, storyID)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	cs, ok := m.states[storyID]
	if !ok {
		return nil, nil
	}
	return cs.Clone()
}

func (m *MockStore) SaveState(ctx context.Context, storyID string, cs *state.CanonicalState) error {
	if m.SaveStateFunc != nil {
		return m.SaveStateFunc(ctx, storyID, cs)
	}
	clone, err := cs.Clone()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[storyID] = clone
	return nil
}

func (m *MockStore) InitializeState(ctx context.Context, storyID string) (*state.CanonicalState, error) {
	if m.InitializeStateFunc != nil {
		return m.InitializeStateFunc(ctx, storyID)
	}
	existing, err := m.GetState(ctx, storyID)
	if err != nil || existing != nil {
		return existing, err
	}
	cs := state.NewCanonicalState(storyID)
	if err := m.SaveState(ctx, storyID, cs); err != nil {
		return nil, err
	}
	return cs, nil
}

func (m *MockStore) AppendEvent(ctx context.Context, storyID string, ev *state.Event) error {
	if m.AppendEventFunc != nil {
		return m.AppendEventFunc(ctx, storyID, ev)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(storyID, ev)
}

func (m *MockStore) appendLocked(storyID string, ev *state.Event) error {
	if _, exists := m.events[ev.EventID]; exists {
		return ErrDuplicateEventID
	}
	copied := *ev
	copied.StoryID = storyID
	m.events[ev.EventID] = &copied
	m.order = append(m.order, ev.EventID)
	return nil
}

func (m *MockStore) CommitTurn(ctx context.Context, storyID string, cs *state.CanonicalState, events []*state.Event) error {
	m.mu.Lock()
	m.CommitTurnCalls++
	m.mu.Unlock()
	if m.CommitTurnFunc != nil {
		return m.CommitTurnFunc(ctx, storyID, cs, events)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Check all ids before writing anything, so a duplicate leaves
	// the mock unchanged like a rolled-back transaction.
	for _, ev := range events {
		if _, exists := m.events[ev.EventID]; exists {
			return ErrDuplicateEventID
		}
	}
	for _, ev := range events {
		if err := m.appendLocked(storyID, ev); err != nil {
			return err
		}
	}
	clone, err := cs.Clone()
	if err != nil {
		return err
	}
	m.states[storyID] = clone
	return nil
}

func (m *MockStore) GetEvent(ctx context.Context, eventID string) (*state.Event, error) {
	if m.GetEventFunc != nil {
		return m.GetEventFunc(ctx, eventID)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.events[eventID]
	if !ok {
		return nil, nil
	}
	copied := *ev
	return &copied, nil
}

func (m *MockStore) storyEvents(storyID string) []*state.Event {
	var out []*state.Event
	for _, id := range m.order {
		ev := m.events[id]
		if ev.StoryID == storyID {
			copied := *ev
			out = append(out, &copied)
		}
	}
	return out
}

func (m *MockStore) ListEventsByTurn(ctx context.Context, storyID string, turn int) ([]*state.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*state.Event
	for _, ev := range m.storyEvents(storyID) {
		if ev.Turn == turn {
			out = append(out, ev)
		}
	}
	slices.SortStableFunc(out, byTimeOrderAsc)
	return out, nil
}

func (m *MockStore) ListEventsByTimeRange(ctx context.Context, storyID string, minOrder, maxOrder *int) ([]*state.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*state.Event
	for _, ev := range m.storyEvents(storyID) {
		if minOrder != nil && ev.Time.Order < *minOrder {
			continue
		}
		if maxOrder != nil && ev.Time.Order > *maxOrder {
			continue
		}
		out = append(out, ev)
	}
	slices.SortStableFunc(out, byTimeOrderAsc)
	return out, nil
}

func (m *MockStore) ListRecentEvents(ctx context.Context, storyID string, limit, offset int) ([]*state.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.storyEvents(storyID)
	slices.SortStableFunc(all, func(a, b *state.Event) int {
		return byTimeOrderAsc(b, a)
	})
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func byTimeOrderAsc(a, b *state.Event) int {
	if a.Time.Order != b.Time.Order {
		return a.Time.Order - b.Time.Order
	}
	return a.Turn - b.Turn
}
