package storage

import (
	"context"
	"errors"

	"github.com/narrativekit/canon-engine/pkg/state"
)

// ErrDuplicateEventID is returned when an event id collides with one
// already in the log. The turn that produced it must be rolled back.
var ErrDuplicateEventID = errors.New("duplicate event id")

// HealthChecker defines basic health check capabilities
type HealthChecker interface {
	// Ping tests the storage connection
	Ping(ctx context.Context) error
}

// Closer defines cleanup capabilities
type Closer interface {
	// Close closes the storage connection
	Close() error
}

// Store defines the interface for canonical state and event log
// persistence. Implementations must make CommitTurn atomic: either
// the state write and every event append land, or none do.
type Store interface {
	HealthChecker
	Closer

	// GetState retrieves the canonical state for a story.
	// Returns nil if the story doesn't exist.
	GetState(ctx context.Context, storyID string) (*state.CanonicalState, error)

	// SaveState replaces the state record for a story.
	SaveState(ctx context.Context, storyID string, cs *state.CanonicalState) error

	// InitializeState returns the existing state or creates and
	// persists the empty scaffold on first touch.
	InitializeState(ctx context.Context, storyID string) (*state.CanonicalState, error)

	// AppendEvent inserts an event into the log.
	// Returns ErrDuplicateEventID on event id collision.
	AppendEvent(ctx context.Context, storyID string, ev *state.Event) error

	// CommitTurn persists the new state and appends the turn's events
	// as a single atomic unit.
	CommitTurn(ctx context.Context, storyID string, cs *state.CanonicalState, events []*state.Event) error

	// GetEvent retrieves an event by id. Returns nil if unknown.
	GetEvent(ctx context.Context, eventID string) (*state.Event, error)

	// ListEventsByTurn returns a turn's events ordered by time order ascending.
	ListEventsByTurn(ctx context.Context, storyID string, turn int) ([]*state.Event, error)

	// ListEventsByTimeRange returns events whose time order falls in
	// [minOrder, maxOrder], ascending. Nil bounds are open.
	ListEventsByTimeRange(ctx context.Context, storyID string, minOrder, maxOrder *int) ([]*state.Event, error)

	// ListRecentEvents returns events ordered by time order descending.
	ListRecentEvents(ctx context.Context, storyID string, limit, offset int) ([]*state.Event, error)
}
