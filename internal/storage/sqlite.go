package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/narrativekit/canon-engine/pkg/state"
)

const schema = `
CREATE TABLE IF NOT EXISTS state (
	story_id   TEXT PRIMARY KEY,
	state_json TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	event_id   TEXT PRIMARY KEY,
	story_id   TEXT NOT NULL,
	turn       INTEGER NOT NULL,
	time_order INTEGER NOT NULL,
	event_json TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_story_turn ON events (story_id, turn);
CREATE INDEX IF NOT EXISTS idx_events_story_order ON events (story_id, time_order);
CREATE INDEX IF NOT EXISTS idx_events_story ON events (story_id);
`

// SQLiteStore persists canonical states and the event log in a local
// SQLite database. State and events are stored as JSON blobs; the
// two relations are committed together inside one transaction per turn.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at path and
// ensures the schema exists. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	if path == ":memory:" {
		dsn = path
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", path, err)
	}
	// The sqlite driver serializes writes; a single connection keeps
	// transactions from contending with themselves.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Ping tests the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetState retrieves the canonical state for a story. Missing
// location references are healed in the returned copy and persisted.
// A corrupt record falls back to the empty scaffold.
func (s *SQLiteStore) GetState(ctx context.Context, storyID string) (*state.CanonicalState, error) {
	var stateJSON string
	err := s.db.QueryRowContext(ctx,
		"SELECT state_json FROM state WHERE story_id = ?", storyID,
	).Scan(&stateJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query state for %s: %w", storyID, err)
	}

	var cs state.CanonicalState
	if err := json.Unmarshal([]byte(stateJSON), &cs); err != nil {
		s.logger.Error("state record is corrupt, reinitializing",
			"story_id", storyID,
			"error", err)
		fresh := state.NewCanonicalState(storyID)
		if err := s.SaveState(ctx, storyID, fresh); err != nil {
			return nil, fmt.Errorf("failed to reinitialize corrupt state for %s: %w", storyID, err)
		}
		return fresh, nil
	}

	if created := cs.HealLocationRefs(); len(created) > 0 {
		s.logger.Warn("healed dangling location references on load",
			"story_id", storyID,
			"locations", created)
		if err := s.SaveState(ctx, storyID, &cs); err != nil {
			return nil, fmt.Errorf("failed to persist healed state for %s: %w", storyID, err)
		}
	}
	return &cs, nil
}

// SaveState replaces the state record for a story.
func (s *SQLiteStore) SaveState(ctx context.Context, storyID string, cs *state.CanonicalState) error {
	cs.Meta.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(cs)
	if err != nil {
		return fmt.Errorf("failed to marshal state for %s: %w", storyID, err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO state (story_id, state_json, updated_at) VALUES (?, ?, ?)",
		storyID, string(data), cs.Meta.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save state for %s: %w", storyID, err)
	}
	return nil
}

// InitializeState returns the existing state or creates the scaffold.
func (s *SQLiteStore) InitializeState(ctx context.Context, storyID string) (*state.CanonicalState, error) {
	existing, err := s.GetState(ctx, storyID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	cs := state.NewCanonicalState(storyID)
	if err := s.SaveState(ctx, storyID, cs); err != nil {
		return nil, err
	}
	s.logger.Info("initialized state scaffold", "story_id", storyID)
	return cs, nil
}

// AppendEvent inserts a single event outside a turn commit.
func (s *SQLiteStore) AppendEvent(ctx context.Context, storyID string, ev *state.Event) error {
	return s.insertEvent(ctx, s.db, storyID, ev)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) insertEvent(ctx context.Context, db execer, storyID string, ev *state.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", ev.EventID, err)
	}
	_, err = db.ExecContext(ctx,
		"INSERT INTO events (event_id, story_id, turn, time_order, event_json, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		ev.EventID, storyID, ev.Turn, ev.Time.Order, string(data), ev.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("event %s: %w", ev.EventID, ErrDuplicateEventID)
		}
		return fmt.Errorf("failed to append event %s: %w", ev.EventID, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CommitTurn writes the state and appends the turn's events in one
// transaction. No partially-applied turns are observable.
func (s *SQLiteStore) CommitTurn(ctx context.Context, storyID string, cs *state.CanonicalState, events []*state.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin turn commit for %s: %w", storyID, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, ev := range events {
		if err := s.insertEvent(ctx, tx, storyID, ev); err != nil {
			return err
		}
	}

	cs.Meta.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(cs)
	if err != nil {
		return fmt.Errorf("failed to marshal state for %s: %w", storyID, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO state (story_id, state_json, updated_at) VALUES (?, ?, ?)",
		storyID, string(data), cs.Meta.UpdatedAt.Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("failed to save state for %s: %w", storyID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit turn for %s: %w", storyID, err)
	}
	return nil
}

// GetEvent retrieves an event by id.
func (s *SQLiteStore) GetEvent(ctx context.Context, eventID string) (*state.Event, error) {
	var eventJSON string
	err := s.db.QueryRowContext(ctx,
		"SELECT event_json FROM events WHERE event_id = ?", eventID,
	).Scan(&eventJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query event %s: %w", eventID, err)
	}
	var ev state.Event
	if err := json.Unmarshal([]byte(eventJSON), &ev); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event %s: %w", eventID, err)
	}
	return &ev, nil
}

// ListEventsByTurn returns a turn's events, time order ascending.
func (s *SQLiteStore) ListEventsByTurn(ctx context.Context, storyID string, turn int) ([]*state.Event, error) {
	return s.queryEvents(ctx,
		"SELECT event_json FROM events WHERE story_id = ? AND turn = ? ORDER BY time_order ASC, created_at ASC",
		storyID, turn)
}

// ListEventsByTimeRange returns events in [minOrder, maxOrder], ascending.
func (s *SQLiteStore) ListEventsByTimeRange(ctx context.Context, storyID string, minOrder, maxOrder *int) ([]*state.Event, error) {
	query := "SELECT event_json FROM events WHERE story_id = ?"
	args := []any{storyID}
	if minOrder != nil {
		query += " AND time_order >= ?"
		args = append(args, *minOrder)
	}
	if maxOrder != nil {
		query += " AND time_order <= ?"
		args = append(args, *maxOrder)
	}
	query += " ORDER BY time_order ASC, turn ASC, created_at ASC"
	return s.queryEvents(ctx, query, args...)
}

// ListRecentEvents returns the latest events, time order descending.
func (s *SQLiteStore) ListRecentEvents(ctx context.Context, storyID string, limit, offset int) ([]*state.Event, error) {
	return s.queryEvents(ctx,
		"SELECT event_json FROM events WHERE story_id = ? ORDER BY time_order DESC, turn DESC, created_at DESC LIMIT ? OFFSET ?",
		storyID, limit, offset)
}

func (s *SQLiteStore) queryEvents(ctx context.Context, query string, args ...any) ([]*state.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*state.Event
	for rows.Next() {
		var eventJSON string
		if err := rows.Scan(&eventJSON); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		var ev state.Event
		if err := json.Unmarshal([]byte(eventJSON), &ev); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event row: %w", err)
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed reading event rows: %w", err)
	}
	return events, nil
}
