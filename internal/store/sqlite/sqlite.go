package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"

	"github.com/vovakirdan/socialmap-server/internal/store"
)

// DefaultPhase is the phase a newly created activity starts in.
const DefaultPhase = "nomination"

// Schema creates the tables backing the activity store.
const Schema = `
CREATE TABLE IF NOT EXISTS activities (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	phase      TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS participants (
	activity_id    TEXT NOT NULL,
	participant_id TEXT NOT NULL,
	name           TEXT NOT NULL,
	connected      BOOLEAN NOT NULL DEFAULT 0,
	joined_at      DATETIME NOT NULL,
	last_seen      DATETIME NOT NULL,
	PRIMARY KEY (activity_id, participant_id)
);

CREATE TABLE IF NOT EXISTS activity_events (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	activity_id TEXT NOT NULL,
	type        TEXT NOT NULL,
	sender_id   TEXT NOT NULL,
	payload     TEXT NOT NULL,
	created_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_activity_events_activity ON activity_events(activity_id, seq DESC);
`

// SQLiteStore implements store.ActivityStore for SQLite.
type SQLiteStore struct {
	db         *sql.DB
	autoCreate bool
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithAutoCreate makes JoinActivity create unknown activities instead of returning store.ErrNotFound.
func WithAutoCreate(enabled bool) Option {
	return func(s *SQLiteStore) {
		s.autoCreate = enabled
	}
}

// ApplySchema creates the store tables if they do not exist.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

// New creates a new SQLite store and applies the schema.
// dbPath is the path to the SQLite database file.
func New(dbPath string, opts ...Option) (*SQLiteStore, error) {
	return NewWithSetup(dbPath, ApplySchema, opts...)
}

// NewWithSetup creates a new SQLite store and runs a setup function.
// Useful for tests to seed data alongside the schema.
func NewWithSetup(dbPath string, setup func(*sql.DB) error, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection; it also keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &SQLiteStore{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ==== Activities ====

// CreateActivity inserts a new activity in the default phase.
func (s *SQLiteStore) CreateActivity(ctx context.Context, id, name string) (*store.Activity, error) {
	if err := insertActivity(ctx, s.db, id, name); err != nil {
		return nil, err
	}
	return s.GetActivity(ctx, id)
}

// GetActivity retrieves an activity by id.
func (s *SQLiteStore) GetActivity(ctx context.Context, id string) (*store.Activity, error) {
	return getActivity(ctx, s.db, id)
}

// JoinActivity marks the participant connected and loads recent history.
func (s *SQLiteStore) JoinActivity(ctx context.Context, activityID string, p store.Participant, historyLimit int) (*store.JoinSnapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	activity, err := getActivity(ctx, tx, activityID)
	if errors.Is(err, store.ErrNotFound) && s.autoCreate {
		if err = insertActivity(ctx, tx, activityID, activityID); err == nil {
			activity, err = getActivity(ctx, tx, activityID)
		}
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	query := `
		INSERT INTO participants (activity_id, participant_id, name, connected, joined_at, last_seen)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT (activity_id, participant_id)
		DO UPDATE SET name = excluded.name, connected = 1, last_seen = excluded.last_seen
	`
	if _, err := tx.ExecContext(ctx, query, activityID, p.ID, p.Name, now, now); err != nil {
		return nil, fmt.Errorf("upsert participant: %w", err)
	}

	history, err := listEvents(ctx, tx, activityID, historyLimit)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit join: %w", err)
	}

	return &store.JoinSnapshot{Activity: *activity, History: history}, nil
}

// ==== Participants ====

// SetPresence updates the connected flag of a participant.
func (s *SQLiteStore) SetPresence(ctx context.Context, activityID, participantID string, connected bool) error {
	query := `
		UPDATE participants
		SET connected = ?, last_seen = ?
		WHERE activity_id = ? AND participant_id = ?
	`
	if _, err := s.db.ExecContext(ctx, query, connected, time.Now().UTC(), activityID, participantID); err != nil {
		return fmt.Errorf("update presence: %w", err)
	}
	return nil
}

// ListParticipants returns participants of an activity ordered by join time.
func (s *SQLiteStore) ListParticipants(ctx context.Context, activityID string) ([]store.Participant, error) {
	query := `
		SELECT participant_id, name, connected, joined_at, last_seen
		FROM participants
		WHERE activity_id = ?
		ORDER BY joined_at, participant_id
	`
	rows, err := s.db.QueryContext(ctx, query, activityID)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()

	var participants []store.Participant
	for rows.Next() {
		var p store.Participant
		if err := rows.Scan(&p.ID, &p.Name, &p.Connected, &p.JoinedAt, &p.LastSeen); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

// ==== Events ====

type phasePayload struct {
	Phase string `json:"phase"`
}

// AppendEvent stores an event; phase_changed events also update the activity phase.
func (s *SQLiteStore) AppendEvent(ctx context.Context, ev store.Event) (*store.Event, error) {
	var phase string
	if ev.Type == store.EventTypePhaseChanged {
		var p phasePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil || p.Phase == "" {
			return nil, fmt.Errorf("%w: phase_changed requires a phase", store.ErrInvalidEvent)
		}
		phase = p.Phase
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := getActivity(ctx, tx, ev.ActivityID); err != nil {
		return nil, err
	}

	payload := ev.Payload
	if len(payload) == 0 {
		payload = []byte("null")
	}
	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx, `
		INSERT INTO activity_events (activity_id, type, sender_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, ev.ActivityID, ev.Type, ev.SenderID, string(payload), now)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}

	update := `UPDATE activities SET updated_at = ? WHERE id = ?`
	args := []any{now, ev.ActivityID}
	if phase != "" {
		update = `UPDATE activities SET phase = ?, updated_at = ? WHERE id = ?`
		args = []any{phase, now, ev.ActivityID}
	}
	if _, err := tx.ExecContext(ctx, update, args...); err != nil {
		return nil, fmt.Errorf("touch activity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit event: %w", err)
	}

	ev.Seq = seq
	ev.Payload = payload
	ev.CreatedAt = now
	return &ev, nil
}

// ListEvents returns the most recent events of an activity, oldest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, activityID string, limit int) ([]store.Event, error) {
	return listEvents(ctx, s.db, activityID, limit)
}

// ==== helpers shared by *sql.DB and *sql.Tx ====

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertActivity(ctx context.Context, q querier, id, name string) error {
	now := time.Now().UTC()
	query := `
		INSERT INTO activities (id, name, phase, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`
	if _, err := q.ExecContext(ctx, query, id, name, DefaultPhase, now, now); err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

func getActivity(ctx context.Context, q querier, id string) (*store.Activity, error) {
	query := `
		SELECT id, name, phase, created_at, updated_at
		FROM activities
		WHERE id = ?
	`
	var a store.Activity
	err := q.QueryRowContext(ctx, query, id).Scan(&a.ID, &a.Name, &a.Phase, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("activity %q: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query activity: %w", err)
	}
	return &a, nil
}

func listEvents(ctx context.Context, q querier, activityID string, limit int) ([]store.Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := `
		SELECT seq, activity_id, type, sender_id, payload, created_at
		FROM activity_events
		WHERE activity_id = ?
		ORDER BY seq DESC
		LIMIT ?
	`
	rows, err := q.QueryContext(ctx, query, activityID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []store.Event
	for rows.Next() {
		var (
			ev      store.Event
			payload string
		)
		if err := rows.Scan(&ev.Seq, &ev.ActivityID, &ev.Type, &ev.SenderID, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Payload = []byte(payload)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	// Reverse to oldest first.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}
