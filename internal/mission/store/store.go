// Package store implements the durable, append-only mission event log.
//
// Events are sequence-numbered per mission, contiguous and starting at 1.
// Append is serialized per mission; appends for different missions may
// interleave.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/missionctl/missionctl/internal/common/logger"
	"github.com/missionctl/missionctl/internal/db"
	"github.com/missionctl/missionctl/internal/db/dialect"
	"github.com/missionctl/missionctl/internal/mission/models"
)

var (
	// ErrMissionUnknown is returned when appending to an unregistered mission
	ErrMissionUnknown = errors.New("mission unknown")
)

const (
	// DefaultPageLimit is applied when a read passes limit <= 0
	DefaultPageLimit = 1000
	// MaxPageLimit caps any single read
	MaxPageLimit = 5000
)

// Store provides the event log backed by the shared database pool.
type Store struct {
	pool   *db.Pool
	logger *logger.Logger

	mu        sync.Mutex
	missionMu map[string]*sync.Mutex
	lastSeq   map[string]int64
}

// New creates the event store, initializes its schema and discards any
// torn tail left by a crash mid-append.
func New(pool *db.Pool, log *logger.Logger) (*Store, error) {
	s := &Store{
		pool:      pool,
		logger:    log.WithFields(zap.String("component", "event_store")),
		missionMu: make(map[string]*sync.Mutex),
		lastSeq:   make(map[string]int64),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize event schema: %w", err)
	}
	if err := s.recoverTornTail(); err != nil {
		return nil, fmt.Errorf("failed to recover event log: %w", err)
	}
	return s, nil
}

// initSchema creates the events table if it doesn't exist
func (s *Store) initSchema() error {
	driver := s.pool.Writer().DriverName()
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS events (
			id %s,
			mission_id TEXT NOT NULL,
			sequence BIGINT NOT NULL,
			event_type TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			event_id TEXT NOT NULL,
			tool_call_id TEXT NOT NULL DEFAULT '',
			tool_name TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			UNIQUE (mission_id, sequence)
		)`, dialect.AutoIncrementPK(driver))
	if _, err := s.pool.Writer().Exec(schema); err != nil {
		return err
	}
	if _, err := s.pool.Writer().Exec(
		`CREATE INDEX IF NOT EXISTS idx_events_mission_id ON events(mission_id, id)`); err != nil {
		return err
	}
	return nil
}

// recoverTornTail deletes events past the first sequence gap of each
// mission. A crash between sequence assignment and a dependent write can
// leave a tail that violates contiguity; dropping it restores the
// invariant and the next append reuses the freed sequence numbers.
func (s *Store) recoverTornTail() error {
	rows, err := s.pool.Writer().Query(
		`SELECT mission_id, sequence FROM events ORDER BY mission_id, sequence`)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	type cut struct {
		missionID string
		keep      int64
	}
	var cuts []cut

	var curMission string
	var expected int64 = 1
	torn := false

	for rows.Next() {
		var missionID string
		var seq int64
		if err := rows.Scan(&missionID, &seq); err != nil {
			return err
		}
		if missionID != curMission {
			curMission = missionID
			expected = 1
			torn = false
		}
		if torn {
			continue
		}
		if seq != expected {
			cuts = append(cuts, cut{missionID: missionID, keep: expected - 1})
			torn = true
			continue
		}
		expected++
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, c := range cuts {
		res, err := s.pool.Writer().Exec(
			s.pool.Writer().Rebind(`DELETE FROM events WHERE mission_id = ? AND sequence > ?`),
			c.missionID, c.keep)
		if err != nil {
			return err
		}
		dropped, _ := res.RowsAffected()
		s.logger.Warn("Discarded torn event log tail",
			zap.String("mission_id", c.missionID),
			zap.Int64("kept_through", c.keep),
			zap.Int64("dropped", dropped))
	}
	return nil
}

// missionLock returns the per-mission append lock
func (s *Store) missionLock(missionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.missionMu[missionID]
	if !ok {
		mu = &sync.Mutex{}
		s.missionMu[missionID] = mu
	}
	return mu
}

// Append assigns the next sequence for the mission, stamps the timestamp,
// persists the event and returns the stored record. Returns
// ErrMissionUnknown if the mission id is not registered.
func (s *Store) Append(ctx context.Context, missionID string, draft models.EventDraft) (*models.StoredEvent, error) {
	mu := s.missionLock(missionID)
	mu.Lock()
	defer mu.Unlock()

	known, err := s.missionExists(ctx, missionID)
	if err != nil {
		return nil, fmt.Errorf("failed to check mission: %w", err)
	}
	if !known {
		return nil, ErrMissionUnknown
	}

	seq, err := s.nextSequenceLocked(ctx, missionID)
	if err != nil {
		return nil, err
	}

	eventID := draft.EventID
	if eventID == "" {
		eventID = uuid.New().String()
	}

	metadataJSON := "{}"
	if draft.Metadata != nil {
		metadataBytes, err := json.Marshal(draft.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize event metadata: %w", err)
		}
		metadataJSON = string(metadataBytes)
	}

	event := &models.StoredEvent{
		MissionID:  missionID,
		Sequence:   seq,
		EventType:  draft.EventType,
		Timestamp:  time.Now().UTC().Truncate(time.Millisecond),
		EventID:    eventID,
		ToolCallID: draft.ToolCallID,
		ToolName:   draft.ToolName,
		Content:    draft.Content,
		Metadata:   draft.Metadata,
	}

	id, err := dialect.InsertReturningID(ctx, s.pool.Writer(), `
		INSERT INTO events (mission_id, sequence, event_type, timestamp, event_id, tool_call_id, tool_name, content, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.MissionID, event.Sequence, string(event.EventType), event.Timestamp,
		event.EventID, event.ToolCallID, event.ToolName, event.Content, metadataJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to append event: %w", err)
	}
	event.ID = id

	s.mu.Lock()
	s.lastSeq[missionID] = seq
	s.mu.Unlock()

	return event, nil
}

// nextSequenceLocked computes last(mission)+1, loading the cache from the
// database on first use. Caller holds the mission lock.
func (s *Store) nextSequenceLocked(ctx context.Context, missionID string) (int64, error) {
	s.mu.Lock()
	last, ok := s.lastSeq[missionID]
	s.mu.Unlock()
	if ok {
		return last + 1, nil
	}

	last, err := s.queryLastSequence(ctx, missionID)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.lastSeq[missionID] = last
	s.mu.Unlock()
	return last + 1, nil
}

func (s *Store) queryLastSequence(ctx context.Context, missionID string) (int64, error) {
	var last sql.NullInt64
	err := s.pool.Reader().QueryRowContext(ctx,
		s.pool.Reader().Rebind(`SELECT MAX(sequence) FROM events WHERE mission_id = ?`),
		missionID).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("failed to read last sequence: %w", err)
	}
	return last.Int64, nil
}

func (s *Store) missionExists(ctx context.Context, missionID string) (bool, error) {
	var one int
	err := s.pool.Reader().QueryRowContext(ctx,
		s.pool.Reader().Rebind(`SELECT 1 FROM missions WHERE id = ?`),
		missionID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// LastSequence returns the highest assigned sequence for the mission
// (0 when no events exist).
func (s *Store) LastSequence(ctx context.Context, missionID string) (int64, error) {
	s.mu.Lock()
	last, ok := s.lastSeq[missionID]
	s.mu.Unlock()
	if ok {
		return last, nil
	}
	return s.queryLastSequence(ctx, missionID)
}

// ReadRange returns events ordered by (sequence asc, id asc), optionally
// filtered by event types. Offset applies to the filtered sequence.
// Limit defaults to DefaultPageLimit and is capped at MaxPageLimit.
func (s *Store) ReadRange(ctx context.Context, missionID string, types []string, limit, offset int) ([]*models.StoredEvent, error) {
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT id, mission_id, sequence, event_type, timestamp, event_id, tool_call_id, tool_name, content, metadata
		FROM events WHERE mission_id = ?`
	args := []interface{}{missionID}

	if len(types) > 0 {
		inQuery, inArgs, err := sqlx.In(` AND event_type IN (?)`, types)
		if err != nil {
			return nil, fmt.Errorf("failed to build type filter: %w", err)
		}
		query += inQuery
		args = append(args, inArgs...)
	}

	query += ` ORDER BY sequence ASC, id ASC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	return s.queryEvents(ctx, query, args...)
}

// ReadSince returns up to limit events with sequence strictly greater
// than sinceSequence. Used by subscription replay and lag catch-up.
func (s *Store) ReadSince(ctx context.Context, missionID string, sinceSequence int64, limit int) ([]*models.StoredEvent, error) {
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	return s.queryEvents(ctx, `
		SELECT id, mission_id, sequence, event_type, timestamp, event_id, tool_call_id, tool_name, content, metadata
		FROM events WHERE mission_id = ? AND sequence > ?
		ORDER BY sequence ASC, id ASC LIMIT ?`,
		missionID, sinceSequence, limit)
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...interface{}) ([]*models.StoredEvent, error) {
	reader := s.pool.Reader()
	rows, err := reader.QueryContext(ctx, reader.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*models.StoredEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (*models.StoredEvent, error) {
	event := &models.StoredEvent{}
	var eventType string
	var metadataJSON string
	if err := rows.Scan(&event.ID, &event.MissionID, &event.Sequence, &eventType,
		&event.Timestamp, &event.EventID, &event.ToolCallID, &event.ToolName,
		&event.Content, &metadataJSON); err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}
	event.EventType = models.EventType(eventType)
	event.Timestamp = event.Timestamp.UTC()

	if metadataJSON != "" && metadataJSON != "{}" {
		if err := json.Unmarshal([]byte(metadataJSON), &event.Metadata); err != nil {
			return nil, fmt.Errorf("failed to deserialize event metadata: %w", err)
		}
	}
	return event, nil
}
