// Package registry owns mission records and their status machine.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/missionctl/missionctl/internal/common/logger"
	"github.com/missionctl/missionctl/internal/db"
	"github.com/missionctl/missionctl/internal/db/dialect"
	"github.com/missionctl/missionctl/internal/mission/models"
)

var (
	// ErrMissionNotFound is returned when a mission id is unknown
	ErrMissionNotFound = errors.New("mission not found")
	// ErrInvalidTransition is returned for status moves outside the table
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Emitter commits a mission event (append to the store, then publish on
// the bus). Supplied by the service layer so the registry stays free of
// store/bus dependencies.
type Emitter func(ctx context.Context, missionID string, draft models.EventDraft) error

// CreateParams are the caller-supplied attributes of a new mission
type CreateParams struct {
	Title         string
	WorkspaceID   string
	Agent         string
	Backend       string
	ModelOverride string
	ConfigProfile string
	SharedNetwork bool
	Metadata      map[string]interface{}
}

// Registry provides mission CRUD and status transitions backed by the
// shared database pool.
type Registry struct {
	pool   *db.Pool
	logger *logger.Logger
	emit   Emitter

	mu        sync.Mutex
	missionMu map[string]*sync.Mutex
}

// New creates the registry and initializes its schema. The emitter may be
// nil initially and set later via SetEmitter (the service wires it after
// the event store exists).
func New(pool *db.Pool, log *logger.Logger) (*Registry, error) {
	r := &Registry{
		pool:      pool,
		logger:    log.WithFields(zap.String("component", "mission_registry")),
		missionMu: make(map[string]*sync.Mutex),
	}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize mission schema: %w", err)
	}
	return r, nil
}

// SetEmitter installs the event commit hook
func (r *Registry) SetEmitter(emit Emitter) {
	r.emit = emit
}

func (r *Registry) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS missions (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			status_reason TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			workspace_id TEXT NOT NULL DEFAULT '',
			agent TEXT NOT NULL DEFAULT '',
			backend TEXT NOT NULL DEFAULT '',
			model_override TEXT NOT NULL DEFAULT '',
			config_profile TEXT NOT NULL DEFAULT '',
			shared_network INTEGER NOT NULL DEFAULT 0,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			interrupted_at TIMESTAMP,
			completed_at TIMESTAMP
		)`
	if _, err := r.pool.Writer().Exec(schema); err != nil {
		return err
	}
	if _, err := r.pool.Writer().Exec(
		`CREATE INDEX IF NOT EXISTS idx_missions_status ON missions(status)`); err != nil {
		return err
	}
	return nil
}

// missionLock returns the per-mission record lock
func (r *Registry) missionLock(missionID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	mu, ok := r.missionMu[missionID]
	if !ok {
		mu = &sync.Mutex{}
		r.missionMu[missionID] = mu
	}
	return mu
}

// Create registers a new active mission and commits the creation
// mission_status_changed event.
func (r *Registry) Create(ctx context.Context, params CreateParams) (*models.Mission, error) {
	now := time.Now().UTC()
	mission := &models.Mission{
		ID:            uuid.New().String(),
		Title:         params.Title,
		WorkspaceID:   params.WorkspaceID,
		Agent:         params.Agent,
		Backend:       params.Backend,
		ModelOverride: params.ModelOverride,
		ConfigProfile: params.ConfigProfile,
		SharedNetwork: params.SharedNetwork,
		Status:        models.StatusActive,
		CreatedAt:     now,
		UpdatedAt:     now,
		Metadata:      params.Metadata,
	}

	metadataJSON := "{}"
	if mission.Metadata != nil {
		metadataBytes, err := json.Marshal(mission.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize mission metadata: %w", err)
		}
		metadataJSON = string(metadataBytes)
	}

	_, err := r.pool.Writer().ExecContext(ctx, r.pool.Writer().Rebind(`
		INSERT INTO missions (id, status, status_reason, title, workspace_id, agent, backend, model_override, config_profile, shared_network, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		mission.ID, string(mission.Status), "", mission.Title, mission.WorkspaceID,
		mission.Agent, mission.Backend, mission.ModelOverride, mission.ConfigProfile,
		dialect.BoolToInt(mission.SharedNetwork), metadataJSON, mission.CreatedAt, mission.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create mission: %w", err)
	}

	r.logger.Info("Mission created",
		zap.String("mission_id", mission.ID),
		zap.String("title", mission.Title))

	if r.emit != nil {
		if err := r.emit(ctx, mission.ID, models.EventDraft{
			EventType: models.EventStatusChanged,
			Metadata: map[string]interface{}{
				"from": nil,
				"to":   string(models.StatusActive),
			},
		}); err != nil {
			return nil, fmt.Errorf("failed to emit creation event: %w", err)
		}
	}

	return mission, nil
}

// Get retrieves a mission by id
func (r *Registry) Get(ctx context.Context, id string) (*models.Mission, error) {
	return r.scanOne(ctx, `SELECT `+missionColumns+` FROM missions WHERE id = ?`, id)
}

// List returns all missions ordered by updated_at descending
func (r *Registry) List(ctx context.Context) ([]*models.Mission, error) {
	return r.scanMany(ctx, `SELECT `+missionColumns+` FROM missions ORDER BY updated_at DESC`)
}

// ListRunning returns missions with active status
func (r *Registry) ListRunning(ctx context.Context) ([]*models.Mission, error) {
	return r.scanMany(ctx,
		`SELECT `+missionColumns+` FROM missions WHERE status = ? ORDER BY updated_at DESC`,
		string(models.StatusActive))
}

// SetStatus applies a status transition, enforcing the transition table,
// and commits a mission_status_changed event with {from, to, reason}.
func (r *Registry) SetStatus(ctx context.Context, id string, status models.MissionStatus, reason string) (*models.Mission, error) {
	mu := r.missionLock(id)
	mu.Lock()
	defer mu.Unlock()
	return r.setStatusLocked(ctx, id, status, reason)
}

func (r *Registry) setStatusLocked(ctx context.Context, id string, status models.MissionStatus, reason string) (*models.Mission, error) {
	mission, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	from := mission.Status
	if !models.CanTransition(from, status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, status)
	}

	now := time.Now().UTC()
	mission.Status = status
	mission.StatusReason = reason
	mission.UpdatedAt = now

	var interruptedAt, completedAt interface{}
	if mission.InterruptedAt != nil {
		interruptedAt = *mission.InterruptedAt
	}
	if mission.CompletedAt != nil {
		completedAt = *mission.CompletedAt
	}
	switch status {
	case models.StatusInterrupted:
		mission.InterruptedAt = &now
		interruptedAt = now
	case models.StatusCompleted:
		mission.CompletedAt = &now
		completedAt = now
	case models.StatusActive:
		mission.InterruptedAt = nil
		interruptedAt = nil
	}

	_, err = r.pool.Writer().ExecContext(ctx, r.pool.Writer().Rebind(`
		UPDATE missions SET status = ?, status_reason = ?, updated_at = ?, interrupted_at = ?, completed_at = ?
		WHERE id = ?`),
		string(status), reason, now, interruptedAt, completedAt, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update mission status: %w", err)
	}

	r.logger.Info("Mission status changed",
		zap.String("mission_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(status)),
		zap.String("reason", reason))

	if r.emit != nil {
		if err := r.emit(ctx, id, models.EventDraft{
			EventType: models.EventStatusChanged,
			Metadata: map[string]interface{}{
				"from":   string(from),
				"to":     string(status),
				"reason": reason,
			},
		}); err != nil {
			return nil, fmt.Errorf("failed to emit status event: %w", err)
		}
	}

	return mission, nil
}

// Resume transitions a non-active mission back to active. Resuming an
// already-active mission is a no-op (no event is emitted). The caller is
// responsible for enqueueing a turn trigger when skip_message is false.
func (r *Registry) Resume(ctx context.Context, id string) (*models.Mission, bool, error) {
	mu := r.missionLock(id)
	mu.Lock()
	defer mu.Unlock()

	mission, err := r.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if mission.Status == models.StatusActive {
		return mission, false, nil
	}
	if !mission.Status.Resumable() {
		return nil, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, mission.Status, models.StatusActive)
	}

	mission, err = r.setStatusLocked(ctx, id, models.StatusActive, "resumed")
	if err != nil {
		return nil, false, err
	}
	return mission, true, nil
}

const missionColumns = `id, status, status_reason, title, workspace_id, agent, backend, model_override, config_profile, shared_network, metadata, created_at, updated_at, interrupted_at, completed_at`

func (r *Registry) scanOne(ctx context.Context, query string, args ...interface{}) (*models.Mission, error) {
	reader := r.pool.Reader()
	row := reader.QueryRowContext(ctx, reader.Rebind(query), args...)
	mission, err := scanMission(row)
	if err == sql.ErrNoRows {
		return nil, ErrMissionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read mission: %w", err)
	}
	return mission, nil
}

func (r *Registry) scanMany(ctx context.Context, query string, args ...interface{}) ([]*models.Mission, error) {
	reader := r.pool.Reader()
	rows, err := reader.QueryContext(ctx, reader.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list missions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var missions []*models.Mission
	for rows.Next() {
		mission, err := scanMission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mission: %w", err)
		}
		missions = append(missions, mission)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate missions: %w", err)
	}
	return missions, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMission(row rowScanner) (*models.Mission, error) {
	mission := &models.Mission{}
	var status string
	var sharedNetwork int
	var metadataJSON string
	var interruptedAt, completedAt sql.NullTime
	if err := row.Scan(&mission.ID, &status, &mission.StatusReason, &mission.Title,
		&mission.WorkspaceID, &mission.Agent, &mission.Backend, &mission.ModelOverride,
		&mission.ConfigProfile, &sharedNetwork, &metadataJSON,
		&mission.CreatedAt, &mission.UpdatedAt, &interruptedAt, &completedAt); err != nil {
		return nil, err
	}
	mission.Status = models.MissionStatus(status)
	mission.SharedNetwork = sharedNetwork == 1
	mission.CreatedAt = mission.CreatedAt.UTC()
	mission.UpdatedAt = mission.UpdatedAt.UTC()
	if interruptedAt.Valid {
		t := interruptedAt.Time.UTC()
		mission.InterruptedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		mission.CompletedAt = &t
	}
	if metadataJSON != "" && metadataJSON != "{}" {
		if err := json.Unmarshal([]byte(metadataJSON), &mission.Metadata); err != nil {
			return nil, fmt.Errorf("failed to deserialize mission metadata: %w", err)
		}
	}
	return mission, nil
}
