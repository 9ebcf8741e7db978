// Package queue implements the per-mission FIFO of pending user messages.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/missionctl/missionctl/internal/common/logger"
	"github.com/missionctl/missionctl/internal/db"
	"github.com/missionctl/missionctl/internal/mission/models"
)

var (
	// ErrNotFound is returned when removing a message that was already
	// dequeued or never existed
	ErrNotFound = errors.New("queued message not found")
	// ErrQueueBusy is returned when the per-mission cap is reached
	ErrQueueBusy = errors.New("mission queue is full")
)

// Queue provides the persistent message queue. Enqueue and TakeNext are
// serialized per mission; TakeNext removes the message in the same step.
type Queue struct {
	pool   *db.Pool
	logger *logger.Logger
	cap    int // 0 = unbounded

	mu        sync.Mutex
	missionMu map[string]*sync.Mutex
	wake      map[string]chan struct{}
}

// New creates the queue and initializes its schema. cap bounds the number
// of pending messages per mission; 0 means unbounded.
func New(pool *db.Pool, queueCap int, log *logger.Logger) (*Queue, error) {
	q := &Queue{
		pool:      pool,
		logger:    log.WithFields(zap.String("component", "message_queue")),
		cap:       queueCap,
		missionMu: make(map[string]*sync.Mutex),
		wake:      make(map[string]chan struct{}),
	}
	if err := q.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize queue schema: %w", err)
	}
	return q, nil
}

func (q *Queue) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS mission_queue (
			id TEXT PRIMARY KEY,
			mission_id TEXT NOT NULL,
			content TEXT NOT NULL,
			agent TEXT NOT NULL DEFAULT '',
			enqueued_at TIMESTAMP NOT NULL
		)`
	if _, err := q.pool.Writer().Exec(schema); err != nil {
		return err
	}
	if _, err := q.pool.Writer().Exec(
		`CREATE INDEX IF NOT EXISTS idx_mission_queue_mission ON mission_queue(mission_id, enqueued_at)`); err != nil {
		return err
	}
	return nil
}

func (q *Queue) missionLock(missionID string) *sync.Mutex {
	q.mu.Lock()
	defer q.mu.Unlock()
	mu, ok := q.missionMu[missionID]
	if !ok {
		mu = &sync.Mutex{}
		q.missionMu[missionID] = mu
	}
	return mu
}

// Wake returns a channel that receives a signal whenever a message is
// enqueued for the mission. The channel has capacity 1; a pending signal
// is collapsed with later ones.
func (q *Queue) Wake(missionID string) <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.wake[missionID]
	if !ok {
		ch = make(chan struct{}, 1)
		q.wake[missionID] = ch
	}
	return ch
}

func (q *Queue) signal(missionID string) {
	q.mu.Lock()
	ch, ok := q.wake[missionID]
	q.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Enqueue appends a message to the mission's queue
func (q *Queue) Enqueue(ctx context.Context, missionID, content, agent string) (*models.QueuedMessage, error) {
	mu := q.missionLock(missionID)
	mu.Lock()
	defer mu.Unlock()

	if q.cap > 0 {
		count, err := q.Len(ctx, missionID)
		if err != nil {
			return nil, err
		}
		if count >= q.cap {
			return nil, ErrQueueBusy
		}
	}

	msg := &models.QueuedMessage{
		ID:         uuid.New().String(),
		MissionID:  missionID,
		Content:    content,
		Agent:      agent,
		EnqueuedAt: time.Now().UTC(),
	}

	_, err := q.pool.Writer().ExecContext(ctx, q.pool.Writer().Rebind(`
		INSERT INTO mission_queue (id, mission_id, content, agent, enqueued_at)
		VALUES (?, ?, ?, ?, ?)`),
		msg.ID, msg.MissionID, msg.Content, msg.Agent, msg.EnqueuedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue message: %w", err)
	}

	q.logger.Debug("Message enqueued",
		zap.String("mission_id", missionID),
		zap.String("message_id", msg.ID))

	q.signal(missionID)
	return msg, nil
}

// TakeNext atomically removes and returns the oldest pending message.
// Returns (nil, nil) when the queue is empty. Single consumer per
// mission: only the mission's agent loop worker calls this.
func (q *Queue) TakeNext(ctx context.Context, missionID string) (*models.QueuedMessage, error) {
	mu := q.missionLock(missionID)
	mu.Lock()
	defer mu.Unlock()

	msg := &models.QueuedMessage{}
	writer := q.pool.Writer()
	err := writer.QueryRowContext(ctx, writer.Rebind(`
		SELECT id, mission_id, content, agent, enqueued_at FROM mission_queue
		WHERE mission_id = ? ORDER BY enqueued_at ASC, id ASC LIMIT 1`),
		missionID).Scan(&msg.ID, &msg.MissionID, &msg.Content, &msg.Agent, &msg.EnqueuedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read queue head: %w", err)
	}
	msg.EnqueuedAt = msg.EnqueuedAt.UTC()

	if _, err := writer.ExecContext(ctx, writer.Rebind(
		`DELETE FROM mission_queue WHERE id = ?`), msg.ID); err != nil {
		return nil, fmt.Errorf("failed to dequeue message: %w", err)
	}

	return msg, nil
}

// Remove deletes a message that has not been dequeued yet
func (q *Queue) Remove(ctx context.Context, messageID string) error {
	res, err := q.pool.Writer().ExecContext(ctx, q.pool.Writer().Rebind(
		`DELETE FROM mission_queue WHERE id = ?`), messageID)
	if err != nil {
		return fmt.Errorf("failed to remove message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Clear removes all pending messages for a mission and returns the count
func (q *Queue) Clear(ctx context.Context, missionID string) (int, error) {
	mu := q.missionLock(missionID)
	mu.Lock()
	defer mu.Unlock()

	res, err := q.pool.Writer().ExecContext(ctx, q.pool.Writer().Rebind(
		`DELETE FROM mission_queue WHERE mission_id = ?`), missionID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear queue: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// List returns pending messages in FIFO order. An empty missionID lists
// the queues of all missions.
func (q *Queue) List(ctx context.Context, missionID string) ([]*models.QueuedMessage, error) {
	query := `SELECT id, mission_id, content, agent, enqueued_at FROM mission_queue`
	var args []interface{}
	if missionID != "" {
		query += ` WHERE mission_id = ?`
		args = append(args, missionID)
	}
	query += ` ORDER BY enqueued_at ASC, id ASC`

	reader := q.pool.Reader()
	rows, err := reader.QueryContext(ctx, reader.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*models.QueuedMessage
	for rows.Next() {
		msg := &models.QueuedMessage{}
		if err := rows.Scan(&msg.ID, &msg.MissionID, &msg.Content, &msg.Agent, &msg.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan queued message: %w", err)
		}
		msg.EnqueuedAt = msg.EnqueuedAt.UTC()
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queue: %w", err)
	}
	return messages, nil
}

// Len returns the number of pending messages for a mission
func (q *Queue) Len(ctx context.Context, missionID string) (int, error) {
	var count int
	reader := q.pool.Reader()
	err := reader.QueryRowContext(ctx, reader.Rebind(
		`SELECT COUNT(*) FROM mission_queue WHERE mission_id = ?`), missionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return count, nil
}
