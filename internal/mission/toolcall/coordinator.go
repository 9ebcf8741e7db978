// Package toolcall correlates outbound tool_call events with inbound
// tool_result submissions and provides the suspension primitive the
// agent loop blocks on.
package toolcall

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/missionctl/missionctl/internal/common/logger"
)

var (
	// ErrNotFound is returned when resolving a tool call with no waiter
	// (duplicate submission or already cancelled)
	ErrNotFound = errors.New("no waiter for tool call")
	// ErrDuplicate is returned when registering an id twice
	ErrDuplicate = errors.New("waiter already registered")
)

// Result is the payload delivered to a resolved waiter
type Result struct {
	ToolCallID string
	Content    string
	IsError    bool
	Metadata   map[string]interface{}
}

// Outcome is what a suspended agent loop receives: either a result or a
// cancellation with a reason.
type Outcome struct {
	Result    *Result
	Cancelled bool
	Reason    string
}

// Waiter is the in-memory rendezvous for one tool call
type Waiter struct {
	ToolCallID string
	MissionID  string
	CreatedAt  time.Time

	done chan Outcome
}

// Wait blocks until the waiter is resolved or cancelled, or the context
// ends. A context end counts as cancellation. An already-delivered
// outcome wins over a simultaneously-cancelled context.
func (w *Waiter) Wait(ctx context.Context) (Outcome, error) {
	select {
	case outcome := <-w.done:
		return outcome, nil
	default:
	}
	select {
	case outcome := <-w.done:
		return outcome, nil
	case <-ctx.Done():
		return Outcome{Cancelled: true, Reason: "context cancelled"}, ctx.Err()
	}
}

// Coordinator tracks active waiters. Resolve and Cancel are mutually
// exclusive per waiter: whichever fires first wins, the second is a no-op
// (Resolve reports ErrNotFound so duplicate submissions are detectable).
type Coordinator struct {
	logger *logger.Logger

	mu      sync.Mutex
	waiters map[string]*Waiter
}

// New creates a coordinator
func New(log *logger.Logger) *Coordinator {
	return &Coordinator{
		logger:  log.WithFields(zap.String("component", "toolcall_coordinator")),
		waiters: make(map[string]*Waiter),
	}
}

// Register creates a waiter for a tool call id
func (c *Coordinator) Register(toolCallID, missionID string) (*Waiter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.waiters[toolCallID]; exists {
		return nil, ErrDuplicate
	}

	w := &Waiter{
		ToolCallID: toolCallID,
		MissionID:  missionID,
		CreatedAt:  time.Now().UTC(),
		done:       make(chan Outcome, 1),
	}
	c.waiters[toolCallID] = w
	return w, nil
}

// Resolve completes the waiter with a result. Returns ErrNotFound when no
// waiter is registered (duplicate POST, cancelled, or unknown id).
func (c *Coordinator) Resolve(toolCallID string, result Result) error {
	c.mu.Lock()
	w, ok := c.waiters[toolCallID]
	if ok {
		delete(c.waiters, toolCallID)
	}
	c.mu.Unlock()

	if !ok {
		return ErrNotFound
	}

	result.ToolCallID = toolCallID
	w.done <- Outcome{Result: &result}
	c.logger.Debug("Tool call resolved",
		zap.String("tool_call_id", toolCallID),
		zap.String("mission_id", w.MissionID))
	return nil
}

// Cancel completes the waiter with a cancelled outcome. No-op when the
// waiter was already resolved.
func (c *Coordinator) Cancel(toolCallID, reason string) {
	c.mu.Lock()
	w, ok := c.waiters[toolCallID]
	if ok {
		delete(c.waiters, toolCallID)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	w.done <- Outcome{Cancelled: true, Reason: reason}
	c.logger.Debug("Tool call cancelled",
		zap.String("tool_call_id", toolCallID),
		zap.String("reason", reason))
}

// CancelAllFor cancels every waiter belonging to a mission and returns
// the ids that were cancelled.
func (c *Coordinator) CancelAllFor(missionID, reason string) []string {
	c.mu.Lock()
	var cancelled []*Waiter
	for id, w := range c.waiters {
		if w.MissionID == missionID {
			cancelled = append(cancelled, w)
			delete(c.waiters, id)
		}
	}
	c.mu.Unlock()

	ids := make([]string, 0, len(cancelled))
	for _, w := range cancelled {
		w.done <- Outcome{Cancelled: true, Reason: reason}
		ids = append(ids, w.ToolCallID)
	}
	if len(ids) > 0 {
		c.logger.Info("Cancelled outstanding tool calls",
			zap.String("mission_id", missionID),
			zap.Int("count", len(ids)))
	}
	return ids
}

// Pending returns the ids of outstanding waiters for a mission
func (c *Coordinator) Pending(missionID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for id, w := range c.waiters {
		if w.MissionID == missionID {
			ids = append(ids, id)
		}
	}
	return ids
}
