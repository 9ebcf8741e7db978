package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/missionctl/missionctl/internal/common/logger"
	"github.com/missionctl/missionctl/internal/mission/models"
)

// Worker states exposed in scheduler snapshots
const (
	StateIdle           = "idle"
	StateRunning        = "running"
	StateWaitingForTool = "waiting_for_tool"
)

var (
	errCancelled = errors.New("worker cancelled")
	errFatal     = errors.New("turn fatal")
	errBlocked   = errors.New("iteration budget exceeded")

	// queuePollInterval is the fallback for missed wake signals
	queuePollInterval = time.Second
)

// Worker drives one mission's turn cycle. One worker per running mission.
type Worker struct {
	missionID string
	rt        *Runtime

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	state        atomic.Int32 // 0=idle 1=running 2=waiting_for_tool
	lastActivity atomic.Int64 // unix nanos
	startedAt    time.Time
}

// StartWorker launches the agent loop worker for a mission
func (r *Runtime) StartWorker(missionID string) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		missionID: missionID,
		rt:        r,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: time.Now().UTC(),
	}
	w.touch()
	go w.run()
	return w
}

// MissionID returns the mission this worker drives
func (w *Worker) MissionID() string { return w.missionID }

// StartedAt returns when the worker was launched
func (w *Worker) StartedAt() time.Time { return w.startedAt }

// Done is closed when the worker has exited
func (w *Worker) Done() <-chan struct{} { return w.done }

// Stop cancels outstanding tool waiters (so synthetic cancelled
// tool_result events are appended) and then aborts the worker. Blocks
// until the worker has exited.
func (w *Worker) Stop(reason string) {
	w.rt.coordinator.CancelAllFor(w.missionID, reason)
	// Give the waiting turn a chance to observe the cancellation before
	// the hard context abort; the buffered outcome wins either way.
	w.cancel()
	<-w.done
}

// State returns the worker state name
func (w *Worker) State() string {
	switch w.state.Load() {
	case 1:
		return StateRunning
	case 2:
		return StateWaitingForTool
	default:
		return StateIdle
	}
}

// LastActivity returns the worker's heartbeat timestamp
func (w *Worker) LastActivity() time.Time {
	return time.Unix(0, w.lastActivity.Load()).UTC()
}

func (w *Worker) touch() {
	w.lastActivity.Store(time.Now().UTC().UnixNano())
}

func (w *Worker) setState(state int32) {
	w.state.Store(state)
	w.touch()
}

// run is the worker loop: block on queue-non-empty or cancellation,
// then drain the queue one turn at a time.
func (w *Worker) run() {
	defer close(w.done)
	defer w.setState(0)

	wake := w.rt.queue.Wake(w.missionID)
	ticker := time.NewTicker(queuePollInterval)
	defer ticker.Stop()

	log := w.rt.logger.WithMissionID(w.missionID)
	log.Info("Agent loop worker started")

	for {
		if err := w.drainQueue(log); err != nil {
			log.Info("Agent loop worker exiting", zap.String("cause", err.Error()))
			return
		}

		select {
		case <-w.ctx.Done():
			log.Info("Agent loop worker stopped")
			return
		case <-wake:
		case <-ticker.C:
		}
	}
}

// drainQueue runs turns until the queue is empty. A fatal, blocked or
// cancelled turn terminates the worker (the mission left active status).
func (w *Worker) drainQueue(log *logger.Logger) error {
	for {
		if err := w.ctx.Err(); err != nil {
			return errCancelled
		}

		msg, err := w.rt.queue.TakeNext(w.ctx, w.missionID)
		if err != nil {
			log.Warn("Failed to read mission queue", zap.Error(err))
			return nil
		}
		if msg == nil {
			return nil
		}

		w.setState(1)
		err = w.runTurn(msg)
		w.setState(0)

		switch {
		case err == nil:
			// next queued message, if any
		case errors.Is(err, errCancelled), errors.Is(err, errFatal), errors.Is(err, errBlocked):
			return err
		default:
			return err
		}
	}
}

// runTurn consumes one queued message: emits the user_message event and
// iterates model invocations until completion, a tool wait, or a limit.
func (w *Worker) runTurn(msg *models.QueuedMessage) error {
	ctx := w.ctx

	mission, err := w.rt.registry.Get(ctx, w.missionID)
	if err != nil {
		return w.fatal(ctx, fmt.Sprintf("mission lookup failed: %v", err), "storage")
	}

	userMeta := map[string]interface{}{"message_id": msg.ID}
	if msg.Agent != "" {
		userMeta["agent"] = msg.Agent
	}
	if _, err := w.rt.commit(ctx, w.missionID, models.EventDraft{
		EventType: models.EventUserMessage,
		Content:   msg.Content,
		Metadata:  userMeta,
	}); err != nil {
		return w.fatal(ctx, fmt.Sprintf("failed to append user message: %v", err), "storage")
	}
	w.touch()

	for iteration := 1; iteration <= w.rt.cfg.MaxIterations; iteration++ {
		done, err := w.runIteration(ctx, mission, msg.Content, iteration)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}

	// Iteration budget exhausted: close the turn and block the mission
	if _, err := w.rt.commit(ctx, w.missionID, models.EventDraft{
		EventType: models.EventAssistantMessage,
		Content:   "iteration limit",
		Metadata:  map[string]interface{}{"success": false},
	}); err != nil {
		return w.fatal(ctx, fmt.Sprintf("failed to append iteration-limit message: %v", err), "storage")
	}
	if _, err := w.rt.registry.SetStatus(ctx, w.missionID, models.StatusBlocked, "iteration limit"); err != nil {
		w.rt.logger.WithMissionID(w.missionID).Error("Failed to block mission", zap.Error(err))
	}
	return errBlocked
}

// runIteration performs one model invocation. Returns done=true when the
// turn produced its assistant_message.
func (w *Worker) runIteration(ctx context.Context, mission *models.Mission, userMessage string, iteration int) (bool, error) {
	history, err := w.rt.history.ReadSince(ctx, w.missionID, 0, w.rt.cfg.HistoryLimit)
	if err != nil {
		return false, w.fatal(ctx, fmt.Sprintf("failed to load history: %v", err), "storage")
	}

	stream, err := w.rt.provider.StartTurn(ctx, TurnRequest{
		MissionID:   w.missionID,
		Agent:       mission.Agent,
		Model:       mission.ModelOverride,
		UserMessage: userMessage,
		Iteration:   iteration,
		History:     history,
	})
	if err != nil {
		return false, w.fatal(ctx, fmt.Sprintf("model invocation failed: %v", err), "model")
	}

	thoughts := newThoughtTracker(func(ctx context.Context, draft models.EventDraft) error {
		_, err := w.rt.commit(ctx, w.missionID, draft)
		return err
	})

	var toolRequest *Chunk

	for {
		var chunk Chunk
		var open bool
		select {
		case <-ctx.Done():
			return false, errCancelled
		case chunk, open = <-stream:
		}
		if !open {
			break
		}
		w.touch()

		switch chunk.Kind {
		case ChunkTextDelta:
			if _, err := w.rt.commit(ctx, w.missionID, models.EventDraft{
				EventType: models.EventTextDelta,
				Content:   chunk.Content,
			}); err != nil {
				return false, w.fatal(ctx, fmt.Sprintf("failed to append text delta: %v", err), "storage")
			}

		case ChunkThinking:
			if err := thoughts.observe(ctx, chunk.Content); err != nil {
				return false, w.fatal(ctx, fmt.Sprintf("failed to append thinking: %v", err), "storage")
			}

		case ChunkToolCall:
			c := chunk
			toolRequest = &c

		case ChunkComplete:
			if err := w.commitAssistantMessage(ctx, chunk); err != nil {
				return false, w.fatal(ctx, fmt.Sprintf("failed to append assistant message: %v", err), "storage")
			}
			return true, nil

		case ChunkError:
			return false, w.fatal(ctx, chunk.Err, "model")
		}
	}

	if ctx.Err() != nil {
		return false, errCancelled
	}

	if toolRequest != nil {
		return false, w.runToolCycle(ctx, *toolRequest)
	}

	return false, w.fatal(ctx, "model stream ended without completion", "model")
}

// runToolCycle emits the tool_call, suspends on the waiter and commits
// the tool_result. nil means the loop proceeds to the next iteration.
func (w *Worker) runToolCycle(ctx context.Context, req Chunk) error {
	toolCallID := uuid.New().String()

	meta := map[string]interface{}{}
	if req.ToolArgs != nil {
		meta["args"] = req.ToolArgs
	}
	if _, err := w.rt.commit(ctx, w.missionID, models.EventDraft{
		EventType:  models.EventToolCall,
		ToolCallID: toolCallID,
		ToolName:   req.ToolName,
		Metadata:   meta,
	}); err != nil {
		return w.fatal(ctx, fmt.Sprintf("failed to append tool call: %v", err), "storage")
	}

	waiter, err := w.rt.coordinator.Register(toolCallID, w.missionID)
	if err != nil {
		return w.fatal(ctx, fmt.Sprintf("failed to register tool waiter: %v", err), "internal")
	}

	w.setState(2)
	outcome, _ := waiter.Wait(ctx)
	w.setState(1)

	if outcome.Cancelled {
		// Preserve the one-result-per-call invariant with a synthetic
		// cancelled tool_result, even while shutting down.
		commitCtx := context.WithoutCancel(ctx)
		if _, err := w.rt.commit(commitCtx, w.missionID, models.EventDraft{
			EventType:  models.EventToolResult,
			ToolCallID: toolCallID,
			ToolName:   req.ToolName,
			Metadata:   map[string]interface{}{"status": "cancelled"},
		}); err != nil {
			w.rt.logger.WithMissionID(w.missionID).Error("Failed to append cancelled tool result", zap.Error(err))
		}
		return errCancelled
	}

	result := outcome.Result
	resultMeta := map[string]interface{}{"is_error": result.IsError}
	for k, v := range result.Metadata {
		resultMeta[k] = v
	}
	if _, err := w.rt.commit(ctx, w.missionID, models.EventDraft{
		EventType:  models.EventToolResult,
		ToolCallID: toolCallID,
		ToolName:   req.ToolName,
		Content:    result.Content,
		Metadata:   resultMeta,
	}); err != nil {
		return w.fatal(ctx, fmt.Sprintf("failed to append tool result: %v", err), "storage")
	}
	return nil
}

func (w *Worker) commitAssistantMessage(ctx context.Context, chunk Chunk) error {
	costSource := chunk.CostSource
	if costSource == "" {
		costSource = CostSourceUnknown
	}
	meta := map[string]interface{}{
		"success":     chunk.Success,
		"cost_source": costSource,
	}
	if chunk.Model != "" {
		meta["model"] = chunk.Model
	}
	if costSource != CostSourceUnknown {
		meta["cost_cents"] = chunk.CostCents
	}
	_, err := w.rt.commit(ctx, w.missionID, models.EventDraft{
		EventType: models.EventAssistantMessage,
		Content:   chunk.Content,
		Metadata:  meta,
	})
	return err
}

// fatal records an error event, marks the mission failed and returns
// errFatal. Mid-turn errors stay on the mission's stream so subscribers
// see them; metadata.resumable tells clients a resume is possible.
func (w *Worker) fatal(ctx context.Context, message, reason string) error {
	commitCtx := context.WithoutCancel(ctx)
	if _, err := w.rt.commit(commitCtx, w.missionID, models.EventDraft{
		EventType: models.EventError,
		Content:   message,
		Metadata:  map[string]interface{}{"resumable": true, "reason": reason},
	}); err != nil {
		w.rt.logger.WithMissionID(w.missionID).Error("Failed to append error event", zap.Error(err))
	}
	if _, err := w.rt.registry.SetStatus(commitCtx, w.missionID, models.StatusFailed, reason); err != nil {
		w.rt.logger.WithMissionID(w.missionID).Error("Failed to mark mission failed", zap.Error(err))
	}
	return errFatal
}
