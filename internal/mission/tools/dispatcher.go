package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/missionctl/missionctl/internal/common/logger"
	"github.com/missionctl/missionctl/internal/events"
	"github.com/missionctl/missionctl/internal/events/bus"
	"github.com/missionctl/missionctl/internal/mission/models"
	"github.com/missionctl/missionctl/internal/mission/toolcall"
)

// callTimeout bounds one tool execution.
const callTimeout = 2 * time.Minute

// Dispatcher watches committed tool_call events on the bus and resolves
// the ones a handler claims. A call nobody claims stays pending for the
// API path; a call already resolved or cancelled by the time the handler
// finishes is dropped (first result wins).
type Dispatcher struct {
	bus         bus.EventBus
	coordinator *toolcall.Coordinator
	handlers    []ToolHandler
	logger      *logger.Logger

	sub    bus.Subscription
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDispatcher builds a dispatcher over the given handlers.
func NewDispatcher(eventBus bus.EventBus, coordinator *toolcall.Coordinator,
	handlers []ToolHandler, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		bus:         eventBus,
		coordinator: coordinator,
		handlers:    handlers,
		logger:      log.WithFields(zap.String("component", "tool_dispatcher")),
		stopCh:      make(chan struct{}),
	}
}

// Start subscribes to mission events.
func (d *Dispatcher) Start() error {
	sub, err := d.bus.Subscribe(events.SubjectMissionEvents, d.onEvent)
	if err != nil {
		return fmt.Errorf("failed to subscribe to mission events: %w", err)
	}
	d.sub = sub
	d.logger.Info("Tool dispatcher started", zap.Int("handlers", len(d.handlers)))
	return nil
}

// Stop unsubscribes and waits for in-flight calls.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	if d.sub != nil {
		_ = d.sub.Unsubscribe()
	}
	d.wg.Wait()
	for _, h := range d.handlers {
		if closer, ok := h.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
	}
}

func (d *Dispatcher) onEvent(ctx context.Context, e *bus.Event) error {
	if e.Type != events.TypeMissionEvent {
		return nil
	}
	event, err := decodeStoredEvent(e.Data)
	if err != nil {
		return err
	}
	if event.EventType != models.EventToolCall || event.ToolName == "" {
		return nil
	}

	handler := d.handlerFor(event.ToolName)
	if handler == nil {
		return nil
	}

	select {
	case <-d.stopCh:
		return nil
	default:
	}

	d.wg.Add(1)
	go d.execute(handler, event)
	return nil
}

func (d *Dispatcher) handlerFor(name string) ToolHandler {
	for _, h := range d.handlers {
		if h.Handles(name) {
			return h
		}
	}
	return nil
}

func (d *Dispatcher) execute(handler ToolHandler, event *models.StoredEvent) {
	defer d.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	args, _ := event.Metadata["args"].(map[string]interface{})
	content, isError, err := handler.Call(ctx, event.ToolName, args)
	if err != nil {
		content = err.Error()
		isError = true
	}

	resolveErr := d.coordinator.Resolve(event.ToolCallID, toolcall.Result{
		Content:  content,
		IsError:  isError,
		Metadata: map[string]interface{}{"source": "tool_dispatcher"},
	})
	if resolveErr != nil {
		if errors.Is(resolveErr, toolcall.ErrNotFound) {
			// Resolved or cancelled elsewhere first.
			d.logger.Debug("Tool call already settled",
				zap.String("tool_call_id", event.ToolCallID),
				zap.String("tool", event.ToolName))
			return
		}
		d.logger.Error("Failed to resolve tool call",
			zap.String("tool_call_id", event.ToolCallID), zap.Error(resolveErr))
	}
}

func decodeStoredEvent(data interface{}) (*models.StoredEvent, error) {
	switch v := data.(type) {
	case *models.StoredEvent:
		return v, nil
	case models.StoredEvent:
		return &v, nil
	case map[string]interface{}:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		event := &models.StoredEvent{}
		if err := json.Unmarshal(raw, event); err != nil {
			return nil, err
		}
		return event, nil
	default:
		return nil, fmt.Errorf("unsupported payload type %T", data)
	}
}
