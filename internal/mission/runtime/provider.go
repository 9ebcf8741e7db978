// Package runtime drives the per-mission agent loop: dequeue a message,
// invoke the model capability, emit deltas and tool calls, await tool
// results and terminate the turn with an assistant message.
package runtime

import (
	"context"

	"github.com/missionctl/missionctl/internal/mission/models"
)

// ChunkKind identifies the kind of a model output chunk
type ChunkKind string

const (
	// ChunkTextDelta is cumulative assistant text
	ChunkTextDelta ChunkKind = "text_delta"
	// ChunkThinking is cumulative reasoning text
	ChunkThinking ChunkKind = "thinking"
	// ChunkToolCall requests a tool invocation; the provider closes the
	// stream after emitting it and the loop re-invokes with the result
	ChunkToolCall ChunkKind = "tool_call"
	// ChunkComplete carries the final assistant message for the turn
	ChunkComplete ChunkKind = "complete"
	// ChunkError reports a fatal model failure
	ChunkError ChunkKind = "error"
)

// Cost sources for assistant message metadata
const (
	CostSourceActual    = "actual"
	CostSourceEstimated = "estimated"
	CostSourceUnknown   = "unknown"
)

// Chunk is one unit of model output
type Chunk struct {
	Kind     ChunkKind
	Content  string
	ToolName string
	ToolArgs map[string]interface{}

	// Completion fields
	Success    bool
	Model      string
	CostCents  int
	CostSource string

	// Error message for ChunkError
	Err string
}

// TurnRequest is the input to one model invocation. History carries the
// mission's event log including any tool_result appended since the
// previous iteration.
type TurnRequest struct {
	MissionID   string
	Agent       string
	Model       string
	UserMessage string
	Iteration   int
	History     []*models.StoredEvent
}

// ModelProvider is the pluggable model capability. StartTurn returns a
// channel of chunks; the provider closes it when the invocation ends
// (after ChunkComplete, ChunkToolCall or ChunkError).
type ModelProvider interface {
	StartTurn(ctx context.Context, req TurnRequest) (<-chan Chunk, error)
}
