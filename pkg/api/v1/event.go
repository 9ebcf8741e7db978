package v1

import "time"

// EventType identifies the kind of a mission timeline event
type EventType string

const (
	EventTypeUserMessage      EventType = "user_message"
	EventTypeAssistantMessage EventType = "assistant_message"
	EventTypeToolCall         EventType = "tool_call"
	EventTypeToolResult       EventType = "tool_result"
	EventTypeTextDelta        EventType = "text_delta"
	EventTypeThinking         EventType = "thinking"
	EventTypeAgentPhase       EventType = "agent_phase"
	EventTypeProgress         EventType = "progress"
	EventTypeStatusChanged    EventType = "mission_status_changed"
	EventTypeError            EventType = "error"
)

// MissionEvent is a stored event on a mission's timeline.
// Sequence is gap-free per mission, starting at 1.
type MissionEvent struct {
	MissionID  string                 `json:"mission_id"`
	Sequence   int64                  `json:"sequence"`
	EventType  EventType              `json:"event_type"`
	Timestamp  time.Time              `json:"timestamp"`
	EventID    string                 `json:"event_id"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
	ToolName   string                 `json:"tool_name,omitempty"`
	Content    string                 `json:"content,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// ListEventsRequest query parameters for reading a mission's event log
type ListEventsRequest struct {
	SinceSequence int64    `form:"since_sequence"`
	Limit         int      `form:"limit"`
	Offset        int      `form:"offset"`
	Types         []string `form:"types"`
}

// SubscribeRequest opens a subscription stream over an existing connection
type SubscribeRequest struct {
	MissionID     string   `json:"mission_id" binding:"required"`
	SinceSequence int64    `json:"since_sequence"`
	Types         []string `json:"types,omitempty"`
}

// StreamFrame is one frame of a subscription stream
type StreamFrame struct {
	Kind      string        `json:"kind"` // "event", "keepalive", "error"
	Event     *MissionEvent `json:"event,omitempty"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}
