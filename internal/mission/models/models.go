// Package models defines the core mission domain types shared by the
// mission services and repositories.
package models

import (
	"time"

	v1 "github.com/missionctl/missionctl/pkg/api/v1"
)

// MissionStatus is the lifecycle status of a mission
type MissionStatus string

const (
	StatusActive      MissionStatus = "active"
	StatusCompleted   MissionStatus = "completed"
	StatusFailed      MissionStatus = "failed"
	StatusInterrupted MissionStatus = "interrupted"
	StatusBlocked     MissionStatus = "blocked"
	StatusNotFeasible MissionStatus = "not_feasible"
)

// allowedTransitions is the status machine. Every non-active status except
// not_feasible can return to active via resume.
var allowedTransitions = map[MissionStatus][]MissionStatus{
	StatusActive:      {StatusCompleted, StatusFailed, StatusInterrupted, StatusBlocked, StatusNotFeasible},
	StatusInterrupted: {StatusActive},
	StatusBlocked:     {StatusActive},
	StatusFailed:      {StatusActive},
	StatusCompleted:   {StatusActive},
	StatusNotFeasible: {},
}

// CanTransition reports whether a status move is allowed
func CanTransition(from, to MissionStatus) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Resumable reports whether a mission in this status can be resumed
func (s MissionStatus) Resumable() bool {
	return s == StatusInterrupted || s == StatusBlocked || s == StatusFailed || s == StatusCompleted
}

// Terminal reports whether no further transition is possible
func (s MissionStatus) Terminal() bool {
	return s == StatusNotFeasible
}

// Mission is the registry's record of a mission
type Mission struct {
	ID            string
	Title         string
	WorkspaceID   string
	Agent         string
	Backend       string
	ModelOverride string
	ConfigProfile string
	SharedNetwork bool
	Status        MissionStatus
	StatusReason  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	InterruptedAt *time.Time
	CompletedAt   *time.Time
	Metadata      map[string]interface{}
}

// ToAPI converts a mission to its wire representation
func (m *Mission) ToAPI(lastSequence int64) *v1.Mission {
	return &v1.Mission{
		ID:            m.ID,
		Title:         m.Title,
		Status:        v1.MissionStatus(m.Status),
		StatusReason:  m.StatusReason,
		Agent:         m.Agent,
		Backend:       m.Backend,
		Model:         m.ModelOverride,
		Profile:       m.ConfigProfile,
		SharedNetwork: m.SharedNetwork,
		LastSequence:  lastSequence,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
		CompletedAt:   m.CompletedAt,
		Metadata:      m.Metadata,
	}
}

// EventType identifies the kind of a stored event
type EventType string

const (
	EventUserMessage      EventType = "user_message"
	EventAssistantMessage EventType = "assistant_message"
	EventToolCall         EventType = "tool_call"
	EventToolResult       EventType = "tool_result"
	EventTextDelta        EventType = "text_delta"
	EventThinking         EventType = "thinking"
	EventAgentPhase       EventType = "agent_phase"
	EventProgress         EventType = "progress"
	EventStatusChanged    EventType = "mission_status_changed"
	EventError            EventType = "error"
)

// StoredEvent is one committed event on a mission's timeline.
// Sequence is gap-free per mission, starting at 1. EventID is a UUID used
// by subscribers to dedupe across the replay/live handoff. The JSON tags
// are the wire schema used when events cross the bus.
type StoredEvent struct {
	ID         int64                  `json:"-"`
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

// ToAPI converts a stored event to its wire representation
func (e *StoredEvent) ToAPI() *v1.MissionEvent {
	return &v1.MissionEvent{
		MissionID:  e.MissionID,
		Sequence:   e.Sequence,
		EventType:  v1.EventType(e.EventType),
		Timestamp:  e.Timestamp,
		EventID:    e.EventID,
		ToolCallID: e.ToolCallID,
		ToolName:   e.ToolName,
		Content:    e.Content,
		Metadata:   e.Metadata,
	}
}

// EventDraft is the producer-side input to Event Store append. The store
// assigns ID, Sequence and Timestamp; EventID is generated when empty.
type EventDraft struct {
	EventType  EventType
	EventID    string
	ToolCallID string
	ToolName   string
	Content    string
	Metadata   map[string]interface{}
}

// QueuedMessage is one pending user message on a mission's queue
type QueuedMessage struct {
	ID         string
	MissionID  string
	Content    string
	Agent      string
	EnqueuedAt time.Time
}

// ToAPI converts a queued message to its wire representation
func (q *QueuedMessage) ToAPI() *v1.QueuedMessage {
	return &v1.QueuedMessage{
		ID:         q.ID,
		MissionID:  q.MissionID,
		Content:    q.Content,
		EnqueuedAt: q.EnqueuedAt,
	}
}
