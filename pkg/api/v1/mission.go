package v1

import "time"

// MissionStatus represents the lifecycle status of a mission
type MissionStatus string

const (
	MissionStatusActive      MissionStatus = "active"
	MissionStatusCompleted   MissionStatus = "completed"
	MissionStatusFailed      MissionStatus = "failed"
	MissionStatusInterrupted MissionStatus = "interrupted"
	MissionStatusBlocked     MissionStatus = "blocked"
	MissionStatusNotFeasible MissionStatus = "not_feasible"
)

// Mission represents a long-running agent mission
type Mission struct {
	ID            string                 `json:"id"`
	Title         string                 `json:"title"`
	Status        MissionStatus          `json:"status"`
	StatusReason  string                 `json:"status_reason,omitempty"`
	Agent         string                 `json:"agent,omitempty"`
	Backend       string                 `json:"backend,omitempty"`
	Model         string                 `json:"model,omitempty"`
	Profile       string                 `json:"profile,omitempty"`
	SharedNetwork bool                   `json:"shared_network,omitempty"`
	LastSequence  int64                  `json:"last_sequence"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// CreateMissionRequest for creating a new mission
type CreateMissionRequest struct {
	Title         string                 `json:"title" binding:"required,max=500"`
	Prompt        string                 `json:"prompt" binding:"required"`
	Agent         string                 `json:"agent,omitempty"`
	Backend       string                 `json:"backend,omitempty"`
	Model         string                 `json:"model,omitempty"`
	Profile       string                 `json:"profile,omitempty"`
	SharedNetwork bool                   `json:"shared_network,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// ResumeMissionRequest for resuming a non-active mission
type ResumeMissionRequest struct {
	Message     string `json:"message,omitempty"`
	SkipMessage bool   `json:"skip_message,omitempty"`
}

// StopMissionRequest for interrupting an active mission
type StopMissionRequest struct {
	Reason string `json:"reason,omitempty"`
}

// QueuedMessage represents a pending user message for a mission
type QueuedMessage struct {
	ID         string    `json:"id"`
	MissionID  string    `json:"mission_id"`
	Content    string    `json:"content"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// EnqueueMessageRequest for adding a message to a mission's queue
type EnqueueMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// ToolResultRequest for delivering a tool result to a waiting mission
type ToolResultRequest struct {
	ToolCallID string                 `json:"tool_call_id" binding:"required"`
	Content    string                 `json:"content"`
	IsError    bool                   `json:"is_error,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// RunningMission is one row of the scheduler's running-set snapshot
type RunningMission struct {
	MissionID            string `json:"mission_id"`
	State                string `json:"state"` // queued, running, waiting_for_tool
	Title                string `json:"title,omitempty"`
	QueueLen             int    `json:"queue_len"`
	HistoryLen           int64  `json:"history_len"`
	SecondsSinceActivity int64  `json:"seconds_since_activity"`
	CurrentActivity      string `json:"current_activity,omitempty"` // type of the newest event
	ExpectedDeliverables string `json:"expected_deliverables,omitempty"`
	Health               string `json:"health"` // ok, warn, severe (stall detector)
}

// SchedulerSnapshot reports the parallel scheduler's current state
type SchedulerSnapshot struct {
	MaxParallel int              `json:"max_parallel"`
	Missions    []RunningMission `json:"missions"`
}
