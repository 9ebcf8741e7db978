// Package events defines bus subjects and event payload types shared by
// the mission services.
package events

import "fmt"

// Subject patterns for mission events.
//
// Mission timeline events are published on a per-mission subject so that
// subscription streams can tail a single mission, while monitoring
// components subscribe to the wildcard.
const (
	// SubjectMissionEvents matches every mission timeline event
	SubjectMissionEvents = "mission.event.*"

	// SubjectMissionHealth carries stall notifications from the health monitor
	SubjectMissionHealth = "mission.health"

	// SubjectMissionLifecycle carries mission status transitions for
	// components that track running state (scheduler, gateway)
	SubjectMissionLifecycle = "mission.lifecycle"
)

// BuildMissionEventSubject returns the subject for a single mission's
// timeline events
func BuildMissionEventSubject(missionID string) string {
	return fmt.Sprintf("mission.event.%s", missionID)
}

// Bus event types (the Type field of bus.Event envelopes)
const (
	TypeMissionEvent   = "mission.event"
	TypeMissionStall   = "mission.stall"
	TypeMissionRunning = "mission.running"
	TypeMissionQueued  = "mission.queued"
	TypeMissionStopped = "mission.stopped"
)

// StallNotification is the payload of mission.stall events
type StallNotification struct {
	MissionID    string `json:"mission_id"`
	Severity     string `json:"severity"` // "warn" or "severe"
	IdleSeconds  int64  `json:"idle_seconds"`
	LastSequence int64  `json:"last_sequence"`
}

// LifecycleNotification is the payload of mission.running/mission.stopped events
type LifecycleNotification struct {
	MissionID string `json:"mission_id"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}
