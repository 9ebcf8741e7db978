package mission

import (
	"errors"
	"fmt"

	"github.com/missionctl/missionctl/internal/mission/queue"
	"github.com/missionctl/missionctl/internal/mission/registry"
	"github.com/missionctl/missionctl/internal/mission/store"
	"github.com/missionctl/missionctl/internal/mission/toolcall"
)

// ErrorKind classifies boundary errors for transport mapping
type ErrorKind string

const (
	// KindMissionNotFound means the mission id is unknown to the registry
	KindMissionNotFound ErrorKind = "mission_not_found"
	// KindMissionUnknown means the event store has no log for the mission
	KindMissionUnknown ErrorKind = "mission_unknown"
	// KindInvalidTransition means the status move is outside the table
	KindInvalidTransition ErrorKind = "invalid_transition"
	// KindQueueBusy means the per-mission queue cap was reached
	KindQueueBusy ErrorKind = "queue_busy"
	// KindStorage means a persistence failure
	KindStorage ErrorKind = "storage"
	// KindNotFound means a tool result without a waiter, or a queue item
	// already consumed
	KindNotFound ErrorKind = "not_found"
	// KindCancelled means a waiter or worker was cancelled before natural
	// completion. Never surfaced to clients; rendered as events instead.
	KindCancelled ErrorKind = "cancelled"
	// KindProtocol means malformed input; no state was mutated
	KindProtocol ErrorKind = "protocol"
)

// Error is the typed boundary error of the mission service
type Error struct {
	Kind    ErrorKind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// protocolError builds a KindProtocol error for malformed input
func protocolError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindProtocol, Message: fmt.Sprintf(format, args...)}
}

// classify maps component sentinels to boundary error kinds. Anything
// unrecognized is a storage failure.
func classify(err error, message string) *Error {
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}

	kind := KindStorage
	switch {
	case errors.Is(err, registry.ErrMissionNotFound):
		kind = KindMissionNotFound
	case errors.Is(err, store.ErrMissionUnknown):
		kind = KindMissionUnknown
	case errors.Is(err, registry.ErrInvalidTransition):
		kind = KindInvalidTransition
	case errors.Is(err, queue.ErrQueueBusy):
		kind = KindQueueBusy
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, toolcall.ErrNotFound):
		kind = KindNotFound
	}
	return &Error{Kind: kind, Message: message, cause: err}
}
