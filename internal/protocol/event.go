package protocol

import "time"

// EventType names a capability-related event.
type EventType string

const (
	EventJobCreated         EventType = "job.created"
	EventJobStarted         EventType = "job.started"
	EventJobProgress        EventType = "job.progress"
	EventJobCompleted       EventType = "job.completed"
	EventJobFailed          EventType = "job.failed"
	EventExecutionCompleted EventType = "execution.completed"
	EventExecutionFailed    EventType = "execution.failed"
)

// EventTypes lists every known event type in a stable order.
var EventTypes = []EventType{
	EventJobCreated,
	EventJobStarted,
	EventJobProgress,
	EventJobCompleted,
	EventJobFailed,
	EventExecutionCompleted,
	EventExecutionFailed,
}

// Known reports whether t is a defined event type.
func (t EventType) Known() bool {
	for _, known := range EventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Event is emitted by the execution engine and the job manager.
type Event struct {
	ID           string         `json:"eventId"`
	Type         EventType      `json:"type"`
	CapabilityID string         `json:"capability"`
	OccurredAt   time.Time      `json:"occurredAt"`
	Data         map[string]any `json:"data,omitempty"`
}
