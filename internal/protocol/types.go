package protocol

import (
	"slices"
	"time"

	"github.com/roach88/capgate/internal/schema"
)

// Mode selects the execution path for a capability.
type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeSync || m == ModeAsync
}

// Capability is a named, versioned, permission-gated operation.
// Descriptors are immutable once registered.
type Capability struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Version     string         `json:"version"`
	Permissions []string       `json:"permissions"`
	Parameters  *schema.Schema `json:"parameters,omitempty"`
	Returns     *schema.Schema `json:"returns,omitempty"`
	Mode        Mode           `json:"mode"`
}

// Clone returns a deep copy of the descriptor.
func (c Capability) Clone() Capability {
	out := c
	out.Permissions = slices.Clone(c.Permissions)
	out.Parameters = c.Parameters.Clone()
	out.Returns = c.Returns.Clone()
	return out
}

// Principal is an authenticated caller. One per request.
type Principal struct {
	ID string `json:"id"`
}

// InvocationContext is optional caller-supplied request context.
type InvocationContext struct {
	RequestID string `json:"requestId,omitempty"`
}

// InvocationRequest asks for one capability to be executed.
type InvocationRequest struct {
	CapabilityID string             `json:"capability"`
	Parameters   map[string]any     `json:"parameters"`
	Context      *InvocationContext `json:"context,omitempty"`
}

// RequestID returns the caller-supplied request id, if any.
func (r InvocationRequest) RequestID() string {
	if r.Context == nil {
		return ""
	}
	return r.Context.RequestID
}

// JobState is the lifecycle state of an async job.
type JobState string

const (
	JobPending    JobState = "pending"
	JobInProgress JobState = "in_progress"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
)

// Terminal reports whether no transition can leave s.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job is a tracked unit of asynchronous capability execution.
//
// INVARIANTS:
//   - Result is non-nil only when State == JobCompleted
//   - Error is non-nil only when State == JobFailed
//   - CompletedAt is non-nil only when State is terminal
//   - Progress is in [0, 100] and never decreases
type Job struct {
	ID           string     `json:"id"`
	CapabilityID string     `json:"capability"`
	Owner        string     `json:"owner"`
	State        JobState   `json:"state"`
	Progress     int        `json:"progress"`
	Result       any        `json:"result,omitempty"`
	Error        *Error     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// JobHandle is returned to callers of async capabilities.
type JobHandle struct {
	JobID          string `json:"jobId"`
	StatusLocation string `json:"statusLocation"`
}

// Atomicity governs how failures in a batch affect the rest of it.
type Atomicity string

const (
	BestEffort   Atomicity = "best_effort"
	AllOrNothing Atomicity = "all_or_nothing"
)

// ParseAtomicity normalizes an atomicity mode. Empty means best_effort.
// Hyphenated spellings are accepted as aliases.
func ParseAtomicity(raw string) (Atomicity, bool) {
	switch raw {
	case "", "best_effort", "best-effort":
		return BestEffort, true
	case "all_or_nothing", "all-or-nothing":
		return AllOrNothing, true
	default:
		return "", false
	}
}

// BatchOperation is one entry of a batch request.
type BatchOperation struct {
	CapabilityID string         `json:"capability"`
	Parameters   map[string]any `json:"parameters"`
}

// BatchRequest is an ordered sequence of operations under one atomicity mode.
type BatchRequest struct {
	Operations []BatchOperation `json:"operations"`
	Atomicity  Atomicity        `json:"atomicity"`
}

// Subscription is a time-bounded registration for webhook delivery.
type Subscription struct {
	ID           string      `json:"id"`
	Owner        string      `json:"owner"`
	Capabilities []string    `json:"capabilities"`
	Events       []EventType `json:"events"`
	Callback     string      `json:"callback"`
	CreatedAt    time.Time   `json:"createdAt"`
	ExpiresAt    time.Time   `json:"expiresAt"`
}

// ActiveAt reports whether the subscription matches events at now.
func (s Subscription) ActiveAt(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}
