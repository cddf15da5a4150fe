package protocol

import "time"

// Version is the protocol version reported by discovery.
const Version = "1.0"

// Status is the envelope-level outcome of a request.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusAccepted Status = "accepted"
	StatusError    Status = "error"
	StatusActive   Status = "active"
)

// Metadata describes the gateway in discovery responses.
type Metadata struct {
	AppName         string `json:"app_name"`
	AppVersion      string `json:"app_version"`
	ProtocolVersion string `json:"protocol_version"`
}

// DiscoverResponse lists the capabilities a gateway exposes.
type DiscoverResponse struct {
	Capabilities []Capability `json:"capabilities"`
	Metadata     Metadata     `json:"metadata"`
}

// ExecuteRequest is the body of an execute call; the capability id is
// addressed separately.
type ExecuteRequest struct {
	Parameters map[string]any     `json:"parameters"`
	Context    *InvocationContext `json:"context,omitempty"`
}

// Invocation combines an addressed capability with its request body.
func (r ExecuteRequest) Invocation(capabilityID string) InvocationRequest {
	return InvocationRequest{
		CapabilityID: capabilityID,
		Parameters:   r.Parameters,
		Context:      r.Context,
	}
}

// ExecutionMeta is attached to every synchronous result.
type ExecutionMeta struct {
	ExecutionTime int64  `json:"executionTime"`
	RequestID     string `json:"requestId"`
}

// ExecuteResponse is either a synchronous result (StatusSuccess) or an
// accepted job (StatusAccepted).
type ExecuteResponse struct {
	Status         Status         `json:"status"`
	Result         any            `json:"result,omitempty"`
	Meta           *ExecutionMeta `json:"meta,omitempty"`
	JobID          string         `json:"jobId,omitempty"`
	StatusLocation string         `json:"statusLocation,omitempty"`
}

// JobStatusResponse is a point-in-time view of a job.
type JobStatusResponse struct {
	Status      JobState   `json:"status"`
	JobID       string     `json:"jobId"`
	Capability  string     `json:"capability"`
	Progress    int        `json:"progress"`
	Result      any        `json:"result,omitempty"`
	Error       *Error     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// JobStatusFrom renders a job snapshot for the wire.
func JobStatusFrom(job Job) JobStatusResponse {
	return JobStatusResponse{
		Status:      job.State,
		JobID:       job.ID,
		Capability:  job.CapabilityID,
		Progress:    job.Progress,
		Result:      job.Result,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
	}
}

// BatchResult is the outcome of one batch operation.
type BatchResult struct {
	Index          int    `json:"index"`
	Capability     string `json:"capability"`
	Status         Status `json:"status"`
	Result         any    `json:"result,omitempty"`
	JobID          string `json:"jobId,omitempty"`
	StatusLocation string `json:"statusLocation,omitempty"`
	Error          *Error `json:"error,omitempty"`
}

// Failed reports whether the operation produced an error.
func (r BatchResult) Failed() bool {
	return r.Error != nil
}

// BatchResponse is the aggregate outcome of a batch. Error is set only when
// an all_or_nothing batch stopped early; Results then holds the operations
// that were attempted.
type BatchResponse struct {
	Status    Status        `json:"status"`
	Atomicity Atomicity     `json:"atomicity"`
	Results   []BatchResult `json:"results"`
	Error     *Error        `json:"error,omitempty"`
}

// SubscribeRequest registers a webhook. Duration is in seconds; nil selects
// the configured default.
type SubscribeRequest struct {
	Capabilities []string    `json:"capabilities"`
	Events       []EventType `json:"events"`
	Callback     string      `json:"callback"`
	Duration     *int        `json:"duration,omitempty"`
}

// SubscribeResponse confirms an active subscription.
type SubscribeResponse struct {
	SubscriptionID string    `json:"subscriptionId"`
	ExpiresAt      time.Time `json:"expiresAt"`
	Status         Status    `json:"status"`
}

// ErrorEnvelope wraps a structured error for the wire.
type ErrorEnvelope struct {
	Status Status `json:"status"`
	Error  *Error `json:"error"`
}

// NewErrorEnvelope converts err into its wire form.
func NewErrorEnvelope(err error) ErrorEnvelope {
	return ErrorEnvelope{Status: StatusError, Error: AsError(err)}
}
