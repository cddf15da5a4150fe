package harness

// Trace event types.
const (
	EventInvocation = "invocation"
	EventCompletion = "completion"
	EventDelivery   = "delivery"
)

// TraceEvent is one entry of a scenario trace: a step's request
// (invocation), its response (completion), or a webhook delivery.
type TraceEvent struct {
	Type       string `json:"type"`
	Op         string `json:"op"`
	Capability string `json:"capability,omitempty"`
	Args       any    `json:"args,omitempty"`
	Status     string `json:"status,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
	Result     any    `json:"result,omitempty"`
	Seq        int64  `json:"seq"`
}

// Delivery is one webhook request captured by the fake endpoint.
type Delivery struct {
	Callback       string `json:"callback"`
	Event          string `json:"event"`
	Capability     string `json:"capability"`
	SubscriptionID string `json:"subscriptionId"`
	Attempt        string `json:"attempt"`
	StatusCode     int    `json:"statusCode"`
	Data           any    `json:"data,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace holds invocations and completions in step order, followed by
	// webhook deliveries in canonical order.
	Trace []TraceEvent `json:"trace"`

	// Deliveries are the captured webhook requests in canonical order.
	Deliveries []Delivery `json:"deliveries"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Jobs maps job ids to their final state.
	Jobs map[string]string `json:"jobs,omitempty"`

	// Files is the file table after the run.
	Files map[string]string `json:"files,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:       true,
		Trace:      []TraceEvent{},
		Deliveries: []Delivery{},
		Errors:     []string{},
		Jobs:       make(map[string]string),
		Files:      make(map[string]string),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddInvocationTrace records a step request.
func (r *Result) AddInvocationTrace(op, capabilityID string, args any) {
	r.Trace = append(r.Trace, TraceEvent{
		Type:       EventInvocation,
		Op:         op,
		Capability: capabilityID,
		Args:       args,
		Seq:        int64(len(r.Trace) + 1),
	})
}

// AddCompletionTrace records a step response.
func (r *Result) AddCompletionTrace(op, status, errorCode string, body any) {
	r.Trace = append(r.Trace, TraceEvent{
		Type:      EventCompletion,
		Op:        op,
		Status:    status,
		ErrorCode: errorCode,
		Result:    body,
		Seq:       int64(len(r.Trace) + 1),
	})
}

// AddDeliveryTrace records a captured webhook delivery.
func (r *Result) AddDeliveryTrace(d Delivery) {
	r.Deliveries = append(r.Deliveries, d)
	r.Trace = append(r.Trace, TraceEvent{
		Type:       EventDelivery,
		Op:         d.Event,
		Capability: d.Capability,
		Args:       map[string]any{"callback": d.Callback, "subscriptionId": d.SubscriptionID, "attempt": d.Attempt},
		Status:     statusText(d.StatusCode),
		Result:     d.Data,
		Seq:        int64(len(r.Trace) + 1),
	})
}
