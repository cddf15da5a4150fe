package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/capgate/internal/protocol"
)

// Scenario defines a conformance scenario.
// A scenario assembles a fresh gateway, runs its steps against it in order
// and then evaluates assertions over the trace and final state.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Catalog is a directory of .cue capability files, relative to the
	// scenario file. Empty uses the built-in capabilities.
	Catalog string `yaml:"catalog,omitempty"`

	// Tokens maps bearer tokens to principal ids.
	Tokens map[string]string `yaml:"tokens"`

	// Permissions maps principal ids to granted permissions.
	Permissions map[string][]string `yaml:"permissions"`

	// Files seeds the built-in file table. Nil uses the demo seed.
	Files map[string]string `yaml:"files,omitempty"`

	// Webhooks maps callback URLs to the status their fake endpoint answers
	// with. Callbacks not listed answer 200.
	Webhooks map[string]int `yaml:"webhooks,omitempty"`

	// Steps are executed sequentially.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	// Supported types: trace_contains, trace_order, trace_count, job_state,
	// delivered, file_content
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one gateway operation.
type Step struct {
	// Op selects the operation; see the Op* constants.
	Op string `yaml:"op"`

	// Token is the bearer credential. Empty sends no credential.
	Token string `yaml:"token,omitempty"`

	// Capability addresses execute.
	Capability string `yaml:"capability,omitempty"`

	// Params are the execute parameters.
	Params map[string]any `yaml:"params,omitempty"`

	// RequestID is an optional caller-supplied request id for execute.
	RequestID string `yaml:"request_id,omitempty"`

	// Job is the job id for job_status and wait_job.
	Job string `yaml:"job,omitempty"`

	// Version is the discovery constraint, e.g. "^1.0".
	Version string `yaml:"version,omitempty"`

	// Batch is the request body of a batch step.
	Batch *BatchStep `yaml:"batch,omitempty"`

	// Subscribe is the request body of a subscribe step.
	Subscribe *SubscribeStep `yaml:"subscribe,omitempty"`

	// Subscription is the id removed by unsubscribe.
	Subscription string `yaml:"subscription,omitempty"`

	// Expect validates the response. Nil skips validation.
	Expect *Expect `yaml:"expect,omitempty"`
}

// BatchStep is a batch request.
type BatchStep struct {
	Atomicity  string    `yaml:"atomicity,omitempty"`
	Operations []BatchOp `yaml:"operations"`
}

// BatchOp is one operation of a batch step.
type BatchOp struct {
	Capability string         `yaml:"capability"`
	Params     map[string]any `yaml:"params"`
}

// SubscribeStep is a subscribe request.
type SubscribeStep struct {
	Capabilities []string `yaml:"capabilities"`
	Events       []string `yaml:"events,omitempty"`
	Callback     string   `yaml:"callback"`
	Duration     *int     `yaml:"duration,omitempty"`
}

// Expect specifies the expected response.
type Expect struct {
	// Status is the envelope status ("success", "accepted", "error") or,
	// for job steps, the job state.
	Status string `yaml:"status,omitempty"`

	// Error is the expected error code.
	Error string `yaml:"error,omitempty"`

	// Result is a subset match against the response body.
	Result map[string]any `yaml:"result,omitempty"`
}

// Step operations.
const (
	OpDiscover          = "discover"
	OpExecute           = "execute"
	OpJobStatus         = "job_status"
	OpWaitJob           = "wait_job"
	OpBatch             = "batch"
	OpSubscribe         = "subscribe"
	OpUnsubscribe       = "unsubscribe"
	OpListSubscriptions = "list_subscriptions"
)

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": an operation appears in the trace with args
	// - "trace_order": operations appear in order
	// - "trace_count": an operation appears exactly N times
	// - "job_state": a job ended in State
	// - "delivered": a webhook event reached Callback Count times
	// - "file_content": the file table holds Content at Path
	Type string `yaml:"type"`

	// Op is the operation (trace_contains, trace_count).
	Op string `yaml:"op,omitempty"`

	// Capability narrows trace matches and delivered events.
	Capability string `yaml:"capability,omitempty"`

	// Args is a subset match against the step arguments (trace_contains).
	Args map[string]any `yaml:"args,omitempty"`

	// Ops is the expected operation order (trace_order).
	Ops []string `yaml:"ops,omitempty"`

	// Count is the expected number of occurrences (trace_count, delivered).
	// For delivered, zero means at least one.
	Count int `yaml:"count,omitempty"`

	// Job and State are used by job_state.
	Job   string `yaml:"job,omitempty"`
	State string `yaml:"state,omitempty"`

	// Event and Callback are used by delivered.
	Event    string `yaml:"event,omitempty"`
	Callback string `yaml:"callback,omitempty"`

	// Path and Content are used by file_content.
	Path    string `yaml:"path,omitempty"`
	Content string `yaml:"content,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertJobState      = "job_state"
	AssertDelivered     = "delivered"
	AssertFileContent   = "file_content"
)

// LoadScenario reads and parses a scenario YAML file. A relative catalog
// path is resolved against the scenario file's directory.
// Returns an error if the file doesn't exist, is malformed, contains
// unknown fields, or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}

	if scenario.Catalog != "" && !filepath.IsAbs(scenario.Catalog) {
		scenario.Catalog = filepath.Join(filepath.Dir(path), scenario.Catalog)
	}
	if scenario.Catalog != "" {
		if _, err := os.Stat(scenario.Catalog); err != nil {
			return nil, fmt.Errorf("invalid scenario: catalog not found: %s", scenario.Catalog)
		}
	}
	return scenario, nil
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

// validateStep validates a single step based on its operation.
func validateStep(index int, s *Step) error {
	switch s.Op {
	case "":
		return fmt.Errorf("steps[%d]: op is required", index)
	case OpDiscover, OpListSubscriptions:
	case OpExecute:
		if s.Capability == "" {
			return fmt.Errorf("steps[%d]: capability is required for execute", index)
		}
	case OpJobStatus, OpWaitJob:
		if s.Job == "" {
			return fmt.Errorf("steps[%d]: job is required for %s", index, s.Op)
		}
	case OpBatch:
		if s.Batch == nil {
			return fmt.Errorf("steps[%d]: batch is required for batch", index)
		}
		if _, ok := protocol.ParseAtomicity(s.Batch.Atomicity); !ok {
			return fmt.Errorf("steps[%d]: unknown atomicity %q", index, s.Batch.Atomicity)
		}
	case OpSubscribe:
		if s.Subscribe == nil {
			return fmt.Errorf("steps[%d]: subscribe is required for subscribe", index)
		}
	case OpUnsubscribe:
		if s.Subscription == "" {
			return fmt.Errorf("steps[%d]: subscription is required for unsubscribe", index)
		}
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", index, s.Op)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Ops) == 0 {
			return fmt.Errorf("assertions[%d]: ops list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertJobState:
		if a.Job == "" || a.State == "" {
			return fmt.Errorf("assertions[%d]: job and state are required for job_state", index)
		}
	case AssertDelivered:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for delivered", index)
		}
		if !protocol.EventType(a.Event).Known() {
			return fmt.Errorf("assertions[%d]: unknown event %q", index, a.Event)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for delivered", index)
		}
	case AssertFileContent:
		if a.Path == "" {
			return fmt.Errorf("assertions[%d]: path is required for file_content", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
