package harness

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			switch event.Type {
			case EventInvocation:
				fmt.Fprintf(&buf, "  [%d] %s %s %v\n", event.Seq, event.Op, event.Capability, event.Args)
			case EventCompletion:
				fmt.Fprintf(&buf, "  [%d]   -> %s %s\n", event.Seq, event.Status, event.ErrorCode)
			case EventDelivery:
				fmt.Fprintf(&buf, "  [%d] webhook %s %s (%s)\n", event.Seq, event.Op, event.Capability, event.Status)
			}
		}
	}

	return buf.String()
}

// assertTraceContains checks if the trace contains an invocation of the
// operation with matching capability and args (subset match).
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range invocations(trace, assertion.Op, assertion.Capability) {
		if len(assertion.Args) == 0 || subsetMismatch(event.Args, assertion.Args, "") == "" {
			return nil
		}
	}

	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("op %s %s with args %v", assertion.Op, assertion.Capability, assertion.Args),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks if operations appear in the specified order.
// Operations don't need to be consecutive.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	pos := 0
	for _, want := range assertion.Ops {
		found := false
		for pos < len(trace) {
			event := trace[pos]
			pos++
			if event.Type == EventInvocation && event.Op == want {
				found = true
				break
			}
		}
		if !found {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("ops in order: %v", assertion.Ops),
				Actual:   fmt.Sprintf("%s not found after position %d", want, pos),
				Trace:    trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks if the operation appears exactly Count times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := len(invocations(trace, assertion.Op, assertion.Capability))
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Op),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertJobState checks the final state of a job.
func assertJobState(result *Result, assertion Assertion) error {
	state, ok := result.Jobs[assertion.Job]
	if !ok {
		return &AssertionError{
			Type:     AssertJobState,
			Expected: fmt.Sprintf("job %s in state %s", assertion.Job, assertion.State),
			Actual:   fmt.Sprintf("job not created; known jobs: %s", strings.Join(sortedKeys(result.Jobs), ", ")),
		}
	}
	if state != assertion.State {
		return &AssertionError{
			Type:     AssertJobState,
			Expected: fmt.Sprintf("job %s in state %s", assertion.Job, assertion.State),
			Actual:   fmt.Sprintf("state %s", state),
		}
	}
	return nil
}

// assertDelivered checks webhook deliveries of an event type, optionally
// narrowed by callback and capability. A zero Count means at least once.
func assertDelivered(result *Result, assertion Assertion) error {
	count := 0
	for _, d := range result.Deliveries {
		if d.Event != assertion.Event {
			continue
		}
		if assertion.Callback != "" && d.Callback != assertion.Callback {
			continue
		}
		if assertion.Capability != "" && d.Capability != assertion.Capability {
			continue
		}
		count++
	}

	if (assertion.Count == 0 && count > 0) || (assertion.Count > 0 && count == assertion.Count) {
		return nil
	}

	want := "at least 1"
	if assertion.Count > 0 {
		want = fmt.Sprintf("exactly %d", assertion.Count)
	}
	return &AssertionError{
		Type:     AssertDelivered,
		Expected: fmt.Sprintf("%s deliveries of %s", want, assertion.Event),
		Actual:   fmt.Sprintf("%d deliveries", count),
		Trace:    result.Trace,
	}
}

// assertFileContent checks the file table after the run.
func assertFileContent(result *Result, assertion Assertion) error {
	content, ok := result.Files[assertion.Path]
	if !ok {
		return &AssertionError{
			Type:     AssertFileContent,
			Expected: fmt.Sprintf("file %s", assertion.Path),
			Actual:   "file not found",
		}
	}
	if content != assertion.Content {
		return &AssertionError{
			Type:     AssertFileContent,
			Expected: fmt.Sprintf("content %q", assertion.Content),
			Actual:   fmt.Sprintf("content %q", content),
		}
	}
	return nil
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertJobState:
			err = assertJobState(result, assertion)
		case AssertDelivered:
			err = assertDelivered(result, assertion)
		case AssertFileContent:
			err = assertFileContent(result, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}

// checkExpect compares a step outcome with its expect clause.
func checkExpect(expect *Expect, status, code string, body any) []string {
	var msgs []string
	if expect.Status != "" && expect.Status != status {
		msgs = append(msgs, fmt.Sprintf("expected status %q, got %q", expect.Status, status))
	}
	if expect.Error != "" && expect.Error != code {
		msgs = append(msgs, fmt.Sprintf("expected error %q, got %q", expect.Error, code))
	}
	if expect.Status == "" && expect.Error == "" && status == "error" {
		msgs = append(msgs, fmt.Sprintf("unexpected error %q", code))
	}
	if len(expect.Result) > 0 {
		if diff := subsetMismatch(body, expect.Result, ""); diff != "" {
			msgs = append(msgs, "result mismatch: "+diff)
		}
	}
	return msgs
}

func invocations(trace []TraceEvent, op, capabilityID string) []TraceEvent {
	var out []TraceEvent
	for _, event := range trace {
		if event.Type != EventInvocation || event.Op != op {
			continue
		}
		if capabilityID != "" && event.Capability != capabilityID {
			continue
		}
		out = append(out, event)
	}
	return out
}

// subsetMismatch describes the first place where actual does not contain
// expected, or returns "". Maps match by subset, slices element-wise and
// numbers by value regardless of Go type.
func subsetMismatch(actual, expected any, path string) string {
	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return fmt.Sprintf("%s: expected object, got %T", displayPath(path), actual)
		}
		for _, key := range sortedKeys(exp) {
			val, exists := act[key]
			if !exists {
				return fmt.Sprintf("%s: missing", joinPath(path, key))
			}
			if diff := subsetMismatch(val, exp[key], joinPath(path, key)); diff != "" {
				return diff
			}
		}
		return ""
	case []any:
		act, ok := actual.([]any)
		if !ok {
			return fmt.Sprintf("%s: expected array, got %T", displayPath(path), actual)
		}
		if len(act) != len(exp) {
			return fmt.Sprintf("%s: expected %d elements, got %d", displayPath(path), len(exp), len(act))
		}
		for i := range exp {
			if diff := subsetMismatch(act[i], exp[i], fmt.Sprintf("%s[%d]", path, i)); diff != "" {
				return diff
			}
		}
		return ""
	}

	if !valuesEqual(actual, expected) {
		return fmt.Sprintf("%s: expected %v, got %v", displayPath(path), expected, actual)
	}
	return ""
}

// valuesEqual compares two scalar values, coercing numbers.
func valuesEqual(actual, expected any) bool {
	if actual == nil || expected == nil {
		return actual == nil && expected == nil
	}
	af, aNum := toFloat(actual)
	ef, eNum := toFloat(expected)
	if aNum && eNum {
		return af == ef
	}
	return reflect.DeepEqual(actual, expected)
}

func toFloat(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func displayPath(path string) string {
	if path == "" {
		return "(root)"
	}
	return path
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
