// Package harness runs conformance scenarios against a fully assembled
// gateway.
//
// Each scenario gets its own runtime: static bearer tokens, a frozen clock,
// sequential ids ("job-1", "sub-1", "req-1") and a fake webhook endpoint
// that records every delivery. Steps go through the same gateway facade the
// HTTP API uses, so traces reflect real engine, job and batch behavior.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	catalog: ../capabilities          # optional, defaults to built-ins
//	tokens: { tok-editor: user123 }
//	permissions: { user123: [file.read, file.write] }
//	files: { /docs/a.txt: "hello" }    # optional file table seed
//	webhooks: { "https://hooks.example.com/down": 503 }
//	steps:
//	  - op: execute
//	    token: tok-editor
//	    capability: file.read
//	    params: { path: /docs/a.txt }
//	    expect:
//	      status: success
//	      result: { result: { content: hello } }
//	  - op: wait_job
//	    token: tok-editor
//	    job: job-1
//	    expect: { status: completed }
//	assertions:
//	  - type: trace_count
//	    op: execute
//	    count: 1
//	  - type: delivered
//	    event: job.completed
//	    callback: https://hooks.example.com/jobs
//
// # Operations
//
//   - discover: list capabilities, optionally filtered by version
//   - execute: invoke a capability
//   - job_status: poll a job once
//   - wait_job: poll a job until it is terminal
//   - batch: run a batch request
//   - subscribe, unsubscribe, list_subscriptions: manage webhooks
//
// # Assertion Types
//
//   - trace_contains: an operation appears in the trace with matching args
//   - trace_order: operations appear in the specified order
//   - trace_count: an operation appears exactly N times
//   - job_state: a job ended in the given state
//   - delivered: a webhook event reached a callback
//   - file_content: the file table holds the given content
//
// # Deterministic Testing
//
// The clock is frozen at testutil.Epoch, ids are sequential per kind and
// deliveries are sorted canonically, so traces are identical across runs
// and can be compared against golden snapshots.
package harness
