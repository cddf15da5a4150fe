// Package engine dispatches invocation requests to capability handlers.
//
// Every request runs through an ordered pipeline of checks (resolve the
// capability from the registry, authorize the principal, validate the
// parameters). The first failing check ends the request with a structured
// error. A request that passes is executed inline when the capability is
// synchronous, or handed to the job manager when it is asynchronous, in
// which case Invoke returns a job handle without waiting for the handler.
//
// Synchronous executions emit execution.completed or execution.failed
// events; asynchronous ones emit job events from the job manager.
package engine
