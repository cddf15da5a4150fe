// Package jobs owns the asynchronous job state machine.
//
// State machine:
//
//	pending → in_progress → completed
//	                      ↘ failed
//
// A job is created pending, moved to in_progress when its driver starts,
// and reaches exactly one terminal state. Nothing leaves a terminal state:
// output a handler produces after its job timed out is discarded.
//
// Progress is a percentage in [0, 100]. Reports are accepted only while
// the job is in_progress and only if they do not decrease the current value.
//
// Thread-safety model:
//   - each job has its own mutex; no operation takes a lock across jobs
//   - the job index is guarded by a separate RWMutex held only for map access
//   - Status returns a snapshot copy and never mutates state
//
// Retention: terminal jobs stay visible for the retention window measured
// from CompletedAt. Status stops returning them as soon as the window
// elapses; Sweep reclaims their memory afterwards.
package jobs
