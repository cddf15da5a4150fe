// Package subscription registers time-bounded webhook subscriptions and
// fans emitted events out to them.
//
// Subscriptions are immutable after creation except for last-delivery
// bookkeeping. A subscription whose expiresAt has passed no longer matches
// events and is reported as not found; Sweep removes it from memory.
//
// Emit never blocks: matching deliveries are put on an unbounded queue that
// Run drains with a fixed pool of workers. Each delivery retries according
// to the webhook client's policy; an abandoned delivery does not affect the
// subscription.
package subscription
