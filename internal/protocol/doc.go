// Package protocol defines the gateway's data model, error taxonomy and
// wire envelopes.
//
// Types here are shared by every component: the capability descriptor,
// the principal, invocation and batch requests, jobs, subscriptions and
// events. They carry no behavior beyond small invariant helpers; the
// owning components (registry, job manager, subscription manager) enforce
// lifecycle rules.
//
// # Identity
//
// Event ids are content-addressed: SHA-256 over the canonical JSON
// encoding of the event's identifying fields, with domain separation.
// Canonical JSON sorts object keys by UTF-16 code units, disables HTML
// escaping and NFC-normalizes strings so ids are stable across processes.
package protocol
