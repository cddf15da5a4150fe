// Package store provides SQLite-backed durable storage for the gateway.
//
// Two tables are kept:
//   - jobs: the job journal, one row per job, rewritten on every transition
//   - delivery_attempts: the outcome of each webhook delivery
//
// # Conventions
//
//   - Timestamps are stored as INTEGER Unix nanoseconds in UTC
//   - Result and error payloads are stored as canonical JSON TEXT
//   - Listing queries always ORDER BY a stable key so output is deterministic
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
