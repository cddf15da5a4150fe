// Package ids provides identifier and time sources shared by the job and
// subscription managers.
package ids

import (
	"time"

	"github.com/google/uuid"
)

// Generator produces unique identifiers.
// Implemented by UUIDv7Generator (production) and testutil.SequenceGenerator (tests).
type Generator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 identifiers.
//
// UUIDv7 embeds a timestamp in the most significant bits, so job and
// subscription ids sort by creation time, which helps when reading logs.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 as a hyphenated string.
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Prefixed wraps a generator and prepends a fixed prefix, e.g. "job_".
type Prefixed struct {
	Prefix string
	Gen    Generator
}

// Generate implements Generator.
func (p Prefixed) Generate() string {
	return p.Prefix + p.Gen.Generate()
}

// Clock is a source of wall-clock time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real clock in UTC.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
