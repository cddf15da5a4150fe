package capability

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/roach88/capgate/internal/protocol"
	"github.com/roach88/capgate/internal/schema"
)

// ErrDuplicate is returned when a capability id is registered twice.
var ErrDuplicate = errors.New("duplicate capability id")

// RegistrationError describes a descriptor the registry refused.
type RegistrationError struct {
	ID     string
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *RegistrationError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("register capability: %s", e.Reason)
	}
	return fmt.Sprintf("register capability %q: %s", e.ID, e.Reason)
}

// Unwrap returns the underlying cause.
func (e *RegistrationError) Unwrap() error {
	return e.Err
}

type entry struct {
	desc    protocol.Capability
	handler Handler
}

// Registry is the catalog of capabilities keyed by id.
//
// Thread-safety: all methods are safe for concurrent use. Registration is
// expected at startup only; reads never block each other.
//
// INVARIANTS:
//   - ids are unique
//   - List order is registration order
//   - every entry has a non-nil handler and a well-formed schema
type Registry struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a capability and its handler.
//
// The descriptor is copied; later changes by the caller have no effect.
// An empty Name defaults to the id and an empty Mode defaults to sync.
func (r *Registry) Register(desc protocol.Capability, h Handler) error {
	if desc.ID == "" {
		return &RegistrationError{Reason: "id is required"}
	}
	if h == nil {
		return &RegistrationError{ID: desc.ID, Reason: "handler is required"}
	}
	if desc.Name == "" {
		desc.Name = desc.ID
	}
	if desc.Mode == "" {
		desc.Mode = protocol.ModeSync
	}
	if !desc.Mode.Valid() {
		return &RegistrationError{ID: desc.ID, Reason: fmt.Sprintf("unknown mode %q", desc.Mode)}
	}
	if _, err := semver.StrictNewVersion(desc.Version); err != nil {
		return &RegistrationError{ID: desc.ID, Reason: fmt.Sprintf("version %q is not a semantic version", desc.Version), Err: err}
	}
	if err := checkPermissions(desc.Permissions); err != nil {
		return &RegistrationError{ID: desc.ID, Reason: err.Error(), Err: err}
	}
	if err := schema.Check(desc.Parameters); err != nil {
		return &RegistrationError{ID: desc.ID, Reason: "parameters: " + err.Error(), Err: err}
	}
	if desc.Returns != nil {
		if err := checkReturns(desc.Returns); err != nil {
			return &RegistrationError{ID: desc.ID, Reason: "returns: " + err.Error(), Err: err}
		}
	}

	desc = desc.Clone()
	if desc.Permissions == nil {
		desc.Permissions = []string{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[desc.ID]; exists {
		return &RegistrationError{ID: desc.ID, Reason: ErrDuplicate.Error(), Err: ErrDuplicate}
	}
	r.entries[desc.ID] = &entry{desc: desc, handler: h}
	r.order = append(r.order, desc.ID)
	return nil
}

// MustRegister is like Register but panics on error.
// Use only for built-in capabilities known to be valid.
func (r *Registry) MustRegister(desc protocol.Capability, h Handler) {
	if err := r.Register(desc, h); err != nil {
		panic(err)
	}
}

// Get returns a copy of the descriptor for id, or capability_not_found.
func (r *Registry) Get(id string) (protocol.Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return protocol.Capability{}, protocol.NewCapabilityNotFound(id)
	}
	return e.desc.Clone(), nil
}

// Lookup returns the descriptor and handler bound to id.
func (r *Registry) Lookup(id string) (protocol.Capability, Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return protocol.Capability{}, nil, protocol.NewCapabilityNotFound(id)
	}
	return e.desc.Clone(), e.handler, nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// Len returns the number of registered capabilities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// List returns every descriptor in registration order.
func (r *Registry) List() []protocol.Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]protocol.Capability, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id].desc.Clone())
	}
	return out
}

// ListMatching returns the descriptors whose version satisfies constraint
// (e.g. ">= 1.0, < 2"). An empty constraint matches everything.
func (r *Registry) ListMatching(constraint string) ([]protocol.Capability, error) {
	if constraint == "" {
		return r.List(), nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, fmt.Errorf("invalid version constraint %q: %w", constraint, err)
	}

	all := r.List()
	out := make([]protocol.Capability, 0, len(all))
	for _, desc := range all {
		// Versions were checked at registration.
		v := semver.MustParse(desc.Version)
		if c.Check(v) {
			out = append(out, desc)
		}
	}
	return out, nil
}

func checkPermissions(perms []string) error {
	seen := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		if p == "" {
			return errors.New("permission names must be non-empty")
		}
		if _, dup := seen[p]; dup {
			return fmt.Errorf("permission %q listed twice", p)
		}
		seen[p] = struct{}{}
	}
	return nil
}

// checkReturns accepts any well-formed schema; unlike parameters the
// return value does not have to be an object.
func checkReturns(s *schema.Schema) error {
	wrapped := schema.Object(map[string]*schema.Schema{"value": s})
	return schema.Check(wrapped)
}
