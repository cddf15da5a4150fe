// Package authz decides whether a principal may invoke a capability.
//
// The decision is a pure function of the principal's granted permissions
// and the capability's required permissions: a request is allowed iff
// required ⊆ granted. Permissions are compared after NFC normalization so
// visually identical names always match.
package authz

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/capgate/internal/protocol"
)

// PermissionSet is a set of permission names.
type PermissionSet map[string]struct{}

// NewPermissionSet builds a set from names, normalizing each to NFC.
func NewPermissionSet(perms ...string) PermissionSet {
	set := make(PermissionSet, len(perms))
	for _, p := range perms {
		set[norm.NFC.String(p)] = struct{}{}
	}
	return set
}

// Has reports whether perm is granted.
func (s PermissionSet) Has(perm string) bool {
	_, ok := s[norm.NFC.String(perm)]
	return ok
}

// Missing returns the required permissions absent from s, in the order
// they appear in required.
func (s PermissionSet) Missing(required []string) []string {
	var missing []string
	for _, p := range required {
		if !s.Has(p) {
			missing = append(missing, p)
		}
	}
	return missing
}

// Sorted returns the permissions in lexical order.
func (s PermissionSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Decision is the result of an authorization check.
// Missing is empty when Allowed is true.
type Decision struct {
	Allowed bool
	Missing []string
}

// Err returns nil for an allow decision and permission_denied otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return protocol.NewPermissionDenied(d.Missing)
}

// Decide compares granted permissions against a capability's requirements.
func Decide(granted PermissionSet, capability protocol.Capability) Decision {
	missing := granted.Missing(capability.Permissions)
	if len(missing) > 0 {
		return Decision{Allowed: false, Missing: missing}
	}
	return Decision{Allowed: true}
}

// Provider resolves the permissions granted to a principal.
// Unknown principals have no permissions; that is not an error.
type Provider interface {
	Permissions(ctx context.Context, principal protocol.Principal) (PermissionSet, error)
}

// Authorizer checks principals against capabilities using a Provider.
type Authorizer struct {
	provider Provider
}

// New creates an Authorizer backed by provider.
func New(provider Provider) *Authorizer {
	return &Authorizer{provider: provider}
}

// Authorize decides whether principal may invoke capability.
// The descriptor must come from the registry, not from the caller.
func (a *Authorizer) Authorize(ctx context.Context, principal protocol.Principal, capability protocol.Capability) (Decision, error) {
	granted, err := a.provider.Permissions(ctx, principal)
	if err != nil {
		return Decision{}, fmt.Errorf("resolve permissions for %q: %w", principal.ID, err)
	}
	return Decide(granted, capability), nil
}

// StaticProvider serves permissions from an in-memory table.
//
// Thread-safety: safe for concurrent use.
type StaticProvider struct {
	mu     sync.RWMutex
	grants map[string]PermissionSet
}

// NewStaticProvider creates a provider from principal id to permission names.
func NewStaticProvider(table map[string][]string) *StaticProvider {
	p := &StaticProvider{grants: make(map[string]PermissionSet, len(table))}
	for principal, perms := range table {
		p.grants[principal] = NewPermissionSet(perms...)
	}
	return p
}

// Grant adds permissions to principal.
func (p *StaticProvider) Grant(principal string, perms ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	set, ok := p.grants[principal]
	if !ok {
		set = make(PermissionSet, len(perms))
		p.grants[principal] = set
	}
	for _, perm := range perms {
		set[norm.NFC.String(perm)] = struct{}{}
	}
}

// Permissions implements Provider. The returned set is a copy.
func (p *StaticProvider) Permissions(_ context.Context, principal protocol.Principal) (PermissionSet, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	set := p.grants[principal.ID]
	out := make(PermissionSet, len(set))
	for perm := range set {
		out[perm] = struct{}{}
	}
	return out, nil
}
