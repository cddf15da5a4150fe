// Package capability holds the registry of capabilities a gateway exposes
// and the handler contract capability implementations satisfy.
//
// The registry is populated at startup and read-mostly afterwards. Every
// descriptor is checked when it is registered: the id must be unique, the
// version must be a semantic version, the mode must be sync or async and
// both schemas must be well-formed. Lookups return deep copies so callers
// can never mutate a registered descriptor.
package capability
