package aggregator

import (
	"strings"

	"github.com/giantswarm/multimcp/internal/api"
)

// resourcePrefixSep joins a backend name to a colliding resource URI or URI
// template. Backend names cannot contain it.
const resourcePrefixSep = "+"

// NameTracker decides the exposed name of every capability.
//
// Tools and prompts are always namespaced as <backend><separator><name>.
// Resource URIs and URI templates are exposed unchanged while only one
// backend advertises them; once two or more do, each copy is exposed as
// <backend>+<uri> so that none is lost.
type NameTracker struct {
	separator string

	// uri -> backends advertising it, per kind
	owners map[api.CapabilityKind]map[string]map[string]struct{}
}

// NewNameTracker creates a tracker for one catalog build.
func NewNameTracker(separator string) *NameTracker {
	return &NameTracker{
		separator: separator,
		owners: map[api.CapabilityKind]map[string]map[string]struct{}{
			api.CapabilityResource:         {},
			api.CapabilityResourceTemplate: {},
		},
	}
}

// Observe records that backend advertises a capability. Only resources and
// resource templates are counted.
func (nt *NameTracker) Observe(kind api.CapabilityKind, backend, name string) {
	byURI, ok := nt.owners[kind]
	if !ok {
		return
	}
	if byURI[name] == nil {
		byURI[name] = make(map[string]struct{})
	}
	byURI[name][backend] = struct{}{}
}

// Collides reports whether more than one backend advertises the URI.
func (nt *NameTracker) Collides(kind api.CapabilityKind, name string) bool {
	return len(nt.owners[kind][name]) > 1
}

// ExposedName returns the client-facing key for a capability.
func (nt *NameTracker) ExposedName(kind api.CapabilityKind, backend, name string) string {
	switch kind {
	case api.CapabilityResource, api.CapabilityResourceTemplate:
		if nt.Collides(kind, name) {
			return backend + resourcePrefixSep + name
		}
		return name
	default:
		return backend + nt.separator + name
	}
}

// SplitName splits a namespaced tool or prompt key into backend and name.
func SplitName(key, separator string) (backend, name string, ok bool) {
	backend, name, ok = strings.Cut(key, separator)
	if !ok || backend == "" || name == "" {
		return "", "", false
	}
	return backend, name, true
}

// SplitResourceURI splits a prefixed resource URI into backend and URI.
// Unprefixed URIs return ok == false.
func SplitResourceURI(uri string) (backend, rest string, ok bool) {
	backend, rest, ok = strings.Cut(uri, resourcePrefixSep)
	if !ok || backend == "" || rest == "" || strings.Contains(backend, "://") || strings.ContainsAny(backend, "/:") {
		return "", "", false
	}
	return backend, rest, true
}
