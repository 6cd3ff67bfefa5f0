package aggregator

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/yosida95/uritemplate/v3"

	"github.com/giantswarm/multimcp/internal/api"
	"github.com/giantswarm/multimcp/pkg/logging"
)

// Backend is the registry's view of a ready backend session.
// *mcpserver.Session implements it.
type Backend interface {
	Name() string
	Capabilities() api.CapabilitySet
	Request(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// Entry is one capability in the merged namespace.
type Entry struct {
	// Key is the exposed name: a namespaced tool or prompt name, or an
	// exposed resource URI or URI template.
	Key     string
	Kind    api.CapabilityKind
	Backend string
	// Name is the identifying field as the backend advertises it.
	Name        string
	Description string
	// Raw is the advertised object with its identifying field set to Key.
	Raw json.RawMessage

	session  Backend
	template *uritemplate.Template
}

// Session returns the backend that owns the entry.
func (e *Entry) Session() Backend { return e.session }

func (e *Entry) matches(uri string) bool {
	return e.template != nil && e.template.Regexp().MatchString(uri)
}

// Update tells subscribers which capability kinds changed.
type Update struct {
	Kinds []api.CapabilityKind
}

// Has reports whether kind changed.
func (u Update) Has(kind api.CapabilityKind) bool {
	for _, k := range u.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Catalog is an immutable snapshot of the merged namespace.
type Catalog struct {
	separator string
	entries   map[api.CapabilityKind][]*Entry
	byKey     map[api.CapabilityKind]map[string]*Entry
	backends  map[string]Backend
	names     []string
	gone      map[api.CapabilityKind]map[string]string
	declared  map[string]struct{}
}

func emptyCatalog(separator string) *Catalog {
	c := &Catalog{
		separator: separator,
		entries:   make(map[api.CapabilityKind][]*Entry),
		byKey:     make(map[api.CapabilityKind]map[string]*Entry),
		backends:  make(map[string]Backend),
		gone:      make(map[api.CapabilityKind]map[string]string),
		declared:  make(map[string]struct{}),
	}
	for _, kind := range api.AllCapabilityKinds {
		c.byKey[kind] = make(map[string]*Entry)
		c.gone[kind] = make(map[string]string)
	}
	return c
}

// Entries returns the entries of one kind in catalog order: backends by
// name, then each backend's advertised order.
func (c *Catalog) Entries(kind api.CapabilityKind) []*Entry {
	return c.entries[kind]
}

// Count returns the number of entries of one kind.
func (c *Catalog) Count(kind api.CapabilityKind) int {
	return len(c.entries[kind])
}

// RawList returns the client-facing objects of one kind.
func (c *Catalog) RawList(kind api.CapabilityKind) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(c.entries[kind]))
	for _, e := range c.entries[kind] {
		out = append(out, e.Raw)
	}
	return out
}

// Backends returns the registered backends sorted by name.
func (c *Catalog) Backends() []Backend {
	out := make([]Backend, 0, len(c.names))
	for _, name := range c.names {
		out = append(out, c.backends[name])
	}
	return out
}

// Backend returns a registered backend by name.
func (c *Catalog) Backend(name string) (Backend, bool) {
	b, ok := c.backends[name]
	return b, ok
}

// ByBackend groups every entry by owning backend.
func (c *Catalog) ByBackend() map[string][]*Entry {
	out := make(map[string][]*Entry, len(c.names))
	for _, kind := range api.AllCapabilityKinds {
		for _, e := range c.entries[kind] {
			out[e.Backend] = append(out[e.Backend], e)
		}
	}
	return out
}

// Registry is the merged capability namespace of all ready backends.
//
// Readers get lock-free access to an immutable Catalog. Writers (Register,
// Unregister, Forget, Declare) are serialized and publish a new Catalog
// atomically, so a backend's entries appear and disappear all at once.
//
// Keys that resolved once and vanished are remembered, together with
// backends that are configured but not ready, so that Resolve can tell
// CapabilityGone apart from NotFound.
type Registry struct {
	separator string

	mu       sync.Mutex
	backends map[string]Backend
	gone     map[api.CapabilityKind]map[string]string
	declared map[string]struct{}
	order    []string

	catalog atomic.Pointer[Catalog]
	updates chan Update
}

// NewRegistry creates an empty registry. separator joins backend and
// capability names in tool and prompt keys.
func NewRegistry(separator string) *Registry {
	r := &Registry{
		separator: separator,
		backends:  make(map[string]Backend),
		gone:      make(map[api.CapabilityKind]map[string]string),
		declared:  make(map[string]struct{}),
		updates:   make(chan Update, 1),
	}
	for _, kind := range api.AllCapabilityKinds {
		r.gone[kind] = make(map[string]string)
	}
	r.catalog.Store(emptyCatalog(separator))
	return r
}

// Separator returns the namespace separator.
func (r *Registry) Separator() string { return r.separator }

// Register adds a ready backend, or replaces its entries with its current
// capability set.
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.backends[b.Name()] = b
	r.rebuildLocked("")

	logging.Debug("Registry", "Registered backend %s", b.Name())
}

// Unregister removes every entry of a backend. Its keys resolve to
// CapabilityGone until the backend is registered again or forgotten.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.backends[name]; !ok {
		return
	}
	delete(r.backends, name)
	r.rebuildLocked("")

	logging.Debug("Registry", "Unregistered backend %s", name)
}

// Declare sets the backends that are configured, ready or not, in
// configuration order. Catalogs list backends in that order. Keys
// addressing a declared backend that is not registered resolve to
// CapabilityGone rather than NotFound.
func (r *Registry) Declare(names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.order = slices.Clone(names)
	r.declared = make(map[string]struct{}, len(names))
	for _, name := range names {
		r.declared[name] = struct{}{}
	}
	r.rebuildLocked("")
}

// Forget drops everything remembered about a backend that was removed from
// the configuration. Its old keys resolve to NotFound afterwards.
func (r *Registry) Forget(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.backends, name)
	delete(r.declared, name)
	r.order = slices.DeleteFunc(r.order, func(n string) bool { return n == name })
	r.rebuildLocked(name)
}

// Snapshot returns the current catalog.
func (r *Registry) Snapshot() *Catalog {
	return r.catalog.Load()
}

// List returns the current entries of one kind.
func (r *Registry) List(kind api.CapabilityKind) []*Entry {
	return r.Snapshot().Entries(kind)
}

// Updates delivers a coalesced notice whenever the catalog changes.
func (r *Registry) Updates() <-chan Update {
	return r.updates
}

// Resolve looks up a tool, prompt or resource by exposed key.
//
// Returns *api.CapabilityGoneError for a key that resolved before or that
// addresses a configured backend which is not ready, and
// *api.NotFoundError otherwise.
func (r *Registry) Resolve(kind api.CapabilityKind, key string) (*Entry, error) {
	c := r.Snapshot()
	if e, ok := c.byKey[kind][key]; ok {
		return e, nil
	}
	if owner, ok := c.gone[kind][key]; ok {
		return nil, &api.CapabilityGoneError{Key: key, Backend: owner}
	}
	if kind == api.CapabilityTool || kind == api.CapabilityPrompt {
		if backend, _, ok := SplitName(key, c.separator); ok {
			if _, declared := c.declared[backend]; declared {
				return nil, &api.CapabilityGoneError{Key: key, Backend: backend}
			}
		}
	}
	return nil, api.NewNotFoundError(string(kind), key)
}

// ResolveResource finds the entry serving a resource URI and the URI to
// send to its backend. Exact resources win over templates; a <backend>+
// prefix pins the lookup to one backend.
func (r *Registry) ResolveResource(uri string) (*Entry, string, error) {
	c := r.Snapshot()

	if e, ok := c.byKey[api.CapabilityResource][uri]; ok {
		return e, e.Name, nil
	}

	if backend, rest, ok := SplitResourceURI(uri); ok {
		if _, registered := c.backends[backend]; registered {
			for _, e := range c.entries[api.CapabilityResource] {
				if e.Backend == backend && e.Name == rest {
					return e, rest, nil
				}
			}
			for _, e := range c.entries[api.CapabilityResourceTemplate] {
				if e.Backend == backend && e.matches(rest) {
					return e, rest, nil
				}
			}
		} else if _, declared := c.declared[backend]; declared {
			return nil, "", &api.CapabilityGoneError{Key: uri, Backend: backend}
		}
	}

	for _, e := range c.entries[api.CapabilityResourceTemplate] {
		if e.Key == e.Name && e.matches(uri) {
			return e, uri, nil
		}
	}

	if owner, ok := c.gone[api.CapabilityResource][uri]; ok {
		return nil, "", &api.CapabilityGoneError{Key: uri, Backend: owner}
	}
	for tmpl, owner := range c.gone[api.CapabilityResourceTemplate] {
		if t, err := uritemplate.New(tmpl); err == nil && t.Regexp().MatchString(uri) {
			return nil, "", &api.CapabilityGoneError{Key: uri, Backend: owner}
		}
	}
	return nil, "", api.NewNotFoundError("resource", uri)
}

// rebuildLocked publishes a new catalog. Keys that disappear are remembered
// as gone, except those owned by forget.
func (r *Registry) rebuildLocked(forget string) {
	old := r.catalog.Load()
	next := buildCatalog(r.separator, r.order, r.backends)

	for _, kind := range api.AllCapabilityKinds {
		for _, e := range old.entries[kind] {
			if _, ok := next.byKey[kind][e.Key]; !ok {
				r.gone[kind][e.Key] = e.Backend
			}
		}
		for key, owner := range r.gone[kind] {
			if _, live := next.byKey[kind][key]; live || (forget != "" && owner == forget) {
				delete(r.gone[kind], key)
			}
		}
		for key, owner := range r.gone[kind] {
			next.gone[kind][key] = owner
		}
	}
	for name := range r.declared {
		next.declared[name] = struct{}{}
	}

	r.catalog.Store(next)

	if changed := changedKinds(old, next); len(changed) > 0 {
		r.publish(changed)
	}
}

// publish merges with an unconsumed update so the channel never blocks a
// writer. Only writers holding r.mu send.
func (r *Registry) publish(kinds []api.CapabilityKind) {
	merged := Update{Kinds: kinds}
	select {
	case prev := <-r.updates:
		for _, k := range prev.Kinds {
			if !merged.Has(k) {
				merged.Kinds = append(merged.Kinds, k)
			}
		}
	default:
	}
	sort.Slice(merged.Kinds, func(i, j int) bool {
		return kindOrder(merged.Kinds[i]) < kindOrder(merged.Kinds[j])
	})
	r.updates <- merged
}

func kindOrder(kind api.CapabilityKind) int {
	for i, k := range api.AllCapabilityKinds {
		if k == kind {
			return i
		}
	}
	return len(api.AllCapabilityKinds)
}

func changedKinds(old, next *Catalog) []api.CapabilityKind {
	var out []api.CapabilityKind
	for _, kind := range api.AllCapabilityKinds {
		a, b := old.entries[kind], next.entries[kind]
		if len(a) != len(b) {
			out = append(out, kind)
			continue
		}
		for i := range a {
			if a[i].Key != b[i].Key || a[i].Backend != b[i].Backend || string(a[i].Raw) != string(b[i].Raw) {
				out = append(out, kind)
				break
			}
		}
	}
	return out
}

func buildCatalog(separator string, order []string, backends map[string]Backend) *Catalog {
	c := emptyCatalog(separator)
	c.names = backendOrder(order, backends)
	for _, name := range c.names {
		c.backends[name] = backends[name]
	}

	sets := make(map[string]api.CapabilitySet, len(c.names))
	nt := NewNameTracker(separator)
	for _, name := range c.names {
		set := backends[name].Capabilities()
		sets[name] = set
		for _, item := range set.Resources {
			nt.Observe(api.CapabilityResource, name, item.Name)
		}
		for _, item := range set.ResourceTemplates {
			nt.Observe(api.CapabilityResourceTemplate, name, item.Name)
		}
	}

	for _, name := range c.names {
		set := sets[name]
		byKind := map[api.CapabilityKind][]api.Capability{
			api.CapabilityTool:             set.Tools,
			api.CapabilityResource:         set.Resources,
			api.CapabilityResourceTemplate: set.ResourceTemplates,
			api.CapabilityPrompt:           set.Prompts,
		}
		for _, kind := range api.AllCapabilityKinds {
			for _, item := range byKind[kind] {
				key := nt.ExposedName(kind, name, item.Name)
				if _, dup := c.byKey[kind][key]; dup {
					logging.Warn("Registry", "Backend %s advertises %s %q more than once; keeping the first", name, kind, item.Name)
					continue
				}

				e := &Entry{
					Key:         key,
					Kind:        kind,
					Backend:     name,
					Name:        item.Name,
					Description: item.Description,
					Raw:         exposeRaw(kind, item.Raw, item.Name, key),
					session:     backends[name],
				}
				if kind == api.CapabilityResourceTemplate {
					tmpl, err := uritemplate.New(item.Name)
					if err != nil {
						logging.Warn("Registry", "Backend %s advertises invalid URI template %q: %v", name, item.Name, err)
						continue
					}
					e.template = tmpl
				}

				c.entries[kind] = append(c.entries[kind], e)
				c.byKey[kind][key] = e
			}
		}
	}
	return c
}

// backendOrder lists registered backends in configuration order, followed by
// any undeclared ones sorted by name.
func backendOrder(order []string, backends map[string]Backend) []string {
	names := make([]string, 0, len(backends))
	for _, name := range order {
		if _, ok := backends[name]; ok {
			names = append(names, name)
		}
	}
	var rest []string
	for name := range backends {
		if !slices.Contains(order, name) {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(names, rest...)
}

// identField is the member of an advertised object that names it.
func identField(kind api.CapabilityKind) string {
	switch kind {
	case api.CapabilityResource:
		return "uri"
	case api.CapabilityResourceTemplate:
		return "uriTemplate"
	default:
		return "name"
	}
}

// exposeRaw rewrites the identifying member of an advertised object to the
// exposed key. Everything else passes through untouched.
func exposeRaw(kind api.CapabilityKind, raw json.RawMessage, name, key string) json.RawMessage {
	if name == key && len(raw) > 0 {
		return raw
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		fields = make(map[string]json.RawMessage)
	}
	encoded, err := json.Marshal(key)
	if err != nil {
		return raw
	}
	fields[identField(kind)] = encoded
	out, err := json.Marshal(fields)
	if err != nil {
		return raw
	}
	return out
}
