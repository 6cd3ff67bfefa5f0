package aggregator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/multimcp/internal/api"
)

func entryKeys(entries []*Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Key)
	}
	return out
}

func TestRegistry_NamespacesToolsAndPrompts(t *testing.T) {
	r := NewRegistry(".")
	r.Register(newFakeBackend("weather", api.CapabilitySet{Tools: tools("lookup", "forecast"), Prompts: prompts("summary")}))
	r.Register(newFakeBackend("geo", api.CapabilitySet{Tools: tools("lookup"), Prompts: prompts("summary")}))

	assert.Equal(t, []string{"geo.lookup", "weather.lookup", "weather.forecast"}, entryKeys(r.List(api.CapabilityTool)))
	assert.Equal(t, []string{"geo.summary", "weather.summary"}, entryKeys(r.List(api.CapabilityPrompt)))

	e, err := r.Resolve(api.CapabilityTool, "weather.lookup")
	require.NoError(t, err)
	assert.Equal(t, "weather", e.Backend)
	assert.Equal(t, "lookup", e.Name)
	assert.Equal(t, "weather", e.Session().Name())

	var advertised map[string]any
	require.NoError(t, json.Unmarshal(e.Raw, &advertised))
	assert.Equal(t, "weather.lookup", advertised["name"])
	assert.Equal(t, "lookup tool", advertised["description"])
	assert.NotNil(t, advertised["inputSchema"])
}

func TestRegistry_ListsBackendsInConfigurationOrder(t *testing.T) {
	tests := []struct {
		name     string
		declared []string
		want     []string
	}{
		{
			name:     "declared order wins over names",
			declared: []string{"weather", "maps", "geo"},
			want:     []string{"weather.lookup", "maps.lookup", "geo.lookup"},
		},
		{
			name:     "undeclared backends last and sorted",
			declared: []string{"maps"},
			want:     []string{"maps.lookup", "geo.lookup", "weather.lookup"},
		},
		{
			name: "nothing declared",
			want: []string{"geo.lookup", "maps.lookup", "weather.lookup"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(".")
			r.Declare(tt.declared)
			for _, name := range []string{"geo", "weather", "maps"} {
				r.Register(newFakeBackend(name, api.CapabilitySet{Tools: tools("lookup")}))
			}
			assert.Equal(t, tt.want, entryKeys(r.List(api.CapabilityTool)))
		})
	}
}

func TestRegistry_CustomSeparator(t *testing.T) {
	r := NewRegistry("__")
	r.Register(newFakeBackend("geo", api.CapabilitySet{Tools: tools("lookup")}))

	_, err := r.Resolve(api.CapabilityTool, "geo__lookup")
	assert.NoError(t, err)
	_, err = r.Resolve(api.CapabilityTool, "geo.lookup")
	assert.True(t, api.IsNotFound(err))
}

func TestRegistry_ResourceCollisions(t *testing.T) {
	r := NewRegistry(".")
	r.Register(newFakeBackend("a", api.CapabilitySet{Resources: resources("file://shared", "file://only-a")}))
	r.Register(newFakeBackend("b", api.CapabilitySet{Resources: resources("file://shared")}))

	assert.ElementsMatch(t,
		[]string{"a+file://shared", "a+file://only-a", "b+file://shared"},
		entryKeys(r.List(api.CapabilityResource)))

	tests := []struct {
		name        string
		uri         string
		wantBackend string
		wantURI     string
	}{
		{name: "unique uri is exposed unchanged", uri: "file://only-a", wantBackend: "a", wantURI: "file://only-a"},
		{name: "colliding uri of a", uri: "a+file://shared", wantBackend: "a", wantURI: "file://shared"},
		{name: "colliding uri of b", uri: "b+file://shared", wantBackend: "b", wantURI: "file://shared"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, backendURI, err := r.ResolveResource(tt.uri)
			require.NoError(t, err)
			assert.Equal(t, tt.wantBackend, e.Backend)
			assert.Equal(t, tt.wantURI, backendURI)
		})
	}

	// The plain URI was live before b arrived, so it is gone rather than
	// unknown.
	_, _, err := r.ResolveResource("file://shared")
	assert.True(t, api.IsCapabilityGone(err), "got %v", err)

	// Once the collision is gone the plain URI comes back.
	r.Unregister("b")
	e, backendURI, err := r.ResolveResource("file://shared")
	require.NoError(t, err)
	assert.Equal(t, "a", e.Backend)
	assert.Equal(t, "file://shared", backendURI)
}

func TestRegistry_ResourceTemplates(t *testing.T) {
	r := NewRegistry(".")
	r.Register(newFakeBackend("whereami", api.CapabilitySet{
		Resources:         resources("location://current"),
		ResourceTemplates: templates("location://{type}"),
	}))

	tests := []struct {
		name     string
		uri      string
		wantKind api.CapabilityKind
		wantErr  bool
	}{
		{name: "exact resource wins", uri: "location://current", wantKind: api.CapabilityResource},
		{name: "template match", uri: "location://home", wantKind: api.CapabilityResourceTemplate},
		{name: "other scheme", uri: "weather://home", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, backendURI, err := r.ResolveResource(tt.uri)
			if tt.wantErr {
				assert.True(t, api.IsNotFound(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, e.Kind)
			assert.Equal(t, tt.uri, backendURI)
		})
	}

	e, err := r.Resolve(api.CapabilityResourceTemplate, "location://{type}")
	require.NoError(t, err)
	assert.Equal(t, "whereami", e.Backend)
}

func TestRegistry_GoneVersusNotFound(t *testing.T) {
	r := NewRegistry(".")
	r.Declare([]string{"geo", "pending"})
	r.Register(newFakeBackend("geo", api.CapabilitySet{
		Tools:     tools("lookup"),
		Resources: resources("geo://map"),
	}))
	r.Unregister("geo")

	tests := []struct {
		name     string
		kind     api.CapabilityKind
		key      string
		wantGone bool
	}{
		{name: "tool of a closed backend", kind: api.CapabilityTool, key: "geo.lookup", wantGone: true},
		{name: "tool of a backend not ready yet", kind: api.CapabilityTool, key: "pending.anything", wantGone: true},
		{name: "never existed", kind: api.CapabilityTool, key: "nobody.lookup"},
		{name: "no separator", kind: api.CapabilityTool, key: "lookup"},
		{name: "prompt of unknown backend", kind: api.CapabilityPrompt, key: "x.y"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(tt.kind, tt.key)
			require.Error(t, err)
			assert.Equal(t, tt.wantGone, api.IsCapabilityGone(err), "got %v", err)
			assert.Equal(t, !tt.wantGone, api.IsNotFound(err), "got %v", err)
		})
	}

	_, _, err := r.ResolveResource("geo://map")
	assert.True(t, api.IsCapabilityGone(err), "got %v", err)

	// Registering again makes the key live.
	r.Register(newFakeBackend("geo", api.CapabilitySet{Tools: tools("lookup")}))
	_, err = r.Resolve(api.CapabilityTool, "geo.lookup")
	assert.NoError(t, err)
}

func TestRegistry_ForgetDropsTombstones(t *testing.T) {
	r := NewRegistry(".")
	r.Declare([]string{"geo"})
	r.Register(newFakeBackend("geo", api.CapabilitySet{Tools: tools("lookup")}))
	r.Unregister("geo")

	_, err := r.Resolve(api.CapabilityTool, "geo.lookup")
	require.True(t, api.IsCapabilityGone(err))

	r.Forget("geo")
	_, err = r.Resolve(api.CapabilityTool, "geo.lookup")
	assert.True(t, api.IsNotFound(err), "got %v", err)
}

func TestRegistry_UpdatesAreCoalesced(t *testing.T) {
	r := NewRegistry(".")
	r.Register(newFakeBackend("geo", api.CapabilitySet{Tools: tools("lookup"), Resources: resources("geo://map")}))
	r.Register(newFakeBackend("weather", api.CapabilitySet{Prompts: prompts("summary")}))

	select {
	case u := <-r.Updates():
		assert.Equal(t, []api.CapabilityKind{api.CapabilityTool, api.CapabilityResource, api.CapabilityPrompt}, u.Kinds)
		assert.True(t, u.Has(api.CapabilityPrompt))
		assert.False(t, u.Has(api.CapabilityResourceTemplate))
	default:
		t.Fatal("expected an update")
	}

	select {
	case u := <-r.Updates():
		t.Fatalf("unexpected second update %v", u)
	default:
	}

	// Re-registering an unchanged backend publishes nothing.
	r.Register(newFakeBackend("weather", api.CapabilitySet{Prompts: prompts("summary")}))
	select {
	case u := <-r.Updates():
		t.Fatalf("unexpected update %v", u)
	default:
	}
}

func TestRegistry_SnapshotIsImmutable(t *testing.T) {
	r := NewRegistry(".")
	r.Register(newFakeBackend("geo", api.CapabilitySet{Tools: tools("lookup")}))
	before := r.Snapshot()

	r.Register(newFakeBackend("weather", api.CapabilitySet{Tools: tools("forecast")}))

	assert.Equal(t, 1, before.Count(api.CapabilityTool))
	assert.Equal(t, 2, r.Snapshot().Count(api.CapabilityTool))
	assert.Len(t, r.Snapshot().Backends(), 2)

	grouped := r.Snapshot().ByBackend()
	assert.Equal(t, []string{"weather.forecast"}, entryKeys(grouped["weather"]))
}

func TestSplitName(t *testing.T) {
	tests := []struct {
		key         string
		wantBackend string
		wantName    string
		wantOK      bool
	}{
		{key: "geo.lookup", wantBackend: "geo", wantName: "lookup", wantOK: true},
		{key: "geo.nested.tool", wantBackend: "geo", wantName: "nested.tool", wantOK: true},
		{key: "lookup"},
		{key: ".lookup"},
		{key: "geo."},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			backend, name, ok := SplitName(tt.key, ".")
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantBackend, backend)
			assert.Equal(t, tt.wantName, name)
		})
	}
}

func TestSplitResourceURI(t *testing.T) {
	tests := []struct {
		uri         string
		wantBackend string
		wantRest    string
		wantOK      bool
	}{
		{uri: "geo+location://current", wantBackend: "geo", wantRest: "location://current", wantOK: true},
		{uri: "location://current"},
		{uri: "location://a+b"},
		{uri: "+location://x"},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			backend, rest, ok := SplitResourceURI(tt.uri)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantBackend, backend)
			assert.Equal(t, tt.wantRest, rest)
		})
	}
}
