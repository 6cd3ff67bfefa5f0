package api

import (
	"encoding/json"
	"time"
)

// CapabilityKind identifies what a backend advertises.
type CapabilityKind string

const (
	CapabilityTool             CapabilityKind = "tool"
	CapabilityResource         CapabilityKind = "resource"
	CapabilityResourceTemplate CapabilityKind = "resourceTemplate"
	CapabilityPrompt           CapabilityKind = "prompt"
)

// AllCapabilityKinds lists the kinds in catalog order.
var AllCapabilityKinds = []CapabilityKind{
	CapabilityTool,
	CapabilityResource,
	CapabilityResourceTemplate,
	CapabilityPrompt,
}

// Capability is one advertised tool, resource, resource template or prompt.
//
// Name is the identifying field as advertised by the backend: the tool or
// prompt name, the resource URI, or the URI template. Raw keeps the full
// advertised object so schemas and metadata reach the client untouched.
type Capability struct {
	Kind        CapabilityKind  `json:"kind"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Raw         json.RawMessage `json:"-"`
}

// CapabilitySet groups everything one backend advertises.
type CapabilitySet struct {
	Tools             []Capability
	Resources         []Capability
	ResourceTemplates []Capability
	Prompts           []Capability

	// SupportsSubscribe reports whether the backend accepts resources/subscribe.
	SupportsSubscribe bool
	// SupportsLogging reports whether the backend accepts logging/setLevel.
	SupportsLogging bool
}

// All returns every capability in the set in catalog order.
func (s CapabilitySet) All() []Capability {
	out := make([]Capability, 0, len(s.Tools)+len(s.Resources)+len(s.ResourceTemplates)+len(s.Prompts))
	out = append(out, s.Tools...)
	out = append(out, s.Resources...)
	out = append(out, s.ResourceTemplates...)
	out = append(out, s.Prompts...)
	return out
}

// Count returns the number of capabilities of one kind.
func (s CapabilitySet) Count(kind CapabilityKind) int {
	switch kind {
	case CapabilityTool:
		return len(s.Tools)
	case CapabilityResource:
		return len(s.Resources)
	case CapabilityResourceTemplate:
		return len(s.ResourceTemplates)
	case CapabilityPrompt:
		return len(s.Prompts)
	}
	return 0
}

// BackendState is a backend's position in its lifecycle.
type BackendState string

const (
	StatePending    BackendState = "pending"
	StateConnecting BackendState = "connecting"
	StateReady      BackendState = "ready"
	StateDegraded   BackendState = "degraded"
	StateClosed     BackendState = "closed"
)

// ConnectionKind says how a backend is reached.
type ConnectionKind string

const (
	ConnectionSubprocess ConnectionKind = "subprocess"
	ConnectionNetwork    ConnectionKind = "network"
)

// BackendStatus is the externally visible state of one supervised backend.
type BackendStatus struct {
	Name              string         `json:"name"`
	Kind              ConnectionKind `json:"kind"`
	Transport         string         `json:"transport,omitempty"`
	State             BackendState   `json:"state"`
	Restarts          int            `json:"restarts"`
	LastError         string         `json:"lastError,omitempty"`
	Since             time.Time      `json:"since"`
	Tools             int            `json:"tools"`
	Resources         int            `json:"resources"`
	ResourceTemplates int            `json:"resourceTemplates"`
	Prompts           int            `json:"prompts"`
}
