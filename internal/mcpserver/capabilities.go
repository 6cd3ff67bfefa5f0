package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/giantswarm/multimcp/internal/api"
)

// maxListPages guards against a backend that never stops returning cursors.
const maxListPages = 1000

// ServerCapabilities records which capability families a backend declared
// in its initialize result.
type ServerCapabilities struct {
	Tools       *listCapability      `json:"tools,omitempty"`
	Resources   *resourcesCapability `json:"resources,omitempty"`
	Prompts     *listCapability      `json:"prompts,omitempty"`
	Logging     *struct{}            `json:"logging,omitempty"`
	Completions *struct{}            `json:"completions,omitempty"`
}

type listCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type resourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    mcp.ClientCapabilities `json:"capabilities"`
	ClientInfo      mcp.Implementation     `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      mcp.Implementation `json:"serverInfo"`
}

// listSpec describes one paginated */list method.
type listSpec struct {
	kind   api.CapabilityKind
	method string
	field  string // array member in the result
	ident  string // identifying member of each item
}

var listSpecs = []listSpec{
	{api.CapabilityTool, api.MethodToolsList, "tools", "name"},
	{api.CapabilityResource, api.MethodResourcesList, "resources", "uri"},
	{api.CapabilityResourceTemplate, api.MethodResourcesTemplatesList, "resourceTemplates", "uriTemplate"},
	{api.CapabilityPrompt, api.MethodPromptsList, "prompts", "name"},
}

func (c ServerCapabilities) declares(kind api.CapabilityKind) bool {
	switch kind {
	case api.CapabilityTool:
		return c.Tools != nil
	case api.CapabilityResource, api.CapabilityResourceTemplate:
		return c.Resources != nil
	case api.CapabilityPrompt:
		return c.Prompts != nil
	}
	return false
}

// fetchCapabilities enumerates every declared capability family, following
// nextCursor until the backend stops returning one.
func (s *Session) fetchCapabilities(ctx context.Context) (api.CapabilitySet, error) {
	declared := s.ServerCapabilities()
	set := api.CapabilitySet{
		SupportsSubscribe: declared.Resources != nil && declared.Resources.Subscribe,
		SupportsLogging:   declared.Logging != nil,
	}

	for _, spec := range listSpecs {
		if !declared.declares(spec.kind) {
			continue
		}
		items, err := s.listAll(ctx, spec)
		if err != nil {
			return api.CapabilitySet{}, err
		}
		switch spec.kind {
		case api.CapabilityTool:
			set.Tools = items
		case api.CapabilityResource:
			set.Resources = items
		case api.CapabilityResourceTemplate:
			set.ResourceTemplates = items
		case api.CapabilityPrompt:
			set.Prompts = items
		}
	}
	return set, nil
}

func (s *Session) listAll(ctx context.Context, spec listSpec) ([]api.Capability, error) {
	var (
		out    []api.Capability
		cursor string
	)
	for page := 0; page < maxListPages; page++ {
		var params any
		if cursor != "" {
			params = map[string]string{"cursor": cursor}
		}
		raw, err := s.Request(ctx, spec.method, params)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", spec.method, err)
		}

		var result map[string]json.RawMessage
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("%s: decode result: %w", spec.method, err)
		}
		var items []json.RawMessage
		if field, ok := result[spec.field]; ok {
			if err := json.Unmarshal(field, &items); err != nil {
				return nil, fmt.Errorf("%s: decode %s: %w", spec.method, spec.field, err)
			}
		}
		for _, item := range items {
			c, err := parseCapability(spec, item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", spec.method, err)
			}
			out = append(out, c)
		}

		cursor = ""
		if next, ok := result["nextCursor"]; ok {
			_ = json.Unmarshal(next, &cursor)
		}
		if cursor == "" {
			return out, nil
		}
	}
	return nil, fmt.Errorf("%s: more than %d pages", spec.method, maxListPages)
}

func parseCapability(spec listSpec, raw json.RawMessage) (api.Capability, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return api.Capability{}, fmt.Errorf("decode %s entry: %w", spec.kind, err)
	}

	var name, description string
	if v, ok := fields[spec.ident]; ok {
		_ = json.Unmarshal(v, &name)
	}
	if name == "" {
		return api.Capability{}, fmt.Errorf("%s entry without %s", spec.kind, spec.ident)
	}
	if v, ok := fields["description"]; ok {
		_ = json.Unmarshal(v, &description)
	}

	return api.Capability{
		Kind:        spec.kind,
		Name:        name,
		Description: description,
		Raw:         raw,
	}, nil
}
