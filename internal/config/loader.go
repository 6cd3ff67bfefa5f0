package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/giantswarm/multimcp/internal/api"
	"github.com/giantswarm/multimcp/pkg/logging"
)

// fileEntry is one backend as written in the document.
type fileEntry struct {
	Name      string            `yaml:"name"`
	Type      string            `yaml:"type"`
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	URL       string            `yaml:"url"`
	Host      string            `yaml:"host"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Transport string            `yaml:"transport"`
	Headers   map[string]string `yaml:"headers"`
	Timeout   *Duration         `yaml:"timeout"`
	Restart   *restartEntry     `yaml:"restart"`
	Disabled  bool              `yaml:"disabled"`
}

type restartEntry struct {
	MaxRetries     *int      `yaml:"maxRetries"`
	InitialBackoff *Duration `yaml:"initialBackoff"`
	MaxBackoff     *Duration `yaml:"maxBackoff"`
	Multiplier     *float64  `yaml:"multiplier"`
}

type settingsEntry struct {
	CallTimeout        *Duration     `yaml:"callTimeout"`
	HandshakeTimeout   *Duration     `yaml:"handshakeTimeout"`
	ShutdownGrace      *Duration     `yaml:"shutdownGrace"`
	PingInterval       *Duration     `yaml:"pingInterval"`
	NamespaceSeparator *string       `yaml:"namespaceSeparator"`
	Restart            *restartEntry `yaml:"restart"`
}

const (
	keySettings   = "settings"
	keyMCPServers = "mcpServers"
	keyBackends   = "backends"
)

// Load reads and validates the configuration document at path. JSON is
// parsed as YAML flow syntax, so one decoder handles both formats.
//
// Every problem in the document is collected and returned together in one
// *ConfigError; no descriptor is returned unless the whole document is valid.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{
			FilePath:  path,
			ErrorType: ErrorTypeIO,
			Message:   "cannot read configuration file",
			Err:       err,
		}
	}

	doc, err := Parse(data, path)
	if err != nil {
		return nil, err
	}
	logging.Info("Config", "Loaded %d backend definitions from %s", len(doc.Backends), path)
	return doc, nil
}

// Parse validates a document held in memory. path is only used in errors.
func Parse(data []byte, path string) (*Document, error) {
	return parse(data, path, nil)
}

// ParseBackends validates a document fragment against settings that are
// already in force, as used when backends are added at runtime. The
// fragment may not carry its own settings block.
func ParseBackends(data []byte, settings Settings) ([]BackendDescriptor, error) {
	doc, err := parse(data, "", &settings)
	if err != nil {
		return nil, err
	}
	return doc.Backends, nil
}

func parse(data []byte, path string, fixed *Settings) (*Document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, &ConfigError{
			FilePath:  path,
			ErrorType: ErrorTypeParse,
			Message:   "document is not valid JSON or YAML",
			Err:       err,
		}
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, &ConfigError{FilePath: path, ErrorType: ErrorTypeParse, Message: "document is empty"}
	}
	top := root.Content[0]
	if top.Kind != yaml.MappingNode {
		return nil, &ConfigError{
			FilePath:  path,
			ErrorType: ErrorTypeParse,
			Message:   fmt.Sprintf("line %d: document must be an object", top.Line),
		}
	}

	p := &parser{seen: make(map[string]int)}
	sections := make(map[string]*yaml.Node)
	for i := 0; i+1 < len(top.Content); i += 2 {
		key, value := top.Content[i], top.Content[i+1]
		switch key.Value {
		case keySettings, keyMCPServers, keyBackends:
			if _, dup := sections[key.Value]; dup {
				p.errs.AddAt(key.Line, key.Value, "is defined more than once")
				continue
			}
			sections[key.Value] = value
		default:
			p.errs.AddAt(key.Line, key.Value, "unknown top-level key (expected mcpServers, backends or settings)")
		}
	}

	if fixed != nil {
		p.settings = *fixed
		if node, ok := sections[keySettings]; ok {
			p.errs.AddAt(node.Line, keySettings, "cannot be changed at runtime")
		}
	} else {
		p.settings = p.parseSettings(sections[keySettings])
	}

	if node, ok := sections[keyMCPServers]; ok {
		p.parseServerMap(node)
	}
	if node, ok := sections[keyBackends]; ok {
		p.parseBackendList(node)
	}

	if p.errs.HasErrors() {
		return nil, &ConfigError{
			FilePath:  path,
			ErrorType: ErrorTypeValidation,
			Message:   fmt.Sprintf("%d problem(s) found", len(p.errs)),
			Problems:  p.errs,
		}
	}

	return &Document{Path: path, Settings: p.settings, Backends: p.backends}, nil
}

type parser struct {
	settings Settings
	backends []BackendDescriptor
	seen     map[string]int
	errs     ValidationErrors
}

func (p *parser) parseSettings(node *yaml.Node) Settings {
	s := DefaultSettings()
	if node == nil {
		return s
	}

	var entry settingsEntry
	if err := node.Decode(&entry); err != nil {
		p.errs.AddAt(node.Line, keySettings, err.Error())
		return s
	}

	if entry.CallTimeout != nil {
		if entry.CallTimeout.Std() <= 0 {
			p.errs.AddAt(node.Line, "settings.callTimeout", "must be positive")
		} else {
			s.CallTimeout = entry.CallTimeout.Std()
		}
	}
	if entry.HandshakeTimeout != nil {
		if entry.HandshakeTimeout.Std() <= 0 {
			p.errs.AddAt(node.Line, "settings.handshakeTimeout", "must be positive")
		} else {
			s.HandshakeTimeout = entry.HandshakeTimeout.Std()
		}
	}
	if entry.ShutdownGrace != nil {
		if entry.ShutdownGrace.Std() < 0 {
			p.errs.AddAt(node.Line, "settings.shutdownGrace", "must not be negative")
		} else {
			s.ShutdownGrace = entry.ShutdownGrace.Std()
		}
	}
	if entry.PingInterval != nil {
		if entry.PingInterval.Std() <= 0 {
			p.errs.AddAt(node.Line, "settings.pingInterval", "must be positive")
		} else {
			s.PingInterval = entry.PingInterval.Std()
		}
	}
	if entry.NamespaceSeparator != nil {
		sep := *entry.NamespaceSeparator
		switch {
		case sep == "":
			p.errs.AddAt(node.Line, "settings.namespaceSeparator", "must not be empty")
		case strings.IndexFunc(sep, unicode.IsSpace) >= 0 || strings.Contains(sep, "+"):
			p.errs.AddAt(node.Line, "settings.namespaceSeparator", "must not contain whitespace or '+'")
		default:
			s.NamespaceSeparator = sep
		}
	}
	s.Restart = p.mergeRestart(node.Line, "settings.restart", s.Restart, entry.Restart)
	return s
}

func (p *parser) mergeRestart(line int, field string, base RestartPolicy, entry *restartEntry) RestartPolicy {
	if entry == nil {
		return base
	}
	if entry.MaxRetries != nil {
		base.MaxRetries = *entry.MaxRetries
	}
	if entry.InitialBackoff != nil {
		base.InitialBackoff = entry.InitialBackoff.Std()
	}
	if entry.MaxBackoff != nil {
		base.MaxBackoff = entry.MaxBackoff.Std()
	}
	if entry.Multiplier != nil {
		base.Multiplier = *entry.Multiplier
	}
	for _, e := range ValidateRestartPolicy(field, base) {
		e.Line = line
		p.errs = append(p.errs, e)
	}
	return base
}

func (p *parser) parseServerMap(node *yaml.Node) {
	if node.Kind != yaml.MappingNode {
		p.errs.AddAt(node.Line, keyMCPServers, "must be an object keyed by backend name")
		return
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		field := keyMCPServers + "." + key.Value

		var entry fileEntry
		if err := value.Decode(&entry); err != nil {
			p.claimName(key.Value, key.Line, field)
			p.errs.AddAt(value.Line, field, err.Error())
			continue
		}
		if entry.Name != "" && entry.Name != key.Value {
			p.errs.AddAt(value.Line, field+".name", fmt.Sprintf("%q does not match the key %q", entry.Name, key.Value))
		}
		entry.Name = key.Value
		p.addEntry(entry, key.Line, field)
	}
}

func (p *parser) parseBackendList(node *yaml.Node) {
	if node.Kind != yaml.SequenceNode {
		p.errs.AddAt(node.Line, keyBackends, "must be a list")
		return
	}
	for i, item := range node.Content {
		field := keyBackends + "[" + strconv.Itoa(i) + "]"

		var entry fileEntry
		if err := item.Decode(&entry); err != nil {
			p.errs.AddAt(item.Line, field, err.Error())
			continue
		}
		if entry.Name != "" {
			field = keyBackends + "." + entry.Name
		}
		p.addEntry(entry, item.Line, field)
	}
}

// claimName records a name for duplicate detection and reports whether it
// was free.
func (p *parser) claimName(name string, line int, field string) bool {
	if first, ok := p.seen[name]; ok {
		p.errs.AddAt(line, field, fmt.Sprintf("duplicate backend name %q (first defined on line %d)", name, first))
		return false
	}
	p.seen[name] = line
	return true
}

func (p *parser) addEntry(e fileEntry, line int, field string) {
	before := len(p.errs)

	if err := ValidateBackendName(e.Name, p.settings.NamespaceSeparator); err != nil {
		ve := err.(ValidationError)
		p.errs.AddAt(line, field+"."+ve.Field, ve.Message)
	} else {
		p.claimName(e.Name, line, field)
	}

	desc := BackendDescriptor{
		Name:     e.Name,
		Disabled: e.Disabled,
		Restart:  p.mergeRestart(line, field+".restart", p.settings.Restart, e.Restart),
	}
	if e.Timeout != nil {
		if e.Timeout.Std() < 0 {
			p.errs.AddAt(line, field+".timeout", "must not be negative")
		}
		desc.Timeout = e.Timeout.Std()
	}

	kind, transport := p.resolveKind(e, line, field)
	desc.Kind = kind
	switch kind {
	case api.ConnectionSubprocess:
		p.resolveSubprocess(&desc, e, line, field)
	case api.ConnectionNetwork:
		desc.Transport = transport
		p.resolveNetwork(&desc, e, line, field)
	}

	if len(p.errs) == before {
		p.backends = append(p.backends, desc)
	}
}

func (p *parser) resolveKind(e fileEntry, line int, field string) (api.ConnectionKind, NetworkTransport) {
	transport := NetworkTransport(strings.ToLower(e.Transport))

	switch strings.ToLower(e.Type) {
	case "subprocess", "stdio":
		return api.ConnectionSubprocess, ""
	case "network":
		return api.ConnectionNetwork, transport
	case "sse":
		if transport != "" && transport != TransportSSE {
			p.errs.AddAt(line, field+".transport", fmt.Sprintf("%q conflicts with type sse", e.Transport))
		}
		return api.ConnectionNetwork, TransportSSE
	case "streamable-http", "http":
		if transport != "" && transport != TransportStreamableHTTP {
			p.errs.AddAt(line, field+".transport", fmt.Sprintf("%q conflicts with type %s", e.Transport, e.Type))
		}
		return api.ConnectionNetwork, TransportStreamableHTTP
	case "":
		switch {
		case e.Command != "" && (e.URL != "" || e.Host != ""):
			p.errs.AddAt(line, field, "command and url are mutually exclusive")
			return "", ""
		case e.Command != "":
			return api.ConnectionSubprocess, ""
		case e.URL != "" || e.Host != "":
			return api.ConnectionNetwork, transport
		default:
			p.errs.AddAt(line, field, "must set either command (subprocess) or url (network)")
			return "", ""
		}
	default:
		err := ValidateOneOf("type", e.Type, []string{"subprocess", "network", "stdio", "sse", "streamable-http"})
		p.errs.AddAt(line, field+".type", err.(ValidationError).Message)
		return "", ""
	}
}

func (p *parser) resolveSubprocess(desc *BackendDescriptor, e fileEntry, line int, field string) {
	if strings.TrimSpace(e.Command) == "" {
		p.errs.AddAt(line, field+".command", "is required for subprocess backends")
	}
	for _, f := range []struct {
		name string
		set  bool
	}{
		{"url", e.URL != ""},
		{"host", e.Host != ""},
		{"port", e.Port != 0},
		{"path", e.Path != ""},
		{"headers", len(e.Headers) > 0},
		{"transport", e.Transport != ""},
	} {
		if f.set {
			p.errs.AddAt(line, field+"."+f.name, "is not allowed for subprocess backends")
		}
	}

	desc.Command = e.Command
	desc.Args = append([]string(nil), e.Args...)
	desc.Env = p.expandAll(line, field+".env", e.Env)
}

func (p *parser) resolveNetwork(desc *BackendDescriptor, e fileEntry, line int, field string) {
	for _, f := range []struct {
		name string
		set  bool
	}{
		{"command", e.Command != ""},
		{"args", len(e.Args) > 0},
		{"env", len(e.Env) > 0},
	} {
		if f.set {
			p.errs.AddAt(line, field+"."+f.name, "is not allowed for network backends")
		}
	}

	rawURL := e.URL
	switch {
	case e.URL != "" && e.Host != "":
		p.errs.AddAt(line, field, "url and host are mutually exclusive")
	case e.URL == "" && e.Host == "":
		p.errs.AddAt(line, field+".url", "is required for network backends")
	case e.Host != "":
		if e.Port < 1 || e.Port > 65535 {
			p.errs.AddAt(line, field+".port", "must be between 1 and 65535 when host is set")
		}
		path := e.Path
		if path == "" {
			path = DefaultNetworkPath
		}
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		rawURL = "http://" + net.JoinHostPort(e.Host, strconv.Itoa(e.Port)) + path
	}
	if rawURL != "" {
		if err := ValidateHTTPURL("url", rawURL); err != nil {
			p.errs.AddAt(line, field+".url", err.(ValidationError).Message)
		}
	}
	desc.URL = rawURL

	switch desc.Transport {
	case "":
		desc.Transport = inferTransport(rawURL)
	case TransportSSE, TransportStreamableHTTP:
	default:
		err := ValidateOneOf("transport", string(desc.Transport), []string{string(TransportSSE), string(TransportStreamableHTTP)})
		p.errs.AddAt(line, field+".transport", err.(ValidationError).Message)
	}

	desc.Headers = p.expandAll(line, field+".headers", e.Headers)
}

// inferTransport picks sse for URLs whose path ends in /sse and
// streamable-http for everything else.
func inferTransport(rawURL string) NetworkTransport {
	path := rawURL
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if strings.HasSuffix(strings.TrimSuffix(path, "/"), "/sse") {
		return TransportSSE
	}
	return TransportStreamableHTTP
}

func (p *parser) expandAll(line int, field string, values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		expanded, err := expandTemplate(field+"."+k, v)
		if err != nil {
			p.errs.AddAt(line, field+"."+k, err.Error())
			continue
		}
		out[k] = expanded
	}
	return out
}
