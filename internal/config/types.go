package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/giantswarm/multimcp/internal/api"
)

// NetworkTransport selects the wire protocol used for a network backend.
type NetworkTransport string

const (
	TransportSSE            NetworkTransport = "sse"
	TransportStreamableHTTP NetworkTransport = "streamable-http"
)

// Defaults applied when the document leaves a setting out.
const (
	DefaultCallTimeout        = 60 * time.Second
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultShutdownGrace      = 5 * time.Second
	DefaultPingInterval       = 30 * time.Second
	DefaultNamespaceSeparator = "."
	DefaultMaxRetries         = 5
	DefaultInitialBackoff     = 1 * time.Second
	DefaultMaxBackoff         = 30 * time.Second
	DefaultBackoffMultiplier  = 2.0
	DefaultNetworkPath        = "/sse"
)

// RestartPolicy controls how often and how fast a failed backend is
// reconnected.
type RestartPolicy struct {
	// MaxRetries is the number of consecutive reconnect attempts. Zero means
	// never restart; UnlimitedRetries means retry forever.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// UnlimitedRetries as MaxRetries retries forever.
const UnlimitedRetries = -1

// AllowsRetry reports whether another attempt is permitted after attempts
// consecutive failures.
func (p RestartPolicy) AllowsRetry(attempts int) bool {
	if p.MaxRetries == UnlimitedRetries {
		return true
	}
	return attempts < p.MaxRetries
}

// DefaultRestartPolicy returns the policy used when neither the backend
// nor the settings block specify one.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		MaxRetries:     DefaultMaxRetries,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		Multiplier:     DefaultBackoffMultiplier,
	}
}

// BackendDescriptor is the validated, immutable description of one backend.
// Exactly one of the subprocess fields (Command, Args, Env) or the network
// fields (URL, Transport, Headers) is populated, selected by Kind.
type BackendDescriptor struct {
	Name string
	Kind api.ConnectionKind

	Command string
	Args    []string
	Env     map[string]string

	URL       string
	Transport NetworkTransport
	Headers   map[string]string

	// Timeout overrides Settings.CallTimeout for calls to this backend.
	Timeout  time.Duration
	Restart  RestartPolicy
	Disabled bool
}

// Settings are the aggregator-wide options from the document.
type Settings struct {
	CallTimeout        time.Duration
	HandshakeTimeout   time.Duration
	ShutdownGrace      time.Duration
	PingInterval       time.Duration
	NamespaceSeparator string
	Restart            RestartPolicy
}

// DefaultSettings returns the settings used for an empty settings block.
func DefaultSettings() Settings {
	return Settings{
		CallTimeout:        DefaultCallTimeout,
		HandshakeTimeout:   DefaultHandshakeTimeout,
		ShutdownGrace:      DefaultShutdownGrace,
		PingInterval:       DefaultPingInterval,
		NamespaceSeparator: DefaultNamespaceSeparator,
		Restart:            DefaultRestartPolicy(),
	}
}

// Document is a fully loaded and validated configuration.
type Document struct {
	Path     string
	Settings Settings
	// Backends are in document order: mcpServers first, then backends.
	Backends []BackendDescriptor
}

// Enabled returns the backends that should be started.
func (d *Document) Enabled() []BackendDescriptor {
	out := make([]BackendDescriptor, 0, len(d.Backends))
	for _, b := range d.Backends {
		if !b.Disabled {
			out = append(out, b)
		}
	}
	return out
}

// Duration is a time.Duration that decodes from "1.5s" style strings or a
// plain number of seconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a string or a number of seconds", value.Line)
	}
	switch value.Tag {
	case "!!int", "!!float":
		secs, err := strconv.ParseFloat(value.Value, 64)
		if err != nil {
			return fmt.Errorf("line %d: invalid duration %q", value.Line, value.Value)
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	default:
		parsed, err := time.ParseDuration(strings.TrimSpace(value.Value))
		if err != nil {
			return fmt.Errorf("line %d: invalid duration %q", value.Line, value.Value)
		}
		*d = Duration(parsed)
		return nil
	}
}

func (d Duration) String() string { return time.Duration(d).String() }
