package app

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/giantswarm/multimcp/pkg/logging"
)

// Transport selects how clients reach the aggregator.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportSSE   Transport = "sse"
)

// Defaults for the serve command.
const (
	DefaultConfigPath = "./examples/config/mcp.json"
	DefaultHost       = "127.0.0.1"
	DefaultPort       = 8080
)

// ParseTransport accepts stdio and sse. network-stream is an alias for sse.
func ParseTransport(s string) (Transport, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "stdio", "":
		return TransportStdio, nil
	case "sse", "network-stream":
		return TransportSSE, nil
	default:
		return "", fmt.Errorf("unknown transport %q (expected stdio or sse)", s)
	}
}

// Config holds everything the command line decides. It is built once and
// never re-read.
type Config struct {
	Transport  Transport
	ConfigPath string
	Host       string
	Port       int

	LogLevel  logging.LogLevel
	LogFormat logging.Format

	// Watch reloads the configuration file when it changes.
	Watch bool
	// CallTimeout overrides the document's callTimeout when positive.
	CallTimeout time.Duration

	Version string

	// Stdin, Stdout and LogOutput default to the process streams.
	Stdin     io.Reader
	Stdout    io.Writer
	LogOutput io.Writer
	// Listener, when set, is used by the sse transport instead of Host and
	// Port.
	Listener net.Listener
}

// NewConfig returns the serve defaults.
func NewConfig() *Config {
	return &Config{
		Transport:  TransportStdio,
		ConfigPath: DefaultConfigPath,
		Host:       DefaultHost,
		Port:       DefaultPort,
		LogLevel:   logging.LevelInfo,
		LogFormat:  logging.FormatText,
		Version:    "dev",
	}
}

// Validate checks the values that flag parsing cannot.
func (c *Config) Validate() error {
	if _, err := ParseTransport(string(c.Transport)); err != nil {
		return err
	}
	if c.ConfigPath == "" {
		return fmt.Errorf("config path is required")
	}
	if c.Transport == TransportSSE && c.Listener == nil {
		if c.Port < 0 || c.Port > 65535 {
			return fmt.Errorf("port %d is out of range", c.Port)
		}
	}
	if c.CallTimeout < 0 {
		return fmt.Errorf("call timeout must not be negative")
	}
	return nil
}

// Addr is the sse listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
