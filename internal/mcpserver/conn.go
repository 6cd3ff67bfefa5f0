package mcpserver

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/giantswarm/multimcp/internal/api"
	"github.com/giantswarm/multimcp/internal/config"
	"github.com/giantswarm/multimcp/internal/jsonrpc"
)

// Conn is one transport-level connection to a backend. Read is only ever
// called from the session's read loop and Write from its write loop.
type Conn interface {
	// Read blocks for the next inbound message. Once the connection is gone
	// it returns io.EOF or the transport error. A *jsonrpc.DecodeError is
	// recoverable.
	Read() (*jsonrpc.Message, error)
	Write(ctx context.Context, msg *jsonrpc.Message) error
	Close() error
}

// DialFunc opens a Conn for a descriptor. Tests substitute in-memory conns.
type DialFunc func(ctx context.Context, desc config.BackendDescriptor, opts DialOptions) (Conn, error)

// DialOptions are transport settings that do not come from the descriptor.
type DialOptions struct {
	// ShutdownGrace is how long Close waits at each step before escalating.
	ShutdownGrace time.Duration
	// PingInterval is how often network backends are pinged for liveness.
	PingInterval time.Duration
}

// Dial opens the transport described by desc.
func Dial(ctx context.Context, desc config.BackendDescriptor, opts DialOptions) (Conn, error) {
	switch desc.Kind {
	case api.ConnectionSubprocess:
		if desc.Command == "" {
			return nil, fmt.Errorf("command is required for subprocess backends")
		}
		return dialStdio(desc, opts)
	case api.ConnectionNetwork:
		if desc.URL == "" {
			return nil, fmt.Errorf("url is required for network backends")
		}
		if desc.Transport == config.TransportSSE {
			return dialSSE(ctx, desc, opts)
		}
		return dialStreamableHTTP(ctx, desc, opts)
	default:
		return nil, fmt.Errorf("unsupported connection kind: %q", desc.Kind)
	}
}

// streamConn is a Conn over a newline delimited byte stream.
type streamConn struct {
	stream *jsonrpc.Stream
}

// NewStreamConn wraps an arbitrary duplex byte stream, such as the two
// halves of an io.Pipe, in a Conn. closer is called once by Close.
func NewStreamConn(r io.Reader, w io.Writer, closer io.Closer) Conn {
	return &streamConn{stream: jsonrpc.NewStream(r, w, closer)}
}

func (c *streamConn) Read() (*jsonrpc.Message, error) {
	return c.stream.Read()
}

func (c *streamConn) Write(_ context.Context, msg *jsonrpc.Message) error {
	return c.stream.Write(msg)
}

func (c *streamConn) Close() error {
	return c.stream.Close()
}
