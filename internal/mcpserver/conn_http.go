package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/giantswarm/multimcp/internal/api"
	"github.com/giantswarm/multimcp/internal/config"
	"github.com/giantswarm/multimcp/internal/jsonrpc"
	"github.com/giantswarm/multimcp/pkg/logging"
)

// minPingTimeout bounds a liveness ping from below.
const minPingTimeout = time.Second

var errConnClosed = errors.New("connection closed")

type readResult struct {
	msg *jsonrpc.Message
	err error
}

// httpConn runs a session over an mcp-go client transport. Each request is
// sent on its own goroutine and its response queued for Read, so the
// session matches responses to callers the same way it does for stdio.
//
// mcp-go keeps retrying or silently ends its event streams when the server
// goes away. A request or ping that fails for any reason other than its own
// context therefore ends the connection, which makes the session terminate
// and lets the supervisor decide about a restart.
type httpConn struct {
	name         string
	transport    transport.Interface
	pingInterval time.Duration

	incoming chan readResult
	done     chan struct{}

	stopStart   context.CancelFunc
	closeOnce   sync.Once
	failOnce    sync.Once
	monitorOnce sync.Once
	pingSeq     atomic.Int64
}

func dialSSE(ctx context.Context, desc config.BackendDescriptor, opts DialOptions) (Conn, error) {
	t, err := transport.NewSSE(desc.URL,
		transport.WithHeaders(desc.Headers),
		transport.WithSSELogger(transportLogger{subsystem: "Backend/" + desc.Name}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create SSE transport: %w", err)
	}
	c := newHTTPConn(desc.Name, t, opts)
	t.SetConnectionLostHandler(func(err error) {
		c.fail(fmt.Errorf("event stream lost: %w", err))
	})
	if err := c.start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start SSE transport: %w", err)
	}
	return c, nil
}

func dialStreamableHTTP(ctx context.Context, desc config.BackendDescriptor, opts DialOptions) (Conn, error) {
	t, err := transport.NewStreamableHTTP(desc.URL,
		transport.WithHTTPHeaders(desc.Headers),
		transport.WithContinuousListening(),
		transport.WithHTTPLogger(transportLogger{subsystem: "Backend/" + desc.Name}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create streamable HTTP transport: %w", err)
	}
	c := newHTTPConn(desc.Name, t, opts)
	t.SetRequestHandler(c.answer)
	if err := c.start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start streamable HTTP transport: %w", err)
	}
	return c, nil
}

func newHTTPConn(name string, t transport.Interface, opts DialOptions) *httpConn {
	interval := opts.PingInterval
	if interval <= 0 {
		interval = config.DefaultPingInterval
	}
	c := &httpConn{
		name:         name,
		transport:    t,
		pingInterval: interval,
		incoming:     make(chan readResult, 64),
		done:         make(chan struct{}),
	}
	t.SetNotificationHandler(c.onNotification)
	return c
}

// start opens the transport. The transport keeps the context it is started
// with for its event streams, so it gets one that only Close cancels; ctx
// only bounds the wait.
func (c *httpConn) start(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(context.Background())
	c.stopStart = cancel

	started := make(chan error, 1)
	go func() { started <- c.transport.Start(streamCtx) }()

	select {
	case err := <-started:
		if err != nil {
			_ = c.Close()
			return err
		}
		return nil
	case <-ctx.Done():
		_ = c.Close()
		return ctx.Err()
	}
}

func (c *httpConn) Read() (*jsonrpc.Message, error) {
	select {
	case r := <-c.incoming:
		return r.msg, r.err
	case <-c.done:
		return nil, io.EOF
	}
}

// Write sends a notification synchronously. A request is sent in the
// background and its response delivered through Read.
func (c *httpConn) Write(ctx context.Context, msg *jsonrpc.Message) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}

	switch {
	case msg.IsRequest():
		req := transport.JSONRPCRequest{
			JSONRPC: jsonrpc.Version,
			ID:      requestID(*msg.ID),
			Method:  msg.Method,
		}
		if len(msg.Params) > 0 {
			req.Params = msg.Params
		}
		go c.roundTrip(ctx, *msg.ID, req)
		return nil

	case msg.IsNotification():
		n := mcp.JSONRPCNotification{
			JSONRPC:      jsonrpc.Version,
			Notification: mcp.Notification{Method: msg.Method},
		}
		if len(msg.Params) > 0 {
			if err := json.Unmarshal(msg.Params, &n.Params); err != nil {
				return fmt.Errorf("notification params: %w", err)
			}
		}
		if err := c.transport.SendNotification(ctx, n); err != nil {
			if ctx.Err() == nil {
				c.fail(fmt.Errorf("%s: %w", msg.Method, err))
			}
			return err
		}
		return nil

	default:
		// Backend requests are answered by the transport itself; see answer.
		return errors.New("cannot send a response over an HTTP transport")
	}
}

func (c *httpConn) roundTrip(ctx context.Context, id jsonrpc.ID, req transport.JSONRPCRequest) {
	resp, err := c.transport.SendRequest(ctx, req)
	if err != nil {
		// A caller that gave up already has its own error.
		if ctx.Err() == nil {
			c.fail(fmt.Errorf("%s: %w", req.Method, err))
		}
		return
	}

	msg := &jsonrpc.Message{JSONRPC: jsonrpc.Version, ID: &id}
	if resp.Error != nil {
		msg.Error = &jsonrpc.Error{Code: resp.Error.Code, Message: resp.Error.Message}
		if resp.Error.Data != nil {
			msg.Error.WithData(resp.Error.Data)
		}
	} else {
		msg.Result = resp.Result
	}
	c.push(readResult{msg: msg})

	if req.Method == api.MethodInitialize && resp.Error == nil {
		c.monitorOnce.Do(func() { go c.monitor() })
	}
}

// monitor pings the backend while the connection is open.
func (c *httpConn) monitor() {
	timeout := max(c.pingInterval, minPingTimeout)
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		_, err := c.transport.SendRequest(ctx, transport.JSONRPCRequest{
			JSONRPC: jsonrpc.Version,
			ID:      mcp.NewRequestId(fmt.Sprintf("multimcp-ping-%d", c.pingSeq.Add(1))),
			Method:  api.MethodPing,
		})
		cancel()
		if err != nil {
			c.fail(fmt.Errorf("liveness ping: %w", err))
			return
		}
	}
}

// answer handles requests the backend sends over the streamable HTTP
// transport. Only ping is supported.
func (c *httpConn) answer(_ context.Context, req transport.JSONRPCRequest) (*transport.JSONRPCResponse, error) {
	if req.Method == api.MethodPing {
		return transport.NewJSONRPCResultResponse(req.ID, json.RawMessage("{}")), nil
	}
	return transport.NewJSONRPCErrorResponse(req.ID, jsonrpc.CodeMethodNotFound,
		fmt.Sprintf("method %s is not supported by the aggregator", req.Method), nil), nil
}

func (c *httpConn) onNotification(n mcp.JSONRPCNotification) {
	data, err := json.Marshal(n)
	if err != nil {
		logging.Warn("Backend/"+c.name, "Dropping notification %s: %v", n.Method, err)
		return
	}
	msg, err := jsonrpc.Decode(data)
	c.push(readResult{msg: msg, err: err})
}

// fail ends the connection with err as the reason Read reports.
func (c *httpConn) fail(err error) {
	c.failOnce.Do(func() {
		select {
		case <-c.done:
			return
		default:
		}
		logging.Debug("Backend/"+c.name, "Transport failed: %v", err)
		c.push(readResult{err: err})
	})
}

func (c *httpConn) push(r readResult) {
	select {
	case c.incoming <- r:
	case <-c.done:
	}
}

func (c *httpConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.transport.Close()
		if c.stopStart != nil {
			c.stopStart()
		}
	})
	return err
}

func requestID(id jsonrpc.ID) mcp.RequestId {
	if id.IsString() {
		var s string
		if raw, err := id.MarshalJSON(); err == nil && json.Unmarshal(raw, &s) == nil {
			return mcp.NewRequestId(s)
		}
	}
	return mcp.NewRequestId(id.Int64())
}

// transportLogger routes mcp-go transport logs into ours.
type transportLogger struct {
	subsystem string
}

func (l transportLogger) Infof(format string, v ...any) {
	logging.Debug(l.subsystem, format, v...)
}

func (l transportLogger) Errorf(format string, v ...any) {
	logging.Warn(l.subsystem, format, v...)
}
