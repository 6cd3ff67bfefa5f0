package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/giantswarm/multimcp/internal/api"
	"github.com/giantswarm/multimcp/internal/config"
	"github.com/giantswarm/multimcp/internal/jsonrpc"
	"github.com/giantswarm/multimcp/pkg/logging"
)

// errSessionClosed is the termination cause of a session closed on purpose
// for any reason other than global shutdown.
var errSessionClosed = errors.New("session closed")

// SessionOptions configures Connect.
type SessionOptions struct {
	// Dial opens the transport. Defaults to Dial.
	Dial DialFunc

	DialOptions DialOptions

	// HandshakeTimeout bounds dial, initialize and capability enumeration
	// when the connect context carries no deadline.
	HandshakeTimeout time.Duration

	// WriteTimeout is how long a single write to the backend may block
	// before the session is torn down. Defaults to the handshake timeout.
	WriteTimeout time.Duration

	// ClientInfo is announced to the backend in initialize.
	ClientInfo mcp.Implementation
}

// Session is the live connection to one backend. Any number of requests may
// be in flight at once; responses are matched to callers by request id.
type Session struct {
	desc config.BackendDescriptor
	conn Conn

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan *jsonrpc.Message
	state   api.BackendState
	err     error

	initResult initializeResult
	caps       atomic.Pointer[api.CapabilitySet]

	queue         *messageQueue
	notifications chan *jsonrpc.Message

	// outbox feeds writeLoop, the only goroutine writing to conn.
	outbox       chan outbound
	writeTimeout time.Duration

	done chan struct{}
}

// outbound is one message waiting for writeLoop.
type outbound struct {
	ctx    context.Context
	msg    *jsonrpc.Message
	result chan error
}

// Connect opens a session: dial, initialize handshake, notifications/initialized
// and a full capability enumeration. Any failure is a *api.ConnectError and
// leaves nothing running.
func Connect(ctx context.Context, desc config.BackendDescriptor, opts SessionOptions) (*Session, error) {
	dial := opts.Dial
	if dial == nil {
		dial = Dial
	}
	handshakeTimeout := opts.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = config.DefaultHandshakeTimeout
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = handshakeTimeout
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, handshakeTimeout)
		defer cancel()
	}

	conn, err := dial(ctx, desc, opts.DialOptions)
	if err != nil {
		return nil, &api.ConnectError{Backend: desc.Name, Err: err}
	}

	s := newSession(desc, conn, writeTimeout)
	go s.readLoop()
	go s.writeLoop()

	if err := s.handshake(ctx, opts.ClientInfo); err != nil {
		s.CloseWithError(err)
		return nil, &api.ConnectError{Backend: desc.Name, Err: err}
	}
	return s, nil
}

func newSession(desc config.BackendDescriptor, conn Conn, writeTimeout time.Duration) *Session {
	s := &Session{
		desc:          desc,
		conn:          conn,
		pending:       make(map[int64]chan *jsonrpc.Message),
		state:         api.StateConnecting,
		queue:         newMessageQueue(),
		notifications: make(chan *jsonrpc.Message),
		outbox:        make(chan outbound),
		writeTimeout:  writeTimeout,
		done:          make(chan struct{}),
	}
	s.caps.Store(&api.CapabilitySet{})
	go s.queue.pump(s.notifications)
	return s
}

func (s *Session) handshake(ctx context.Context, clientInfo mcp.Implementation) error {
	if clientInfo.Name == "" {
		clientInfo = mcp.Implementation{Name: "multimcp", Version: "dev"}
	}

	raw, err := s.Request(ctx, api.MethodInitialize, initializeParams{
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		Capabilities:    mcp.ClientCapabilities{},
		ClientInfo:      clientInfo,
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("initialize: decode result: %w", err)
	}
	s.mu.Lock()
	s.initResult = result
	s.mu.Unlock()

	if err := s.Notify(ctx, api.NotificationInitialized, nil); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}

	if _, err := s.RefreshCapabilities(ctx); err != nil {
		return fmt.Errorf("capability enumeration: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != api.StateConnecting {
		return s.terminalErrorLocked()
	}
	s.state = api.StateReady

	logging.Info("Backend/"+s.desc.Name, "Connected to %s %s (protocol %s)",
		result.ServerInfo.Name, result.ServerInfo.Version, result.ProtocolVersion)
	return nil
}

// Name returns the backend name.
func (s *Session) Name() string { return s.desc.Name }

// Descriptor returns the descriptor the session was opened from.
func (s *Session) Descriptor() config.BackendDescriptor { return s.desc }

// ServerInfo returns the implementation the backend announced.
func (s *Session) ServerInfo() mcp.Implementation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initResult.ServerInfo
}

// ServerCapabilities returns the capability families the backend declared.
func (s *Session) ServerCapabilities() ServerCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initResult.Capabilities
}

// Capabilities returns the most recently enumerated capability set.
func (s *Session) Capabilities() api.CapabilitySet {
	return *s.caps.Load()
}

// RefreshCapabilities re-enumerates the backend's capabilities and stores
// the result.
func (s *Session) RefreshCapabilities(ctx context.Context) (api.CapabilitySet, error) {
	set, err := s.fetchCapabilities(ctx)
	if err != nil {
		return api.CapabilitySet{}, err
	}
	s.caps.Store(&set)
	return set, nil
}

// State returns connecting, ready or closed.
func (s *Session) State() api.BackendState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session has terminated.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session terminated, or nil while it is open.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != api.StateClosed {
		return nil
	}
	return s.err
}

// Notifications returns the backend's unsolicited notifications in arrival
// order. The channel is closed when the session terminates; the consumer
// must keep draining it until then.
func (s *Session) Notifications() <-chan *jsonrpc.Message {
	return s.notifications
}

// Request sends a request and waits for the matching response.
//
// Failures are typed: *api.BackendError for an error response,
// *api.TimeoutError when ctx's deadline passes, *api.DisconnectedError when
// the connection drops, and api.ErrShuttingDown when ctx was cancelled with
// that cause or the session was closed for shutdown. When the caller gives
// up, the backend is told with notifications/cancelled.
func (s *Session) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := s.nextID.Add(1)
	ch := make(chan *jsonrpc.Message, 1)

	s.mu.Lock()
	if s.state == api.StateClosed {
		err := s.terminalErrorLocked()
		s.mu.Unlock()
		return nil, err
	}
	s.pending[id] = ch
	s.mu.Unlock()
	defer s.forget(id)

	msg, err := jsonrpc.NewRequest(jsonrpc.Int64ID(id), method, params)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	if err := s.send(ctx, msg); err != nil {
		if ctx.Err() != nil {
			err := s.contextError(ctx, method, start)
			s.cancelRemote(id, err)
			return nil, err
		}
		select {
		case <-s.done:
			return nil, s.terminalError()
		default:
		}
		return nil, &api.DisconnectedError{Backend: s.desc.Name, Err: err}
	}

	select {
	case resp := <-ch:
		return s.result(resp)
	case <-s.done:
		select {
		case resp := <-ch:
			return s.result(resp)
		default:
		}
		return nil, s.terminalError()
	case <-ctx.Done():
		err := s.contextError(ctx, method, start)
		s.cancelRemote(id, err)
		return nil, err
	}
}

func (s *Session) result(resp *jsonrpc.Message) (json.RawMessage, error) {
	if resp.Error != nil {
		return nil, &api.BackendError{
			Backend: s.desc.Name,
			Code:    resp.Error.Code,
			Message: resp.Error.Message,
			Data:    resp.Error.Data,
		}
	}
	if len(resp.Result) == 0 {
		return json.RawMessage("{}"), nil
	}
	return resp.Result, nil
}

func (s *Session) contextError(ctx context.Context, method string, start time.Time) error {
	if errors.Is(context.Cause(ctx), api.ErrShuttingDown) {
		return api.ErrShuttingDown
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &api.TimeoutError{
			Backend: s.desc.Name,
			Method:  method,
			After:   time.Since(start).Round(time.Millisecond),
		}
	}
	return ctx.Err()
}

// cancelRemote tells the backend to stop working on an abandoned request.
// It never blocks the caller.
func (s *Session) cancelRemote(id int64, reason error) {
	if s.State() == api.StateClosed {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		params := map[string]any{"requestId": id, "reason": reason.Error()}
		if err := s.Notify(ctx, api.NotificationCancelled, params); err != nil {
			logging.Debug("Backend/"+s.desc.Name, "Failed to send cancellation for request %d: %v", id, err)
		}
	}()
}

func (s *Session) forget(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// Notify sends a notification to the backend.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	select {
	case <-s.done:
		return s.terminalError()
	default:
	}
	msg, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	if err := s.send(ctx, msg); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-s.done:
			return s.terminalError()
		default:
		}
		return &api.DisconnectedError{Backend: s.desc.Name, Err: err}
	}
	return nil
}

// send hands msg to writeLoop and waits for the write, giving up when ctx
// ends. A write that was already started keeps going.
func (s *Session) send(ctx context.Context, msg *jsonrpc.Message) error {
	o := outbound{ctx: ctx, msg: msg, result: make(chan error, 1)}
	select {
	case s.outbox <- o:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.terminalError()
	}

	select {
	case err := <-o.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.terminalError()
	}
}

// writeLoop performs every write to the backend. A write blocked for longer
// than the write timeout means the backend stopped reading, and the session
// is torn down so that queued callers are released.
func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case o := <-s.outbox:
			if err := o.ctx.Err(); err != nil {
				o.result <- err
				continue
			}
			stalled := time.AfterFunc(s.writeTimeout, func() {
				_ = s.CloseWithError(fmt.Errorf("write of %s blocked for %s", describe(o.msg), s.writeTimeout))
			})
			err := s.conn.Write(o.ctx, o.msg)
			stalled.Stop()
			o.result <- err
		}
	}
}

func describe(msg *jsonrpc.Message) string {
	if msg.Method != "" {
		return msg.Method
	}
	return "response " + msg.ID.String()
}

// CallTool invokes a tool by the name the backend advertises.
func (s *Session) CallTool(ctx context.Context, name string, arguments any) (json.RawMessage, error) {
	params := map[string]any{"name": name}
	if arguments != nil {
		params["arguments"] = arguments
	}
	return s.Request(ctx, api.MethodToolsCall, params)
}

// ReadResource reads a resource by its backend URI.
func (s *Session) ReadResource(ctx context.Context, uri string) (json.RawMessage, error) {
	return s.Request(ctx, api.MethodResourcesRead, map[string]any{"uri": uri})
}

// GetPrompt renders a prompt by the name the backend advertises.
func (s *Session) GetPrompt(ctx context.Context, name string, arguments map[string]string) (json.RawMessage, error) {
	params := map[string]any{"name": name}
	if len(arguments) > 0 {
		params["arguments"] = arguments
	}
	return s.Request(ctx, api.MethodPromptsGet, params)
}

// Close terminates the session. Pending requests fail with
// *api.DisconnectedError. For subprocess backends Close returns once the
// process has exited.
func (s *Session) Close() error {
	return s.CloseWithError(errSessionClosed)
}

// CloseWithError terminates the session with cause as its Err. Pending
// requests fail with api.ErrShuttingDown if cause is that sentinel.
func (s *Session) CloseWithError(cause error) error {
	if cause == nil {
		cause = errSessionClosed
	}
	s.teardown(cause)
	return s.conn.Close()
}

func (s *Session) readLoop() {
	for {
		msg, err := s.conn.Read()
		if err != nil {
			if jsonrpc.IsDecodeError(err) {
				logging.Warn("Backend/"+s.desc.Name, "Dropping malformed message: %v", err)
				continue
			}
			s.teardown(err)
			return
		}

		switch {
		case msg.IsResponse():
			s.deliver(msg)
		case msg.IsRequest():
			go s.answer(msg)
		case msg.IsNotification():
			s.queue.push(msg)
		}
	}
}

func (s *Session) deliver(msg *jsonrpc.Message) {
	if msg.ID.IsString() {
		logging.Debug("Backend/"+s.desc.Name, "Ignoring response with unknown id %s", msg.ID)
		return
	}
	id := msg.ID.Int64()

	s.mu.Lock()
	ch, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()

	if !ok {
		logging.Debug("Backend/"+s.desc.Name, "Ignoring response to abandoned request %d", id)
		return
	}
	ch <- msg
}

// answer replies to a backend-initiated request. Only ping is supported.
func (s *Session) answer(req *jsonrpc.Message) {
	var resp *jsonrpc.Message
	if req.Method == api.MethodPing {
		resp = jsonrpc.NewResult(*req.ID, nil)
	} else {
		resp = jsonrpc.NewErrorResponse(*req.ID,
			jsonrpc.NewError(jsonrpc.CodeMethodNotFound, "method %s is not supported by the aggregator", req.Method))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.send(ctx, resp); err != nil {
		logging.Debug("Backend/"+s.desc.Name, "Failed to answer %s: %v", req.Method, err)
	}
}

func (s *Session) teardown(cause error) {
	s.mu.Lock()
	if s.state == api.StateClosed {
		s.mu.Unlock()
		return
	}
	wasReady := s.state == api.StateReady
	s.state = api.StateClosed
	s.err = cause
	s.pending = make(map[int64]chan *jsonrpc.Message)
	s.mu.Unlock()

	close(s.done)
	s.queue.close()
	_ = s.conn.Close()

	if wasReady && !errors.Is(cause, errSessionClosed) && !errors.Is(cause, api.ErrShuttingDown) {
		logging.Warn("Backend/"+s.desc.Name, "Session terminated: %v", cause)
	}
}

func (s *Session) terminalError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminalErrorLocked()
}

func (s *Session) terminalErrorLocked() error {
	if errors.Is(s.err, api.ErrShuttingDown) {
		return api.ErrShuttingDown
	}
	return &api.DisconnectedError{Backend: s.desc.Name, Err: s.err}
}

// messageQueue is an unbounded FIFO so the read loop never blocks on a slow
// notification consumer.
type messageQueue struct {
	mu     sync.Mutex
	items  []*jsonrpc.Message
	closed bool
	signal chan struct{}
}

func newMessageQueue() *messageQueue {
	return &messageQueue{signal: make(chan struct{}, 1)}
}

func (q *messageQueue) push(msg *jsonrpc.Message) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()
	q.wake()
}

func (q *messageQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *messageQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pump delivers queued messages to out in order and closes out once the
// queue is closed and drained.
func (q *messageQueue) pump(out chan<- *jsonrpc.Message) {
	defer close(out)
	for {
		q.mu.Lock()
		items := q.items
		q.items = nil
		closed := q.closed
		q.mu.Unlock()

		for _, msg := range items {
			out <- msg
		}
		if len(items) > 0 {
			continue
		}
		if closed {
			return
		}
		<-q.signal
	}
}
