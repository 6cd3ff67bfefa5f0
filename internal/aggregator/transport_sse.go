package aggregator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"

	"github.com/giantswarm/multimcp/internal/jsonrpc"
	"github.com/giantswarm/multimcp/pkg/logging"
)

const (
	ssePath           = "/sse"
	messagePath       = "/message"
	sessionIDParam    = "sessionId"
	keepAliveInterval = 30 * time.Second
	sseWriteTimeout   = 10 * time.Second
	maxMessageSize    = 16 << 20
	inboxSize         = 64
)

// sseClientConn carries one client session: responses and notifications
// go out on the event stream, requests arrive as POSTs to /message.
type sseClientConn struct {
	sess *sse.Session
	rc   *http.ResponseController

	// go-sse sessions are not safe for concurrent writes.
	mu sync.Mutex

	inbox     chan *jsonrpc.Message
	done      chan struct{}
	closeOnce sync.Once
}

func newSSEClientConn(w http.ResponseWriter, sess *sse.Session) *sseClientConn {
	return &sseClientConn{
		sess:  sess,
		rc:    http.NewResponseController(w),
		inbox: make(chan *jsonrpc.Message, inboxSize),
		done:  make(chan struct{}),
	}
}

func (c *sseClientConn) Read() (*jsonrpc.Message, error) {
	select {
	case msg := <-c.inbox:
		return msg, nil
	case <-c.done:
		return nil, io.EOF
	}
}

func (c *sseClientConn) Write(msg *jsonrpc.Message) error {
	data, err := jsonrpc.Encode(msg)
	if err != nil {
		return err
	}
	event := &sse.Message{Type: sse.Type("message")}
	event.AppendData(string(data))
	return c.send(event)
}

func (c *sseClientConn) send(event *sse.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return errClientGone
	default:
	}
	// A client that stops reading must not hold the writer forever.
	_ = c.rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout))
	if err := c.sess.Send(event); err != nil {
		return err
	}
	return c.sess.Flush()
}

// deliver queues a message posted by the client.
func (c *sseClientConn) deliver(ctx context.Context, msg *jsonrpc.Message) error {
	select {
	case c.inbox <- msg:
		return nil
	case <-c.done:
		return errClientGone
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *sseClientConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// release closes the connection and waits for a send in progress, after
// which the response writer is no longer touched.
func (c *sseClientConn) release() {
	_ = c.Close()
	c.mu.Lock()
	c.mu.Unlock()
}

// Handler returns the HTTP handler serving the SSE transport and the
// management API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+ssePath, s.handleSSE)
	mux.HandleFunc("POST "+messagePath, s.handleMessage)
	s.mountAdmin(mux)
	return mux
}

// ServeSSE serves the SSE transport on ln until Shutdown is called.
func (s *Server) ServeSSE(ctx context.Context, ln net.Listener) error {
	hs := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	if s.closing.Load() {
		s.mu.Unlock()
		return ln.Close()
	}
	s.httpServer = hs
	s.mu.Unlock()

	logging.Info("Server", "Serving MCP over SSE on http://%s%s", ln.Addr(), ssePath)
	if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("sse server: %w", err)
	}
	return nil
}

// handleSSE opens an event stream, announces the session's message
// endpoint and runs the session until either side goes away.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if s.closing.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to upgrade session: %v", err), http.StatusInternalServerError)
		return
	}

	conn := newSSEClientConn(w, sess)
	cs := newClientSession("sse", conn)

	// Tracked before the endpoint is announced so an immediate POST finds it.
	s.track(cs)
	endpoint := &sse.Message{Type: sse.Type("endpoint")}
	endpoint.AppendData(fmt.Sprintf("%s?%s=%s", messagePath, sessionIDParam, cs.id))
	if err := conn.send(endpoint); err != nil {
		s.untrack(cs)
		logging.Warn("Server", "Failed to announce endpoint to %s: %v", r.RemoteAddr, err)
		return
	}

	go conn.keepAlive(r.Context())

	if err := s.serve(r.Context(), cs); err != nil {
		logging.Debug("Server", "SSE session %s ended: %v", cs.id, err)
	}
	// The response writer must not be used once the handler returns.
	conn.release()
}

func (c *sseClientConn) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			ping := &sse.Message{}
			ping.AppendComment("ping")
			if err := c.send(ping); err != nil {
				return
			}
		}
	}
}

// handleMessage accepts one client message for an open session. The
// response, if any, is sent on the session's event stream.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get(sessionIDParam)
	if id == "" {
		http.Error(w, "missing "+sessionIDParam, http.StatusBadRequest)
		return
	}
	cs, ok := s.session(id)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	conn, ok := cs.conn.(*sseClientConn)
	if !ok {
		http.Error(w, "session does not accept posted messages", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	msg, err := jsonrpc.Decode(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := conn.deliver(r.Context(), msg); err != nil {
		http.Error(w, "session closed", http.StatusGone)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
