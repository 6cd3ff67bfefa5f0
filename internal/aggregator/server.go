package aggregator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/multimcp/internal/api"
	"github.com/giantswarm/multimcp/internal/jsonrpc"
	"github.com/giantswarm/multimcp/pkg/logging"
)

// drainPollInterval is how often Shutdown checks for unanswered requests.
const drainPollInterval = 10 * time.Millisecond

// clientQueueSize bounds the messages waiting to be written to one client.
// A client that falls this far behind is disconnected.
const clientQueueSize = 256

var (
	errClientGone     = errors.New("client connection closed")
	errClientOverflow = errors.New("client is not reading its messages")
)

// clientConn is one client's framed message channel. Read is only called
// from the session loop and Write only from the session's writer.
type clientConn interface {
	Read() (*jsonrpc.Message, error)
	Write(msg *jsonrpc.Message) error
	Close() error
}

// clientSession is one logical client session. It implements Client.
// Everything sent to the client goes through a bounded queue drained by
// writeLoop, so a client that stops reading only ever stalls itself.
type clientSession struct {
	id        string
	transport string
	conn      clientConn
	started   time.Time

	outbox    chan *jsonrpc.Message
	queued    atomic.Int64 // accepted but not yet written
	done      chan struct{}
	closeOnce sync.Once
}

func newClientSession(transport string, conn clientConn) *clientSession {
	return &clientSession{
		id:        uuid.NewString(),
		transport: transport,
		conn:      conn,
		started:   time.Now(),
		outbox:    make(chan *jsonrpc.Message, clientQueueSize),
		done:      make(chan struct{}),
	}
}

func (c *clientSession) ID() string { return c.id }

// Notify queues a notification without blocking.
func (c *clientSession) Notify(method string, params any) error {
	msg, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.enqueue(msg)
}

// enqueue hands msg to the writer. A full queue disconnects the client.
func (c *clientSession) enqueue(msg *jsonrpc.Message) error {
	select {
	case <-c.done:
		return errClientGone
	default:
	}

	c.queued.Add(1)
	select {
	case c.outbox <- msg:
		return nil
	default:
		c.queued.Add(-1)
		logging.Warn("Server", "Client %s has %d unread messages; disconnecting it", c.id, clientQueueSize)
		c.close()
		return errClientOverflow
	}
}

func (c *clientSession) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.outbox:
			err := c.conn.Write(msg)
			c.queued.Add(-1)
			if err != nil {
				logging.Debug("Server", "Failed to write to client %s: %v", c.id, err)
				c.close()
				return
			}
		}
	}
}

// flushed reports whether every accepted message was written.
func (c *clientSession) flushed() bool { return c.queued.Load() == 0 }

func (c *clientSession) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// ClientInfo describes a connected client for status output.
type ClientInfo struct {
	ID        string    `json:"id"`
	Transport string    `json:"transport"`
	Since     time.Time `json:"since"`
}

// ServerConfig configures a Server.
type ServerConfig struct {
	Registry *Registry
	Router   *Router
	// Backends backs the management API. It may be nil, in which case
	// only /healthz and /mcp_tools are served.
	Backends BackendManager
}

// Server presents the merged catalog to clients over stdio or SSE. Every
// client connection becomes an independent session sharing one Router.
type Server struct {
	registry *Registry
	router   *Router
	backends BackendManager

	mu       sync.Mutex
	sessions map[string]*clientSession

	// active counts request handlers that have not written their response.
	active  atomic.Int64
	closing atomic.Bool

	wg         sync.WaitGroup
	cancel     context.CancelFunc
	httpServer *http.Server
}

// NewServer creates a server. Call Start before serving clients.
func NewServer(cfg ServerConfig) *Server {
	return &Server{
		registry: cfg.Registry,
		router:   cfg.Router,
		backends: cfg.Backends,
		sessions: make(map[string]*clientSession),
	}
}

// Start launches the catalog monitor that turns registry updates into
// list_changed notifications.
func (s *Server) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.monitorRegistryUpdates(ctx)
}

// monitorRegistryUpdates broadcasts list_changed for every changed kind.
func (s *Server) monitorRegistryUpdates(ctx context.Context) {
	defer s.wg.Done()

	updates := s.registry.Updates()
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-updates:
			sent := make(map[string]bool)
			for _, kind := range u.Kinds {
				method := api.ListChangedNotification(kind)
				if sent[method] {
					continue
				}
				sent[method] = true
				s.Broadcast(method, nil)
			}
			logging.Debug("Server", "Catalog changed: %v", u.Kinds)
		}
	}
}

// Broadcast sends a notification to every connected client.
func (s *Server) Broadcast(method string, params any) {
	s.router.Broadcast(method, params)
}

// Clients lists the connected clients.
func (s *Server) Clients() []ClientInfo {
	s.mu.Lock()
	out := make([]ClientInfo, 0, len(s.sessions))
	for _, cs := range s.sessions {
		out = append(out, ClientInfo{ID: cs.id, Transport: cs.transport, Since: cs.started})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Since.Before(out[j].Since) })
	return out
}

// ServeStream serves one client over a newline delimited JSON-RPC stream
// until the peer closes it, ctx is cancelled or the server shuts down.
func (s *Server) ServeStream(ctx context.Context, r io.Reader, w io.Writer) error {
	var closer closers
	if c, ok := r.(io.Closer); ok {
		closer = append(closer, c)
	}
	if c, ok := w.(io.Closer); ok {
		closer = append(closer, c)
	}
	return s.serve(ctx, newClientSession("stdio", jsonrpc.NewStream(r, w, closer)))
}

// closers closes both halves of a stream so that a writer blocked on a
// peer that stopped reading is released too.
type closers []io.Closer

func (cs closers) Close() error {
	var errs []error
	for _, c := range cs {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// serve runs the session loop: requests are handled concurrently, each on
// its own goroutine, and notifications inline in arrival order.
func (s *Server) serve(ctx context.Context, cs *clientSession) error {
	go cs.writeLoop()
	if s.closing.Load() {
		cs.close()
		return api.ErrShuttingDown
	}

	ctx, cancel := context.WithCancel(ctx)
	var handlers sync.WaitGroup

	s.track(cs)
	s.router.Attach(cs)
	logging.Info("Server", "Client %s connected over %s", cs.id, cs.transport)
	defer func() {
		cancel()
		handlers.Wait()
		s.router.Detach(cs)
		s.untrack(cs)
		cs.close()
		logging.Info("Server", "Client %s disconnected", cs.id)
	}()

	msgs := make(chan *jsonrpc.Message)
	readErr := make(chan error, 1)
	go func() {
		for {
			msg, err := cs.conn.Read()
			if err != nil {
				if jsonrpc.IsDecodeError(err) {
					logging.Warn("Server", "Client %s sent a malformed message: %v", cs.id, err)
					continue
				}
				readErr <- err
				return
			}
			select {
			case msgs <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-cs.done:
			return nil
		case err := <-readErr:
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return fmt.Errorf("client %s: %w", cs.id, err)
		case msg := <-msgs:
			if !msg.IsRequest() {
				s.router.Handle(ctx, cs, msg)
				continue
			}
			s.active.Add(1)
			handlers.Add(1)
			go func() {
				defer handlers.Done()
				defer s.active.Add(-1)
				if resp := s.router.Handle(ctx, cs, msg); resp != nil {
					if err := cs.enqueue(resp); err != nil {
						logging.Debug("Server", "Failed to answer client %s: %v", cs.id, err)
					}
				}
			}()
		}
	}
}

func (s *Server) track(cs *clientSession) {
	s.mu.Lock()
	s.sessions[cs.id] = cs
	s.mu.Unlock()
}

func (s *Server) untrack(cs *clientSession) {
	s.mu.Lock()
	delete(s.sessions, cs.id)
	s.mu.Unlock()
}

func (s *Server) session(id string) (*clientSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.sessions[id]
	return cs, ok
}

func (s *Server) flushed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cs := range s.sessions {
		if !cs.flushed() {
			return false
		}
	}
	return true
}

// Shutdown stops accepting clients, fails every in-flight call with
// api.ErrShuttingDown, waits until those errors are written or ctx
// expires, and then closes every client connection.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}

	if n := s.router.Shutdown(); n > 0 {
		logging.Info("Server", "Cancelling %d in-flight calls", n)
	}

	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
drain:
	for s.active.Load() > 0 || !s.flushed() {
		select {
		case <-ctx.Done():
			logging.Warn("Server", "%d requests still unanswered or unwritten at shutdown", s.active.Load())
			break drain
		case <-ticker.C:
		}
	}

	s.mu.Lock()
	sessions := make([]*clientSession, 0, len(s.sessions))
	for _, cs := range s.sessions {
		sessions = append(sessions, cs)
	}
	hs := s.httpServer
	s.mu.Unlock()
	for _, cs := range sessions {
		cs.close()
	}

	var err error
	if hs != nil {
		if shutdownErr := hs.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("failed to shut down http server: %w", shutdownErr)
		}
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return err
}
