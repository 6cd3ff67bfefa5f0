package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/multimcp/internal/aggregator"
	"github.com/giantswarm/multimcp/internal/api"
	"github.com/giantswarm/multimcp/internal/config"
	"github.com/giantswarm/multimcp/internal/mcpserver"
	"github.com/giantswarm/multimcp/pkg/logging"
)

var (
	errRemoved  = errors.New("backend removed")
	errReplaced = errors.New("backend configuration changed")
)

// Config configures a Supervisor.
type Config struct {
	Settings config.Settings
	Registry *aggregator.Registry
	Router   *aggregator.Router

	// Dial overrides how backends are reached. Defaults to mcpserver.Dial.
	Dial       mcpserver.DialFunc
	ClientInfo mcp.Implementation
}

// Supervisor owns every backend session. Each backend runs in its own
// goroutine that connects, registers the session with the registry, feeds
// its notifications to the router and reconnects under its restart policy.
type Supervisor struct {
	settings   config.Settings
	registry   *aggregator.Registry
	router     *aggregator.Router
	dial       mcpserver.DialFunc
	clientInfo mcp.Implementation

	refreshes singleflight.Group

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelCauseFunc
	backends map[string]*backend
	order    []string
	stopped  bool
}

// NewSupervisor creates a supervisor. Nothing runs until Start.
func NewSupervisor(cfg Config) *Supervisor {
	return &Supervisor{
		settings:   cfg.Settings,
		registry:   cfg.Registry,
		router:     cfg.Router,
		dial:       cfg.Dial,
		clientInfo: cfg.ClientInfo,
		backends:   make(map[string]*backend),
	}
}

// Start launches descs and waits until each has made its first connection
// attempt. A backend that fails to connect does not fail Start; it follows
// its restart policy in the background.
func (s *Supervisor) Start(ctx context.Context, descs []config.BackendDescriptor) error {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return errors.New("supervisor already started")
	}
	s.ctx, s.cancel = context.WithCancelCause(context.WithoutCancel(ctx))
	started, err := s.launchLocked(descs)
	s.declareLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	logging.Info("Supervisor", "Starting %d backend(s)", len(started))
	if err := awaitFirstAttempts(ctx, started); err != nil {
		return err
	}

	ready := 0
	for _, b := range started {
		if b.status().State == api.StateReady {
			ready++
		}
	}
	logging.Info("Supervisor", "%d of %d backend(s) ready", ready, len(started))
	return nil
}

// Add starts more backends at runtime. Names must not be in use.
func (s *Supervisor) Add(ctx context.Context, descs ...config.BackendDescriptor) error {
	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	for _, d := range descs {
		if _, ok := s.backends[d.Name]; ok {
			s.mu.Unlock()
			return fmt.Errorf("backend %s already exists", d.Name)
		}
	}
	started, err := s.launchLocked(descs)
	s.declareLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return awaitFirstAttempts(ctx, started)
}

// Remove stops a backend and forgets its capabilities, so that its keys
// resolve to NotFound afterwards.
func (s *Supervisor) Remove(ctx context.Context, name string) error {
	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	b, ok := s.backends[name]
	if !ok {
		s.mu.Unlock()
		return api.NewBackendNotFoundError(name)
	}
	s.detachLocked(name)
	s.mu.Unlock()

	err := b.stop(ctx, errRemoved)
	s.registry.Forget(name)
	logging.Info("Supervisor", "Removed backend %s", name)
	return err
}

// Apply reconciles the running set with a reloaded document. Backends that
// are gone are stopped, new ones are started and changed ones are
// restarted. Unchanged backends keep running untouched. Backends added at
// runtime that the document does not list are stopped too.
func (s *Supervisor) Apply(ctx context.Context, doc *config.Document) error {
	if doc.Settings != s.settings {
		logging.Warn("Supervisor", "Changed settings in %s take effect after a restart", doc.Path)
	}
	desired := doc.Enabled()
	want := make(map[string]config.BackendDescriptor, len(desired))
	for _, d := range desired {
		want[d.Name] = d
	}

	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	var (
		stopping []*backend
		removed  []string
		changed  []string
		added    []config.BackendDescriptor
	)
	for _, name := range slices.Clone(s.order) {
		b := s.backends[name]
		d, ok := want[name]
		switch {
		case !ok:
			removed = append(removed, name)
		case !reflect.DeepEqual(d, b.desc):
			changed = append(changed, name)
			added = append(added, d)
		default:
			continue
		}
		stopping = append(stopping, b)
		s.detachLocked(name)
	}
	for _, d := range desired {
		if _, ok := s.backends[d.Name]; !ok && !slices.Contains(changed, d.Name) {
			added = append(added, d)
		}
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, b := range stopping {
		cause := errRemoved
		if slices.Contains(changed, b.desc.Name) {
			cause = errReplaced
		}
		g.Go(func() error { return b.stop(ctx, cause) })
	}
	stopErr := g.Wait()
	for _, name := range removed {
		s.registry.Forget(name)
	}

	s.mu.Lock()
	started, err := s.launchLocked(added)
	s.order = orderLike(s.order, desired)
	s.declareLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	logging.Info("Supervisor", "Applied %s: %d added, %d removed, %d restarted",
		doc.Path, len(added)-len(changed), len(removed), len(changed))

	return errors.Join(stopErr, awaitFirstAttempts(ctx, started))
}

// Stop shuts every backend down in parallel. Pending calls fail with
// api.ErrShuttingDown and subprocesses are terminated, escalating to a
// kill after the shutdown grace period. Stop returns once every backend has
// stopped or ctx ends.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	backends := make([]*backend, 0, len(s.order))
	for _, name := range s.order {
		backends = append(backends, s.backends[name])
	}
	cancel := s.cancel
	s.mu.Unlock()

	logging.Info("Supervisor", "Stopping %d backend(s)", len(backends))

	var g errgroup.Group
	for _, b := range backends {
		g.Go(func() error { return b.stop(ctx, api.ErrShuttingDown) })
	}
	err := g.Wait()
	if cancel != nil {
		cancel(api.ErrShuttingDown)
	}
	return err
}

// Status reports every backend in configuration order.
func (s *Supervisor) Status() []api.BackendStatus {
	s.mu.Lock()
	backends := make([]*backend, 0, len(s.order))
	for _, name := range s.order {
		backends = append(backends, s.backends[name])
	}
	s.mu.Unlock()

	out := make([]api.BackendStatus, 0, len(backends))
	for _, b := range backends {
		out = append(out, b.status())
	}
	return out
}

// Settings returns the settings the supervisor was started with.
func (s *Supervisor) Settings() config.Settings { return s.settings }

// Timeout returns a backend's configured call timeout, or zero.
func (s *Supervisor) Timeout(name string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.backends[name]; ok {
		return b.desc.Timeout
	}
	return 0
}

func (s *Supervisor) usableLocked() error {
	if s.stopped {
		return api.ErrShuttingDown
	}
	if s.ctx == nil {
		return errors.New("supervisor not started")
	}
	return nil
}

func (s *Supervisor) launchLocked(descs []config.BackendDescriptor) ([]*backend, error) {
	started := make([]*backend, 0, len(descs))
	for _, d := range descs {
		if _, ok := s.backends[d.Name]; ok {
			return started, fmt.Errorf("backend %s already exists", d.Name)
		}
		ctx, cancel := context.WithCancelCause(s.ctx)
		b := newBackend(d, cancel)
		s.backends[d.Name] = b
		s.order = append(s.order, d.Name)
		started = append(started, b)
		go s.run(ctx, b)
	}
	return started, nil
}

func (s *Supervisor) detachLocked(name string) {
	delete(s.backends, name)
	s.order = slices.DeleteFunc(s.order, func(n string) bool { return n == name })
}

func (s *Supervisor) declareLocked() {
	s.registry.Declare(slices.Clone(s.order))
}

func (s *Supervisor) sessionOptions() mcpserver.SessionOptions {
	return mcpserver.SessionOptions{
		Dial:             s.dial,
		DialOptions: mcpserver.DialOptions{
			ShutdownGrace: s.settings.ShutdownGrace,
			PingInterval:  s.settings.PingInterval,
		},
		HandshakeTimeout: s.settings.HandshakeTimeout,
		ClientInfo:       s.clientInfo,
	}
}

// run is the lifecycle loop of one backend.
func (s *Supervisor) run(ctx context.Context, b *backend) {
	defer close(b.done)
	defer b.markAttempted()

	name := b.desc.Name
	bo := newBackOff(b.desc.Restart)
	event := EventStart

	for {
		b.fire(event, false)
		sess, err := mcpserver.Connect(ctx, b.desc, s.sessionOptions())
		if err != nil {
			if ctx.Err() != nil {
				b.fire(EventStop, false)
				return
			}
			if !b.fail(EventConnectFailed, err) {
				logging.Error("Supervisor", err, "Backend %s failed to connect and will not be retried", name)
				return
			}
			delay := bo.NextBackOff()
			logging.Warn("Supervisor", "Backend %s failed to connect, retrying in %s: %v", name, delay, err)
			b.markAttempted()
			if !sleep(ctx.Done(), delay) {
				b.fire(EventStop, false)
				return
			}
			event = EventRetry
			continue
		}

		if ctx.Err() != nil {
			_ = sess.CloseWithError(context.Cause(ctx))
			b.fire(EventStop, false)
			return
		}

		bo.Reset()
		restarted := b.connected(sess)
		s.registry.Register(sess)
		b.markAttempted()

		caps := sess.Capabilities()
		logging.Info("Supervisor", "Backend %s is ready (%d tools, %d resources, %d templates, %d prompts)",
			name, len(caps.Tools), len(caps.Resources), len(caps.ResourceTemplates), len(caps.Prompts))

		pumped := make(chan struct{})
		go s.pump(ctx, b, sess, pumped)
		if restarted {
			go func() {
				rctx, cancel := context.WithTimeout(ctx, s.handshakeTimeout())
				defer cancel()
				s.router.Resubscribe(rctx, sess)
			}()
		}

		select {
		case <-sess.Done():
		case <-ctx.Done():
			_ = sess.CloseWithError(context.Cause(ctx))
			<-pumped
			b.disconnected()
			s.registry.Unregister(name)
			b.fire(EventStop, false)
			return
		}

		<-pumped
		b.disconnected()
		s.registry.Unregister(name)

		cause := sess.Err()
		if ctx.Err() != nil {
			b.fire(EventStop, false)
			return
		}
		if !b.fail(EventLost, cause) {
			logging.Error("Supervisor", cause, "Backend %s exited and will not be restarted", name)
			return
		}
		delay := bo.NextBackOff()
		logging.Warn("Supervisor", "Backend %s exited, reconnecting in %s: %v", name, delay, cause)
		if !sleep(ctx.Done(), delay) {
			b.fire(EventStop, false)
			return
		}
		event = EventRetry
	}
}

// pump drains a session's notifications until it closes. list_changed
// triggers a capability refresh; everything else goes to the router.
func (s *Supervisor) pump(ctx context.Context, b *backend, sess *mcpserver.Session, done chan<- struct{}) {
	defer close(done)
	for msg := range sess.Notifications() {
		switch msg.Method {
		case api.NotificationToolsListChanged, api.NotificationResourcesListChanged, api.NotificationPromptsListChanged:
			go s.refresh(ctx, b, sess)
		default:
			s.router.HandleBackendNotification(sess.Name(), msg)
		}
	}
}

// refresh re-enumerates a backend's capabilities. Concurrent refreshes of
// the same backend share one enumeration.
func (s *Supervisor) refresh(ctx context.Context, b *backend, sess *mcpserver.Session) {
	_, err, _ := s.refreshes.Do(sess.Name(), func() (any, error) {
		rctx, cancel := context.WithTimeout(ctx, s.handshakeTimeout())
		defer cancel()
		if _, err := sess.RefreshCapabilities(rctx); err != nil {
			return nil, err
		}

		b.mu.Lock()
		defer b.mu.Unlock()
		if b.session == sess {
			s.registry.Register(sess)
		}
		return nil, nil
	})
	if err != nil {
		logging.Warn("Supervisor", "Failed to refresh capabilities of %s: %v", sess.Name(), err)
		return
	}
	logging.Debug("Supervisor", "Refreshed capabilities of %s", sess.Name())
}

func (s *Supervisor) handshakeTimeout() time.Duration {
	if s.settings.HandshakeTimeout > 0 {
		return s.settings.HandshakeTimeout
	}
	return config.DefaultHandshakeTimeout
}

// awaitFirstAttempts waits until every backend has tried to connect once.
func awaitFirstAttempts(ctx context.Context, backends []*backend) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, b := range backends {
		g.Go(func() error {
			select {
			case <-b.attempted:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	return g.Wait()
}

// orderLike returns names ordered as in desired, followed by any names
// desired does not mention.
func orderLike(names []string, desired []config.BackendDescriptor) []string {
	rank := make(map[string]int, len(desired))
	for i, d := range desired {
		rank[d.Name] = i
	}
	out := slices.Clone(names)
	slices.SortStableFunc(out, func(a, b string) int {
		ra, oka := rank[a]
		rb, okb := rank[b]
		switch {
		case oka && okb:
			return ra - rb
		case oka:
			return -1
		case okb:
			return 1
		}
		return 0
	})
	return out
}
