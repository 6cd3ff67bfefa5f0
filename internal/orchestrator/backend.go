package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/giantswarm/multimcp/internal/api"
	"github.com/giantswarm/multimcp/internal/config"
	"github.com/giantswarm/multimcp/internal/mcpserver"
	"github.com/giantswarm/multimcp/pkg/logging"
)

// backend is the supervisor's record of one configured backend.
type backend struct {
	desc   config.BackendDescriptor
	cancel context.CancelCauseFunc

	// done is closed when the lifecycle goroutine has returned.
	done chan struct{}
	// attempted is closed after the first connection attempt.
	attempted     chan struct{}
	attemptedOnce sync.Once

	mu       sync.Mutex
	state    api.BackendState
	since    time.Time
	session  *mcpserver.Session
	retries  int
	restarts int
	lastErr  error
	ready    bool
}

func newBackend(desc config.BackendDescriptor, cancel context.CancelCauseFunc) *backend {
	return &backend{
		desc:      desc,
		cancel:    cancel,
		done:      make(chan struct{}),
		attempted: make(chan struct{}),
		state:     api.StatePending,
		since:     time.Now(),
	}
}

// fire applies event and returns the resulting state.
func (b *backend) fire(event Event, retryAllowed bool) api.BackendState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fireLocked(event, retryAllowed)
}

func (b *backend) fireLocked(event Event, retryAllowed bool) api.BackendState {
	next, err := Transition(b.state, event, retryAllowed)
	if err != nil {
		logging.Debug("Supervisor", "Backend %s: %v", b.desc.Name, err)
		return b.state
	}
	if next != b.state {
		logging.Debug("Supervisor", "Backend %s: %s -> %s", b.desc.Name, b.state, next)
		b.state = next
		b.since = time.Now()
	}
	return next
}

// fail records a failure and reports whether the restart policy allows
// another attempt.
func (b *backend) fail(event Event, cause error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastErr = cause
	allowed := b.desc.Restart.AllowsRetry(b.retries)
	if b.fireLocked(event, allowed) == api.StateClosed {
		return false
	}
	b.retries++
	b.restarts++
	return true
}

// connected records a ready session and reports whether it replaces an
// earlier one.
func (b *backend) connected(sess *mcpserver.Session) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	restarted := b.ready
	b.session = sess
	b.ready = true
	b.retries = 0
	b.lastErr = nil
	b.fireLocked(EventConnected, false)
	return restarted
}

func (b *backend) disconnected() {
	b.mu.Lock()
	b.session = nil
	b.mu.Unlock()
}

func (b *backend) markAttempted() {
	b.attemptedOnce.Do(func() { close(b.attempted) })
}

// stop cancels the lifecycle goroutine with cause and waits for it.
func (b *backend) stop(ctx context.Context, cause error) error {
	b.cancel(cause)
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("backend %s did not stop: %w", b.desc.Name, ctx.Err())
	}
}

func (b *backend) status() api.BackendStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := api.BackendStatus{
		Name:      b.desc.Name,
		Kind:      b.desc.Kind,
		Transport: string(b.desc.Transport),
		State:     b.state,
		Restarts:  b.restarts,
		Since:     b.since,
	}
	if b.lastErr != nil {
		st.LastError = b.lastErr.Error()
	}
	if b.session != nil {
		caps := b.session.Capabilities()
		st.Tools = len(caps.Tools)
		st.Resources = len(caps.Resources)
		st.ResourceTemplates = len(caps.ResourceTemplates)
		st.Prompts = len(caps.Prompts)
	}
	return st
}
