package orchestrator

import (
	"fmt"

	"github.com/giantswarm/multimcp/internal/api"
)

// Event is something that happens to a supervised backend.
type Event string

const (
	// EventStart begins the first connection attempt.
	EventStart Event = "start"
	// EventConnected reports a completed handshake.
	EventConnected Event = "connected"
	// EventConnectFailed reports a failed dial or handshake.
	EventConnectFailed Event = "connect_failed"
	// EventLost reports that a ready session ended on its own.
	EventLost Event = "lost"
	// EventRetry fires when the backoff delay has elapsed.
	EventRetry Event = "retry"
	// EventStop is a removal or global shutdown.
	EventStop Event = "stop"
)

// TransitionError is returned for an event that is not valid in the
// current state.
type TransitionError struct {
	From  api.BackendState
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid event %q in state %q", e.Event, e.From)
}

// Transition is the backend lifecycle:
//
//	pending -> connecting -> ready -> (degraded -> connecting)* -> closed
//
// A failure moves to degraded while retryAllowed holds and to closed
// otherwise. Stop is accepted in every state; closed is terminal.
func Transition(from api.BackendState, event Event, retryAllowed bool) (api.BackendState, error) {
	if event == EventStop {
		return api.StateClosed, nil
	}

	failed := func() api.BackendState {
		if retryAllowed {
			return api.StateDegraded
		}
		return api.StateClosed
	}

	switch from {
	case api.StatePending:
		if event == EventStart {
			return api.StateConnecting, nil
		}
	case api.StateConnecting:
		switch event {
		case EventConnected:
			return api.StateReady, nil
		case EventConnectFailed:
			return failed(), nil
		}
	case api.StateReady:
		if event == EventLost {
			return failed(), nil
		}
	case api.StateDegraded:
		if event == EventRetry {
			return api.StateConnecting, nil
		}
	}
	return from, &TransitionError{From: from, Event: event}
}
