package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/multimcp/internal/api"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		name         string
		from         api.BackendState
		event        Event
		retryAllowed bool
		want         api.BackendState
		wantErr      bool
	}{
		{name: "start", from: api.StatePending, event: EventStart, want: api.StateConnecting},
		{name: "handshake completes", from: api.StateConnecting, event: EventConnected, want: api.StateReady},
		{name: "connect fails with retries left", from: api.StateConnecting, event: EventConnectFailed, retryAllowed: true, want: api.StateDegraded},
		{name: "connect fails without retries", from: api.StateConnecting, event: EventConnectFailed, want: api.StateClosed},
		{name: "ready session lost with retries left", from: api.StateReady, event: EventLost, retryAllowed: true, want: api.StateDegraded},
		{name: "ready session lost without retries", from: api.StateReady, event: EventLost, want: api.StateClosed},
		{name: "backoff elapsed", from: api.StateDegraded, event: EventRetry, want: api.StateConnecting},
		{name: "stop while pending", from: api.StatePending, event: EventStop, want: api.StateClosed},
		{name: "stop while ready", from: api.StateReady, event: EventStop, want: api.StateClosed},
		{name: "stop while degraded", from: api.StateDegraded, event: EventStop, want: api.StateClosed},
		{name: "stop when closed", from: api.StateClosed, event: EventStop, want: api.StateClosed},
		{name: "closed is terminal", from: api.StateClosed, event: EventRetry, want: api.StateClosed, wantErr: true},
		{name: "ready cannot connect again", from: api.StateReady, event: EventConnected, want: api.StateReady, wantErr: true},
		{name: "pending cannot be lost", from: api.StatePending, event: EventLost, want: api.StatePending, wantErr: true},
		{name: "degraded waits for the retry", from: api.StateDegraded, event: EventConnected, want: api.StateDegraded, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Transition(tt.from, tt.event, tt.retryAllowed)
			assert.Equal(t, tt.want, got)
			if tt.wantErr {
				var te *TransitionError
				require.ErrorAs(t, err, &te)
				assert.Equal(t, tt.event, te.Event)
				return
			}
			assert.NoError(t, err)
		})
	}
}
