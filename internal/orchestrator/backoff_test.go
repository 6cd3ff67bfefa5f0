package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/giantswarm/multimcp/internal/config"
)

func TestNewBackOff(t *testing.T) {
	tests := []struct {
		name   string
		policy config.RestartPolicy
		want   []time.Duration
	}{
		{
			name:   "default policy",
			policy: config.DefaultRestartPolicy(),
			want:   []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second},
		},
		{
			name:   "constant delay",
			policy: config.RestartPolicy{InitialBackoff: 100 * time.Millisecond, MaxBackoff: 100 * time.Millisecond, Multiplier: 1},
			want:   []time.Duration{100 * time.Millisecond, 100 * time.Millisecond, 100 * time.Millisecond},
		},
		{
			name:   "max below initial is raised",
			policy: config.RestartPolicy{InitialBackoff: time.Second, MaxBackoff: 0, Multiplier: 3},
			want:   []time.Duration{time.Second, time.Second},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBackOff(tt.policy)
			var got []time.Duration
			for range tt.want {
				got = append(got, b.NextBackOff())
			}
			assert.Equal(t, tt.want, got)

			b.Reset()
			assert.Equal(t, tt.want[0], b.NextBackOff())
		})
	}
}

func TestSleep(t *testing.T) {
	done := make(chan struct{})
	assert.True(t, sleep(done, 0))
	assert.True(t, sleep(done, time.Millisecond))

	close(done)
	assert.False(t, sleep(done, time.Hour))
	assert.False(t, sleep(done, 0))
}
