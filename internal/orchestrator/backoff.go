package orchestrator

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/giantswarm/multimcp/internal/config"
)

// newBackOff builds the reconnect schedule of a restart policy:
// InitialBackoff * Multiplier^n, capped at MaxBackoff. Delays are not
// randomised so that restart timing is predictable.
func newBackOff(p config.RestartPolicy) backoff.BackOff {
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	maxInterval := p.MaxBackoff
	if maxInterval < p.InitialBackoff {
		maxInterval = p.InitialBackoff
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialBackoff,
		RandomizationFactor: 0,
		Multiplier:          multiplier,
		MaxInterval:         maxInterval,
	}
	b.Reset()
	return b
}

// sleep waits for d or until done is closed, whichever comes first. It
// reports whether the full delay elapsed.
func sleep(done <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-done:
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-done:
		return false
	}
}
