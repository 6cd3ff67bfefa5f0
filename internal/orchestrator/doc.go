// Package orchestrator supervises the configured backends.
//
// Every backend runs its own lifecycle goroutine that follows an explicit
// state machine (see Transition):
//
//	pending -> connecting -> ready -> (degraded -> connecting)* -> closed
//
// A failed connection attempt or a ready session that ends on its own moves
// the backend to degraded while its restart policy allows another attempt.
// The next attempt is made after an exponential backoff delay. Once the
// policy is exhausted the backend is closed for good and its capability keys
// resolve to CapabilityGone; the rest of the aggregator keeps running.
//
// The Supervisor wires sessions into the rest of the system:
//
//   - ready sessions are registered with the aggregator.Registry and
//     unregistered when they end
//   - backend notifications are drained into the aggregator.Router, except
//     list_changed which triggers a capability refresh
//   - resource subscriptions are renewed after a reconnect
//
// Apply reconciles the running set with a reloaded configuration document,
// and Add and Remove serve the management API. Stop closes every session in
// parallel; calls still pending fail with api.ErrShuttingDown.
package orchestrator
