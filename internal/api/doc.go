// Package api holds the types shared between the multimcp packages: the
// capability and backend state vocabulary and the typed error taxonomy.
//
// It sits at the bottom of the dependency graph. The config, mcpserver,
// aggregator and orchestrator packages all depend on it and it depends on
// none of them, which keeps the error kinds consistent from the backend
// session up to the client-visible JSON-RPC error.
//
// # Error taxonomy
//
//   - ConnectError: a backend could not be reached or failed its handshake
//   - NotFoundError: the requested capability was never known
//   - CapabilityGoneError: the capability existed but its backend left ready
//   - TimeoutError: a single call exceeded its deadline
//   - BackendError: the backend answered with a JSON-RPC error
//   - DisconnectedError: the backend connection dropped while the call was pending
//   - ErrShuttingDown: the aggregator is shutting down
//
// ToRPCError maps each of them to a JSON-RPC error whose data object
// states the kind and whether a retry can succeed.
package api
