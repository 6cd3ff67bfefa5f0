// Package aggregator merges the capabilities of every ready backend into one
// namespace and serves it to clients.
//
// The package has three layers:
//
//   - Registry holds the merged catalog. It is rebuilt copy-on-write under
//     a single writer whenever a backend is registered, refreshed or
//     unregistered, so readers never lock. Keys that vanished are
//     remembered so that a call to them fails with CapabilityGone instead
//     of NotFound.
//   - Router resolves each client request to its owning backend, forwards
//     it with the right deadline and maps failures to typed JSON-RPC
//     errors. Results pass through unmodified. It also routes progress,
//     resource updates and log messages from backends back to clients.
//   - Server runs one session loop per client connection over stdio or
//     SSE, plus the management HTTP API in SSE mode.
//
// Tools and prompts are exposed as <backend><separator><name>. Resource
// URIs and templates keep their own names unless two backends advertise
// the same one, in which case each is exposed as <backend>+<uri>.
package aggregator
