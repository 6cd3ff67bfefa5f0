// Package mock provides real MCP backends for tests.
//
// A Server is an mcp-go server with a fixed, known set of tools, resources,
// resource templates and prompts. It can be reached three ways:
//
//  1. In memory, through Server.Connect, which returns a pair of pipes that
//     can be wrapped in a backend connection.
//
//  2. Over HTTP, through ServeHTTP, using either the SSE or the streamable
//     HTTP transport.
//
//  3. As a subprocess: a test package calls RunHelperIfRequested from
//     TestMain and starts its own test binary with HelperEnv set, so the
//     child serves the mock on stdio.
//
// Tools:
//
//	echo      returns its "message" argument as text
//	sleep     waits "ms" milliseconds, honouring cancellation
//	fail      fails with a JSON-RPC error
//	progress  sends two notifications/progress before answering
//	crash     (optional) terminates the backend
package mock
