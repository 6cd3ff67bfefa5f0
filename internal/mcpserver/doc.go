// Package mcpserver manages the connection to a single backend MCP server.
//
// A Session owns one transport connection (a Conn) and multiplexes any
// number of concurrent requests over it. Requests get session-unique numeric
// ids; a single read loop matches responses to waiting callers by id, so
// backends may answer in any order.
//
// Three transports are supported:
//
//   - subprocess: the backend is started as a child process in its own
//     process group and spoken to over stdin/stdout. Its stderr is logged.
//   - sse and streamable-http: carried by the mcp-go client transports.
//     Network backends are pinged every DialOptions.PingInterval, and a
//     failed ping or request ends the session.
//
// Connect performs the full handshake (initialize, notifications/initialized
// and a paginated enumeration of tools, resources, resource templates and
// prompts) and returns a ready Session or a *api.ConnectError.
//
// When the connection drops, every pending request fails with
// *api.DisconnectedError, Done is closed and the Notifications channel is
// closed after the remaining notifications have been delivered. Restarting
// is not the session's job; see the orchestrator package.
package mcpserver
