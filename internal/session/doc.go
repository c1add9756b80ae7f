// Package session manages the client side of the tool-server wire protocol:
// JSON-RPC 2.0 over HTTP POST with optional SSE response streams.
//
// The Manager keeps one negotiated session per endpoint URL. A session is
// established lazily on first use with an initialize handshake and carries a
// server-assigned session ID in the MCP-Session-Id header on every subsequent
// request. When a server answers 404 the session is considered expired and is
// rebuilt transparently before the request is retried.
//
// Tool calls stream their responses: servers may answer with plain JSON or a
// text/event-stream body in which notifications and the final response are
// interleaved. Event IDs are recorded so a retried call can resume the stream
// with Last-Event-ID instead of replaying delivered events.
package session
