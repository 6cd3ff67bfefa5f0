package mock

import (
	"net"
	"net/http"
	"net/http/httptest"

	"github.com/mark3labs/mcp-go/server"
)

// HTTPTransportType selects how an HTTPServer exposes the mock.
type HTTPTransportType string

const (
	HTTPTransportStreamableHTTP HTTPTransportType = "streamable-http"
	HTTPTransportSSE            HTTPTransportType = "sse"
)

// HTTPServer is a mock backend reachable over the network on 127.0.0.1.
type HTTPServer struct {
	ts        *httptest.Server
	endpoint  string
	server    *Server
	transport HTTPTransportType
}

// ServeHTTP starts s on a random local port. SSE mocks are served at /sse
// with messages posted to /message; streamable HTTP mocks at /mcp.
func ServeHTTP(s *Server, transport HTTPTransportType) *HTTPServer {
	h := &HTTPServer{server: s, transport: transport}
	h.start(httptest.NewUnstartedServer(nil))
	return h
}

func (h *HTTPServer) start(ts *httptest.Server) {
	base := "http://" + ts.Listener.Addr().String()
	switch h.transport {
	case HTTPTransportSSE:
		ts.Config.Handler = server.NewSSEServer(h.server.mcpServer,
			server.WithBaseURL(base),
			server.WithSSEEndpoint("/sse"),
			server.WithMessageEndpoint("/message"),
		)
		h.endpoint = base + "/sse"
	default:
		mux := http.NewServeMux()
		mux.Handle("/mcp", server.NewStreamableHTTPServer(h.server.mcpServer))
		ts.Config.Handler = mux
		h.endpoint = base + "/mcp"
	}
	ts.Start()
	h.ts = ts
}

// Endpoint is the URL a backend descriptor points at.
func (h *HTTPServer) Endpoint() string { return h.endpoint }

// Close drops open streams and stops the server.
func (h *HTTPServer) Close() {
	h.ts.CloseClientConnections()
	h.ts.Close()
}

// Reopen serves the mock again on the address it had before Close. Sessions
// from before are not restored.
func (h *HTTPServer) Reopen() error {
	ln, err := net.Listen("tcp", h.ts.Listener.Addr().String())
	if err != nil {
		return err
	}
	ts := httptest.NewUnstartedServer(nil)
	_ = ts.Listener.Close()
	ts.Listener = ln
	h.start(ts)
	return nil
}
