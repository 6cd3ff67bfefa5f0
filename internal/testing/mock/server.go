package mock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// HelperEnv names the environment variable that turns a test binary into a
// mock backend. Its value is the backend's server name.
const HelperEnv = "MULTIMCP_MOCK_BACKEND"

// Server is a real MCP server with a fixed set of capabilities:
//
//   - tools: echo, sleep, fail, progress and, when enabled, crash
//   - resources: <scheme>://current
//   - resource templates: <scheme>://{type}
//   - prompts: greet
type Server struct {
	name      string
	scheme    string
	crash     func()
	mcpServer *server.MCPServer
}

// Option customises a Server.
type Option func(*Server)

// WithResourceScheme changes the URI scheme of the advertised resource and
// template. The default is "location".
func WithResourceScheme(scheme string) Option {
	return func(s *Server) { s.scheme = scheme }
}

// WithCrash registers a "crash" tool that calls fn.
func WithCrash(fn func()) Option {
	return func(s *Server) { s.crash = fn }
}

// NewServer creates a mock server announcing itself as name.
func NewServer(name string, opts ...Option) *Server {
	s := &Server{name: name, scheme: "location"}
	for _, opt := range opts {
		opt(s)
	}

	s.mcpServer = server.NewMCPServer(
		name,
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, true),
		server.WithPromptCapabilities(true),
		server.WithLogging(),
	)

	s.mcpServer.AddTool(mcp.NewTool("echo",
		mcp.WithDescription("Returns the message it was given"),
		mcp.WithString("message", mcp.Required(), mcp.Description("Text to echo")),
	), s.handleEcho)

	s.mcpServer.AddTool(mcp.NewTool("sleep",
		mcp.WithDescription("Waits for the given number of milliseconds"),
		mcp.WithNumber("ms", mcp.Required(), mcp.Description("Milliseconds to wait")),
	), s.handleSleep)

	s.mcpServer.AddTool(mcp.NewTool("fail",
		mcp.WithDescription("Always fails with a protocol error"),
	), s.handleFail)

	s.mcpServer.AddTool(mcp.NewTool("progress",
		mcp.WithDescription("Reports two progress steps before answering"),
	), s.handleProgress)

	if s.crash != nil {
		s.mcpServer.AddTool(mcp.NewTool("crash",
			mcp.WithDescription("Terminates the backend"),
		), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			s.crash()
			return mcp.NewToolResultText("crashed"), nil
		})
	}

	s.mcpServer.AddResource(mcp.NewResource(s.scheme+"://current", "current "+s.scheme,
		mcp.WithResourceDescription("The current "+s.scheme),
		mcp.WithMIMEType("text/plain"),
	), s.handleResource)

	s.mcpServer.AddResourceTemplate(mcp.NewResourceTemplate(s.scheme+"://{type}", s.scheme+" by type",
		mcp.WithTemplateDescription("A "+s.scheme+" looked up by type"),
		mcp.WithTemplateMIMEType("text/plain"),
	), s.handleResource)

	s.mcpServer.AddPrompt(mcp.NewPrompt("greet",
		mcp.WithPromptDescription("Greets someone by name"),
		mcp.WithArgument("name", mcp.RequiredArgument(), mcp.ArgumentDescription("Who to greet")),
	), s.handleGreet)

	return s
}

// Name returns the server name.
func (s *Server) Name() string { return s.name }

// AddEchoTool registers another echo tool under name. Initialized clients
// receive notifications/tools/list_changed.
func (s *Server) AddEchoTool(name string) {
	s.mcpServer.AddTool(mcp.NewTool(name,
		mcp.WithDescription("Returns the message it was given"),
		mcp.WithString("message", mcp.Description("Text to echo")),
	), s.handleEcho)
}

// RemoveTools unregisters tools by name.
func (s *Server) RemoveTools(names ...string) {
	s.mcpServer.DeleteTools(names...)
}

// Listen serves the protocol over r and w until ctx ends or r is closed.
func (s *Server) Listen(ctx context.Context, r io.Reader, w io.Writer) error {
	return server.NewStdioServer(s.mcpServer).Listen(ctx, r, w)
}

// ServeStdio serves the protocol on the process's stdin and stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// RunHelperIfRequested serves a mock backend on stdio and exits when the
// HelperEnv variable is set. Call it first thing in TestMain so tests can
// start their own binary as a subprocess backend.
func RunHelperIfRequested() {
	name := os.Getenv(HelperEnv)
	if name == "" {
		return
	}
	s := NewServer(name, WithCrash(func() { os.Exit(3) }))
	if err := s.ServeStdio(); err != nil {
		fmt.Fprintf(os.Stderr, "mock backend %s: %v\n", name, err)
		os.Exit(1)
	}
	os.Exit(0)
}

func (s *Server) handleEcho(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	message, _ := request.GetArguments()["message"].(string)
	return mcp.NewToolResultText(message), nil
}

func (s *Server) handleSleep(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ms, _ := request.GetArguments()["ms"].(float64)
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return mcp.NewToolResultText(fmt.Sprintf("slept %dms", int(ms))), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) handleFail(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return nil, errors.New("fail tool always fails")
}

func (s *Server) handleProgress(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if request.Params.Meta != nil && request.Params.Meta.ProgressToken != nil {
		for step := 1; step <= 2; step++ {
			_ = s.mcpServer.SendNotificationToClient(ctx, "notifications/progress", map[string]any{
				"progressToken": request.Params.Meta.ProgressToken,
				"progress":      step,
				"total":         2,
			})
		}
	}
	return mcp.NewToolResultText("done"), nil
}

func (s *Server) handleResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	uri := request.Params.URI
	kind := strings.TrimPrefix(uri, s.scheme+"://")
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "text/plain",
			Text:     fmt.Sprintf("%s %s from %s", s.scheme, kind, s.name),
		},
	}, nil
}

func (s *Server) handleGreet(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	name := request.Params.Arguments["name"]
	return mcp.NewGetPromptResult("Greeting", []mcp.PromptMessage{
		mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(fmt.Sprintf("Hello, %s!", name))),
	}), nil
}
