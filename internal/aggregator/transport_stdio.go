package aggregator

import (
	"context"
	"os"

	"github.com/giantswarm/multimcp/pkg/logging"
)

// ServeStdio serves a single client on the process's stdin and stdout.
// Logs must not go to stdout while it runs.
func (s *Server) ServeStdio(ctx context.Context) error {
	logging.Info("Server", "Serving MCP on stdio")
	return s.ServeStream(ctx, os.Stdin, os.Stdout)
}
