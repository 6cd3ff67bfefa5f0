package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/giantswarm/multimcp/internal/app"
	"github.com/giantswarm/multimcp/pkg/logging"
)

// serveOptions holds the serve flags before they are turned into an
// app.Config.
type serveOptions struct {
	transport   string
	configPath  string
	host        string
	port        int
	logLevel    string
	logFormat   string
	watch       bool
	callTimeout time.Duration
}

func newServeCmd() *cobra.Command {
	return newServeCmdWith(runServe)
}

// newServeCmdWith builds the serve command around run, which receives the
// validated config.
func newServeCmdWith(run func(context.Context, *app.Config) error) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the aggregator",
		Long: `Starts every enabled backend from the configuration document and serves
the merged tools, resources and prompts to a client.

Transports:
  stdio  one client on stdin/stdout (default). Logs go to stderr.
  sse    any number of clients on http://HOST:PORT/sse. The management API
         (/mcp_servers, /mcp_tools, /healthz) is served next to it.

The process shuts down on SIGINT, SIGTERM or, with stdio, when stdin is
closed. Pending calls are answered with a ShuttingDown error and every
backend subprocess is stopped before exit.

Examples:
  multimcp serve --config ./mcp.json
  multimcp serve --transport sse --port 8080 --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.toConfig()
			if err != nil {
				return err
			}
			cfg.Version = GetVersion()
			return run(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.transport, "transport", string(app.TransportStdio), "Client transport: stdio or sse (network-stream is an alias for sse)")
	f.StringVar(&opts.configPath, "config", app.DefaultConfigPath, "Path to the JSON or YAML configuration document")
	f.StringVar(&opts.host, "host", app.DefaultHost, "Host to listen on with the sse transport")
	f.IntVar(&opts.port, "port", app.DefaultPort, "Port to listen on with the sse transport")
	f.StringVar(&opts.logLevel, "log-level", "INFO", "Log level: DEBUG, INFO, WARNING, ERROR or CRITICAL")
	f.StringVar(&opts.logFormat, "log-format", string(logging.FormatText), "Log format: text or json")
	f.BoolVar(&opts.watch, "watch", false, "Reload the configuration document when it changes")
	f.DurationVar(&opts.callTimeout, "call-timeout", 0, "Default call timeout, overrides settings.callTimeout")

	return cmd
}

// toConfig validates the flags and builds the application config.
func (o *serveOptions) toConfig() (*app.Config, error) {
	transport, err := app.ParseTransport(o.transport)
	if err != nil {
		return nil, err
	}
	level, err := logging.ParseLevel(o.logLevel)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(o.logFormat)
	if err != nil {
		return nil, err
	}

	cfg := app.NewConfig()
	cfg.Transport = transport
	cfg.ConfigPath = o.configPath
	cfg.Host = o.host
	cfg.Port = o.port
	cfg.LogLevel = level
	cfg.LogFormat = format
	cfg.Watch = o.watch
	cfg.CallTimeout = o.callTimeout
	return cfg, cfg.Validate()
}

func runServe(ctx context.Context, cfg *app.Config) error {
	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return application.Run(ctx)
}
