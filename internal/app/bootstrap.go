package app

import (
	"context"
	"fmt"
	"os"

	"github.com/giantswarm/multimcp/internal/config"
	"github.com/giantswarm/multimcp/pkg/logging"
)

// Application is a configured aggregator ready to run.
//
// Construction and execution are separate:
//  1. NewApplication sets up logging, loads and validates the configuration
//     document and wires the services. Nothing is started.
//  2. Run starts the backends, serves clients and shuts down in order.
type Application struct {
	config   *Config
	document *config.Document
	services *Services
}

// NewApplication bootstraps an application. An invalid document is returned
// as a *config.ConfigError before any backend is started.
func NewApplication(cfg *Config) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logOutput := cfg.LogOutput
	if logOutput == nil {
		logOutput = os.Stderr
	}
	logging.Init(cfg.LogLevel, cfg.LogFormat, logOutput)

	doc, err := config.Load(cfg.ConfigPath)
	if err != nil {
		logging.Error("Bootstrap", err, "Failed to load configuration from %s", cfg.ConfigPath)
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	applyOverrides(cfg, doc)

	return &Application{
		config:   cfg,
		document: doc,
		services: InitializeServices(cfg, doc),
	}, nil
}

// Services exposes the wired components.
func (a *Application) Services() *Services { return a.services }

// Run serves until ctx is cancelled, SIGINT or SIGTERM arrives, or the
// client transport ends. See serve for the shutdown sequence.
func (a *Application) Run(ctx context.Context) error {
	return a.serve(ctx)
}

// applyOverrides puts command line settings over the document's.
func applyOverrides(cfg *Config, doc *config.Document) {
	if cfg.CallTimeout > 0 {
		doc.Settings.CallTimeout = cfg.CallTimeout
	}
}
