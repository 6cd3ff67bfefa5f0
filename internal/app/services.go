package app

import (
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/giantswarm/multimcp/internal/aggregator"
	"github.com/giantswarm/multimcp/internal/config"
	"github.com/giantswarm/multimcp/internal/orchestrator"
)

// Services holds the wired components of a running aggregator.
//
// The Registry is shared by everything. The Router resolves client calls
// against it, the Supervisor keeps it in sync with backend sessions, and
// the Server runs client sessions on top of the Router.
type Services struct {
	Registry   *aggregator.Registry
	Router     *aggregator.Router
	Supervisor *orchestrator.Supervisor
	Server     *aggregator.Server
}

// InitializeServices wires the components for a loaded document.
func InitializeServices(cfg *Config, doc *config.Document) *Services {
	settings := doc.Settings
	info := mcp.Implementation{Name: "multimcp", Version: cfg.Version}

	registry := aggregator.NewRegistry(settings.NamespaceSeparator)

	var supervisor *orchestrator.Supervisor
	router := aggregator.NewRouter(aggregator.RouterConfig{
		Registry:    registry,
		CallTimeout: settings.CallTimeout,
		BackendTimeout: func(backend string) time.Duration {
			return supervisor.Timeout(backend)
		},
		ServerInfo: info,
	})
	supervisor = orchestrator.NewSupervisor(orchestrator.Config{
		Settings:   settings,
		Registry:   registry,
		Router:     router,
		ClientInfo: info,
	})

	server := aggregator.NewServer(aggregator.ServerConfig{
		Registry: registry,
		Router:   router,
		Backends: supervisor,
	})

	return &Services{
		Registry:   registry,
		Router:     router,
		Supervisor: supervisor,
		Server:     server,
	}
}
