package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/giantswarm/multimcp/internal/api"
	"github.com/giantswarm/multimcp/internal/config"
	"github.com/giantswarm/multimcp/pkg/logging"
)

// BackendManager is the management API's view of the supervisor.
type BackendManager interface {
	Status() []api.BackendStatus
	Settings() config.Settings
	Add(ctx context.Context, descs ...config.BackendDescriptor) error
	Remove(ctx context.Context, name string) error
}

type catalogItem struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type backendCatalog struct {
	Tools             []catalogItem `json:"tools"`
	Resources         []catalogItem `json:"resources"`
	ResourceTemplates []catalogItem `json:"resourceTemplates"`
	Prompts           []catalogItem `json:"prompts"`
}

func (s *Server) mountAdmin(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /mcp_tools", s.handleListCatalog)
	if s.backends == nil {
		return
	}
	mux.HandleFunc("GET /mcp_servers", s.handleListBackends)
	mux.HandleFunc("POST /mcp_servers", s.handleAddBackends)
	mux.HandleFunc("DELETE /mcp_servers/{name}", s.handleRemoveBackend)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.closing.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"backends": len(s.registry.Snapshot().Backends()),
		"clients":  len(s.Clients()),
	})
}

// handleListCatalog serves the merged catalog grouped by backend.
func (s *Server) handleListCatalog(w http.ResponseWriter, _ *http.Request) {
	out := make(map[string]*backendCatalog)
	for backend, entries := range s.registry.Snapshot().ByBackend() {
		bc := &backendCatalog{
			Tools:             []catalogItem{},
			Resources:         []catalogItem{},
			ResourceTemplates: []catalogItem{},
			Prompts:           []catalogItem{},
		}
		for _, e := range entries {
			item := catalogItem{Name: e.Key, Description: e.Description}
			switch e.Kind {
			case api.CapabilityTool:
				bc.Tools = append(bc.Tools, item)
			case api.CapabilityResource:
				bc.Resources = append(bc.Resources, item)
			case api.CapabilityResourceTemplate:
				bc.ResourceTemplates = append(bc.ResourceTemplates, item)
			case api.CapabilityPrompt:
				bc.Prompts = append(bc.Prompts, item)
			}
		}
		out[backend] = bc
	}
	writeJSON(w, http.StatusOK, map[string]any{"backends": out})
}

func (s *Server) handleListBackends(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"servers":  s.backends.Status(),
		"clients":  s.Clients(),
		"inflight": s.router.Inflight(),
	})
}

// handleAddBackends accepts a configuration fragment and starts the
// backends it declares.
func (s *Server) handleAddBackends(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	descs, err := config.ParseBackends(body, s.backends.Settings())
	if err != nil {
		var cfgErr *config.ConfigError
		if errors.As(err, &cfgErr) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": cfgErr.DetailedError()})
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(descs) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no backends in request"})
		return
	}

	existing := make(map[string]bool)
	for _, st := range s.backends.Status() {
		existing[st.Name] = true
	}
	names := make([]string, 0, len(descs))
	for _, d := range descs {
		if existing[d.Name] {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "backend " + d.Name + " already exists"})
			return
		}
		names = append(names, d.Name)
	}

	if err := s.backends.Add(r.Context(), descs...); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	logging.Info("Server", "Added backends %v through the management API", names)
	writeJSON(w, http.StatusCreated, map[string]any{"added": names})
}

func (s *Server) handleRemoveBackend(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.backends.Remove(r.Context(), name); err != nil {
		if api.IsNotFound(err) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	logging.Info("Server", "Removed backend %s through the management API", name)
	writeJSON(w, http.StatusOK, map[string]string{"removed": name})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("Server", "Failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
