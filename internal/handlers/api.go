// Package handlers is the HTTP surface: the source listing, the SSE line
// stream, the clear-log operation, and health.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tailview/tailview/internal/hub"
	"github.com/tailview/tailview/internal/logging"
	"github.com/tailview/tailview/internal/registry"
	"github.com/tailview/tailview/internal/sshpool"
)

// API bundles the engine components the handlers serve from.
type API struct {
	Hub      *hub.Hub
	Registry *registry.Registry
	Pool     *sshpool.Pool
}

// Routes mounts the API under /api.
func (a *API) Routes(r chi.Router) {
	r.Get("/api/files", a.ListFiles)
	r.Get("/api/logs/stream", a.StreamSource)
	r.Post("/api/logs/clear", a.ClearLog)
	r.Get("/api/logs/engine", a.EngineLog)
	r.Get("/api/health", a.Health)
}

// EngineLog returns the tail of the engine's own log file.
func (a *API) EngineLog(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if v := r.URL.Query().Get("lines"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			lines = n
		}
	}
	tail, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"log": tail})
}

// ListFiles returns every configured and discovered source.
func (a *API) ListFiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sources": a.Registry.Sources(),
	})
}

// Health reports liveness with pool and source-table stats.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	total, active := a.Registry.Stats()
	resp := map[string]interface{}{
		"status": "ok",
		"sources": map[string]int{
			"total":  total,
			"active": active,
		},
		"subscribers": a.Hub.Stats(),
	}
	if a.Pool != nil {
		resp["pool"] = a.Pool.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}
