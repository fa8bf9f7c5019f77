// Coweave
// Copyright (C) 2025 Coweave, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package web

import (
	"log/slog"
	"net/http"

	"github.com/gravitational/trace"
	jsoniter "github.com/json-iterator/go"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	coweave "github.com/coweave/coweave"
	"github.com/coweave/coweave/lib/collab"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DiagConfig configures the diagnostics endpoint.
type DiagConfig struct {
	// Registry supplies the stats and listings being served.
	Registry *collab.Registry
	// Logger emits handler diagnostics.
	Logger *slog.Logger
}

// DiagHandler serves the operator-facing surface: health probes,
// prometheus metrics and the document inspector. It binds to a
// separate listener so it never shares a port with client traffic.
type DiagHandler struct {
	cfg    DiagConfig
	log    *slog.Logger
	router *httprouter.Router
}

// NewDiagHandler returns the diagnostics handler.
func NewDiagHandler(cfg DiagConfig) (*DiagHandler, error) {
	if cfg.Registry == nil {
		return nil, trace.BadParameter("missing parameter Registry")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.With(coweave.ComponentKey, coweave.ComponentWeb)
	}
	h := &DiagHandler{
		cfg: cfg,
		log: cfg.Logger,
	}
	router := httprouter.New()
	router.GET("/healthz", h.health)
	router.GET("/readyz", h.ready)
	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	router.GET("/v1/stats", h.stats)
	router.GET("/v1/documents", h.listDocuments)
	router.GET("/v1/documents/:id", h.documentInfo)
	router.DELETE("/v1/documents/:id", h.removeDocument)
	h.router = router
	return h, nil
}

// ServeHTTP implements http.Handler.
func (h *DiagHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *DiagHandler) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *DiagHandler) ready(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	// Readiness and liveness coincide: the process either serves
	// upgrades or it is gone. The split probe exists for deployments
	// that wire the two separately.
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *DiagHandler) stats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	h.writeJSON(w, http.StatusOK, h.cfg.Registry.Stats())
}

func (h *DiagHandler) listDocuments(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	h.writeJSON(w, http.StatusOK, h.cfg.Registry.List())
}

func (h *DiagHandler) documentInfo(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	info, err := h.cfg.Registry.Info(params.ByName("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, info)
}

func (h *DiagHandler) removeDocument(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if err := h.cfg.Registry.ForceRemove(params.ByName("id")); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (h *DiagHandler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.log.Warn("Failed to encode diagnostics response", "error", err)
	}
}

// writeError maps registry failures onto the inspector's status codes:
// unknown documents are 404, removal of a live document is 409.
func (h *DiagHandler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case trace.IsNotFound(err):
		status = http.StatusNotFound
	case trace.IsCompareFailed(err):
		status = http.StatusConflict
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}
