package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/dorklabs/dorkos/internal/manifest"
	"github.com/dorklabs/dorkos/internal/mesh"
)

type meshHandler struct {
	deps Deps
}

func (h *meshHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/agents", h.guard(h.list))
	mux.HandleFunc("POST /api/agents", h.guard(h.register))
	mux.HandleFunc("PATCH /api/agents/{id}", h.guard(h.update))
	mux.HandleFunc("DELETE /api/agents/{id}", h.guard(h.unregister))
	mux.HandleFunc("POST /api/agents/resolve", h.guard(h.resolve))
	mux.HandleFunc("POST /api/agents/discover", h.guard(h.discover))
	mux.HandleFunc("GET /api/agents/denied", h.guard(h.listDenied))
	mux.HandleFunc("POST /api/agents/deny", h.guard(h.deny))
	mux.HandleFunc("POST /api/agents/allow", h.guard(h.allow))
}

func (h *meshHandler) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireFeature(w, h.deps.Config.Features().Mesh && h.deps.Registry != nil, "mesh") {
			return
		}
		next(w, r)
	}
}

func (h *meshHandler) list(w http.ResponseWriter, r *http.Request) {
	f := mesh.ListFilter{
		Runtime:    manifest.Runtime(r.URL.Query().Get("runtime")),
		Capability: r.URL.Query().Get("capability"),
	}
	agents := h.deps.Registry.List(f)
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (h *meshHandler) register(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path      string                 `json:"path"`
		Overrides mesh.RegisterOverrides `json:"overrides"`
		Approver  string                 `json:"approver,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	m, err := h.deps.Registry.Register(body.Path, body.Overrides, body.Approver)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *meshHandler) update(w http.ResponseWriter, r *http.Request) {
	var patch map[string]json.RawMessage
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	m, err := h.deps.Registry.Update(r.PathValue("id"), patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *meshHandler) unregister(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Registry.Unregister(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *meshHandler) resolve(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Paths []string `json:"paths"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": h.deps.Registry.Resolve(body.Paths)})
}

func (h *meshHandler) discover(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Roots    []string `json:"roots"`
		MaxDepth int      `json:"maxDepth,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": h.deps.Registry.Discover(body.Roots, body.MaxDepth)})
}

func (h *meshHandler) listDenied(w http.ResponseWriter, _ *http.Request) {
	denied, err := h.deps.Registry.ListDenied()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"denied": denied})
}

func (h *meshHandler) deny(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path   string `json:"path"`
		Reason string `json:"reason,omitempty"`
		By     string `json:"by,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := h.deps.Registry.Deny(body.Path, body.Reason, body.By); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *meshHandler) allow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path string `json:"path"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := h.deps.Registry.Allow(body.Path); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
