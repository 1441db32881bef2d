package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/dorklabs/dorkos/internal/dorkerr"
)

type adaptersHandler struct {
	deps Deps
}

func (h *adaptersHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/adapters", h.guard(h.list))
	mux.HandleFunc("POST /api/adapters", h.guard(h.add))
	mux.HandleFunc("GET /api/adapters/{id}", h.guard(h.get))
	mux.HandleFunc("DELETE /api/adapters/{id}", h.guard(h.remove))
}

func (h *adaptersHandler) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireFeature(w, h.deps.Config.Features().Relay && h.deps.Adapters != nil, "relay") {
			return
		}
		next(w, r)
	}
}

func (h *adaptersHandler) list(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"adapters": h.deps.Adapters.List()})
}

func (h *adaptersHandler) add(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type   string          `json:"type"`
		ID     string          `json:"id"`
		Config json.RawMessage `json:"config,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Type == "" || body.ID == "" {
		writeError(w, dorkerr.New(dorkerr.CodeInvalidInput, "type and id are required"))
		return
	}
	a, err := h.deps.Adapters.Add(r.Context(), body.Type, body.ID, body.Config)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a.Status())
}

func (h *adaptersHandler) get(w http.ResponseWriter, r *http.Request) {
	st, err := h.deps.Adapters.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *adaptersHandler) remove(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Adapters.Remove(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
