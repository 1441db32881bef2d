package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/dorklabs/dorkos/internal/dorkerr"
)

type configHandler struct {
	deps Deps
}

func (h *configHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/config", h.get)
	mux.HandleFunc("PATCH /api/config", h.patch)
}

func (h *configHandler) get(w http.ResponseWriter, _ *http.Request) {
	data, err := h.deps.Config.Snapshot()
	if err != nil {
		writeError(w, dorkerr.Wrap(dorkerr.CodeInternal, err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// patch merges top-level keys into the live config and persists the file.
func (h *configHandler) patch(w http.ResponseWriter, r *http.Request) {
	var patch map[string]json.RawMessage
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	if err := h.deps.Config.Patch(h.deps.ConfigPath, patch); err != nil {
		writeError(w, dorkerr.Wrap(dorkerr.CodeInvalidInput, err))
		return
	}
	h.get(w, r)
}
