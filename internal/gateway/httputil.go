package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/dorklabs/dorkos/internal/dorkerr"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := dorkerr.CodeOf(err)
	writeJSON(w, dorkerr.HTTPStatus(code), errorBody{Error: err.Error(), Code: code})
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return dorkerr.Newf(dorkerr.CodeInvalidInput, "invalid request body: %v", err)
	}
	return nil
}
