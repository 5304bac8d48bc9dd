package api

import (
	"encoding/json"
	"net/http"

	"github.com/nugget/joi-mesh/internal/meshauth"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError mirrors meshauth's auth-failure envelope so application-
// level errors and signed-auth errors share one shape on the wire.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, meshauth.ErrorEnvelope{
		Status: "error",
		Error:  meshauth.ErrorDetail{Code: code, Message: message},
	})
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}
