package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/adapter"
	"github.com/koriley/switchboard/internal/vault"
)

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeError renders a neutral error in the generic {"error": {...}}
// body shape used by the admin API and by routes where no client
// dialect is known yet.
func writeError(w http.ResponseWriter, e *relay.Error) {
	writeJSON(w, e.HTTPStatus(), map[string]any{
		"error": map[string]any{"message": e.Message, "type": string(e.Kind)},
	})
}

// writeJSONError is writeError for statuses outside the neutral kind
// set (503 while the service is paused).
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"message": msg, "type": "unavailable"},
	})
}

// writeDialectError renders a neutral error in the given dialect's own
// error body shape, for clients that chose that dialect.
func writeDialectError(w http.ResponseWriter, a adapter.Adapter, e *relay.Error) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(e.HTTPStatus())
	w.Write(a.BuildError(e))
}

// decodeBody decodes a JSON request body into v, mapping failures to a
// validation error.
func decodeBody(r *http.Request, v any) *relay.Error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return relay.Errorf(relay.KindValidation, "invalid request body: %v", err)
	}
	return nil
}

func verifyMaster(hash, password string) bool {
	if password == "" {
		return false
	}
	return vault.VerifyPassword(hash, password)
}
