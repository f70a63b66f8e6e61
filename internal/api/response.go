package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/FrontDoor/internal/models"
)

// internalErrorBody is written when a response cannot be encoded.
var internalErrorBody = mustMarshal(models.Error("Internal server error"))

func mustMarshal(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic("api: marshal fallback response: " + err.Error())
	}
	return b
}

// writeJSONResponse encodes body before writing headers so an encoding
// failure can still turn into a 500.
func writeJSONResponse(w http.ResponseWriter, status int, body interface{}) {
	data, err := json.Marshal(body)
	if err != nil {
		slog.Error("Server.writeJSONResponse: marshal failed", "status", status, "error", err)
		data, status = internalErrorBody, http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.Warn("Server.writeJSONResponse: write failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSONResponse(w, status, models.Error(message))
}
