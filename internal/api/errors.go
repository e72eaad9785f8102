package api

import (
	"encoding/json"
	"net/http"
)

// apiError is the structured error body returned by every endpoint.
type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string, details interface{}) {
	writeJSON(w, status, apiError{Code: code, Message: message, Details: details})
}

func invalidInput(w http.ResponseWriter, message string, details interface{}) {
	writeError(w, http.StatusBadRequest, "InvalidInput", message, details)
}

func notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "NotFound", "resource not found", nil)
}

func forbidden(w http.ResponseWriter) {
	writeError(w, http.StatusForbidden, "Forbidden", "insufficient permissions", nil)
}

func conflict(w http.ResponseWriter, message string) {
	writeError(w, http.StatusConflict, "Conflict", message, nil)
}

// internalError deliberately carries no detail to the client.
func internalError(w http.ResponseWriter) {
	writeError(w, http.StatusInternalServerError, "Internal", "internal error", nil)
}
