// Package handlers provides HTTP handlers for the knowledge API.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Pagination bounds for list endpoints.
const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// writeError writes a JSON error response. The message is duplicated under
// the error and message keys; detail carries the underlying cause when set.
func writeError(w http.ResponseWriter, status int, message, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := map[string]string{
		"error":   message,
		"message": message,
	}
	if detail != "" {
		resp["detail"] = detail
	}
	json.NewEncoder(w).Encode(resp)
}

// writeJSON writes v as the JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// listParams reads the skip and limit query parameters, clamping them to
// the ranges the API allows.
func listParams(r *http.Request) (skip, limit int) {
	skip = intQuery(r, "skip", 0)
	if skip < 0 {
		skip = 0
	}
	limit = intQuery(r, "limit", defaultListLimit)
	if limit < 1 {
		limit = 1
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return skip, limit
}

func intQuery(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
