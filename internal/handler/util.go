// Package handler provides HTTP handlers for the API.
package handler

import (
	"encoding/json"
	"net/http"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeInsufficientCredits writes the user-facing rejection for a round that
// cannot start: plain language plus an upgrade call-to-action, never a raw
// error code.
func writeInsufficientCredits(w http.ResponseWriter) {
	writeJSON(w, http.StatusPaymentRequired, map[string]string{
		"error":   "insufficient_credits",
		"message": "You've used up your included credits. Upgrade your plan to keep the conversation going.",
		"action":  "upgrade",
	})
}
