// Package api implements the HTTP REST surface of the Testflinger server.
// It uses Chi as the router and exposes all resources under /v1. The wire
// shapes are fixed by the agent and CLI clients that parse them, so handlers
// write payloads directly instead of wrapping them in an envelope; errors
// carry a single human-readable "message" field.
package api

import (
	"encoding/json"
	"net/http"
)

// JSON writes a JSON-encoded response with the given status code.
// It sets Content-Type to application/json automatically.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 OK JSON response.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, payload)
}

// Text writes a plain-text response. The position endpoint and the legacy
// output endpoints are text, not JSON.
func Text(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// NoContent writes a 204 No Content response with no body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// errorResponse is the body of every error response.
type errorResponse struct {
	Message string `json:"message"`
}

// errJSON writes a JSON error response with the given status and message.
func errJSON(w http.ResponseWriter, status int, message string) {
	JSON(w, status, errorResponse{Message: message})
}

// ErrBadRequest writes a 400 Bad Request error response.
func ErrBadRequest(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, message)
}

// ErrUnauthorized writes a 401 Unauthorized error response.
func ErrUnauthorized(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusUnauthorized, message)
}

// ErrForbidden writes a 403 Forbidden error response.
func ErrForbidden(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusForbidden, message)
}

// ErrNotFound writes a 404 Not Found error response.
func ErrNotFound(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusNotFound, message)
}

// ErrGone writes a 410 Gone error response. Used by the position endpoint
// when a job has left the waiting state.
func ErrGone(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusGone, message)
}

// ErrUnprocessable writes a 422 Unprocessable Entity error response.
// Used when the request is well-formed but fails business validation.
func ErrUnprocessable(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusUnprocessableEntity, message)
}

// ErrTooLarge writes a 413 Payload Too Large error response.
func ErrTooLarge(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusRequestEntityTooLarge, message)
}

// ErrGatewayTimeout writes a 504 Gateway Timeout error response. Used when a
// job's status webhook does not answer in time.
func ErrGatewayTimeout(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusGatewayTimeout, message)
}

// ErrInternal writes a 500 Internal Server Error response.
// The internal error detail is intentionally not exposed to the client.
func ErrInternal(w http.ResponseWriter) {
	errJSON(w, http.StatusInternalServerError, "an internal error occurred")
}

// decodeJSON decodes the request body into dst. Returns false and writes an
// appropriate error response if decoding fails, so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		ErrBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}
