package api

import (
	"encoding/json"
	"net/http"
)

// envelope is the top-level shape of every JSON response body.
type envelope map[string]any

// JSON writes payload as a JSON body with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 response with payload wrapped as {"data": payload}.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, envelope{"data": payload})
}

// Created writes a 201 response with payload wrapped as {"data": payload}.
func Created(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusCreated, envelope{"data": payload})
}

// NoContent writes a 204 response with no body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// errorResponse is the shape of the "error" field on every error response
// (spec §6: "Error responses are {error: string | object}").
type errorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func errJSON(w http.ResponseWriter, status int, message, code string) {
	JSON(w, status, envelope{"error": errorResponse{Message: message, Code: code}})
}

// ErrBadRequest writes a 400 with the given detail message.
func ErrBadRequest(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, message, "bad_request")
}

// ErrForbidden writes a 403 with the given detail message (spec §4.5:
// path-escape attempts against a browse root).
func ErrForbidden(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusForbidden, message, "forbidden")
}

// ErrNotFound writes a 404.
func ErrNotFound(w http.ResponseWriter) {
	errJSON(w, http.StatusNotFound, "not found", "not_found")
}

// ErrConflict writes a 409 with the given detail message (spec §7
// "Conflict": job already running, duplicate registration, unique-path
// collision).
func ErrConflict(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusConflict, message, "conflict")
}

// ErrUnprocessable writes a 422 with the given detail message (spec §7
// "Precondition": backup root unset, path missing on remote, deploy failure).
func ErrUnprocessable(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusUnprocessableEntity, message, "unprocessable")
}

// ErrUnavailable writes a 503 with the given detail message (spec §6:
// "503 if not connected").
func ErrUnavailable(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusServiceUnavailable, message, "unavailable")
}

// ErrInternal writes a generic 500, never leaking internal error detail.
func ErrInternal(w http.ResponseWriter) {
	errJSON(w, http.StatusInternalServerError, "internal server error", "internal")
}

// decodeJSON decodes r's body into dst, rejecting unknown fields and bodies
// over 1MiB. Writes a 400 and returns false on any decode failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		ErrBadRequest(w, "malformed request body: "+err.Error())
		return false
	}
	return true
}
