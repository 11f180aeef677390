package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/modelvault/authcore/pkg/errs"
)

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteErrorMessage writes a JSON error response with a custom message
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// WriteSuccess writes a successful response (200 OK) with JSON data
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteCreated writes a successful creation response (201 Created) with JSON data
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteNoContent writes a successful response with no content (204 No Content)
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// WriteBadRequest writes a bad request error (400)
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusBadRequest, message)
}

// WriteUnauthorized writes an unauthorized error (401)
func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusUnauthorized, message)
}

// WriteForbidden writes a forbidden error (403)
func WriteForbidden(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusForbidden, message)
}

// WriteNotFound writes a not found error (404)
func WriteNotFound(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusNotFound, message)
}

// WriteConflict writes a conflict error (409)
func WriteConflict(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusConflict, message)
}

// WriteInternalError writes an internal server error response (500)
func WriteInternalError(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusInternalServerError, message)
}

// StatusFor maps a sentinel from pkg/errs to its HTTP status code. Unknown
// errors map to 500 so store and cache failures surface as retryable.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrBadInput):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errs.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, errs.ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// boundaryMessages are the fixed texts returned at the HTTP boundary. They
// never echo internal error detail; the concrete error is the caller's to log.
var boundaryMessages = map[int]string{
	http.StatusBadRequest:          "malformed request",
	http.StatusUnauthorized:        "token is invalid, please re-login",
	http.StatusForbidden:           "you do not have sufficient rights to access the url",
	http.StatusNotFound:            "entity does not exist",
	http.StatusConflict:            "entity already exists",
	http.StatusBadGateway:          "identity provider request has failed",
	http.StatusInternalServerError: "operation has failed, please retry",
}

// WriteTaxonomyError classifies err through StatusFor and writes the generic
// boundary message for its class.
func WriteTaxonomyError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	WriteErrorMessage(w, status, boundaryMessages[status])
}
