// Package api serves the REST surface and the WebSocket event stream.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	autoerrors "github.com/halverson/autodev/internal/errors"
	"github.com/halverson/autodev/internal/forge"
	"github.com/halverson/autodev/internal/ingress"
)

// APIError is the standard error response body.
type APIError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
	Fix   string `json:"fix,omitempty"`
}

// JSONResponse writes a successful JSON response.
func JSONResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

// JSONResponseStatus writes a JSON response with a specific status code.
func JSONResponseStatus(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// JSONError writes a plain error response.
func JSONError(w http.ResponseWriter, message string, status int) {
	JSONResponseStatus(w, APIError{Error: message}, status)
}

// HandleError maps an error onto the wire: structured errors carry their
// own status, known sentinels get client statuses, the rest are 500s.
func HandleError(w http.ResponseWriter, err error) {
	var ae *autoerrors.Error
	if errors.As(err, &ae) {
		JSONResponseStatus(w, APIError{
			Error: ae.What,
			Code:  string(ae.Code),
			Fix:   ae.Fix,
		}, ae.HTTPStatus())
		return
	}
	switch {
	case errors.Is(err, ingress.ErrBadEvent):
		JSONError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, forge.ErrNotFound), errors.Is(err, forge.ErrNoPRFound):
		JSONError(w, err.Error(), http.StatusNotFound)
	default:
		JSONError(w, err.Error(), http.StatusInternalServerError)
	}
}

// NoContent writes a 204 No Content response.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
