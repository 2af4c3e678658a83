package httpapi

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/parley/messenger/internal/errs"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// respondJSON writes v as a JSON response with the given status.
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// respondError maps the error's kind to an HTTP status. Internal errors
// are logged and masked; the other kinds surface their message.
func respondError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)

	var status int
	switch kind {
	case errs.Unauthorized:
		status = http.StatusUnauthorized
	case errs.Forbidden:
		status = http.StatusForbidden
	case errs.InvalidInput:
		status = http.StatusBadRequest
	case errs.NotFound:
		status = http.StatusNotFound
	default:
		status = http.StatusInternalServerError
	}

	msg := err.Error()
	if kind == errs.Internal {
		log.Printf("httpapi: internal error: %v", err)
		msg = "internal error"
	}
	respondJSON(w, status, errorBody{Error: msg, Kind: kind.String()})
}
