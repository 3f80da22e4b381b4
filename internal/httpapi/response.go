package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/BrandonDHaskell/vguard/internal/vguard/lock"
	"github.com/BrandonDHaskell/vguard/internal/vguard/service"
	"github.com/BrandonDHaskell/vguard/internal/vguard/store"
)

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{Error: code, Message: message})
}

// decodeJSON strictly decodes the body into dst.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// writeServiceError maps service and store errors to HTTP statuses. Anything
// unrecognised is logged and reported as a 500.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, service.ErrNoCredential):
		writeError(w, http.StatusNotFound, "no_credential", err.Error())
	case errors.Is(err, service.ErrInvalidStatus):
		writeError(w, http.StatusConflict, "invalid_status", err.Error())
	case errors.Is(err, store.ErrExists):
		writeError(w, http.StatusConflict, "exists", err.Error())
	case errors.Is(err, store.ErrConflict), errors.Is(err, lock.ErrLocked):
		writeError(w, http.StatusConflict, "conflict", "visit is being updated, retry")
	default:
		s.logger.ErrorContext(r.Context(), "request failed", "operation", op, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
	}
}
