package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/njoerd114/calsync/internal/errs"
)

var errDisabled = errors.New("google integration disabled")

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusFor maps the error taxonomy to an HTTP status and a stable code.
func statusFor(err error) (int, string) {
	var apiErr *errs.RemoteAPIError
	switch {
	case errors.Is(err, errs.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, errs.ErrCredentialMissing):
		return http.StatusConflict, "not_connected"
	case errs.IsTokenRefresh(err):
		return http.StatusConflict, "reconnect_required"
	case errors.Is(err, errs.ErrAlreadyExists):
		return http.StatusConflict, "conflict"
	case errors.Is(err, errDisabled):
		return http.StatusServiceUnavailable, "disabled"
	case errors.As(err, &apiErr):
		return http.StatusBadGateway, "remote_error"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "path", r.URL.Path, "error", err)
		msg = "internal error"
	} else {
		s.log.Debug("request rejected", "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
