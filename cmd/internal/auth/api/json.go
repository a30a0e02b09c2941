package authapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"warden/cmd/identity"

	"go.uber.org/zap"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer func() { _ = r.Body.Close() }()

	body := http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	// Ensure there is no extra data after the first JSON value.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("extra data after JSON object")
	}
	return nil
}

// writeDomainError is the only place domain errors become status codes.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ae identity.AuthError
		pe identity.PermissionError
		ce identity.ConflictError
		oe identity.OpError
	)
	switch {
	case errors.As(err, &ae):
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, http.StatusUnauthorized, "unauthenticated", ae.Message())
	case errors.As(err, &pe):
		writeError(w, http.StatusForbidden, "forbidden", pe.Message())
	case errors.As(err, &ce):
		field := ce.Field
		if field == "" {
			field = "resource"
		}
		writeError(w, http.StatusConflict, "conflict", field+" already registered")
	case identity.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", "not found")
	case identity.IsTransient(err):
		h.log.Warn("http.unavailable", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "unavailable", "service temporarily unavailable")
	case identity.IsInvalidInput(err):
		msg := "invalid request"
		if errors.As(err, &oe) && oe.Msg != "" {
			msg = oe.Msg
		}
		writeError(w, http.StatusBadRequest, "invalid_request", msg)
	default:
		h.log.Error("http.internal", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}
