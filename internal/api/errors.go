package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go2tv.app/castkeeper/internal/domain"
)

type errorBody struct {
	Error *domain.ToolError `json:"error"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrUnsupportedProtocol):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrConflictingAssignment), errors.Is(err, domain.ErrNoActiveAssignment):
		return http.StatusConflict
	case errors.Is(err, domain.ErrDeviceUnreachable), errors.Is(err, domain.ErrTransientNetwork):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrResourceExhausted), errors.Is(err, domain.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	var tErr *domain.ToolError
	if !errors.As(err, &tErr) || tErr == nil {
		tErr = &domain.ToolError{Code: domain.Code(err), Message: err.Error()}
	}
	writeJSON(w, statusFor(err), errorBody{Error: tErr})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
