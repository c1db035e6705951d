package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/rpattn/evalsandbox/internal/domain"
)

// retryAfterSeconds is advertised on retryable allocation failures.
const retryAfterSeconds = 1

type errorResponse struct {
	Error     string               `json:"error"`
	Issues    []domain.SchemaIssue `json:"issues,omitempty"`
	Retryable bool                 `json:"retryable,omitempty"`
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		schemaErr *domain.SchemaError
		allocErr  *domain.AllocationError
	)
	switch {
	case errors.As(err, &schemaErr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &allocErr):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrRunNotReady),
		errors.Is(err, domain.ErrRunAlreadyEvaluated),
		errors.Is(err, domain.ErrEnvironmentNotActive):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	response := errorResponse{Error: err.Error()}

	var schemaErr *domain.SchemaError
	if errors.As(err, &schemaErr) {
		response.Issues = schemaErr.Issues
	}
	var allocErr *domain.AllocationError
	if errors.As(err, &allocErr) && allocErr.Retryable {
		response.Retryable = true
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}

	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, response)
}
