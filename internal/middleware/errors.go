package middleware

import (
	"errors"
	"net/http"

	"brain2-uow/internal/repository"
	"brain2-uow/internal/uow"
	"brain2-uow/pkg/api"
	apperrors "brain2-uow/pkg/errors"
)

// StatusFor maps an engine or application error to an HTTP status.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case uow.IsConflict(err), apperrors.IsConflict(err):
		return http.StatusConflict
	case apperrors.IsRepeatable(err), apperrors.IsUnavailable(err):
		return http.StatusServiceUnavailable
	case apperrors.IsValidation(err):
		return http.StatusBadRequest
	case apperrors.IsNotFound(err), errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func codeFor(status int) string {
	switch status {
	case http.StatusConflict:
		return "CONFLICT"
	case http.StatusServiceUnavailable:
		return "REPEATABLE"
	case http.StatusBadRequest:
		return "VALIDATION"
	case http.StatusNotFound:
		return "NOT_FOUND"
	default:
		return "INTERNAL"
	}
}

// WriteError writes err as a JSON error response. Internal errors are not echoed.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "Internal server error"
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	api.WriteError(w, status, api.ErrorResponse{
		Error:     message,
		Code:      codeFor(status),
		RequestID: GetRequestID(r.Context()),
	})
}
