package middleware

import (
	"net/http"
	"runtime/debug"

	"brain2-uow/pkg/api"

	"go.uber.org/zap"
)

// Recovery middleware handles panics and converts them to proper HTTP error responses
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					requestID := GetRequestID(r.Context())
					logger.Error("Panic while handling request",
						zap.String("request_id", requestID),
						zap.Any("panic", rec),
						zap.ByteString("stack", debug.Stack()),
					)

					// A partially written response cannot be replaced.
					if w.Header().Get("Content-Type") == "" {
						api.WriteError(w, http.StatusInternalServerError, api.ErrorResponse{
							Error:     "Internal server error",
							RequestID: requestID,
						})
					}
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
