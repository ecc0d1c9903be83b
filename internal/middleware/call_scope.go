package middleware

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"brain2-uow/internal/uow"

	"go.uber.org/zap"
)

// CallScope opens a uow.CallScope per request and runs the handler through the Binder.
// The handler's response is buffered: when the call-scoped commit fails, the buffered
// response is replaced by an error response, otherwise it is sent as written.
type CallScope struct {
	registry *uow.Registry
	binder   *uow.Binder
	logger   *zap.Logger
}

// NewCallScope creates the middleware.
func NewCallScope(registry *uow.Registry, binder *uow.Binder, logger *zap.Logger) *CallScope {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CallScope{registry: registry, binder: binder, logger: logger}
}

// handlerStatusError marks a handler that already answered with an error status; the
// binder then discards the scope's handle without committing.
type handlerStatusError struct {
	status int
}

func (e *handlerStatusError) Error() string {
	return fmt.Sprintf("handler responded with status %d", e.status)
}

// Handler wraps next.
func (m *CallScope) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope := uow.NewCallScope(m.registry, m.logger)
		defer func() {
			if err := scope.Close(); err != nil {
				m.logger.Warn("Failed to close call scope",
					zap.String("scope", scope.ID()),
					zap.Error(err),
				)
			}
		}()

		ctx := uow.WithCallScope(r.Context(), scope)
		buf := newBufferedResponse()
		inv := uow.Invocation{Method: r.Method + " " + r.URL.Path, Scope: scope}

		ret := m.binder.Invoke(ctx, inv, func(ctx context.Context, inv uow.Invocation) uow.Return {
			next.ServeHTTP(buf, r.WithContext(ctx))
			if buf.status >= http.StatusBadRequest {
				return uow.SyncReturn(nil, &handlerStatusError{status: buf.status})
			}
			return uow.SyncReturn(nil, nil)
		})

		if _, handlerFailed := ret.Err.(*handlerStatusError); ret.Err != nil && !handlerFailed {
			m.logger.Warn("Call-scoped commit failed",
				zap.String("request_id", GetRequestID(r.Context())),
				zap.String("method", inv.Method),
				zap.Error(ret.Err),
			)
			WriteError(w, r, ret.Err)
			return
		}
		buf.flushTo(w)
	})
}

type bufferedResponse struct {
	header      http.Header
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: make(http.Header), status: http.StatusOK}
}

func (b *bufferedResponse) Header() http.Header {
	return b.header
}

func (b *bufferedResponse) WriteHeader(status int) {
	if b.wroteHeader {
		return
	}
	b.wroteHeader = true
	b.status = status
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	b.wroteHeader = true
	return b.body.Write(p)
}

func (b *bufferedResponse) flushTo(w http.ResponseWriter) {
	for key, values := range b.header {
		w.Header()[key] = values
	}
	w.WriteHeader(b.status)
	w.Write(b.body.Bytes())
}
