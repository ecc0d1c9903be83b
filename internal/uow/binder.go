package uow

import (
	"context"

	apperrors "brain2-uow/pkg/errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Invocation describes the intercepted call.
type Invocation struct {
	Method string
	Args   []any
	Scope  *CallScope
}

// Return is what an intercepted call produced: either a value and error, or a Future.
type Return struct {
	Value  any
	Err    error
	Future *Future[any]
}

// SyncReturn wraps a completed result.
func SyncReturn(v any, err error) Return {
	return Return{Value: v, Err: err}
}

// AsyncReturn wraps a pending result.
func AsyncReturn(f *Future[any]) Return {
	return Return{Future: f}
}

// IsAsync reports whether the result is still pending.
func (r Return) IsAsync() bool {
	return r.Future != nil
}

// Await returns the final value and error, waiting for an asynchronous result.
func (r Return) Await(ctx context.Context) (any, error) {
	if r.IsAsync() {
		return r.Future.Await(ctx)
	}
	return r.Value, r.Err
}

// NextFunc invokes the next stage of the interception pipeline.
type NextFunc func(ctx context.Context, inv Invocation) Return

// Binder ties a call-scoped store handle to one intercepted call. When the call succeeds
// the handle bound in the invocation's scope is committed; whatever happens it is then
// unbound and released, so the scope never hands out a stale handle.
//
// A failed commit turns a successful call into a failed one.
type Binder struct {
	resolveName string
	transient   TransientFunc
	logger      *zap.Logger
	metrics     Metrics
	tracer      trace.Tracer
}

// NewBinder creates a Binder for the handle registered under resolveName.
func NewBinder(resolveName string, opts ...Option) *Binder {
	o := buildOptions(opts)
	transient := o.transient
	if transient == nil {
		transient = apperrors.IsTransient
	}
	return &Binder{
		resolveName: resolveName,
		transient:   transient,
		logger:      o.logger,
		metrics:     o.metrics,
		tracer:      otel.Tracer(tracerName),
	}
}

// Invoke runs next and post-processes its result. Nothing is acquired beforehand: the
// target resolves its handle lazily through inv.Scope.
func (b *Binder) Invoke(ctx context.Context, inv Invocation, next NextFunc) Return {
	ret := next(ctx, inv)
	if ret.IsAsync() {
		return AsyncReturn(b.Continuation(ctx, inv, ret.Future))
	}
	return b.PostInvoke(ctx, inv, ret)
}

// PostInvoke handles a completed result. A failed call is returned untouched and its
// handle is discarded without commit.
func (b *Binder) PostInvoke(ctx context.Context, inv Invocation, ret Return) Return {
	if ret.Err != nil {
		b.discard(inv)
		return ret
	}
	if err := b.commitAndUnbind(ctx, inv, func(ctx context.Context, h StoreHandle) error {
		return h.Commit(ctx)
	}); err != nil {
		return SyncReturn(nil, err)
	}
	return ret
}

// Continuation waits for a pending result and then behaves like PostInvoke, without
// blocking the caller. The handle stays bound until the pending operation has finished.
func (b *Binder) Continuation(ctx context.Context, inv Invocation, pending *Future[any]) *Future[any] {
	return Go(func() (any, error) {
		v, err := pending.Result()
		if err != nil {
			b.discard(inv)
			return v, err
		}
		if err := b.commitAndUnbind(ctx, inv, func(ctx context.Context, h StoreHandle) error {
			f := h.CommitAsync(ctx)
			if f == nil {
				return errNilFuture
			}
			_, err := f.Result()
			return err
		}); err != nil {
			return nil, err
		}
		return v, nil
	})
}

func (b *Binder) commitAndUnbind(ctx context.Context, inv Invocation, commit func(context.Context, StoreHandle) error) error {
	if inv.Scope == nil {
		return nil
	}
	key := StoreKey(b.resolveName)
	handle, ok := inv.Scope.Lookup(key)
	if !ok {
		return nil
	}
	defer b.unbind(inv, key)

	ctx, span := b.tracer.Start(ctx, "uow.Binder.PostInvoke",
		trace.WithAttributes(
			attribute.String("uow.method", inv.Method),
			attribute.String("uow.binding", key.String()),
			attribute.String("uow.scope_id", inv.Scope.ID()),
		),
	)
	defer span.End()

	err := commit(ctx, handle)
	if err == nil {
		b.metrics.IncBinderCommit(OutcomeSucceeded)
		return nil
	}

	err = b.classify(inv.Method, err)
	outcome := outcomeOf(err)
	b.metrics.IncBinderCommit(outcome)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	b.logger.Error("Commit of call-scoped store handle failed",
		zap.String("method", inv.Method),
		zap.String("scope_id", inv.Scope.ID()),
		zap.String("outcome", outcome),
		zap.Error(err),
	)
	return err
}

func (b *Binder) classify(method string, err error) error {
	err = apperrors.UnwrapSingle(err)
	if apperrors.IsCompound(err) || isRepeatable(err) || IsConflict(err) {
		return err
	}
	if b.transient(err) {
		return apperrors.NewRepeatable(method, err)
	}
	return err
}

// discard unbinds and releases the handle of a failed call.
func (b *Binder) discard(inv Invocation) {
	if inv.Scope == nil {
		return
	}
	b.unbind(inv, StoreKey(b.resolveName))
}

func (b *Binder) unbind(inv Invocation, key BindingKey) {
	handle, ok := inv.Scope.Unbind(key)
	if !ok {
		return
	}
	if err := handle.Release(); err != nil {
		b.logger.Warn("Failed to release call-scoped store handle",
			zap.String("method", inv.Method),
			zap.String("scope_id", inv.Scope.ID()),
			zap.Error(err),
		)
	}
}
