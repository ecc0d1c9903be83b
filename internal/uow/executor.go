package uow

import (
	"context"
	"errors"
	"time"

	apperrors "brain2-uow/pkg/errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "brain2-uow/internal/uow"

// WorkFunc is the caller's work in blocking form.
type WorkFunc[T any] func(ctx context.Context, handle StoreHandle) (T, error)

// AsyncWorkFunc is the caller's work in non-blocking form.
type AsyncWorkFunc[T any] func(ctx context.Context, handle StoreHandle) *Future[T]

var errNilFuture = errors.New("uow: asynchronous work returned no future")

// Executor runs one unit of work: an optional scoped transaction, a store handle,
// the caller's work, the commit and the transaction completion. Both resources are
// released on every exit path, handle first.
//
// An Executor is cheap; RetryUnitOfWork builds a new one per attempt.
type Executor[T any] struct {
	cfg      Config
	name     string
	logger   *zap.Logger
	metrics  Metrics
	resolver *ConcurrencyResolver
	tracer   trace.Tracer
}

// NewExecutor creates an Executor for cfg.
func NewExecutor[T any](cfg Config, opts ...Option) *Executor[T] {
	o := buildOptions(opts)
	return &Executor[T]{
		cfg:      cfg,
		name:     o.name,
		logger:   o.logger,
		metrics:  o.metrics,
		resolver: o.resolver,
		tracer:   otel.Tracer(tracerName),
	}
}

// Run executes work and commits its changes.
//
// Transient failures come back as REPEATABLE app errors. Concurrency conflicts that the
// attached resolver does not resolve, and every other error, are returned unchanged.
func (e *Executor[T]) Run(ctx context.Context, work WorkFunc[T]) (T, error) {
	return e.run(ctx, work,
		func(ctx context.Context, handle StoreHandle) error {
			return handle.Commit(ctx)
		},
		func(ctx context.Context, conflict *ConflictError) error {
			return e.resolver.HandleConflict(ctx, conflict)
		},
	)
}

// RunAsync is the non-blocking form of Run. The returned Future completes after both
// resources have been released. The work and commit futures are always waited for to
// completion, so cancelling ctx never releases a handle the work is still using.
func (e *Executor[T]) RunAsync(ctx context.Context, work AsyncWorkFunc[T]) *Future[T] {
	return Go(func() (T, error) {
		return e.run(ctx,
			func(ctx context.Context, handle StoreHandle) (T, error) {
				f := work(ctx, handle)
				if f == nil {
					var zero T
					return zero, errNilFuture
				}
				return f.Result()
			},
			func(ctx context.Context, handle StoreHandle) error {
				f := handle.CommitAsync(ctx)
				if f == nil {
					return errNilFuture
				}
				_, err := f.Result()
				return err
			},
			func(ctx context.Context, conflict *ConflictError) error {
				_, err := e.resolver.HandleConflictAsync(ctx, conflict).Result()
				return err
			},
		)
	})
}

func (e *Executor[T]) run(
	ctx context.Context,
	work WorkFunc[T],
	commit func(context.Context, StoreHandle) error,
	resolve func(context.Context, *ConflictError) error,
) (result T, err error) {
	var zero T
	if err := e.cfg.Validate(); err != nil {
		return zero, err
	}

	ctx, span := e.tracer.Start(ctx, "uow.Run",
		trace.WithAttributes(
			attribute.String("uow.name", e.name),
			attribute.String("uow.resolve_name", e.cfg.ResolveName),
			attribute.String("uow.strategy", e.cfg.Strategy.String()),
			attribute.Bool("uow.scoped_transaction", e.cfg.CreateScopedTransaction),
		),
	)
	start := time.Now()
	e.logger.Debug("Unit of work started",
		zap.String("unit", e.name),
		zap.String("resolve_name", e.cfg.ResolveName),
	)
	defer func() {
		e.finish(span, start, err)
	}()

	tx, handle, err := e.acquire(ctx)
	if err != nil {
		return zero, e.classify(err)
	}
	defer e.release(handle, tx)
	if tx != nil {
		ctx = WithScopedTransaction(ctx, tx)
	}

	result, err = work(ctx, handle)
	if err != nil {
		return zero, e.classify(err)
	}

	if err = e.commit(ctx, handle, commit, resolve); err != nil {
		return zero, e.classify(err)
	}

	if tx != nil {
		if err = tx.Complete(); err != nil {
			return zero, e.classify(err)
		}
	}
	return result, nil
}

// acquire creates the scoped transaction (if configured) and then the store handle.
// When the handle cannot be created the transaction is rolled back before returning.
func (e *Executor[T]) acquire(ctx context.Context) (ScopedTransaction, StoreHandle, error) {
	var tx ScopedTransaction
	if e.cfg.CreateScopedTransaction {
		created, err := e.cfg.TransactionFactory(ctx)
		if err != nil {
			return nil, nil, err
		}
		tx = created
	}

	handle, err := e.cfg.StoreFactory(ctx, e.cfg.Strategy, e.cfg.ResolveName)
	if err == nil && handle == nil {
		err = apperrors.NewInternal("store factory returned no handle", nil)
	}
	if err != nil {
		e.release(nil, tx)
		return nil, nil, err
	}
	return tx, handle, nil
}

// commit commits the handle. A conflict is handed to the resolver when one is attached
// and the strategy allows it; a resolved conflict commits the same handle again.
func (e *Executor[T]) commit(
	ctx context.Context,
	handle StoreHandle,
	commit func(context.Context, StoreHandle) error,
	resolve func(context.Context, *ConflictError) error,
) error {
	ctx, span := e.tracer.Start(ctx, "uow.Commit")
	defer span.End()

	for {
		err := commit(ctx, handle)
		if err == nil {
			return nil
		}
		err = apperrors.UnwrapSingle(err)
		conflict, ok := AsConflict(err)
		if !ok || apperrors.IsCompound(err) || e.resolver == nil || e.cfg.Strategy == StrategyNone {
			span.RecordError(err)
			return err
		}
		if rerr := resolve(ctx, conflict); rerr != nil {
			span.RecordError(rerr)
			return rerr
		}
		span.AddEvent("conflict resolved", trace.WithAttributes(
			attribute.Int("uow.resolver_attempts", e.resolver.Attempts()),
		))
	}
}

func (e *Executor[T]) release(handle StoreHandle, tx ScopedTransaction) {
	if handle != nil {
		if err := handle.Release(); err != nil {
			e.logger.Warn("Failed to release store handle",
				zap.String("unit", e.name),
				zap.Error(err),
			)
		}
	}
	if tx != nil {
		if err := tx.Release(); err != nil {
			e.logger.Warn("Failed to release scoped transaction",
				zap.String("unit", e.name),
				zap.Error(err),
			)
		}
	}
}

// classify maps a failure to the error returned by the executor. A compound error with
// several causes is fatal as is; one with a single cause is unwrapped first.
func (e *Executor[T]) classify(err error) error {
	err = apperrors.UnwrapSingle(err)
	if apperrors.IsCompound(err) || isRepeatable(err) || IsConflict(err) {
		return err
	}
	if e.cfg.transient()(err) {
		return apperrors.NewRepeatable(e.name, err)
	}
	return err
}

func (e *Executor[T]) finish(span trace.Span, start time.Time, err error) {
	duration := time.Since(start)
	outcome := outcomeOf(err)
	e.metrics.ObserveUnit(e.name, outcome, duration)

	fields := []zap.Field{
		zap.String("unit", e.name),
		zap.String("outcome", outcome),
		zap.Duration("duration", duration),
	}
	switch outcome {
	case OutcomeSucceeded:
		e.logger.Debug("Unit of work completed", fields...)
	case OutcomeRepeatable, OutcomeConflict:
		e.logger.Warn("Unit of work failed, operation may be repeated", append(fields, zap.Error(err))...)
	default:
		e.logger.Error("Unit of work failed", append(fields, zap.Error(err))...)
	}

	span.SetAttributes(attribute.String("uow.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func isRepeatable(err error) bool {
	return apperrors.IsRepeatable(err)
}
