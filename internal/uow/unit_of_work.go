package uow

import "context"

// RetryUnitOfWork runs work as a unit of work, retrying the whole unit (fresh handle and
// transaction each time) while it fails with a repeatable or transient error.
//
// Conflicts are handled inside each attempt by a resolver that lives for the whole
// sequence. A resolver supplied through WithResolver is used instead; it must not be
// shared with another sequence.
func RetryUnitOfWork[T any](ctx context.Context, cfg Config, policy Policy, work WorkFunc[T], opts ...Option) (T, error) {
	opts = withSequenceResolver(cfg, opts)
	retry := newUnitRetry[T](cfg, policy, opts)
	return retry.Start(ctx, func(ctx context.Context, _ int) (T, error) {
		return NewExecutor[T](cfg, opts...).Run(ctx, work)
	})
}

// RetryUnitOfWorkAsync is the non-blocking form of RetryUnitOfWork.
func RetryUnitOfWorkAsync[T any](ctx context.Context, cfg Config, policy Policy, work AsyncWorkFunc[T], opts ...Option) *Future[T] {
	opts = withSequenceResolver(cfg, opts)
	retry := newUnitRetry[T](cfg, policy, opts)
	return retry.StartAsync(ctx, func(ctx context.Context, _ int) *Future[T] {
		return NewExecutor[T](cfg, opts...).RunAsync(ctx, work)
	})
}

func newUnitRetry[T any](cfg Config, policy Policy, opts []Option) *Retry[T] {
	retry := NewRetry[T](policy, opts...)
	if retry.IsTransient == nil {
		retry.IsTransient = cfg.transient()
	}
	return retry
}

func withSequenceResolver(cfg Config, opts []Option) []Option {
	o := buildOptions(opts)
	if o.resolver != nil {
		return opts
	}
	resolver := NewConcurrencyResolver(cfg.Strategy, o.resolverPolicy, opts...)
	return append(opts[:len(opts):len(opts)], WithResolver(resolver))
}
