// Package uow runs units of work against transactional stores and retries them.
//
// A unit of work creates an optional scoped transaction, acquires a store handle, runs
// the caller's work, commits the handle and completes the transaction. Both resources
// are released on every exit path, handle first.
//
// # Components
//
//   - Executor: one unit of work, blocking (Run) or non-blocking (RunAsync)
//   - Retry: a bounded attempt loop with success/failure predicates, an epilogue and
//     randomized backoff
//   - ConcurrencyResolver: surfaces or merges optimistic concurrency conflicts, with a
//     bounded number of merges per sequence
//   - Binder: commits and unbinds the store handle of a CallScope after an intercepted call
//
// RetryUnitOfWork composes the first three: every attempt gets a fresh Executor, and one
// resolver serves the whole sequence.
//
// # Error kinds
//
// Transient store failures are returned as REPEATABLE app errors (pkg/errors). A
// *ConflictError carries the conflicting entries and the session able to accept the
// stored versions. Anything else is fatal and returned unchanged. A compound error
// (errors.Join) with one cause is unwrapped before classification; with more causes it
// is fatal.
//
// # Example
//
//	cfg := uow.Config{
//		ResolveName:  "nodes",
//		Strategy:     uow.StrategyClientWins,
//		StoreFactory: registry.StoreFactory(),
//	}
//	n, err := uow.RetryUnitOfWork(ctx, cfg, uow.DefaultPolicy(),
//		func(ctx context.Context, h uow.StoreHandle) (int64, error) {
//			return incrementCounter(ctx, h.(repository.Session))
//		},
//		uow.WithLogger(logger),
//	)
package uow
