package uow

import "context"

// StoreHandle is one session of pending mutations against a transactional store.
// A handle is created per unit of work and never shared between concurrent calls.
// Calling Commit twice on the same handle is undefined; calling Release more
// than once is a no-op.
type StoreHandle interface {
	Commit(ctx context.Context) error
	CommitAsync(ctx context.Context) *Future[struct{}]
	Release() error
}

// ScopedTransaction is an optional transaction boundary around the work and its commit.
// Releasing it without a prior Complete rolls it back.
type ScopedTransaction interface {
	Complete() error
	Release() error
}

// VersionTracker lets a store session overwrite the locally held original
// version of a record with the version currently stored.
type VersionTracker interface {
	AcceptStoreVersion(ctx context.Context, entry ConflictEntry) error
}

// StoreFactory manufactures a StoreHandle for the given strategy and resolve name.
type StoreFactory func(ctx context.Context, strategy ConcurrencyStrategy, resolveName string) (StoreHandle, error)

// TransactionFactory creates a ScopedTransaction.
type TransactionFactory func(ctx context.Context) (ScopedTransaction, error)

// TransientFunc reports whether a store error is expected to go away on retry.
type TransientFunc func(err error) bool

type scopedTxKey struct{}

// WithScopedTransaction returns a copy of ctx carrying tx. The executor hands this
// context to the work so that it can enlist in the transaction.
func WithScopedTransaction(ctx context.Context, tx ScopedTransaction) context.Context {
	return context.WithValue(ctx, scopedTxKey{}, tx)
}

// ScopedTransactionFromContext returns the scoped transaction of the running unit of work.
func ScopedTransactionFromContext(ctx context.Context) (ScopedTransaction, bool) {
	tx, ok := ctx.Value(scopedTxKey{}).(ScopedTransaction)
	return tx, ok && tx != nil
}
