package memory

import (
	"context"
	"sync"

	"brain2-uow/internal/repository"
	"brain2-uow/internal/uow"
	apperrors "brain2-uow/pkg/errors"

	"go.uber.org/zap"
)

// Store is an in-memory versioned key/value store. Commits are atomic: every staged
// write of a session applies, or none does. Deleted keys stay behind as tombstones.
type Store struct {
	mu      sync.RWMutex
	records map[string]entry

	failMu   sync.Mutex
	failures []error

	logger *zap.Logger
}

// NewStore creates an empty store.
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		records: make(map[string]entry),
		logger:  logger,
	}
}

type entry struct {
	repository.Record
	deleted bool
}

// Seed writes value under key outside of any session, bumping its version.
func (s *Store) Seed(key string, value []byte) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.records[key]
	e.Key = key
	e.Value = append([]byte(nil), value...)
	e.Version++
	e.deleted = false
	s.records[key] = e
	return e.Version
}

// Snapshot returns the live record under key. Tombstones are reported as missing.
func (s *Store) Snapshot(key string) (repository.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.records[key]
	if !ok || e.deleted {
		return repository.Record{}, false
	}
	return e.Record, true
}

// Version returns the stored version of key, counting tombstones.
func (s *Store) Version(key string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[key].Version
}

// FailNextCommits makes the next len(errs) commits fail with errs, in order.
func (s *Store) FailNextCommits(errs ...error) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	s.failures = append(s.failures, errs...)
}

func (s *Store) nextFailure() error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	if len(s.failures) == 0 {
		return nil
	}
	err := s.failures[0]
	s.failures = s.failures[1:]
	return err
}

// Factory returns a StoreFactory opening a new session per unit of work.
func (s *Store) Factory() uow.StoreFactory {
	return func(ctx context.Context, strategy uow.ConcurrencyStrategy, resolveName string) (uow.StoreHandle, error) {
		return s.NewSession(strategy), nil
	}
}

// NewSession opens a session on the store.
func (s *Store) NewSession(strategy uow.ConcurrencyStrategy) *Session {
	return &Session{
		ChangeSet: repository.NewChangeSet(),
		store:     s,
		strategy:  strategy,
	}
}

// IsTransient classifies memory store errors. Only injected failures can be transient.
func IsTransient(err error) bool {
	return apperrors.IsTransient(err)
}

func (s *Store) apply(session *Session, mutations []repository.Mutation) error {
	if err := s.nextFailure(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var conflicts []uow.ConflictEntry
	for _, m := range mutations {
		current := s.records[m.Key].Version
		if current != m.ExpectedVersion {
			conflicts = append(conflicts, uow.ConflictEntry{
				Key:          m.Key,
				LocalVersion: m.ExpectedVersion,
				StoreVersion: current,
			})
		}
	}
	if len(conflicts) > 0 {
		s.logger.Debug("Commit rejected by version check", zap.Int("conflicts", len(conflicts)))
		return &uow.ConflictError{Entries: conflicts, Tracker: session}
	}

	for _, m := range mutations {
		e := entry{Record: repository.Record{Key: m.Key, Version: m.NextVersion()}, deleted: m.Delete}
		if !m.Delete {
			e.Value = m.Value
		}
		s.records[m.Key] = e
	}
	return nil
}

// Session is a unit-of-work session on a Store.
type Session struct {
	*repository.ChangeSet
	store    *Store
	strategy uow.ConcurrencyStrategy
}

var _ repository.Session = (*Session)(nil)

// Strategy returns the concurrency strategy the session was opened with.
func (s *Session) Strategy() uow.ConcurrencyStrategy {
	return s.strategy
}

// Get reads key and tracks its version. A missing key is tracked as version 0, a
// deleted one as the version of its tombstone.
func (s *Session) Get(ctx context.Context, key string) (repository.Record, error) {
	if s.Released() {
		return repository.Record{}, repository.ErrReleased
	}
	s.store.mu.RLock()
	e := s.store.records[key]
	s.store.mu.RUnlock()

	s.Track(key, e.Version)
	if e.Version == 0 || e.deleted {
		return repository.Record{Key: key, Version: e.Version}, repository.ErrNotFound
	}
	rec := e.Record
	rec.Value = append([]byte(nil), rec.Value...)
	return rec, nil
}

// Commit applies the staged writes if every expected version still matches.
func (s *Session) Commit(ctx context.Context) error {
	if s.Released() {
		return repository.ErrReleased
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	mutations := s.Mutations()
	if len(mutations) == 0 {
		return nil
	}
	if err := s.store.apply(s, mutations); err != nil {
		return err
	}
	s.Applied(mutations)
	return nil
}

// CommitAsync commits on a separate goroutine.
func (s *Session) CommitAsync(ctx context.Context) *uow.Future[struct{}] {
	return uow.Go(func() (struct{}, error) {
		return struct{}{}, s.Commit(ctx)
	})
}

// Release discards staged writes. Releasing twice is a no-op.
func (s *Session) Release() error {
	s.MarkReleased()
	return nil
}
