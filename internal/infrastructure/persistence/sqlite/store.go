package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"brain2-uow/internal/repository"
	"brain2-uow/internal/uow"
	apperrors "brain2-uow/pkg/errors"

	"github.com/mattn/go-sqlite3"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	key     TEXT PRIMARY KEY,
	value   BLOB NOT NULL,
	version INTEGER NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0
);`

// Store is a versioned key/value store in a SQLite database.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open creates or opens the database at path, applies pragmas and the schema.
// The first connection attempt is retried with Fibonacci backoff while the file is busy.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	b := retry.WithMaxRetries(5, retry.NewFibonacci(50*time.Millisecond))
	if err := retry.Do(ctx, b, func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			if IsTransient(err) {
				logger.Warn("Database busy, retrying connection", zap.String("path", path), zap.Error(err))
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := applyPragmas(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// migrate creates the records table and adds the tombstone column to databases
// created before deletes kept their version.
func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return err
	}
	rows, err := db.QueryContext(ctx, `SELECT name FROM pragma_table_info('records')`)
	if err != nil {
		return err
	}
	defer rows.Close()
	hasDeleted := false
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == "deleted" {
			hasDeleted = true
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if hasDeleted {
		return nil
	}
	_, err = db.ExecContext(ctx, `ALTER TABLE records ADD COLUMN deleted INTEGER NOT NULL DEFAULT 0`)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Factory returns a StoreFactory opening a new session per unit of work.
func (s *Store) Factory() uow.StoreFactory {
	return func(ctx context.Context, strategy uow.ConcurrencyStrategy, resolveName string) (uow.StoreHandle, error) {
		return s.NewSession(), nil
	}
}

// NewSession opens a session on the store.
func (s *Store) NewSession() *Session {
	return &Session{ChangeSet: repository.NewChangeSet(), store: s}
}

// IsTransient reports SQLITE_BUSY and SQLITE_LOCKED, plus the generic transient errors.
func IsTransient(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return apperrors.IsTransient(err)
}

func (s *Store) read(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, key string) (repository.Record, error) {
	rec := repository.Record{Key: key}
	var deleted bool
	err := q.QueryRowContext(ctx, `SELECT value, version, deleted FROM records WHERE key = ?`, key).
		Scan(&rec.Value, &rec.Version, &deleted)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return repository.Record{Key: key}, repository.ErrNotFound
	case err != nil:
		return repository.Record{}, err
	case deleted:
		return repository.Record{Key: key, Version: rec.Version}, repository.ErrNotFound
	}
	return rec, nil
}

func (s *Store) apply(ctx context.Context, session *Session, mutations []repository.Mutation) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Warn("Rollback failed", zap.Error(rbErr))
			}
		}
	}()

	var conflicts []uow.ConflictEntry
	for _, m := range mutations {
		applied, err := applyMutation(ctx, tx, m)
		if err != nil {
			return fmt.Errorf("write %s: %w", m.Key, err)
		}
		if applied {
			continue
		}
		current, err := s.read(ctx, tx, m.Key)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		conflicts = append(conflicts, uow.ConflictEntry{
			Key:          m.Key,
			LocalVersion: m.ExpectedVersion,
			StoreVersion: current.Version,
		})
	}
	if len(conflicts) > 0 {
		return &uow.ConflictError{Entries: conflicts, Tracker: session}
	}
	return tx.Commit()
}

// applyMutation writes m if the stored version matches and reports whether it did.
// A delete rewrites the row as a tombstone one version up.
func applyMutation(ctx context.Context, tx *sql.Tx, m repository.Mutation) (bool, error) {
	value := m.Value
	if m.Delete || value == nil {
		value = []byte{}
	}
	var (
		res sql.Result
		err error
	)
	if m.ExpectedVersion == 0 {
		res, err = tx.ExecContext(ctx,
			`INSERT INTO records (key, value, version, deleted) VALUES (?, ?, 1, ?) ON CONFLICT(key) DO NOTHING`,
			m.Key, value, m.Delete)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE records SET value = ?, version = version + 1, deleted = ? WHERE key = ? AND version = ?`,
			value, m.Delete, m.Key, m.ExpectedVersion)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Session is a unit-of-work session on a SQLite Store.
type Session struct {
	*repository.ChangeSet
	store *Store
}

var _ repository.Session = (*Session)(nil)

// Get reads key and tracks its version. A missing key is tracked as version 0, a
// deleted one as the version of its tombstone.
func (s *Session) Get(ctx context.Context, key string) (repository.Record, error) {
	if s.Released() {
		return repository.Record{}, repository.ErrReleased
	}
	rec, err := s.store.read(ctx, s.store.db, key)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		s.Track(key, rec.Version)
		return rec, err
	case err != nil:
		return repository.Record{}, err
	}
	s.Track(key, rec.Version)
	return rec, nil
}

// Commit writes the staged changes in one database transaction.
func (s *Session) Commit(ctx context.Context) error {
	if s.Released() {
		return repository.ErrReleased
	}
	mutations := s.Mutations()
	if len(mutations) == 0 {
		return nil
	}
	if err := s.store.apply(ctx, s, mutations); err != nil {
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
