package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"brain2-uow/internal/repository"
	"brain2-uow/internal/uow"
	apperrors "brain2-uow/pkg/errors"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	fieldValue   = "value"
	fieldVersion = "version"
	fieldDeleted = "deleted"
)

// Store keeps versioned records as Redis hashes. Commits run as optimistic
// WATCH/MULTI/EXEC transactions over the written keys. A delete keeps the hash as a
// tombstone so the version of the key never goes backwards.
type Store struct {
	client redis.UniversalClient
	prefix string
	logger *zap.Logger
}

// Connect creates a client for addr and waits for it to answer PING, retrying with
// Fibonacci backoff while the server is starting.
func Connect(ctx context.Context, opts *redis.Options, logger *zap.Logger) (*redis.Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(opts)
	b := retry.WithMaxRetries(5, retry.NewFibonacci(100*time.Millisecond))
	if err := retry.Do(ctx, b, func(ctx context.Context) error {
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis not ready, retrying", zap.String("addr", opts.Addr), zap.Error(err))
			return retry.RetryableError(err)
		}
		return nil
	}); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewStore creates a store whose keys are prefixed with prefix.
func NewStore(client redis.UniversalClient, prefix string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{client: client, prefix: prefix, logger: logger}
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

func (s *Store) redisKey(key string) string {
	return s.prefix + key
}

// IsTransient reports a lost WATCH race and the Redis replies that mean "try again later".
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	if errors.Is(err, redis.TxFailedErr) || apperrors.IsTransient(err) {
		return true
	}
	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		msg := redisErr.Error()
		for _, prefix := range []string{"LOADING", "BUSY", "TRYAGAIN", "CLUSTERDOWN", "MASTERDOWN"} {
			if strings.HasPrefix(msg, prefix) {
				return true
			}
		}
	}
	return false
}

type hashReader interface {
	HMGet(ctx context.Context, key string, fields ...string) *redis.SliceCmd
}

func (s *Store) read(ctx context.Context, c hashReader, key string) (repository.Record, error) {
	vals, err := c.HMGet(ctx, s.redisKey(key), fieldValue, fieldVersion, fieldDeleted).Result()
	if err != nil {
		return repository.Record{}, err
	}
	return decodeRecord(key, vals)
}

// decodeRecord decodes the value, version and deleted fields of a record hash.
// A tombstone decodes to ErrNotFound carrying its version.
func decodeRecord(key string, vals []any) (repository.Record, error) {
	rec := repository.Record{Key: key}
	if len(vals) != 3 || vals[1] == nil {
		return rec, repository.ErrNotFound
	}
	version, err := strconv.ParseInt(fmt.Sprint(vals[1]), 10, 64)
	if err != nil {
		return repository.Record{Key: key}, fmt.Errorf("corrupt version of %s: %w", key, err)
	}
	rec.Version = version
	if vals[2] != nil && fmt.Sprint(vals[2]) == "1" {
		return rec, repository.ErrNotFound
	}
	if vals[0] != nil {
		rec.Value = []byte(fmt.Sprint(vals[0]))
	}
	return rec, nil
}

func (s *Store) apply(ctx context.Context, session *Session, mutations []repository.Mutation) error {
	keys := make([]string, 0, len(mutations))
	for _, m := range mutations {
		keys = append(keys, s.redisKey(m.Key))
	}

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		var conflicts []uow.ConflictEntry
		for _, m := range mutations {
			current, err := s.read(ctx, tx, m.Key)
			if err != nil && !errors.Is(err, repository.ErrNotFound) {
				return err
			}
			if current.Version != m.ExpectedVersion {
				conflicts = append(conflicts, uow.ConflictEntry{
					Key:          m.Key,
					LocalVersion: m.ExpectedVersion,
					StoreVersion: current.Version,
				})
			}
		}
		if len(conflicts) > 0 {
			return &uow.ConflictError{Entries: conflicts, Tracker: session}
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, m := range mutations {
				if m.Delete {
					pipe.HSet(ctx, s.redisKey(m.Key), fieldValue, "", fieldVersion, m.NextVersion(), fieldDeleted, 1)
					continue
				}
				pipe.HSet(ctx, s.redisKey(m.Key), fieldValue, m.Value, fieldVersion, m.NextVersion(), fieldDeleted, 0)
			}
			return nil
		})
		return err
	}, keys...)

	if errors.Is(err, redis.TxFailedErr) {
		s.logger.Debug("Watched keys changed before EXEC", zap.Strings("keys", keys))
		return apperrors.NewUnavailable("redis transaction aborted by a concurrent write", err)
	}
	return err
}

// Session is a unit-of-work session on a Redis Store.
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
	rec, err := s.store.read(ctx, s.store.client, key)
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

// Commit writes the staged changes in one optimistic transaction.
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
