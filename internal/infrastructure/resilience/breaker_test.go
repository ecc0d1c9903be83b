package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"brain2-uow/internal/infrastructure/persistence/memory"
	"brain2-uow/internal/repository"
	"brain2-uow/internal/uow"
	apperrors "brain2-uow/pkg/errors"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() BreakerConfig {
	cfg := DefaultBreakerConfig("test")
	cfg.MinRequests = 2
	cfg.FailureThreshold = 1
	cfg.Timeout = time.Minute
	return cfg
}

func TestBreaker(t *testing.T) {
	ctx := context.Background()

	t.Run("Should open after transient failures and fail fast as unavailable", func(t *testing.T) {
		store := memory.NewStore(nil)
		down := apperrors.NewUnavailable("down", nil)
		store.FailNextCommits(down, down, down)
		b := NewBreaker(testConfig(), memory.IsTransient, nil)
		factory := b.Wrap(store.Factory())

		for i := 0; i < 2; i++ {
			h, err := factory(ctx, uow.StrategyNone, "nodes")
			require.NoError(t, err)
			h.(repository.Session).Put("k", []byte("v"))
			assert.ErrorIs(t, h.Commit(ctx), down)
		}
		assert.Equal(t, gobreaker.StateOpen, b.State())

		h, err := factory(ctx, uow.StrategyNone, "nodes")
		require.NoError(t, err)
		h.(repository.Session).Put("k", []byte("v"))
		err = h.Commit(ctx)
		assert.True(t, apperrors.IsUnavailable(err))
		assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	})

	t.Run("Should not count conflicts against the store", func(t *testing.T) {
		store := memory.NewStore(nil)
		store.Seed("k", []byte("v"))
		b := NewBreaker(testConfig(), memory.IsTransient, nil)
		factory := b.Wrap(store.Factory())

		for i := 0; i < 3; i++ {
			h, err := factory(ctx, uow.StrategyNone, "nodes")
			require.NoError(t, err)
			h.(repository.Session).Put("k", []byte("blind write"))
			assert.True(t, uow.IsConflict(h.Commit(ctx)))
		}
		assert.Equal(t, gobreaker.StateClosed, b.State())
	})

	t.Run("Should wrap plain handles", func(t *testing.T) {
		b := NewBreaker(testConfig(), nil, nil)
		boom := errors.New("boom")
		factory := b.Wrap(func(ctx context.Context, strategy uow.ConcurrencyStrategy, resolveName string) (uow.StoreHandle, error) {
			return plainHandle{err: boom}, nil
		})

		h, err := factory(ctx, uow.StrategyNone, "")
		require.NoError(t, err)
		_, ok := h.(repository.Session)
		assert.False(t, ok)
		_, err = h.CommitAsync(ctx).Result()
		assert.ErrorIs(t, err, boom)
	})
}

type plainHandle struct{ err error }

func (h plainHandle) Commit(ctx context.Context) error { return h.err }
func (h plainHandle) CommitAsync(ctx context.Context) *uow.Future[struct{}] {
	return uow.Completed(struct{}{}, h.err)
}
func (plainHandle) Release() error { return nil }
