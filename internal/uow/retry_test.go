package uow

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	apperrors "brain2-uow/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetry_Start(t *testing.T) {
	t.Run("Should invoke an always-transient delegate exactly N times", func(t *testing.T) {
		for _, n := range []int{1, 2, 5} {
			calls := 0
			var epilogueErr error
			epilogueAttempt := 0
			retry := NewRetry[int](Policy{MaxRetries: n}, noSleep())
			retry.Epilogue = func(result int, err error, attempt int) (int, error) {
				epilogueErr, epilogueAttempt = err, attempt
				return result, err
			}

			_, err := retry.Start(context.Background(), func(ctx context.Context, attempt int) (int, error) {
				calls++
				return 0, apperrors.NewUnavailable("attempt failed", fmt.Errorf("attempt %d", attempt))
			})

			assert.Equal(t, n, calls)
			assert.Equal(t, n, epilogueAttempt)
			require.Error(t, err)
			assert.Same(t, epilogueErr, err)
			assert.Contains(t, err.Error(), fmt.Sprintf("attempt %d", n), "epilogue receives the last attempt's error")
		}
	})

	t.Run("Should invoke the delegate once on a fatal error", func(t *testing.T) {
		calls := 0
		retry := NewRetry[int](Policy{MaxRetries: 5}, noSleep())

		_, err := retry.Start(context.Background(), func(ctx context.Context, attempt int) (int, error) {
			calls++
			return 0, errFatal
		})

		assert.Equal(t, 1, calls)
		assert.Same(t, errFatal, err)
	})

	t.Run("Should retry repeatable errors until success", func(t *testing.T) {
		calls := 0
		retry := NewRetry[int](Policy{MaxRetries: 5}, noSleep())

		result, err := retry.Start(context.Background(), func(ctx context.Context, attempt int) (int, error) {
			calls++
			if attempt <= 3 {
				return 0, apperrors.NewRepeatable("op", errors.New("busy"))
			}
			return 42, nil
		})

		require.NoError(t, err)
		assert.Equal(t, 42, result)
		assert.Equal(t, 4, calls)
	})

	t.Run("Should use custom predicates on results", func(t *testing.T) {
		calls := 0
		retry := NewRetry[int](Policy{MaxRetries: 10}, noSleep())
		retry.IsSuccess = func(result int, err error, attempt int) bool { return err == nil && result >= 3 }

		result, err := retry.Start(context.Background(), func(ctx context.Context, attempt int) (int, error) {
			calls++
			return attempt, nil
		})

		require.NoError(t, err)
		assert.Equal(t, 3, result)
		assert.Equal(t, 3, calls)
	})

	t.Run("Should return the last result through the default epilogue when no error occurred", func(t *testing.T) {
		retry := NewRetry[string](Policy{MaxRetries: 2}, noSleep())
		retry.IsSuccess = func(string, error, int) bool { return false }

		result, err := retry.Start(context.Background(), func(ctx context.Context, attempt int) (string, error) {
			return "partial", nil
		})

		require.NoError(t, err)
		assert.Equal(t, "partial", result)
	})

	t.Run("Should stop on a custom failure predicate", func(t *testing.T) {
		calls := 0
		retry := NewRetry[int](Policy{MaxRetries: 5}, noSleep())
		retry.IsFailure = func(result int, err error, attempt int) bool { return attempt == 2 }
		retry.IsSuccess = func(int, error, int) bool { return false }

		_, err := retry.Start(context.Background(), func(ctx context.Context, attempt int) (int, error) {
			calls++
			return attempt, nil
		})

		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("Should make one attempt when MaxRetries is not positive", func(t *testing.T) {
		calls := 0
		retry := NewRetry[int](Policy{}, noSleep())

		_, err := retry.Start(context.Background(), func(ctx context.Context, attempt int) (int, error) {
			calls++
			return 0, errTransient
		})

		assert.Equal(t, 1, calls)
		assert.Same(t, errTransient, err)
	})

	t.Run("Should return the context error when cancelled during backoff", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		retry := NewRetry[int](Policy{MaxRetries: 5, MinDelay: time.Second})

		_, err := retry.Start(ctx, func(ctx context.Context, attempt int) (int, error) {
			calls++
			cancel()
			return 0, errTransient
		})

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})

	t.Run("Should expose the attempt number through the context", func(t *testing.T) {
		var seen []int
		retry := NewRetry[int](Policy{MaxRetries: 3}, noSleep())

		_, _ = retry.Start(context.Background(), func(ctx context.Context, attempt int) (int, error) {
			seen = append(seen, AttemptFromContext(ctx))
			return 0, errTransient
		})

		assert.Equal(t, []int{1, 2, 3}, seen)
		assert.Equal(t, 0, AttemptFromContext(context.Background()))
	})
}

func TestRetry_Evaluate(t *testing.T) {
	retry := NewRetry[int](DefaultPolicy())

	tests := []struct {
		name string
		err  error
		want OutcomeKind
	}{
		{name: "no error", err: nil, want: Success},
		{name: "repeatable", err: apperrors.NewRepeatable("op", errFatal), want: StillRetryable},
		{name: "transient", err: errTransient, want: StillRetryable},
		{name: "deadline", err: context.DeadlineExceeded, want: StillRetryable},
		{name: "fatal", err: errFatal, want: Failure},
		{name: "conflict", err: conflictOn(nil, "a"), want: Failure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome := retry.Evaluate(1, tt.err, 1)
			assert.Equal(t, tt.want, outcome.Kind)
			assert.Equal(t, 1, outcome.Attempt)
		})
	}
}

func TestRetry_StartAsync(t *testing.T) {
	calls := 0
	retry := NewRetry[int](Policy{MaxRetries: 5}, noSleep())

	result, err := retry.StartAsync(context.Background(), func(ctx context.Context, attempt int) *Future[int] {
		calls++
		return Go(func() (int, error) {
			if attempt < 3 {
				return 0, errTransient
			}
			return attempt * 10, nil
		})
	}).Result()

	require.NoError(t, err)
	assert.Equal(t, 30, result)
	assert.Equal(t, 3, calls)
}

func TestRetry_StartAsync_Cancellation(t *testing.T) {
	t.Run("Should let a cancelled attempt finish before returning", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		started := make(chan struct{})
		proceed := make(chan struct{})
		var finished atomic.Bool
		retry := NewRetry[int](Policy{MaxRetries: 3}, noSleep())

		f := retry.StartAsync(ctx, func(ctx context.Context, attempt int) *Future[int] {
			return Go(func() (int, error) {
				close(started)
				<-proceed
				finished.Store(true)
				return 0, errFatal
			})
		})

		<-started
		cancel()
		select {
		case <-f.Done():
			t.Fatal("retry completed before its attempt finished")
		case <-time.After(50 * time.Millisecond):
		}

		close(proceed)
		_, err := f.Result()

		assert.True(t, finished.Load())
		assert.Same(t, errFatal, err)
	})
}
