package uow

import (
	"context"
	"time"

	apperrors "brain2-uow/pkg/errors"

	"go.uber.org/zap"
)

// Policy bounds a retry sequence.
type Policy struct {
	MaxRetries int           `json:"max_retries" yaml:"max_retries" validate:"min=1,max=100"`
	MinDelay   time.Duration `json:"min_delay" yaml:"min_delay" validate:"min=0"`
	MaxDelay   time.Duration `json:"max_delay" yaml:"max_delay" validate:"min=0"`
}

// DefaultPolicy returns sensible defaults for interactive requests.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		MinDelay:   50 * time.Millisecond,
		MaxDelay:   150 * time.Millisecond,
	}
}

// OutcomeKind classifies one attempt.
type OutcomeKind int

const (
	StillRetryable OutcomeKind = iota
	Success
	Failure
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case Failure:
		return "failure"
	default:
		return "still_retryable"
	}
}

// RetryOutcome is the classification of one attempt together with what it produced.
type RetryOutcome[T any] struct {
	Kind    OutcomeKind
	Value   T
	Err     error
	Attempt int
}

// Predicate inspects the result or error of an attempt. attempt starts at 1.
type Predicate[T any] func(result T, err error, attempt int) bool

// Epilogue produces the final result once the sequence stops without a success.
type Epilogue[T any] func(result T, err error, attempt int) (T, error)

// Retry is a bounded attempt loop with randomized backoff between attempts.
// The zero values of IsFailure, IsSuccess, Epilogue and IsTransient select the defaults.
// A Retry holds no per-sequence state and may start any number of sequences.
type Retry[T any] struct {
	Policy      Policy
	IsFailure   Predicate[T]
	IsSuccess   Predicate[T]
	Epilogue    Epilogue[T]
	IsTransient TransientFunc

	name    string
	logger  *zap.Logger
	metrics Metrics
	sleep   SleepFunc
}

// NewRetry creates a Retry using the default predicates and epilogue.
func NewRetry[T any](policy Policy, opts ...Option) *Retry[T] {
	o := buildOptions(opts)
	return &Retry[T]{
		Policy:      policy,
		IsTransient: o.transient,
		name:        o.name,
		logger:      o.logger,
		metrics:     o.metrics,
		sleep:       o.sleep,
	}
}

// Evaluate classifies one attempt. Failure is checked before Success.
func (r *Retry[T]) Evaluate(result T, err error, attempt int) RetryOutcome[T] {
	outcome := RetryOutcome[T]{Value: result, Err: err, Attempt: attempt}
	switch {
	case r.isFailure(result, err, attempt):
		outcome.Kind = Failure
	case r.isSuccess(result, err, attempt):
		outcome.Kind = Success
	default:
		outcome.Kind = StillRetryable
	}
	return outcome
}

// Start runs work until an attempt is a Success or a Failure, or until Policy.MaxRetries
// attempts have been made. Work is never invoked again after a terminal outcome.
//
// A Success returns the attempt's result. A Failure, or running out of attempts, returns
// whatever the epilogue makes of the last attempt. When ctx is done during a backoff
// delay the context error is returned.
func (r *Retry[T]) Start(ctx context.Context, work func(ctx context.Context, attempt int) (T, error)) (T, error) {
	maxRetries := r.Policy.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}

	for attempt := 1; ; attempt++ {
		result, err := work(withAttempt(ctx, attempt), attempt)

		outcome := r.Evaluate(result, err, attempt)
		switch outcome.Kind {
		case Success:
			return result, nil
		case Failure:
			return r.epilogue(result, err, attempt)
		}

		if attempt >= maxRetries {
			r.logger.Warn("Retry attempts exhausted",
				zap.String("unit", r.name),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			return r.epilogue(result, err, attempt)
		}

		r.metrics.IncRetry(r.name, retryReason(err))
		delay := RandomDelay(r.Policy.MinDelay, r.Policy.MaxDelay)
		r.logger.Debug("Retrying operation",
			zap.String("unit", r.name),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if serr := r.sleep(ctx, delay); serr != nil {
			var zero T
			return zero, serr
		}
	}
}

// StartAsync is the non-blocking form of Start. Each attempt's Future runs to completion
// before the next attempt starts, even when ctx is cancelled.
func (r *Retry[T]) StartAsync(ctx context.Context, work func(ctx context.Context, attempt int) *Future[T]) *Future[T] {
	return Go(func() (T, error) {
		return r.Start(ctx, func(ctx context.Context, attempt int) (T, error) {
			f := work(ctx, attempt)
			if f == nil {
				var zero T
				return zero, errNilFuture
			}
			return f.Result()
		})
	})
}

func (r *Retry[T]) isFailure(result T, err error, attempt int) bool {
	if r.IsFailure != nil {
		return r.IsFailure(result, err, attempt)
	}
	return err != nil && !isRepeatable(err) && !r.transient()(err)
}

func (r *Retry[T]) isSuccess(result T, err error, attempt int) bool {
	if r.IsSuccess != nil {
		return r.IsSuccess(result, err, attempt)
	}
	return err == nil
}

func (r *Retry[T]) epilogue(result T, err error, attempt int) (T, error) {
	if r.Epilogue != nil {
		return r.Epilogue(result, err, attempt)
	}
	return result, err
}

func (r *Retry[T]) transient() TransientFunc {
	if r.IsTransient != nil {
		return r.IsTransient
	}
	return apperrors.IsTransient
}

func retryReason(err error) string {
	switch {
	case err == nil:
		return "unsuccessful_result"
	case isRepeatable(err):
		return OutcomeRepeatable
	case IsConflict(err):
		return OutcomeConflict
	default:
		return "transient"
	}
}

type attemptKey struct{}

func withAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, attemptKey{}, attempt)
}

// AttemptFromContext returns the 1-based attempt number of the retry sequence running
// the current work, or 0 outside of one.
func AttemptFromContext(ctx context.Context) int {
	if attempt, ok := ctx.Value(attemptKey{}).(int); ok {
		return attempt
	}
	return 0
}
