package uow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ResolverPolicy bounds how often and how fast conflicts are resolved within one sequence.
type ResolverPolicy struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts" validate:"min=1,max=20"`
	MinDelay    time.Duration `json:"min_delay" yaml:"min_delay" validate:"min=0"`
	MaxDelay    time.Duration `json:"max_delay" yaml:"max_delay" validate:"min=0"`
	LogWarnings bool          `json:"log_warnings" yaml:"log_warnings"`
}

// DefaultResolverPolicy returns the policy used when none is configured.
func DefaultResolverPolicy() ResolverPolicy {
	return ResolverPolicy{
		MaxAttempts: 3,
		MinDelay:    10 * time.Millisecond,
		MaxDelay:    40 * time.Millisecond,
		LogWarnings: true,
	}
}

// ConcurrencyResolver decides whether an optimistic concurrency conflict is surfaced
// or merged so that the commit can be tried again. One resolver serves exactly one
// logical retry sequence and must not be shared between sequences.
type ConcurrencyResolver struct {
	strategy ConcurrencyStrategy
	policy   ResolverPolicy
	attempts int

	logger  *zap.Logger
	metrics Metrics
	sleep   SleepFunc
}

// NewConcurrencyResolver creates a resolver with a zero attempt count.
func NewConcurrencyResolver(strategy ConcurrencyStrategy, policy ResolverPolicy, opts ...Option) *ConcurrencyResolver {
	o := buildOptions(opts)
	return &ConcurrencyResolver{
		strategy: strategy,
		policy:   policy,
		logger:   o.logger,
		metrics:  o.metrics,
		sleep:    o.sleep,
	}
}

// Strategy returns the configured strategy.
func (r *ConcurrencyResolver) Strategy() ConcurrencyStrategy {
	return r.strategy
}

// Attempts returns the number of conflicts resolved so far.
func (r *ConcurrencyResolver) Attempts() int {
	return r.attempts
}

// HandleConflict returns nil when the conflict was merged and the commit may be retried.
// Otherwise it returns the conflict unchanged (terminal), or the error raised while
// merging or waiting.
//
// All entries of the conflict are merged in one pass.
func (r *ConcurrencyResolver) HandleConflict(ctx context.Context, conflict *ConflictError) error {
	if conflict == nil {
		return nil
	}
	if r.strategy != StrategyClientWins || r.attempts >= r.policy.MaxAttempts-1 || conflict.Tracker == nil {
		return conflict
	}

	r.attempts++
	if r.policy.LogWarnings {
		r.logger.Warn("Resolving optimistic concurrency conflict",
			zap.String("strategy", r.strategy.String()),
			zap.Int("attempt", r.attempts),
			zap.Int("max_attempts", r.policy.MaxAttempts),
			zap.Int("entries", len(conflict.Entries)),
			zap.Error(conflict),
		)
	}

	if err := r.sleep(ctx, RandomDelay(r.policy.MinDelay, r.policy.MaxDelay)); err != nil {
		return err
	}

	for _, entry := range conflict.Entries {
		if err := conflict.Tracker.AcceptStoreVersion(ctx, entry); err != nil {
			return fmt.Errorf("accept store version of %q: %w", entry.Key, err)
		}
	}
	r.metrics.IncConflictResolved(r.strategy.String())
	return nil
}

// HandleConflictAsync is the non-blocking twin of HandleConflict.
func (r *ConcurrencyResolver) HandleConflictAsync(ctx context.Context, conflict *ConflictError) *Future[struct{}] {
	return Go(func() (struct{}, error) {
		return struct{}{}, r.HandleConflict(ctx, conflict)
	})
}
