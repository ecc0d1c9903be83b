// Package resilience guards store commits with a circuit breaker.
package resilience

import (
	"context"
	"errors"
	"time"

	"brain2-uow/internal/repository"
	"brain2-uow/internal/uow"
	apperrors "brain2-uow/pkg/errors"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerConfig holds configuration for the commit circuit breaker
type BreakerConfig struct {
	Name             string        `yaml:"name" json:"name"`
	MaxRequests      uint32        `yaml:"max_requests" json:"max_requests"`
	Interval         time.Duration `yaml:"interval" json:"interval"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout"`
	FailureThreshold float64       `yaml:"failure_threshold" json:"failure_threshold" validate:"gte=0,lte=1"`
	MinRequests      uint32        `yaml:"min_requests" json:"min_requests"`
}

// DefaultBreakerConfig returns a default configuration for the breaker
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 0.8,
		MinRequests:      10,
	}
}

// Breaker counts transient commit failures and, once too many occur, fails commits
// fast with an UNAVAILABLE error until the store recovers. Conflicts and other
// non-transient failures do not count against the store.
type Breaker struct {
	cb          *gobreaker.CircuitBreaker
	isTransient uow.TransientFunc
}

// NewBreaker creates a breaker. isTransient decides which commit failures count.
func NewBreaker(cfg BreakerConfig, isTransient uow.TransientFunc, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if isTransient == nil {
		isTransient = apperrors.IsTransient
	}
	return &Breaker{
		isTransient: isTransient,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        cfg.Name,
			MaxRequests: cfg.MaxRequests,
			Interval:    cfg.Interval,
			Timeout:     cfg.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < cfg.MinRequests {
					return false
				}
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return failureRatio >= cfg.FailureThreshold
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Warn("Store circuit breaker changed state",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
			IsSuccessful: func(err error) bool {
				return err == nil || !isTransient(err)
			},
		}),
	}
}

// State returns the current breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Wrap decorates factory so that every handle it creates commits through the breaker.
// Handles implementing repository.Session keep their session methods.
func (b *Breaker) Wrap(factory uow.StoreFactory) uow.StoreFactory {
	return func(ctx context.Context, strategy uow.ConcurrencyStrategy, resolveName string) (uow.StoreHandle, error) {
		h, err := factory(ctx, strategy, resolveName)
		if err != nil {
			return nil, err
		}
		if session, ok := h.(repository.Session); ok {
			return &guardedSession{Session: session, breaker: b}, nil
		}
		return &guardedHandle{StoreHandle: h, breaker: b}, nil
	}
}

func (b *Breaker) commit(ctx context.Context, commit func(context.Context) error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, commit(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperrors.NewUnavailable("store circuit breaker open", err)
	}
	return err
}

type guardedHandle struct {
	uow.StoreHandle
	breaker *Breaker
}

func (h *guardedHandle) Commit(ctx context.Context) error {
	return h.breaker.commit(ctx, h.StoreHandle.Commit)
}

func (h *guardedHandle) CommitAsync(ctx context.Context) *uow.Future[struct{}] {
	return uow.Go(func() (struct{}, error) {
		return struct{}{}, h.Commit(ctx)
	})
}

type guardedSession struct {
	repository.Session
	breaker *Breaker
}

func (s *guardedSession) Commit(ctx context.Context) error {
	return s.breaker.commit(ctx, s.Session.Commit)
}

func (s *guardedSession) CommitAsync(ctx context.Context) *uow.Future[struct{}] {
	return uow.Go(func() (struct{}, error) {
		return struct{}{}, s.Commit(ctx)
	})
}
