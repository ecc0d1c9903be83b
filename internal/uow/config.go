package uow

import (
	"fmt"
	"strings"

	apperrors "brain2-uow/pkg/errors"

	"go.uber.org/zap"
)

// ConcurrencyStrategy selects how optimistic concurrency conflicts are handled.
type ConcurrencyStrategy int

const (
	// StrategyNone surfaces every conflict to the caller.
	StrategyNone ConcurrencyStrategy = iota
	// StrategyStoreWins keeps the stored values; conflicts are surfaced.
	StrategyStoreWins
	// StrategyClientWins accepts the stored versions and commits the local values again.
	StrategyClientWins
)

func (s ConcurrencyStrategy) String() string {
	switch s {
	case StrategyNone:
		return "none"
	case StrategyStoreWins:
		return "store_wins"
	case StrategyClientWins:
		return "client_wins"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseConcurrencyStrategy accepts none, store_wins and client_wins (case and separator insensitive).
func ParseConcurrencyStrategy(s string) (ConcurrencyStrategy, error) {
	normalized := strings.ToLower(strings.NewReplacer("-", "", "_", "", " ", "").Replace(s))
	switch normalized {
	case "", "none":
		return StrategyNone, nil
	case "storewins":
		return StrategyStoreWins, nil
	case "clientwins":
		return StrategyClientWins, nil
	}
	return StrategyNone, fmt.Errorf("unknown concurrency strategy %q", s)
}

// UnmarshalText lets yaml and json configuration name the strategy.
func (s *ConcurrencyStrategy) UnmarshalText(text []byte) error {
	parsed, err := ParseConcurrencyStrategy(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MarshalText renders the strategy by name.
func (s ConcurrencyStrategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config describes one unit of work. It is not modified by the executor.
type Config struct {
	ResolveName             string
	Strategy                ConcurrencyStrategy
	StoreFactory            StoreFactory
	CreateScopedTransaction bool
	TransactionFactory      TransactionFactory

	// IsTransient classifies store errors; nil falls back to apperrors.IsTransient.
	IsTransient TransientFunc
}

// Validate checks that the factories required by the configuration are present.
func (c Config) Validate() error {
	if c.StoreFactory == nil {
		return apperrors.NewValidation("unit of work: store factory is required")
	}
	if c.CreateScopedTransaction && c.TransactionFactory == nil {
		return apperrors.NewValidation("unit of work: transaction factory is required when a scoped transaction is requested")
	}
	return nil
}

func (c Config) transient() TransientFunc {
	if c.IsTransient != nil {
		return c.IsTransient
	}
	return apperrors.IsTransient
}

type options struct {
	logger   *zap.Logger
	metrics  Metrics
	resolver *ConcurrencyResolver
	name     string
	sleep    SleepFunc

	transient      TransientFunc
	resolverPolicy ResolverPolicy
}

// Option customises an Executor, RetryUnitOfWork or Binder.
type Option func(*options)

// WithLogger sets the logger used for unit telemetry.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithResolver attaches a concurrency resolver consulted when a commit conflicts.
func WithResolver(r *ConcurrencyResolver) Option {
	return func(o *options) {
		o.resolver = r
	}
}

// WithName names the unit of work in logs, metrics and spans.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithSleep replaces the backoff sleep, mainly so tests do not wait.
func WithSleep(sleep SleepFunc) Option {
	return func(o *options) {
		o.sleep = sleep
	}
}

// WithTransient sets the transient predicate used by Retry and Binder.
func WithTransient(fn TransientFunc) Option {
	return func(o *options) {
		o.transient = fn
	}
}

// WithResolverPolicy sets the policy of the resolver RetryUnitOfWork creates per sequence.
func WithResolverPolicy(p ResolverPolicy) Option {
	return func(o *options) {
		o.resolverPolicy = p
	}
}

func buildOptions(opts []Option) options {
	o := options{name: "unit_of_work", resolverPolicy: DefaultResolverPolicy()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.metrics == nil {
		o.metrics = NopMetrics{}
	}
	if o.sleep == nil {
		o.sleep = Sleep
	}
	return o
}
