// Package bench drives concurrent increments of one node through RetryUnitOfWork and
// reports how much contention the engine absorbed.
package bench

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"brain2-uow/internal/infrastructure/persistence/memory"
	"brain2-uow/internal/infrastructure/persistence/sqlite"
	"brain2-uow/internal/repository"
	"brain2-uow/internal/uow"
	apperrors "brain2-uow/pkg/errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// NodeID is the node every worker increments.
const NodeID = "bench-counter"

// Options configures a run.
type Options struct {
	Workers    int
	Increments int
	Backend    string
	SQLitePath string
	Strategy   uow.ConcurrencyStrategy
	Policy     uow.Policy
	Logger     *zap.Logger
}

// Report summarises a run.
type Report struct {
	Backend   string        `json:"backend"`
	Strategy  string        `json:"strategy"`
	Workers   int           `json:"workers"`
	Expected  int64         `json:"expected"`
	Final     int64         `json:"final"`
	Lost      int64         `json:"lost"`
	Attempts  int64         `json:"attempts"`
	Retries   int64         `json:"retries"`
	Conflicts int64         `json:"conflicts"`
	Resolved  int64         `json:"resolved"`
	Failures  int64         `json:"failures"`
	Duration  time.Duration `json:"duration"`
}

// Run performs Workers*Increments increments and reads the final counter back.
func Run(ctx context.Context, opts Options) (Report, error) {
	if opts.Workers < 1 || opts.Increments < 1 {
		return Report{}, apperrors.NewValidation("workers and increments must be positive")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	factory, isTransient, closeStore, err := openStore(ctx, opts)
	if err != nil {
		return Report{}, err
	}
	defer closeStore()

	tally := &tally{}
	cfg := uow.Config{
		ResolveName:  "nodes",
		Strategy:     opts.Strategy,
		StoreFactory: factory,
		IsTransient:  apperrors.AnyTransient(isTransient, uow.IsConflict),
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < opts.Workers; w++ {
		g.Go(func() error {
			for i := 0; i < opts.Increments; i++ {
				_, err := uow.RetryUnitOfWork(gctx, cfg, opts.Policy,
					func(ctx context.Context, handle uow.StoreHandle) (int64, error) {
						tally.attempts.Add(1)
						return increment(ctx, handle)
					},
					uow.WithName("bench.increment"),
					uow.WithMetrics(tally),
					uow.WithLogger(opts.Logger),
				)
				if err != nil {
					tally.failures.Add(1)
					if errors.Is(err, context.Canceled) {
						return err
					}
					opts.Logger.Warn("Increment failed", zap.Error(err))
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}
	duration := time.Since(start)

	final, err := readCounter(ctx, factory)
	if err != nil {
		return Report{}, err
	}
	expected := int64(opts.Workers * opts.Increments)
	return Report{
		Backend:   opts.Backend,
		Strategy:  opts.Strategy.String(),
		Workers:   opts.Workers,
		Expected:  expected,
		Final:     final,
		Lost:      expected - tally.failures.Load() - final,
		Attempts:  tally.attempts.Load(),
		Retries:   tally.retries.Load(),
		Conflicts: tally.conflicts.Load(),
		Resolved:  tally.resolved.Load(),
		Failures:  tally.failures.Load(),
		Duration:  duration,
	}, nil
}

func increment(ctx context.Context, handle uow.StoreHandle) (int64, error) {
	session, ok := repository.SessionFrom(handle)
	if !ok {
		return 0, apperrors.NewInternal("store handle is not a session", nil)
	}
	nodes := repository.Nodes(session)
	node, err := nodes.FindByID(ctx, NodeID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		node = &repository.Node{ID: NodeID, Content: "contention benchmark"}
	case err != nil:
		return 0, err
	}
	node.Counter++
	if err := nodes.Save(node); err != nil {
		return 0, err
	}
	return node.Counter, nil
}

func readCounter(ctx context.Context, factory uow.StoreFactory) (int64, error) {
	cfg := uow.Config{ResolveName: "nodes", StoreFactory: factory}
	return uow.NewExecutor[int64](cfg).Run(ctx, func(ctx context.Context, handle uow.StoreHandle) (int64, error) {
		session, ok := repository.SessionFrom(handle)
		if !ok {
			return 0, apperrors.NewInternal("store handle is not a session", nil)
		}
		node, err := repository.Nodes(session).FindByID(ctx, NodeID)
		if errors.Is(err, repository.ErrNotFound) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		return node.Counter, nil
	})
}

func openStore(ctx context.Context, opts Options) (uow.StoreFactory, uow.TransientFunc, func(), error) {
	switch opts.Backend {
	case "", "memory":
		return memory.NewStore(opts.Logger).Factory(), memory.IsTransient, func() {}, nil
	case "sqlite":
		path := opts.SQLitePath
		cleanupFile := func() {}
		if path == "" {
			dir, err := os.MkdirTemp("", "uowbench-*")
			if err != nil {
				return nil, nil, nil, err
			}
			path = filepath.Join(dir, "bench.db")
			cleanupFile = func() { os.RemoveAll(dir) }
		}
		store, err := sqlite.Open(ctx, path, opts.Logger)
		if err != nil {
			cleanupFile()
			return nil, nil, nil, err
		}
		return store.Factory(), sqlite.IsTransient, func() {
			if err := store.Close(); err != nil {
				opts.Logger.Warn("Failed to close sqlite store", zap.Error(err))
			}
			cleanupFile()
		}, nil
	}
	return nil, nil, nil, fmt.Errorf("unsupported backend %q (memory or sqlite)", opts.Backend)
}

// tally is a uow.Metrics sink counting what the engine did during a run.
type tally struct {
	attempts  atomic.Int64
	retries   atomic.Int64
	conflicts atomic.Int64
	resolved  atomic.Int64
	failures  atomic.Int64
}

func (t *tally) ObserveUnit(name, outcome string, duration time.Duration) {
	if outcome == uow.OutcomeConflict {
		t.conflicts.Add(1)
	}
}

func (t *tally) IncRetry(name, reason string) {
	t.retries.Add(1)
}

func (t *tally) IncConflictResolved(strategy string) {
	t.resolved.Add(1)
}

func (t *tally) IncBinderCommit(outcome string) {}
