// Package transactions provides scoped transactions built from compensating actions.
package transactions

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"brain2-uow/internal/uow"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Compensation undoes one side effect performed inside a scope.
type Compensation func(ctx context.Context) error

type enlisted struct {
	name string
	undo Compensation
}

// Scope is a uow.ScopedTransaction. Side effects outside the store enlist a
// compensation; releasing the scope without completing it runs them in reverse order.
type Scope struct {
	id      string
	ctx     context.Context
	manager *Manager

	mu            sync.Mutex
	compensations []enlisted
	completed     bool
	released      bool
}

var _ uow.ScopedTransaction = (*Scope)(nil)

// ID identifies the scope in logs.
func (s *Scope) ID() string {
	return s.id
}

// Enlist registers a compensation. It fails once the scope is completed or released.
func (s *Scope) Enlist(name string, undo Compensation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed {
		return fmt.Errorf("cannot enlist %q in completed transaction %s", name, s.id)
	}
	if s.released {
		return fmt.Errorf("cannot enlist %q in released transaction %s", name, s.id)
	}
	s.compensations = append(s.compensations, enlisted{name: name, undo: undo})
	return nil
}

// Complete marks the scope as successful; releasing it afterwards keeps every side effect.
func (s *Scope) Complete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return fmt.Errorf("transaction %s already released", s.id)
	}
	if s.completed {
		return fmt.Errorf("transaction %s already completed", s.id)
	}
	s.completed = true
	return nil
}

// IsCompleted reports whether Complete succeeded.
func (s *Scope) IsCompleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

// Release ends the scope, rolling it back when it was not completed.
// Releasing twice is a no-op.
func (s *Scope) Release() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	completed := s.completed
	compensations := s.compensations
	s.compensations = nil
	s.mu.Unlock()

	s.manager.forget(s.id)
	if completed {
		return nil
	}

	s.manager.logger.Debug("Rolling back scoped transaction",
		zap.String("transaction_id", s.id),
		zap.Int("compensations", len(compensations)),
	)
	var errs []error
	for i := len(compensations) - 1; i >= 0; i-- {
		c := compensations[i]
		if err := c.undo(s.ctx); err != nil {
			errs = append(errs, fmt.Errorf("compensation %q: %w", c.name, err))
		}
	}
	return errors.Join(errs...)
}

// Manager creates scopes and keeps track of the ones still open.
type Manager struct {
	logger *zap.Logger

	mu     sync.RWMutex
	active map[string]*Scope
}

// NewManager creates a manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{logger: logger, active: make(map[string]*Scope)}
}

// Begin opens a scope. Compensations run with ctx's values but without its cancellation.
func (m *Manager) Begin(ctx context.Context) *Scope {
	s := &Scope{
		id:      uuid.NewString(),
		ctx:     context.WithoutCancel(ctx),
		manager: m,
	}
	m.mu.Lock()
	m.active[s.id] = s
	m.mu.Unlock()
	return s
}

// Factory returns a uow.TransactionFactory opening scopes on m.
func (m *Manager) Factory() uow.TransactionFactory {
	return func(ctx context.Context) (uow.ScopedTransaction, error) {
		return m.Begin(ctx), nil
	}
}

// Active returns the number of scopes not yet released.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

// Enlist adds a compensation to the scope carried by ctx. Without one the compensation
// is dropped and false is returned.
func Enlist(ctx context.Context, name string, undo Compensation) (bool, error) {
	tx, ok := uow.ScopedTransactionFromContext(ctx)
	if !ok {
		return false, nil
	}
	scope, ok := tx.(*Scope)
	if !ok {
		return false, nil
	}
	return true, scope.Enlist(name, undo)
}
