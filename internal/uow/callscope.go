package uow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	apperrors "brain2-uow/pkg/errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Lifetime controls how long a resolved store handle lives.
type Lifetime int

const (
	// LifetimeTransient creates a new handle on every resolution; the caller owns it.
	LifetimeTransient Lifetime = iota
	// LifetimeCallScoped creates one handle per call scope, shared by every resolution
	// within that scope until the Binder commits and unbinds it.
	LifetimeCallScoped
)

func (l Lifetime) String() string {
	if l == LifetimeCallScoped {
		return "call_scoped"
	}
	return "transient"
}

// StoreInterface names the StoreHandle interface in binding keys.
const StoreInterface = "uow.StoreHandle"

// BindingKey identifies a registration: the interface it provides and its resolve name.
type BindingKey struct {
	Interface string
	Name      string
}

// StoreKey returns the binding key of the store handle registered under name.
func StoreKey(name string) BindingKey {
	return BindingKey{Interface: StoreInterface, Name: name}
}

func (k BindingKey) String() string {
	if k.Name == "" {
		return k.Interface
	}
	return k.Interface + "/" + k.Name
}

// Registration tells a Registry how to manufacture a store handle.
type Registration struct {
	Lifetime Lifetime
	Strategy ConcurrencyStrategy
	Factory  StoreFactory
}

// ErrNotRegistered is returned when no registration exists for a resolve name.
var ErrNotRegistered = errors.New("uow: store not registered")

// ErrScopeClosed is returned when resolving from a call scope that was closed.
var ErrScopeClosed = errors.New("uow: call scope closed")

// Registry holds store registrations keyed by resolve name. It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	regs map[BindingKey]Registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{regs: make(map[BindingKey]Registration)}
}

// Register adds or replaces the registration for name.
func (r *Registry) Register(name string, reg Registration) error {
	if reg.Factory == nil {
		return apperrors.NewValidation(fmt.Sprintf("registration %q: factory is required", name))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs[StoreKey(name)] = reg
	return nil
}

// Lookup returns the registration for key.
func (r *Registry) Lookup(key BindingKey) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.regs[key]
	return reg, ok
}

// StoreFactory returns a StoreFactory backed by the registry. Every call manufactures a
// new handle owned by the caller, whatever the registered lifetime.
func (r *Registry) StoreFactory() StoreFactory {
	return func(ctx context.Context, strategy ConcurrencyStrategy, resolveName string) (StoreHandle, error) {
		reg, ok := r.Lookup(StoreKey(resolveName))
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrNotRegistered, resolveName)
		}
		return reg.Factory(ctx, strategy, resolveName)
	}
}

// CallScope holds the call-scoped store handles of one logical call, typically one
// inbound request. The scope is passed explicitly (directly or through a context).
// Its lock guards only binding lookup and removal; handles are created outside it.
type CallScope struct {
	id       string
	registry *Registry
	logger   *zap.Logger

	mu       sync.Mutex
	bindings map[BindingKey]StoreHandle
	closed   bool
}

// NewCallScope creates an empty scope resolving registrations from registry.
func NewCallScope(registry *Registry, logger *zap.Logger) *CallScope {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CallScope{
		id:       uuid.NewString(),
		registry: registry,
		logger:   logger,
		bindings: make(map[BindingKey]StoreHandle),
	}
}

// ID identifies the scope in logs.
func (s *CallScope) ID() string {
	return s.id
}

// Resolve returns the store handle registered under name. A call-scoped registration is
// created on first resolution and bound to the scope; later resolutions return the bound
// handle. A transient registration always yields a new handle the caller must release.
func (s *CallScope) Resolve(ctx context.Context, name string) (StoreHandle, error) {
	key := StoreKey(name)
	reg, ok := s.registry.Lookup(key)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}
	if reg.Lifetime != LifetimeCallScoped {
		return reg.Factory(ctx, reg.Strategy, name)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrScopeClosed
	}
	if handle, ok := s.bindings[key]; ok {
		s.mu.Unlock()
		return handle, nil
	}
	s.mu.Unlock()

	created, err := reg.Factory(ctx, reg.Strategy, name)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.releaseQuietly(key, created)
		return nil, ErrScopeClosed
	}
	if existing, ok := s.bindings[key]; ok {
		s.mu.Unlock()
		s.releaseQuietly(key, created)
		return existing, nil
	}
	s.bindings[key] = created
	s.mu.Unlock()

	s.logger.Debug("Bound call-scoped store handle",
		zap.String("scope_id", s.id),
		zap.String("binding", key.String()),
	)
	return created, nil
}

// Lookup returns the handle bound under key without creating one.
func (s *CallScope) Lookup(key BindingKey) (StoreHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	handle, ok := s.bindings[key]
	return handle, ok
}

// Unbind removes the binding under key and returns the handle that was bound.
// The handle is not released.
func (s *CallScope) Unbind(key BindingKey) (StoreHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	handle, ok := s.bindings[key]
	if ok {
		delete(s.bindings, key)
	}
	return handle, ok
}

// Len returns the number of bound handles.
func (s *CallScope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bindings)
}

// Close releases every handle still bound, without committing, and rejects further
// call-scoped resolutions. Closing twice is a no-op.
func (s *CallScope) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	bindings := s.bindings
	s.bindings = make(map[BindingKey]StoreHandle)
	s.mu.Unlock()

	var errs []error
	for key, handle := range bindings {
		s.logger.Debug("Releasing uncommitted call-scoped store handle",
			zap.String("scope_id", s.id),
			zap.String("binding", key.String()),
		)
		if err := handle.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func (s *CallScope) releaseQuietly(key BindingKey, handle StoreHandle) {
	if err := handle.Release(); err != nil {
		s.logger.Warn("Failed to release store handle",
			zap.String("scope_id", s.id),
			zap.String("binding", key.String()),
			zap.Error(err),
		)
	}
}

type callScopeKey struct{}

// WithCallScope returns a copy of ctx carrying scope.
func WithCallScope(ctx context.Context, scope *CallScope) context.Context {
	return context.WithValue(ctx, callScopeKey{}, scope)
}

// CallScopeFromContext returns the scope carried by ctx, if any.
func CallScopeFromContext(ctx context.Context) (*CallScope, bool) {
	scope, ok := ctx.Value(callScopeKey{}).(*CallScope)
	return scope, ok && scope != nil
}
