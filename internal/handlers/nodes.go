// Package handlers serves the node API. Plain reads and writes go through the request's
// call-scoped session; appends run as explicit, retried units of work.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"

	"brain2-uow/internal/infrastructure/transactions"
	"brain2-uow/internal/middleware"
	"brain2-uow/internal/repository"
	"brain2-uow/internal/uow"
	"brain2-uow/pkg/api"
	apperrors "brain2-uow/pkg/errors"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// NodesStore is the resolve name under which the node store is registered.
const NodesStore = "nodes"

const maxContentLength = 10000

// RetryPolicy holds the retry policy used for appends. The configuration watcher swaps it.
type RetryPolicy struct {
	current atomic.Pointer[uow.Policy]
}

// NewRetryPolicy creates a holder for p.
func NewRetryPolicy(p uow.Policy) *RetryPolicy {
	rp := &RetryPolicy{}
	rp.Store(p)
	return rp
}

// Load returns the current policy.
func (rp *RetryPolicy) Load() uow.Policy {
	return *rp.current.Load()
}

// Store replaces the policy.
func (rp *RetryPolicy) Store(p uow.Policy) {
	rp.current.Store(&p)
}

// NodeHandler handles /api/v1/nodes.
type NodeHandler struct {
	registry    *uow.Registry
	policy      *RetryPolicy
	isTransient uow.TransientFunc
	metrics     uow.Metrics
	logger      *zap.Logger

	transactions uow.TransactionFactory
}

// NewNodeHandler creates a NodeHandler. isTransient is the store backend's predicate.
func NewNodeHandler(registry *uow.Registry, policy *RetryPolicy, isTransient uow.TransientFunc, metrics uow.Metrics, logger *zap.Logger) *NodeHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = uow.NopMetrics{}
	}
	if isTransient == nil {
		isTransient = apperrors.IsTransient
	}
	return &NodeHandler{
		registry:    registry,
		policy:      policy,
		isTransient: isTransient,
		metrics:     metrics,
		logger:      logger,
	}
}

// WithTransactions runs every append attempt inside a scoped transaction from factory.
func (h *NodeHandler) WithTransactions(factory uow.TransactionFactory) *NodeHandler {
	h.transactions = factory
	return h
}

// Routes mounts the node endpoints on r.
func (h *NodeHandler) Routes(r chi.Router) {
	r.Get("/nodes/{id}", h.GetNode)
	r.Put("/nodes/{id}", h.PutNode)
	r.Delete("/nodes/{id}", h.DeleteNode)
	r.Post("/nodes/{id}/append", h.AppendNode)
}

// PutNodeRequest replaces a node. Version is the version the client last read; 0
// creates the node.
type PutNodeRequest struct {
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
	Version int64    `json:"version"`
}

// AppendNodeRequest appends content to a node and bumps its counter.
type AppendNodeRequest struct {
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
}

// GetNode handles GET /api/v1/nodes/{id}
func (h *NodeHandler) GetNode(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.scopedNodes(r)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	node, err := nodes.FindByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	api.Success(w, http.StatusOK, node)
}

// PutNode handles PUT /api/v1/nodes/{id}. The write is committed by the call-scope
// middleware after this handler returns; a concurrent update then yields 409.
func (h *NodeHandler) PutNode(w http.ResponseWriter, r *http.Request) {
	var req PutNodeRequest
	if err := api.Decode(r, &req); err != nil {
		middleware.WriteError(w, r, apperrors.NewValidation("invalid request body: "+err.Error()))
		return
	}
	if err := validateContent(req.Content); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	nodes, err := h.scopedNodes(r)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	node, err := nodes.FindByID(r.Context(), id)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		node = &repository.Node{ID: id}
	case err != nil:
		middleware.WriteError(w, r, err)
		return
	}
	if node.Version != req.Version {
		middleware.WriteError(w, r, apperrors.NewConflict("node was modified by another request", nil))
		return
	}

	node.Content = req.Content
	node.Tags = req.Tags
	if err := nodes.Save(node); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	status := http.StatusOK
	if req.Version == 0 {
		status = http.StatusCreated
	}
	api.Success(w, status, node)
}

// DeleteNode handles DELETE /api/v1/nodes/{id}
func (h *NodeHandler) DeleteNode(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.scopedNodes(r)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := nodes.FindByID(r.Context(), id); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	nodes.Delete(id)
	w.WriteHeader(http.StatusNoContent)
}

// AppendNode handles POST /api/v1/nodes/{id}/append. Each attempt reads the node afresh,
// so conflicts and transient failures are retried as a whole.
func (h *NodeHandler) AppendNode(w http.ResponseWriter, r *http.Request) {
	var req AppendNodeRequest
	if err := api.Decode(r, &req); err != nil {
		middleware.WriteError(w, r, apperrors.NewValidation("invalid request body: "+err.Error()))
		return
	}
	if err := validateContent(req.Content); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	id := chi.URLParam(r, "id")
	cfg := uow.Config{
		ResolveName:  NodesStore,
		Strategy:     uow.StrategyNone,
		StoreFactory: h.registry.StoreFactory(),
		IsTransient:  apperrors.AnyTransient(h.isTransient, uow.IsConflict),
	}
	if h.transactions != nil {
		cfg.CreateScopedTransaction = true
		cfg.TransactionFactory = h.transactions
	}
	node, err := uow.RetryUnitOfWork(r.Context(), cfg, h.policy.Load(),
		func(ctx context.Context, handle uow.StoreHandle) (*repository.Node, error) {
			return h.appendTo(ctx, handle, id, req)
		},
		uow.WithName("nodes.append"),
		uow.WithLogger(h.logger),
		uow.WithMetrics(h.metrics),
	)
	if err != nil {
		h.logger.Warn("Append failed",
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.String("node_id", id),
			zap.Error(err),
		)
		middleware.WriteError(w, r, err)
		return
	}
	api.Success(w, http.StatusOK, node)
}

func (h *NodeHandler) appendTo(ctx context.Context, handle uow.StoreHandle, id string, req AppendNodeRequest) (*repository.Node, error) {
	session, ok := repository.SessionFrom(handle)
	if !ok {
		return nil, apperrors.NewInternal("store handle is not a session", nil)
	}
	attempt := uow.AttemptFromContext(ctx)
	if _, err := transactions.Enlist(ctx, "nodes.append", func(context.Context) error {
		h.logger.Debug("Append attempt rolled back",
			zap.String("node_id", id),
			zap.Int("attempt", attempt),
		)
		return nil
	}); err != nil {
		return nil, err
	}
	nodes := repository.Nodes(session)
	node, err := nodes.FindByID(ctx, id)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		node = &repository.Node{ID: id}
	case err != nil:
		return nil, err
	}

	if node.Content != "" && req.Content != "" {
		node.Content += "\n"
	}
	node.Content += req.Content
	node.Tags = mergeTags(node.Tags, req.Tags)
	node.Counter++
	if len(node.Content) > maxContentLength {
		return nil, apperrors.NewValidation("content too long")
	}
	if err := nodes.Save(node); err != nil {
		return nil, err
	}
	return node, nil
}

func (h *NodeHandler) scopedNodes(r *http.Request) (*repository.NodeRepository, error) {
	scope, ok := uow.CallScopeFromContext(r.Context())
	if !ok {
		return nil, apperrors.NewInternal("request has no call scope", nil)
	}
	handle, err := scope.Resolve(r.Context(), NodesStore)
	if err != nil {
		return nil, err
	}
	session, ok := repository.SessionFrom(handle)
	if !ok {
		return nil, apperrors.NewInternal("store handle is not a session", nil)
	}
	return repository.Nodes(session), nil
}

func validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return apperrors.NewValidation("content is required")
	}
	if len(content) > maxContentLength {
		return apperrors.NewValidation("content too long")
	}
	return nil
}

func mergeTags(existing, added []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, tag := range existing {
		seen[tag] = true
	}
	for _, tag := range added {
		if !seen[tag] {
			seen[tag] = true
			existing = append(existing, tag)
		}
	}
	return existing
}
