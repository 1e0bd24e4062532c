package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"proxyvote/internal/delegation/models"
	id "proxyvote/pkg/domain"
	dErrors "proxyvote/pkg/domain-errors"
	"proxyvote/pkg/platform/httputil"
	"proxyvote/pkg/requestcontext"
)

// Service defines the delegation operations the handler exposes.
type Service interface {
	Node(ctx context.Context, nodeID id.NodeID) (*models.Node, error)

	Fund(ctx context.Context, delegatee id.AccountID, amount uint64) (*models.Node, error)
	FundMany(ctx context.Context, delegatees []id.AccountID, amounts []uint64) ([]*models.Node, error)
	FundSigned(ctx context.Context, delegatee id.AccountID, amount uint64, token string) (*models.Node, error)
	FundSignedMany(ctx context.Context, delegatees []id.AccountID, amounts []uint64, tokens []string) ([]*models.Node, error)
	Recall(ctx context.Context, delegatee, target id.AccountID) error
	RecallMany(ctx context.Context, delegatees, targets []id.AccountID) error

	SubDelegate(ctx context.Context, nodeID id.NodeID, childDelegatee id.AccountID, amount uint64) (*models.Node, error)
	SubDelegateMany(ctx context.Context, nodeID id.NodeID, childDelegatees []id.AccountID, amounts []uint64) ([]*models.Node, error)
	UnSubDelegate(ctx context.Context, nodeID id.NodeID, childDelegatee id.AccountID) error
	UnSubDelegateMany(ctx context.Context, nodeID id.NodeID, childDelegatees []id.AccountID) error
	RecallNode(ctx context.Context, nodeID id.NodeID, target id.AccountID) error
}

// Handler wires delegation endpoints to the delegation engine.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// New constructs a delegation handler with its dependencies.
func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts delegation endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Route("/delegations", func(r chi.Router) {
		r.Post("/fund", h.HandleFund)
		r.Post("/fund-batch", h.HandleFundBatch)
		r.Post("/fund-signed", h.HandleFundSigned)
		r.Post("/fund-signed-batch", h.HandleFundSignedBatch)
		r.Post("/recall", h.HandleRecall)
		r.Post("/recall-batch", h.HandleRecallBatch)
	})
	r.Route("/nodes/{nodeID}", func(r chi.Router) {
		r.Get("/", h.HandleGetNode)
		r.Post("/sub-delegate", h.HandleSubDelegate)
		r.Post("/sub-delegate-batch", h.HandleSubDelegateBatch)
		r.Post("/un-sub-delegate", h.HandleUnSubDelegate)
		r.Post("/un-sub-delegate-batch", h.HandleUnSubDelegateBatch)
		r.Post("/recall", h.HandleRecallNode)
	})
}

// HandleGetNode handles GET /v1/nodes/{nodeID}.
func (h *Handler) HandleGetNode(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := h.nodeID(w, r)
	if !ok {
		return
	}

	node, err := h.service.Node(r.Context(), nodeID)
	if err != nil {
		h.writeFailure(w, r, "get node", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromNode(node))
}

// HandleFund handles POST /v1/delegations/fund.
func (h *Handler) HandleFund(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[FundRequest](h, w, r)
	if !ok {
		return
	}

	node, err := h.service.Fund(r.Context(), req.ParsedDelegatee(), req.Amount)
	if err != nil {
		h.writeFailure(w, r, "fund", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromNode(node))
}

// HandleFundBatch handles POST /v1/delegations/fund-batch.
func (h *Handler) HandleFundBatch(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[FundBatchRequest](h, w, r)
	if !ok {
		return
	}

	nodes, err := h.service.FundMany(r.Context(), req.ParsedDelegatees(), req.Amounts)
	if err != nil {
		h.writeFailure(w, r, "fund batch", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromNodes(nodes))
}

// HandleFundSigned handles POST /v1/delegations/fund-signed.
func (h *Handler) HandleFundSigned(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[FundRequest](h, w, r)
	if !ok {
		return
	}
	if req.Allowance == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "allowance is required"))
		return
	}

	node, err := h.service.FundSigned(r.Context(), req.ParsedDelegatee(), req.Amount, req.Allowance)
	if err != nil {
		h.writeFailure(w, r, "fund signed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromNode(node))
}

// HandleFundSignedBatch handles POST /v1/delegations/fund-signed-batch.
func (h *Handler) HandleFundSignedBatch(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[FundBatchRequest](h, w, r)
	if !ok {
		return
	}

	nodes, err := h.service.FundSignedMany(r.Context(), req.ParsedDelegatees(), req.Amounts, req.Allowances)
	if err != nil {
		h.writeFailure(w, r, "fund signed batch", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromNodes(nodes))
}

// HandleRecall handles POST /v1/delegations/recall. The target defaults to
// the caller when omitted.
func (h *Handler) HandleRecall(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[RecallRequest](h, w, r)
	if !ok {
		return
	}
	if req.ParsedDelegatee().IsZero() {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "delegatee is required"))
		return
	}

	target := req.ParsedTarget()
	if target.IsZero() {
		target = requestcontext.Actor(r.Context())
	}

	if err := h.service.Recall(r.Context(), req.ParsedDelegatee(), target); err != nil {
		h.writeFailure(w, r, "recall", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRecallBatch handles POST /v1/delegations/recall-batch.
func (h *Handler) HandleRecallBatch(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[RecallBatchRequest](h, w, r)
	if !ok {
		return
	}

	if err := h.service.RecallMany(r.Context(), req.ParsedDelegatees(), req.ParsedTargets()); err != nil {
		h.writeFailure(w, r, "recall batch", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSubDelegate handles POST /v1/nodes/{nodeID}/sub-delegate.
func (h *Handler) HandleSubDelegate(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := h.nodeID(w, r)
	if !ok {
		return
	}
	req, ok := decode[SubDelegateRequest](h, w, r)
	if !ok {
		return
	}

	child, err := h.service.SubDelegate(r.Context(), nodeID, req.ParsedDelegatee(), req.Amount)
	if err != nil {
		h.writeFailure(w, r, "sub-delegate", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromNode(child))
}

// HandleSubDelegateBatch handles POST /v1/nodes/{nodeID}/sub-delegate-batch.
func (h *Handler) HandleSubDelegateBatch(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := h.nodeID(w, r)
	if !ok {
		return
	}
	req, ok := decode[SubDelegateBatchRequest](h, w, r)
	if !ok {
		return
	}

	children, err := h.service.SubDelegateMany(r.Context(), nodeID, req.ParsedDelegatees(), req.Amounts)
	if err != nil {
		h.writeFailure(w, r, "sub-delegate batch", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromNodes(children))
}

// HandleUnSubDelegate handles POST /v1/nodes/{nodeID}/un-sub-delegate.
func (h *Handler) HandleUnSubDelegate(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := h.nodeID(w, r)
	if !ok {
		return
	}
	req, ok := decode[UnSubDelegateRequest](h, w, r)
	if !ok {
		return
	}

	if err := h.service.UnSubDelegate(r.Context(), nodeID, req.ParsedDelegatee()); err != nil {
		h.writeFailure(w, r, "un-sub-delegate", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleUnSubDelegateBatch handles POST /v1/nodes/{nodeID}/un-sub-delegate-batch.
func (h *Handler) HandleUnSubDelegateBatch(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := h.nodeID(w, r)
	if !ok {
		return
	}
	req, ok := decode[UnSubDelegateBatchRequest](h, w, r)
	if !ok {
		return
	}

	if err := h.service.UnSubDelegateMany(r.Context(), nodeID, req.ParsedDelegatees()); err != nil {
		h.writeFailure(w, r, "un-sub-delegate batch", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRecallNode handles POST /v1/nodes/{nodeID}/recall.
func (h *Handler) HandleRecallNode(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := h.nodeID(w, r)
	if !ok {
		return
	}
	req, ok := decode[RecallRequest](h, w, r)
	if !ok {
		return
	}

	target := req.ParsedTarget()
	if target.IsZero() {
		target = requestcontext.Actor(r.Context())
	}

	if err := h.service.RecallNode(r.Context(), nodeID, target); err != nil {
		h.writeFailure(w, r, "recall node", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decode reads a JSON body and runs the request's Validate before handing it
// to the handler.
func decode[T any, PT interface {
	*T
	Validate() error
}](h *Handler, w http.ResponseWriter, r *http.Request) (PT, bool) {
	body, ok := httputil.Decode[T](w, r, h.logger)
	if !ok {
		return nil, false
	}
	req := PT(&body)
	if err := req.Validate(); err != nil {
		httputil.WriteError(w, err)
		return nil, false
	}
	return req, true
}

func (h *Handler) nodeID(w http.ResponseWriter, r *http.Request) (id.NodeID, bool) {
	nodeID, err := id.ParseNodeID(chi.URLParam(r, "nodeID"))
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid node id"))
		return id.NodeID{}, false
	}
	return nodeID, true
}

func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, operation string, err error) {
	ctx := r.Context()
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(ctx, "delegation operation failed",
			"request_id", requestcontext.RequestID(ctx),
			"operation", operation,
			"error", err,
		)
	} else {
		h.logger.WarnContext(ctx, "delegation operation rejected",
			"request_id", requestcontext.RequestID(ctx),
			"operation", operation,
			"error", err,
		)
	}
	httputil.WriteError(w, err)
}
