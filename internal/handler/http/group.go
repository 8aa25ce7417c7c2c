package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Manoj-619/cartoo-new-sub001/internal/domain"
	"github.com/Manoj-619/cartoo-new-sub001/internal/service"
	"github.com/Manoj-619/cartoo-new-sub001/pkg/httputil"
	"github.com/Manoj-619/cartoo-new-sub001/pkg/middleware"
	"github.com/Manoj-619/cartoo-new-sub001/pkg/validator"
)

// Roles allowed to create groups and read any buyer's group.
const (
	RoleService = "service"
	RoleAdmin   = "admin"
)

// GroupManager creates and reads checkout groups.
type GroupManager interface {
	CreateGroup(ctx context.Context, input *service.CreateGroupInput) (*domain.Group, error)
	GetGroup(ctx context.Context, processorOrderID, buyerID string) (*domain.Group, error)
}

// GroupHandler handles HTTP requests for checkout group endpoints.
type GroupHandler struct {
	groups GroupManager
	logger *slog.Logger
}

// NewGroupHandler creates a new checkout group HTTP handler.
func NewGroupHandler(groups GroupManager, logger *slog.Logger) *GroupHandler {
	return &GroupHandler{
		groups: groups,
		logger: logger,
	}
}

// GroupResponse is the JSON representation of a checkout group.
type GroupResponse struct {
	ProcessorOrderID string         `json:"processor_order_id"`
	Status           string         `json:"status"`
	Orders           []domain.Order `json:"orders"`
	RemovedCount     int            `json:"removed_count"`
	PaymentIDs       []string       `json:"payment_ids"`
}

func toGroupResponse(g *domain.Group) GroupResponse {
	orders := g.Orders
	if orders == nil {
		orders = []domain.Order{}
	}
	paymentIDs := g.PaymentIDs()
	if paymentIDs == nil {
		paymentIDs = []string{}
	}
	return GroupResponse{
		ProcessorOrderID: g.ProcessorOrderID,
		Status:           g.Status(),
		Orders:           orders,
		RemovedCount:     g.RemovedCount,
		PaymentIDs:       paymentIDs,
	}
}

// CreateGroup handles POST /api/v1/orders/groups.
func (h *GroupHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req service.CreateGroupInput
	if err := validator.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	group, err := h.groups.CreateGroup(r.Context(), &req)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusCreated, toGroupResponse(group))
}

// GetGroup handles GET /api/v1/orders/groups/{processorOrderId}. Buyers only
// see their own groups; service and admin callers see any.
func (h *GroupHandler) GetGroup(w http.ResponseWriter, r *http.Request) {
	processorOrderID := chi.URLParam(r, "processorOrderId")

	buyerID := middleware.UserIDFromContext(r.Context())
	switch middleware.RoleFromContext(r.Context()) {
	case RoleService, RoleAdmin:
		buyerID = ""
	}

	group, err := h.groups.GetGroup(r.Context(), processorOrderID, buyerID)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, toGroupResponse(group))
}
