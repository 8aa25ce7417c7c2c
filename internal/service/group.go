package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Manoj-619/cartoo-new-sub001/internal/domain"
	"github.com/Manoj-619/cartoo-new-sub001/internal/repository"
	apperrors "github.com/Manoj-619/cartoo-new-sub001/pkg/errors"
)

// GroupService creates checkout groups and reports their payment state.
type GroupService struct {
	orders repository.OrderRepository
	logger *slog.Logger
}

// NewGroupService creates a new checkout group service.
func NewGroupService(orders repository.OrderRepository, logger *slog.Logger) *GroupService {
	return &GroupService{
		orders: orders,
		logger: logger,
	}
}

// CreateGroupInput holds the parameters for creating a checkout group. A group
// has exactly one buyer; every order is created for BuyerID.
type CreateGroupInput struct {
	ProcessorOrderID string            `json:"processor_order_id" validate:"required,processor_id"`
	BuyerID          string            `json:"buyer_id" validate:"required,max=128"`
	Orders           []GroupOrderInput `json:"orders" validate:"required,min=1,max=50,dive"`
}

// GroupOrderInput is one seller-scoped order of a new checkout group.
type GroupOrderInput struct {
	ID      string `json:"id,omitempty" validate:"omitempty,uuid"`
	StoreID string `json:"store_id" validate:"required,max=128"`
	Amount  int64  `json:"amount" validate:"gt=0"`
}

// CreateGroup inserts one unpaid order per seller, all sharing the processor
// order id and the buyer.
func (s *GroupService) CreateGroup(ctx context.Context, input *CreateGroupInput) (*domain.Group, error) {
	if input.ProcessorOrderID == "" {
		return nil, apperrors.InvalidInput("processor_order_id is required")
	}
	if input.BuyerID == "" {
		return nil, apperrors.InvalidInput("buyer_id is required")
	}
	if len(input.Orders) == 0 {
		return nil, apperrors.InvalidInput("a checkout group needs at least one order")
	}

	existing, err := s.orders.ListByProcessorOrderID(ctx, input.ProcessorOrderID)
	if err != nil {
		return nil, fmt.Errorf("check existing group: %w", err)
	}
	if len(existing) > 0 {
		return nil, apperrors.AlreadyExists("checkout group", "processor_order_id", input.ProcessorOrderID)
	}

	now := time.Now().UTC()
	seen := make(map[string]struct{}, len(input.Orders))
	orders := make([]domain.Order, 0, len(input.Orders))
	for _, in := range input.Orders {
		id := in.ID
		if id == "" {
			id = uuid.NewString()
		}
		if _, dup := seen[id]; dup {
			return nil, apperrors.InvalidInput(fmt.Sprintf("duplicate order id %s", id))
		}
		seen[id] = struct{}{}

		orders = append(orders, domain.Order{
			ID:               id,
			ProcessorOrderID: input.ProcessorOrderID,
			BuyerID:          input.BuyerID,
			StoreID:          in.StoreID,
			Amount:           in.Amount,
			Status:           domain.OrderStatusPending,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
	}

	if err := s.orders.CreateGroup(ctx, orders); err != nil {
		return nil, fmt.Errorf("create checkout group: %w", err)
	}

	s.logger.InfoContext(ctx, "checkout group created",
		slog.String("processor_order_id", input.ProcessorOrderID),
		slog.String("buyer_id", input.BuyerID),
		slog.Int("orders", len(orders)),
	)

	return &domain.Group{ProcessorOrderID: input.ProcessorOrderID, Orders: orders}, nil
}

// GetGroup reconstructs a checkout group from its orders and removal records.
// buyerID, when non-empty, must own the group.
func (s *GroupService) GetGroup(ctx context.Context, processorOrderID, buyerID string) (*domain.Group, error) {
	orders, err := s.orders.ListByProcessorOrderID(ctx, processorOrderID)
	if err != nil {
		return nil, fmt.Errorf("list group orders: %w", err)
	}
	removed, err := s.orders.CountRemoved(ctx, processorOrderID)
	if err != nil {
		return nil, fmt.Errorf("count removed orders: %w", err)
	}
	if len(orders) == 0 && removed == 0 {
		return nil, apperrors.NotFound("checkout group", processorOrderID)
	}

	for i := range orders {
		if !orders[i].BelongsTo(processorOrderID, buyerID) {
			return nil, apperrors.NotFound("checkout group", processorOrderID)
		}
	}

	return &domain.Group{
		ProcessorOrderID: processorOrderID,
		Orders:           orders,
		RemovedCount:     removed,
	}, nil
}
